// Package manifest persists one sealed ExecutionManifest per execution. The
// manifests form a hash chain of their own, independent of the audit chain.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

var (
	ErrNotFound       = errors.New("manifest not found")
	ErrExists         = errors.New("manifest already exists for execution")
	ErrInvalidID      = errors.New("invalid execution id")
	ErrManifestBroken = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeManifestBroken, "manifest chain integrity check failed")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,199}$`)

// ValidateExecutionID rejects ids that cannot be used as a file name.
func ValidateExecutionID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Backend persists sealed manifests.
type Backend interface {
	// Put stores m as the seq-th manifest (1-based) and returns where it went.
	// It must fail with ErrExists if the execution id is taken.
	Put(ctx context.Context, seq int64, m contracts.ExecutionManifest) (string, error)
	Get(ctx context.Context, executionID string) (contracts.ExecutionManifest, error)
	// List returns every manifest in save order.
	List(ctx context.Context) ([]contracts.ExecutionManifest, error)
	Close() error
}

// Store seals and saves manifests under one mutex so the chain head and the
// persisted sequence never diverge.
type Store struct {
	mu      sync.Mutex
	backend Backend
	head    string
	last    time.Time
	count   int64

	clock  func() time.Time
	logger *slog.Logger
}

type Option func(*Store)

func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open reads the existing manifests to find the chain head.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		head:    canonicalize.GenesisHash,
		clock:   time.Now,
		logger:  slog.Default().With("component", "manifest_store"),
	}
	for _, opt := range opts {
		opt(s)
	}

	all, err := backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifests: %w", err)
	}
	sortByTime(all)
	if n := len(all); n > 0 {
		s.head = all[n-1].ManifestHash
		s.last = all[n-1].Timestamp
		s.count = int64(n)
	}
	return s, nil
}

// Save seals m onto the current head and persists it. A zero Timestamp is
// filled from the clock; timestamps are forced to be strictly increasing so
// the chain order can be recovered by sorting on them.
func (s *Store) Save(ctx context.Context, m contracts.ExecutionManifest) (contracts.ExecutionManifest, string, error) {
	if err := ValidateExecutionID(m.ExecutionID); err != nil {
		return contracts.ExecutionManifest{}, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = s.clock()
	}
	m.Timestamp = m.Timestamp.UTC()
	if !m.Timestamp.After(s.last) {
		m.Timestamp = s.last.Add(time.Nanosecond)
	}

	sealed, err := m.Seal(s.head)
	if err != nil {
		return contracts.ExecutionManifest{}, "", fmt.Errorf("failed to seal manifest: %w", err)
	}

	loc, err := s.backend.Put(ctx, s.count+1, sealed)
	if err != nil {
		if errors.Is(err, ErrExists) {
			return contracts.ExecutionManifest{}, "", err
		}
		s.logger.ErrorContext(ctx, "manifest save failed", "execution_id", m.ExecutionID, "error", err)
		return contracts.ExecutionManifest{}, "", gatewayerr.Wrap(gatewayerr.ClassHardStop, gatewayerr.CodeAppendFailed, err, "manifest save failed")
	}

	s.head = sealed.ManifestHash
	s.last = sealed.Timestamp
	s.count++
	s.logger.InfoContext(ctx, "manifest saved",
		"execution_id", sealed.ExecutionID,
		"manifest_hash", sealed.ManifestHash,
		"location", loc,
	)
	return sealed, loc, nil
}

func (s *Store) Get(ctx context.Context, executionID string) (contracts.ExecutionManifest, error) {
	if err := ValidateExecutionID(executionID); err != nil {
		return contracts.ExecutionManifest{}, err
	}
	return s.backend.Get(ctx, executionID)
}

// GetChain returns the manifests between startID and endID inclusive, in
// timestamp order. An unknown startID yields an empty slice; an unknown endID
// extends the range to the newest manifest.
func (s *Store) GetChain(ctx context.Context, startID, endID string) ([]contracts.ExecutionManifest, error) {
	all, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	return Slice(all, startID, endID), nil
}

// Slice applies the GetChain range rules to an unordered list.
func Slice(all []contracts.ExecutionManifest, startID, endID string) []contracts.ExecutionManifest {
	sortByTime(all)
	start, end := -1, len(all)-1
	for i, m := range all {
		if m.ExecutionID == startID && start < 0 {
			start = i
		}
	}
	if start < 0 {
		return []contracts.ExecutionManifest{}
	}
	for i := start; i < len(all); i++ {
		if all[i].ExecutionID == endID {
			end = i
			break
		}
	}
	out := make([]contracts.ExecutionManifest, end-start+1)
	copy(out, all[start:end+1])
	return out
}

// VerifyChain re-reads every manifest and checks links and hashes.
func (s *Store) VerifyChain(ctx context.Context) (VerifyResult, error) {
	all, err := s.backend.List(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	res := Verify(all)
	if !res.Valid {
		s.logger.ErrorContext(ctx, "manifest chain verification failed",
			"index", res.FailedIndex,
			"execution_id", res.FailedExecutionID,
			"reason", res.Reason,
		)
	}
	return res, nil
}

// Head returns the hash the next manifest will be chained to.
func (s *Store) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

func (s *Store) Close() error { return s.backend.Close() }

// VerifyResult mirrors the audit chain's result. FailedIndex is -1 when valid.
type VerifyResult struct {
	Valid             bool   `json:"valid"`
	Manifests         int    `json:"manifests"`
	FailedIndex       int    `json:"failed_index"`
	FailedExecutionID string `json:"failed_execution_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return ErrManifestBroken.WithMessage("manifest %d (%s): %s", r.FailedIndex, r.FailedExecutionID, r.Reason)
}

// Verify sorts manifests by timestamp and checks the chain from genesis.
func Verify(all []contracts.ExecutionManifest) VerifyResult {
	sortByTime(all)
	prev := canonicalize.GenesisHash
	for i, m := range all {
		fail := func(reason string) VerifyResult {
			return VerifyResult{Manifests: len(all), FailedIndex: i, FailedExecutionID: m.ExecutionID, Reason: reason}
		}
		if m.PreviousManifestHash != prev {
			return fail(fmt.Sprintf("previous_manifest_hash %s does not match %s", m.PreviousManifestHash, prev))
		}
		computed, err := m.ComputeHash()
		if err != nil {
			return fail("hash computation failed: " + err.Error())
		}
		if computed != m.ManifestHash {
			return fail(fmt.Sprintf("manifest_hash mismatch (computed %s, stored %s)", computed, m.ManifestHash))
		}
		prev = m.ManifestHash
	}
	return VerifyResult{Valid: true, Manifests: len(all), FailedIndex: -1}
}

func sortByTime(all []contracts.ExecutionManifest) {
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
}
