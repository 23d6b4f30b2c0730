// Package audit implements the append-only, hash-chained record of every
// action the gateway was asked to run and what happened to it.
//
// Each record carries the hash of its predecessor (64 zeros for the first
// record) and its own hash over a fixed field order, so any edit, deletion or
// reordering of persisted records is detected by VerifyChain.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

var (
	// ErrAppendFailed is returned when a record could not be persisted. The
	// chain refuses every later append until it is reopened.
	ErrAppendFailed = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeAppendFailed, "audit append failed")
	ErrChainBroken  = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeChainBroken, "audit chain integrity check failed")
)

// Backend persists records in append order.
type Backend interface {
	// Append durably stores rec as the seq-th record (1-based).
	Append(ctx context.Context, seq int64, rec contracts.AuditRecord) error
	// Load returns every stored record in append order.
	Load(ctx context.Context) ([]contracts.AuditRecord, error)
	Close() error
}

// Entry is what a caller asks to record.
type Entry struct {
	Action  contracts.SafeAction
	Actor   string
	Outcome contracts.Outcome
	TokenID string
}

// Chain serializes appends to a Backend. One mutex covers reading the head,
// hashing, persisting and advancing the head.
type Chain struct {
	mu      sync.Mutex
	backend Backend
	head    string
	length  int64
	failed  error

	clock  func() time.Time
	newID  func() string
	logger *slog.Logger
}

type Option func(*Chain)

func WithClock(clock func() time.Time) Option {
	return func(c *Chain) { c.clock = clock }
}

func WithIDGenerator(gen func() string) Option {
	return func(c *Chain) { c.newID = gen }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// Open loads the existing records from backend and positions the head after
// the last one. It does not verify them; call VerifyChain for that.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Chain, error) {
	c := &Chain{
		backend: backend,
		head:    canonicalize.GenesisHash,
		clock:   time.Now,
		newID:   func() string { return uuid.New().String() },
		logger:  slog.Default().With("component", "audit_chain"),
	}
	for _, opt := range opts {
		opt(c)
	}

	records, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit chain: %w", err)
	}
	if n := len(records); n > 0 {
		c.head = records[n-1].RecordHash
		c.length = int64(n)
	}
	c.logger.InfoContext(ctx, "audit chain opened", "records", c.length, "head", c.head)
	return c, nil
}

// Append records e and returns the persisted record.
func (c *Chain) Append(ctx context.Context, e Entry) (contracts.AuditRecord, error) {
	if !e.Outcome.Valid() {
		return contracts.AuditRecord{}, fmt.Errorf("invalid outcome %q", e.Outcome)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return contracts.AuditRecord{}, gatewayerr.Wrap(gatewayerr.ClassHardStop, gatewayerr.CodeAppendFailed, c.failed, "audit chain is in a failed state")
	}
	if err := ctx.Err(); err != nil {
		return contracts.AuditRecord{}, err
	}

	rec := contracts.AuditRecord{
		RecordID:     c.newID(),
		Timestamp:    c.clock().UTC(),
		Action:       e.Action,
		Actor:        e.Actor,
		Outcome:      e.Outcome,
		TokenID:      e.TokenID,
		PreviousHash: c.head,
	}
	hash, err := rec.ComputeHash()
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("failed to hash audit record: %w", err)
	}
	rec.RecordHash = hash

	if err := c.backend.Append(ctx, c.length+1, rec); err != nil {
		c.failed = err
		c.logger.ErrorContext(ctx, "audit append failed; chain latched",
			"record_id", rec.RecordID,
			"action_id", rec.Action.ActionID(),
			"error", err,
		)
		return contracts.AuditRecord{}, gatewayerr.Wrap(gatewayerr.ClassHardStop, gatewayerr.CodeAppendFailed, err, "audit append failed")
	}

	c.head = rec.RecordHash
	c.length++
	c.logger.DebugContext(ctx, "audit record appended",
		"record_id", rec.RecordID,
		"outcome", rec.Outcome,
		"seq", c.length,
	)
	return rec, nil
}

// ReadAll returns every persisted record in order.
func (c *Chain) ReadAll(ctx context.Context) ([]contracts.AuditRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend.Load(ctx)
}

// VerifyChain re-reads the backend and checks every link and hash. The error
// is only for read failures; a broken chain is reported in the result.
func (c *Chain) VerifyChain(ctx context.Context) (VerifyResult, error) {
	records, err := c.ReadAll(ctx)
	if err != nil {
		var corrupt *CorruptRecordError
		if errors.As(err, &corrupt) {
			return VerifyResult{
				Records:     corrupt.Index,
				FailedIndex: corrupt.Index,
				Reason:      corrupt.Error(),
			}, nil
		}
		return VerifyResult{}, err
	}
	res := Verify(records)
	if !res.Valid {
		c.logger.ErrorContext(ctx, "audit chain verification failed",
			"index", res.FailedIndex,
			"record_id", res.FailedRecordID,
			"reason", res.Reason,
		)
	}
	return res, nil
}

// Head returns the hash of the last appended record.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Len returns the number of records in the chain.
func (c *Chain) Len() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// Failed returns the write error that latched the chain, if any.
func (c *Chain) Failed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

func (c *Chain) Close() error {
	return c.backend.Close()
}
