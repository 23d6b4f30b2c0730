// Package evidence produces the single proof-of-concept record for a finding.
//
// Generation is gated on the external classifier's verdict and is idempotent
// per finding: once a VideoPoC exists for a finding id, no second one can be
// produced, even if a later classifier result differs.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

var (
	ErrPoCExists       = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodePoCExists, "proof of concept already exists for finding")
	ErrNotConfirmedBug = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeNotConfirmedBug, "classifier verdict is not a confirmed bug")
	ErrNoVideoArtifact = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeNoVideoArtifact, "evidence bundle has no video artifact")
)

// Gate stores at most one VideoPoC per finding id.
type Gate struct {
	mu    sync.Mutex
	pocs  map[string]contracts.VideoPoC
	store artifacts.Store

	clock  func() time.Time
	logger *slog.Logger
}

type Option func(*Gate)

// WithArtifactStore makes Generate check that a content-addressed video
// reference exists and mirror every PoC into the store as JSON.
func WithArtifactStore(s artifacts.Store) Option {
	return func(g *Gate) { g.store = s }
}

func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func NewGate(opts ...Option) *Gate {
	g := &Gate{
		pocs:   make(map[string]contracts.VideoPoC),
		clock:  time.Now,
		logger: slog.Default().With("component", "evidence_gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ShouldEnable is true when a human explicitly escalated or the classifier
// confirmed a bug. A nil result without escalation is false.
func (g *Gate) ShouldEnable(result *contracts.ClassifierResult, humanEscalation bool) bool {
	return humanEscalation || result.IsConfirmedBug()
}

// Generate creates and stores the PoC for findingID. The idempotency check
// runs first and the whole operation holds the gate's lock.
func (g *Gate) Generate(ctx context.Context, findingID string, result *contracts.ClassifierResult, bundle contracts.EvidenceBundle) (contracts.VideoPoC, error) {
	if findingID == "" {
		return contracts.VideoPoC{}, fmt.Errorf("finding id is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.pocs[findingID]; exists {
		g.logger.WarnContext(ctx, "duplicate proof of concept refused", "finding_id", findingID)
		return contracts.VideoPoC{}, ErrPoCExists.WithMessage("finding %s already has a proof of concept", findingID)
	}
	if !result.IsConfirmedBug() {
		verdict := contracts.Classification("none")
		if result != nil {
			verdict = result.Classification
		}
		return contracts.VideoPoC{}, ErrNotConfirmedBug.WithMessage("finding %s: verdict %s", findingID, verdict)
	}
	if result.FindingID != "" && result.FindingID != findingID {
		return contracts.VideoPoC{}, fmt.Errorf("classifier result is for finding %s, not %s", result.FindingID, findingID)
	}
	if bundle.FindingID != "" && bundle.FindingID != findingID {
		return contracts.VideoPoC{}, fmt.Errorf("evidence bundle is for finding %s, not %s", bundle.FindingID, findingID)
	}
	if bundle.VideoArtifact == "" {
		return contracts.VideoPoC{}, ErrNoVideoArtifact.WithMessage("finding %s", findingID)
	}
	if err := g.checkArtifact(ctx, bundle.VideoArtifact); err != nil {
		return contracts.VideoPoC{}, err
	}

	trace := Timeline(bundle.Events)
	hash, err := pocHash(findingID, bundle.VideoArtifact, trace)
	if err != nil {
		return contracts.VideoPoC{}, err
	}
	poc := contracts.VideoPoC{
		FindingID:        findingID,
		PoCHash:          hash,
		VideoArtifact:    bundle.VideoArtifact,
		TimestampedTrace: trace,
		CreatedAt:        g.clock().UTC(),
	}

	if g.store != nil {
		ref, err := artifacts.PutJSON(ctx, g.store, poc)
		if err != nil {
			return contracts.VideoPoC{}, fmt.Errorf("failed to persist proof of concept: %w", err)
		}
		g.logger.DebugContext(ctx, "proof of concept mirrored", "finding_id", findingID, "ref", ref)
	}

	g.pocs[findingID] = poc
	g.logger.InfoContext(ctx, "proof of concept generated",
		"finding_id", findingID,
		"poc_hash", hash,
		"events", len(trace),
	)
	return poc, nil
}

// Get returns the stored PoC for findingID.
func (g *Gate) Get(findingID string) (contracts.VideoPoC, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	poc, ok := g.pocs[findingID]
	return poc, ok
}

func (g *Gate) checkArtifact(ctx context.Context, ref string) error {
	if g.store == nil {
		return nil
	}
	if _, err := artifacts.ParseRef(ref); err != nil {
		// Not content-addressed (e.g. a path); nothing to check against.
		return nil
	}
	ok, err := g.store.Exists(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to check video artifact: %w", err)
	}
	if !ok {
		return ErrNoVideoArtifact.WithMessage("video artifact %s is not in the artifact store", ref)
	}
	return nil
}

// Timeline positions every event relative to the first one, in bundle order.
func Timeline(events []contracts.TraceEvent) []contracts.TimelineEntry {
	out := make([]contracts.TimelineEntry, 0, len(events))
	if len(events) == 0 {
		return out
	}
	first := events[0].Timestamp
	for _, e := range events {
		out = append(out, contracts.TimelineEntry{
			ElapsedSeconds: e.Timestamp.Sub(first).Seconds(),
			Kind:           e.Kind,
			Detail:         e.Detail,
		})
	}
	return out
}

// pocHash digests finding_id|video_artifact|trace, the trace as RFC 8785 JSON.
func pocHash(findingID, video string, trace []contracts.TimelineEntry) (string, error) {
	traceJSON, err := canonicalize.JCS(trace)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize trace: %w", err)
	}
	return canonicalize.HashFields(findingID, video, string(traceJSON)), nil
}
