// Package gateway runs proposed browser actions through every gateway check
// in a fixed order: action gate, egress firewall, one-time approval, pacing,
// driver execution with bounded recovery, then the audit chain. Manifests
// summarize each execution and evidence is produced only through the
// evidence gate.
//
// Integrity failures (a broken audit or manifest chain, a failed append, bot
// detection) latch the whole gateway into a halted state. Nothing runs again
// until an operator calls Resume and the chains re-verify.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/actiongate"
	"github.com/Mindburn-Labs/helm-gateway/pkg/audit"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/driver"
	"github.com/Mindburn-Labs/helm-gateway/pkg/escalation"
	"github.com/Mindburn-Labs/helm-gateway/pkg/evidence"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
	"github.com/Mindburn-Labs/helm-gateway/pkg/manifest"
	"github.com/Mindburn-Labs/helm-gateway/pkg/observability"
	"github.com/Mindburn-Labs/helm-gateway/pkg/resilience"
	"github.com/Mindburn-Labs/helm-gateway/pkg/token"
)

var (
	ErrHalted           = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeGatewayHalted, "gateway halted; operator intervention required")
	ErrExecutionClosed  = errors.New("execution is finished")
	ErrExecutionExists  = errors.New("execution id already active")
	// ErrExecutionStopped wraps the hard stop that latched an execution.
	ErrExecutionStopped = errors.New("execution stopped pending operator review")
	ErrEvidenceDisabled = evidence.ErrNotConfirmedBug.WithMessage("evidence requires a confirmed bug verdict or human escalation")
)

// ResumeAction is the action type recorded when an operator lifts a halt.
const ResumeAction contracts.ActionType = "operator_resume"

// Options wires the gateway's components. Authority, Gate, Audit, Manifests
// and Driver are required.
type Options struct {
	Authority *token.Authority
	Gate      *actiongate.Gate
	Audit     *audit.Chain
	Manifests *manifest.Store
	Evidence  *evidence.Gate
	Driver    driver.Driver
	Notifier  escalation.Notifier
	Telemetry *observability.Provider

	Retry    resilience.RetryPolicy
	Restarts resilience.Limits
	// Sleeper replaces real waits in retry backoff and restart delays.
	Sleeper resilience.Sleeper

	PacingRPS   float64
	PacingBurst int

	VerifyEvery   int
	ManifestEvery int

	// Closers are closed, in order, by Close.
	Closers []io.Closer

	Clock  func() time.Time
	Logger *slog.Logger
}

// Gateway mediates between a test harness and a browser driver.
type Gateway struct {
	opts       Options
	authority  *token.Authority
	gate       *actiongate.Gate
	audit      *audit.Chain
	manifests  *manifest.Store
	evidence   *evidence.Gate
	driver     driver.Driver
	notifier   escalation.Notifier
	telemetry  *observability.Provider
	resilience *resilience.Manager
	clock      func() time.Time
	logger     *slog.Logger

	mu         sync.Mutex
	halted     bool
	haltReason string
	active     map[string]*Execution

	verifyMu      sync.Mutex
	sinceVerified int
}

// New wires the gateway and verifies both chains. A verification failure
// returns the gateway already halted along with the error.
func New(ctx context.Context, opts Options) (*Gateway, error) {
	switch {
	case opts.Authority == nil:
		return nil, errors.New("gateway: token authority is required")
	case opts.Gate == nil:
		return nil, errors.New("gateway: action gate is required")
	case opts.Audit == nil:
		return nil, errors.New("gateway: audit chain is required")
	case opts.Manifests == nil:
		return nil, errors.New("gateway: manifest store is required")
	case opts.Driver == nil:
		return nil, errors.New("gateway: driver is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "gateway")
	}
	if opts.Retry == (resilience.RetryPolicy{}) {
		opts.Retry = resilience.DefaultRetryPolicy()
	}
	if opts.Restarts == (resilience.Limits{}) {
		opts.Restarts = resilience.DefaultLimits()
	}
	if opts.Sleeper == nil {
		opts.Sleeper = resilience.SleepContext
	}
	if opts.Evidence == nil {
		opts.Evidence = evidence.NewGate(evidence.WithClock(opts.Clock))
	}
	if opts.Notifier == nil {
		opts.Notifier = escalation.NewLogNotifier(nil)
	}
	if opts.Telemetry == nil {
		disabled, err := observability.New(ctx, &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		opts.Telemetry = disabled
	}

	g := &Gateway{
		opts:      opts,
		authority: opts.Authority,
		gate:      opts.Gate,
		audit:     opts.Audit,
		manifests: opts.Manifests,
		evidence:  opts.Evidence,
		driver:    opts.Driver,
		notifier:  opts.Notifier,
		telemetry: opts.Telemetry,
		resilience: resilience.NewManager(opts.Restarts,
			resilience.WithManagerClock(opts.Clock),
			resilience.WithManagerSleeper(opts.Sleeper),
		),
		clock:  opts.Clock,
		logger: opts.Logger,
		active: make(map[string]*Execution),
	}

	if err := g.VerifyIntegrity(ctx); err != nil {
		return g, err
	}
	g.logger.InfoContext(ctx, "gateway ready",
		"audit_records", g.audit.Len(),
		"audit_head", g.audit.Head(),
		"manifest_head", g.manifests.Head(),
	)
	return g, nil
}

// Authority exposes the token authority so approvers can issue tokens.
func (g *Gateway) Authority() *token.Authority { return g.authority }

// Resilience exposes the restart bookkeeping for inspection.
func (g *Gateway) Resilience() *resilience.Manager { return g.resilience }

// VerifyIntegrity re-verifies the audit and manifest chains. Any failure
// halts the gateway.
func (g *Gateway) VerifyIntegrity(ctx context.Context) (err error) {
	ctx, done := g.telemetry.TrackOperation(ctx, "gateway.verify")
	defer func() { done(err) }()

	if err := g.verifyAudit(ctx); err != nil {
		return err
	}
	res, err := g.manifests.VerifyChain(ctx)
	if err != nil {
		g.halt(ctx, "manifest verification failed", err)
		return err
	}
	if err := res.Err(); err != nil {
		g.halt(ctx, "manifest chain broken", err)
		return err
	}
	return nil
}

func (g *Gateway) verifyAudit(ctx context.Context) error {
	res, err := g.audit.VerifyChain(ctx)
	if err != nil {
		g.halt(ctx, "audit verification failed", err)
		return err
	}
	if err := res.Err(); err != nil {
		g.halt(ctx, "audit chain broken", err)
		return err
	}
	return nil
}

// Halted reports whether the gateway is latched and why.
func (g *Gateway) Halted() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted, g.haltReason
}

func (g *Gateway) checkHalted() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.halted {
		return ErrHalted.WithMessage("%s", g.haltReason)
	}
	return nil
}

// halt latches the gateway. Only the first cause is kept and escalated.
func (g *Gateway) halt(ctx context.Context, reason string, cause error) {
	g.mu.Lock()
	if g.halted {
		g.mu.Unlock()
		return
	}
	g.halted = true
	g.haltReason = fmt.Sprintf("%s: %v", reason, cause)
	full := g.haltReason
	g.mu.Unlock()

	g.logger.ErrorContext(ctx, "gateway halted", "reason", reason, "error", cause)
	g.escalate(ctx, escalation.Signal{Kind: escalation.KindHalt, Reason: full})
}

func (g *Gateway) escalate(ctx context.Context, s escalation.Signal) {
	if s.At.IsZero() {
		s.At = g.clock().UTC()
	}
	if err := g.notifier.Notify(ctx, s); err != nil {
		g.logger.ErrorContext(ctx, "escalation delivery failed", "kind", s.Kind, "error", err)
	}
}

// Resume lifts a halt after both chains re-verify. The resume itself is
// appended to the audit chain under the operator's id.
func (g *Gateway) Resume(ctx context.Context, operator string) error {
	if operator == "" {
		return errors.New("operator id is required")
	}
	if halted, _ := g.Halted(); !halted {
		return nil
	}
	if err := g.audit.Failed(); err != nil {
		return fmt.Errorf("audit chain cannot accept appends: %w", err)
	}
	if err := g.verifyAudit(ctx); err != nil {
		return err
	}
	res, err := g.manifests.VerifyChain(ctx)
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	reason := g.haltReason
	g.mu.Unlock()

	action, err := contracts.NewSafeAction("", ResumeAction, "", map[string]string{"halt_reason": reason}, "operator resumed gateway")
	if err != nil {
		return err
	}
	if _, err := g.audit.Append(ctx, audit.Entry{Action: action, Actor: operator, Outcome: contracts.OutcomeSuccess}); err != nil {
		return err
	}

	g.mu.Lock()
	g.halted = false
	g.haltReason = ""
	g.mu.Unlock()
	g.logger.WarnContext(ctx, "gateway resumed", "operator", operator, "previous_reason", reason)
	return nil
}

// record appends to the audit chain. An append failure halts the gateway;
// every VerifyEvery appends the chain is re-verified. The append is detached
// from the caller's cancellation: once a token is spent or the driver has
// acted, the outcome must reach the chain.
func (g *Gateway) record(ctx context.Context, e audit.Entry) (contracts.AuditRecord, error) {
	ctx = context.WithoutCancel(ctx)
	rec, err := g.audit.Append(ctx, e)
	if err != nil {
		if gatewayerr.CodeOf(err) == gatewayerr.CodeAppendFailed {
			g.halt(ctx, "audit append failed", err)
		}
		return contracts.AuditRecord{}, err
	}

	if g.opts.VerifyEvery > 0 {
		g.verifyMu.Lock()
		g.sinceVerified++
		due := g.sinceVerified >= g.opts.VerifyEvery
		if due {
			g.sinceVerified = 0
		}
		g.verifyMu.Unlock()
		if due {
			if err := g.verifyAudit(ctx); err != nil {
				return rec, err
			}
		}
	}
	return rec, nil
}

// EvidenceEnabled reports whether video evidence should be collected.
func (g *Gateway) EvidenceEnabled(result *contracts.ClassifierResult, humanEscalation bool) bool {
	return g.evidence.ShouldEnable(result, humanEscalation)
}

// GenerateEvidence produces the single proof of concept for a finding.
func (g *Gateway) GenerateEvidence(ctx context.Context, findingID string, result *contracts.ClassifierResult, bundle contracts.EvidenceBundle, humanEscalation bool) (poc contracts.VideoPoC, err error) {
	ctx, done := g.telemetry.TrackOperation(ctx, "gateway.evidence")
	defer func() { done(err) }()

	if err := g.checkHalted(); err != nil {
		return contracts.VideoPoC{}, err
	}
	if _, ok := g.evidence.Get(findingID); ok {
		return contracts.VideoPoC{}, evidence.ErrPoCExists.WithMessage("finding %s already has a proof of concept", findingID)
	}
	if !g.evidence.ShouldEnable(result, humanEscalation) {
		return contracts.VideoPoC{}, ErrEvidenceDisabled
	}
	return g.evidence.Generate(ctx, findingID, result, bundle)
}

// Close closes every registered closer and flushes telemetry.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	for _, c := range g.opts.Closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, g.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}
