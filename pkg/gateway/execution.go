package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-gateway/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/audit"
	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/driver"
	"github.com/Mindburn-Labs/helm-gateway/pkg/escalation"
	"github.com/Mindburn-Labs/helm-gateway/pkg/firewall"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
	"github.com/Mindburn-Labs/helm-gateway/pkg/manifest"
	"github.com/Mindburn-Labs/helm-gateway/pkg/observability"
	"github.com/Mindburn-Labs/helm-gateway/pkg/resilience"
	"github.com/Mindburn-Labs/helm-gateway/pkg/token"
)

// DefaultActor is recorded when a request names no actor.
const DefaultActor = "harness"

// ExecutionConfig describes one browser session.
type ExecutionConfig struct {
	// ExecutionID defaults to a UUID. It names the final manifest.
	ExecutionID string
	Policy      contracts.Policy
	// Guard defaults to firewall.NewPayloadGuard().
	Guard  *firewall.PayloadGuard
	Driver driver.Config
	// ActionTimeout bounds each driver Execute call (0 means no bound).
	ActionTimeout time.Duration
}

// Request is one proposed action with its approval. Exactly one of Token or
// EncodedToken is normally set; neither means approval is still pending.
type Request struct {
	Action       contracts.SafeAction
	Token        *contracts.ExecutionToken
	EncodedToken string
	// Egress is the HTTP request the action implies. For navigate actions
	// without one, a GET to the target is assumed.
	Egress *firewall.Request
	Actor  string
}

// Result is what happened to one request.
type Result struct {
	Outcome contracts.Outcome
	Record  contracts.AuditRecord
	Driver  driver.Outcome
	Signals []driver.Signal
	TokenID string
}

// Execution owns one driver session and its request budget. Run calls are
// serialized.
type Execution struct {
	gw       *Gateway
	id       string
	cfg      ExecutionConfig
	firewall *firewall.Firewall
	limiter  *rate.Limiter
	retry    *resilience.Executor

	mu        sync.Mutex
	session   driver.Session
	crashed   bool
	closed    bool
	dead      error
	stopped   error
	actions   []string
	paths     []string
	hashes    map[string]string
	succeeded int
	snapshots int
}

// StartExecution launches a driver session for cfg.
func (g *Gateway) StartExecution(ctx context.Context, cfg ExecutionConfig) (*Execution, error) {
	if err := g.checkHalted(); err != nil {
		return nil, err
	}
	if cfg.ExecutionID == "" {
		cfg.ExecutionID = uuid.New().String()
	}
	if err := manifest.ValidateExecutionID(cfg.ExecutionID); err != nil {
		return nil, err
	}
	if cfg.Guard == nil {
		cfg.Guard = firewall.NewPayloadGuard()
	}
	cfg.Driver.ExecutionID = cfg.ExecutionID
	if cfg.Driver.DecisionID == "" {
		cfg.Driver.DecisionID = cfg.ExecutionID
	}

	limit := rate.Inf
	if g.opts.PacingRPS > 0 {
		limit = rate.Limit(g.opts.PacingRPS)
	}
	burst := g.opts.PacingBurst
	if burst < 1 {
		burst = 1
	}

	e := &Execution{
		gw:       g,
		id:       cfg.ExecutionID,
		cfg:      cfg,
		firewall: firewall.New(cfg.Policy, cfg.Guard),
		limiter:  rate.NewLimiter(limit, burst),
		retry: resilience.NewExecutor(g.opts.Retry,
			resilience.WithSleeper(g.opts.Sleeper),
			resilience.WithExecutorClock(g.clock),
			resilience.WithExecutorLogger(g.logger),
		),
		hashes: make(map[string]string),
	}

	g.mu.Lock()
	if _, exists := g.active[e.id]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExecutionExists, e.id)
	}
	g.active[e.id] = e
	g.mu.Unlock()

	session, err := g.driver.Launch(ctx, cfg.Driver)
	if err != nil {
		g.release(e.id)
		return nil, fmt.Errorf("launch session: %w", err)
	}
	e.session = session
	g.logger.InfoContext(ctx, "execution started",
		"execution_id", e.id,
		"session_id", session.ID,
		"max_requests", cfg.Policy.MaxRequests(),
	)
	return e, nil
}

func (g *Gateway) release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, id)
}

func (e *Execution) ID() string { return e.id }

// Firewall exposes the execution's request budget.
func (e *Execution) Firewall() *firewall.Firewall { return e.firewall }

// Attempts returns every driver attempt made by this execution.
func (e *Execution) Attempts() []resilience.Attempt { return e.retry.Attempts() }

// Run takes one request through every check and, if all pass, executes it.
// Refusals and failures are appended to the audit chain before returning.
func (e *Execution) Run(ctx context.Context, req Request) (res Result, err error) {
	action := req.Action
	ctx, done := e.gw.telemetry.TrackOperation(ctx, "gateway.run",
		observability.AttrExecutionID.String(e.id),
		observability.AttrActionID.String(action.ActionID()),
		observability.AttrActionType.String(string(action.Type())),
	)
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.gw.checkHalted(); err != nil {
		return Result{}, err
	}
	if e.closed {
		return Result{}, ErrExecutionClosed
	}
	if action.IsZero() {
		return Result{}, contracts.ErrInvalidAction
	}
	if req.Actor == "" {
		req.Actor = DefaultActor
	}
	if e.dead != nil {
		return e.refuse(ctx, req, "", e.dead)
	}
	if e.stopped != nil {
		return e.refuse(ctx, req, "", fmt.Errorf("%w: %w", ErrExecutionStopped, e.stopped))
	}

	if err := e.gw.gate.Validate(action); err != nil {
		return e.refuse(ctx, req, "", err)
	}
	if egress := impliedEgress(req); egress != nil {
		if err := e.firewall.Check(*egress); err != nil {
			return e.refuse(ctx, req, "", err)
		}
	}

	tokenID, err := e.redeem(ctx, req)
	if err != nil {
		if errors.Is(err, token.ErrApprovalPending) {
			e.gw.escalate(ctx, escalation.Signal{
				Kind:        escalation.KindApprovalNeeded,
				ExecutionID: e.id,
				ActionID:    action.ActionID(),
				Reason:      action.Description(),
			})
		}
		return e.refuse(ctx, req, tokenID, err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return e.fail(ctx, req, tokenID, driver.Outcome{}, nil, fmt.Errorf("pacing: %w", err))
	}

	out, err := e.execute(ctx, action)
	if err != nil {
		var exhausted *resilience.ExhaustedError
		if errors.As(err, &exhausted) {
			e.gw.escalate(ctx, escalation.Signal{
				Kind:        escalation.KindRetriesExhausted,
				ExecutionID: e.id,
				ActionID:    action.ActionID(),
				Reason:      err.Error(),
			})
		}
		res, err := e.fail(ctx, req, tokenID, out, nil, err)
		if gatewayerr.CodeOf(err) == gatewayerr.CodeDetectionHalt {
			e.detected(ctx, action, err)
		}
		return res, err
	}

	signals, err := e.gw.driver.ObserveDetectionSignals(ctx, e.session)
	if err != nil {
		return e.fail(ctx, req, tokenID, out, nil, fmt.Errorf("observe detection signals: %w", err))
	}
	for _, s := range signals {
		if !s.Halts() {
			e.gw.logger.WarnContext(ctx, "detection signal", "execution_id", e.id, "kind", s.Kind, "detail", s.Detail)
		}
	}
	if halt := driver.CheckSignals(signals); halt != nil {
		res, err := e.fail(ctx, req, tokenID, out, signals, halt)
		e.detected(ctx, action, halt)
		return res, err
	}

	rec, err := e.gw.record(ctx, audit.Entry{Action: action, Actor: req.Actor, Outcome: contracts.OutcomeSuccess, TokenID: tokenID})
	if err != nil {
		return Result{Outcome: contracts.OutcomeSuccess, Driver: out, Signals: signals, TokenID: tokenID, Record: rec}, err
	}
	res = Result{Outcome: contracts.OutcomeSuccess, Record: rec, Driver: out, Signals: signals, TokenID: tokenID}

	if err := e.track(ctx, action, out); err != nil {
		return res, err
	}
	return res, nil
}

// detected escalates bot detection and halts the gateway. Detection is never
// retried or worked around.
func (e *Execution) detected(ctx context.Context, action contracts.SafeAction, cause error) {
	e.gw.escalate(ctx, escalation.Signal{
		Kind:        escalation.KindDetection,
		ExecutionID: e.id,
		ActionID:    action.ActionID(),
		Reason:      cause.Error(),
	})
	e.gw.halt(ctx, "bot detection", cause)
}

func impliedEgress(req Request) *firewall.Request {
	if req.Egress != nil {
		return req.Egress
	}
	if req.Action.Type() == contracts.ActionNavigate {
		return &firewall.Request{Method: http.MethodGet, URL: req.Action.Target()}
	}
	return nil
}

func (e *Execution) redeem(ctx context.Context, req Request) (string, error) {
	switch {
	case req.EncodedToken != "":
		tok, err := e.gw.authority.RedeemEncoded(ctx, req.EncodedToken, req.Action)
		return tok.TokenID, err
	case req.Token != nil:
		return req.Token.TokenID, e.gw.authority.ValidateAndConsume(ctx, *req.Token, req.Action)
	default:
		return "", token.ErrApprovalPending
	}
}

// refuse audits a blocked request and returns cause. A fresh hard stop
// latches the execution and is escalated; Resume clears it.
func (e *Execution) refuse(ctx context.Context, req Request, tokenID string, cause error) (Result, error) {
	rules := make([]string, 0)
	for _, v := range gatewayerr.Violations(cause) {
		rules = append(rules, string(v.Code)+":"+v.Rule)
	}
	if gatewayerr.IsHardStop(cause) && e.dead == nil && e.stopped == nil {
		e.stopped = cause
		e.gw.escalate(ctx, escalation.Signal{
			Kind:        escalation.KindHardStop,
			ExecutionID: e.id,
			ActionID:    req.Action.ActionID(),
			Reason:      fmt.Sprintf("%v: %v", rules, cause),
		})
	}
	e.gw.logger.WarnContext(ctx, "action blocked",
		"execution_id", e.id,
		"action_id", req.Action.ActionID(),
		"class", gatewayerr.ClassOf(cause),
		"violations", rules,
		"error", cause,
	)
	rec, err := e.gw.record(ctx, audit.Entry{Action: req.Action, Actor: req.Actor, Outcome: contracts.OutcomeBlocked, TokenID: tokenID})
	if err != nil {
		return Result{Outcome: contracts.OutcomeBlocked, TokenID: tokenID}, errors.Join(cause, err)
	}
	return Result{Outcome: contracts.OutcomeBlocked, Record: rec, TokenID: tokenID}, cause
}

// Resume lifts a hard stop latched on this execution after an operator has
// reviewed it. The resume is audited under the operator's id. Gateway halts
// and exhausted restarts are not lifted here.
func (e *Execution) Resume(ctx context.Context, operator string) error {
	if operator == "" {
		return errors.New("operator id is required")
	}
	if err := e.gw.checkHalted(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutionClosed
	}
	if e.dead != nil {
		return e.dead
	}
	if e.stopped == nil {
		return nil
	}

	action, err := contracts.NewSafeAction("", ResumeAction, "", map[string]string{
		"execution_id": e.id,
		"stop_reason":  e.stopped.Error(),
	}, "operator resumed execution")
	if err != nil {
		return err
	}
	if _, err := e.gw.record(ctx, audit.Entry{Action: action, Actor: operator, Outcome: contracts.OutcomeSuccess}); err != nil {
		return err
	}
	e.gw.logger.WarnContext(ctx, "execution resumed", "execution_id", e.id, "operator", operator, "previous_reason", e.stopped)
	e.stopped = nil
	return nil
}

// fail audits a failed execution and returns cause.
func (e *Execution) fail(ctx context.Context, req Request, tokenID string, out driver.Outcome, signals []driver.Signal, cause error) (Result, error) {
	e.gw.logger.ErrorContext(ctx, "action failed",
		"execution_id", e.id,
		"action_id", req.Action.ActionID(),
		"class", gatewayerr.ClassOf(cause),
		"error", cause,
	)
	res := Result{Outcome: contracts.OutcomeFailed, Driver: out, Signals: signals, TokenID: tokenID}
	rec, err := e.gw.record(ctx, audit.Entry{Action: req.Action, Actor: req.Actor, Outcome: contracts.OutcomeFailed, TokenID: tokenID})
	if err != nil {
		return res, errors.Join(cause, err)
	}
	res.Record = rec
	return res, cause
}

// execute drives the action with bounded retries. A crash, disconnect or
// timeout restarts the session (within the resilience limits) before the
// next attempt. A crash on the final attempt leaves the restart to the next
// Run.
func (e *Execution) execute(ctx context.Context, action contracts.SafeAction) (driver.Outcome, error) {
	rm := e.gw.resilience
	var out driver.Outcome
	attempts := e.retry.Policy().MaxRetries + 1
	attempt := 0

	err := e.retry.ExecuteWithRetry(ctx, "execute:"+action.ActionID(), func(ctx context.Context) error {
		attempt++
		if e.crashed {
			if err := e.restart(ctx); err != nil {
				return err
			}
		}
		if e.session.ID == "" {
			s, err := e.gw.driver.Launch(ctx, e.cfg.Driver)
			if err != nil {
				return err
			}
			e.session = s
		}

		o, err := e.executeOnce(ctx, action)
		if err == nil {
			out = o
			rm.MarkHealthy(e.id)
			return nil
		}

		rm.RecordFailure(e.id, err)
		if rm.ShouldRecover(err) {
			if attempt >= attempts {
				e.crashed = true
				return err
			}
			if rerr := e.restart(ctx); rerr != nil {
				return rerr
			}
		}
		return err
	})
	return out, err
}

func (e *Execution) executeOnce(ctx context.Context, action contracts.SafeAction) (driver.Outcome, error) {
	actx := ctx
	if e.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
	}

	o, err := e.gw.driver.Execute(actx, e.session, action)
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return o, driver.NewError(contracts.ErrorKindTimeout, "execute",
				fmt.Errorf("action %s exceeded %s", action.ActionID(), e.cfg.ActionTimeout))
		}
		return o, err
	}

	switch {
	case o.HTTPStatus == http.StatusTooManyRequests:
		return o, driver.ErrDetectionHalt.WithRule(string(driver.SignalRateLimited), "").WithMessage("target answered HTTP 429")
	case isRetryableStatus(o.HTTPStatus):
		return o, &resilience.StatusError{StatusCode: o.HTTPStatus, Err: fmt.Errorf("target answered HTTP %d", o.HTTPStatus)}
	}
	return o, nil
}

func isRetryableStatus(code int) bool {
	_, ok := resilience.RetryableStatuses[code]
	return ok
}

// restart replaces the session. Once the restart caps are reached the
// execution is dead and every later Run returns the same error.
func (e *Execution) restart(ctx context.Context) error {
	rm := e.gw.resilience
	if rm.CanRestart(e.id) {
		if err := rm.WaitBeforeRestart(ctx); err != nil {
			return err
		}
	}
	if err := rm.IncrementRestartCount(e.id); err != nil {
		e.dead = err
		e.gw.escalate(ctx, escalation.Signal{
			Kind:        escalation.KindRetriesExhausted,
			ExecutionID: e.id,
			Reason:      err.Error(),
		})
		return err
	}

	if err := e.gw.driver.Close(ctx, e.session); err != nil {
		e.gw.logger.WarnContext(ctx, "closing crashed session failed", "session_id", e.session.ID, "error", err)
	}
	e.session = driver.Session{}

	e.crashed = false

	s, err := e.gw.driver.Launch(ctx, e.cfg.Driver)
	if err != nil {
		return err
	}
	e.session = s
	rm.MarkRecovered(e.id)
	return nil
}

// track adds an executed action to the manifest inputs and writes a
// snapshot manifest every ManifestEvery actions.
func (e *Execution) track(ctx context.Context, action contracts.SafeAction, out driver.Outcome) error {
	hash, err := action.Hash()
	if err != nil {
		return err
	}
	e.actions = append(e.actions, hash)
	for _, a := range out.Artifacts {
		e.addArtifact(a.Path, a.Ref)
	}
	e.succeeded++

	every := e.gw.opts.ManifestEvery
	if every <= 0 || e.succeeded%every != 0 {
		return nil
	}
	e.snapshots++
	_, err = e.saveManifest(ctx, fmt.Sprintf("%s-snap-%d", e.id, e.snapshots), "")
	return err
}

// addArtifact records path with the digest carried by ref, which may be a
// content reference ("sha256:<hex>"), a bare digest, or empty.
func (e *Execution) addArtifact(path, ref string) {
	if path == "" {
		return
	}
	if _, seen := e.hashes[path]; !seen {
		e.paths = append(e.paths, path)
	}
	digest := ""
	if d, err := artifacts.ParseRef(ref); err == nil {
		digest = d
	} else if canonicalize.IsDigest(ref) {
		digest = ref
	}
	if digest != "" || e.hashes[path] == "" {
		e.hashes[path] = digest
	}
}

func (e *Execution) saveManifest(ctx context.Context, id, bundleHash string) (contracts.ExecutionManifest, error) {
	hashes := make(map[string]string, len(e.hashes))
	for p, h := range e.hashes {
		if h != "" {
			hashes[p] = h
		}
	}
	m := contracts.ExecutionManifest{
		ExecutionID:        id,
		ArtifactPaths:      append([]string(nil), e.paths...),
		ActionHashes:       append([]string(nil), e.actions...),
		ArtifactHashes:     hashes,
		EvidenceBundleHash: bundleHash,
	}
	saved, _, err := e.gw.manifests.Save(ctx, m)
	if err != nil {
		if gatewayerr.IsHardStop(err) {
			e.gw.halt(ctx, "manifest save failed", err)
		}
		return contracts.ExecutionManifest{}, err
	}
	return saved, nil
}

// Finish writes the final manifest for the execution, chained to the
// previous manifest, and closes the driver session.
func (e *Execution) Finish(ctx context.Context, bundle *contracts.EvidenceBundle) (m contracts.ExecutionManifest, err error) {
	ctx, done := e.gw.telemetry.TrackOperation(ctx, "gateway.finish", observability.AttrExecutionID.String(e.id))
	defer func() { done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return contracts.ExecutionManifest{}, ErrExecutionClosed
	}
	e.closed = true
	defer e.gw.release(e.id)
	defer e.gw.resilience.Forget(e.id)

	if e.session.ID != "" {
		if err := e.gw.driver.Close(ctx, e.session); err != nil {
			e.gw.logger.WarnContext(ctx, "closing session failed", "session_id", e.session.ID, "error", err)
		}
	}

	if err := e.gw.checkHalted(); err != nil {
		return contracts.ExecutionManifest{}, err
	}

	bundleHash := ""
	if bundle != nil {
		h, err := canonicalize.CanonicalHash(bundle)
		if err != nil {
			return contracts.ExecutionManifest{}, fmt.Errorf("hash evidence bundle: %w", err)
		}
		bundleHash = h
		e.addArtifact(bundle.VideoArtifact, bundle.VideoArtifact)
		for path, h := range bundle.ArtifactHashes {
			e.addArtifact(path, h)
		}
	}

	m, err = e.saveManifest(ctx, e.id, bundleHash)
	if err != nil {
		return contracts.ExecutionManifest{}, err
	}
	e.gw.logger.InfoContext(ctx, "execution finished",
		"execution_id", e.id,
		"actions", len(e.actions),
		"manifest_hash", m.ManifestHash,
	)
	return m, nil
}
