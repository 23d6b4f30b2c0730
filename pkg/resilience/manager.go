// Package resilience bounds how a failing browser session is recovered:
// Manager decides whether a session may be restarted, Executor retries
// transient failures with exponential backoff. Neither runs in the
// background; every wait happens on the caller's goroutine.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

var ErrRestartNotPermitted = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeRestartExhausted, "restart limit reached")

// State is the recovery phase of one decision.
type State string

const (
	StateHealthy    State = "HEALTHY"
	StateFailed     State = "FAILED"
	StateRestarting State = "RESTARTING"
	StateRecovered  State = "RECOVERED"
	StateExhausted  State = "EXHAUSTED"
)

// Limits caps restarts. Both caps apply independently.
type Limits struct {
	MaxRestartsTotal       int
	MaxRestartsPerDecision int
	RestartDelay           time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxRestartsTotal:       10,
		MaxRestartsPerDecision: 3,
		RestartDelay:           5 * time.Second,
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type decision struct {
	failures contracts.FailureState
	state    State
}

// Manager owns a FailureState per decision plus the global restart counter.
type Manager struct {
	mu        sync.Mutex
	limits    Limits
	total     int
	decisions map[string]*decision

	clock  func() time.Time
	sleep  Sleeper
	logger *slog.Logger
}

type ManagerOption func(*Manager)

func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

func WithManagerSleeper(s Sleeper) ManagerOption {
	return func(m *Manager) { m.sleep = s }
}

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

func NewManager(limits Limits, opts ...ManagerOption) *Manager {
	m := &Manager{
		limits:    limits,
		decisions: make(map[string]*decision),
		clock:     time.Now,
		sleep:     SleepContext,
		logger:    slog.Default().With("component", "resilience_manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) get(decisionID string) *decision {
	d, ok := m.decisions[decisionID]
	if !ok {
		d = &decision{
			failures: contracts.FailureState{DecisionID: decisionID},
			state:    StateHealthy,
		}
		m.decisions[decisionID] = d
	}
	return d
}

// RecordFailure appends err to the decision's history and returns its kind.
func (m *Manager) RecordFailure(decisionID string, err error) contracts.ErrorKind {
	kind := Classify(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.get(decisionID)
	now := m.clock().UTC()
	d.failures.FailureHistory = append(d.failures.FailureHistory, contracts.FailureEvent{
		Timestamp: now,
		ErrorKind: kind,
		Message:   msg,
	})
	d.failures.LastFailureTime = now
	if d.state != StateExhausted {
		d.state = StateFailed
	}
	m.logger.Warn("failure recorded",
		"decision_id", decisionID,
		"error_kind", kind,
		"failures", len(d.failures.FailureHistory),
	)
	return kind
}

// CanRestart reports whether both the global and the per-decision cap leave room.
func (m *Manager) CanRestart(decisionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canRestartLocked(m.get(decisionID))
}

func (m *Manager) canRestartLocked(d *decision) bool {
	if d.state == StateExhausted {
		return false
	}
	if m.total >= m.limits.MaxRestartsTotal {
		return false
	}
	return d.failures.RestartCount < m.limits.MaxRestartsPerDecision
}

// WaitBeforeRestart blocks for the configured restart delay.
func (m *Manager) WaitBeforeRestart(ctx context.Context) error {
	return m.sleep(ctx, m.limits.RestartDelay)
}

// IncrementRestartCount bumps both counters together. It re-checks the caps
// under the same lock, so a restart can never be counted past a limit; when
// the caps are reached the decision becomes Exhausted.
func (m *Manager) IncrementRestartCount(decisionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.get(decisionID)
	if !m.canRestartLocked(d) {
		d.state = StateExhausted
		m.logger.Error("restart refused; decision exhausted",
			"decision_id", decisionID,
			"restarts", d.failures.RestartCount,
			"restarts_total", m.total,
		)
		return ErrRestartNotPermitted.WithMessage("decision %s: %d/%d restarts, %d/%d total",
			decisionID, d.failures.RestartCount, m.limits.MaxRestartsPerDecision, m.total, m.limits.MaxRestartsTotal)
	}
	d.failures.RestartCount++
	m.total++
	d.state = StateRestarting
	m.logger.Info("restarting session",
		"decision_id", decisionID,
		"restarts", d.failures.RestartCount,
		"restarts_total", m.total,
	)
	return nil
}

// MarkRecovered records that the restarted session came back.
func (m *Manager) MarkRecovered(decisionID string) {
	m.transition(decisionID, StateRestarting, StateRecovered)
}

// MarkHealthy records a successful action after recovery.
func (m *Manager) MarkHealthy(decisionID string) {
	m.transition(decisionID, StateRecovered, StateHealthy)
}

func (m *Manager) transition(decisionID string, from, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.get(decisionID)
	if d.state == from {
		d.state = to
	}
}

// ShouldRecover is true only for browser crashes, disconnects and timeouts.
func (m *Manager) ShouldRecover(err error) bool {
	switch Classify(err) {
	case contracts.ErrorKindBrowserCrash, contracts.ErrorKindBrowserDisconnect, contracts.ErrorKindTimeout:
		return true
	default:
		return false
	}
}

func (m *Manager) State(decisionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(decisionID).state
}

// Snapshot returns a copy of the decision's FailureState.
func (m *Manager) Snapshot(decisionID string) contracts.FailureState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(decisionID).failures.Clone()
}

// RestartsTotal returns the global restart counter.
func (m *Manager) RestartsTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Forget drops the per-decision state once its session is closed. The global
// counter is kept.
func (m *Manager) Forget(decisionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.decisions, decisionID)
}

// KindError is implemented by errors that know their failure kind.
type KindError interface {
	error
	ErrorKind() contracts.ErrorKind
}

// Classify maps err to a failure kind.
func Classify(err error) contracts.ErrorKind {
	if err == nil {
		return contracts.ErrorKindUnknown
	}
	var ke KindError
	if errors.As(err, &ke) {
		return ke.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.ErrorKindTimeout
	}
	if gatewayerr.CodeOf(err) == gatewayerr.CodeDetectionHalt {
		return contracts.ErrorKindDetection
	}
	return contracts.ErrorKindUnknown
}
