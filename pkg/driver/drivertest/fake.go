// Package drivertest provides a scripted driver.Driver for tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/driver"
)

// Step is one scripted Execute result.
type Step struct {
	Outcome driver.Outcome
	Err     error
	Signals []driver.Signal
}

// FakeDriver replays scripted steps in order. When the script runs out every
// Execute succeeds with Detail "ok".
type FakeDriver struct {
	mu sync.Mutex

	steps      []Step
	launchErrs []error
	pending    []driver.Signal

	launches int
	executed []contracts.SafeAction
	closed   []string
}

var _ driver.Driver = (*FakeDriver)(nil)

func New(steps ...Step) *FakeDriver {
	return &FakeDriver{steps: steps}
}

// Script appends steps to the queue.
func (f *FakeDriver) Script(steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

// FailLaunch makes the next len(errs) Launch calls fail in order.
func (f *FakeDriver) FailLaunch(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchErrs = append(f.launchErrs, errs...)
}

func (f *FakeDriver) Launch(ctx context.Context, cfg driver.Config) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return driver.Session{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.launchErrs) > 0 {
		err := f.launchErrs[0]
		f.launchErrs = f.launchErrs[1:]
		return driver.Session{}, err
	}
	f.launches++
	return driver.Session{
		ID:         fmt.Sprintf("fake-%s-%d", cfg.DecisionID, f.launches),
		DecisionID: cfg.DecisionID,
		StartedAt:  time.Now(),
	}, nil
}

func (f *FakeDriver) Execute(ctx context.Context, s driver.Session, action contracts.SafeAction) (driver.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return driver.Outcome{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, action)
	if len(f.steps) == 0 {
		return driver.Outcome{Detail: "ok"}, nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	f.pending = append(f.pending, step.Signals...)
	return step.Outcome, step.Err
}

func (f *FakeDriver) ObserveDetectionSignals(ctx context.Context, s driver.Session) ([]driver.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *FakeDriver) Close(ctx context.Context, s driver.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, s.ID)
	return nil
}

// Launches is the number of successful Launch calls.
func (f *FakeDriver) Launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

// Executed returns every action passed to Execute, in order.
func (f *FakeDriver) Executed() []contracts.SafeAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contracts.SafeAction(nil), f.executed...)
}

// Closed returns the ids of closed sessions.
func (f *FakeDriver) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}
