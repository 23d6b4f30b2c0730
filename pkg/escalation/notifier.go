// Package escalation tells humans when the gateway needs them: a hard stop,
// an approval to grant, exhausted retries, or bot detection. The gateway never
// resolves these itself.
package escalation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Kind string

const (
	KindHalt             Kind = "halt"
	KindApprovalNeeded   Kind = "approval_needed"
	KindRetriesExhausted Kind = "retries_exhausted"
	KindDetection        Kind = "detection"
	// KindHardStop is a refused action that stops its execution until an
	// operator reviews it.
	KindHardStop Kind = "hard_stop"
)

// Signal is one escalation to a human operator.
type Signal struct {
	Kind        Kind      `json:"kind"`
	ExecutionID string    `json:"execution_id"`
	ActionID    string    `json:"action_id,omitempty"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// Notifier delivers escalation signals.
type Notifier interface {
	Notify(ctx context.Context, s Signal) error
}

// LogNotifier writes signals to a structured logger. Halts, hard stops and
// detections log at error level.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default().With("component", "escalation")
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, s Signal) error {
	level := slog.LevelWarn
	switch s.Kind {
	case KindHalt, KindHardStop, KindDetection:
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "escalation",
		"kind", s.Kind,
		"execution_id", s.ExecutionID,
		"action_id", s.ActionID,
		"reason", s.Reason,
		"at", s.At,
	)
	return nil
}

// MultiNotifier fans a signal out to every notifier. Every notifier is
// attempted; errors are joined.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, s Signal) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		errs = append(errs, n.Notify(ctx, s))
	}
	return errors.Join(errs...)
}
