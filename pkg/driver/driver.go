// Package driver defines the browser driver the gateway executes approved
// actions through. The gateway never drives a browser itself; it only talks
// to a Driver and reads the detection signals it reports.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

// Driver executes SafeActions inside a browser session.
type Driver interface {
	Launch(ctx context.Context, cfg Config) (Session, error)
	Execute(ctx context.Context, s Session, action contracts.SafeAction) (Outcome, error)
	// ObserveDetectionSignals reports bot-detection signals seen since the
	// last call.
	ObserveDetectionSignals(ctx context.Context, s Session) ([]Signal, error)
	Close(ctx context.Context, s Session) error
}

// Config describes the session to launch.
type Config struct {
	ExecutionID string
	DecisionID  string
	StartURL    string
	UserAgent   string
	Headless    bool
	Timeout     time.Duration
}

// Session is an opaque handle to a launched browser.
type Session struct {
	ID         string
	DecisionID string
	StartedAt  time.Time
}

// Artifact is a file the driver produced while executing an action
// (screenshot, video, HAR). Ref is its content address when stored.
type Artifact struct {
	Path string `json:"path"`
	Ref  string `json:"ref"`
}

// Outcome is what the driver observed after executing an action.
type Outcome struct {
	Detail     string     `json:"detail"`
	HTTPStatus int        `json:"http_status,omitempty"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
}

type SignalKind string

const (
	SignalWebdriverFlag SignalKind = "webdriver_flag"
	SignalCaptcha       SignalKind = "captcha"
	SignalRateLimited   SignalKind = "rate_limited"
)

type Signal struct {
	Kind       SignalKind `json:"kind"`
	Detail     string     `json:"detail"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Halts reports whether the signal forces a hard stop. A webdriver flag is
// only reported; CAPTCHA and rate limiting halt the execution.
func (s Signal) Halts() bool {
	return s.Kind == SignalCaptcha || s.Kind == SignalRateLimited
}

var (
	ErrDetectionHalt = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeDetectionHalt, "bot detection observed")
	ErrDriverFailure = gatewayerr.New(gatewayerr.ClassRecoverable, gatewayerr.CodeDriverFailure, "driver failure")
)

// CheckSignals returns ErrDetectionHalt naming every halting signal, or nil.
func CheckSignals(signals []Signal) error {
	var errs []error
	for _, s := range signals {
		if !s.Halts() {
			continue
		}
		errs = append(errs, ErrDetectionHalt.WithRule(string(s.Kind), "").WithMessage("%s", s.Detail))
	}
	return errors.Join(errs...)
}

// Error is a transient driver failure. It classifies as recoverable and
// carries the ErrorKind the resilience manager uses to decide on a restart.
type Error struct {
	Kind contracts.ErrorKind
	Op   string
	Err  error
}

func NewError(kind contracts.ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("driver %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("driver %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) ErrorKind() contracts.ErrorKind { return e.Kind }

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDriverFailure}
	}
	return []error{ErrDriverFailure, e.Err}
}
