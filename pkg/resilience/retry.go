package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

// ErrRetryExhausted matches every *ExhaustedError via errors.Is.
var ErrRetryExhausted = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeRetryExhausted, "retries exhausted")

var (
	// RetryableStatuses are retried with backoff.
	RetryableStatuses = map[int]struct{}{429: {}, 500: {}, 502: {}, 503: {}, 504: {}}
	// NonRetryableStatuses fail on the first attempt.
	NonRetryableStatuses = map[int]struct{}{400: {}, 401: {}, 403: {}, 404: {}, 405: {}, 422: {}}
)

// RetryPolicy configures Executor. Delay before attempt n (n >= 1) is
// min(BaseDelay * ExponentialBase^(n-1), MaxDelay).
type RetryPolicy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Delay returns the wait before the attempt with 0-based index n.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(n-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// StatusError carries an HTTP status from the driver.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) ErrorKind() contracts.ErrorKind { return contracts.ErrorKindHTTPStatus }

// ExhaustedError is returned after the last permitted attempt fails.
type ExhaustedError struct {
	Name     string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts exhausted: %v", e.Name, e.Attempts, e.Last)
}

// Unwrap exposes ErrRetryExhausted first, so the class of an exhausted
// retry is always a hard stop regardless of the last error's class.
func (e *ExhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.Last} }

// Attempt is the audit trail entry for one try.
type Attempt struct {
	Name      string
	Number    int
	Delay     time.Duration
	At        time.Time
	Err       error
	Retryable bool
}

// Executor runs operations with bounded retries.
type Executor struct {
	policy RetryPolicy
	sleep  Sleeper
	clock  func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	attempts []Attempt
}

type ExecutorOption func(*Executor)

func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleep = s }
}

func WithExecutorClock(clock func() time.Time) ExecutorOption {
	return func(e *Executor) { e.clock = clock }
}

func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(policy RetryPolicy, opts ...ExecutorOption) *Executor {
	e := &Executor{
		policy: policy,
		sleep:  SleepContext,
		clock:  time.Now,
		logger: slog.Default().With("component", "retry_executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteWithRetry runs op up to MaxRetries+1 times. Errors that are not
// retry-eligible are returned as-is after the attempt that produced them.
func (e *Executor) ExecuteWithRetry(ctx context.Context, name string, op func(context.Context) error) error {
	var last error
	attempts := 0
	for n := 0; n <= e.policy.MaxRetries; n++ {
		delay := e.policy.Delay(n)
		if n > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		attempts++
		retryable := err != nil && Retryable(err)
		e.record(Attempt{Name: name, Number: n + 1, Delay: delay, At: e.clock().UTC(), Err: err, Retryable: retryable})

		if err == nil {
			if n > 0 {
				e.logger.InfoContext(ctx, "operation succeeded after retry", "operation", name, "attempt", n+1)
			}
			return nil
		}
		e.logger.WarnContext(ctx, "attempt failed",
			"operation", name,
			"attempt", n+1,
			"max_attempts", e.policy.MaxRetries+1,
			"retryable", retryable,
			"error", err,
		)
		if !retryable {
			return err
		}
		last = err
	}

	e.logger.ErrorContext(ctx, "retries exhausted", "operation", name, "attempts", attempts)
	return &ExhaustedError{Name: name, Attempts: attempts, Last: last}
}

func (e *Executor) record(a Attempt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts = append(e.attempts, a)
}

// Attempts returns every attempt recorded so far.
func (e *Executor) Attempts() []Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Attempt(nil), e.attempts...)
}

// Policy returns the executor's retry policy.
func (e *Executor) Policy() RetryPolicy { return e.policy }

// Retryable reports whether err may be retried: a retry-eligible HTTP status
// or an error classified as recoverable. Anything else stops at once.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		if _, stop := NonRetryableStatuses[se.StatusCode]; stop {
			return false
		}
		_, ok := RetryableStatuses[se.StatusCode]
		return ok
	}
	return gatewayerr.IsRecoverable(err)
}
