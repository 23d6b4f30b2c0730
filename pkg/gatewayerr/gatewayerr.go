// Package gatewayerr classifies gateway failures so callers cannot treat a
// hard stop as something to retry.
//
// Every component returns *Error values (or wraps one) carrying a Class:
//
//   - HardStop: refuse, log, and wait for a human (chain corruption, forbidden
//     action, scope violation, detection of CAPTCHA or rate limiting).
//   - Blocking: waiting on a human, not a failure (approval not yet supplied).
//   - Recoverable: transient driver or network failures, retried within bounds.
package gatewayerr

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the severity bucket of a gateway failure.
type Class string

const (
	ClassHardStop    Class = "HARD_STOP"
	ClassBlocking    Class = "BLOCKING"
	ClassRecoverable Class = "RECOVERABLE"
)

// Code identifies the specific rule or condition that failed.
type Code string

const (
	CodeTokenExpired       Code = "token_expired"
	CodeTokenAlreadyUsed   Code = "token_already_used"
	CodeTokenMismatch      Code = "token_mismatch"
	CodeTokenUnknown       Code = "token_unknown"
	CodeTokenInvalid       Code = "token_invalid"
	CodeApprovalPending    Code = "approval_pending"
	CodeForbiddenAction    Code = "forbidden_action"
	CodeUnsafeAction       Code = "unsafe_action"
	CodePolicyViolation    Code = "policy_violation"
	CodeTransportViolation Code = "transport_violation"
	CodeChainBroken        Code = "chain_broken"
	CodeAppendFailed       Code = "append_failed"
	CodeManifestBroken     Code = "manifest_chain_broken"
	CodeGatewayHalted      Code = "gateway_halted"
	CodeDetectionHalt      Code = "detection_halt"
	CodeRetryExhausted     Code = "retry_exhausted"
	CodeRestartExhausted   Code = "restart_exhausted"
	CodeDriverFailure      Code = "driver_failure"
	CodeHTTPStatus         Code = "http_status"
	CodePoCExists          Code = "poc_exists"
	CodeNotConfirmedBug    Code = "not_confirmed_bug"
	CodeNoVideoArtifact    Code = "no_video_artifact"
	CodeBoundaryViolation  Code = "boundary_violation"
	CodeInvalidConfig      Code = "invalid_configuration"
)

// Error is a classified gateway failure. Rule and Field name what was checked
// so the audit log can record it without parsing messages.
type Error struct {
	Class   Class
	Code    Code
	Rule    string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Rule != "" {
		b.WriteString(" [")
		b.WriteString(e.Rule)
		if e.Field != "" {
			b.WriteString(" ")
			b.WriteString(e.Field)
		}
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Code, so sentinels declared with New compare
// equal to any error raised with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns a bare classified error, typically used for package sentinels.
func New(class Class, code Code, msg string) *Error {
	return &Error{Class: class, Code: code, Message: msg}
}

// Newf returns a classified error with a formatted message.
func Newf(class Class, code Code, format string, args ...any) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(class Class, code Code, err error, msg string) *Error {
	return &Error{Class: class, Code: code, Message: msg, Err: err}
}

// WithRule returns a copy of e annotated with the failing rule and field.
func (e *Error) WithRule(rule, field string) *Error {
	cp := *e
	cp.Rule = rule
	cp.Field = field
	return &cp
}

// WithMessage returns a copy of e with a different message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// ClassOf returns the class of the first *Error in err's chain. Errors that
// carry no classification are treated as hard stops (fail-closed).
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassHardStop
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

func IsHardStop(err error) bool    { return err != nil && ClassOf(err) == ClassHardStop }
func IsBlocking(err error) bool    { return err != nil && ClassOf(err) == ClassBlocking }
func IsRecoverable(err error) bool { return err != nil && ClassOf(err) == ClassRecoverable }

// Violations flattens err into the list of classified errors it carries,
// following errors.Join trees. Used to write every failed rule to the audit log.
func Violations(err error) []*Error {
	if err == nil {
		return nil
	}
	var out []*Error
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, child := range joined.Unwrap() {
				walk(child)
			}
			return
		}
		var ge *Error
		if errors.As(e, &ge) {
			out = append(out, ge)
		}
	}
	walk(err)
	return out
}
