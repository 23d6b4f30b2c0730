package contracts

import "time"

// ErrorKind classifies a driver or network failure.
type ErrorKind string

const (
	ErrorKindBrowserCrash      ErrorKind = "browser_crash"
	ErrorKindBrowserDisconnect ErrorKind = "browser_disconnect"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindNetwork           ErrorKind = "network"
	ErrorKindHTTPStatus        ErrorKind = "http_status"
	ErrorKindDetection         ErrorKind = "detection"
	ErrorKindUnknown           ErrorKind = "unknown"
)

// FailureEvent is one entry of a FailureState history.
type FailureEvent struct {
	Timestamp time.Time `json:"timestamp"`
	ErrorKind ErrorKind `json:"error_kind"`
	Message   string    `json:"message"`
}

// FailureState tracks failures and restarts for one decision (one browser
// session). It is owned by the resilience manager and never shared across
// decisions.
type FailureState struct {
	DecisionID      string         `json:"decision_id"`
	RestartCount    int            `json:"restart_count"`
	LastFailureTime time.Time      `json:"last_failure_time"`
	FailureHistory  []FailureEvent `json:"failure_history"`
}

// Clone returns a deep copy.
func (s FailureState) Clone() FailureState {
	cp := s
	cp.FailureHistory = append([]FailureEvent(nil), s.FailureHistory...)
	return cp
}
