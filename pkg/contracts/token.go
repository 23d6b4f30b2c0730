package contracts

import "time"

// ExecutionToken is a one-time human approval bound to a single SafeAction
// through ActionHash. The issuing authority owns the Used flag; copies held
// by callers are informational only.
type ExecutionToken struct {
	TokenID    string    `json:"token_id"`
	ApproverID string    `json:"approver_id"`
	ActionHash string    `json:"action_hash"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Used       bool      `json:"used"`
}

// Expired reports whether the token is past its expiry at now.
func (t ExecutionToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
