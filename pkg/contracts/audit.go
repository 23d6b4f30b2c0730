package contracts

import (
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
)

// Outcome is the result recorded for an action in the audit chain.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
)

// Valid reports whether o is one of the three recorded outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeBlocked || o == OutcomeFailed
}

// AuditRecord is one entry of the append-only audit chain. Records are never
// mutated or deleted once appended.
type AuditRecord struct {
	RecordID     string     `json:"record_id"`
	Timestamp    time.Time  `json:"timestamp"`
	Action       SafeAction `json:"action"`
	Actor        string     `json:"actor"`
	Outcome      Outcome    `json:"outcome"`
	TokenID      string     `json:"token_id"`
	PreviousHash string     `json:"previous_hash"`
	RecordHash   string     `json:"record_hash"`
}

// ComputeHash digests every field except RecordHash, in this fixed order:
//
//	record_id|timestamp|action_id|action_type|target|parameters|description|actor|outcome|token_id|previous_hash
//
// timestamp is RFC 3339 with nanoseconds in UTC; parameters is the RFC 8785
// JSON object of the action parameters.
func (r AuditRecord) ComputeHash() (string, error) {
	params, err := canonicalize.JCS(r.Action.Parameters())
	if err != nil {
		return "", err
	}
	return canonicalize.HashFields(
		r.RecordID,
		FormatTimestamp(r.Timestamp),
		r.Action.ActionID(),
		string(r.Action.Type()),
		r.Action.Target(),
		string(params),
		r.Action.Description(),
		r.Actor,
		string(r.Outcome),
		r.TokenID,
		r.PreviousHash,
	), nil
}

// FormatTimestamp is the timestamp encoding used inside chain digests.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
