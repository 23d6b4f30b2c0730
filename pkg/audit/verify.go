package audit

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
)

// VerifyResult reports the outcome of a chain check. FailedIndex is the
// 0-based position of the first bad record, or -1.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	Records        int    `json:"records"`
	FailedIndex    int    `json:"failed_index"`
	FailedRecordID string `json:"failed_record_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Err converts a failed result into ErrChainBroken.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return ErrChainBroken.WithMessage("record %d (%s): %s", r.FailedIndex, r.FailedRecordID, r.Reason)
}

// Verify checks that records form an unbroken chain from genesis.
func Verify(records []contracts.AuditRecord) VerifyResult {
	prev := canonicalize.GenesisHash
	for i, rec := range records {
		fail := func(reason string) VerifyResult {
			return VerifyResult{
				Records:        len(records),
				FailedIndex:    i,
				FailedRecordID: rec.RecordID,
				Reason:         reason,
			}
		}
		if rec.PreviousHash != prev {
			return fail(fmt.Sprintf("previous_hash %s does not match %s", rec.PreviousHash, prev))
		}
		computed, err := rec.ComputeHash()
		if err != nil {
			return fail("hash computation failed: " + err.Error())
		}
		if computed != rec.RecordHash {
			return fail(fmt.Sprintf("record_hash mismatch (computed %s, stored %s)", computed, rec.RecordHash))
		}
		prev = rec.RecordHash
	}
	return VerifyResult{Valid: true, Records: len(records), FailedIndex: -1}
}

// CorruptRecordError is returned by a backend when a stored record cannot be
// decoded at all.
type CorruptRecordError struct {
	Index int
	Err   error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("record %d is unreadable: %v", e.Index, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }
