package contracts

import "time"

// Classification is the verdict produced by the external classifier. The
// gateway reads it and never computes or overrides it.
type Classification string

const (
	ClassificationBug         Classification = "BUG"
	ClassificationSignal      Classification = "SIGNAL"
	ClassificationNoIssue     Classification = "NO_ISSUE"
	ClassificationCoverageGap Classification = "COVERAGE_GAP"
)

// ClassifierResult is the read-only verdict for a finding.
type ClassifierResult struct {
	VerificationID    string         `json:"verification_id"`
	FindingID         string         `json:"finding_id"`
	Classification    Classification `json:"classification"`
	InvariantViolated *string        `json:"invariant_violated,omitempty"`
	ProofHash         *string        `json:"proof_hash,omitempty"`
	VerifiedAt        time.Time      `json:"verified_at"`
}

// IsConfirmedBug reports whether r is a BUG verdict. A nil result is not.
func (r *ClassifierResult) IsConfirmedBug() bool {
	return r != nil && r.Classification == ClassificationBug
}

// TraceEvent is one timestamped event captured during an execution.
type TraceEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
}

// EvidenceBundle is the evidence gathered for one finding.
type EvidenceBundle struct {
	BundleID       string            `json:"bundle_id"`
	FindingID      string            `json:"finding_id"`
	VideoArtifact  string            `json:"video_artifact,omitempty"`
	Events         []TraceEvent      `json:"events"`
	ArtifactHashes map[string]string `json:"artifact_hashes,omitempty"`
}

// TimelineEntry is an event positioned relative to the first event.
type TimelineEntry struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Kind           string  `json:"kind"`
	Detail         string  `json:"detail"`
}

// VideoPoC is the single proof artifact for a finding. At most one exists
// per FindingID.
type VideoPoC struct {
	FindingID        string          `json:"finding_id"`
	PoCHash          string          `json:"poc_hash"`
	VideoArtifact    string          `json:"video_artifact"`
	TimestampedTrace []TimelineEntry `json:"timestamped_trace"`
	CreatedAt        time.Time       `json:"created_at"`
}
