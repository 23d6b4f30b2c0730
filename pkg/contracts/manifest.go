package contracts

import (
	"time"

	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
)

// ExecutionManifest summarizes one execution. Manifests form their own hash
// chain through PreviousManifestHash and are stored apart from the audit chain.
type ExecutionManifest struct {
	ExecutionID          string            `json:"execution_id"`
	Timestamp            time.Time         `json:"timestamp"`
	ArtifactPaths        []string          `json:"artifact_paths"`
	ActionHashes         []string          `json:"action_hashes"`
	ArtifactHashes       map[string]string `json:"artifact_hashes"`
	EvidenceBundleHash   string            `json:"evidence_bundle_hash"`
	PreviousManifestHash string            `json:"previous_manifest_hash"`
	ManifestHash         string            `json:"manifest_hash"`
}

// ComputeHash digests every field except ManifestHash, in this fixed order:
//
//	execution_id|timestamp|artifact_paths|action_hashes|artifact_hashes|evidence_bundle_hash|previous_manifest_hash
//
// List and map fields are encoded as RFC 8785 JSON (nil encodes as an empty
// list or object).
func (m ExecutionManifest) ComputeHash() (string, error) {
	paths, err := canonicalize.JCS(nonNilStrings(m.ArtifactPaths))
	if err != nil {
		return "", err
	}
	actions, err := canonicalize.JCS(nonNilStrings(m.ActionHashes))
	if err != nil {
		return "", err
	}
	artifacts := m.ArtifactHashes
	if artifacts == nil {
		artifacts = map[string]string{}
	}
	artifactJSON, err := canonicalize.JCS(artifacts)
	if err != nil {
		return "", err
	}
	return canonicalize.HashFields(
		m.ExecutionID,
		FormatTimestamp(m.Timestamp),
		string(paths),
		string(actions),
		string(artifactJSON),
		m.EvidenceBundleHash,
		m.PreviousManifestHash,
	), nil
}

// Seal links m to the previous manifest hash (genesis if empty) and sets
// ManifestHash.
func (m ExecutionManifest) Seal(previousHash string) (ExecutionManifest, error) {
	if previousHash == "" {
		previousHash = canonicalize.GenesisHash
	}
	m.PreviousManifestHash = previousHash
	h, err := m.ComputeHash()
	if err != nil {
		return ExecutionManifest{}, err
	}
	m.ManifestHash = h
	return m, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
