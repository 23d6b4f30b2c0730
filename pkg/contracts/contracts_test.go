package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
)

func TestSafeAction_IsImmutable(t *testing.T) {
	params := map[string]string{"selector": "#search"}
	a, err := NewSafeAction("act-1", ActionClick, "https://example.com", params, "click search")
	require.NoError(t, err)

	params["selector"] = "#other"
	assert.Equal(t, "#search", a.Parameters()["selector"], "constructor must copy parameters")

	got := a.Parameters()
	got["selector"] = "#mutated"
	assert.Equal(t, "#search", a.Parameters()["selector"], "accessor must return a copy")
}

func TestSafeAction_RequiresType(t *testing.T) {
	_, err := NewSafeAction("act-1", "", "https://example.com", nil, "")
	require.ErrorIs(t, err, ErrInvalidAction)
}

func TestSafeAction_GeneratesID(t *testing.T) {
	a, err := NewSafeAction("", ActionScroll, "", nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, a.ActionID())
}

func TestSafeAction_JSONPreservesHash(t *testing.T) {
	a, err := NewSafeAction("act-1", ActionTypeText, "input[name=q]", map[string]string{"text": "<hello>", "delay": "10"}, "type query")
	require.NoError(t, err)

	data, err := json.Marshal(a)
	require.NoError(t, err)

	var decoded SafeAction
	require.NoError(t, json.Unmarshal(data, &decoded))

	h1, err := a.Hash()
	require.NoError(t, err)
	h2, err := decoded.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, canonicalize.IsDigest(h1))
}

func TestSafeAction_UnmarshalRejectsMissingID(t *testing.T) {
	var a SafeAction
	err := json.Unmarshal([]byte(`{"action_type":"click","target":"x"}`), &a)
	require.ErrorIs(t, err, ErrInvalidAction)
}

func TestSafeAction_HashDiffersPerField(t *testing.T) {
	base, _ := NewSafeAction("act-1", ActionClick, "#a", map[string]string{"k": "v"}, "d")
	variants := []SafeAction{}
	v1, _ := NewSafeAction("act-2", ActionClick, "#a", map[string]string{"k": "v"}, "d")
	v2, _ := NewSafeAction("act-1", ActionHover, "#a", map[string]string{"k": "v"}, "d")
	v3, _ := NewSafeAction("act-1", ActionClick, "#b", map[string]string{"k": "v"}, "d")
	v4, _ := NewSafeAction("act-1", ActionClick, "#a", map[string]string{"k": "w"}, "d")
	v5, _ := NewSafeAction("act-1", ActionClick, "#a", map[string]string{"k": "v"}, "e")
	variants = append(variants, v1, v2, v3, v4, v5)

	baseHash, err := base.Hash()
	require.NoError(t, err)
	for i, v := range variants {
		h, err := v.Hash()
		require.NoError(t, err)
		assert.NotEqual(t, baseHash, h, "variant %d must not share the base hash", i)
	}
}

func TestPolicy_NormalizesAndCopies(t *testing.T) {
	p := NewPolicy(5, []string{"Example.COM.", " *.Example.com ", ""}, []string{"get", "Post"})
	assert.Equal(t, 5, p.MaxRequests())
	assert.Equal(t, []string{"*.example.com", "example.com"}, p.AllowedDomains())
	assert.Equal(t, []string{"GET", "POST"}, p.AllowedMethods())
	assert.True(t, p.AllowsMethod("get"))
	assert.False(t, p.AllowsMethod("DELETE"))

	domains := p.AllowedDomains()
	domains[0] = "evil.com"
	assert.Equal(t, "*.example.com", p.AllowedDomains()[0])
}

func TestAuditRecord_HashCoversEveryField(t *testing.T) {
	action, _ := NewSafeAction("act-1", ActionNavigate, "https://example.com", map[string]string{"wait": "load"}, "open")
	rec := AuditRecord{
		RecordID:     "rec-1",
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC),
		Action:       action,
		Actor:        "harness",
		Outcome:      OutcomeSuccess,
		TokenID:      "tok-1",
		PreviousHash: canonicalize.GenesisHash,
	}
	base, err := rec.ComputeHash()
	require.NoError(t, err)

	mutations := map[string]func(r *AuditRecord){
		"record_id": func(r *AuditRecord) { r.RecordID = "rec-2" },
		"timestamp": func(r *AuditRecord) { r.Timestamp = r.Timestamp.Add(time.Nanosecond) },
		"action": func(r *AuditRecord) {
			r.Action, _ = NewSafeAction("act-1", ActionNavigate, "https://example.org", map[string]string{"wait": "load"}, "open")
		},
		"actor":         func(r *AuditRecord) { r.Actor = "someone" },
		"outcome":       func(r *AuditRecord) { r.Outcome = OutcomeFailed },
		"token_id":      func(r *AuditRecord) { r.TokenID = "tok-2" },
		"previous_hash": func(r *AuditRecord) { r.PreviousHash = canonicalize.HashFields("x") },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cp := rec
			mutate(&cp)
			h, err := cp.ComputeHash()
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestAuditRecord_HashIgnoresTimezone(t *testing.T) {
	action, _ := NewSafeAction("act-1", ActionWait, "", nil, "")
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := AuditRecord{RecordID: "r", Timestamp: ts, Action: action, Outcome: OutcomeSuccess}
	b := a
	b.Timestamp = ts.In(time.FixedZone("X", 3600))

	ha, _ := a.ComputeHash()
	hb, _ := b.ComputeHash()
	assert.Equal(t, ha, hb)
}

func TestExecutionManifest_Seal(t *testing.T) {
	m := ExecutionManifest{
		ExecutionID:    "exec-1",
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ArtifactPaths:  []string{"a,b"},
		ActionHashes:   []string{canonicalize.HashFields("a")},
		ArtifactHashes: map[string]string{"a,b": "sha256:00"},
	}
	sealed, err := m.Seal("")
	require.NoError(t, err)
	assert.Equal(t, canonicalize.GenesisHash, sealed.PreviousManifestHash)
	assert.True(t, canonicalize.IsDigest(sealed.ManifestHash))

	split := m
	split.ArtifactPaths = []string{"a", "b"}
	splitSealed, err := split.Seal("")
	require.NoError(t, err)
	assert.NotEqual(t, sealed.ManifestHash, splitSealed.ManifestHash, "list boundaries are part of the digest")

	recomputed, err := sealed.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, sealed.ManifestHash, recomputed)
}

func TestClassifierResult_IsConfirmedBug(t *testing.T) {
	var nilResult *ClassifierResult
	assert.False(t, nilResult.IsConfirmedBug())
	assert.True(t, (&ClassifierResult{Classification: ClassificationBug}).IsConfirmedBug())
	assert.False(t, (&ClassifierResult{Classification: ClassificationSignal}).IsConfirmedBug())
}

func TestFailureState_Clone(t *testing.T) {
	s := FailureState{DecisionID: "d", FailureHistory: []FailureEvent{{ErrorKind: ErrorKindTimeout}}}
	cp := s.Clone()
	cp.FailureHistory[0].ErrorKind = ErrorKindNetwork
	assert.Equal(t, ErrorKindTimeout, s.FailureHistory[0].ErrorKind)
}
