package evidence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gateway/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
)

var base = time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC)

func verdict(c contracts.Classification) *contracts.ClassifierResult {
	return &contracts.ClassifierResult{VerificationID: "v1", FindingID: "f1", Classification: c, VerifiedAt: base}
}

func bundle(video string) contracts.EvidenceBundle {
	return contracts.EvidenceBundle{
		BundleID:      "b1",
		FindingID:     "f1",
		VideoArtifact: video,
		Events: []contracts.TraceEvent{
			{Timestamp: base, Kind: "navigate", Detail: "/cart"},
			{Timestamp: base.Add(1500 * time.Millisecond), Kind: "click", Detail: "#checkout"},
			{Timestamp: base.Add(4 * time.Second), Kind: "observe", Detail: "total is negative"},
		},
	}
}

func TestShouldEnable(t *testing.T) {
	g := NewGate()
	assert.True(t, g.ShouldEnable(verdict(contracts.ClassificationBug), false))
	assert.True(t, g.ShouldEnable(nil, true))
	assert.True(t, g.ShouldEnable(verdict(contracts.ClassificationNoIssue), true))
	assert.False(t, g.ShouldEnable(nil, false))
	for _, c := range []contracts.Classification{contracts.ClassificationSignal, contracts.ClassificationNoIssue, contracts.ClassificationCoverageGap} {
		assert.False(t, g.ShouldEnable(verdict(c), false), c)
	}
}

func TestGenerate_BuildsTimelineAndHash(t *testing.T) {
	g := NewGate(WithClock(func() time.Time { return base }))

	poc, err := g.Generate(context.Background(), "f1", verdict(contracts.ClassificationBug), bundle("videos/f1.webm"))
	require.NoError(t, err)

	assert.Equal(t, "f1", poc.FindingID)
	assert.Equal(t, "videos/f1.webm", poc.VideoArtifact)
	require.Len(t, poc.TimestampedTrace, 3)
	assert.Equal(t, 0.0, poc.TimestampedTrace[0].ElapsedSeconds)
	assert.Equal(t, 1.5, poc.TimestampedTrace[1].ElapsedSeconds)
	assert.Equal(t, 4.0, poc.TimestampedTrace[2].ElapsedSeconds)
	assert.True(t, canonicalize.IsDigest(poc.PoCHash))

	stored, ok := g.Get("f1")
	require.True(t, ok)
	assert.Equal(t, poc, stored)
}

func TestGenerate_IdempotentEvenWithDifferentVerdict(t *testing.T) {
	g := NewGate()
	ctx := context.Background()

	first, err := g.Generate(ctx, "f1", verdict(contracts.ClassificationBug), bundle("videos/f1.webm"))
	require.NoError(t, err)

	_, err = g.Generate(ctx, "f1", verdict(contracts.ClassificationBug), bundle("videos/other.webm"))
	assert.True(t, errors.Is(err, ErrPoCExists))

	// The existence check wins over every other check.
	_, err = g.Generate(ctx, "f1", verdict(contracts.ClassificationNoIssue), contracts.EvidenceBundle{})
	assert.True(t, errors.Is(err, ErrPoCExists))

	stored, _ := g.Get("f1")
	assert.Equal(t, first.PoCHash, stored.PoCHash)
}

func TestGenerate_RequiresConfirmedBug(t *testing.T) {
	g := NewGate()
	for _, r := range []*contracts.ClassifierResult{nil, verdict(contracts.ClassificationSignal), verdict(contracts.ClassificationCoverageGap)} {
		_, err := g.Generate(context.Background(), "f1", r, bundle("videos/f1.webm"))
		assert.True(t, errors.Is(err, ErrNotConfirmedBug))
	}
	_, ok := g.Get("f1")
	assert.False(t, ok)
}

func TestGenerate_RequiresVideo(t *testing.T) {
	g := NewGate()
	_, err := g.Generate(context.Background(), "f1", verdict(contracts.ClassificationBug), bundle(""))
	assert.True(t, errors.Is(err, ErrNoVideoArtifact))

	// A failed attempt does not block a later valid one.
	_, err = g.Generate(context.Background(), "f1", verdict(contracts.ClassificationBug), bundle("videos/f1.webm"))
	assert.NoError(t, err)
}

func TestGenerate_RejectsMismatchedFinding(t *testing.T) {
	g := NewGate()
	_, err := g.Generate(context.Background(), "f2", verdict(contracts.ClassificationBug), bundle("videos/f1.webm"))
	require.Error(t, err)
	_, ok := g.Get("f2")
	assert.False(t, ok)
}

func TestGenerate_ChecksArtifactStore(t *testing.T) {
	store := artifacts.NewMemoryStore()
	g := NewGate(WithArtifactStore(store))
	ctx := context.Background()

	missing := artifacts.Ref([]byte("not uploaded"))
	_, err := g.Generate(ctx, "f1", verdict(contracts.ClassificationBug), bundle(missing))
	assert.True(t, errors.Is(err, ErrNoVideoArtifact))

	ref, err := store.Put(ctx, []byte("webm bytes"))
	require.NoError(t, err)
	poc, err := g.Generate(ctx, "f1", verdict(contracts.ClassificationBug), bundle(ref))
	require.NoError(t, err)

	mirrored, err := store.Exists(ctx, mustRef(t, poc))
	require.NoError(t, err)
	assert.True(t, mirrored, "the PoC document is mirrored into the store")
}

func mustRef(t *testing.T, poc contracts.VideoPoC) string {
	t.Helper()
	ref, err := artifacts.PutJSON(context.Background(), artifacts.NewMemoryStore(), poc)
	require.NoError(t, err)
	return ref
}

func TestGenerate_ConcurrentSingleWinner(t *testing.T) {
	g := NewGate()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dupes := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Generate(context.Background(), "f1", verdict(contracts.ClassificationBug), bundle("videos/f1.webm"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrPoCExists) {
				dupes++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 49, dupes)
}

func TestTimeline_Empty(t *testing.T) {
	assert.Empty(t, Timeline(nil))
	assert.NotNil(t, Timeline(nil))
}
