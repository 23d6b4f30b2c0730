package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func stepClock() func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func openFileStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	s, err := Open(context.Background(), b, opts...)
	require.NoError(t, err)
	return s
}

func saveIDs(t *testing.T, s *Store, ids ...string) []contracts.ExecutionManifest {
	t.Helper()
	var out []contracts.ExecutionManifest
	for _, id := range ids {
		m, _, err := s.Save(context.Background(), contracts.ExecutionManifest{
			ExecutionID:    id,
			ActionHashes:   []string{canonicalize.HashBytes([]byte(id))},
			ArtifactPaths:  []string{"screens/" + id + ".png"},
			ArtifactHashes: map[string]string{"screens/" + id + ".png": canonicalize.HashBytes([]byte("png"))},
		})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func ids(ms []contracts.ExecutionManifest) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ExecutionID)
	}
	return out
}

func TestStore_SaveChainsManifests(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, WithClock(stepClock()))
	ms := saveIDs(t, s, "exec-1", "exec-2", "exec-3")

	assert.Equal(t, canonicalize.GenesisHash, ms[0].PreviousManifestHash)
	assert.Equal(t, ms[0].ManifestHash, ms[1].PreviousManifestHash)
	assert.Equal(t, ms[1].ManifestHash, ms[2].PreviousManifestHash)
	assert.Equal(t, ms[2].ManifestHash, s.Head())
	assert.FileExists(t, filepath.Join(dir, "exec-2.json"))

	got, err := s.Get(context.Background(), "exec-2")
	require.NoError(t, err)
	assert.Equal(t, ms[1].ManifestHash, got.ManifestHash)

	res, err := s.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Manifests)
}

func TestStore_TimestampsStrictlyIncrease(t *testing.T) {
	frozen := func() time.Time { return t0 }
	s := openFileStore(t, t.TempDir(), WithClock(frozen))
	ms := saveIDs(t, s, "a", "b", "c")

	assert.True(t, ms[1].Timestamp.After(ms[0].Timestamp))
	assert.True(t, ms[2].Timestamp.After(ms[1].Timestamp))

	res, err := s.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestStore_RejectsDuplicateAndInvalidIDs(t *testing.T) {
	s := openFileStore(t, t.TempDir(), WithClock(stepClock()))
	saveIDs(t, s, "exec-1")
	head := s.Head()

	_, _, err := s.Save(context.Background(), contracts.ExecutionManifest{ExecutionID: "exec-1"})
	assert.True(t, errors.Is(err, ErrExists))
	assert.Equal(t, head, s.Head())

	for _, bad := range []string{"", "../escape", "a/b", ".hidden"} {
		_, _, err := s.Save(context.Background(), contracts.ExecutionManifest{ExecutionID: bad})
		assert.True(t, errors.Is(err, ErrInvalidID), bad)
	}

	_, err = s.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ReopenResumesHead(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, WithClock(stepClock()))
	ms := saveIDs(t, s, "exec-1", "exec-2")

	clock := func() time.Time { return t0.Add(time.Hour) }
	s2 := openFileStore(t, dir, WithClock(clock))
	assert.Equal(t, ms[1].ManifestHash, s2.Head())
	next := saveIDs(t, s2, "exec-3")
	assert.Equal(t, ms[1].ManifestHash, next[0].PreviousManifestHash)
}

func TestStore_DetectsTamperedManifest(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, WithClock(stepClock()))
	saveIDs(t, s, "exec-1", "exec-2", "exec-3")

	path := filepath.Join(dir, "exec-2.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m contracts.ExecutionManifest
	require.NoError(t, json.Unmarshal(data, &m))
	m.ActionHashes = append(m.ActionHashes, canonicalize.HashBytes([]byte("forged")))
	data, err = json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	res, err := s.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.FailedIndex)
	assert.Equal(t, "exec-2", res.FailedExecutionID)

	err = res.Err()
	assert.True(t, errors.Is(err, ErrManifestBroken))
	assert.True(t, gatewayerr.IsHardStop(err))
}

func TestStore_GetChain(t *testing.T) {
	s := openFileStore(t, t.TempDir(), WithClock(stepClock()))
	saveIDs(t, s, "e1", "e2", "e3", "e4")
	ctx := context.Background()

	cases := []struct {
		name       string
		start, end string
		want       []string
	}{
		{"inclusive range", "e2", "e3", []string{"e2", "e3"}},
		{"single", "e2", "e2", []string{"e2"}},
		{"unknown end runs to newest", "e2", "nope", []string{"e2", "e3", "e4"}},
		{"unknown start is empty", "nope", "e3", []string{}},
		{"end before start runs to newest", "e3", "e1", []string{"e3", "e4"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.GetChain(ctx, tc.start, tc.end)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(got))
		})
	}
}
