package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef-test")

func mustAction(t *testing.T, id, target string) contracts.SafeAction {
	t.Helper()
	a, err := contracts.NewSafeAction(id, contracts.ActionClick, target, map[string]string{"selector": "#go"}, "click go")
	require.NoError(t, err)
	return a
}

func TestAuthority_IssueBindsAction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	auth := NewAuthority(WithClock(func() time.Time { return now }), WithTTL(2*time.Minute))
	action := mustAction(t, "act-1", "https://example.com")

	tok, err := auth.Issue(action, "alice")
	require.NoError(t, err)

	wantHash, err := action.Hash()
	require.NoError(t, err)
	assert.Equal(t, wantHash, tok.ActionHash)
	assert.Equal(t, "alice", tok.ApproverID)
	assert.Equal(t, now, tok.IssuedAt)
	assert.Equal(t, now.Add(2*time.Minute), tok.ExpiresAt)
	assert.False(t, tok.Used)
}

func TestAuthority_IssueRequiresApprover(t *testing.T) {
	auth := NewAuthority()
	_, err := auth.Issue(mustAction(t, "act-1", "x"), "")
	require.Error(t, err)
}

func TestAuthority_ConsumeOnce(t *testing.T) {
	auth := NewAuthority()
	action := mustAction(t, "act-1", "https://example.com")
	tok, err := auth.Issue(action, "alice")
	require.NoError(t, err)

	require.NoError(t, auth.ValidateAndConsume(context.Background(), tok, action))

	err = auth.ValidateAndConsume(context.Background(), tok, action)
	require.ErrorIs(t, err, ErrTokenAlreadyUsed)
	assert.True(t, gatewayerr.IsHardStop(err))

	held, ok := auth.Lookup(tok.TokenID)
	require.True(t, ok)
	assert.True(t, held.Used)
}

func TestAuthority_Expired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	auth := NewAuthority(WithClock(func() time.Time { return clock }), WithTTL(time.Minute))
	action := mustAction(t, "act-1", "https://example.com")
	tok, err := auth.Issue(action, "alice")
	require.NoError(t, err)

	clock = now.Add(time.Minute)
	require.NoError(t, auth.ValidateAndConsume(context.Background(), tok, action), "expiry is exclusive: now == expires_at is still valid")

	tok2, err := auth.Issue(action, "alice")
	require.NoError(t, err)
	clock = clock.Add(time.Minute + time.Nanosecond)
	err = auth.ValidateAndConsume(context.Background(), tok2, action)
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.True(t, gatewayerr.IsBlocking(err))
}

func TestAuthority_ExpiryCheckedBeforeUse(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	auth := NewAuthority(WithClock(func() time.Time { return clock }), WithTTL(time.Minute))
	action := mustAction(t, "act-1", "https://example.com")
	tok, _ := auth.Issue(action, "alice")
	require.NoError(t, auth.ValidateAndConsume(context.Background(), tok, action))

	clock = now.Add(time.Hour)
	require.ErrorIs(t, auth.ValidateAndConsume(context.Background(), tok, action), ErrTokenExpired)
}

func TestAuthority_Mismatch(t *testing.T) {
	auth := NewAuthority()
	approved := mustAction(t, "act-1", "https://example.com")
	other := mustAction(t, "act-1", "https://example.com/other")
	tok, err := auth.Issue(approved, "alice")
	require.NoError(t, err)

	err = auth.ValidateAndConsume(context.Background(), tok, other)
	require.ErrorIs(t, err, ErrTokenMismatch)

	// A mismatched attempt does not burn the approval.
	require.NoError(t, auth.ValidateAndConsume(context.Background(), tok, approved))
}

func TestAuthority_UnknownAndMissing(t *testing.T) {
	auth := NewAuthority()
	action := mustAction(t, "act-1", "x")

	err := auth.ValidateAndConsume(context.Background(), contracts.ExecutionToken{TokenID: "forged"}, action)
	require.ErrorIs(t, err, ErrTokenUnknown)

	err = auth.ValidateAndConsume(context.Background(), contracts.ExecutionToken{}, action)
	require.ErrorIs(t, err, ErrApprovalPending)
	assert.True(t, gatewayerr.IsBlocking(err))
}

func TestAuthority_ConcurrentConsumeYieldsOneSuccess(t *testing.T) {
	auth := NewAuthority()
	action := mustAction(t, "act-1", "https://example.com")
	tok, err := auth.Issue(action, "alice")
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = auth.ValidateAndConsume(context.Background(), tok, action)
		}(i)
	}
	close(start)
	wg.Wait()

	successes, replays := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrTokenAlreadyUsed):
			replays++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, replays)
}

type failingStore struct{}

func (failingStore) Consume(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	return false, errors.New("store unavailable")
}

func TestAuthority_StoreFailureFailsClosed(t *testing.T) {
	auth := NewAuthority(WithConsumptionStore(failingStore{}))
	action := mustAction(t, "act-1", "x")
	tok, _ := auth.Issue(action, "alice")

	err := auth.ValidateAndConsume(context.Background(), tok, action)
	require.Error(t, err)
	assert.True(t, gatewayerr.IsHardStop(err))
}

func TestAuthority_RedeemEncodedAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	codec, err := NewCodec(testSecret)
	require.NoError(t, err)

	issuer := NewAuthority(WithCodec(codec), WithConsumptionStore(NewRedisConsumptionStore(client, "")))
	replicaA := NewAuthority(WithCodec(codec), WithConsumptionStore(NewRedisConsumptionStore(client, "")))
	replicaB := NewAuthority(WithCodec(codec), WithConsumptionStore(NewRedisConsumptionStore(client, "")))

	action := mustAction(t, "act-1", "https://example.com")
	tok, err := issuer.Issue(action, "alice")
	require.NoError(t, err)
	encoded, err := issuer.Encode(tok)
	require.NoError(t, err)

	redeemed, err := replicaA.RedeemEncoded(context.Background(), encoded, action)
	require.NoError(t, err)
	assert.Equal(t, tok.TokenID, redeemed.TokenID)
	assert.True(t, redeemed.Used)

	_, err = replicaB.RedeemEncoded(context.Background(), encoded, action)
	require.ErrorIs(t, err, ErrTokenAlreadyUsed)

	assert.True(t, mr.Exists("gateway:token:"+tok.TokenID))
}

func TestAuthority_RedeemEncodedWithoutCodec(t *testing.T) {
	auth := NewAuthority()
	_, err := auth.RedeemEncoded(context.Background(), "abc", mustAction(t, "a", "x"))
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, err = auth.RedeemEncoded(context.Background(), "", mustAction(t, "a", "x"))
	require.ErrorIs(t, err, ErrApprovalPending)
}
