// Package token issues and redeems one-time execution approvals.
//
// A token is bound to one SafeAction by the canonical hash of that action and
// can be consumed exactly once. The check-and-set runs in a single critical
// section on the Authority, and the consumption itself is recorded through a
// ConsumptionStore so replays are also refused after a restart or on another
// gateway replica sharing the store.
package token

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

// DefaultTTL is how long an approval stays redeemable.
const DefaultTTL = 5 * time.Minute

var (
	ErrTokenExpired     = gatewayerr.New(gatewayerr.ClassBlocking, gatewayerr.CodeTokenExpired, "execution token expired; a new approval is required")
	ErrTokenAlreadyUsed = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeTokenAlreadyUsed, "execution token already used")
	ErrTokenMismatch    = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeTokenMismatch, "execution token is bound to a different action")
	ErrTokenUnknown     = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeTokenUnknown, "execution token was not issued by this authority")
	ErrTokenInvalid     = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeTokenInvalid, "execution token is malformed or its signature is invalid")
	ErrApprovalPending  = gatewayerr.New(gatewayerr.ClassBlocking, gatewayerr.CodeApprovalPending, "no execution token supplied; waiting for human approval")
)

// Authority issues tokens and validates-and-consumes them.
type Authority struct {
	mu     sync.Mutex
	ttl    time.Duration
	clock  func() time.Time
	store  ConsumptionStore
	codec  *Codec
	tokens map[string]*contracts.ExecutionToken
	logger *slog.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) { a.ttl = ttl }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(a *Authority) { a.clock = clock }
}

// WithConsumptionStore records consumption somewhere durable or shared.
func WithConsumptionStore(store ConsumptionStore) Option {
	return func(a *Authority) { a.store = store }
}

// WithCodec enables Encode/RedeemEncoded.
func WithCodec(codec *Codec) Option {
	return func(a *Authority) { a.codec = codec }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) { a.logger = logger }
}

// NewAuthority creates an authority with an in-memory consumption store
// unless one is supplied.
func NewAuthority(opts ...Option) *Authority {
	a := &Authority{
		ttl:    DefaultTTL,
		clock:  time.Now,
		tokens: make(map[string]*contracts.ExecutionToken),
		logger: slog.Default().With("component", "token_authority"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.store == nil {
		a.store = NewMemoryConsumptionStore()
	}
	return a
}

// Issue creates a token bound to action on behalf of approverID.
func (a *Authority) Issue(action contracts.SafeAction, approverID string) (contracts.ExecutionToken, error) {
	if approverID == "" {
		return contracts.ExecutionToken{}, gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeTokenInvalid, "approver id is required")
	}
	actionHash, err := action.Hash()
	if err != nil {
		return contracts.ExecutionToken{}, gatewayerr.Wrap(gatewayerr.ClassHardStop, gatewayerr.CodeTokenInvalid, err, "hash action")
	}

	now := a.clock().UTC()
	tok := contracts.ExecutionToken{
		TokenID:    uuid.New().String(),
		ApproverID: approverID,
		ActionHash: actionHash,
		IssuedAt:   now,
		ExpiresAt:  now.Add(a.ttl),
	}

	a.mu.Lock()
	held := tok
	a.tokens[tok.TokenID] = &held
	a.mu.Unlock()

	a.logger.Info("execution token issued",
		"token_id", tok.TokenID,
		"approver_id", approverID,
		"action_id", action.ActionID(),
		"expires_at", tok.ExpiresAt,
	)
	return tok, nil
}

// ValidateAndConsume redeems tok for action. Checks run in order: expiry,
// prior use, action binding. On success the token is marked used; every
// other concurrent or later call for the same token gets ErrTokenAlreadyUsed.
func (a *Authority) ValidateAndConsume(ctx context.Context, tok contracts.ExecutionToken, action contracts.SafeAction) error {
	if tok.TokenID == "" {
		return ErrApprovalPending
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	held, ok := a.tokens[tok.TokenID]
	if !ok {
		return ErrTokenUnknown.WithRule("token_lookup", tok.TokenID)
	}
	return a.consumeLocked(ctx, held, action)
}

// RedeemEncoded verifies an encoded token's signature and then validates and
// consumes it. Signed tokens issued by another authority sharing the same
// codec key are accepted; replay protection then depends on a shared
// ConsumptionStore.
func (a *Authority) RedeemEncoded(ctx context.Context, encoded string, action contracts.SafeAction) (contracts.ExecutionToken, error) {
	if encoded == "" {
		return contracts.ExecutionToken{}, ErrApprovalPending
	}
	if a.codec == nil {
		return contracts.ExecutionToken{}, ErrTokenInvalid.WithMessage("no token codec configured")
	}
	decoded, err := a.codec.Decode(encoded)
	if err != nil {
		return contracts.ExecutionToken{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	held, ok := a.tokens[decoded.TokenID]
	if !ok {
		cp := decoded
		cp.Used = false
		held = &cp
		a.tokens[cp.TokenID] = held
	}
	if err := a.consumeLocked(ctx, held, action); err != nil {
		return *held, err
	}
	return *held, nil
}

// consumeLocked must be called with a.mu held.
func (a *Authority) consumeLocked(ctx context.Context, held *contracts.ExecutionToken, action contracts.SafeAction) error {
	if held.Expired(a.clock()) {
		return ErrTokenExpired.WithRule("expires_at", held.ExpiresAt.Format(time.RFC3339))
	}
	if held.Used {
		a.logger.Warn("execution token replay refused", "token_id", held.TokenID, "action_id", action.ActionID())
		return ErrTokenAlreadyUsed.WithRule("used", held.TokenID)
	}
	actionHash, err := action.Hash()
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.ClassHardStop, gatewayerr.CodeTokenMismatch, err, "hash action")
	}
	if actionHash != held.ActionHash {
		a.logger.Warn("execution token bound to different action",
			"token_id", held.TokenID,
			"action_id", action.ActionID(),
		)
		return ErrTokenMismatch.WithRule("action_hash", action.ActionID())
	}

	first, err := a.store.Consume(ctx, held.TokenID, held.ExpiresAt)
	if err != nil {
		// Fail closed: an unconfirmed consumption is a refusal.
		return gatewayerr.Wrap(gatewayerr.ClassHardStop, gatewayerr.CodeTokenAlreadyUsed, err, "record token consumption")
	}
	held.Used = true
	if !first {
		a.logger.Warn("execution token already consumed elsewhere", "token_id", held.TokenID)
		return ErrTokenAlreadyUsed.WithRule("consumption_store", held.TokenID)
	}

	a.logger.Info("execution token consumed",
		"token_id", held.TokenID,
		"approver_id", held.ApproverID,
		"action_id", action.ActionID(),
	)
	return nil
}

// Lookup returns a copy of the authority's view of a token.
func (a *Authority) Lookup(tokenID string) (contracts.ExecutionToken, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	held, ok := a.tokens[tokenID]
	if !ok {
		return contracts.ExecutionToken{}, false
	}
	return *held, true
}

// Encode returns the signed transport form of tok.
func (a *Authority) Encode(tok contracts.ExecutionToken) (string, error) {
	if a.codec == nil {
		return "", ErrTokenInvalid.WithMessage("no token codec configured")
	}
	return a.codec.Encode(tok)
}
