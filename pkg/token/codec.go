package token

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/helm-gateway/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

const (
	tokenIssuer  = "helm-gateway"
	hkdfSalt     = "helm-gateway/execution-token"
	hkdfInfo     = "hs256/v1"
	minSecretLen = 32
)

// Claims is the signed transport form of an ExecutionToken.
type Claims struct {
	jwt.RegisteredClaims
	ActionHash string `json:"action_hash"`
}

// Codec signs and verifies tokens handed from a human console to a harness.
// Signing keys are derived from a master secret with HKDF-SHA256.
type Codec struct {
	key []byte
}

// NewCodec derives the signing key from masterSecret.
func NewCodec(masterSecret []byte) (*Codec, error) {
	if len(masterSecret) < minSecretLen {
		return nil, gatewayerr.Newf(gatewayerr.ClassHardStop, gatewayerr.CodeInvalidConfig,
			"token secret must be at least %d bytes", minSecretLen)
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, masterSecret, []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return &Codec{key: key}, nil
}

// Encode signs tok. The Used flag is never transported.
func (c *Codec) Encode(tok contracts.ExecutionToken) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tok.TokenID,
			Subject:   tok.ApproverID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(tok.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
		ActionHash: tok.ActionHash,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and returns the token. Expiry is not checked
// here; the Authority checks it against its own clock.
func (c *Codec) Decode(encoded string) (contracts.ExecutionToken, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(encoded, &claims, func(t *jwt.Token) (interface{}, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return contracts.ExecutionToken{}, gatewayerr.Wrap(gatewayerr.ClassHardStop, gatewayerr.CodeTokenInvalid, err, "verify token")
	}
	if claims.Issuer != tokenIssuer {
		return contracts.ExecutionToken{}, ErrTokenInvalid.WithRule("iss", claims.Issuer)
	}
	if claims.ID == "" || claims.Subject == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return contracts.ExecutionToken{}, ErrTokenInvalid.WithMessage("token is missing required claims")
	}
	if !canonicalize.IsDigest(claims.ActionHash) {
		return contracts.ExecutionToken{}, ErrTokenInvalid.WithRule("action_hash", claims.ID)
	}
	return contracts.ExecutionToken{
		TokenID:    claims.ID,
		ApproverID: claims.Subject,
		ActionHash: claims.ActionHash,
		IssuedAt:   claims.IssuedAt.Time.UTC(),
		ExpiresAt:  claims.ExpiresAt.Time.UTC(),
	}, nil
}

// Remaining reports how long tok stays redeemable at now.
func Remaining(tok contracts.ExecutionToken, now time.Time) time.Duration {
	d := tok.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
