// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the fixed, field-delimited digests used by the audit and
// manifest hash chains.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// FieldDelimiter separates fields in chain digests. It is part of the
// persisted format and must never change.
const FieldDelimiter = "|"

// GenesisHash is the previous-hash value of the first record in any chain.
var GenesisHash = strings.Repeat("0", 64)

// JCS returns the RFC 8785 canonical JSON representation of v.
// Struct tags are honoured because v is first marshalled with encoding/json.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns lowercase hex.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

var fieldEscaper = strings.NewReplacer(`\`, `\\`, FieldDelimiter, `\`+FieldDelimiter)

// HashFields digests fields joined by FieldDelimiter. Backslash and the
// delimiter are escaped inside each value so a field boundary cannot be
// moved without changing the digest. Field order is the caller's contract.
func HashFields(fields ...string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = fieldEscaper.Replace(f)
	}
	return HashBytes([]byte(strings.Join(escaped, FieldDelimiter)))
}

// IsDigest reports whether s looks like a 64-character lowercase hex digest.
func IsDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
