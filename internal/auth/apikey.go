// Package auth implements token generation and verification for domain
// records: a per-domain bearer token minted once and hashed at rest.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// GenerateToken returns a fresh random bearer token suitable for an AUTH
// frame, URL-safe and free of padding.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex-encoded SHA-256 digest of token salted with
// pepper, the form persisted by the store so raw tokens never touch disk.
func HashToken(token, pepper string) string {
	sum := sha256.Sum256([]byte(token + pepper))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHashEquals compares two hex-encoded hashes without leaking
// timing information about where they first differ.
func ConstantTimeHashEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
