package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// GenerateVerifier returns a high-entropy PKCE code verifier: 64 random
// bytes, base64url-encoded to 86 characters, inside the 43..128 length
// range RFC 7636 allows.
func GenerateVerifier() (string, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read verifier randomness: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Challenge derives the S256 code challenge for a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// StatesEqual compares the expected and returned state values in constant
// time.
func StatesEqual(expected, got string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
