// Package crypto generates and verifies operator API tokens. Only the
// SHA-256 hash of a token is ever stored in configuration.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// GenerateToken generates a random token string (32 bytes, hex).
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken hashes a raw token string with SHA-256.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TokenMatches reports whether token hashes to hash, in constant time.
func TokenMatches(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	want := []byte(strings.ToLower(strings.TrimSpace(hash)))
	got := []byte(HashToken(token))
	return subtle.ConstantTimeCompare(want, got) == 1
}
