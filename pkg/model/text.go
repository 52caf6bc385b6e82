package model

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Truncate returns at most maxRunes characters of s without splitting a
// UTF-8 sequence.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i]
		}
		n++
	}
	return s
}

// Fingerprint returns the hex BLAKE2b-256 digest of code. It lets operators
// correlate repeated payloads across bans and events without storing them whole.
func Fingerprint(code string) string {
	sum := blake2b.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
