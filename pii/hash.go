package pii

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the SHA-256 hash of a value for safe correlation in logs
// and diagnostics without exposing the value itself.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Ref returns a short hash prefix suitable as a content-free log
// reference for a value.
func Ref(value string) string {
	return Hash(value)[:12]
}
