// Package sha256 derives stable content-addressed names for archived pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumString returns the hex SHA-256 digest of s.
func SumString(s string) string {
	return Sum([]byte(s))
}
