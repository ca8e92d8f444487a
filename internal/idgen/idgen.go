// Package idgen generates the random identifiers used for API keys,
// webhook subscriptions, events, and ledger rows.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func randomHex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// New returns a dashed 128-bit identifier in the 8-4-4-4-12 layout.
func New() string {
	s := randomHex(16)
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:]
}

// WithPrefix returns prefix followed by 24 hex characters, for typed IDs
// such as "ak_", "wh_", and "evt_".
func WithPrefix(prefix string) string {
	return prefix + randomHex(12)
}

// Hex returns a random hex string covering numBytes of entropy.
func Hex(numBytes int) string {
	return randomHex(numBytes)
}
