// Package idgen generates cryptographically random identifiers for
// settlement entities. Every row the engine creates is keyed by a
// prefixed ID: "esc_" contracts, "mls_" milestones, "dep_" deposits,
// "dsp_" disputes, "cnl_" cancellation requests, "tmo_" timeouts,
// "mst_" multisig transactions, "evt_" notification events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string of the given byte length. Used for
// transaction nonces and request IDs where no entity prefix applies.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
