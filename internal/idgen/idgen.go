// Package idgen mints opaque record identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix followed by 24 random hex characters, e.g.
// WithPrefix("set_") for settlements and WithPrefix("reb_") for rebase
// events. The prefix makes identifiers self-describing in logs.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
