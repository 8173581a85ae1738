// Package idgen provides cryptographically random identifiers for
// transactions, cases and vault tokens.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Well-known prefixes. A prefix tells an operator what kind of record an
// identifier belongs to without a lookup.
const (
	PrefixTransaction = "tx_"
	PrefixCase        = "case_"
	PrefixVaultToken  = "sky_"
	PrefixPlaceholder = "local_"
	PrefixPlaybook    = "pb_"
	PrefixReceipt     = "rcpt_"
)

// WithPrefix generates a random ID with a prefix (e.g. "tx_", "case_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Transaction returns a new transaction ID.
func Transaction() string { return WithPrefix(PrefixTransaction) }

// Case returns a new case ID.
func Case() string { return WithPrefix(PrefixCase) }

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
