// Package auth authenticates compliance analysts.
//
// Access model:
//   - Screening endpoints: no analyst identity required
//   - Detokenization and case labelling: require a configured analyst key
//     (X-Analyst-Key) plus an analyst id (X-Analyst-ID) for the audit trail
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoAnalystKey      = errors.New("analyst key required")
	ErrInvalidAnalystKey = errors.New("invalid analyst key")
	ErrNoAnalystID       = errors.New("analyst id required")
)

// Analysts holds the hashes of the accepted analyst keys.
type Analysts struct {
	hashes [][]byte
}

// NewAnalysts hashes the configured keys. An empty list accepts nobody.
func NewAnalysts(keys []string) *Analysts {
	a := &Analysts{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		a.hashes = append(a.hashes, hashKey(k))
	}
	return a
}

// Configured reports whether any analyst key is accepted.
func (a *Analysts) Configured() bool {
	return len(a.hashes) > 0
}

// Validate checks a raw key against every configured hash in constant time.
func (a *Analysts) Validate(rawKey string) error {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return ErrNoAnalystKey
	}
	h := hashKey(rawKey)
	ok := 0
	for _, want := range a.hashes {
		ok |= subtle.ConstantTimeCompare(h, want)
	}
	if ok != 1 {
		return ErrInvalidAnalystKey
	}
	return nil
}

func hashKey(raw string) []byte {
	h := sha256.Sum256([]byte(raw))
	return h[:]
}

// Fingerprint returns a short, loggable identifier for a raw key.
func Fingerprint(raw string) string {
	return hex.EncodeToString(hashKey(raw))[:12]
}
