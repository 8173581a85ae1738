// Package vault exchanges PII for opaque tokens before anything is
// persisted, and reverses tokens only for audited callers.
//
// The Gateway fronts a Provider (Skyflow in live mode, MemoryVault
// otherwise). When the provider cannot be reached during tokenization the
// Gateway issues local placeholder tokens so screening can continue;
// placeholders are marked as such and can never be reversed.
package vault

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
)

var (
	ErrVaultUnavailable = errors.New("vault: provider unavailable")
	ErrUnknownToken     = errors.New("vault: unknown token")
	ErrPlaceholderToken = errors.New("vault: placeholder token cannot be detokenized")
	ErrEmptyRequest     = errors.New("vault: no fields supplied")
	ErrInvalidField     = errors.New("vault: invalid field")
	ErrNoAccessor       = errors.New("vault: accessor identity required")
	ErrNotConfigured    = errors.New("vault: provider not configured")
)

// PlaceholderPrefix marks locally generated tokens.
const PlaceholderPrefix = "local_"

// Standard PII fields. Other non-empty fields are accepted too.
const (
	FieldName    = "name"
	FieldEmail   = "email"
	FieldPhone   = "phone"
	FieldAddress = "address"
)

// Source says where a token came from.
type Source string

const (
	SourceVault       Source = "vault"
	SourcePlaceholder Source = "placeholder"
)

// Token is an opaque stand-in for one PII value.
type Token struct {
	Value  string `json:"value"`
	Source Source `json:"source"`
}

// IsPlaceholder reports whether the token was issued locally.
func (t Token) IsPlaceholder() bool { return t.Source == SourcePlaceholder }

// TokenSet maps field name to token.
type TokenSet map[string]Token

// Values returns field to token value.
func (s TokenSet) Values() map[string]string {
	out := make(map[string]string, len(s))
	for k, t := range s {
		out[k] = t.Value
	}
	return out
}

// Fields returns the sorted field names.
func (s TokenSet) Fields() []string {
	return slices.Sorted(maps.Keys(s))
}

// Placeholders counts locally issued tokens.
func (s TokenSet) Placeholders() int {
	n := 0
	for _, t := range s {
		if t.IsPlaceholder() {
			n++
		}
	}
	return n
}

// Provider is a token vault. Tokenize returns one token per supplied
// field. Detokenize reverses exactly the supplied tokens and fails with
// ErrUnknownToken if any is not recognized.
type Provider interface {
	Name() string
	Tokenize(ctx context.Context, fields map[string]string) (map[string]string, error)
	Detokenize(ctx context.Context, tokens map[string]string) (map[string]string, error)
	Ping(ctx context.Context) error
}

// AccessorKind distinguishes automated reversals from human review.
type AccessorKind string

const (
	AccessorSystem  AccessorKind = "system"
	AccessorAnalyst AccessorKind = "analyst"
)

// Accessor identifies who is reversing tokens.
type Accessor struct {
	Kind   AccessorKind `json:"kind"`
	ID     string       `json:"id"`
	Reason string       `json:"reason,omitempty"`
	CaseID string       `json:"case_id,omitempty"`
}

// Analyst returns an analyst accessor.
func Analyst(id, reason string) Accessor {
	return Accessor{Kind: AccessorAnalyst, ID: id, Reason: reason}
}

// Recorder receives tokenization and detokenization counts.
type Recorder interface {
	RecordTokenization(fields, placeholders int)
	RecordDetokenization(analyst bool)
}

// cleanFields drops empty values and normalizes field names.
func cleanFields(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		k = strings.ToLower(strings.TrimSpace(k))
		if strings.TrimSpace(v) == "" {
			continue
		}
		if !validField(k) {
			return nil, ErrInvalidField
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil, ErrEmptyRequest
	}
	return out, nil
}

func validField(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}
