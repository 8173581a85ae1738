package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/sentinel/internal/idgen"
)

// MemoryVault is an in-process Provider issuing sky_-prefixed tokens. It
// backs development, the fake provider mode and tests.
type MemoryVault struct {
	mu          sync.RWMutex
	values      map[string]string // token -> plaintext
	unavailable bool
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{values: make(map[string]string)}
}

// SetUnavailable makes every call fail with ErrVaultUnavailable.
func (m *MemoryVault) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// Name implements Provider.
func (m *MemoryVault) Name() string { return "memory" }

// Tokenize implements Provider.
func (m *MemoryVault) Tokenize(_ context.Context, fields map[string]string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrVaultUnavailable
	}
	out := make(map[string]string, len(fields))
	for field, v := range fields {
		tok := idgen.WithPrefix(idgen.PrefixVaultToken)
		m.values[tok] = v
		out[field] = tok
	}
	return out, nil
}

// Detokenize implements Provider.
func (m *MemoryVault) Detokenize(_ context.Context, tokens map[string]string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, ErrVaultUnavailable
	}
	out := make(map[string]string, len(tokens))
	for field, tok := range tokens {
		v, ok := m.values[tok]
		if !ok {
			return nil, fmt.Errorf("%w: field %s", ErrUnknownToken, field)
		}
		out[field] = v
	}
	return out, nil
}

// Ping implements Provider.
func (m *MemoryVault) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return ErrVaultUnavailable
	}
	return nil
}
