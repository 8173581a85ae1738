package cases

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory case store for development and testing.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*Case
}

// NewMemoryStore creates a new in-memory case store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*Case)}
}

func (m *MemoryStore) Create(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Tags = slices.Clone(c.Tags)
	m.cases[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Case
	for _, c := range m.cases {
		if f.Decision != "" && c.Decision != f.Decision {
			continue
		}
		if f.Wallet != "" && !strings.EqualFold(c.WalletAddress, f.Wallet) {
			continue
		}
		if f.AgentVersion != "" && c.AgentVersion != f.AgentVersion {
			continue
		}
		if f.LabelledOnly && c.GroundTruth == "" {
			continue
		}
		if !f.Since.IsZero() && c.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Cursor.After(c.CreatedAt, c.ID) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *Case) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit+1 {
		out = out[:f.Limit+1]
	}
	return out, nil
}

func (m *MemoryStore) SetLabel(_ context.Context, id string, label Label, notes, by string, at time.Time) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	at = at.UTC()
	c.GroundTruth = label
	c.AnalystNotes = notes
	c.LabelledBy = by
	c.LabelledAt = &at
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Stats(_ context.Context, agentVersion string) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := newStats(agentVersion)
	for _, c := range m.cases {
		if agentVersion != "" && c.AgentVersion != agentVersion {
			continue
		}
		s.add(c)
	}
	s.finish()
	return s, nil
}
