package playbook

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Store persists playbooks.
type Store interface {
	List(ctx context.Context) ([]*Playbook, error)
	Upsert(ctx context.Context, pb *Playbook) error
	IncrementMatches(ctx context.Context, id string, n int64) error
	SetActive(ctx context.Context, id string, active bool) error
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Playbook
}

// NewMemoryStore creates an empty in-memory playbook store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Playbook)}
}

func (m *MemoryStore) List(_ context.Context) ([]*Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Playbook, 0, len(m.items))
	for _, pb := range m.items {
		out = append(out, pb.Clone())
	}
	slices.SortFunc(out, func(a, b *Playbook) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, pb *Playbook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := pb.Clone()
	if prev, ok := m.items[pb.ID]; ok && prev.CasesMatched > next.CasesMatched {
		next.CasesMatched = prev.CasesMatched
	}
	m.items[pb.ID] = next
	return nil
}

func (m *MemoryStore) IncrementMatches(_ context.Context, id string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pb, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	pb.CasesMatched += n
	return nil
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pb, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	pb.Active = active
	return nil
}
