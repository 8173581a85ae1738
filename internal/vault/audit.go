package vault

import (
	"context"
	"slices"
	"sync"
	"time"
)

// AuditEntry records one detokenization attempt.
type AuditEntry struct {
	ID           string       `json:"id"`
	AccessorKind AccessorKind `json:"accessor_kind"`
	AccessorID   string       `json:"accessor_id"`
	Reason       string       `json:"reason,omitempty"`
	CaseID       string       `json:"case_id,omitempty"`
	Fields       []string     `json:"fields"`
	Result       string       `json:"result"`
	At           time.Time    `json:"at"`
}

// AuditStore persists detokenization audit entries. Entries are
// append-only.
type AuditStore interface {
	Record(ctx context.Context, e AuditEntry) error
	List(ctx context.Context, accessorID string, limit int) ([]AuditEntry, error)
}

// MemoryAuditStore keeps audit entries in memory.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

// NewMemoryAuditStore creates an empty audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (m *MemoryAuditStore) Record(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Fields = slices.Clone(e.Fields)
	m.entries = append(m.entries, e)
	return nil
}

// List returns entries newest first, optionally filtered by accessor.
func (m *MemoryAuditStore) List(_ context.Context, accessorID string, limit int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if accessorID != "" && e.AccessorID != accessorID {
			continue
		}
		e.Fields = slices.Clone(e.Fields)
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
