package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/signals"
)

// Library is the shared set of playbooks. Reads take a Snapshot; writes
// go through Upsert, RecordMatch and Deactivate and are persisted to the
// store.
type Library struct {
	mu     sync.RWMutex
	items  map[string]*Playbook
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLibrary creates an empty library backed by store.
func NewLibrary(store Store, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		items:  make(map[string]*Playbook),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Load replaces the in-memory set with the store's contents.
func (l *Library) Load(ctx context.Context) error {
	pbs, err := l.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load playbooks: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = make(map[string]*Playbook, len(pbs))
	for _, pb := range pbs {
		l.items[pb.ID] = pb.Clone()
	}
	return nil
}

// Seed upserts pbs when the library is empty. Returns how many were added.
// The emptiness check and the inserts happen under one write lock, so
// concurrent seeders add the set at most once.
func (l *Library) Seed(ctx context.Context, pbs []*Playbook) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) > 0 {
		return 0, nil
	}
	for _, pb := range pbs {
		next := pb.Clone()
		if err := next.Validate(); err != nil {
			return 0, err
		}
		if _, err := l.upsertLocked(ctx, next); err != nil {
			return 0, err
		}
	}
	return len(pbs), nil
}

// Upsert adds a playbook or updates an existing one. CreatedAt of an
// existing playbook is kept and CasesMatched never goes down.
func (l *Library) Upsert(ctx context.Context, pb *Playbook) (*Playbook, error) {
	next := pb.Clone()
	if err := next.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upsertLocked(ctx, next)
}

// upsertLocked stores a validated playbook. Caller holds l.mu.
func (l *Library) upsertLocked(ctx context.Context, next *Playbook) (*Playbook, error) {
	now := l.now().UTC()
	if prev, ok := l.items[next.ID]; ok {
		next.CreatedAt = prev.CreatedAt
		if prev.CasesMatched > next.CasesMatched {
			next.CasesMatched = prev.CasesMatched
		}
	} else if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	if err := l.store.Upsert(ctx, next); err != nil {
		return nil, fmt.Errorf("persist playbook: %w", err)
	}
	l.items[next.ID] = next
	return next.Clone(), nil
}

// RecordMatch increments the match counter of a playbook.
func (l *Library) RecordMatch(ctx context.Context, id string) error {
	l.mu.Lock()
	pb, ok := l.items[id]
	if !ok {
		l.mu.Unlock()
		return ErrNotFound
	}
	pb.CasesMatched++
	l.mu.Unlock()

	metrics.PlaybookMatchesTotal.WithLabelValues(id).Inc()
	if err := l.store.IncrementMatches(ctx, id, 1); err != nil {
		l.logger.Warn("failed to persist playbook match", "playbook", id, "error", err)
		return err
	}
	return nil
}

// Deactivate stops a playbook from matching. It stays listed.
func (l *Library) Deactivate(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pb, ok := l.items[id]
	if !ok {
		return ErrNotFound
	}
	if err := l.store.SetActive(ctx, id, false); err != nil {
		return fmt.Errorf("persist playbook: %w", err)
	}
	pb.Active = false
	pb.UpdatedAt = l.now().UTC()
	return nil
}

// Get returns a copy of one playbook.
func (l *Library) Get(id string) (*Playbook, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pb, ok := l.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return pb.Clone(), nil
}

// List returns copies of all playbooks ordered by id.
func (l *Library) List(activeOnly bool) []*Playbook {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Playbook, 0, len(l.items))
	for _, pb := range l.items {
		if activeOnly && !pb.Active {
			continue
		}
		out = append(out, pb.Clone())
	}
	slices.SortFunc(out, func(a, b *Playbook) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Snapshot returns an immutable view of the active playbooks in match
// priority order.
func (l *Library) Snapshot() *Snapshot {
	return NewSnapshot(l.List(true))
}

// Snapshot is an immutable, priority-ordered set of active playbooks.
type Snapshot struct {
	playbooks []*Playbook
}

// NewSnapshot orders pbs by confidence (desc), CreatedAt (desc), ID (asc).
// Inactive playbooks are dropped.
func NewSnapshot(pbs []*Playbook) *Snapshot {
	out := make([]*Playbook, 0, len(pbs))
	for _, pb := range pbs {
		if pb.Active {
			out = append(out, pb.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Playbook) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		case a.CreatedAt.After(b.CreatedAt):
			return -1
		case a.CreatedAt.Before(b.CreatedAt):
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return &Snapshot{playbooks: out}
}

// Len returns the number of active playbooks.
func (s *Snapshot) Len() int { return len(s.playbooks) }

// Match returns the best playbook whose conditions all hold. No match is
// a normal outcome.
func (s *Snapshot) Match(a signals.Assessment, f risk.Features) (*Playbook, bool) {
	for _, pb := range s.playbooks {
		if matches(pb, a, f) {
			return pb.Clone(), true
		}
	}
	return nil, false
}

// Candidates returns every matching playbook in priority order.
func (s *Snapshot) Candidates(a signals.Assessment, f risk.Features) []*Playbook {
	var out []*Playbook
	for _, pb := range s.playbooks {
		if matches(pb, a, f) {
			out = append(out, pb.Clone())
		}
	}
	return out
}

func matches(pb *Playbook, a signals.Assessment, f risk.Features) bool {
	for _, c := range pb.Conditions {
		if !c.Holds(a, f) {
			return false
		}
	}
	return len(pb.Conditions) > 0
}
