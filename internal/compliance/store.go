package compliance

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// ErrNoSnapshot is returned when no snapshot has been taken yet.
var ErrNoSnapshot = errors.New("compliance: no snapshot")

// Store persists compliance snapshots.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Latest(ctx context.Context) (Snapshot, error)
	History(ctx context.Context, limit int) ([]Snapshot, error)
}

// MemoryStore keeps snapshots in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []Snapshot
}

// NewMemoryStore creates an empty snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = int64(len(m.snapshots) + 1)
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (m *MemoryStore) Latest(_ context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snapshots) == 0 {
		return Snapshot{}, ErrNoSnapshot
	}
	return m.snapshots[len(m.snapshots)-1], nil
}

// History returns snapshots newest first.
func (m *MemoryStore) History(_ context.Context, limit int) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.snapshots))
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		out = append(out, m.snapshots[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists snapshots in the compliance_snapshots table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed snapshot store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const snapshotColumns = `id, tokenization_requests, detokenization_requests, analyst_access_count,
	tokenized_fields, total_pii_fields, placeholder_tokens, tokenization_percentage, taken_at`

func (p *PostgresStore) Save(ctx context.Context, s Snapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO compliance_snapshots (
			tokenization_requests, detokenization_requests, analyst_access_count,
			tokenized_fields, total_pii_fields, placeholder_tokens, tokenization_percentage, taken_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.TokenizationRequests, s.DetokenizationRequests, s.AnalystAccessCount,
		s.TokenizedFields, s.TotalPIIFields, s.PlaceholderTokens, s.TokenizationPercentage, s.TakenAt,
	)
	return err
}

func (p *PostgresStore) Latest(ctx context.Context) (Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM compliance_snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	return s, err
}

func (p *PostgresStore) History(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM compliance_snapshots ORDER BY taken_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(sc scanner) (Snapshot, error) {
	var s Snapshot
	err := sc.Scan(&s.ID, &s.TokenizationRequests, &s.DetokenizationRequests, &s.AnalystAccessCount,
		&s.TokenizedFields, &s.TotalPIIFields, &s.PlaceholderTokens, &s.TokenizationPercentage, &s.TakenAt)
	return s, err
}
