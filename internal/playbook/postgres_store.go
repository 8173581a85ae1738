package playbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/sentinel/internal/risk"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists playbooks in PostgreSQL. The schema lives in
// migrations/001_playbooks.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed playbook store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) List(ctx context.Context) ([]*Playbook, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, conditions, recommended_action,
		       confidence, discovered_by, cases_matched, active, created_at, updated_at
		FROM playbooks
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Playbook
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Upsert(ctx context.Context, pb *Playbook) error {
	conds, err := json.Marshal(pb.ConditionStrings())
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO playbooks (
			id, name, description, conditions, recommended_action,
			confidence, discovered_by, cases_matched, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name               = EXCLUDED.name,
			description        = EXCLUDED.description,
			conditions         = EXCLUDED.conditions,
			recommended_action = EXCLUDED.recommended_action,
			confidence         = EXCLUDED.confidence,
			discovered_by      = EXCLUDED.discovered_by,
			cases_matched      = GREATEST(playbooks.cases_matched, EXCLUDED.cases_matched),
			active             = EXCLUDED.active,
			updated_at         = EXCLUDED.updated_at`,
		pb.ID, pb.Name, pb.Description, conds, string(pb.RecommendedAction),
		pb.Confidence, pb.DiscoveredBy, pb.CasesMatched, pb.Active, pb.CreatedAt, pb.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) IncrementMatches(ctx context.Context, id string, n int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE playbooks SET cases_matched = cases_matched + $2 WHERE id = $1`, id, n)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE playbooks SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlaybook(sc scanner) (*Playbook, error) {
	pb := &Playbook{}
	var (
		description sql.NullString
		conds       []byte
		action      string
	)
	if err := sc.Scan(
		&pb.ID, &pb.Name, &description, &conds, &action,
		&pb.Confidence, &pb.DiscoveredBy, &pb.CasesMatched, &pb.Active, &pb.CreatedAt, &pb.UpdatedAt,
	); err != nil {
		return nil, err
	}
	pb.Description = description.String
	pb.RecommendedAction = risk.Decision(action)

	var raw []string
	if err := json.Unmarshal(conds, &raw); err != nil {
		return nil, fmt.Errorf("decode conditions of %s: %w", pb.ID, err)
	}
	parsed, err := ParseConditions(raw)
	if err != nil {
		return nil, fmt.Errorf("parse conditions of %s: %w", pb.ID, err)
	}
	pb.Conditions = parsed
	return pb, nil
}
