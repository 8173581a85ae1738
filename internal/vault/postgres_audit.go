package vault

import (
	"context"
	"database/sql"
	"encoding/json"
)

// Compile-time check that PostgresAuditStore implements AuditStore.
var _ AuditStore = (*PostgresAuditStore)(nil)

// PostgresAuditStore persists audit entries in the vault_audit table.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates a new PostgreSQL-backed audit store.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (p *PostgresAuditStore) Record(ctx context.Context, e AuditEntry) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO vault_audit (id, accessor_kind, accessor_id, reason, case_id, fields, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, string(e.AccessorKind), e.AccessorID, nullString(e.Reason), nullString(e.CaseID), fields, e.Result, e.At,
	)
	return err
}

func (p *PostgresAuditStore) List(ctx context.Context, accessorID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, accessor_kind, accessor_id, reason, case_id, fields, result, created_at
		FROM vault_audit
		WHERE ($1 = '' OR accessor_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, accessorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var (
			e              AuditEntry
			kind           string
			reason, caseID sql.NullString
			fields         []byte
		)
		if err := rows.Scan(&e.ID, &kind, &e.AccessorID, &reason, &caseID, &fields, &e.Result, &e.At); err != nil {
			return nil, err
		}
		e.AccessorKind = AccessorKind(kind)
		e.Reason = reason.String
		e.CaseID = caseID.String
		if err := json.Unmarshal(fields, &e.Fields); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
