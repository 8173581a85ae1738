package receipts

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists receipts in PostgreSQL. The table is created by
// the goose migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `id, case_id, transaction_id, wallet_address, chain,
	score, decision, rule, playbook_id, agent_version,
	payload_hash, signature, issued_at, expires_at`

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.CaseID, r.TransactionID, r.WalletAddress, r.Chain,
		r.Score, r.Decision, r.Rule, nullString(r.PlaybookID), r.AgentVersion,
		r.PayloadHash, r.Signature, r.IssuedAt, r.ExpiresAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
	return requireRow(scanReceipt(row))
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE transaction_id = $1
		ORDER BY issued_at DESC
		LIMIT 1`, transactionID)
	return requireRow(scanReceipt(row))
}

func (p *PostgresStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE wallet_address = LOWER($1)
		ORDER BY issued_at DESC, id DESC
		LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var playbookID sql.NullString
	err := sc.Scan(
		&r.ID, &r.CaseID, &r.TransactionID, &r.WalletAddress, &r.Chain,
		&r.Score, &r.Decision, &r.Rule, &playbookID, &r.AgentVersion,
		&r.PayloadHash, &r.Signature, &r.IssuedAt, &r.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	r.PlaybookID = playbookID.String
	return r, nil
}

func requireRow(r *Receipt, err error) (*Receipt, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
