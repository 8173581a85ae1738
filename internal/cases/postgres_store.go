package cases

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/vault"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists cases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed case store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const caseColumns = `id, transaction_id, wallet_address, chain, amount, currency, channel,
	score, decision, rule, rationale, playbook_id, tags, tokens, evidence, agent_version,
	ground_truth, analyst_notes, labelled_by, labelled_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, c *Case) error {
	tagList := c.Tags
	if tagList == nil {
		tagList = []string{}
	}
	tags, err := json.Marshal(tagList)
	if err != nil {
		return err
	}
	tokenSet := c.Tokens
	if tokenSet == nil {
		tokenSet = vault.TokenSet{}
	}
	tokens, err := json.Marshal(tokenSet)
	if err != nil {
		return err
	}
	trace, err := json.Marshal(c.Evidence)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO cases (
			id, transaction_id, wallet_address, chain, amount, currency, channel,
			score, decision, rule, rationale, playbook_id, tags, tokens, evidence,
			agent_version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.TransactionID, c.WalletAddress, c.Chain, c.Amount.String(), c.Currency, nullString(c.Channel),
		c.Score, string(c.Decision), c.Rule, c.Rationale, nullString(c.PlaybookID), tags, tokens, trace,
		c.AgentVersion, c.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Case, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Case, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Decision != "" {
		where = append(where, "decision = "+arg(string(f.Decision)))
	}
	if f.Wallet != "" {
		where = append(where, "LOWER(wallet_address) = LOWER("+arg(f.Wallet)+")")
	}
	if f.AgentVersion != "" {
		where = append(where, "agent_version = "+arg(f.AgentVersion))
	}
	if f.LabelledOnly {
		where = append(where, "ground_truth IS NOT NULL")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= "+arg(f.Since))
	}
	if f.Cursor != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(f.Cursor.CreatedAt), arg(f.Cursor.ID)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetLabel(ctx context.Context, id string, label Label, notes, by string, at time.Time) (*Case, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE cases
		SET ground_truth = $2, analyst_notes = $3, labelled_by = $4, labelled_at = $5
		WHERE id = $1
		RETURNING `+caseColumns,
		id, string(label), nullString(notes), by, at.UTC(),
	)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) Stats(ctx context.Context, agentVersion string) (Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT decision,
		       COALESCE(ground_truth, ''),
		       jsonb_array_length(tags) > 0 AS tagged,
		       COUNT(*),
		       COALESCE(SUM(amount), 0)
		FROM cases
		WHERE ($1 = '' OR agent_version = $1)
		GROUP BY 1, 2, 3`, agentVersion)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = rows.Close() }()

	s := newStats(agentVersion)
	for rows.Next() {
		var (
			decision, label string
			tagged          bool
			n               int64
			amount          string
		)
		if err := rows.Scan(&decision, &label, &tagged, &n, &amount); err != nil {
			return Stats{}, err
		}
		sum, err := decimal.NewFromString(amount)
		if err != nil {
			return Stats{}, fmt.Errorf("parse amount sum: %w", err)
		}
		s.addGroup(risk.Decision(decision), Label(label), tagged, n, sum)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	s.finish()
	return s, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(sc scanner) (*Case, error) {
	c := &Case{}
	var (
		amount, decision                        string
		channel, playbookID, groundTruth, notes sql.NullString
		labelledBy                              sql.NullString
		labelledAt                              sql.NullTime
		tags, tokens, trace                     []byte
	)
	err := sc.Scan(
		&c.ID, &c.TransactionID, &c.WalletAddress, &c.Chain, &amount, &c.Currency, &channel,
		&c.Score, &decision, &c.Rule, &c.Rationale, &playbookID, &tags, &tokens, &trace, &c.AgentVersion,
		&groundTruth, &notes, &labelledBy, &labelledAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if c.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount of %s: %w", c.ID, err)
	}
	c.Decision = risk.Decision(decision)
	c.Channel = channel.String
	c.PlaybookID = playbookID.String
	c.GroundTruth = Label(groundTruth.String)
	c.AnalystNotes = notes.String
	c.LabelledBy = labelledBy.String
	if labelledAt.Valid {
		t := labelledAt.Time
		c.LabelledAt = &t
	}
	if err := json.Unmarshal(tags, &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(tokens, &c.Tokens); err != nil {
		return nil, fmt.Errorf("decode tokens of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(trace, &c.Evidence); err != nil {
		return nil, fmt.Errorf("decode evidence of %s: %w", c.ID, err)
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
