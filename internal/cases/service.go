package cases

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/activity"
	"github.com/mbd888/sentinel/internal/evidence"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/pagination"
	"github.com/mbd888/sentinel/internal/vault"
)

// Detokenizer reverses vault tokens for an accessor.
type Detokenizer interface {
	Detokenize(ctx context.Context, tokens map[string]string, accessor vault.Accessor) (map[string]string, error)
}

// LabelNotifier is told when an analyst labels a case.
type LabelNotifier interface {
	EmitCaseLabelled(ctx context.Context, caseID, transactionID, label, decision, analystID string)
}

// Service wraps the store with labelling and audited PII review.
type Service struct {
	store     Store
	vault     Detokenizer
	publisher activity.Publisher
	notifier  LabelNotifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a case service. publisher may be nil.
func NewService(store Store, vault Detokenizer, publisher activity.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, vault: vault, publisher: publisher, logger: logger, now: time.Now}
}

// SetNotifier registers a label notifier.
func (s *Service) SetNotifier(n LabelNotifier) { s.notifier = n }

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Record persists a new case, assigning an ID and timestamp when missing.
func (s *Service) Record(ctx context.Context, c *Case) error {
	if c.ID == "" {
		c.ID = idgen.Case()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if err := s.store.Create(ctx, c); err != nil {
		return fmt.Errorf("create case: %w", err)
	}
	return nil
}

// Get returns one case.
func (s *Service) Get(ctx context.Context, id string) (*Case, error) {
	return s.store.Get(ctx, id)
}

// Label records analyst ground truth on a case.
func (s *Service) Label(ctx context.Context, id string, label Label, notes, analystID string) (*Case, error) {
	c, err := s.store.SetLabel(ctx, id, label, notes, analystID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("case labelled", "case", id, "label", label, "decision", c.Decision, "analyst", analystID)
	if s.publisher != nil {
		s.publisher.Publish(activity.Event{
			Agent:         evidence.AgentCoach,
			Action:        fmt.Sprintf("Received %s label for case %s", label, id),
			TransactionID: c.TransactionID,
			Details:       map[string]any{"decision": c.Decision, "analyst": analystID},
		})
	}
	if s.notifier != nil {
		s.notifier.EmitCaseLabelled(ctx, c.ID, c.TransactionID, string(label), string(c.Decision), analystID)
	}
	return c, nil
}

// ExportLabelled pages through labelled cases created at or after since,
// newest first, until limit cases are collected.
func (s *Service) ExportLabelled(ctx context.Context, since time.Time, limit int) ([]*Case, error) {
	const pageSize = 200
	f := ListFilter{LabelledOnly: true, Since: since, Limit: pageSize}
	var out []*Case
	for len(out) < limit {
		items, err := s.store.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("export labelled cases: %w", err)
		}
		if len(items) <= pageSize {
			out = append(out, items...)
			break
		}
		items = items[:pageSize]
		out = append(out, items...)
		last := items[pageSize-1]
		f.Cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reveal detokenizes the requested PII fields of a case (all fields when
// none are named) for an analyst. Every call is audited by the vault.
func (s *Service) Reveal(ctx context.Context, id string, fields []string, analystID, reason string) (map[string]string, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	tokens := make(map[string]string)
	if len(fields) == 0 {
		tokens = c.Tokens.Values()
	} else {
		for _, f := range fields {
			f = strings.ToLower(strings.TrimSpace(f))
			tok, ok := c.Tokens[f]
			if !ok {
				return nil, fmt.Errorf("%w: case has no %s token", vault.ErrUnknownToken, f)
			}
			tokens[f] = tok.Value
		}
	}

	accessor := vault.Analyst(analystID, reason)
	accessor.CaseID = id
	return s.vault.Detokenize(ctx, tokens, accessor)
}
