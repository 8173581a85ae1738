// Package cases persists the reviewable record of every investigation.
//
// A Case never holds plaintext PII: only vault tokens, the wallet, the
// decision and its evidence. Analysts attach ground-truth labels, which
// drive the false positive / false negative statistics.
package cases

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/evidence"
	"github.com/mbd888/sentinel/internal/pagination"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/vault"
)

var (
	ErrNotFound     = errors.New("cases: not found")
	ErrInvalidLabel = errors.New("cases: label must be FRAUD or CLEAN")
)

// Label is analyst-confirmed ground truth.
type Label string

const (
	LabelFraud Label = "FRAUD"
	LabelClean Label = "CLEAN"
)

// ParseLabel validates a label string.
func ParseLabel(s string) (Label, error) {
	switch l := Label(s); l {
	case LabelFraud, LabelClean:
		return l, nil
	}
	return "", ErrInvalidLabel
}

// Case is the stored outcome of one investigation.
type Case struct {
	ID            string          `json:"case_id"`
	TransactionID string          `json:"transaction_id"`
	WalletAddress string          `json:"wallet_address"`
	Chain         string          `json:"chain"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Channel       string          `json:"channel,omitempty"`
	Score         int             `json:"score"`
	Decision      risk.Decision   `json:"decision"`
	Rule          string          `json:"rule"`
	Rationale     string          `json:"rationale"`
	PlaybookID    string          `json:"playbook_id,omitempty"`
	Tags          []string        `json:"tags"`
	Tokens        vault.TokenSet  `json:"tokens,omitempty"`
	Evidence      evidence.Trace  `json:"evidence"`
	AgentVersion  string          `json:"agent_version"`
	GroundTruth   Label           `json:"ground_truth,omitempty"`
	AnalystNotes  string          `json:"analyst_notes,omitempty"`
	LabelledBy    string          `json:"labelled_by,omitempty"`
	LabelledAt    *time.Time      `json:"labelled_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// HasPlaceholderTokens reports whether any PII field fell back to a
// placeholder token.
func (c *Case) HasPlaceholderTokens() bool {
	return c.Tokens.Placeholders() > 0
}

// ListFilter narrows List results.
type ListFilter struct {
	Decision     risk.Decision
	Wallet       string
	AgentVersion string
	// LabelledOnly keeps cases that carry analyst ground truth.
	LabelledOnly bool
	// Since drops cases created before it. Zero means no bound.
	Since  time.Time
	Cursor *pagination.Cursor
	Limit  int
}

// Store persists cases.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, id string) (*Case, error)
	// List returns up to Limit+1 cases newest first, so callers can page.
	List(ctx context.Context, f ListFilter) ([]*Case, error)
	SetLabel(ctx context.Context, id string, label Label, notes, by string, at time.Time) (*Case, error)
	Stats(ctx context.Context, agentVersion string) (Stats, error)
}

// Stats summarizes decisions and their accuracy against ground truth.
type Stats struct {
	AgentVersion      string                  `json:"agent_version,omitempty"`
	TotalCases        int64                   `json:"total_cases"`
	ByDecision        map[risk.Decision]int64 `json:"by_decision"`
	Labelled          int64                   `json:"labelled"`
	FalsePositives    int64                   `json:"false_positives"`
	FalseNegatives    int64                   `json:"false_negatives"`
	FalsePositiveRate float64                 `json:"false_positive_rate"`
	FalseNegativeRate float64                 `json:"false_negative_rate"`
	LossPrevented     decimal.Decimal         `json:"loss_prevented"`
	SignalUtilization float64                 `json:"signal_utilization"`

	withTags int64
}

// newStats returns a Stats with every decision present.
func newStats(agentVersion string) Stats {
	return Stats{
		AgentVersion: agentVersion,
		ByDecision: map[risk.Decision]int64{
			risk.DecisionAllow:    0,
			risk.DecisionStepUp:   0,
			risk.DecisionBlock:    0,
			risk.DecisionEscalate: 0,
		},
		LossPrevented: decimal.Zero,
	}
}

// add folds one case into the totals.
func (s *Stats) add(c *Case) {
	s.addGroup(c.Decision, c.GroundTruth, len(c.Tags) > 0, 1, c.Amount)
}

// addGroup folds n cases sharing a decision, label and tag presence. A
// false positive is a non-ALLOW decision on a case labelled CLEAN; a false
// negative is an ALLOW on a case labelled FRAUD. amount is the group's
// total amount.
func (s *Stats) addGroup(d risk.Decision, label Label, tagged bool, n int64, amount decimal.Decimal) {
	s.TotalCases += n
	s.ByDecision[d] += n
	if tagged {
		s.withTags += n
	}
	switch label {
	case LabelClean:
		s.Labelled += n
		if d != risk.DecisionAllow {
			s.FalsePositives += n
		}
	case LabelFraud:
		s.Labelled += n
		switch d {
		case risk.DecisionAllow:
			s.FalseNegatives += n
		case risk.DecisionBlock:
			s.LossPrevented = s.LossPrevented.Add(amount)
		}
	}
}

// finish derives the rates, as percentages rounded to one decimal.
func (s *Stats) finish() {
	s.FalsePositiveRate = percent(s.FalsePositives, s.Labelled)
	s.FalseNegativeRate = percent(s.FalseNegatives, s.Labelled)
	s.SignalUtilization = percent(s.withTags, s.TotalCases)
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*1000) / 10
}
