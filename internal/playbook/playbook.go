// Package playbook holds learned fraud patterns and matches transactions
// against them.
//
// A playbook is a set of conditions plus a recommended action and a
// confidence. The Library is the shared, mutable collection; screenings
// read an immutable Snapshot of it. The Learner (the Coach agent) is the
// only writer of new or revised playbooks.
package playbook

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/risk"
)

// Errors
var (
	ErrNotFound        = errors.New("playbook: not found")
	ErrInvalidPlaybook = errors.New("playbook: invalid")
)

// Playbook is a learned fraud pattern.
type Playbook struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	Conditions        []Condition   `json:"conditions"`
	RecommendedAction risk.Decision `json:"recommended_action"`
	Confidence        float64       `json:"confidence"`
	DiscoveredBy      string        `json:"discovered_by"`
	CasesMatched      int64         `json:"cases_matched"`
	Active            bool          `json:"active"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Validate checks the playbook and normalizes its conditions into a
// deduplicated, sorted set.
func (p *Playbook) Validate() error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPlaybook)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPlaybook)
	}
	if len(p.Conditions) == 0 {
		return fmt.Errorf("%w: at least one condition is required", ErrInvalidPlaybook)
	}
	if _, ok := risk.ParseDecision(string(p.RecommendedAction)); !ok {
		return fmt.Errorf("%w: unknown recommended action %q", ErrInvalidPlaybook, p.RecommendedAction)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be within [0,1]", ErrInvalidPlaybook)
	}
	if p.CasesMatched < 0 {
		return fmt.Errorf("%w: cases_matched must not be negative", ErrInvalidPlaybook)
	}
	p.Conditions = conditionSet(p.Conditions)
	return nil
}

// Clone returns a deep copy.
func (p *Playbook) Clone() *Playbook {
	cp := *p
	cp.Conditions = slices.Clone(p.Conditions)
	return &cp
}

// Match returns the policy-facing view of the playbook.
func (p *Playbook) Match() *risk.PlaybookMatch {
	return &risk.PlaybookMatch{ID: p.ID, Recommended: p.RecommendedAction, Confidence: p.Confidence}
}

// ConditionStrings returns the canonical text of each condition.
func (p *Playbook) ConditionStrings() []string {
	out := make([]string, len(p.Conditions))
	for i, c := range p.Conditions {
		out[i] = c.String()
	}
	return out
}

// ParseConditions parses a list of textual conditions.
func ParseConditions(raw []string) ([]Condition, error) {
	out := make([]Condition, 0, len(raw))
	for _, r := range raw {
		c, err := ParseCondition(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func conditionSet(in []Condition) []Condition {
	seen := make(map[string]Condition, len(in))
	for _, c := range in {
		seen[c.String()] = c
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]Condition, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}
