package playbook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/sentinel/internal/activity"
	"github.com/mbd888/sentinel/internal/evidence"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/risk"
)

// Proposal is a new or revised playbook offered to the Learner.
type Proposal struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Conditions        []string `json:"conditions"`
	RecommendedAction string   `json:"recommended_action"`
	Confidence        float64  `json:"confidence"`
	CasesMatched      int64    `json:"cases_matched"`
}

// Learner is the Coach agent: the only writer of learned playbooks.
type Learner struct {
	library   *Library
	publisher activity.Publisher
	logger    *slog.Logger
}

// NewLearner creates a Learner. publisher may be nil.
func NewLearner(library *Library, publisher activity.Publisher, logger *slog.Logger) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{library: library, publisher: publisher, logger: logger}
}

// Propose validates p and adds or updates the matching playbook.
func (l *Learner) Propose(ctx context.Context, p Proposal) (*Playbook, error) {
	conds, err := ParseConditions(p.Conditions)
	if err != nil {
		return nil, err
	}
	action, ok := risk.ParseDecision(p.RecommendedAction)
	if !ok {
		return nil, fmt.Errorf("%w: unknown recommended action %q", ErrInvalidPlaybook, p.RecommendedAction)
	}

	id := p.ID
	created := id == ""
	if created {
		id = idgen.WithPrefix(idgen.PrefixPlaybook)
	} else if _, err := l.library.Get(id); err != nil {
		created = true
	}

	pb, err := l.library.Upsert(ctx, &Playbook{
		ID:                id,
		Name:              p.Name,
		Description:       p.Description,
		Conditions:        conds,
		RecommendedAction: action,
		Confidence:        p.Confidence,
		DiscoveredBy:      "Coach Agent",
		CasesMatched:      p.CasesMatched,
		Active:            true,
	})
	if err != nil {
		return nil, err
	}

	verb := "Updated"
	if created {
		verb = "Created"
	}
	l.logger.Info("playbook learned", "playbook", pb.ID, "created", created, "confidence", pb.Confidence)
	if l.publisher != nil {
		l.publisher.Publish(activity.Event{
			Agent:  evidence.AgentCoach,
			Action: verb + " playbook " + pb.ID,
			Details: map[string]any{
				"playbook":   pb.Name,
				"confidence": pb.Confidence,
				"conditions": pb.ConditionStrings(),
			},
		})
	}
	return pb, nil
}
