package playbook

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/sentinel/internal/risk"
)

const day = 24 * time.Hour

// DefaultPlaybooks returns the built-in playbooks, dated relative to now.
func DefaultPlaybooks(now time.Time) []*Playbook {
	return []*Playbook{
		{
			ID:                "pb_darkweb_001",
			Name:              "Darknet Test-Tx Pattern",
			Description:       "Many small darknet-linked test transactions before a large cash-out",
			Conditions:        mustConditions("TRM:darknet_market", "amount<100", "tx_count_24h>20", "velocity_high"),
			RecommendedAction: risk.DecisionBlock,
			Confidence:        0.94,
			DiscoveredBy:      "Coach Agent",
			CasesMatched:      37,
			Active:            true,
			CreatedAt:         now.Add(-3 * day),
		},
		{
			ID:                "pb_mixer_002",
			Name:              "Mixer Exit Pattern",
			Description:       "Funds leaving a mixer with laundering-consistent timing",
			Conditions:        mustConditions("TRM:mixer_exposure", "time_since_mix<2h", "amount>10000", "new_wallet"),
			RecommendedAction: risk.DecisionStepUp,
			Confidence:        0.87,
			DiscoveredBy:      "Coach Agent",
			CasesMatched:      52,
			Active:            true,
			CreatedAt:         now.Add(-7 * day),
		},
		{
			ID:                "pb_phish_003",
			Name:              "Phishing Cash-Out Sequence",
			Description:       "Rapid transfers from phishing-linked wallets to exchanges",
			Conditions:        mustConditions("TRM:phishing", "destination:exchange", "velocity_spike", "multiple_sources"),
			RecommendedAction: risk.DecisionBlock,
			Confidence:        0.91,
			DiscoveredBy:      "Coach Agent",
			CasesMatched:      28,
			Active:            true,
			CreatedAt:         now.Add(-5 * day),
		},
		{
			ID:                "pb_sanction_004",
			Name:              "Sanctioned Entity Proximity",
			Description:       "Transactions within 2 hops of sanctioned addresses",
			Conditions:        mustConditions("TRM:sanctioned_counterparty", "hops_from_sanction<=2", "amount>5000"),
			RecommendedAction: risk.DecisionEscalate,
			Confidence:        0.96,
			DiscoveredBy:      "Coach Agent",
			CasesMatched:      15,
			Active:            true,
			CreatedAt:         now.Add(-12 * day),
		},
	}
}

func mustConditions(raw ...string) []Condition {
	out := make([]Condition, len(raw))
	for i, r := range raw {
		out[i] = MustParseCondition(r)
	}
	return out
}

// seedFile is the YAML layout of a playbooks file.
type seedFile struct {
	Playbooks []seedPlaybook `yaml:"playbooks"`
}

type seedPlaybook struct {
	ID                string    `yaml:"id"`
	Name              string    `yaml:"name"`
	Description       string    `yaml:"description"`
	Conditions        []string  `yaml:"conditions"`
	RecommendedAction string    `yaml:"recommended_action"`
	Confidence        float64   `yaml:"confidence"`
	DiscoveredBy      string    `yaml:"discovered_by"`
	CasesMatched      int64     `yaml:"cases_matched"`
	Active            *bool     `yaml:"active"`
	CreatedAt         time.Time `yaml:"created_at"`
}

// LoadFile reads playbooks from a YAML file. Playbooks default to active.
func LoadFile(path string) ([]*Playbook, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses the playbooks file format.
func ParseYAML(data []byte) ([]*Playbook, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse playbooks: %w", err)
	}

	out := make([]*Playbook, 0, len(f.Playbooks))
	for _, sp := range f.Playbooks {
		conds, err := ParseConditions(sp.Conditions)
		if err != nil {
			return nil, fmt.Errorf("playbook %s: %w", sp.ID, err)
		}
		action, ok := risk.ParseDecision(sp.RecommendedAction)
		if !ok {
			return nil, fmt.Errorf("%w: playbook %s: unknown recommended_action %q", ErrInvalidPlaybook, sp.ID, sp.RecommendedAction)
		}
		pb := &Playbook{
			ID:                sp.ID,
			Name:              sp.Name,
			Description:       sp.Description,
			Conditions:        conds,
			RecommendedAction: action,
			Confidence:        sp.Confidence,
			DiscoveredBy:      sp.DiscoveredBy,
			CasesMatched:      sp.CasesMatched,
			Active:            sp.Active == nil || *sp.Active,
			CreatedAt:         sp.CreatedAt,
		}
		if pb.DiscoveredBy == "" {
			pb.DiscoveredBy = "seed"
		}
		if err := pb.Validate(); err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, nil
}
