package playbook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/signals"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		raw       string
		kind      ConditionKind
		canonical string
	}{
		{"TRM:darknet_market", KindTag, "TRM:darknet_market"},
		{"trm:Mixer Exposure", KindTag, "TRM:mixer_exposure"},
		{"tag:phishing", KindTag, "tag:phishing"},
		{"amount>10000", KindThreshold, "amount>10000"},
		{" tx_count_24h > 20 ", KindThreshold, "tx_count_24h>20"},
		{"hops_from_sanction<=2", KindThreshold, "hops_from_sanction<=2"},
		{"time_since_mix<2h", KindThreshold, "time_since_mix<2"},
		{"time_since_mix<90m", KindThreshold, "time_since_mix<1.5"},
		{"risk_indicator!=0.5", KindThreshold, "risk_indicator!=0.5"},
		{"destination:Exchange", KindAttribute, "destination:exchange"},
		{"velocity_high", KindPredicate, "velocity_high"},
		{"New_Wallet", KindPredicate, "new_wallet"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			c, err := ParseCondition(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.canonical, c.String())
		})
	}
}

func TestParseCondition_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "amount>", "amount>abc", ">5", "TRM:", "bad key:value", "has space", "amount=5"} {
		_, err := ParseCondition(raw)
		assert.ErrorIs(t, err, ErrInvalidPlaybook, "input %q", raw)
	}
}

func TestCondition_JSONRoundTripUsesCanonicalText(t *testing.T) {
	in := []Condition{MustParseCondition("TRM:phishing"), MustParseCondition("amount >= 5000")}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `["TRM:phishing","amount>=5000"]`, string(data))

	var out []Condition
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestCondition_Holds(t *testing.T) {
	a := signals.Assessment{Tags: []string{"mixer_exposure", "phishing"}}
	f := risk.Features{
		Numbers:    map[string]float64{"amount": 12000, "time_since_mix": 1.5},
		Flags:      map[string]bool{"new_wallet": true, "velocity_high": false},
		Attributes: map[string]string{"destination": "exchange"},
	}

	holds := map[string]bool{
		"TRM:mixer_exposure":    true,
		"TRM:darknet_market":    false,
		"amount>10000":          true,
		"amount<=10000":         false,
		"amount==12000":         true,
		"amount!=12000":         false,
		"time_since_mix<2h":     true,
		"time_since_mix<60m":    false,
		"hops_from_sanction<=2": false, // unknown feature
		"destination:exchange":  true,
		"destination:wallet":    false,
		"channel:web":           false, // unknown attribute
		"new_wallet":            true,
		"velocity_high":         false,
		"multiple_sources":      false,
	}
	for raw, want := range holds {
		assert.Equal(t, want, MustParseCondition(raw).Holds(a, f), raw)
	}
}

func TestPlaybookValidate_NormalizesConditionSet(t *testing.T) {
	pb := &Playbook{
		ID:                "pb_x",
		Name:              "x",
		Conditions:        mustConditions("velocity_high", "TRM:phishing", "trm:Phishing", "amount>5"),
		RecommendedAction: risk.DecisionBlock,
		Confidence:        0.9,
	}
	require.NoError(t, pb.Validate())
	assert.Equal(t, []string{"TRM:phishing", "amount>5", "velocity_high"}, pb.ConditionStrings())
}

func TestPlaybookValidate_Rejects(t *testing.T) {
	base := func() *Playbook {
		return &Playbook{
			ID:                "pb_x",
			Name:              "x",
			Conditions:        mustConditions("velocity_high"),
			RecommendedAction: risk.DecisionBlock,
			Confidence:        0.9,
		}
	}
	cases := map[string]func(*Playbook){
		"missing id":         func(p *Playbook) { p.ID = " " },
		"missing name":       func(p *Playbook) { p.Name = "" },
		"no conditions":      func(p *Playbook) { p.Conditions = nil },
		"unknown action":     func(p *Playbook) { p.RecommendedAction = "DENY" },
		"confidence too big": func(p *Playbook) { p.Confidence = 1.2 },
		"negative matches":   func(p *Playbook) { p.CasesMatched = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			pb := base()
			mutate(pb)
			assert.ErrorIs(t, pb.Validate(), ErrInvalidPlaybook)
		})
	}
}
