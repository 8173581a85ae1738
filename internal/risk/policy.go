package risk

import (
	"fmt"
)

// Rule names, recorded with every decision.
const (
	RulePlaybookBlock = "playbook_block"
	RuleScoreBlock    = "score_block"
	RuleScoreStepUp   = "score_step_up"
	RuleNovelEscalate = "novel_escalate"
	RuleDefaultAllow  = "default_allow"
)

// Input is everything the policy looks at.
type Input struct {
	Score      int
	Sanctioned bool
	Match      *PlaybookMatch // nil when no playbook matched
}

// Verdict is the policy outcome.
type Verdict struct {
	Decision  Decision `json:"decision"`
	Rule      string   `json:"rule"`
	Rationale string   `json:"rationale"`
}

// PolicyRule is one ordered rule. It returns the decision and true when it fires.
type PolicyRule interface {
	Name() string
	Evaluate(in Input, t Thresholds) (Decision, bool)
}

// PolicyEngine applies rules in order; the first that fires wins.
type PolicyEngine struct {
	rules      []PolicyRule
	thresholds Thresholds
}

// NewPolicyEngine builds the standard rule set with the given thresholds.
func NewPolicyEngine(t Thresholds) *PolicyEngine {
	return &PolicyEngine{rules: DefaultRules(), thresholds: t}
}

// NewPolicyEngineWithRules builds an engine from an explicit rule list.
func NewPolicyEngineWithRules(t Thresholds, rules ...PolicyRule) *PolicyEngine {
	return &PolicyEngine{rules: rules, thresholds: t}
}

// Thresholds returns the configured cutoffs.
func (e *PolicyEngine) Thresholds() Thresholds { return e.thresholds }

// Evaluate returns the decision of the first rule that fires.
func (e *PolicyEngine) Evaluate(in Input) (Verdict, error) {
	for _, r := range e.rules {
		if d, ok := r.Evaluate(in, e.thresholds); ok {
			return Verdict{Decision: d, Rule: r.Name(), Rationale: rationale(r.Name(), in)}, nil
		}
	}
	return Verdict{}, ErrInvariantViolation
}

func rationale(rule string, in Input) string {
	pb := "none"
	if in.Match != nil {
		pb = in.Match.ID
	}
	return fmt.Sprintf("rule=%s score=%d sanctioned=%t playbook=%s", rule, in.Score, in.Sanctioned, pb)
}

// DefaultRules returns the standard ordered rule set.
func DefaultRules() []PolicyRule {
	return []PolicyRule{
		playbookBlockRule{},
		scoreBlockRule{},
		scoreStepUpRule{},
		novelEscalateRule{},
		defaultAllowRule{},
	}
}

type playbookBlockRule struct{}

func (playbookBlockRule) Name() string { return RulePlaybookBlock }
func (playbookBlockRule) Evaluate(in Input, t Thresholds) (Decision, bool) {
	m := in.Match
	if in.Score >= t.PlaybookBlock && m != nil && m.Recommended == DecisionBlock && m.Confidence >= t.PlaybookConfidence {
		return DecisionBlock, true
	}
	return "", false
}

type scoreBlockRule struct{}

func (scoreBlockRule) Name() string { return RuleScoreBlock }
func (scoreBlockRule) Evaluate(in Input, t Thresholds) (Decision, bool) {
	return DecisionBlock, in.Score >= t.Block
}

type scoreStepUpRule struct{}

func (scoreStepUpRule) Name() string { return RuleScoreStepUp }
func (scoreStepUpRule) Evaluate(in Input, t Thresholds) (Decision, bool) {
	return DecisionStepUp, in.Score >= t.StepUp
}

// novelEscalateRule sends mid-range scores that no playbook explains to an analyst.
type novelEscalateRule struct{}

func (novelEscalateRule) Name() string { return RuleNovelEscalate }
func (novelEscalateRule) Evaluate(in Input, t Thresholds) (Decision, bool) {
	return DecisionEscalate, in.Score >= t.Escalate && in.Match == nil
}

type defaultAllowRule struct{}

func (defaultAllowRule) Name() string { return RuleDefaultAllow }
func (defaultAllowRule) Evaluate(Input, Thresholds) (Decision, bool) {
	return DecisionAllow, true
}
