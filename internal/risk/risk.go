// Package risk turns a merged signal assessment into a score and a decision.
//
// The Scorer maps provider intelligence onto a 0–100 scale with a sanction
// floor. The PolicyEngine applies ordered, first-match-wins rules to the
// score and the best playbook match. Both are pure: the same inputs always
// yield the same decision and rationale.
package risk

import (
	"errors"
)

// ErrInvariantViolation means no policy rule fired. The rule set ends with
// an unconditional default, so this indicates a programming error.
var ErrInvariantViolation = errors.New("risk: no policy rule matched")

// Decision is the action recommended for a transaction.
type Decision string

const (
	DecisionAllow    Decision = "ALLOW"
	DecisionStepUp   Decision = "STEP_UP"
	DecisionBlock    Decision = "BLOCK"
	DecisionEscalate Decision = "ESCALATE"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, bool) {
	switch d := Decision(s); d {
	case DecisionAllow, DecisionStepUp, DecisionBlock, DecisionEscalate:
		return d, true
	}
	return "", false
}

// Severity orders decisions for reporting only: BLOCK > ESCALATE > STEP_UP > ALLOW.
func (d Decision) Severity() int {
	switch d {
	case DecisionBlock:
		return 3
	case DecisionEscalate:
		return 2
	case DecisionStepUp:
		return 1
	default:
		return 0
	}
}

// PlaybookMatch is the slice of a matched playbook the policy needs.
type PlaybookMatch struct {
	ID          string
	Recommended Decision
	Confidence  float64
}

// Thresholds are the score cutoffs on the 0–100 scale.
type Thresholds struct {
	PlaybookBlock      int     // score needed to trust a playbook BLOCK
	PlaybookConfidence float64 // playbook confidence needed for a playbook BLOCK
	Block              int
	StepUp             int
	Escalate           int // novel patterns at or above this go to a human
}

// DefaultThresholds returns the canonical cutoffs: 90/0.85, 85, 70, 60.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PlaybookBlock:      90,
		PlaybookConfidence: 0.85,
		Block:              85,
		StepUp:             70,
		Escalate:           60,
	}
}
