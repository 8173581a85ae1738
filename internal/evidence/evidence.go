// Package evidence records the ordered, append-only trail of agent actions
// taken while investigating one transaction.
//
// A Ledger is owned by a single investigation and is not safe for
// concurrent use. Seal freezes it into a Trace that can be shared freely.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// ErrSealed is returned when appending to a sealed ledger.
var ErrSealed = errors.New("evidence: ledger is sealed")

// Agent names the pipeline stage that produced a step.
type Agent string

const (
	AgentWatcher   Agent = "Watcher"
	AgentDetective Agent = "Detective"
	AgentGuardian  Agent = "Guardian"
	AgentCoach     Agent = "Coach"
)

// Valid reports whether a is one of the known agents.
func (a Agent) Valid() bool {
	switch a {
	case AgentWatcher, AgentDetective, AgentGuardian, AgentCoach:
		return true
	}
	return false
}

// Step is one recorded action.
type Step struct {
	Agent     Agent          `json:"agent"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Ledger accumulates steps for one investigation.
type Ledger struct {
	steps  []Step
	last   time.Time
	sealed bool
	now    func() time.Time
}

// NewLedger returns an empty ledger stamped with the wall clock.
func NewLedger() *Ledger {
	return &Ledger{now: time.Now}
}

// NewLedgerWithClock is NewLedger with an injectable clock.
func NewLedgerWithClock(now func() time.Time) *Ledger {
	return &Ledger{now: now}
}

// Append records a step. Timestamps never go backwards even if the clock does.
func (l *Ledger) Append(agent Agent, action string, details map[string]any) error {
	if l.sealed {
		return ErrSealed
	}
	if !agent.Valid() {
		return fmt.Errorf("evidence: unknown agent %q", agent)
	}
	ts := l.now().UTC()
	if ts.Before(l.last) {
		ts = l.last
	}
	l.last = ts
	l.steps = append(l.steps, Step{
		Agent:     agent,
		Action:    action,
		Timestamp: ts,
		Details:   maps.Clone(details),
	})
	return nil
}

// Len returns the number of steps recorded so far.
func (l *Ledger) Len() int { return len(l.steps) }

// Seal freezes the ledger and returns its trace. Further appends fail.
func (l *Ledger) Seal() Trace {
	l.sealed = true
	return Trace{steps: cloneSteps(l.steps)}
}

// Trace is an immutable, ordered sequence of steps.
type Trace struct {
	steps []Step
}

// Steps returns a copy of the recorded steps.
func (t Trace) Steps() []Step { return cloneSteps(t.steps) }

// Len returns the number of steps.
func (t Trace) Len() int { return len(t.steps) }

// Last returns the final step, if any.
func (t Trace) Last() (Step, bool) {
	if len(t.steps) == 0 {
		return Step{}, false
	}
	s := t.steps[len(t.steps)-1]
	s.Details = maps.Clone(s.Details)
	return s, true
}

// MarshalJSON encodes the trace as a JSON array of steps.
func (t Trace) MarshalJSON() ([]byte, error) {
	if t.steps == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.steps)
}

// UnmarshalJSON decodes a stored trace.
func (t *Trace) UnmarshalJSON(b []byte) error {
	var steps []Step
	if err := json.Unmarshal(b, &steps); err != nil {
		return err
	}
	t.steps = steps
	return nil
}

func cloneSteps(in []Step) []Step {
	out := make([]Step, len(in))
	for i, s := range in {
		s.Details = maps.Clone(s.Details)
		out[i] = s
	}
	return out
}
