// Package gate turns a ranked rule list into a tiered verdict: it runs the
// deterministic check attached to each critical and advisory rule, decides
// ALLOW or BLOCK, and hands the outcome to the audit log.
package gate

import (
	"fmt"
	"time"

	"github.com/josephgoksu/rulegate/internal/audit"
	"github.com/josephgoksu/rulegate/internal/session"
)

// Decision is the overall result of an evaluation.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionBlock Decision = "BLOCK"
)

// State is a step of the per-evaluation state machine
// PENDING -> CHECKING -> ALLOW | BLOCK.
type State string

const (
	StatePending  State = "PENDING"
	StateChecking State = "CHECKING"
	StateAllow    State = "ALLOW"
	StateBlock    State = "BLOCK"
)

var transitions = map[State][]State{
	StatePending:  {StateChecking},
	StateChecking: {StateAllow, StateBlock},
}

// machine enforces the evaluation state machine. An invalid transition is a
// programming error and panics.
type machine struct {
	state State
}

func newMachine() *machine {
	return &machine{state: StatePending}
}

func (m *machine) advance(to State) {
	for _, next := range transitions[m.state] {
		if next == to {
			m.state = to
			return
		}
	}
	panic(fmt.Sprintf("gate: invalid state transition %s -> %s", m.state, to))
}

// Tier is how a verdict line is surfaced to the caller.
type Tier string

const (
	TierBlock  Tier = "block"
	TierWarn   Tier = "warn"
	TierInform Tier = "inform"
)

// BannerNotPersisted is added to Verdict.Warnings when the registry or the
// audit log could not be written.
const BannerNotPersisted = "compliance history not persisted"

// Line is one rule's entry in a verdict.
type Line struct {
	RuleID          string        `json:"ruleId"`
	Section         string        `json:"section"`
	AlertLevel      string        `json:"alertLevel"`
	Tier            Tier          `json:"tier"`
	Message         string        `json:"message"`
	SuggestedAction string        `json:"suggestedAction,omitempty"`
	Outcome         audit.Verdict `json:"outcome"`
	Score           float64       `json:"score"`
	Check           string        `json:"check,omitempty"`
	Note            string        `json:"note,omitempty"`
}

// Verdict is the gate's answer for one pending action.
type Verdict struct {
	EvaluationID string          `json:"evaluationId"`
	SessionID    string          `json:"sessionId"`
	Decision     Decision        `json:"decision"`
	State        State           `json:"state"`
	Lines        []Line          `json:"lines"`
	Warnings     []string        `json:"warnings,omitempty"`
	Context      session.Context `json:"context"`
	EvaluatedAt  time.Time       `json:"evaluatedAt"`
	Duration     time.Duration   `json:"duration"`
}

// Blocked reports whether the action must not proceed.
func (v *Verdict) Blocked() bool {
	return v.Decision == DecisionBlock
}

// Violations returns the lines whose check failed.
func (v *Verdict) Violations() []Line {
	var out []Line
	for _, l := range v.Lines {
		if l.Outcome == audit.VerdictViolated {
			out = append(out, l)
		}
	}
	return out
}

// OverrideResult is returned by Gate.Override.
type OverrideResult struct {
	EvaluationID string    `json:"evaluationId"`
	Decision     Decision  `json:"decision"`
	Overridden   []string  `json:"overridden"`
	Reason       string    `json:"reason"`
	OverriddenAt time.Time `json:"overriddenAt"`
	Warnings     []string  `json:"warnings,omitempty"`
}
