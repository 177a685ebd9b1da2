package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/josephgoksu/rulegate/internal/audit"
)

func TestMachineTransitions(t *testing.T) {
	m := newMachine()
	assert.Equal(t, StatePending, m.state)
	m.advance(StateChecking)
	m.advance(StateBlock)
	assert.Equal(t, StateBlock, m.state)

	m = newMachine()
	m.advance(StateChecking)
	m.advance(StateAllow)
	assert.Equal(t, StateAllow, m.state)
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
	}{
		{"skip checking", []State{StateAllow}},
		{"leave terminal state", []State{StateChecking, StateAllow, StateBlock}},
		{"check twice", []State{StateChecking, StateChecking}},
		{"back to pending", []State{StateChecking, StatePending}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine()
			assert.Panics(t, func() {
				for _, s := range tt.path {
					m.advance(s)
				}
			})
		})
	}
}

func TestVerdictViolations(t *testing.T) {
	v := &Verdict{
		Decision: DecisionBlock,
		Lines: []Line{
			{RuleID: "R-0001", Outcome: audit.VerdictViolated},
			{RuleID: "R-0002", Outcome: audit.VerdictFollowed},
			{RuleID: "R-0003", Outcome: audit.VerdictSkipped},
			{RuleID: "R-0004", Outcome: audit.VerdictViolated},
		},
	}
	assert.True(t, v.Blocked())
	var ids []string
	for _, l := range v.Violations() {
		ids = append(ids, l.RuleID)
	}
	assert.Equal(t, []string{"R-0001", "R-0004"}, ids)
}
