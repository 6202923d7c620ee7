package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/casepilot/internal/proposal"
)

func TestResolve(t *testing.T) {
	p := &proposal.Proposal{Adjustments: 1}
	tests := []struct {
		name     string
		decision proposal.HumanDecision
		max      int
		want     Step
	}{
		{"approve", proposal.HumanDecision{Action: proposal.DecisionApprove, DecidedBy: "ana"}, 3, StepExecute},
		{"adjust within bound", proposal.HumanDecision{Action: proposal.DecisionAdjust, Instruction: "shorter"}, 3, StepRedraft},
		{"adjust at bound", proposal.HumanDecision{Action: proposal.DecisionAdjust}, 1, StepEscalate},
		{"dismiss", proposal.HumanDecision{Action: proposal.DecisionDismiss}, 3, StepDismiss},
		{"withdraw", proposal.HumanDecision{Action: proposal.DecisionWithdraw}, 3, StepWithdraw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Resolve(p, tt.decision, tt.max)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Step)
			assert.NotEmpty(t, r.Reason)
		})
	}

	r, err := Resolve(p, proposal.HumanDecision{Action: proposal.DecisionAdjust, Instruction: "cite the statute"}, 3)
	require.NoError(t, err)
	assert.Equal(t, "cite the statute", r.Instruction)

	r, err = Resolve(&proposal.Proposal{}, proposal.HumanDecision{Action: proposal.DecisionAdjust}, 0)
	require.NoError(t, err)
	assert.Equal(t, StepEscalate, r.Step, "a zero adjustment limit allows no redraft")

	_, err = Resolve(p, proposal.HumanDecision{Action: "SHRUG"}, 3)
	assert.Error(t, err)
}
