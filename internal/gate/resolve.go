package gate

import (
	"fmt"

	"github.com/dativo-io/casepilot/internal/proposal"
)

// Step is what the run controller does with a human decision.
type Step string

const (
	StepExecute  Step = "execute"
	StepRedraft  Step = "redraft"
	StepDismiss  Step = "dismiss"
	StepWithdraw Step = "withdraw"
	StepEscalate Step = "escalate"
)

// Resolution is the step plus what it needs.
type Resolution struct {
	Step        Step
	Instruction string
	Reason      string
}

// Resolve maps a decision on p to the next step. APPROVE executes the draft
// as is, ADJUST re-drafts with the instruction until maxAdjustments have been
// used up, after which the case escalates. DISMISS and WITHDRAW end the
// proposal; WITHDRAW also closes the case.
func Resolve(p *proposal.Proposal, d proposal.HumanDecision, maxAdjustments int) (Resolution, error) {
	switch d.Action {
	case proposal.DecisionApprove:
		return Resolution{Step: StepExecute, Reason: "approved by " + decidedBy(d)}, nil
	case proposal.DecisionAdjust:
		if p.Adjustments >= maxAdjustments {
			return Resolution{
				Step:   StepEscalate,
				Reason: fmt.Sprintf("adjustment limit %d reached", maxAdjustments),
			}, nil
		}
		return Resolution{Step: StepRedraft, Instruction: d.Instruction, Reason: "adjustment requested by " + decidedBy(d)}, nil
	case proposal.DecisionDismiss:
		return Resolution{Step: StepDismiss, Reason: "dismissed by " + decidedBy(d)}, nil
	case proposal.DecisionWithdraw:
		return Resolution{Step: StepWithdraw, Reason: "withdrawn by " + decidedBy(d)}, nil
	}
	return Resolution{}, fmt.Errorf("unknown decision %q", d.Action)
}

func decidedBy(d proposal.HumanDecision) string {
	if d.DecidedBy == "" {
		return "reviewer"
	}
	return d.DecidedBy
}
