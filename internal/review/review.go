// Package review projects a case's persisted state onto the single question
// an operator cares about: is anyone waiting on me?
package review

import (
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/proposal"
)

// State is the projected review state. It is never stored.
type State string

const (
	StateDecisionRequired State = "DECISION_REQUIRED"
	StateDecisionApplying State = "DECISION_APPLYING"
	StateProcessing       State = "PROCESSING"
	StateWaitingAgency    State = "WAITING_AGENCY"
	StateIdle             State = "IDLE"
)

// Snapshot is everything the projection reads. ProposalStatus is empty when
// the case has no active proposal.
type Snapshot struct {
	CaseStatus     cases.Status
	RequiresHuman  bool
	ProposalStatus proposal.Status
	RunActive      bool
}

// Result is the projected state plus any inconsistency noticed on the way.
type Result struct {
	State        State  `json:"state"`
	Inconsistent bool   `json:"inconsistent,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Resolve maps a snapshot to exactly one State. First match wins:
// a proposal awaiting a human, a received decision being applied by a live
// run, a live run on an unflagged case, a human-flagged case, a case waiting
// on the agency, and otherwise idle.
func Resolve(s Snapshot) Result {
	if s.ProposalStatus.AwaitsHuman() {
		return Result{State: StateDecisionRequired}
	}
	if s.ProposalStatus == proposal.StatusDecisionReceived && s.RunActive {
		return Result{State: StateDecisionApplying}
	}
	flagged := s.RequiresHuman || s.CaseStatus.NeedsHuman()
	if s.RunActive && !flagged {
		return Result{State: StateProcessing}
	}
	if flagged {
		r := Result{State: StateDecisionRequired}
		if s.ProposalStatus == proposal.StatusDecisionReceived && !s.RunActive {
			r.Inconsistent = true
			r.Detail = "decision received but no run is applying it"
		}
		return r
	}
	if s.CaseStatus.WaitingOnAgency() {
		return Result{State: StateWaitingAgency}
	}
	return Result{State: StateIdle}
}
