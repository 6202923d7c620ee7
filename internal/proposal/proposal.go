// Package proposal holds the action a run wants to take on a case until it
// executes or a human decides otherwise.
package proposal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dativo-io/casepilot/internal/cases"
)

var (
	ErrProposalNotFound   = errors.New("proposal not found")
	ErrProposalNotPending = errors.New("proposal is not awaiting a decision")
	ErrActiveProposal     = errors.New("case already has an active proposal")
	ErrNoDecision         = errors.New("no unconsumed human decision")
)

// Status is the lifecycle state of a proposal.
type Status string

const (
	StatusPendingApproval  Status = "PENDING_APPROVAL"
	StatusBlocked          Status = "BLOCKED"
	StatusDecisionReceived Status = "DECISION_RECEIVED"
	StatusExecuted         Status = "EXECUTED"
	StatusDismissed        Status = "DISMISSED"
	StatusWithdrawn        Status = "WITHDRAWN"
	StatusFailed           Status = "FAILED"
)

// IsTerminal reports whether the proposal can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusDismissed, StatusWithdrawn, StatusFailed:
		return true
	}
	return false
}

// AwaitsHuman reports whether the proposal is waiting for a HumanDecision.
func (s Status) AwaitsHuman() bool {
	return s == StatusPendingApproval || s == StatusBlocked
}

// DecisionAction is what a reviewer chose.
type DecisionAction string

const (
	DecisionApprove  DecisionAction = "APPROVE"
	DecisionAdjust   DecisionAction = "ADJUST"
	DecisionDismiss  DecisionAction = "DISMISS"
	DecisionWithdraw DecisionAction = "WITHDRAW"
)

// ParseDecisionAction accepts any casing.
func ParseDecisionAction(s string) (DecisionAction, error) {
	switch a := DecisionAction(strings.ToUpper(strings.TrimSpace(s))); a {
	case DecisionApprove, DecisionAdjust, DecisionDismiss, DecisionWithdraw:
		return a, nil
	}
	return "", fmt.Errorf("unknown decision %q (want APPROVE, ADJUST, DISMISS or WITHDRAW)", s)
}

// HumanDecision is a reviewer's answer to a proposal. It is consumed exactly
// once when the run resumes.
type HumanDecision struct {
	Action      DecisionAction `json:"action"`
	Instruction string         `json:"instruction,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	DecidedAt   time.Time      `json:"decided_at"`
}

// Proposal is a drafted action awaiting execution or review.
type Proposal struct {
	ID             string           `json:"id"`
	CaseID         string           `json:"case_id"`
	RunID          string           `json:"run_id,omitempty"`
	ActionType     cases.ActionType `json:"action_type"`
	Subject        string           `json:"subject,omitempty"`
	Body           string           `json:"body,omitempty"`
	Reasoning      []string         `json:"reasoning"`
	Confidence     float64          `json:"confidence"`
	RiskFlags      []string         `json:"risk_flags"`
	Warnings       []string         `json:"warnings"`
	CanAutoExecute bool             `json:"can_auto_execute"`
	Status         Status           `json:"status"`
	Adjustments    int              `json:"adjustments"`
	Decision       *HumanDecision   `json:"decision,omitempty"`
	OutboundID     string           `json:"outbound_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
