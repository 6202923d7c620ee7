// Package gate decides whether a proposal may execute on its own, and how a
// human decision on a held proposal is applied.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/casepilot/internal/cases"
	cpotel "github.com/dativo-io/casepilot/internal/otel"
	"github.com/dativo-io/casepilot/internal/policy"
	"github.com/dativo-io/casepilot/internal/proposal"
)

var tracer = cpotel.Tracer("github.com/dativo-io/casepilot/internal/gate")

// ErrPolicyViolation is returned when the gate module would let an
// always-gated action execute without a human.
var ErrPolicyViolation = errors.New("policy violation: gated action cleared for auto-execution")

// Outcome is the gate's verdict on a freshly built proposal.
type Outcome string

const (
	OutcomeAutoExecute     Outcome = "AUTO_EXECUTE"
	OutcomePendingApproval Outcome = "PENDING_APPROVAL"
	OutcomeBlocked         Outcome = "BLOCKED"
)

// ProposalStatus is the status a held proposal is stored with.
func (o Outcome) ProposalStatus() proposal.Status {
	if o == OutcomeBlocked {
		return proposal.StatusBlocked
	}
	return proposal.StatusPendingApproval
}

// Result is the outcome and the reasons a proposal was held.
type Result struct {
	Outcome       Outcome
	Reasons       []string
	PolicyVersion string
}

// Evaluator is the rule module the gate consults.
type Evaluator interface {
	EvaluateGate(ctx context.Context, in policy.GateInput) (*policy.GateDecision, error)
}

// Gate applies the safety policy to proposals.
type Gate struct {
	eval      Evaluator
	threshold float64
}

// New returns a gate using eval and the confidence threshold.
func New(eval Evaluator, confidenceThreshold float64) *Gate {
	return &Gate{eval: eval, threshold: confidenceThreshold}
}

// Evaluate decides what happens to p under mode. MANUAL mode holds every
// proposal as BLOCKED. An always-gated action can never come back as
// AUTO_EXECUTE: if the module says otherwise Evaluate returns
// ErrPolicyViolation.
func (g *Gate) Evaluate(ctx context.Context, p *proposal.Proposal, mode cases.AutopilotMode) (*Result, error) {
	ctx, span := tracer.Start(ctx, "gate.evaluate",
		trace.WithAttributes(
			attribute.String("case.id", p.CaseID),
			attribute.String("proposal.action_type", string(p.ActionType)),
			attribute.String("autopilot.mode", string(mode)),
		))
	defer span.End()

	d, err := g.eval.EvaluateGate(ctx, policy.GateInput{
		ActionType:          string(p.ActionType),
		Mode:                string(mode),
		Confidence:          p.Confidence,
		ConfidenceThreshold: g.threshold,
		RiskFlags:           p.RiskFlags,
		AutoEligible:        p.ActionType.AutoEligible(),
		AlwaysGated:         p.ActionType.AlwaysGated(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("evaluating gate: %w", err)
	}

	if d.AutoExecute && (p.ActionType.AlwaysGated() || !p.ActionType.AutoEligible()) {
		span.SetAttributes(attribute.Bool("gate.violation", true))
		log.Error().
			Str("case_id", p.CaseID).
			Str("action", string(p.ActionType)).
			Str("policy_version", d.PolicyVersion).
			Msg("gate_policy_violation")
		return nil, fmt.Errorf("%w: %s", ErrPolicyViolation, p.ActionType)
	}

	res := &Result{Reasons: d.Reasons, PolicyVersion: d.PolicyVersion}
	switch {
	case mode == cases.ModeManual:
		res.Outcome = OutcomeBlocked
	case d.AutoExecute:
		res.Outcome = OutcomeAutoExecute
	default:
		res.Outcome = OutcomePendingApproval
	}
	span.SetAttributes(attribute.String("gate.outcome", string(res.Outcome)))
	return res, nil
}
