package proposal

import (
	"fmt"

	"github.com/dativo-io/casepilot/internal/action"
	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/classifier"
	"github.com/dativo-io/casepilot/internal/drafting"
	"github.com/dativo-io/casepilot/internal/policy"
)

// BuildInput is everything needed to assemble a proposal.
type BuildInput struct {
	CaseID         string
	RunID          string
	Decision       action.Decision
	Classification *classifier.Classification
	Draft          *drafting.Draft
	Constraints    []cases.ConstraintTag
	FeeAmount      *float64
	// Attempt is 1 for the first proposal of this action type on the case.
	Attempt int

	FeeRiskThreshold     float64
	RiskyConfidenceFloor float64
	Risk                 *policy.RiskEvaluator
}

// Build assembles a proposal in no particular status; the gate decides that.
func Build(in BuildInput) (*Proposal, error) {
	at := in.Decision.ActionType
	p := &Proposal{
		CaseID:     in.CaseID,
		RunID:      in.RunID,
		ActionType: at,
		Reasoning:  []string{},
		RiskFlags:  []string{},
		Warnings:   []string{},
	}

	sentiment := ""
	if c := in.Classification; c != nil {
		p.Confidence = c.Confidence
		sentiment = string(c.Sentiment)
		p.Reasoning = append(p.Reasoning,
			fmt.Sprintf("classified as %s (confidence %.2f): %s", c.Category, c.Confidence, c.Summary))
	} else {
		p.Warnings = append(p.Warnings, "no classification available")
	}
	p.Reasoning = append(p.Reasoning, "policy: "+in.Decision.Justification)

	if at.AlwaysGated() && p.Confidence < in.RiskyConfidenceFloor {
		p.Confidence = in.RiskyConfidenceFloor
		p.Warnings = append(p.Warnings, fmt.Sprintf("confidence raised to floor %.2f for gated action", in.RiskyConfidenceFloor))
	}

	if in.Draft != nil {
		p.Subject, p.Body = in.Draft.Subject, in.Draft.Body
	} else if at.RequiresDraft() {
		p.Warnings = append(p.Warnings, "draft-required action has no draft")
	}

	if in.Risk != nil {
		fee := 0.0
		if in.FeeAmount != nil {
			fee = *in.FeeAmount
		}
		tags := make([]string, len(in.Constraints))
		for i, t := range in.Constraints {
			tags[i] = string(t)
		}
		flags, err := in.Risk.Flags(policy.RiskInput{
			ActionType:       string(at),
			FeeAmount:        fee,
			FeeRiskThreshold: in.FeeRiskThreshold,
			Sentiment:        sentiment,
			Constraints:      tags,
			Attempt:          in.Attempt,
			Confidence:       p.Confidence,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluating risk rules: %w", err)
		}
		p.RiskFlags = append(p.RiskFlags, flags...)
	}
	return p, nil
}
