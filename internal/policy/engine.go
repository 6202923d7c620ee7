// Package policy loads casepilot.yaml and evaluates the rules built on it:
// the OPA gate module that decides between auto-execution and human approval
// and the CEL rules that raise risk flags.
package policy

import (
	"context"
	"embed"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	gateModule = "rego/gate.rego"
	gateQuery  = "data.casepilot.gate.decision"
)

// GateInput is everything the gate module looks at.
type GateInput struct {
	ActionType          string
	Mode                string
	Confidence          float64
	ConfidenceThreshold float64
	RiskFlags           []string
	AutoEligible        bool
	AlwaysGated         bool
}

// GateDecision is the module's answer.
type GateDecision struct {
	AutoExecute   bool     `json:"auto_execute"`
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// Engine evaluates the embedded gate module.
type Engine struct {
	policy   *Policy
	prepared rego.PreparedEvalQuery
}

// NewEngine compiles the gate module once.
func NewEngine(ctx context.Context, pol *Policy) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	content, err := embeddedPolicies.ReadFile(gateModule)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", gateModule, err)
	}
	prepared, err := rego.New(
		rego.Query(gateQuery),
		rego.Module(gateModule, string(content)),
	).PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("preparing Rego policy %s: %w", gateModule, err)
	}
	return &Engine{policy: pol, prepared: prepared}, nil
}

// Policy returns the policy the engine was built from.
func (e *Engine) Policy() *Policy { return e.policy }

// EvaluateGate runs the gate module for one proposal.
func (e *Engine) EvaluateGate(ctx context.Context, in GateInput) (*GateDecision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_gate",
		trace.WithAttributes(
			attribute.String("action_type", in.ActionType),
			attribute.String("autopilot_mode", in.Mode),
			attribute.String("policy.version", e.policy.VersionTag),
		))
	defer span.End()

	flags := make([]interface{}, len(in.RiskFlags))
	for i, f := range in.RiskFlags {
		flags[i] = f
	}
	input := map[string]interface{}{
		"action_type":          in.ActionType,
		"mode":                 in.Mode,
		"confidence":           in.Confidence,
		"confidence_threshold": in.ConfidenceThreshold,
		"risk_flags":           flags,
		"auto_eligible":        in.AutoEligible,
		"always_gated":         in.AlwaysGated,
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluating gate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("evaluating gate policy: empty result")
	}
	out, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("evaluating gate policy: unexpected result type %T", results[0].Expressions[0].Value)
	}

	decision := &GateDecision{PolicyVersion: e.policy.VersionTag}
	decision.AutoExecute, _ = out["auto_execute"].(bool)
	if reasons, ok := out["reasons"].([]interface{}); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				decision.Reasons = append(decision.Reasons, s)
			}
		}
	}
	sort.Strings(decision.Reasons)

	span.SetAttributes(
		attribute.Bool("gate.auto_execute", decision.AutoExecute),
		attribute.Int("gate.hold_reasons", len(decision.Reasons)),
	)
	return decision, nil
}
