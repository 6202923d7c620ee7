package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DefaultRiskRules are always evaluated unless the policy file redefines a
// rule with the same name.
func DefaultRiskRules() []RiskRule {
	return []RiskRule{
		{
			Name:        "fee_over_threshold",
			Expr:        "fee_amount > fee_risk_threshold",
			Description: "quoted fee exceeds the risk threshold",
		},
		{
			Name:        "hostile_sentiment",
			Expr:        `sentiment == "hostile"`,
			Description: "agency correspondence is hostile",
		},
		{
			Name:        "repeated_denial",
			Expr:        `"DENIAL_RECEIVED" in constraints && attempt >= 3`,
			Description: "denial persists after repeated attempts",
		},
	}
}

// RiskInput is the activation the risk rules are evaluated against.
type RiskInput struct {
	ActionType       string
	FeeAmount        float64
	FeeRiskThreshold float64
	Sentiment        string
	Constraints      []string
	Attempt          int
	Confidence       float64
}

type compiledRule struct {
	name    string
	program cel.Program
}

// RiskEvaluator holds compiled risk rules. Evaluation is deterministic:
// flags come back in rule order.
type RiskEvaluator struct {
	rules []compiledRule
}

func riskEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("fee_amount", cel.DoubleType),
		cel.Variable("fee_risk_threshold", cel.DoubleType),
		cel.Variable("sentiment", cel.StringType),
		cel.Variable("constraints", cel.ListType(cel.StringType)),
		cel.Variable("attempt", cel.IntType),
		cel.Variable("confidence", cel.DoubleType),
	)
}

// NewRiskEvaluator compiles rules; every expression must yield a bool.
func NewRiskEvaluator(rules []RiskRule) (*RiskEvaluator, error) {
	env, err := riskEnv()
	if err != nil {
		return nil, fmt.Errorf("creating CEL env: %w", err)
	}
	e := &RiskEvaluator{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("risk rule %s: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("risk rule %s: expression must be boolean, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("risk rule %s: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{name: r.Name, program: prg})
	}
	return e, nil
}

// Flags returns the names of the rules that fire for in.
func (e *RiskEvaluator) Flags(in RiskInput) ([]string, error) {
	constraints := in.Constraints
	if constraints == nil {
		constraints = []string{}
	}
	activation := map[string]interface{}{
		"action_type":        in.ActionType,
		"fee_amount":         in.FeeAmount,
		"fee_risk_threshold": in.FeeRiskThreshold,
		"sentiment":          in.Sentiment,
		"constraints":        constraints,
		"attempt":            int64(in.Attempt),
		"confidence":         in.Confidence,
	}

	var flags []string
	for _, r := range e.rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("risk rule %s: %w", r.name, err)
		}
		if fired, ok := out.Value().(bool); ok && fired {
			flags = append(flags, r.name)
		}
	}
	return flags, nil
}
