package agent

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cpotel "github.com/dativo-io/casepilot/internal/otel"
)

var meter = cpotel.Meter("github.com/dativo-io/casepilot/internal/agent")

var (
	runsTotal        metric.Int64Counter
	proposalsTotal   metric.Int64Counter
	autoExecutions   metric.Int64Counter
	escalationsTotal metric.Int64Counter
	delaysClamped    metric.Int64Counter
)

func init() {
	var err error
	runsTotal, err = meter.Int64Counter("casepilot.runs.total",
		metric.WithDescription("Decision runs by trigger and final status"))
	if err != nil {
		runsTotal, _ = meter.Int64Counter("casepilot.runs.total.fallback")
	}

	proposalsTotal, err = meter.Int64Counter("casepilot.proposals.total",
		metric.WithDescription("Proposals created by action type and gate outcome"))
	if err != nil {
		proposalsTotal, _ = meter.Int64Counter("casepilot.proposals.total.fallback")
	}

	autoExecutions, err = meter.Int64Counter("casepilot.auto_executions.total",
		metric.WithDescription("Actions executed without human review"))
	if err != nil {
		autoExecutions, _ = meter.Int64Counter("casepilot.auto_executions.total.fallback")
	}

	escalationsTotal, err = meter.Int64Counter("casepilot.escalations.total",
		metric.WithDescription("Escalations raised by the decision loop"))
	if err != nil {
		escalationsTotal, _ = meter.Int64Counter("casepilot.escalations.total.fallback")
	}

	delaysClamped, err = meter.Int64Counter("casepilot.delays.clamped",
		metric.WithDescription("Send delays forced into the configured window"))
	if err != nil {
		delaysClamped, _ = meter.Int64Counter("casepilot.delays.clamped.fallback")
	}
}

func recordRun(ctx context.Context, trigger TriggerType, status RunStatus) {
	runsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", string(trigger)),
		attribute.String("status", string(status)),
	))
}

func recordProposal(ctx context.Context, action, outcome string) {
	proposalsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_type", action),
		attribute.String("outcome", outcome),
	))
}
