package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const costMeterName = "github.com/dativo-io/casepilot/internal/llm"

var (
	costRequestHistogram  metric.Float64Histogram
	costMetricsOnce       sync.Once
	costMetricsRegistered bool
)

func initCostMetrics() {
	meter := otel.Meter(costMeterName)
	var err error
	costRequestHistogram, err = meter.Float64Histogram(
		"casepilot.llm.cost",
		metric.WithDescription("Estimated cost in EUR per LLM request"),
		metric.WithUnit("eur"),
	)
	if err != nil {
		return
	}
	costMetricsRegistered = true
}

// RecordUsage estimates the cost of resp with p and records it against the
// operation ("classify", "draft").
func RecordUsage(ctx context.Context, p Provider, operation string, resp *Response) {
	if resp == nil {
		return
	}
	costMetricsOnce.Do(initCostMetrics)
	if !costMetricsRegistered {
		return
	}
	cost := p.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)
	costRequestHistogram.Record(ctx, cost, metric.WithAttributes(
		attribute.String("provider", p.Name()),
		attribute.String("model", resp.Model),
		attribute.String("operation", operation),
	))
}
