package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
	}{
		{"disabled is a no-op", false},
		{"enabled installs providers", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup("casepilot-test", "dev", tt.enabled)
			require.NoError(t, err)
			require.NotNil(t, shutdown)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			assert.NoError(t, shutdown(ctx))
		})
	}
}

func TestTracer_CreatesValidSpansAfterSetup(t *testing.T) {
	shutdown, err := Setup("casepilot-test", "0.0.1", true)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	_, span := Tracer("github.com/dativo-io/casepilot/internal/otel/test").Start(context.Background(), "test.operation")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())

	traceID, spanID := TraceContextFrom(trace.ContextWithSpan(context.Background(), span))
	assert.NotEmpty(t, traceID)
	assert.NotEmpty(t, spanID)
}

func TestMeter_ReturnsMeter(t *testing.T) {
	m := Meter("github.com/dativo-io/casepilot/internal/otel/test")
	c, err := m.Int64Counter("test.counter")
	require.NoError(t, err)
	c.Add(context.Background(), 1)
}
