package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetricsRecord(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	m.TransitionApplied(ctx, "draft", "submitted")
	m.TransitionApplied(ctx, "submitted", "in_review")
	m.Denied(ctx, "role_forbidden")
	m.Delivered(ctx, "request.created", 20*time.Millisecond)
	m.Retried(ctx, "request.created")
	m.DeadLettered(ctx, "request.created")
	m.TickSkipped(ctx)
	m.HousekeepingFailed(ctx, "audit")

	assert.Equal(t, int64(2), collectSum(t, reader, "reqflow_transitions_total"))
	assert.Equal(t, int64(1), collectSum(t, reader, "reqflow_denials_total"))
	assert.Equal(t, int64(1), collectSum(t, reader, "reqflow_outbox_delivered_total"))
	assert.Equal(t, int64(1), collectSum(t, reader, "reqflow_outbox_failed_total"))
	assert.Equal(t, int64(1), collectSum(t, reader, "reqflow_outbox_skipped_ticks_total"))
	assert.Equal(t, int64(1), collectSum(t, reader, "reqflow_housekeeping_failures_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TransitionApplied(context.Background(), "a", "b")
		m.Delivered(context.Background(), "x", time.Second)
		m.TickSkipped(context.Background())
	})
}

func TestInitTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "reqflow", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, Tracer())
}
