// Package observability wires OpenTelemetry metrics and tracing.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "reqflow"

// InitMetrics installs a global meter provider backed by a Prometheus
// exporter. It returns the /metrics handler and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return promhttp.Handler(), provider.Shutdown, nil
}

// Metrics holds the instruments recorded by the engine and the dispatcher.
// A nil *Metrics records nothing.
type Metrics struct {
	transitions  metric.Int64Counter
	denials      metric.Int64Counter
	housekeeping metric.Int64Counter
	delivered    metric.Int64Counter
	retried      metric.Int64Counter
	failed       metric.Int64Counter
	skippedTicks metric.Int64Counter
	deliveryTime metric.Float64Histogram
}

// NewMetrics creates instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var err error
	if m.transitions, err = meter.Int64Counter("reqflow_transitions_total", metric.WithDescription("Applied request status transitions")); err != nil {
		return nil, err
	}
	if m.denials, err = meter.Int64Counter("reqflow_denials_total", metric.WithDescription("Denied operations by code")); err != nil {
		return nil, err
	}
	if m.housekeeping, err = meter.Int64Counter("reqflow_housekeeping_failures_total", metric.WithDescription("Audit or outbox writes that failed without failing the mutation")); err != nil {
		return nil, err
	}
	if m.delivered, err = meter.Int64Counter("reqflow_outbox_delivered_total"); err != nil {
		return nil, err
	}
	if m.retried, err = meter.Int64Counter("reqflow_outbox_retried_total"); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("reqflow_outbox_failed_total", metric.WithDescription("Events that exhausted their retries")); err != nil {
		return nil, err
	}
	if m.skippedTicks, err = meter.Int64Counter("reqflow_outbox_skipped_ticks_total", metric.WithDescription("Dispatch ticks skipped because a cycle was still running")); err != nil {
		return nil, err
	}
	if m.deliveryTime, err = meter.Float64Histogram("reqflow_outbox_delivery_seconds", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) TransitionApplied(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}

func (m *Metrics) Denied(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.denials.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) HousekeepingFailed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.housekeeping.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) Delivered(ctx context.Context, eventType string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.delivered.Add(ctx, 1, attrs)
	m.deliveryTime.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) Retried(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) DeadLettered(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) TickSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.skippedTicks.Add(ctx, 1)
}
