package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/fernvale/orderflow/internal/platform/observability"

// OrderMetrics counts order commits and outbox dispatch outcomes.
type OrderMetrics struct {
	commits    metric.Int64Counter
	dispatches metric.Int64Counter
}

// NewOrderMetrics registers the counters on meter, or on the global provider when meter is nil.
func NewOrderMetrics(meter metric.Meter) (*OrderMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	commits, err := meter.Int64Counter("orders.commit",
		metric.WithDescription("Order commit attempts by payment path and outcome"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register orders.commit: %w", err)
	}
	dispatches, err := meter.Int64Counter("outbox.dispatch",
		metric.WithDescription("Outbox entries processed by kind and outcome"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register outbox.dispatch: %w", err)
	}
	return &OrderMetrics{commits: commits, dispatches: dispatches}, nil
}

func (m *OrderMetrics) RecordCommit(ctx context.Context, path string, outcome string) {
	if m == nil {
		return
	}
	m.commits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	))
}

func (m *OrderMetrics) RecordDispatch(ctx context.Context, kind string, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
