package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all taskflow metric instruments.
type Metrics struct {
	ClientRequestDuration metric.Float64Histogram
	ClientRetries         metric.Int64Counter
	ClientShortCircuited  metric.Int64Counter
	BreakerTransitions    metric.Int64Counter
	ServiceConflicts      metric.Int64Counter
	BulkItems             metric.Int64Counter
	StoreMutations        metric.Int64Counter
	RequestDuration       metric.Float64Histogram
	ActiveStreams         metric.Int64UpDownCounter
	RateLimitRejects      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ClientRequestDuration, err = meter.Float64Histogram("taskflow.client.request.duration",
		metric.WithDescription("Resilient client logical call duration in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClientRetries, err = meter.Int64Counter("taskflow.client.retries",
		metric.WithDescription("Retry attempts issued by the resilient client"),
	)
	if err != nil {
		return nil, err
	}

	m.ClientShortCircuited, err = meter.Int64Counter("taskflow.client.short_circuited",
		metric.WithDescription("Calls rejected without a network attempt because the breaker was open"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("taskflow.client.breaker.transitions",
		metric.WithDescription("Circuit breaker mode changes"),
	)
	if err != nil {
		return nil, err
	}

	m.ServiceConflicts, err = meter.Int64Counter("taskflow.service.conflicts",
		metric.WithDescription("Mutations rejected with a version conflict"),
	)
	if err != nil {
		return nil, err
	}

	m.BulkItems, err = meter.Int64Counter("taskflow.service.bulk.items",
		metric.WithDescription("Bulk update items by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreMutations, err = meter.Int64Counter("taskflow.store.mutations",
		metric.WithDescription("Committed task mutations in the store"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("taskflow.gateway.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveStreams, err = meter.Int64UpDownCounter("taskflow.gateway.streams.active",
		metric.WithDescription("Open websocket event streams"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("taskflow.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// The helpers below are nil-safe so callers can hold an optional *Metrics.

func (m *Metrics) RecordClientCall(ctx context.Context, method string, seconds float64, kind string) {
	if m == nil {
		return
	}
	m.ClientRequestDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrHTTPMethod.String(method),
		AttrErrorKind.String(kind),
	))
}

func (m *Metrics) AddRetry(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.ClientRetries.Add(ctx, 1, metric.WithAttributes(AttrHTTPMethod.String(method)))
}

func (m *Metrics) AddShortCircuit(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClientShortCircuited.Add(ctx, 1)
}

func (m *Metrics) AddBreakerTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) AddConflict(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.ServiceConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) AddBulkItem(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.BulkItems.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) AddStoreMutation(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.StoreMutations.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("route", route),
		AttrHTTPStatus.Int(status),
	))
}

func (m *Metrics) StreamOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(ctx, 1)
}

func (m *Metrics) StreamClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(ctx, -1)
}

func (m *Metrics) AddRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
