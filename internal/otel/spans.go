package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskflow spans.
var (
	AttrTaskID      = attribute.Key("taskflow.task.id")
	AttrTaskVersion = attribute.Key("taskflow.task.version")
	AttrTaskStatus  = attribute.Key("taskflow.task.status")
	AttrEventType   = attribute.Key("taskflow.event.type")
	AttrBulkSize    = attribute.Key("taskflow.bulk.size")
	AttrAttempt     = attribute.Key("taskflow.client.attempt")
	AttrBreakerMode = attribute.Key("taskflow.client.breaker")
	AttrErrorKind   = attribute.Key("taskflow.error.kind")
	AttrHTTPMethod  = attribute.Key("http.request.method")
	AttrHTTPStatus  = attribute.Key("http.response.status_code")
	AttrHTTPURLPath = attribute.Key("url.path")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call to the task backend.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
