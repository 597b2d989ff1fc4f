package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/denis-tsv/ExactlyOnce"

// W3C trace context travels in the message headers next to the idempotence key.
var propagator = propagation.TraceContext{}

// Inject writes the trace context of ctx into headers.
func Inject(ctx context.Context, headers map[string]string) {
	propagator.Inject(ctx, propagation.MapCarrier(headers))
}

// Extract returns ctx carrying the remote span context found in headers.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(headers))
}

// StartProcessing opens the span around one command execution, parented to
// the producer's trace when the headers carry one.
func StartProcessing(ctx context.Context, headers map[string]string, topic, idempotenceKey string) (context.Context, trace.Span) {
	ctx = Extract(ctx, headers)
	return otel.Tracer(tracerName).Start(ctx, "Processing",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("idempotence_key", idempotenceKey),
		),
	)
}
