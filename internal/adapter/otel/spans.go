package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentwire"

// StartPublishSpan starts a producer span for a publish to topic.
func StartPublishSpan(ctx context.Context, topic, messageID, msgType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "a2a.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("a2a.message_id", messageID),
			attribute.String("a2a.type", msgType),
		),
	)
}

// StartHandleSpan starts a consumer span for handling one envelope.
func StartHandleSpan(ctx context.Context, topic, group string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "a2a.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.consumer_group", group),
		),
	)
}

// StartGateSpan starts a span for one policy gate evaluation.
func StartGateSpan(ctx context.Context, direction, messageID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "a2a.policy",
		trace.WithAttributes(
			attribute.String("a2a.direction", direction),
			attribute.String("a2a.message_id", messageID),
		),
	)
}

// StartCheckpointSpan starts a span for a checkpoint write.
func StartCheckpointSpan(ctx context.Context, op, traceID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "checkpoint."+op,
		trace.WithAttributes(attribute.String("a2a.trace_id", traceID)),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
