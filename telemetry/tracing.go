package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/c360studio/devflow"

// Tracer returns the named tracer from the globally configured provider.
// Components accept a trace.Tracer field and fall back to this when unset,
// so tests can inject a recording tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartStageSpan opens the span wrapping one stage transform invocation.
// The span is named stage.<name> and carries the request id and attempt.
func StartStageSpan(ctx context.Context, tracer trace.Tracer, stage, requestID string, attempt int) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, "stage."+stage, trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.Int("attempt", attempt),
	))
}

// StartGeneratorSpan opens a child span around a single generator call.
func StartGeneratorSpan(ctx context.Context, tracer trace.Tracer, model string) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, "generator.generate", trace.WithAttributes(
		attribute.String("model", model),
	))
}

// EndSpan closes a span, recording err when the operation failed.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
