package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanCheck   = "ratelimit.check"
	SpanUsage   = "ratelimit.usage"
	SpanPublish = "events.publish"
	SpanConsume = "events.consume"
)

// Tracer wraps OpenTelemetry tracer with rate limiter helpers.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer instance.
func NewTracer(name string) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
	}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartKeyOperation starts a span for an operation on one API key.
func (t *Tracer) StartKeyOperation(ctx context.Context, name, apiKey string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("ratelimit.api_key", apiKey)),
	)

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		span.SetAttributes(attribute.String("correlation_id", correlationID))
	}

	return ctx, span
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSuccess marks the span as successful.
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddAttribute adds a custom attribute to the span.
func AddAttribute(span trace.Span, key string, value interface{}) {
	switch v := value.(type) {
	case string:
		span.SetAttributes(attribute.String(key, v))
	case int:
		span.SetAttributes(attribute.Int(key, v))
	case int64:
		span.SetAttributes(attribute.Int64(key, v))
	case float64:
		span.SetAttributes(attribute.Float64(key, v))
	case bool:
		span.SetAttributes(attribute.Bool(key, v))
	}
}
