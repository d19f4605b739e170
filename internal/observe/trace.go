package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every talescribe span.
const tracerName = "github.com/MrWong99/talescribe"

// Span attribute keys shared by the story and voice layers.
const (
	AttrOperation = attribute.Key("talescribe.operation")
	AttrProvider  = attribute.Key("talescribe.provider")
	AttrSession   = attribute.Key("talescribe.session_id")
)

// Tracer returns the talescribe tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must end it, usually via
// [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartProviderSpan starts a client span for one call to a provider backend.
// The span is named "<provider>.<op>" and carries the operation, provider
// and, when present, the voice session ID.
func StartProviderSpan(ctx context.Context, op, provider string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrOperation.String(op), AttrProvider.String(provider)}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, AttrSession.String(id))
	}
	return Tracer().Start(ctx, provider+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan ends span, marking it failed when err is non-nil. Cancellation is
// recorded as an event rather than an error.
func EndSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		span.AddEvent("cancelled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "". The HTTP
// layer echoes it in the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with session_id, trace_id and span_id
// attached when ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

type sessionKey struct{}

// WithSessionID returns a copy of ctx carrying the voice session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the voice session ID stored in ctx, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
