package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/scribe"

// StartSpan starts a span on the global tracer provider. Span names follow
// the "<package>.<operation>" pattern, e.g. "transcribe.cycle" or
// "mcp.latest_transcript". The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Fail records err on span and marks it as failed with desc. A nil err
// leaves the span untouched.
func Fail(span trace.Span, err error, desc string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, desc)
}

// CorrelationID returns the hex trace ID of the span in ctx, or "" when ctx
// carries no valid span. It is echoed to HTTP clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, tagged with trace_id and span_id when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
