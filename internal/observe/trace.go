package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/lingorelay"

// Span attributes set on relay connection spans.
const (
	AttrSessionID      = attribute.Key("lingorelay.session_id")
	AttrUserID         = attribute.Key("lingorelay.user_id")
	AttrAccountingMode = attribute.Key("lingorelay.accounting_mode")
	AttrCloseCode      = attribute.Key("lingorelay.close_code")
)

// Tracer returns the package-level [trace.Tracer] for lingorelay. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartConnectionSpan starts the span that covers one relay connection from
// the upstream dial until teardown. End it with [EndSpan].
func StartConnectionSpan(ctx context.Context, sessionID, userID, accountingMode string) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay.connection",
		trace.WithAttributes(
			AttrSessionID.String(sessionID),
			AttrUserID.String(userID),
			AttrAccountingMode.String(accountingMode),
		),
	)
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. The base logger is the one attached by
// [WithLogger], or the default slog logger.
func Logger(ctx context.Context) *slog.Logger {
	l := baseLogger(ctx)
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

type loggerKey struct{}

func baseLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// WithLogger returns a copy of ctx carrying l. [Logger] prefers a logger
// stored this way over the default logger, so connection-scoped attributes
// such as session_id follow the context.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}
