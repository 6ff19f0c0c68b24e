package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/duplexvoice"

// Span attribute keys shared by command and session spans.
const (
	AttrMethod    = attribute.Key("duplex.method")
	AttrSessionID = attribute.Key("duplex.session_id")
	AttrErrorCode = attribute.Key("duplex.error_code")
)

// Tracer returns the duplexvoice tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCommandSpan starts an internal span for one host command. Commands
// that belong to a session carry its id as an attribute.
func StartCommandSpan(ctx context.Context, method, sessionID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrMethod.String(method)}
	if sessionID != "" {
		attrs = append(attrs, AttrSessionID.String(sessionID))
	}
	return StartSpan(ctx, "command "+method,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndCommandSpan finishes span. A dispatch error marks the span failed; a
// rejected command (errorCode non-empty) is recorded as an attribute only,
// since rejection is a normal outcome for the host.
func EndCommandSpan(span trace.Span, errorCode string, err error) {
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case errorCode != "":
		span.SetAttributes(AttrErrorCode.String(errorCode))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// CorrelationID is the trace id of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func traceAttrs(ctx context.Context) []slog.Attr {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return nil
	}
	return []slog.Attr{
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	}
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	for _, a := range traceAttrs(ctx) {
		l = l.With(a)
	}
	return l
}

// TraceHandler decorates records logged with a context (slog.InfoContext and
// friends) with the trace and span ids found in that context.
type TraceHandler struct {
	next slog.Handler
}

// NewTraceHandler wraps next.
func NewTraceHandler(next slog.Handler) *TraceHandler {
	return &TraceHandler{next: next}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := traceAttrs(ctx); attrs != nil {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.next.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{next: h.next.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{next: h.next.WithGroup(name)}
}
