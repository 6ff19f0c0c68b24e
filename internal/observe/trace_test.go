package observe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider globally for one test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func spanAttrs(s tracetest.SpanStub) map[string]string {
	out := map[string]string{}
	for _, kv := range s.Attributes {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestCommandSpan_Outcomes(t *testing.T) {
	exp := useTracer(t)

	_, ok := StartCommandSpan(context.Background(), "playTts", "s-1")
	EndCommandSpan(ok, "", nil)
	_, rejected := StartCommandSpan(context.Background(), "startAsrStream", "")
	EndCommandSpan(rejected, "missing_token", nil)
	_, failed := StartCommandSpan(context.Background(), "dispose", "s-1")
	EndCommandSpan(failed, "", errors.New("engine closed"))

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}

	if spans[0].Name != "command playTts" || spans[0].Status.Code != codes.Ok {
		t.Errorf("ok span = %q %v", spans[0].Name, spans[0].Status.Code)
	}
	if a := spanAttrs(spans[0]); a["duplex.method"] != "playTts" || a["duplex.session_id"] != "s-1" {
		t.Errorf("ok span attrs = %v", a)
	}

	a := spanAttrs(spans[1])
	if a["duplex.error_code"] != "missing_token" {
		t.Errorf("rejected span attrs = %v", a)
	}
	if _, has := a["duplex.session_id"]; has {
		t.Error("session id recorded for a command without one")
	}
	if spans[1].Status.Code != codes.Unset {
		t.Errorf("rejected span status = %v, want Unset", spans[1].Status.Code)
	}

	if spans[2].Status.Code != codes.Error || len(spans[2].Events) == 0 {
		t.Errorf("failed span status = %v, events = %d", spans[2].Status.Code, len(spans[2].Events))
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q", got)
	}
	useTracer(t)
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if got := CorrelationID(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q", got)
	}
}

func TestTraceHandler_AddsIDsForContextLogging(t *testing.T) {
	useTracer(t)
	var buf bytes.Buffer
	log := slog.New(NewTraceHandler(slog.NewTextHandler(&buf, nil))).With("component", "bridge")

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()

	log.InfoContext(ctx, "with span")
	line := buf.String()
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id=", "component=bridge"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}

	buf.Reset()
	log.Info("without span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("trace id logged without a span: %q", buf.String())
	}
}

func TestTraceHandler_RespectsLevel(t *testing.T) {
	h := NewTraceHandler(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled under a warn handler")
	}
}

func TestLogger_IncludesTraceIDs(t *testing.T) {
	useTracer(t)
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, span := StartCommandSpan(context.Background(), "stopTts", "")
	Logger(ctx).Info("stopping")
	span.End()

	if !strings.Contains(buf.String(), "trace_id=") || !strings.Contains(buf.String(), "span_id=") {
		t.Errorf("log output = %q", buf.String())
	}
}

func TestSetup_ServesRuntimeAndEngineMetrics(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	tel, err := Setup(context.Background(), ProviderConfig{ServiceVersion: "test", SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tel.Metrics().RecordEvent(context.Background(), "ttsStarted")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"duplexvoice_events", `event="ttsStarted"`, "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestSetup_RejectsSampleRatio(t *testing.T) {
	if _, err := Setup(context.Background(), ProviderConfig{SampleRatio: 1.5}); err == nil {
		t.Fatal("Setup accepted a sample ratio above 1")
	}
}
