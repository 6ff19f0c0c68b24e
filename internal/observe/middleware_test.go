package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type harness struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

// newHarness installs an in-memory tracer globally; tests using it must not
// run in parallel.
func newHarness(t *testing.T) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return &harness{metrics: m, reader: reader, spans: exp}
}

// serve runs one request through Middleware wrapping a mux that routes
// /v1/duplex and /healthz.
func (h *harness) serve(req *http.Request, status int) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	handle := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(status) }
	mux.HandleFunc("GET /v1/duplex", handle)
	mux.HandleFunc("GET /healthz", handle)
	rec := httptest.NewRecorder()
	Middleware(h.metrics)(mux).ServeHTTP(rec, req)
	return rec
}

func (h *harness) durationPoints(t *testing.T) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "duplexvoice.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func attrsOf(dp metricdata.HistogramDataPoint[float64]) map[string]string {
	out := map[string]string{}
	for _, kv := range dp.Attributes.ToSlice() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestMiddleware_EchoesCorrelationID(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest("GET", "/v1/duplex", nil)
	rec := h.serve(req, http.StatusOK)

	cid := rec.Header().Get(CorrelationHeader)
	if len(cid) != 32 {
		t.Fatalf("%s = %q, want a 32-char trace id", CorrelationHeader, cid)
	}
	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != cid {
		t.Errorf("span trace id = %s, header = %s", got, cid)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h := newHarness(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	rec := h.serve(req, http.StatusOK)
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	h := newHarness(t)
	h.serve(httptest.NewRequest("GET", "/v1/duplex", nil), http.StatusOK)
	h.serve(httptest.NewRequest("GET", "/nowhere/123", nil), http.StatusOK)

	seen := map[string]string{}
	for _, dp := range h.durationPoints(t) {
		a := attrsOf(dp)
		seen[a["path"]] = a["status"]
	}
	if seen["GET /v1/duplex"] != "200" {
		t.Errorf("matched route not recorded by pattern: %v", seen)
	}
	if seen[unmatchedRoute] != "404" {
		t.Errorf("unmatched request not collapsed: %v", seen)
	}
	if _, ok := seen["/nowhere/123"]; ok {
		t.Error("raw path leaked into the path label")
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	h := newHarness(t)
	rec := h.serve(httptest.NewRequest("GET", "/v1/duplex", nil), http.StatusServiceUnavailable)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	span := h.spans.GetSpans()[0]
	if span.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", span.Status.Code)
	}
	var status int64
	for _, kv := range span.Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("span status_code = %d", status)
	}
}

func TestMiddleware_ClientErrorLeavesSpanUnset(t *testing.T) {
	h := newHarness(t)
	h.serve(httptest.NewRequest("GET", "/v1/duplex", nil), http.StatusBadRequest)
	if got := h.spans.GetSpans()[0].Status.Code; got != codes.Unset {
		t.Errorf("span status = %v, want Unset", got)
	}
}

func TestMiddleware_WriterUnwraps(t *testing.T) {
	h := newHarness(t)

	var unwrapped http.ResponseWriter
	rec := httptest.NewRecorder()
	handler := Middleware(h.metrics)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
			unwrapped = u.Unwrap()
		}
	}))
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/duplex", nil))

	if unwrapped != rec {
		t.Error("middleware writer does not unwrap to the server's writer")
	}
}
