// Package observe holds the duplexvoice telemetry: OpenTelemetry metric
// instruments for the audio path and host surface, command tracing,
// trace-aware logging and the HTTP middleware.
//
// [Setup] installs the SDK providers and a Prometheus registry for /metrics.
// Tests build [Metrics] with [NewMetrics] over a private meter provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duplexvoice metrics.
const meterName = "github.com/MrWong99/duplexvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio path ---

	// FramesCaptured counts frames delivered by the capture source.
	FramesCaptured metric.Int64Counter

	// FramesForwarded counts frames handed to the recognition transport.
	FramesForwarded metric.Int64Counter

	// FramesDropped counts frames the transport could not queue.
	FramesDropped metric.Int64Counter

	// --- Session events ---

	// Events counts emitted engine events. Use with attribute:
	//   attribute.String("event", ...)
	Events metric.Int64Counter

	// RuntimeErrors counts asynchronous faults. Use with attribute:
	//   attribute.String("code", ...)
	RuntimeErrors metric.Int64Counter

	// BargeIns counts playback interruptions triggered by the user.
	BargeIns metric.Int64Counter

	// TTSRequests counts speech requests. Use with attribute:
	//   attribute.String("status", ...)
	TTSRequests metric.Int64Counter

	// --- Resilience ---

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// ASRReconnects counts recognition reconnect attempts. Use with attribute:
	//   attribute.String("outcome", ...)
	ASRReconnects metric.Int64Counter

	// --- Latency ---

	// CommandDuration tracks host command latency. Use with attribute:
	//   attribute.String("method", ...)
	CommandDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// BridgeClients tracks connected host bridge clients.
	BridgeClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// command handling, which is dominated by in-process work.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("duplexvoice.frames.captured",
		metric.WithDescription("Total microphone frames delivered by the capture source."),
	); err != nil {
		return nil, err
	}
	if met.FramesForwarded, err = m.Int64Counter("duplexvoice.frames.forwarded",
		metric.WithDescription("Total frames forwarded to the recognition transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("duplexvoice.frames.dropped",
		metric.WithDescription("Total frames dropped because the transport queue was full."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("duplexvoice.events",
		metric.WithDescription("Total engine events emitted by event name."),
	); err != nil {
		return nil, err
	}
	if met.RuntimeErrors, err = m.Int64Counter("duplexvoice.runtime_errors",
		metric.WithDescription("Total asynchronous runtime faults by raw code."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("duplexvoice.barge_ins",
		metric.WithDescription("Total playback interruptions triggered by user speech."),
	); err != nil {
		return nil, err
	}
	if met.TTSRequests, err = m.Int64Counter("duplexvoice.tts.requests",
		metric.WithDescription("Total speech requests by outcome."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.BreakerTransitions, err = m.Int64Counter("duplexvoice.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}
	if met.ASRReconnects, err = m.Int64Counter("duplexvoice.asr.reconnects",
		metric.WithDescription("Recognition stream reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}

	if met.CommandDuration, err = m.Float64Histogram("duplexvoice.command.duration",
		metric.WithDescription("Latency of host commands by method."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("duplexvoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.BridgeClients, err = m.Int64UpDownCounter("duplexvoice.bridge.clients",
		metric.WithDescription("Number of connected host bridge clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("duplexvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordEvent increments the event counter for name.
func (m *Metrics) RecordEvent(ctx context.Context, name string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
}

// RecordRuntimeError increments the runtime error counter for a raw code.
func (m *Metrics) RecordRuntimeError(ctx context.Context, code string) {
	m.RuntimeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordTTSRequest increments the speech request counter with the given
// outcome, e.g. "accepted", "rejected", "completed" or "failed".
func (m *Metrics) RecordTTSRequest(ctx context.Context, status string) {
	m.TTSRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCommand records the latency of one host command.
func (m *Metrics) RecordCommand(ctx context.Context, method string, seconds float64) {
	m.CommandDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("method", method)))
}

// RecordBreakerTransition counts a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("state", state),
	))
}

// RecordASRReconnect counts one reconnect attempt with the given outcome,
// e.g. "success", "failure" or "exhausted".
func (m *Metrics) RecordASRReconnect(ctx context.Context, outcome string) {
	m.ASRReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
