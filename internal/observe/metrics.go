// Package observe provides application-wide observability primitives for
// scribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus registry served at /metrics. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all scribe metrics.
const meterName = "github.com/MrWong99/scribe"

// Cycle outcomes recorded on [Metrics.Cycles].
const (
	CycleOK      = "ok"
	CycleError   = "error"
	CycleSkipped = "skipped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text engine latency.
	STTDuration metric.Float64Histogram

	// PreprocessDuration tracks normalisation plus noise reduction latency.
	PreprocessDuration metric.Float64Histogram

	// CycleDuration tracks one full snapshot-to-publish cycle.
	CycleDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts engine calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Cycles counts orchestrator cycles. Use with attribute:
	//   attribute.String("status", CycleOK|CycleError|CycleSkipped)
	Cycles metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// TranscriptUpdates counts published transcript states.
	TranscriptUpdates metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts engine errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// QueueOverruns counts chunks dropped by the sample queue.
	QueueOverruns metric.Int64Counter

	// PreprocessFallbacks counts windows that skipped noise reduction.
	PreprocessFallbacks metric.Int64Counter

	// --- Gauges ---

	// StreamSubscribers tracks live transcript stream clients.
	StreamSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for batch transcription latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("scribe.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PreprocessDuration, err = m.Float64Histogram("scribe.preprocess.duration",
		metric.WithDescription("Latency of window normalisation and noise reduction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CycleDuration, err = m.Float64Histogram("scribe.cycle.duration",
		metric.WithDescription("Latency of one transcription cycle from snapshot to publish."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("scribe.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("scribe.provider.requests",
		metric.WithDescription("Total engine requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Cycles, err = m.Int64Counter("scribe.cycles",
		metric.WithDescription("Total transcription cycles by status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("scribe.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptUpdates, err = m.Int64Counter("scribe.transcript.updates",
		metric.WithDescription("Total transcript states published."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("scribe.provider.errors",
		metric.WithDescription("Total engine errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.QueueOverruns, err = m.Int64Counter("scribe.queue.overruns",
		metric.WithDescription("Audio chunks dropped because the sample queue was full."),
	); err != nil {
		return nil, err
	}
	if met.PreprocessFallbacks, err = m.Int64Counter("scribe.preprocess.fallbacks",
		metric.WithDescription("Windows transcribed without noise reduction after a reducer failure."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.StreamSubscribers, err = m.Int64UpDownCounter("scribe.stream.subscribers",
		metric.WithDescription("Number of connected live transcript clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("scribe.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCycle records the outcome and duration of one orchestrator cycle.
// Skipped cycles carry no duration.
func (m *Metrics) RecordCycle(ctx context.Context, status string, seconds float64) {
	m.Cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status != CycleSkipped {
		m.CycleDuration.Record(ctx, seconds)
	}
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordQueueOverrun records one dropped chunk. It has no request context,
// so it is recorded against the background context.
func (m *Metrics) RecordQueueOverrun() {
	m.QueueOverruns.Add(context.Background(), 1)
}

// RecordPreprocessFallback records one window that skipped noise reduction.
func (m *Metrics) RecordPreprocessFallback(ctx context.Context, reason string) {
	m.PreprocessFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
