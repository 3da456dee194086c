// Package observe provides application-wide observability primitives for
// crosstalk: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all crosstalk metrics.
const meterName = "github.com/crosstalk-audio/crosstalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SeparationDuration tracks speech-separation inference latency.
	SeparationDuration metric.Float64Histogram

	// EmbeddingDuration tracks speaker-embedding inference latency.
	EmbeddingDuration metric.Float64Histogram

	// TranscriptionDuration tracks speech-to-text transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// WindowDuration tracks the full separation-to-assignment latency of one
	// audio window (excluding transcription, which runs off the critical path).
	WindowDuration metric.Float64Histogram

	// --- Counters ---

	// InferenceRequests counts adapter inference calls. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	InferenceRequests metric.Int64Counter

	// InferenceErrors counts failed adapter calls after retry. Use with
	// attribute: attribute.String("stage", ...)
	InferenceErrors metric.Int64Counter

	// ChunksDropped counts audio windows dropped under the configured
	// backpressure policy. Use with attribute: attribute.String("session_id", ...)
	ChunksDropped metric.Int64Counter

	// UnresolvedChannels counts separated channels that could not be
	// processed (inference failure after retry). Use with attribute:
	//   attribute.String("session_id", ...)
	UnresolvedChannels metric.Int64Counter

	// EventsDropped counts events lost to slow event-bus subscribers.
	EventsDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live pipeline sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveTracks tracks the number of live speaker tracks across all
	// sessions.
	ActiveTracks metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for audio-pipeline latencies.
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
	if met.SeparationDuration, err = m.Float64Histogram("crosstalk.separation.duration",
		metric.WithDescription("Latency of speech-separation inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("crosstalk.embedding.duration",
		metric.WithDescription("Latency of speaker-embedding inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("crosstalk.transcription.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WindowDuration, err = m.Float64Histogram("crosstalk.window.duration",
		metric.WithDescription("Separation-to-assignment latency of one audio window."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.InferenceRequests, err = m.Int64Counter("crosstalk.inference.requests",
		metric.WithDescription("Total adapter inference calls by stage and status."),
	); err != nil {
		return nil, err
	}
	if met.InferenceErrors, err = m.Int64Counter("crosstalk.inference.errors",
		metric.WithDescription("Adapter calls that failed after the retry budget, by stage."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("crosstalk.chunks.dropped",
		metric.WithDescription("Audio windows dropped under the backpressure drop policy."),
	); err != nil {
		return nil, err
	}
	if met.UnresolvedChannels, err = m.Int64Counter("crosstalk.channels.unresolved",
		metric.WithDescription("Separated channels marked unresolved after inference failure."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("crosstalk.events.dropped",
		metric.WithDescription("Events lost to slow event-bus subscribers."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("crosstalk.active_sessions",
		metric.WithDescription("Number of live pipeline sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTracks, err = m.Int64UpDownCounter("crosstalk.active_tracks",
		metric.WithDescription("Number of live speaker tracks across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("crosstalk.http.request.duration",
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

// RecordInference records an inference request counter increment with the
// standard attribute set.
func (m *Metrics) RecordInference(ctx context.Context, stage, status string) {
	m.InferenceRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordInferenceError records an inference error counter increment.
func (m *Metrics) RecordInferenceError(ctx context.Context, stage string) {
	m.InferenceErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordChunkDropped records one window dropped under the backpressure drop
// policy.
func (m *Metrics) RecordChunkDropped(ctx context.Context, sessionID string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session_id", sessionID)),
	)
}

// RecordUnresolvedChannel records one separated channel marked unresolved.
func (m *Metrics) RecordUnresolvedChannel(ctx context.Context, sessionID string) {
	m.UnresolvedChannels.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session_id", sessionID)),
	)
}

// RecordEventsDropped records n events lost by one slow event-bus subscriber.
// No-op for n <= 0.
func (m *Metrics) RecordEventsDropped(ctx context.Context, sessionID string, n int64) {
	if n <= 0 {
		return
	}
	m.EventsDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("session_id", sessionID)),
	)
}
