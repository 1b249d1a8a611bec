// Package observe provides application-wide observability primitives for
// livecoach: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a private Prometheus registry served by
// [Telemetry.Handler] on /metrics. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livecoach metrics.
const meterName = "github.com/MrWong99/livecoach"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// PipelineDuration tracks one full capture → session → container run.
	PipelineDuration metric.Float64Histogram

	// ConnectDuration tracks the realtime session handshake.
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// PipelineRuns counts finished runs. Use with attribute:
	//   attribute.String("status", "ok"|"partial"|"error")
	PipelineRuns metric.Int64Counter

	// FramesCaptured counts frames read from capture sources.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded by the drop_oldest policy.
	FramesDropped metric.Int64Counter

	// BytesSent counts PCM bytes handed to realtime sessions.
	BytesSent metric.Int64Counter

	// ChunksReceived counts response chunks delivered by sessions.
	ChunksReceived metric.Int64Counter

	// BytesReceived counts response PCM bytes.
	BytesReceived metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts session failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveInvocations tracks the number of pipelines currently running.
	ActiveInvocations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Runs
// include several seconds of capture, so the tail is long.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PipelineDuration, err = m.Float64Histogram("livecoach.pipeline.duration",
		metric.WithDescription("Duration of a full pipeline run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("livecoach.session.connect.duration",
		metric.WithDescription("Latency of the realtime session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PipelineRuns, err = m.Int64Counter("livecoach.pipeline.runs",
		metric.WithDescription("Total pipeline runs by status."),
	); err != nil {
		return nil, err
	}
	if met.FramesCaptured, err = m.Int64Counter("livecoach.capture.frames",
		metric.WithDescription("Total frames read from capture sources."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livecoach.capture.frames_dropped",
		metric.WithDescription("Total captured frames dropped under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("livecoach.session.bytes_sent",
		metric.WithDescription("Total PCM bytes sent to realtime sessions."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("livecoach.session.chunks_received",
		metric.WithDescription("Total response chunks received."),
	); err != nil {
		return nil, err
	}
	if met.BytesReceived, err = m.Int64Counter("livecoach.session.bytes_received",
		metric.WithDescription("Total response PCM bytes received."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("livecoach.session.errors",
		metric.WithDescription("Total session errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveInvocations, err = m.Int64UpDownCounter("livecoach.active_invocations",
		metric.WithDescription("Number of pipeline runs in progress."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livecoach.http.request.duration",
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

// RecordRun records one finished pipeline run.
func (m *Metrics) RecordRun(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.PipelineRuns.Add(ctx, 1, attrs)
	m.PipelineDuration.Record(ctx, seconds, attrs)
}

// RecordSessionError is a convenience method that records a session error
// counter increment.
func (m *Metrics) RecordSessionError(ctx context.Context, provider, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
