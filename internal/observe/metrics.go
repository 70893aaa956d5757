// Package observe provides application-wide observability primitives for the
// echo cancellation harness: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/shannonbay/android-webrtc-aecm"

// Frame path labels for [Metrics.RecordFrame].
const (
	PathCancelled   = "cancelled"
	PathPassthrough = "passthrough"
	PathFallback    = "fallback"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CycleDuration tracks one capture → cancel → playback cycle.
	CycleDuration metric.Float64Histogram

	// EngineDuration tracks the farend + cancel engine calls of one cycle.
	EngineDuration metric.Float64Histogram

	// --- Counters ---

	// Frames counts frames written to the sink. Use with attribute:
	//   attribute.String("path", PathCancelled|PathPassthrough|PathFallback)
	Frames metric.Int64Counter

	// FrameErrors counts frame-level failures. Use with attributes:
	//   attribute.String("op", ...), attribute.String("kind", ...)
	FrameErrors metric.Int64Counter

	// Prepares counts session (re-)preparations. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Prepares metric.Int64Counter

	// ConfigReloads counts applied configuration changes. Use with attribute:
	//   attribute.String("source", "file"|"api")
	ConfigReloads metric.Int64Counter

	// --- Gauges ---

	// EngineHandles tracks the number of engine handles owned by sessions.
	EngineHandles metric.Int64UpDownCounter

	// LoopsRunning tracks the number of running duplex loops.
	LoopsRunning metric.Int64UpDownCounter

	// MonitorListeners tracks connected monitor clients.
	MonitorListeners metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// cycleBuckets defines histogram bucket boundaries (in seconds) for 10–20 ms
// audio frames.
var cycleBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.015, 0.02, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CycleDuration, err = m.Float64Histogram("aecm.loop.cycle.duration",
		metric.WithDescription("Latency of one capture, cancel and playback cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineDuration, err = m.Float64Histogram("aecm.engine.duration",
		metric.WithDescription("Latency of the far-end and cancel engine calls per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Frames, err = m.Int64Counter("aecm.loop.frames",
		metric.WithDescription("Total frames written to the sink by path."),
	); err != nil {
		return nil, err
	}
	if met.FrameErrors, err = m.Int64Counter("aecm.frame.errors",
		metric.WithDescription("Total frame-level failures by operation and kind."),
	); err != nil {
		return nil, err
	}
	if met.Prepares, err = m.Int64Counter("aecm.session.prepares",
		metric.WithDescription("Total session preparations by status."),
	); err != nil {
		return nil, err
	}
	if met.ConfigReloads, err = m.Int64Counter("aecm.config.reloads",
		metric.WithDescription("Total applied configuration changes by source."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.EngineHandles, err = m.Int64UpDownCounter("aecm.engine.handles",
		metric.WithDescription("Number of engine handles owned by sessions."),
	); err != nil {
		return nil, err
	}
	if met.LoopsRunning, err = m.Int64UpDownCounter("aecm.loop.running",
		metric.WithDescription("Number of running duplex loops."),
	); err != nil {
		return nil, err
	}
	if met.MonitorListeners, err = m.Int64UpDownCounter("aecm.monitor.listeners",
		metric.WithDescription("Number of connected monitor clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aecm.http.request.duration",
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

// RecordFrame records one frame written to the sink and the cycle latency.
func (m *Metrics) RecordFrame(ctx context.Context, path string, cycle time.Duration) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	m.CycleDuration.Record(ctx, cycle.Seconds())
}

// RecordFrameError records a frame-level failure.
func (m *Metrics) RecordFrameError(ctx context.Context, op, kind string) {
	m.FrameErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", kind),
		),
	)
}

// RecordPrepare records a session preparation outcome.
func (m *Metrics) RecordPrepare(ctx context.Context, status string) {
	m.Prepares.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordConfigReload records an applied configuration change.
func (m *Metrics) RecordConfigReload(ctx context.Context, source string) {
	m.ConfigReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
