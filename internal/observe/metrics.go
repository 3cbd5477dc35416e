// Package observe provides application-wide observability primitives for
// Kanan: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// Prometheus scraping via [InitProvider]. Components receive a *[Metrics]
// through their options; every Record method is a no-op on a nil receiver so
// that tests and minimal setups can leave metrics out entirely. Tests should
// use [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Kanan metrics.
const meterName = "github.com/MrWong99/kanan"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// DetectorDuration tracks round-trip latency of external detector calls.
	DetectorDuration metric.Float64Histogram

	// FaceMatchDuration tracks per-frame face matching latency.
	FaceMatchDuration metric.Float64Histogram

	// FaceRebuildDuration tracks face database rebuild latency.
	FaceRebuildDuration metric.Float64Histogram

	// SpeechLatency tracks time from enqueue to end of playback.
	SpeechLatency metric.Float64Histogram

	// --- Counters ---

	// Announcements counts queued announcements. Use with attribute:
	//   attribute.String("kind", "face"|"objects"|"text"|"system")
	Announcements metric.Int64Counter

	// DetectorRequests counts detector gateway outcomes. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"throttled"|"circuit_open")
	DetectorRequests metric.Int64Counter

	// CameraReconnects counts successful camera recoveries.
	CameraReconnects metric.Int64Counter

	// Commands counts dispatched voice commands. Use with attribute:
	//   attribute.String("intent", ...)
	Commands metric.Int64Counter

	// Utterances counts delivered utterances. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"text_only")
	Utterances metric.Int64Counter

	// --- Gauges ---

	// KnownSubjects is the number of records in the active face snapshot.
	KnownSubjects metric.Int64Gauge

	// SpeechQueueDepth is the number of utterances waiting to be spoken.
	SpeechQueueDepth metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status server request time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning a
// 10ms perception tick up to a long spoken sentence.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DetectorDuration, err = m.Float64Histogram("kanan.detector.duration",
		metric.WithDescription("Latency of external object/text detector calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FaceMatchDuration, err = m.Float64Histogram("kanan.faces.match.duration",
		metric.WithDescription("Latency of matching faces in one frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FaceRebuildDuration, err = m.Float64Histogram("kanan.faces.rebuild.duration",
		metric.WithDescription("Latency of rebuilding the face database."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechLatency, err = m.Float64Histogram("kanan.speech.latency",
		metric.WithDescription("Time from enqueue to end of playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Announcements, err = m.Int64Counter("kanan.announcements",
		metric.WithDescription("Total announcements queued by kind."),
	); err != nil {
		return nil, err
	}
	if met.DetectorRequests, err = m.Int64Counter("kanan.detector.requests",
		metric.WithDescription("Total detector gateway calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CameraReconnects, err = m.Int64Counter("kanan.camera.reconnects",
		metric.WithDescription("Total successful camera reconnects."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("kanan.voice.commands",
		metric.WithDescription("Total voice commands dispatched by intent."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("kanan.speech.utterances",
		metric.WithDescription("Total utterances delivered by status."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.KnownSubjects, err = m.Int64Gauge("kanan.faces.known",
		metric.WithDescription("Number of subjects in the active face snapshot."),
	); err != nil {
		return nil, err
	}
	if met.SpeechQueueDepth, err = m.Int64Gauge("kanan.speech.queue_depth",
		metric.WithDescription("Number of utterances waiting to be spoken."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kanan.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordAnnouncement counts one queued announcement of the given kind.
func (m *Metrics) RecordAnnouncement(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Announcements.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordDetectorRequest counts one gateway outcome. latency is recorded only
// for calls that reached the network.
func (m *Metrics) RecordDetectorRequest(ctx context.Context, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.DetectorRequests.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
	if latency > 0 {
		m.DetectorDuration.Record(ctx, latency.Seconds(),
			metric.WithAttributes(Attr("status", status)))
	}
}

// RecordCameraReconnect counts one camera recovery.
func (m *Metrics) RecordCameraReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.CameraReconnects.Add(ctx, 1)
}

// RecordCommand counts one dispatched voice command.
func (m *Metrics) RecordCommand(ctx context.Context, intent string) {
	if m == nil {
		return
	}
	m.Commands.Add(ctx, 1, metric.WithAttributes(Attr("intent", intent)))
}

// RecordUtterance counts one delivered utterance and its end-to-end latency.
func (m *Metrics) RecordUtterance(ctx context.Context, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
	m.SpeechLatency.Record(ctx, latency.Seconds())
}

// RecordSpeechQueueDepth sets the speech queue gauge.
func (m *Metrics) RecordSpeechQueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.SpeechQueueDepth.Record(ctx, int64(depth))
}

// RecordFaceMatch records the latency of one matching pass.
func (m *Metrics) RecordFaceMatch(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.FaceMatchDuration.Record(ctx, d.Seconds())
}

// RecordFaceRebuild records a finished rebuild and the resulting subject
// count.
func (m *Metrics) RecordFaceRebuild(ctx context.Context, d time.Duration, subjects int) {
	if m == nil {
		return
	}
	m.FaceRebuildDuration.Record(ctx, d.Seconds())
	m.KnownSubjects.Record(ctx, int64(subjects))
}
