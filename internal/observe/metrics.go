// Package observe provides application-wide observability primitives for
// koojai: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [Setup] so they can be scraped from /metrics. Tests
// should use [NewMetrics] with a private [metric.MeterProvider] (typically
// backed by an sdkmetric.ManualReader) to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all koojai metrics.
const meterName = "github.com/MrWong99/koojai"

// Drop reasons recorded on [Metrics.FramesDropped].
const (
	DropCaptureOverflow = "capture_overflow"
	DropCircuitOpen     = "circuit_open"
	DropSendError       = "send_error"
	DropDecodeError     = "decode_error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Uplink ---

	// FramesCaptured counts frames produced by the frame clock.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames delivered to the remote channel.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded anywhere in the pipeline. Use with
	// attribute.String("reason", ...), one of the Drop* constants.
	FramesDropped metric.Int64Counter

	// SendErrors counts failed channel sends.
	SendErrors metric.Int64Counter

	// --- Downlink ---

	// FramesReceived counts audio frames received from the remote channel.
	FramesReceived metric.Int64Counter

	// DecodeErrors counts inbound audio payloads that failed to decode.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in events that drained playback.
	Interruptions metric.Int64Counter

	// PlaybackAhead records how far ahead of the output clock each frame was
	// scheduled. A value near zero means playback is starving.
	PlaybackAhead metric.Float64Histogram

	// --- Sessions ---

	// SessionsStarted counts start attempts. Use with
	// attribute.String("status", "ok"|"failed").
	SessionsStarted metric.Int64Counter

	// ActiveSessions tracks the number of live sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// SessionStartDuration tracks how long Start takes to reach Live.
	SessionStartDuration metric.Float64Histogram

	// AnalysisDuration tracks end-of-session analysis latency. Use with
	// attribute.String("status", ...).
	AnalysisDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("route", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and analysis latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// aheadBuckets covers the playback queue depth, from starving to several
// seconds of buffered speech.
var aheadBuckets = []float64{
	0, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesCaptured, "koojai.frames.captured", "Frames produced by the capture clock."},
		{&met.FramesSent, "koojai.frames.sent", "Frames delivered to the remote channel."},
		{&met.FramesDropped, "koojai.frames.dropped", "Frames discarded, by reason."},
		{&met.SendErrors, "koojai.send.errors", "Failed channel sends."},
		{&met.FramesReceived, "koojai.frames.received", "Audio frames received from the remote channel."},
		{&met.DecodeErrors, "koojai.decode.errors", "Inbound audio payloads that failed to decode."},
		{&met.Interruptions, "koojai.interruptions", "Barge-in events that drained playback."},
		{&met.SessionsStarted, "koojai.sessions.started", "Session start attempts by status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("koojai.sessions.active",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	if met.PlaybackAhead, err = m.Float64Histogram("koojai.playback.ahead",
		metric.WithDescription("Scheduled start of each frame relative to the output clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(aheadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionStartDuration, err = m.Float64Histogram("koojai.session.start.duration",
		metric.WithDescription("Time from Start to Live."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("koojai.analysis.duration",
		metric.WithDescription("End-of-session analysis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("koojai.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDrop counts one dropped frame with the given reason.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionStart counts a start attempt and, on success, its latency.
func (m *Metrics) RecordSessionStart(ctx context.Context, err error, took time.Duration) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if err == nil {
		m.SessionStartDuration.Record(ctx, took.Seconds())
	}
}

// RecordAnalysis records the latency of one end-of-session analysis.
func (m *Metrics) RecordAnalysis(ctx context.Context, err error, took time.Duration) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.AnalysisDuration.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}
