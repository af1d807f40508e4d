// Package observe provides application-wide observability primitives for
// dialvox: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all dialvox metrics.
const meterName = "github.com/dialvox/dialvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// HandshakeDuration tracks speech-session establishment latency, from
	// dial start to the backend's welcome.
	HandshakeDuration metric.Float64Histogram

	// FramesRelayed counts audio frames relayed per call direction. Use with
	// attribute: attribute.String("direction", "inbound"|"outbound")
	FramesRelayed metric.Int64Counter

	// FramesDropped counts frames and notifications shed by bounded queues.
	// Use with attribute:
	//   attribute.String("queue",
	//     "speech_send"|"speech_playback"|"leg_inbound"|"listener"|"playback")
	FramesDropped metric.Int64Counter

	// SpeechReconnects counts speech-channel reconnection attempts consumed
	// across all calls.
	SpeechReconnects metric.Int64Counter

	// EventsDelivered counts backend events fanned out to listeners. Use with
	// attribute: attribute.String("type", ...)
	EventsDelivered metric.Int64Counter

	// ActiveBridges tracks the number of live audio bridges.
	ActiveBridges metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for call-setup and relay latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HandshakeDuration, err = m.Float64Histogram("dialvox.handshake.duration",
		metric.WithDescription("Latency of speech-session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesRelayed, err = m.Int64Counter("dialvox.frames.relayed",
		metric.WithDescription("Total audio frames relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("dialvox.frames.dropped",
		metric.WithDescription("Total frames and notifications shed by bounded queues."),
	); err != nil {
		return nil, err
	}
	if met.SpeechReconnects, err = m.Int64Counter("dialvox.speech.reconnects",
		metric.WithDescription("Total speech-channel reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.EventsDelivered, err = m.Int64Counter("dialvox.events.delivered",
		metric.WithDescription("Total backend events fanned out to listeners by type."),
	); err != nil {
		return nil, err
	}

	if met.ActiveBridges, err = m.Int64UpDownCounter("dialvox.active_bridges",
		metric.WithDescription("Number of live audio bridges."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("dialvox.http.request.duration",
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

// RecordFrame is a convenience method that counts one relayed frame for the
// given direction ("inbound" is caller to backend, "outbound" is playback).
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.FramesRelayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordDrops is a convenience method that counts n shed entries for the
// named queue.
func (m *Metrics) RecordDrops(ctx context.Context, queue string, n int64) {
	if n == 0 {
		return
	}
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordEvent is a convenience method that counts one delivered backend
// event by type name.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.EventsDelivered.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}
