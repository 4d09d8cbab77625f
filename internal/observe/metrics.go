// Package observe holds the kiosk's telemetry: OpenTelemetry instruments for
// the audio, transport and storage paths, span helpers that tie log lines to
// traces, and the HTTP middleware for the local API.
//
// [InitProvider] installs the global providers and, when enabled, a
// Prometheus registry scraped through [Provider.MetricsHandler]. Components
// default to [DefaultMetrics]; tests build their own with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all kiosk metrics.
const meterName = "github.com/fulgencio/kiosk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long the realtime relay takes to accept a
	// connection and the session handshake.
	ConnectDuration metric.Float64Histogram

	// PersistDuration tracks transcript persistence latency.
	PersistDuration metric.Float64Histogram

	// --- Counters ---

	// TransportMessages counts realtime messages. Use with attributes:
	//   attribute.String("direction", "in"|"out"), attribute.String("type", ...)
	TransportMessages metric.Int64Counter

	// TransportErrors counts dropped or failed messages. Use with attribute:
	//   attribute.String("kind", ...)
	TransportErrors metric.Int64Counter

	// CaptureFrames counts microphone frames forwarded to the relay.
	CaptureFrames metric.Int64Counter

	// PlaybackBuffers counts buffers handed to the speaker. Use with attribute:
	//   attribute.String("status", "played"|"failed"|"stopped")
	PlaybackBuffers metric.Int64Counter

	// Interruptions counts user barge-ins over assistant audio.
	Interruptions metric.Int64Counter

	// Responses counts response requests sent to the relay. Use with attribute:
	//   attribute.String("trigger", "silence"|"text"|"handshake")
	Responses metric.Int64Counter

	// StoreOperations counts storage collaborator calls. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("op", ...),
	//   attribute.String("status", ...)
	StoreOperations metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram

	// FeedConnections counts WebSocket upgrades on the API.
	FeedConnections metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for network round trips to the relay and storage.
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
	if met.ConnectDuration, err = m.Float64Histogram("kiosk.connect.duration",
		metric.WithDescription("Latency of opening the realtime channel including the handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistDuration, err = m.Float64Histogram("kiosk.persist.duration",
		metric.WithDescription("Latency of transcript persistence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TransportMessages, err = m.Int64Counter("kiosk.transport.messages",
		metric.WithDescription("Realtime messages by direction and type."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("kiosk.transport.errors",
		metric.WithDescription("Realtime messages dropped or failed by kind."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("kiosk.capture.frames",
		metric.WithDescription("Microphone frames captured."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBuffers, err = m.Int64Counter("kiosk.playback.buffers",
		metric.WithDescription("Playback buffers by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("kiosk.conversation.interruptions",
		metric.WithDescription("User barge-ins over assistant audio."),
	); err != nil {
		return nil, err
	}
	if met.Responses, err = m.Int64Counter("kiosk.conversation.responses",
		metric.WithDescription("Response requests sent by trigger."),
	); err != nil {
		return nil, err
	}
	if met.StoreOperations, err = m.Int64Counter("kiosk.store.operations",
		metric.WithDescription("Storage operations by backend, op, and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kiosk.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kiosk.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route, and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.FeedConnections, err = m.Int64Counter("kiosk.http.feed.connections",
		metric.WithDescription("WebSocket feed connections accepted."),
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

// RecordMessage records one realtime message in the given direction.
func (m *Metrics) RecordMessage(ctx context.Context, direction, msgType string) {
	m.TransportMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("type", msgType),
		),
	)
}

// RecordTransportError records a dropped or failed realtime message.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordPlayback records the outcome of one playback buffer.
func (m *Metrics) RecordPlayback(ctx context.Context, status string) {
	m.PlaybackBuffers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordResponse records a response request and what triggered it.
func (m *Metrics) RecordResponse(ctx context.Context, trigger string) {
	m.Responses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
}

// RecordStoreOp records a storage collaborator call with the standard
// attribute set.
func (m *Metrics) RecordStoreOp(ctx context.Context, backend, op, status string) {
	m.StoreOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}
