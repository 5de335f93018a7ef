// Package observe provides application-wide observability primitives for
// lingorelay: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all lingorelay metrics.
const meterName = "github.com/MrWong99/lingorelay"

// Frame directions used with [Metrics.RecordFrame].
const (
	DirectionInbound  = "client_to_upstream"
	DirectionOutbound = "upstream_to_client"
)

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveConnections tracks live client/upstream connection pairs.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks sessions held by the registry (claimed or not).
	ActiveSessions metric.Int64UpDownCounter

	// --- Latency histograms ---

	// UpstreamDialDuration tracks how long opening an upstream session takes.
	UpstreamDialDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsCreated counts session creation attempts. Use with attribute:
	//   attribute.String("status", "created"|"quota_exceeded"|"placement_required")
	SessionsCreated metric.Int64Counter

	// Frames counts relayed frames. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("kind", ...)
	Frames metric.Int64Counter

	// FramesDropped counts frames the relay discarded. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// Turns counts turn-taking outcomes. Use with attribute:
	//   attribute.String("kind", "commit"|"barge_in"|"continuation"|"cleared")
	Turns metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// UsageMinutes accumulates metered speech minutes.
	UsageMinutes metric.Float64Counter

	// UsageWrites counts durable usage writes. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"dropped")
	UsageWrites metric.Int64Counter

	// UpstreamErrors counts upstream error events. Use with attribute:
	//   attribute.String("code", ...)
	UpstreamErrors metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for real-time voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("lingorelay.connections.active",
		metric.WithDescription("Number of live client/upstream connection pairs."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("lingorelay.sessions.active",
		metric.WithDescription("Number of sessions held by the registry."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.UpstreamDialDuration, err = m.Float64Histogram("lingorelay.upstream.dial.duration",
		metric.WithDescription("Latency of opening an upstream speech session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("lingorelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsCreated, err = m.Int64Counter("lingorelay.sessions.created",
		metric.WithDescription("Session creation attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("lingorelay.frames",
		metric.WithDescription("Relayed frames by direction and kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("lingorelay.frames.dropped",
		metric.WithDescription("Frames discarded by the relay by reason."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("lingorelay.turns",
		metric.WithDescription("Turn-taking outcomes by kind."),
	); err != nil {
		return nil, err
	}
	if met.UsageMinutes, err = m.Float64Counter("lingorelay.usage.minutes",
		metric.WithDescription("Metered speech minutes."),
		metric.WithUnit("min"),
	); err != nil {
		return nil, err
	}
	if met.UsageWrites, err = m.Int64Counter("lingorelay.usage.writes",
		metric.WithDescription("Durable usage writes by status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("lingorelay.upstream.errors",
		metric.WithDescription("Upstream error events by code."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("lingorelay.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
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

// RecordFrame counts one relayed frame.
func (m *Metrics) RecordFrame(ctx context.Context, direction, kind string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("kind", kind),
	))
}

// RecordDrop counts one discarded frame.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDrops counts n discarded frames at once.
func (m *Metrics) RecordDrops(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTurn counts one turn-taking outcome.
func (m *Metrics) RecordTurn(ctx context.Context, kind string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordUsageWrite counts one durable usage write attempt.
func (m *Metrics) RecordUsageWrite(ctx context.Context, status string) {
	m.UsageWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordUpstreamError counts one upstream error event.
func (m *Metrics) RecordUpstreamError(ctx context.Context, code string) {
	if code == "" {
		code = "unknown"
	}
	m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordSessionCreated counts one session creation attempt.
func (m *Metrics) RecordSessionCreated(ctx context.Context, status string) {
	m.SessionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBreakerTransition counts one circuit breaker state change. to is the
// state's string form.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("to", to),
	))
}
