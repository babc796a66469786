// Package observe provides application-wide observability primitives for
// callrelay: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all callrelay metrics.
const meterName = "github.com/MrWong99/callrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// CallDuration tracks connected call length from telephony connect to
	// disconnect.
	CallDuration metric.Float64Histogram

	// SpeechConnectDuration tracks how long the speech endpoint takes to
	// accept a session.
	SpeechConnectDuration metric.Float64Histogram

	// --- Counters ---

	// ResolverLookups counts configuration lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss"|"not_found"|"error")
	ResolverLookups metric.Int64Counter

	// RoutingDecisions counts router outcomes. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("reason", ...)
	RoutingDecisions metric.Int64Counter

	// DegradedRoutes counts routing fallbacks. Use with attribute:
	//   attribute.String("branch", ...)
	DegradedRoutes metric.Int64Counter

	// FramesRelayed counts audio frames forwarded. Use with attribute:
	//   attribute.String("direction", "inbound"|"outbound")
	FramesRelayed metric.Int64Counter

	// CallsFinalized counts finalized call records. Use with attribute:
	//   attribute.String("status", ...)
	CallsFinalized metric.Int64Counter

	// --- Error counters ---

	// TranscodeErrors counts dropped malformed frames. Use with attribute:
	//   attribute.String("direction", ...)
	TranscodeErrors metric.Int64Counter

	// SinkErrors counts failed call-record writes. Use with attribute:
	//   attribute.String("op", ...)
	SinkErrors metric.Int64Counter

	// SessionStoreFallbacks counts session store operations served by the
	// in-memory fallback. Use with attribute:
	//   attribute.String("op", ...)
	SessionStoreFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live duplex links.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call
// lengths.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("callrelay.call.duration",
		metric.WithDescription("Length of relayed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechConnectDuration, err = m.Float64Histogram("callrelay.speech.connect.duration",
		metric.WithDescription("Latency of opening a speech endpoint session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ResolverLookups, err = m.Int64Counter("callrelay.resolver.lookups",
		metric.WithDescription("Configuration lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.RoutingDecisions, err = m.Int64Counter("callrelay.routing.decisions",
		metric.WithDescription("Routing decisions by kind and reason."),
	); err != nil {
		return nil, err
	}
	if met.DegradedRoutes, err = m.Int64Counter("callrelay.routing.degraded",
		metric.WithDescription("Routing fallbacks to the first configured agent by branch."),
	); err != nil {
		return nil, err
	}
	if met.FramesRelayed, err = m.Int64Counter("callrelay.relay.frames",
		metric.WithDescription("Audio frames forwarded by direction."),
	); err != nil {
		return nil, err
	}
	if met.CallsFinalized, err = m.Int64Counter("callrelay.calls.finalized",
		metric.WithDescription("Finalized call records by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TranscodeErrors, err = m.Int64Counter("callrelay.relay.transcode_errors",
		metric.WithDescription("Dropped malformed audio frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("callrelay.sink.errors",
		metric.WithDescription("Failed call record writes by operation."),
	); err != nil {
		return nil, err
	}
	if met.SessionStoreFallbacks, err = m.Int64Counter("callrelay.sessions.fallbacks",
		metric.WithDescription("Session store operations served from memory by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callrelay.active_calls",
		metric.WithDescription("Number of live duplex links."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callrelay.http.request.duration",
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

// RecordResolverLookup increments the lookup counter for result.
func (m *Metrics) RecordResolverLookup(ctx context.Context, result string) {
	m.ResolverLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRoutingDecision increments the decision counter. reason is empty for
// non-reject decisions.
func (m *Metrics) RecordRoutingDecision(ctx context.Context, kind, reason string) {
	m.RoutingDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		),
	)
}

// RecordDegradedRoute increments the fallback counter for branch.
func (m *Metrics) RecordDegradedRoute(ctx context.Context, branch string) {
	m.DegradedRoutes.Add(ctx, 1, metric.WithAttributes(attribute.String("branch", branch)))
}

// RecordFrame increments the relayed frame counter for direction.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.FramesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordTranscodeError increments the dropped frame counter for direction.
func (m *Metrics) RecordTranscodeError(ctx context.Context, direction string) {
	m.TranscodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordSinkError increments the sink error counter for op.
func (m *Metrics) RecordSinkError(ctx context.Context, op string) {
	m.SinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordStoreFallback increments the session store fallback counter for op.
func (m *Metrics) RecordStoreFallback(ctx context.Context, op string) {
	m.SessionStoreFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordCallFinalized records a finished call's status and length.
func (m *Metrics) RecordCallFinalized(ctx context.Context, status string, seconds float64) {
	m.CallsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.CallDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}
