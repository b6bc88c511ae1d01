// Package observe provides application-wide observability primitives for
// the Dialogue Runtime: OpenTelemetry metrics, distributed tracing,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all runtime metrics.
const meterName = "github.com/inknowing/dialogue-runtime"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the wall-clock time from SubmitTurn to the
	// terminal stream event, across all components (spec §4.1).
	TurnDuration metric.Float64Histogram

	// ProviderCallDuration tracks a single Model Router adapter invocation's
	// latency (spec §4.5).
	ProviderCallDuration metric.Float64Histogram

	// RetrievalDuration tracks Retrieval Index Adapter TopK query latency
	// (spec §4.7).
	RetrievalDuration metric.Float64Histogram

	// ContextAssemblyDuration tracks Context Assembler prompt-build latency
	// (spec §4.4).
	ContextAssemblyDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("tier", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// QuotaRejections counts turns rejected for exhausted quota (spec §4.3).
	// Use with attribute: attribute.String("membership", ...).
	QuotaRejections metric.Int64Counter

	// TurnsCompleted counts turns that reached a terminal Done event. Use
	// with attribute: attribute.String("outcome", "ok"|"error").
	TurnsCompleted metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors classified by the Model Router.
	// Use with attributes: attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live session workers (spec §5
	// resource model).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds), wide
// enough to cover a fast reference lookup and a multi-second LLM turn.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("dialogue_runtime.turn.duration",
		metric.WithDescription("Wall-clock latency of a dialogue turn, start to terminal event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderCallDuration, err = m.Float64Histogram("dialogue_runtime.provider_call.duration",
		metric.WithDescription("Latency of a single Model Router provider invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("dialogue_runtime.retrieval.duration",
		metric.WithDescription("Latency of a Retrieval Index Adapter TopK query."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ContextAssemblyDuration, err = m.Float64Histogram("dialogue_runtime.context_assembly.duration",
		metric.WithDescription("Latency of Context Assembler prompt construction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("dialogue_runtime.provider.requests",
		metric.WithDescription("Total provider API requests by provider, tier, and status."),
	); err != nil {
		return nil, err
	}
	if met.QuotaRejections, err = m.Int64Counter("dialogue_runtime.quota.rejections",
		metric.WithDescription("Total turns rejected for exhausted quota, by membership tier."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("dialogue_runtime.turns.completed",
		metric.WithDescription("Total turns that reached a terminal event, by outcome."),
	); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("dialogue_runtime.provider.errors",
		metric.WithDescription("Total provider errors by provider and error kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("dialogue_runtime.active_sessions",
		metric.WithDescription("Number of live session workers."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("dialogue_runtime.http.request.duration",
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
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, tier, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("tier", tier),
			attribute.String("status", status),
		),
	)
}

// RecordQuotaRejection is a convenience method that records a quota
// rejection counter increment.
func (m *Metrics) RecordQuotaRejection(ctx context.Context, membership string) {
	m.QuotaRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("membership", membership)),
	)
}

// RecordTurnCompleted is a convenience method that records a completed-turn
// counter increment.
func (m *Metrics) RecordTurnCompleted(ctx context.Context, outcome string) {
	m.TurnsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
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
