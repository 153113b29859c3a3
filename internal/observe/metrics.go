// Package observe provides application-wide observability primitives for
// voicecoach: OpenTelemetry metrics, tracing helpers, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider], which also returns the /metrics handler. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicecoach metrics.
const meterName = "github.com/MrWong99/voicecoach"

// Outcome attribute values shared by the counters below.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeInvalid = "invalid"
	OutcomePartial = "partial"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Upstream latency ---

	// CredentialDuration tracks ephemeral credential minting latency.
	CredentialDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding requests made by the recall indexer.
	EmbeddingDuration metric.Float64Histogram

	// StoreDuration tracks database operations. Use with attribute:
	//   attribute.String("op", ...)
	StoreDuration metric.Float64Histogram

	// --- Counters ---

	// CredentialMints counts credential requests. Use with attribute:
	//   attribute.String("outcome", ...)
	CredentialMints metric.Int64Counter

	// SessionSaves counts persisted sessions. Use with attributes:
	//   attribute.String("variant", "standalone"|"embedded"), attribute.String("outcome", ...)
	SessionSaves metric.Int64Counter

	// PersistedMessages counts transcript messages written to the store.
	PersistedMessages metric.Int64Counter

	// RecallIndexed counts messages processed by the recall indexer. Use with
	// attribute:
	//   attribute.String("outcome", ...)
	RecallIndexed metric.Int64Counter

	// --- Gauges ---

	// RecallQueueDepth tracks batches waiting for the recall indexer.
	RecallQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// upstream API and database calls.
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
	if met.CredentialDuration, err = m.Float64Histogram("voicecoach.credential.duration",
		metric.WithDescription("Latency of ephemeral realtime credential minting."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("voicecoach.embedding.duration",
		metric.WithDescription("Latency of transcript embedding requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreDuration, err = m.Float64Histogram("voicecoach.store.duration",
		metric.WithDescription("Latency of session store operations by op."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CredentialMints, err = m.Int64Counter("voicecoach.credential.mints",
		metric.WithDescription("Total credential requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionSaves, err = m.Int64Counter("voicecoach.session.saves",
		metric.WithDescription("Total session saves by variant and outcome."),
	); err != nil {
		return nil, err
	}
	if met.PersistedMessages, err = m.Int64Counter("voicecoach.session.messages",
		metric.WithDescription("Total transcript messages persisted."),
	); err != nil {
		return nil, err
	}
	if met.RecallIndexed, err = m.Int64Counter("voicecoach.recall.indexed",
		metric.WithDescription("Total messages processed by the recall indexer by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.RecallQueueDepth, err = m.Int64UpDownCounter("voicecoach.recall.queue_depth",
		metric.WithDescription("Number of transcript batches waiting to be indexed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicecoach.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordCredentialMint records one credential request and its latency.
func (m *Metrics) RecordCredentialMint(ctx context.Context, outcome string, d time.Duration) {
	m.CredentialMints.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
	m.CredentialDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordSessionSave records a save-session or update-session outcome and the
// number of messages it persisted.
func (m *Metrics) RecordSessionSave(ctx context.Context, variant, outcome string, messages int) {
	m.SessionSaves.Add(ctx, 1,
		metric.WithAttributes(
			Attr("variant", variant),
			Attr("outcome", outcome),
		),
	)
	if messages > 0 {
		m.PersistedMessages.Add(ctx, int64(messages), metric.WithAttributes(Attr("variant", variant)))
	}
}

// RecordStoreOp records the latency of one database operation.
func (m *Metrics) RecordStoreOp(ctx context.Context, op string, d time.Duration) {
	m.StoreDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("op", op)))
}

// RecordRecallIndexed records n messages processed by the recall indexer.
func (m *Metrics) RecordRecallIndexed(ctx context.Context, outcome string, n int) {
	m.RecallIndexed.Add(ctx, int64(n), metric.WithAttributes(Attr("outcome", outcome)))
}
