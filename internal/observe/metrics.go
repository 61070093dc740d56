// Package observe provides observability primitives for the Vocero voice
// bridge: OpenTelemetry metrics, tracing helpers, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// through a Prometheus bridge ([InitProvider]) so the standard /metrics
// endpoint keeps working. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vocero metrics.
const meterName = "github.com/vocero-ai/vocero"

// Metrics holds all OpenTelemetry metric instruments for the bridge. All
// fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// Calls counts completed calls. Use with attributes:
	//   attribute.String("tenant", ...), attribute.String("provider", ...), attribute.String("outcome", ...)
	Calls metric.Int64Counter

	// AudioBytes counts audio payload bytes through the bridge. Use with:
	//   attribute.String("tenant", ...), attribute.String("direction", "in"|"out")
	AudioBytes metric.Int64Counter

	// ResponseLatency tracks the gap between end of caller speech and the
	// first agent audio frame.
	ResponseLatency metric.Float64Histogram

	// TransferDuration tracks announced-transfer wall time from originate
	// to bridge or abort.
	TransferDuration metric.Float64Histogram

	// TransferAttempts counts transfer attempts. Use with:
	//   attribute.String("tenant", ...), attribute.String("outcome", ...)
	TransferAttempts metric.Int64Counter

	// ToolCalls counts tool invocations. Use with:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Callbacks counts scheduled callbacks per tenant.
	Callbacks metric.Int64Counter

	// ExtensionChecks counts extension-availability lookups. Use with:
	//   attribute.String("tenant", ...), attribute.String("result", ...)
	ExtensionChecks metric.Int64Counter

	// ProviderErrors counts provider errors. Use with:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Failovers counts provider failovers. Use with:
	//   attribute.String("from", ...), attribute.String("to", ...)
	Failovers metric.Int64Counter

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveStreams tracks open switch-side audio stream connections.
	ActiveStreams metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// conversational voice latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10,
}

// transferBuckets covers originate-to-bridge wall times.
var transferBuckets = []float64{
	1, 2.5, 5, 10, 15, 30, 45, 60, 90, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Calls, err = m.Int64Counter("vocero.calls",
		metric.WithDescription("Total calls by tenant, provider, and outcome."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("vocero.audio.bytes",
		metric.WithDescription("Audio bytes through the bridge by tenant and direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("vocero.response.latency",
		metric.WithDescription("Gap between end of caller speech and first agent audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransferDuration, err = m.Float64Histogram("vocero.transfer.duration",
		metric.WithDescription("Announced-transfer wall time from originate to bridge or abort."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(transferBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransferAttempts, err = m.Int64Counter("vocero.transfer.attempts",
		metric.WithDescription("Transfer attempts by tenant and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("vocero.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Callbacks, err = m.Int64Counter("vocero.callbacks",
		metric.WithDescription("Scheduled callbacks by tenant."),
	); err != nil {
		return nil, err
	}
	if met.ExtensionChecks, err = m.Int64Counter("vocero.extension.checks",
		metric.WithDescription("Extension availability lookups by tenant and result."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("vocero.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Failovers, err = m.Int64Counter("vocero.provider.failovers",
		metric.WithDescription("Provider failovers by source and destination provider."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("vocero.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("vocero.active_streams",
		metric.WithDescription("Number of open switch audio stream connections."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocero.http.request.duration",
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

// RecordCall records one completed call with the standard attribute set.
func (m *Metrics) RecordCall(ctx context.Context, tenant, provider, outcome string) {
	m.Calls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordAudio records audio payload bytes moving through the bridge.
func (m *Metrics) RecordAudio(ctx context.Context, tenant, direction string, n int) {
	m.AudioBytes.Add(ctx, int64(n),
		metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("direction", direction),
		),
	)
}

// RecordToolCall records a tool invocation with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTransfer records one transfer attempt and its wall time.
func (m *Metrics) RecordTransfer(ctx context.Context, tenant, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("outcome", outcome),
	)
	m.TransferAttempts.Add(ctx, 1, attrs)
	m.TransferDuration.Record(ctx, seconds, attrs)
}

// RecordProviderError records a provider error by provider and error kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
