// Package observe provides application-wide observability primitives for
// toolrun: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all toolrun metrics.
const meterName = "github.com/MrWong99/toolrun"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// InvocationDuration tracks wall-clock time of one tool invocation, from
	// validation to response. Attributes: tool, status.
	InvocationDuration metric.Float64Histogram

	// Invocations counts finished invocations. Attributes: tool, status, code.
	Invocations metric.Int64Counter

	// Retries counts retry attempts after a retryable failure.
	// Attributes: tool, code.
	Retries metric.Int64Counter

	// RateLimitRejections counts invocations refused by the rate limiter.
	// Attributes: tool, limit_type.
	RateLimitRejections metric.Int64Counter

	// MockInvocations counts invocations served by mock results.
	// Attributes: tool.
	MockInvocations metric.Int64Counter

	// AnalyticsFailures counts analytics events that could not be recorded.
	// Attributes: backend, reason.
	AnalyticsFailures metric.Int64Counter

	// AnalyticsDropped counts events dropped by slow live subscribers.
	AnalyticsDropped metric.Int64Counter

	// ActiveInvocations tracks invocations currently in flight.
	ActiveInvocations metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// DefaultInvocationBuckets defines histogram bucket boundaries (in seconds)
// covering in-process mocks up to slow third-party APIs with retries.
var DefaultInvocationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InvocationDuration, err = m.Float64Histogram("toolrun.invocation.duration",
		metric.WithDescription("Latency of tool invocations including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(DefaultInvocationBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Invocations, err = m.Int64Counter("toolrun.invocations",
		metric.WithDescription("Total tool invocations by tool, status, and error code."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("toolrun.retries",
		metric.WithDescription("Total retry attempts by tool and error code."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitRejections, err = m.Int64Counter("toolrun.rate_limit.rejections",
		metric.WithDescription("Total invocations rejected by the rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.MockInvocations, err = m.Int64Counter("toolrun.mock.invocations",
		metric.WithDescription("Total invocations served with mock results."),
	); err != nil {
		return nil, err
	}
	if met.AnalyticsFailures, err = m.Int64Counter("toolrun.analytics.failures",
		metric.WithDescription("Total analytics events that failed to record."),
	); err != nil {
		return nil, err
	}
	if met.AnalyticsDropped, err = m.Int64Counter("toolrun.analytics.dropped",
		metric.WithDescription("Total analytics events dropped by full subscriber buffers."),
	); err != nil {
		return nil, err
	}

	if met.ActiveInvocations, err = m.Int64UpDownCounter("toolrun.active_invocations",
		metric.WithDescription("Number of tool invocations in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("toolrun.http.request.duration",
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

// RecordInvocation records one finished invocation: the counter increment and
// its duration in seconds. code is empty on success.
func (m *Metrics) RecordInvocation(ctx context.Context, tool, status, code string, seconds float64) {
	m.Invocations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
			attribute.String("code", code),
		),
	)
	m.InvocationDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordRetry records one retry attempt.
func (m *Metrics) RecordRetry(ctx context.Context, tool, code string) {
	m.Retries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("code", code),
		),
	)
}

// RecordRateLimited records one rate-limiter rejection.
func (m *Metrics) RecordRateLimited(ctx context.Context, tool, limitType string) {
	m.RateLimitRejections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("limit_type", limitType),
		),
	)
}

// RecordMock records one mock-served invocation.
func (m *Metrics) RecordMock(ctx context.Context, tool string) {
	m.MockInvocations.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordAnalyticsFailure records one analytics event that could not be stored.
func (m *Metrics) RecordAnalyticsFailure(ctx context.Context, backend, reason string) {
	m.AnalyticsFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("reason", reason),
		),
	)
}
