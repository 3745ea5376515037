package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Trace exporter names accepted by [TraceConfig].
const (
	ExporterNone = "none"
	ExporterOTLP = "otlp"
)

// TraceConfig selects where spans for tool invocations are shipped.
type TraceConfig struct {
	// Exporter is "none" (or empty) to keep spans in-process, or "otlp" to
	// push them to an OTLP/HTTP collector.
	Exporter string

	// Endpoint is the collector host:port for the otlp exporter.
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// SampleRatio is the fraction of root spans kept. Values outside (0, 1]
	// sample everything.
	SampleRatio float64
}

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "toolrun".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// Traces configures the span exporter and sampler.
	Traces TraceConfig

	// TraceExporter overrides Traces.Exporter with a ready-made exporter.
	// Tests use it to capture spans in memory.
	TraceExporter sdktrace.SpanExporter

	// InvocationBuckets are the histogram boundaries in seconds for
	// toolrun.invocation.duration. Empty means [DefaultInvocationBuckets].
	InvocationBuckets []float64
}

// InvocationView returns a view that buckets the invocation-duration
// histogram with the given boundaries.
func InvocationView(buckets []float64) sdkmetric.View {
	if len(buckets) == 0 {
		buckets = DefaultInvocationBuckets
	}
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "toolrun.invocation.duration"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
			Boundaries: append([]float64(nil), buckets...),
		}},
	)
}

// newSpanExporter builds the exporter named by cfg. It returns a nil
// exporter for "none".
func newSpanExporter(ctx context.Context, cfg TraceConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterOTLP:
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observe: otlp trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("observe: unsupported trace exporter %q", cfg.Exporter)
	}
}

// sampler keeps ratio of root spans and follows the parent decision for the
// rest.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// InitProvider initialises the OTel SDK with the given config. It sets up:
//
//   - A [sdkmetric.MeterProvider] with a Prometheus exporter so metrics can
//     be scraped via /metrics, with [InvocationView] applied.
//   - A [sdktrace.TracerProvider] batching spans to the configured exporter.
//
// Both providers are registered as the global OTel providers.
//
// Returns a shutdown function that flushes and closes exporters. Call it in a
// defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "toolrun"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter := cfg.TraceExporter
	if exporter == nil {
		if exporter, err = newSpanExporter(ctx, cfg.Traces); err != nil {
			return nil, err
		}
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
		sdkmetric.WithView(InvocationView(cfg.InvocationBuckets)),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.Traces.SampleRatio)),
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
