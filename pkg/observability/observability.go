// Package observability provides OpenTelemetry tracing and RED metrics for
// controlled runs, plus the slog logger construction shared by the binaries.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "kl.kernel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is a gRPC collector address, e.g. "localhost:4317".
	OTLPEndpoint string
	// SampleRate is the fraction of root runs traced, from 0 to 1.
	SampleRate float64
	// BatchTimeout bounds how long finished spans wait before export.
	BatchTimeout time.Duration
	// MetricInterval is the period between metric exports.
	MetricInterval time.Duration
	Enabled        bool
	// Insecure disables TLS towards the collector.
	Insecure bool
}

// DefaultConfig returns development defaults. Telemetry is off until enabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "kl",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics (Rate, Errors, Duration)
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// Disabled returns a provider that records nothing.
func Disabled() *Provider {
	return &Provider{
		config: &Config{Enabled: false},
		logger: slog.Default().With("component", "observability"),
	}
}

// New creates a provider exporting over OTLP/gRPC, and installs it as the global
// tracer and meter provider. A disabled config yields a no-op provider. The
// exporters dial lazily, so an unreachable collector does not fail New.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	spans, err := newSpanExporter(ctx, config)
	if err != nil {
		return nil, err
	}
	metrics, err := newMetricExporter(ctx, config)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, err
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(samplerFor(config.SampleRate)),
	)
	interval := config.MetricInterval
	if interval <= 0 {
		interval = DefaultConfig().MetricInterval
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(interval))),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initREDMetrics(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("observability: RED metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders wires caller-owned SDK providers, e.g. an in-memory span
// recorder and a manual metric reader. Globals are left untouched.
func NewWithProviders(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config:         &Config{Enabled: true},
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer(instrumentationName),
		meter:          mp.Meter(instrumentationName),
		logger:         slog.Default().With("component", "observability"),
	}
	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("observability: RED metrics: %w", err)
	}
	return p, nil
}

func newSpanExporter(ctx context.Context, config *Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: span exporter: %w", err)
	}
	return exp, nil
}

func newMetricExporter(ctx context.Context, config *Config) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	return exp, nil
}

// samplerFor traces every root run at rate >= 1 and none at rate <= 0. Child
// spans follow their parent's decision.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func (p *Provider) initREDMetrics() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("kl.executions.total",
		metric.WithDescription("Total number of controlled executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("kl.errors.total",
		metric.WithDescription("Total number of blocked or failed executions"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("kl.execution.duration",
		metric.WithDescription("Execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("kl.executions.active",
		metric.WithDescription("Number of executions in flight"),
		metric.WithUnit("{execution}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordError records an error with the given attributes.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// TrackOperation tracks an operation from start to finish. The returned function
// must be called exactly once when the operation completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.RecordError(ctx, err, attrs...)
		}
		span.End()
	}
}

// ExecutionAttrs returns the span attributes describing one controlled run.
func ExecutionAttrs(key, domain, effect string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("kl.descriptor.key", key),
		attribute.String("kl.descriptor.domain", domain),
		attribute.String("kl.descriptor.effect", effect),
	}
}
