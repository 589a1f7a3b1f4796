// Package observability provides OpenTelemetry tracing and metrics for the
// consent engine: token lifecycle counters, guard decision latency, and
// audit chain throughput, exported over OTLP.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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

const instrumentationName = "consense-labs.cct"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults with telemetry off; deployments
// opt in explicitly.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cct-consent-engine",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages the trace and metric providers plus the engine's
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	tokensIssued   metric.Int64Counter
	tokensRevoked  metric.Int64Counter
	chainAppends   metric.Int64Counter
	guardDecisions metric.Int64Counter
	guardDuration  metric.Float64Histogram
	parcelsBuilt   metric.Int64Counter
}

// New creates a provider. With Enabled false it returns a no-op provider
// whose record methods are safe to call.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
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
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.tokensIssued, err = p.meter.Int64Counter("cct.tokens.issued.total",
		metric.WithDescription("Context capability tokens issued"),
		metric.WithUnit("{token}"))
	if err != nil {
		return err
	}
	p.tokensRevoked, err = p.meter.Int64Counter("cct.tokens.revoked.total",
		metric.WithDescription("Context capability tokens revoked"),
		metric.WithUnit("{token}"))
	if err != nil {
		return err
	}
	p.chainAppends, err = p.meter.Int64Counter("cct.anchor.appends.total",
		metric.WithDescription("Audit chain blocks appended"),
		metric.WithUnit("{block}"))
	if err != nil {
		return err
	}
	p.guardDecisions, err = p.meter.Int64Counter("cct.guard.decisions.total",
		metric.WithDescription("Guard evaluations by outcome"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.guardDuration, err = p.meter.Float64Histogram("cct.guard.duration",
		metric.WithDescription("Guard evaluation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0))
	if err != nil {
		return err
	}
	p.parcelsBuilt, err = p.meter.Int64Counter("cct.parcels.built.total",
		metric.WithDescription("Context parcels built"),
		metric.WithUnit("{parcel}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
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

// StartSpan starts a span on the engine tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordTokenIssued counts an issued token.
func (p *Provider) RecordTokenIssued(ctx context.Context, llc string) {
	if p.tokensIssued != nil {
		p.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("llc", llc)))
	}
}

// RecordTokenRevoked counts a revoked token.
func (p *Provider) RecordTokenRevoked(ctx context.Context, reason string) {
	if p.tokensRevoked != nil {
		p.tokensRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordChainAppend counts an anchored block.
func (p *Provider) RecordChainAppend(ctx context.Context, operation string) {
	if p.chainAppends != nil {
		p.chainAppends.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// RecordGuardDecision counts a guard evaluation and its latency.
func (p *Provider) RecordGuardDecision(ctx context.Context, allowed bool, violations int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.Int("violations", violations),
	)
	if p.guardDecisions != nil {
		p.guardDecisions.Add(ctx, 1, attrs)
	}
	if p.guardDuration != nil {
		p.guardDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordParcelsBuilt counts built parcels.
func (p *Provider) RecordParcelsBuilt(ctx context.Context, n int) {
	if p.parcelsBuilt != nil {
		p.parcelsBuilt.Add(ctx, int64(n))
	}
}
