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

const instrumentation = "github.com/Mindburn-Labs/organism"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig is disabled until an endpoint is configured.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "organism",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Option overrides exporters, mainly for tests.
type Option func(*options)

type options struct {
	reader   sdkmetric.Reader
	exporter sdktrace.SpanExporter
}

// WithMetricReader collects metrics through r instead of OTLP.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.reader = r }
}

// WithSpanExporter exports spans synchronously to e instead of OTLP.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = e }
}

// Provider owns the trace and metric providers and the organism's
// instruments. A disabled Provider hands out no-op instruments.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
	verdicts   metric.Int64Counter
	lookups    metric.Int64Counter
	replays    metric.Int64Counter
}

// New creates a Provider. With Enabled false and no overrides nothing is
// exported.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	p := &Provider{cfg: cfg, logger: logger.With("component", "observability")}

	if !cfg.Enabled && o.reader == nil && o.exporter == nil {
		p.tracer = otel.Tracer(instrumentation)
		p.meter = otel.Meter(instrumentation)
		if err := p.initInstruments(); err != nil {
			return nil, err
		}
		return p, nil
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	exporter := o.exporter
	if exporter == nil {
		topts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			topts = append(topts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, topts...)
		if err != nil {
			return nil, fmt.Errorf("observability: trace exporter: %w", err)
		}
		exporter = exp
	}
	spanProcessor := sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	if o.exporter != nil {
		spanProcessor = sdktrace.WithSyncer(exporter)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		spanProcessor,
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)

	reader := o.reader
	if reader == nil {
		mopts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			mopts = append(mopts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, mopts...)
		if err != nil {
			return nil, fmt.Errorf("observability: metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
	}
	p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	if o.reader == nil && o.exporter == nil {
		otel.SetTracerProvider(p.tracerProvider)
		otel.SetMeterProvider(p.meterProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	p.tracer = p.tracerProvider.Tracer(instrumentation, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentation, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

func (p *Provider) initInstruments() error {
	var err error
	if p.operations, err = p.meter.Int64Counter("organism.operations.total",
		metric.WithDescription("Operations started"), metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.errors, err = p.meter.Int64Counter("organism.errors.total",
		metric.WithDescription("Operations that returned an error"), metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("organism.operation.duration",
		metric.WithDescription("Operation duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5)); err != nil {
		return err
	}
	if p.active, err = p.meter.Int64UpDownCounter("organism.operations.active",
		metric.WithDescription("Operations in flight"), metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.verdicts, err = p.meter.Int64Counter("organism.verdicts.total",
		metric.WithDescription("Safety gate verdicts by outcome"), metric.WithUnit("{verdict}")); err != nil {
		return err
	}
	if p.lookups, err = p.meter.Int64Counter("organism.lookup.failures.total",
		metric.WithDescription("External lookups resolved fail-closed"), metric.WithUnit("{lookup}")); err != nil {
		return err
	}
	if p.replays, err = p.meter.Int64Counter("organism.replays.total",
		metric.WithDescription("Replay runs by result"), metric.WithUnit("{replay}")); err != nil {
		return err
	}
	return nil
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

// Tracer returns the organism tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// TrackOperation starts a span and the RED instruments for name. Call the
// returned function exactly once with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	set := metric.WithAttributes(attrs...)

	ctx, span := p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	p.active.Add(ctx, 1, set)
	p.operations.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.active.Add(ctx, -1, set)
		p.duration.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			p.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
		span.End()
	}
}

// RecordVerdict counts one safety gate verdict.
func (p *Provider) RecordVerdict(ctx context.Context, verdict, actionClass, decidingRule string) {
	p.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.String("action_class", actionClass),
		attribute.String("rule", decidingRule),
	))
}

// RecordLookupFailure counts a lookup that fell back to its fail-closed value.
func (p *Provider) RecordLookupFailure(ctx context.Context, category string) {
	p.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordReplay counts one replay run.
func (p *Provider) RecordReplay(ctx context.Context, result string) {
	p.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
