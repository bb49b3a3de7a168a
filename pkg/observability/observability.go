// Package observability wires OpenTelemetry tracing and metrics for the
// governance engine: OTLP export, RED metrics over submissions, and
// decision-outcome counters. A nil *Provider is a valid no-op, so callers
// never branch on whether telemetry is configured.
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
	"go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "helix.governd"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry disabled;
// deployments opt in through configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helix-governd",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric pipelines plus the engine's
// domain instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	submissions      metric.Int64Counter
	decisions        metric.Int64Counter
	executorErrors   metric.Int64Counter
	decisionDuration metric.Float64Histogram
	activeExecutions metric.Int64UpDownCounter
}

// New creates the provider. With config.Enabled false (or a nil config) the
// returned provider is inert but still usable.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
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
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(scopeName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(scopeName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
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
	p.submissions, err = p.meter.Int64Counter("governd.actions.submitted",
		metric.WithDescription("Actions submitted for governance"),
		metric.WithUnit("{action}"))
	if err != nil {
		return err
	}
	p.decisions, err = p.meter.Int64Counter("governd.decisions",
		metric.WithDescription("Governance decisions by outcome"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.executorErrors, err = p.meter.Int64Counter("governd.executor.errors",
		metric.WithDescription("Executor dispatch failures"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.decisionDuration, err = p.meter.Float64Histogram("governd.decision.duration",
		metric.WithDescription("Submission-to-decision latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	if err != nil {
		return err
	}
	p.activeExecutions, err = p.meter.Int64UpDownCounter("governd.executions.active",
		metric.WithDescription("Actions currently executing"),
		metric.WithUnit("{action}"))
	return err
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// StartSpan opens a span, or passes ctx through untouched on a nil or
// disabled provider.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(scopeName).Start(ctx, name)
	}
	return p.tracer.Start(ctx, name, opts...)
}

// RecordSubmission counts one governed submission.
func (p *Provider) RecordSubmission(ctx context.Context, actionType string) {
	if p == nil || p.submissions == nil {
		return
	}
	p.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("action.type", actionType)))
}

// RecordDecision counts a decision outcome (executed, rejected,
// approval_pending, failed) and its latency.
func (p *Provider) RecordDecision(ctx context.Context, actionType, outcome string, elapsed time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action.type", actionType),
		attribute.String("decision.outcome", outcome),
	)
	if p.decisions != nil {
		p.decisions.Add(ctx, 1, attrs)
	}
	if p.decisionDuration != nil {
		p.decisionDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// RecordExecutorError counts a dispatch failure.
func (p *Provider) RecordExecutorError(ctx context.Context, actionType string, err error) {
	if p == nil || p.executorErrors == nil {
		return
	}
	p.executorErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action.type", actionType),
		attribute.String("error.type", fmt.Sprintf("%T", err)),
	))
}

// TrackExecution brackets one executor dispatch. The returned func must be
// called when the dispatch finishes.
func (p *Provider) TrackExecution(ctx context.Context, actionType string) func() {
	if p == nil || p.activeExecutions == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("action.type", actionType))
	p.activeExecutions.Add(ctx, 1, attrs)
	return func() { p.activeExecutions.Add(ctx, -1, attrs) }
}
