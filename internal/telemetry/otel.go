// Package telemetry provides OpenTelemetry instrumentation
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// Config holds telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
}

// Provider manages OpenTelemetry providers
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	// Dispatch-pipeline metrics
	invocationCounter  metric.Int64Counter
	invocationDuration metric.Float64Histogram
	decisionCounter    metric.Int64Counter
	approvalCounter    metric.Int64Counter
	activeInvocations  metric.Int64UpDownCounter
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	ctx := context.Background()

	// Create resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Setup trace exporter — use TLS by default, plaintext only when OTEL_INSECURE=true
	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if strings.EqualFold(os.Getenv("OTEL_INSECURE"), "true") {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	} else {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	traceExporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Setup Prometheus exporter for metrics
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	p := &Provider{
		config:         cfg,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
	}

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.invocationCounter, err = p.meter.Int64Counter(
		"tool_invocations_total",
		metric.WithDescription("Total number of tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return err
	}

	p.invocationDuration, err = p.meter.Float64Histogram(
		"tool_invocation_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	p.decisionCounter, err = p.meter.Int64Counter(
		"policy_decisions_total",
		metric.WithDescription("Total policy decisions by verdict"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.approvalCounter, err = p.meter.Int64Counter(
		"approval_requests_total",
		metric.WithDescription("Approval requests by terminal status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	p.activeInvocations, err = p.meter.Int64UpDownCounter(
		"tool_active_invocations",
		metric.WithDescription("Currently executing tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Tracer returns the tracer instance
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter instance
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Shutdown gracefully shuts down telemetry providers.
// Both tracer and meter are shut down regardless of individual failures.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// InvocationMetrics records metrics for one tool invocation
type InvocationMetrics struct {
	Tool     string
	Decision string
	Duration time.Duration
	Success  bool
}

// RecordInvocation records metrics for a tool invocation
func (p *Provider) RecordInvocation(ctx context.Context, m InvocationMetrics) {
	attrs := []attribute.KeyValue{
		attribute.String("tool", m.Tool),
		attribute.Bool("success", m.Success),
	}

	p.invocationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.invocationDuration.Record(ctx, m.Duration.Seconds(), metric.WithAttributes(attrs...))

	p.decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", m.Tool),
		attribute.String("decision", m.Decision),
	))
}

// RecordApproval records a terminal approval status
func (p *Provider) RecordApproval(ctx context.Context, status string) {
	p.approvalCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// StartInvocation marks the start of a tool invocation
func (p *Provider) StartInvocation(ctx context.Context, tool string) {
	p.activeInvocations.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// EndInvocation marks the end of a tool invocation
func (p *Provider) EndInvocation(ctx context.Context, tool string) {
	p.activeInvocations.Add(ctx, -1, metric.WithAttributes(attribute.String("tool", tool)))
}

// StartSpan starts a new span
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}
