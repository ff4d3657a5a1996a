package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider holds all observability components.
type Provider struct {
	Metrics        *Metrics
	Tracer         *Tracer
	tracerProvider *sdktrace.TracerProvider
	config         Config
}

// Config holds observability configuration.
type Config struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	TracingEnabled  bool
	TracingEndpoint string
	Registerer      prometheus.Registerer
}

// New creates a new observability provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		config:  cfg,
		Metrics: NewMetrics("ratelimiter", cfg.Registerer),
		Tracer:  NewTracer(cfg.ServiceName),
	}

	if cfg.TracingEnabled && cfg.TracingEndpoint != "" {
		if err := p.initTracing(ctx); err != nil {
			logger.WarnContext(ctx, "failed to initialize tracing", slog.Any("error", err))
		}
	}

	return p
}

func (p *Provider) initTracing(ctx context.Context) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(p.config.TracingEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(p.config.ServiceName),
			semconv.ServiceVersion(p.config.ServiceVersion),
			semconv.DeploymentEnvironment(p.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

// TracingActive reports whether spans are exported.
func (p *Provider) TracingActive() bool {
	return p.tracerProvider != nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("tracer shutdown: %w", err)
		}
	}
	return nil
}
