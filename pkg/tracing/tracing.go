package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/deeppavlov/pipesearch/pkg/logging"
)

// Config holds the tracing configuration
type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"` // host:port of an OTLP HTTP collector
	Enabled        bool   `mapstructure:"enabled"`
}

// Provider wraps the OpenTelemetry trace provider. A nil *Provider is valid
// and produces no-op spans.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(cfg Config, logger *logging.Logger) (*Provider, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		tp := sdktrace.NewTracerProvider()
		return &Provider{
			tp:     tp,
			tracer: tp.Tracer(cfg.ServiceName),
		}, nil
	}

	logger.Info("Initializing OpenTelemetry tracing", map[string]interface{}{
		"service":  cfg.ServiceName,
		"endpoint": cfg.OTLPEndpoint,
	})

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(cfg.ServiceName),
	}, nil
}

// NewProvider wraps an existing SDK provider; tests use it with an in-memory exporter
func NewProvider(tp *sdktrace.TracerProvider, name string) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(name)}
}

// Shutdown flushes and stops the tracer provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p != nil && p.tp != nil {
		return p.tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func (p *Provider) StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, spanName)
	}
	return p.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// AddEvent adds an event to the current span
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetError marks the current span as errored
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
