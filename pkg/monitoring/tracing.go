package monitoring

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/dbpoold/dbpoold/pkg/config"
)

// ServiceName identifies this process in logs and traces.
const ServiceName = "dbpoold"

// TracingExporter represents the type of trace exporter
type TracingExporter string

const (
	TracingExporterJaeger TracingExporter = "jaeger"
	TracingExporterOTLP   TracingExporter = "otlp"
	TracingExporterStdout TracingExporter = "stdout"
)

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(ctx context.Context) error

// SetupTracing installs a global tracer provider according to cfg. With
// tracing disabled the default no-op provider stays in place.
func SetupTracing(ctx context.Context, cfg config.TracingConfig, version string) (ShutdownFunc, error) {
	if !cfg.Enabled {
		log.Debug().Msg("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	tp, err := NewTracerProvider(ctx, cfg, version, os.Stdout)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("exporter", cfg.Exporter).
		Str("endpoint", cfg.Endpoint).
		Msg("Tracing initialized successfully")

	return tp.Shutdown, nil
}

// NewTracerProvider builds a batching tracer provider. The stdout exporter
// writes to out.
func NewTracerProvider(ctx context.Context, cfg config.TracingConfig, version string, out io.Writer) (*sdktrace.TracerProvider, error) {
	exp, err := newExporter(ctx, cfg, out)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporters: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(newResource(version)),
	), nil
}

func newResource(version string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
	)
}

func newExporter(ctx context.Context, cfg config.TracingConfig, out io.Writer) (sdktrace.SpanExporter, error) {
	switch TracingExporter(cfg.Exporter) {
	case TracingExporterStdout, "":
		return stdouttrace.New(stdouttrace.WithWriter(out))

	case TracingExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil

	case TracingExporterJaeger:
		var opts []jaeger.CollectorEndpointOption
		if cfg.Endpoint != "" {
			opts = append(opts, jaeger.WithEndpoint(cfg.Endpoint))
		}
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		return exp, nil

	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}
}
