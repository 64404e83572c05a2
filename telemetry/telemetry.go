// Package telemetry installs OpenTelemetry tracing for the relay process.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the trace export endpoint. Tracing is disabled when
// Endpoint is empty.
type Config struct {
	ServiceName string `json:"service_name" yaml:"service_name"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
}

func DefaultConfig() Config {
	return Config{ServiceName: "relay"}
}

func (c *Config) Merge(source *Config) {
	if source.ServiceName != "" {
		c.ServiceName = source.ServiceName
	}
	if source.Endpoint != "" {
		c.Endpoint = source.Endpoint
	}
}

// Setup registers a global tracer provider exporting over OTLP/HTTP.
//
// Without an endpoint no provider is registered and the returned shutdown is
// a no-op. The returned shutdown flushes pending spans and should be
// deferred by the caller.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
