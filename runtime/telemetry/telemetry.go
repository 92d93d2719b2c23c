// Package telemetry installs the OpenTelemetry tracer provider that receives
// the workflow, step and dispatch spans and exports them over OTLP/gRPC.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls trace export. Tracing is off unless Enabled is set.
type Config struct {
	Enabled     bool    `yaml:"enabled" default:"false"`
	Endpoint    string  `yaml:"endpoint" default:"localhost:4317" validate:"required,hostname_port"`
	TLS         bool    `yaml:"tls" default:"false"`
	ServiceName string  `yaml:"service_name" default:"flowgate" validate:"required"`
	SampleRatio float64 `yaml:"sample_ratio" default:"1" validate:"gte=0,lte=1"`
}

// Provider owns the SDK tracer provider installed as the global one.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider creates the OTLP exporter and installs a tracer provider
// around it. A disabled config yields a Provider that does nothing and
// leaves the global no-op provider in place.
func NewProvider(ctx context.Context, cfg Config, version string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if !cfg.TLS {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	return Install(cfg, version, sdktrace.WithBatcher(exporter))
}

// Install builds a tracer provider with the service resource and sampler of
// cfg plus opts, and makes it the global provider together with the W3C
// trace context propagator.
func Install(cfg Config, version string, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}, opts...)
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func (p *Provider) Enabled() bool {
	return p.tp != nil
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
