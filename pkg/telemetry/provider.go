// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Provider encapsulates the OpenTelemetry providers and their shutdown.
type Provider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProvider creates the providers described by config and installs them as
// the OpenTelemetry globals.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
			config.ServiceName, config.ServiceVersion, err)
	}

	p := &Provider{}
	if err := p.buildMeterProvider(ctx, config, res); err != nil {
		return nil, err
	}
	if err := p.buildTracerProvider(ctx, config, res); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("telemetry configured",
		"prometheus", config.EnablePrometheusMetricsPath,
		"otlp_metrics", config.otlpMetrics(),
		"otlp_tracing", config.otlpTracing(),
	)
	return p, nil
}

func (p *Provider) buildMeterProvider(ctx context.Context, config Config, res *resource.Resource) error {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if config.EnablePrometheusMetricsPath {
		reader, handler, err := newPrometheusReader(config.IncludeRuntimeMetrics)
		if err != nil {
			return fmt.Errorf("failed to create prometheus reader: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
		p.prometheusHandler = handler
	}
	if config.otlpMetrics() {
		reader, err := newOTLPMetricReader(ctx, config)
		if err != nil {
			return fmt.Errorf("failed to create OTLP metric reader for %s: %w", config.Endpoint, err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	// Only the resource option means no reader was configured.
	if len(opts) == 1 {
		p.meterProvider = noop.NewMeterProvider()
		return nil
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	p.meterProvider = mp
	p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	return nil
}

func (p *Provider) buildTracerProvider(ctx context.Context, config Config, res *resource.Resource) error {
	if !config.otlpTracing() {
		p.tracerProvider = tracenoop.NewTracerProvider()
		return nil
	}

	exporter, err := newOTLPTraceExporter(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create tracer provider for %s: %w", config.Endpoint, err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)
	p.tracerProvider = tp
	p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	return nil
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when the Prometheus
// path is disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdownFuncs = nil
	return errors.Join(errs...)
}
