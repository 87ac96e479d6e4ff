// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry providers used by the bridge:
// an SDK meter provider exported through Prometheus and/or OTLP, and an
// optional OTLP tracer provider.
package telemetry

import (
	"errors"
	"fmt"

	"github.com/stacklok/oauthbridge/pkg/validation"
	"github.com/stacklok/oauthbridge/pkg/versions"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// Endpoint is the OTLP/HTTP collector endpoint, e.g. "localhost:4318".
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`

	// ServiceName is the service name for telemetry
	ServiceName string `json:"serviceName" yaml:"service_name" mapstructure:"service_name"`

	// ServiceVersion is the service version for telemetry
	ServiceVersion string `json:"serviceVersion" yaml:"service_version" mapstructure:"service_version"`

	// TracingEnabled controls whether spans are exported to Endpoint.
	TracingEnabled bool `json:"tracingEnabled" yaml:"tracing_enabled" mapstructure:"tracing_enabled"`

	// MetricsEnabled controls whether metrics are exported to Endpoint.
	// This is independent of EnablePrometheusMetricsPath.
	MetricsEnabled bool `json:"metricsEnabled" yaml:"metrics_enabled" mapstructure:"metrics_enabled"`

	// SamplingRate is the trace sampling rate (0.0-1.0)
	SamplingRate float64 `json:"samplingRate" yaml:"sampling_rate" mapstructure:"sampling_rate"`

	// Headers contains authentication headers for the OTLP endpoint
	Headers map[string]string `json:"headers" yaml:"headers" mapstructure:"headers"`

	// Insecure uses HTTP instead of HTTPS for the OTLP endpoint
	Insecure bool `json:"insecure" yaml:"insecure" mapstructure:"insecure"`

	// EnablePrometheusMetricsPath exposes a Prometheus /metrics endpoint on
	// the bridge listener.
	EnablePrometheusMetricsPath bool `json:"enablePrometheusMetricsPath" yaml:"enable_prometheus_metrics_path" mapstructure:"enable_prometheus_metrics_path"` //nolint:lll

	// IncludeRuntimeMetrics adds Go runtime and process collectors to the
	// Prometheus registry.
	IncludeRuntimeMetrics bool `json:"includeRuntimeMetrics" yaml:"include_runtime_metrics" mapstructure:"include_runtime_metrics"` //nolint:lll
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:                 "oauthbridge",
		ServiceVersion:              versions.GetVersionInfo().Version,
		TracingEnabled:              true, // only takes effect with an endpoint
		MetricsEnabled:              true,
		SamplingRate:                0.05,
		Headers:                     make(map[string]string),
		EnablePrometheusMetricsPath: true,
		IncludeRuntimeMetrics:       true,
	}
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("telemetry service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0.0 and 1.0, got %v", c.SamplingRate)
	}
	if c.Endpoint != "" && !c.TracingEnabled && !c.MetricsEnabled {
		return errors.New("OTLP endpoint is configured but both tracing and metrics are disabled; " +
			"either enable tracing or metrics, or remove the endpoint")
	}
	for name, value := range c.Headers {
		if err := validation.ValidateHTTPHeaderName(name); err != nil {
			return fmt.Errorf("telemetry header %q: %w", name, err)
		}
		if err := validation.ValidateHTTPHeaderValue(value); err != nil {
			return fmt.Errorf("telemetry header %q: %w", name, err)
		}
	}
	return nil
}

func (c Config) otlpTracing() bool {
	return c.Endpoint != "" && c.TracingEnabled
}

func (c Config) otlpMetrics() bool {
	return c.Endpoint != "" && c.MetricsEnabled
}
