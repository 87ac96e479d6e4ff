// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

const (
	// DefaultSessionTTL is the sliding lifetime of a downstream session.
	DefaultSessionTTL = 30 * 24 * time.Hour

	// DefaultRefreshWindow is how close to expiry upstream credentials are
	// refreshed during Verify.
	DefaultRefreshWindow = 5 * time.Minute

	// DefaultUpstreamTimeout bounds every call to the upstream provider.
	DefaultUpstreamTimeout = 10 * time.Second
)

// Config holds the bridge timings. Zero values select the defaults.
type Config struct {
	SessionTTL      time.Duration
	RefreshWindow   time.Duration
	UpstreamTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = DefaultRefreshWindow
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock sets the time source. It should match the clock of the store.
func WithClock(c clock.PassiveClock) Option {
	return func(b *Bridge) {
		b.clock = c
	}
}

// WithMeterProvider records operation metrics with mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(b *Bridge) {
		b.meterProvider = mp
	}
}

// WithTracerProvider records operation spans with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bridge) {
		b.tracerProvider = tp
	}
}
