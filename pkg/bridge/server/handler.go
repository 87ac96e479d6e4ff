// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the token bridge as a downstream OAuth 2.1
// authorization server over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/stacklok/oauthbridge/pkg/bridge"
	"github.com/stacklok/oauthbridge/pkg/bridge/storage"
)

// CallbackPath is where the upstream provider redirects back to the bridge.
// The upstream redirect URI is the issuer followed by this path.
const CallbackPath = "/oauth/callback"

// Token endpoint rate limit defaults.
const (
	DefaultTokenRateLimit = 50
	DefaultTokenRateBurst = 100
)

// TokenBridge is the part of bridge.Bridge the HTTP layer drives.
type TokenBridge interface {
	Authorize(ctx context.Context, req bridge.AuthorizeRequest) (string, error)
	CompleteUpstreamCallback(ctx context.Context, upstreamCode, correlationCode string) (*storage.AuthorizationCode, error)
	CancelAuthorization(ctx context.Context, correlationCode string) (*storage.AuthorizationCode, error)
	ChallengeForCode(ctx context.Context, clientID, code string) (string, error)
	ExchangeCode(ctx context.Context, req bridge.ExchangeRequest) (*bridge.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*bridge.TokenResponse, error)
	Revoke(ctx context.Context, token string) error
	BearerVerifier
}

var _ TokenBridge = (*bridge.Bridge)(nil)

// Config holds the adapter settings.
type Config struct {
	// Issuer is the externally visible base URL of the bridge.
	Issuer string

	// TokenRateLimit is the sustained token endpoint rate per second.
	TokenRateLimit float64
	// TokenRateBurst is the token endpoint burst size.
	TokenRateBurst int
}

// Handler serves the downstream OAuth endpoints.
type Handler struct {
	bridge  TokenBridge
	clients ClientRegistry
	config  Config
	limiter *rate.Limiter

	healthCheck    func(context.Context) error
	metricsHandler http.Handler
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// Option configures a Handler.
type Option func(*Handler)

// WithHealthCheck makes /health report failures of check.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(h *Handler) {
		h.healthCheck = check
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(h *Handler) {
		h.metricsHandler = handler
	}
}

// WithTelemetry instruments every request with the given providers.
func WithTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) Option {
	return func(h *Handler) {
		h.meterProvider = mp
		h.tracerProvider = tp
	}
}

// NewHandler creates a Handler.
func NewHandler(b TokenBridge, clients ClientRegistry, config Config, opts ...Option) (*Handler, error) {
	if b == nil {
		return nil, errors.New("token bridge is required")
	}
	if clients == nil {
		return nil, errors.New("client registry is required")
	}
	if config.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")
	if config.TokenRateLimit <= 0 {
		config.TokenRateLimit = DefaultTokenRateLimit
	}
	if config.TokenRateBurst <= 0 {
		config.TokenRateBurst = DefaultTokenRateBurst
	}

	h := &Handler{
		bridge:  b,
		clients: clients,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.TokenRateLimit), config.TokenRateBurst),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID)

	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)

	r.Get("/health", h.HealthHandler)
	if h.metricsHandler != nil {
		r.Handle("/metrics", h.metricsHandler)
	}

	if h.meterProvider == nil && h.tracerProvider == nil {
		return r
	}
	var otelOpts []otelhttp.Option
	if h.meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(h.meterProvider))
	}
	if h.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(h.tracerProvider))
	}
	return otelhttp.NewHandler(r, "oauthbridge", otelOpts...)
}

// OAuthRoutes registers the OAuth endpoints on r.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/oauth/authorize", h.AuthorizeHandler)
	r.Get(CallbackPath, h.CallbackHandler)
	r.Post("/oauth/token", h.TokenHandler)
	r.Post("/oauth/revoke", h.RevokeHandler)
	r.With(RequireBearer(h.bridge, h.config.Issuer)).Get("/oauth/userinfo", h.UserInfoHandler)
}

// WellKnownRoutes registers the discovery endpoint on r.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
}

// HealthHandler reports whether the bridge can serve requests.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if h.healthCheck != nil {
		if err := h.healthCheck(r.Context()); err != nil {
			logError(r.Context(), "health check failed", err)
			status, code = "unavailable", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}
