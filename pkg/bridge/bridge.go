// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"k8s.io/utils/clock"

	"github.com/stacklok/oauthbridge/pkg/bridge/storage"
	"github.com/stacklok/oauthbridge/pkg/bridge/upstream"
)

const instrumentationName = "github.com/stacklok/oauthbridge/pkg/bridge"

// tokenBytes is the entropy of minted downstream tokens.
const tokenBytes = 32

const (
	opAuthorize    = "authorize"
	opCallback     = "upstream_callback"
	opCancel       = "cancel_authorization"
	opChallenge    = "challenge_for_code"
	opExchangeCode = "exchange_code"
	opRefresh      = "refresh"
	opVerify       = "verify"
	opRevoke       = "revoke"
)

var (
	attrOperation = attribute.Key("oauthbridge.operation")
	attrOutcome   = attribute.Key("oauthbridge.outcome")
)

// Store is the persistence the bridge needs.
type Store interface {
	storage.CodeStore
	storage.SessionStore
}

// AuthorizeRequest is a validated downstream authorization request.
type AuthorizeRequest struct {
	ClientID      string
	RedirectURI   string
	ClientState   string
	CodeChallenge string
	Scopes        []string
}

// ExchangeRequest is a downstream authorization_code grant.
type ExchangeRequest struct {
	ClientID string
	Code     string

	// CodeVerifier is checked against the stored challenge when non-empty.
	CodeVerifier string

	// RedirectURI must equal the authorize request's when non-empty.
	RedirectURI string
}

// TokenResponse is the downstream credential pair issued by ExchangeCode and
// Refresh.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
	Scopes       []string
}

// Identity is what a verified downstream access token stands for.
type Identity struct {
	Subject  string
	ClientID string
	Scopes   []string

	// UpstreamAccessToken is the current upstream credential for calls to
	// the protected resource.
	UpstreamAccessToken string

	// ExpiresAt is the downstream expiry after this verification.
	ExpiresAt time.Time
}

// Bridge runs the authorization, token and verification flows.
type Bridge struct {
	store    Store
	upstream upstream.Provider
	config   Config
	clock    clock.PassiveClock

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	tracer     trace.Tracer
	operations metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates a Bridge over store and provider.
func New(store Store, provider upstream.Provider, config Config, opts ...Option) (*Bridge, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if provider == nil {
		return nil, errors.New("upstream provider is required")
	}
	config.applyDefaults()

	b := &Bridge{
		store:          store,
		upstream:       provider,
		config:         config,
		clock:          clock.RealClock{},
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(b)
	}

	meter := b.meterProvider.Meter(instrumentationName)
	var err error
	b.operations, err = meter.Int64Counter(
		"oauthbridge_operations_total",
		metric.WithDescription("Total number of token bridge operations by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}
	b.duration, err = meter.Float64Histogram(
		"oauthbridge_operation_duration",
		metric.WithDescription("Duration of token bridge operations in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	b.tracer = b.tracerProvider.Tracer(instrumentationName)

	return b, nil
}

// observe starts a span for operation. The returned function records the
// outcome held in *err and ends the span.
func (b *Bridge) observe(ctx context.Context, operation string, err *error) (context.Context, func()) {
	ctx, span := b.tracer.Start(ctx, "bridge "+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrOperation.String(operation)),
	)
	start := time.Now()

	return ctx, func() {
		result := outcome(*err)
		attrs := metric.WithAttributes(attrOperation.String(operation), attrOutcome.String(result))
		b.operations.Add(ctx, 1, attrs)
		b.duration.Record(ctx, time.Since(start).Seconds(), attrs)

		span.SetAttributes(attrOutcome.String(result))
		if *err != nil {
			span.RecordError(*err)
			span.SetStatus(codes.Error, result)
		}
		span.End()
	}
}

// upstreamContext bounds an upstream round trip.
func (b *Bridge) upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.config.UpstreamTimeout)
}

// newToken returns an opaque token with 256 bits of entropy.
func newToken() string {
	buf := make([]byte, tokenBytes)
	// crypto/rand.Read never returns an error.
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
