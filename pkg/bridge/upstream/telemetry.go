// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/stacklok/oauthbridge/pkg/bridge/upstream"

var (
	attrOperation = attribute.Key("oauthbridge.upstream.operation")
	attrErrorType = attribute.Key("error.type")
)

// NewInstrumentedProvider decorates provider so every call records request,
// error and duration metrics and runs inside a CLIENT span.
func NewInstrumentedProvider(
	provider Provider,
	meterProvider metric.MeterProvider,
	tracerProvider trace.TracerProvider,
) (Provider, error) {
	meter := meterProvider.Meter(instrumentationName)

	requestsTotal, err := meter.Int64Counter(
		"oauthbridge_upstream_requests",
		metric.WithDescription("Total number of requests to the upstream provider"))
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}
	errorsTotal, err := meter.Int64Counter(
		"oauthbridge_upstream_errors",
		metric.WithDescription("Total number of failed requests to the upstream provider"))
	if err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}
	requestsDuration, err := meter.Float64Histogram(
		"oauthbridge_upstream_requests_duration",
		metric.WithDescription("Duration of upstream requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return telemetryProvider{
		provider:         provider,
		tracer:           tracerProvider.Tracer(instrumentationName),
		requestsTotal:    requestsTotal,
		errorsTotal:      errorsTotal,
		requestsDuration: requestsDuration,
	}, nil
}

type telemetryProvider struct {
	provider Provider
	tracer   trace.Tracer

	requestsTotal    metric.Int64Counter
	errorsTotal      metric.Int64Counter
	requestsDuration metric.Float64Histogram
}

var _ Provider = telemetryProvider{}

// record starts a span and returns a function that should be deferred to
// record the outcome and end the span.
func (t telemetryProvider) record(ctx context.Context, operation string, err *error) (context.Context, func()) {
	attrs := metric.WithAttributes(attrOperation.String(operation))

	ctx, span := t.tracer.Start(ctx, "upstream "+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrOperation.String(operation)),
	)
	t.requestsTotal.Add(ctx, 1, attrs)
	start := time.Now()

	return ctx, func() {
		t.requestsDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil && *err != nil {
			errType := errorType(*err)
			t.errorsTotal.Add(ctx, 1, metric.WithAttributes(
				attrOperation.String(operation), attrErrorType.String(errType)))
			span.SetAttributes(attrErrorType.String(errType))
			span.RecordError(*err)
			span.SetStatus(codes.Error, errType)
		}
		span.End()
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

func (t telemetryProvider) AuthorizationURL(state string, scopes []string) (string, error) {
	return t.provider.AuthorizationURL(state, scopes)
}

func (t telemetryProvider) ExchangeCode(ctx context.Context, code string) (_ *Tokens, retErr error) {
	ctx, done := t.record(ctx, "exchange_code", &retErr)
	defer done()
	return t.provider.ExchangeCode(ctx, code)
}

func (t telemetryProvider) RefreshTokens(ctx context.Context, refreshToken string) (_ *Tokens, retErr error) {
	ctx, done := t.record(ctx, "refresh_tokens", &retErr)
	defer done()
	return t.provider.RefreshTokens(ctx, refreshToken)
}

func (t telemetryProvider) RevokeToken(ctx context.Context, accessToken string) (retErr error) {
	ctx, done := t.record(ctx, "revoke_token", &retErr)
	defer done()
	return t.provider.RevokeToken(ctx, accessToken)
}

func (t telemetryProvider) FetchSubject(ctx context.Context, accessToken string) (_ string, retErr error) {
	ctx, done := t.record(ctx, "fetch_subject", &retErr)
	defer done()
	return t.provider.FetchSubject(ctx, accessToken)
}
