// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/oauthbridge/pkg/bridge/upstream"
)

var (
	// ErrInvalidGrant is returned when a code or refresh token cannot be used:
	// unknown, expired, already used, issued to another client, or rejected
	// by the upstream provider.
	ErrInvalidGrant = httperr.WithCode(errors.New("invalid grant"), http.StatusBadRequest)

	// ErrInvalidState is returned by the upstream callback when the
	// correlation value does not match a pending authorization.
	ErrInvalidState = httperr.WithCode(errors.New("invalid state"), http.StatusBadRequest)

	// ErrUnauthorized is returned when a downstream access token is not valid.
	ErrUnauthorized = httperr.WithCode(errors.New("unauthorized"), http.StatusUnauthorized)

	// ErrUpstreamUnavailable is returned when the upstream provider could not
	// be reached in time. A failed refresh wraps it together with
	// ErrInvalidGrant.
	ErrUpstreamUnavailable = httperr.WithCode(errors.New("upstream provider unavailable"), http.StatusServiceUnavailable)

	// ErrServerError covers storage failures and unexpected upstream errors.
	ErrServerError = httperr.WithCode(errors.New("server error"), http.StatusInternalServerError)
)

func serverError(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrServerError, msg, err)
}

// upstreamError maps a provider error onto the bridge vocabulary.
func upstreamError(op string, err error) error {
	switch {
	case errors.Is(err, upstream.ErrInvalidGrant):
		return fmt.Errorf("%w: upstream %s rejected: %w", ErrInvalidGrant, op, err)
	case errors.Is(err, upstream.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: upstream %s: %w", ErrUpstreamUnavailable, op, err)
	default:
		return serverError("upstream "+op, err)
	}
}

// outcome labels an operation result for metrics and spans.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "server_error"
	}
}
