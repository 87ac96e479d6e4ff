// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrInvalidGrant means the provider explicitly rejected the code or
	// refresh token. Retrying will not help.
	ErrInvalidGrant = errors.New("upstream rejected the grant")

	// ErrUnavailable means the provider could not be reached or failed
	// transiently (network error, timeout, 5xx, 429).
	ErrUnavailable = errors.New("upstream provider unavailable")

	// ErrNoUserInfoEndpoint is returned by FetchSubject when no userinfo
	// endpoint is configured or discovered.
	ErrNoUserInfoEndpoint = errors.New("upstream userinfo endpoint not configured")
)

// classifyError maps errors from token endpoint calls onto the sentinels above.
// Provider error descriptions are kept in the chain for logs but the
// sentinels carry the meaning.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		switch {
		case retrieveErr.ErrorCode == "invalid_grant":
			return fmt.Errorf("%s: %w", op, ErrInvalidGrant)
		case isTransientStatus(status), retrieveErr.ErrorCode == "temporarily_unavailable":
			return fmt.Errorf("%s: %w (status %d)", op, ErrUnavailable, status)
		default:
			return fmt.Errorf("%s: upstream error %q (status %d)", op, retrieveErr.ErrorCode, status)
		}
	}

	if isTransportError(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isTransportError reports network failures, timeouts and cancellations.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// statusError classifies a non-2xx response from a plain HTTP endpoint.
func statusError(op string, status int) error {
	switch {
	case isTransientStatus(status):
		return fmt.Errorf("%s: %w (status %d)", op, ErrUnavailable, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w (status %d)", op, ErrInvalidGrant, status)
	default:
		return fmt.Errorf("%s: unexpected status %d", op, status)
	}
}
