// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ory/fosite"

	"github.com/stacklok/oauthbridge/pkg/bridge"
)

// toRFC6749Error maps bridge errors onto the OAuth wire vocabulary. Internal
// details never reach the client.
func toRFC6749Error(err error) *fosite.RFC6749Error {
	var rfcErr *fosite.RFC6749Error
	if errors.As(err, &rfcErr) {
		return rfcErr
	}

	switch {
	case errors.Is(err, bridge.ErrInvalidGrant) && errors.Is(err, bridge.ErrUpstreamUnavailable):
		return fosite.ErrInvalidGrant.WithHint("The upstream provider is temporarily unavailable.")
	case errors.Is(err, bridge.ErrInvalidGrant):
		return fosite.ErrInvalidGrant
	case errors.Is(err, bridge.ErrInvalidState):
		return fosite.ErrInvalidState
	case errors.Is(err, bridge.ErrUnauthorized):
		return fosite.ErrRequestUnauthorized
	case errors.Is(err, bridge.ErrUpstreamUnavailable):
		return fosite.ErrTemporarilyUnavailable
	default:
		return fosite.ErrServerError
	}
}

// writeError writes an RFC 6749 section 5.2 JSON error response.
func writeError(w http.ResponseWriter, rfcErr *fosite.RFC6749Error) {
	body := map[string]string{"error": rfcErr.ErrorField}
	if description := rfcErr.GetDescription(); description != "" {
		body["error_description"] = description
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, rfcErr.StatusCode(), body)
}

// redirectError sends the user agent back to the client with an error
// (RFC 6749 section 4.1.2.1).
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, rfcErr *fosite.RFC6749Error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, fosite.ErrServerError)
		return
	}
	q := target.Query()
	q.Set("error", rfcErr.ErrorField)
	if description := rfcErr.GetDescription(); description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// logError logs unexpected failures. Client mistakes are logged at debug.
func logError(ctx context.Context, msg string, err error) {
	rfcErr := toRFC6749Error(err)
	if rfcErr.StatusCode() >= http.StatusInternalServerError {
		slog.Error(msg, "request_id", RequestIDFromContext(ctx), "error", err)
		return
	}
	slog.Debug(msg, "request_id", RequestIDFromContext(ctx), "error", err)
}
