// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/oauthbridge/pkg/bridge"
)

// RequestIDHeader carries the request correlation ID.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

type identityKey struct{}

// RequestID reuses a well-formed incoming X-Request-ID or assigns a new one,
// echoes it on the response and stores it in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFromContext returns the request ID, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// BearerVerifier resolves a downstream access token.
type BearerVerifier interface {
	Verify(ctx context.Context, accessToken string) (*bridge.Identity, error)
}

// RequireBearer rejects requests without a valid downstream access token
// (RFC 6750). The verified identity is available through IdentityFromContext.
func RequireBearer(verifier BearerVerifier, realm string) func(http.Handler) http.Handler {
	challenge := func(errCode string) string {
		parts := []string{fmt.Sprintf(`realm=%q`, realm)}
		if errCode != "" {
			parts = append(parts, fmt.Sprintf(`error=%q`, errCode))
		}
		return "Bearer " + strings.Join(parts, ", ")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", challenge(""))
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			switch {
			case errors.Is(err, bridge.ErrUnauthorized):
				w.Header().Set("WWW-Authenticate", challenge("invalid_token"))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			case err != nil:
				logError(r.Context(), "failed to verify bearer token", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the identity stored by RequireBearer.
func IdentityFromContext(ctx context.Context) (*bridge.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*bridge.Identity)
	return identity, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
