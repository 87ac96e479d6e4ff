// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/stacklok/oauthbridge/pkg/bridge/upstream Provider

// ProviderType identifies the type of upstream Identity Provider.
type ProviderType string

const (
	// ProviderTypeOIDC is for OpenID Connect providers that support discovery.
	ProviderTypeOIDC ProviderType = "oidc"
	// ProviderTypeOAuth2 is for pure OAuth 2.0 providers with explicit endpoints.
	ProviderTypeOAuth2 ProviderType = "oauth2"
)

// Tokens represents the credentials obtained from the upstream provider.
type Tokens struct {
	// AccessToken is the access token from the upstream IDP.
	AccessToken string

	// RefreshToken is the refresh token from the upstream IDP (if provided).
	RefreshToken string

	// IDToken is the raw ID token (OIDC only).
	IDToken string

	// ExpiresAt is when the access token expires. Zero when the provider did
	// not return expires_in.
	ExpiresAt time.Time

	// Subject is the user's identifier when the token response carried one,
	// for example through a verified ID token.
	Subject string
}

// Provider handles communication with an upstream Identity Provider.
type Provider interface {
	// AuthorizationURL builds the URL to redirect the user to. state is
	// echoed back on the callback and correlates it with the pending
	// authorization.
	AuthorizationURL(state string, scopes []string) (string, error)

	// ExchangeCode trades an upstream authorization code for tokens. The
	// redirect URI is part of the provider configuration.
	ExchangeCode(ctx context.Context, code string) (*Tokens, error)

	// RefreshTokens obtains fresh tokens. When the provider does not rotate
	// refresh tokens the returned RefreshToken equals the input.
	RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error)

	// RevokeToken revokes an access token (RFC 7009). Providers without a
	// revocation endpoint treat this as a no-op.
	RevokeToken(ctx context.Context, accessToken string) error

	// FetchSubject resolves the user identifier for an access token.
	FetchSubject(ctx context.Context, accessToken string) (string, error)
}
