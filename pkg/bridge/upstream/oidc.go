// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Compile-time interface compliance check.
var _ Provider = (*OIDCProvider)(nil)

// discoveryClaims holds the discovery fields go-oidc does not expose directly.
type discoveryClaims struct {
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// OIDCProvider implements Provider for OpenID Connect providers. Endpoints
// come from discovery and the user's subject comes from the verified ID token.
type OIDCProvider struct {
	*OAuth2Provider
	verifier *oidc.IDTokenVerifier
}

// NewOIDCProvider performs discovery against config.Issuer and builds a provider.
func NewOIDCProvider(ctx context.Context, config *Config, opts ...Option) (*OIDCProvider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Type != ProviderTypeOIDC {
		return nil, fmt.Errorf("config.Type must be %q, got %q", ProviderTypeOIDC, config.Type)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	base := newBaseProvider(config, opts...)

	// go-oidc fetches discovery and JWKS documents with the client from context.
	ctx = oidc.ClientContext(ctx, base.httpClient)
	discovered, err := oidc.NewProvider(ctx, config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", classifyError("discovery", err))
	}

	var claims discoveryClaims
	if err := discovered.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract provider claims: %w", err)
	}

	endpoint := discovered.Endpoint()
	base.setEndpoints(
		firstNonEmpty(config.AuthorizationEndpoint, endpoint.AuthURL),
		firstNonEmpty(config.TokenEndpoint, endpoint.TokenURL),
		firstNonEmpty(config.RevocationEndpoint, claims.RevocationEndpoint),
		firstNonEmpty(config.UserInfoEndpoint, claims.UserInfoEndpoint),
	)

	if len(config.Scopes) > 0 && !slices.Contains(config.Scopes, oidc.ScopeOpenID) {
		return nil, errors.New("openid scope is required for OIDC providers")
	}

	p := &OIDCProvider{
		OAuth2Provider: base,
		verifier:       discovered.Verifier(&oidc.Config{ClientID: config.ClientID}),
	}

	slog.Debug("oidc provider created",
		"issuer", config.Issuer,
		"client_id", config.ClientID,
		"pkce_s256_supported", slices.Contains(claims.CodeChallengeMethodsSupported, "S256"),
		"revocation_enabled", p.revocationEndpoint != "",
		"userinfo_enabled", p.userInfoEndpoint != "",
	)
	return p, nil
}

// AuthorizationURL always requests the openid scope.
func (p *OIDCProvider) AuthorizationURL(state string, scopes []string) (string, error) {
	if len(p.config.Scopes) == 0 && !slices.Contains(scopes, oidc.ScopeOpenID) {
		scopes = append([]string{oidc.ScopeOpenID}, scopes...)
	}
	return p.OAuth2Provider.AuthorizationURL(state, scopes)
}

// ExchangeCode exchanges the code and takes the subject from the ID token.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	tokens, err := p.OAuth2Provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if tokens.IDToken == "" {
		slog.Debug("token response carried no ID token")
		return tokens, nil
	}

	idToken, err := p.verifier.Verify(oidc.ClientContext(ctx, p.httpClient), tokens.IDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	tokens.Subject = idToken.Subject
	return tokens, nil
}

// RefreshTokens refreshes and, when the response carries a new ID token,
// verifies it and reports its subject.
func (p *OIDCProvider) RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	tokens, err := p.OAuth2Provider.RefreshTokens(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if tokens.IDToken == "" {
		return tokens, nil
	}

	idToken, err := p.verifier.Verify(oidc.ClientContext(ctx, p.httpClient), tokens.IDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify refreshed ID token: %w", err)
	}
	tokens.Subject = idToken.Subject
	return tokens, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
