// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// maxResponseSize bounds how much of an upstream response body is read.
const maxResponseSize = 1 << 20

// Revocation retry defaults.
const (
	defaultRevokeMaxTries        = 3
	defaultRevokeInitialInterval = 200 * time.Millisecond
)

// Compile-time interface compliance check.
var _ Provider = (*OAuth2Provider)(nil)

// OAuth2Provider implements Provider for pure OAuth 2.0 servers with
// explicitly configured endpoints. OIDCProvider embeds it to share the
// token, revocation and userinfo logic.
type OAuth2Provider struct {
	config       *Config
	oauth2Config *oauth2.Config
	httpClient   *http.Client

	revocationEndpoint string
	userInfoEndpoint   string

	revokeMaxTries        uint
	revokeInitialInterval time.Duration
}

// Option configures an OAuth2Provider or OIDCProvider.
type Option func(*OAuth2Provider)

// WithHTTPClient sets the HTTP client used for every upstream request.
func WithHTTPClient(client *http.Client) Option {
	return func(p *OAuth2Provider) {
		p.httpClient = client
	}
}

// WithRevokeRetry overrides how often and how quickly revocation is retried.
func WithRevokeRetry(maxTries uint, initialInterval time.Duration) Option {
	return func(p *OAuth2Provider) {
		p.revokeMaxTries = maxTries
		p.revokeInitialInterval = initialInterval
	}
}

// NewOAuth2Provider creates a provider for a pure OAuth 2.0 server.
func NewOAuth2Provider(config *Config, opts ...Option) (*OAuth2Provider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Type != ProviderTypeOAuth2 {
		return nil, fmt.Errorf("config.Type must be %q, got %q", ProviderTypeOAuth2, config.Type)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := newBaseProvider(config, opts...)
	p.setEndpoints(config.AuthorizationEndpoint, config.TokenEndpoint,
		config.RevocationEndpoint, config.UserInfoEndpoint)

	slog.Debug("oauth2 provider created",
		"authorization_endpoint", config.AuthorizationEndpoint,
		"token_endpoint", config.TokenEndpoint,
		"client_id", config.ClientID,
		"revocation_enabled", p.revocationEndpoint != "",
		"userinfo_enabled", p.userInfoEndpoint != "",
	)
	return p, nil
}

func newBaseProvider(config *Config, opts ...Option) *OAuth2Provider {
	p := &OAuth2Provider{
		config:                config,
		httpClient:            &http.Client{Timeout: 30 * time.Second},
		revokeMaxTries:        defaultRevokeMaxTries,
		revokeInitialInterval: defaultRevokeInitialInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// setEndpoints builds the x/oauth2 configuration. Client credentials are
// sent in the request body for consistent behaviour across providers.
func (p *OAuth2Provider) setEndpoints(authURL, tokenURL, revocationURL, userInfoURL string) {
	p.oauth2Config = &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  p.config.RedirectURI,
		Scopes:       p.config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	p.revocationEndpoint = revocationURL
	p.userInfoEndpoint = userInfoURL
}

// withClient attaches the provider's HTTP client for x/oauth2 calls.
func (p *OAuth2Provider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// AuthorizationURL builds the URL to redirect the user to the upstream IDP.
func (p *OAuth2Provider) AuthorizationURL(state string, scopes []string) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}

	cfg := *p.oauth2Config
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = scopes
	}

	var opts []oauth2.AuthCodeOption
	if p.config.ForceConsent {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}

	slog.Debug("building authorization URL",
		"authorization_endpoint", cfg.Endpoint.AuthURL,
		"scopes", strings.Join(cfg.Scopes, " "),
	)
	return cfg.AuthCodeURL(state, opts...), nil
}

// ExchangeCode exchanges an authorization code for tokens with the upstream IDP.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	token, err := p.oauth2Config.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, classifyError("code exchange", err)
	}

	tokens := tokensFromOAuth2(token)
	slog.Debug("authorization code exchange successful",
		"has_refresh_token", tokens.RefreshToken != "",
		"expires_at", tokens.ExpiresAt.Format(time.RFC3339),
	)
	return tokens, nil
}

// RefreshTokens refreshes the upstream IDP tokens. x/oauth2 carries the old
// refresh token forward when the response does not rotate it.
func (p *OAuth2Provider) RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	source := p.oauth2Config.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, classifyError("token refresh", err)
	}

	tokens := tokensFromOAuth2(token)
	slog.Debug("token refresh successful",
		"rotated_refresh_token", tokens.RefreshToken != refreshToken,
		"expires_at", tokens.ExpiresAt.Format(time.RFC3339),
	)
	return tokens, nil
}

// RevokeToken revokes an access token at the RFC 7009 revocation endpoint,
// retrying transient failures with exponential backoff.
func (p *OAuth2Provider) RevokeToken(ctx context.Context, accessToken string) error {
	if p.revocationEndpoint == "" {
		slog.Debug("upstream has no revocation endpoint, skipping revoke")
		return nil
	}
	if accessToken == "" {
		return nil
	}

	form := url.Values{
		"token":           {accessToken},
		"token_type_hint": {"access_token"},
		"client_id":       {p.config.ClientID},
	}
	if p.config.ClientSecret != "" {
		form.Set("client_secret", p.config.ClientSecret)
	}

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationEndpoint,
			strings.NewReader(form.Encode()))
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("failed to create revocation request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(classifyError("token revocation", err))
			}
			return struct{}{}, classifyError("token revocation", err)
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

		if resp.StatusCode == http.StatusOK {
			return struct{}{}, nil
		}
		err = statusError("token revocation", resp.StatusCode)
		if !isTransientStatus(resp.StatusCode) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.revokeInitialInterval

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(p.revokeMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("retrying upstream token revocation", "error", err, "next_retry_in", next)
		}),
	)
	return err
}

// FetchSubject reads the configured subject claim from the userinfo endpoint.
func (p *OAuth2Provider) FetchSubject(ctx context.Context, accessToken string) (string, error) {
	if p.userInfoEndpoint == "" {
		return "", ErrNoUserInfoEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoEndpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", classifyError("userinfo", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("userinfo", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("failed to read userinfo response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return "", errors.New("userinfo response is not valid JSON")
	}

	claim := p.config.subjectClaim()
	subject := gjson.GetBytes(body, claim)
	if !subject.Exists() || subject.String() == "" {
		return "", fmt.Errorf("userinfo response has no %q claim", claim)
	}
	return subject.String(), nil
}

func tokensFromOAuth2(token *oauth2.Token) *Tokens {
	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	return tokens
}

// NewProvider creates the provider selected by config.Type.
func NewProvider(ctx context.Context, config *Config, opts ...Option) (Provider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	switch config.Type {
	case ProviderTypeOIDC:
		p, err := NewOIDCProvider(ctx, config, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderTypeOAuth2:
		p, err := NewOAuth2Provider(config, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider type: %q (must be %q or %q)",
			config.Type, ProviderTypeOIDC, ProviderTypeOAuth2)
	}
}
