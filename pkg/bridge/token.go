// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/oauth2"

	"github.com/stacklok/oauthbridge/pkg/bridge/storage"
	"github.com/stacklok/oauthbridge/pkg/bridge/upstream"
)

const tokenTypeBearer = "Bearer"

// ExchangeCode trades a completed authorization code for downstream tokens.
// The code is consumed only after the session is saved; of any number of
// concurrent exchanges exactly one succeeds.
func (b *Bridge) ExchangeCode(ctx context.Context, req ExchangeRequest) (_ *TokenResponse, retErr error) {
	ctx, done := b.observe(ctx, opExchangeCode, &retErr)
	defer done()

	record, err := b.store.GetCode(ctx, req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, serverError("failed to load authorization code", err)
	}
	if err := validateExchange(record, req); err != nil {
		return nil, err
	}

	now := b.clock.Now()
	session := &storage.Session{
		ID:                   newToken(),
		ClientID:             record.ClientID,
		Subject:              record.Upstream.Subject,
		UpstreamAccessToken:  record.Upstream.AccessToken,
		UpstreamRefreshToken: record.Upstream.RefreshToken,
		UpstreamExpiresAt:    record.Upstream.ExpiresAt,
		RefreshToken:         newToken(),
		ExpiresAt:            now.Add(b.config.SessionTTL),
		Scope:                strings.Join(record.Scopes, " "),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := b.store.SaveSession(ctx, session); err != nil {
		return nil, serverError("failed to save session", err)
	}

	if err := b.store.ConsumeCode(ctx, req.Code); err != nil {
		// The cleanup must run even when ctx was cancelled mid-exchange.
		b.discardSession(context.WithoutCancel(ctx), session.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: authorization code already used", ErrInvalidGrant)
		}
		return nil, serverError("failed to consume authorization code", err)
	}

	slog.Debug("authorization code exchanged", "client_id", session.ClientID)
	return b.tokenResponse(session), nil
}

func validateExchange(record *storage.AuthorizationCode, req ExchangeRequest) error {
	if record.ClientID != req.ClientID {
		return fmt.Errorf("%w: code was issued to another client", ErrInvalidGrant)
	}
	if record.State != storage.CodeStateUpstreamComplete || record.Upstream == nil {
		return fmt.Errorf("%w: authorization is %s", ErrInvalidGrant, record.State)
	}
	if req.RedirectURI != "" && req.RedirectURI != record.RedirectURI {
		return fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidGrant)
	}
	if req.CodeVerifier != "" {
		challenge := oauth2.S256ChallengeFromVerifier(req.CodeVerifier)
		if subtle.ConstantTimeCompare([]byte(challenge), []byte(record.CodeChallenge)) != 1 {
			return fmt.Errorf("%w: code_verifier does not match", ErrInvalidGrant)
		}
	}
	return nil
}

// Refresh issues a new downstream access token for refreshToken. The refresh
// token itself is kept; the previous session stays valid until it expires.
func (b *Bridge) Refresh(ctx context.Context, refreshToken string) (_ *TokenResponse, retErr error) {
	ctx, done := b.observe(ctx, opRefresh, &retErr)
	defer done()

	if refreshToken == "" {
		return nil, ErrInvalidGrant
	}
	previous, err := b.store.GetSessionByRefreshToken(ctx, refreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, serverError("failed to load session", err)
	}

	creds, err := b.refreshUpstream(ctx, previous)
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		// The lineage survives; the client may retry later.
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
	case errors.Is(err, upstream.ErrInvalidGrant):
		// Explicit upstream rejection ends the lineage.
		b.discardSession(ctx, previous.ID)
		return nil, err
	case err != nil:
		return nil, err
	}

	now := b.clock.Now()
	session := &storage.Session{
		ID:                   newToken(),
		ClientID:             previous.ClientID,
		Subject:              creds.Subject,
		UpstreamAccessToken:  creds.AccessToken,
		UpstreamRefreshToken: creds.RefreshToken,
		UpstreamExpiresAt:    creds.ExpiresAt,
		RefreshToken:         previous.RefreshToken,
		ExpiresAt:            now.Add(b.config.SessionTTL),
		Scope:                previous.Scope,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := b.store.SaveSession(ctx, session); err != nil {
		return nil, serverError("failed to save refreshed session", err)
	}

	slog.Debug("downstream tokens refreshed", "client_id", session.ClientID)
	return b.tokenResponse(session), nil
}

// refreshUpstream obtains upstream credentials for a new session. Without an
// upstream refresh token the current credentials are carried forward while
// they remain valid.
func (b *Bridge) refreshUpstream(ctx context.Context, session *storage.Session) (*storage.UpstreamCredentials, error) {
	current := &storage.UpstreamCredentials{
		AccessToken:  session.UpstreamAccessToken,
		RefreshToken: session.UpstreamRefreshToken,
		ExpiresAt:    session.UpstreamExpiresAt,
		Subject:      session.Subject,
	}

	if session.UpstreamRefreshToken == "" {
		if current.ExpiresAt.IsZero() || b.clock.Now().Before(current.ExpiresAt) {
			return current, nil
		}
		return nil, fmt.Errorf("%w: upstream credentials expired and cannot be refreshed", ErrInvalidGrant)
	}

	upstreamCtx, cancel := b.upstreamContext(ctx)
	defer cancel()

	tokens, err := b.upstream.RefreshTokens(upstreamCtx, session.UpstreamRefreshToken)
	if err != nil {
		return nil, upstreamError("token refresh", err)
	}
	return mergeTokens(current, tokens), nil
}

// mergeTokens applies a refresh response on top of the current credentials.
func mergeTokens(current *storage.UpstreamCredentials, tokens *upstream.Tokens) *storage.UpstreamCredentials {
	merged := &storage.UpstreamCredentials{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
		Subject:      tokens.Subject,
	}
	if merged.RefreshToken == "" {
		merged.RefreshToken = current.RefreshToken
	}
	if merged.Subject == "" {
		merged.Subject = current.Subject
	}
	return merged
}

// Revoke invalidates the session behind an access or refresh token. Unknown
// tokens are not an error. Upstream revocation is best-effort.
func (b *Bridge) Revoke(ctx context.Context, token string) (retErr error) {
	ctx, done := b.observe(ctx, opRevoke, &retErr)
	defer done()

	if token == "" {
		return nil
	}

	session, err := b.store.GetSessionByAccessToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		session, err = b.store.GetSessionByRefreshToken(ctx, token)
	}
	if errors.Is(err, storage.ErrNotFound) {
		slog.Debug("revocation requested for unknown token")
		return nil
	}
	if err != nil {
		return serverError("failed to load session", err)
	}

	if session.UpstreamAccessToken != "" {
		upstreamCtx, cancel := b.upstreamContext(ctx)
		if err := b.upstream.RevokeToken(upstreamCtx, session.UpstreamAccessToken); err != nil {
			slog.Warn("failed to revoke upstream token", "client_id", session.ClientID, "error", err)
		}
		cancel()
	}

	if err := b.store.DeleteSession(ctx, session.ID); err != nil {
		return serverError("failed to delete session", err)
	}
	slog.Debug("session revoked", "client_id", session.ClientID)
	return nil
}

func (b *Bridge) tokenResponse(session *storage.Session) *TokenResponse {
	return &TokenResponse{
		AccessToken:  session.ID,
		RefreshToken: session.RefreshToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    b.config.SessionTTL,
		Scopes:       session.Scopes(),
	}
}

// discardSession removes a session on a failure path.
func (b *Bridge) discardSession(ctx context.Context, id string) {
	if err := b.store.DeleteSession(ctx, id); err != nil {
		slog.Warn("failed to delete session", "error", err)
	}
}
