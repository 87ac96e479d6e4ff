// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stacklok/oauthbridge/pkg/bridge/storage"
)

// Verify resolves a downstream access token and slides its expiry forward.
// Upstream credentials close to expiry are refreshed on the way; a failed
// upstream refresh is logged and does not fail verification.
func (b *Bridge) Verify(ctx context.Context, accessToken string) (_ *Identity, retErr error) {
	ctx, done := b.observe(ctx, opVerify, &retErr)
	defer done()

	if accessToken == "" {
		return nil, ErrUnauthorized
	}
	session, err := b.store.GetSessionByAccessToken(ctx, accessToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, serverError("failed to load session", err)
	}

	if b.upstreamNeedsRefresh(session) {
		b.refreshInPlace(ctx, session)
	}

	if err := b.store.TouchSession(ctx, accessToken, b.config.SessionTTL); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Revoked or expired between the lookup and the touch.
			return nil, ErrUnauthorized
		}
		return nil, serverError("failed to extend session", err)
	}

	return &Identity{
		Subject:             session.Subject,
		ClientID:            session.ClientID,
		Scopes:              session.Scopes(),
		UpstreamAccessToken: session.UpstreamAccessToken,
		ExpiresAt:           b.clock.Now().Add(b.config.SessionTTL),
	}, nil
}

func (b *Bridge) upstreamNeedsRefresh(session *storage.Session) bool {
	if session.UpstreamRefreshToken == "" || session.UpstreamExpiresAt.IsZero() {
		return false
	}
	return !b.clock.Now().Add(b.config.RefreshWindow).Before(session.UpstreamExpiresAt)
}

// refreshInPlace renews the upstream credentials of session without issuing
// new downstream tokens. session is updated on success.
func (b *Bridge) refreshInPlace(ctx context.Context, session *storage.Session) {
	upstreamCtx, cancel := b.upstreamContext(ctx)
	defer cancel()

	tokens, err := b.upstream.RefreshTokens(upstreamCtx, session.UpstreamRefreshToken)
	if err != nil {
		slog.Warn("failed to refresh upstream credentials during verification",
			"client_id", session.ClientID, "error", upstreamError("token refresh", err))
		return
	}

	creds := mergeTokens(&storage.UpstreamCredentials{
		RefreshToken: session.UpstreamRefreshToken,
		Subject:      session.Subject,
	}, tokens)
	if err := b.store.UpdateUpstreamCredentials(ctx, session.ID, creds); err != nil {
		slog.Warn("failed to store refreshed upstream credentials",
			"client_id", session.ClientID, "error", err)
		return
	}

	session.UpstreamAccessToken = creds.AccessToken
	session.UpstreamRefreshToken = creds.RefreshToken
	session.UpstreamExpiresAt = creds.ExpiresAt
	slog.Debug("upstream credentials refreshed", "client_id", session.ClientID)
}
