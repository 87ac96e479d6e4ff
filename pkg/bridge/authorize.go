// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stacklok/oauthbridge/pkg/bridge/storage"
	"github.com/stacklok/oauthbridge/pkg/bridge/upstream"
)

// Authorize records a new authorization attempt and returns the upstream URL
// the user agent must be sent to. The attempt's code is the upstream state
// parameter.
func (b *Bridge) Authorize(ctx context.Context, req AuthorizeRequest) (_ string, retErr error) {
	ctx, done := b.observe(ctx, opAuthorize, &retErr)
	defer done()

	if req.ClientID == "" || req.RedirectURI == "" {
		return "", fmt.Errorf("%w: client_id and redirect_uri are required", ErrServerError)
	}

	code, err := b.store.CreateCode(ctx, &storage.AuthorizationCode{
		ClientID:      req.ClientID,
		CodeChallenge: req.CodeChallenge,
		RedirectURI:   req.RedirectURI,
		ClientState:   req.ClientState,
		Scopes:        req.Scopes,
		State:         storage.CodeStateInitiated,
	})
	if err != nil {
		return "", serverError("failed to store authorization code", err)
	}

	authURL, err := b.upstream.AuthorizationURL(code, req.Scopes)
	if err != nil {
		b.discardCode(ctx, code)
		return "", serverError("failed to build upstream authorization URL", err)
	}

	if err := b.store.TransitionCode(ctx, code,
		storage.CodeStateInitiated, storage.CodeStateUpstreamPending); err != nil {
		b.discardCode(ctx, code)
		return "", serverError("failed to mark authorization pending", err)
	}

	slog.Debug("authorization started", "client_id", req.ClientID, "scopes", req.Scopes)
	return authURL, nil
}

// CompleteUpstreamCallback finishes the upstream half of an authorization.
// correlationCode is the state value the upstream provider echoed back.
//
// When the upstream exchange fails the attempt is discarded and the record is
// returned together with the error, so the caller can still report the
// failure to the client's redirect URI.
func (b *Bridge) CompleteUpstreamCallback(
	ctx context.Context, upstreamCode, correlationCode string,
) (_ *storage.AuthorizationCode, retErr error) {
	ctx, done := b.observe(ctx, opCallback, &retErr)
	defer done()

	if upstreamCode == "" || correlationCode == "" {
		return nil, ErrInvalidState
	}

	record, err := b.store.GetCode(ctx, correlationCode)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, serverError("failed to load authorization code", err)
	}
	if !record.State.CanTransition(storage.CodeStateUpstreamComplete) {
		return nil, fmt.Errorf("%w: authorization is %s", ErrInvalidState, record.State)
	}

	creds, err := b.exchangeUpstream(ctx, upstreamCode)
	if err != nil {
		b.discardCode(ctx, correlationCode)
		return record, err
	}

	err = b.store.CompleteCode(ctx, correlationCode, upstreamCode, creds)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidTransition):
		// Expired or completed by a concurrent callback meanwhile.
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	case err != nil:
		return nil, serverError("failed to complete authorization code", err)
	}

	record.State = storage.CodeStateUpstreamComplete
	record.UpstreamCode = upstreamCode
	record.Upstream = creds

	slog.Debug("upstream authorization completed",
		"client_id", record.ClientID,
		"has_subject", creds.Subject != "",
		"has_upstream_refresh_token", creds.RefreshToken != "",
	)
	return record, nil
}

// exchangeUpstream trades the upstream code and resolves the subject when the
// token response did not carry one.
func (b *Bridge) exchangeUpstream(ctx context.Context, upstreamCode string) (*storage.UpstreamCredentials, error) {
	upstreamCtx, cancel := b.upstreamContext(ctx)
	defer cancel()

	tokens, err := b.upstream.ExchangeCode(upstreamCtx, upstreamCode)
	if err != nil {
		return nil, upstreamError("code exchange", err)
	}

	creds := &storage.UpstreamCredentials{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
		Subject:      tokens.Subject,
	}
	if creds.Subject != "" {
		return creds, nil
	}

	subjectCtx, cancelSubject := b.upstreamContext(ctx)
	defer cancelSubject()

	subject, err := b.upstream.FetchSubject(subjectCtx, tokens.AccessToken)
	switch {
	case errors.Is(err, upstream.ErrNoUserInfoEndpoint):
		slog.Debug("upstream subject unknown, no userinfo endpoint")
	case err != nil:
		slog.Warn("failed to resolve upstream subject", "error", err)
	default:
		creds.Subject = subject
	}
	return creds, nil
}

// CancelAuthorization discards an attempt the upstream provider reported as
// failed, for example because the user denied consent. The removed record is
// returned so the error can be forwarded to the client.
func (b *Bridge) CancelAuthorization(
	ctx context.Context, correlationCode string,
) (_ *storage.AuthorizationCode, retErr error) {
	ctx, done := b.observe(ctx, opCancel, &retErr)
	defer done()

	if correlationCode == "" {
		return nil, ErrInvalidState
	}
	record, err := b.store.GetCode(ctx, correlationCode)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, serverError("failed to load authorization code", err)
	}
	if err := b.store.DeleteCode(ctx, correlationCode); err != nil {
		return nil, serverError("failed to delete authorization code", err)
	}
	return record, nil
}

// ChallengeForCode returns the PKCE challenge stored for code.
func (b *Bridge) ChallengeForCode(ctx context.Context, clientID, code string) (_ string, retErr error) {
	ctx, done := b.observe(ctx, opChallenge, &retErr)
	defer done()

	record, err := b.store.GetCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrInvalidGrant
	}
	if err != nil {
		return "", serverError("failed to load authorization code", err)
	}
	if record.ClientID != clientID {
		return "", ErrInvalidGrant
	}
	return record.CodeChallenge, nil
}

// discardCode deletes an attempt that can no longer succeed.
func (b *Bridge) discardCode(ctx context.Context, code string) {
	if err := b.store.DeleteCode(ctx, code); err != nil {
		slog.Warn("failed to delete authorization code", "error", err)
	}
}
