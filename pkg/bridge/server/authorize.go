// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ory/fosite"

	"github.com/stacklok/oauthbridge/pkg/bridge"
)

// PKCEChallengeMethodS256 is the only PKCE method accepted (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

// AuthorizeHandler handles GET /oauth/authorize. It validates the client's
// request and redirects the user agent to the upstream provider.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	// Until client and redirect URI are known to be valid errors must not be
	// redirected (RFC 6749 section 4.1.2.1).
	client, err := h.clients.GetClient(ctx, q.Get("client_id"))
	if err != nil {
		writeError(w, fosite.ErrInvalidClient.WithHint("Unknown client."))
		return
	}

	redirectURI := q.Get("redirect_uri")
	registered := client.GetRedirectURIs()
	if redirectURI == "" && len(registered) == 1 {
		redirectURI = registered[0]
	}
	if !matchRedirectURI(client, redirectURI) {
		writeError(w, fosite.ErrInvalidRequest.WithHint("redirect_uri is not registered for this client."))
		return
	}

	state := q.Get("state")
	fail := func(rfcErr *fosite.RFC6749Error) {
		redirectError(w, req, redirectURI, state, rfcErr)
	}

	if q.Get("response_type") != "code" {
		fail(fosite.ErrUnsupportedResponseType)
		return
	}
	challenge := q.Get("code_challenge")
	if challenge == "" {
		fail(fosite.ErrInvalidRequest.WithHint("code_challenge is required."))
		return
	}
	if q.Get("code_challenge_method") != PKCEChallengeMethodS256 {
		fail(fosite.ErrInvalidRequest.WithHint("code_challenge_method must be S256."))
		return
	}
	scopes := strings.Fields(q.Get("scope"))
	if !allowedScopes(client, scopes) {
		fail(fosite.ErrInvalidScope)
		return
	}

	upstreamURL, err := h.bridge.Authorize(ctx, bridge.AuthorizeRequest{
		ClientID:      client.GetID(),
		RedirectURI:   redirectURI,
		ClientState:   state,
		CodeChallenge: challenge,
		Scopes:        scopes,
	})
	if err != nil {
		logError(ctx, "failed to start authorization", err)
		fail(toRFC6749Error(err))
		return
	}

	slog.Debug("redirecting to upstream provider",
		"request_id", RequestIDFromContext(ctx),
		"client_id", client.GetID(),
		"scope_count", len(scopes),
	)
	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

// CallbackHandler handles GET /oauth/callback, the upstream provider's
// redirect back to the bridge.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	correlation := q.Get("state")
	if correlation == "" {
		writeError(w, fosite.ErrInvalidRequest.WithHint("missing state parameter"))
		return
	}

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		record, err := h.bridge.CancelAuthorization(ctx, correlation)
		if err != nil {
			logError(ctx, "failed to cancel authorization", err)
			writeError(w, toRFC6749Error(err))
			return
		}
		slog.Debug("upstream provider reported an error",
			"request_id", RequestIDFromContext(ctx),
			"client_id", record.ClientID,
			"upstream_error", upstreamErr,
		)
		redirectError(w, req, record.RedirectURI, record.ClientState,
			fosite.ErrAccessDenied.WithHint("The upstream provider did not authorize the request."))
		return
	}

	code := q.Get("code")
	if code == "" {
		writeError(w, fosite.ErrInvalidRequest.WithHint("missing code parameter"))
		return
	}

	record, err := h.bridge.CompleteUpstreamCallback(ctx, code, correlation)
	if err != nil {
		logError(ctx, "failed to complete upstream callback", err)
		if record == nil {
			writeError(w, toRFC6749Error(err))
			return
		}
		redirectError(w, req, record.RedirectURI, record.ClientState, toRFC6749Error(err))
		return
	}

	target, err := url.Parse(record.RedirectURI)
	if err != nil {
		writeError(w, fosite.ErrServerError)
		return
	}
	params := target.Query()
	params.Set("code", record.Code)
	if record.ClientState != "" {
		params.Set("state", record.ClientState)
	}
	target.RawQuery = params.Encode()

	http.Redirect(w, req, target.String(), http.StatusFound)
}
