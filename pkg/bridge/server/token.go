// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strings"

	"github.com/ory/fosite"

	"github.com/stacklok/oauthbridge/pkg/bridge"
)

// tokenResponse is the RFC 6749 section 5.1 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// userInfoResponse is returned by the userinfo endpoint.
type userInfoResponse struct {
	Subject  string `json:"sub"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// TokenHandler handles POST /oauth/token for the authorization_code and
// refresh_token grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if !h.limiter.Allow() {
		limited := fosite.ErrTemporarilyUnavailable.WithHint("Too many token requests.")
		limited.CodeField = http.StatusTooManyRequests
		writeError(w, limited)
		return
	}
	if err := req.ParseForm(); err != nil {
		writeError(w, fosite.ErrInvalidRequest.WithHint("Unable to parse form body."))
		return
	}

	client, err := h.authenticateClient(req)
	if err != nil {
		writeError(w, toRFC6749Error(err))
		return
	}

	var resp *bridge.TokenResponse
	switch grantType := req.PostForm.Get("grant_type"); grantType {
	case string(fosite.GrantTypeAuthorizationCode):
		resp, err = h.exchangeCode(req, client.GetID())
	case string(fosite.GrantTypeRefreshToken):
		refreshToken := req.PostForm.Get("refresh_token")
		if refreshToken == "" {
			writeError(w, fosite.ErrInvalidRequest.WithHint("refresh_token is required."))
			return
		}
		resp, err = h.bridge.Refresh(ctx, refreshToken)
	default:
		writeError(w, fosite.ErrUnsupportedGrantType)
		return
	}
	if err != nil {
		logError(ctx, "token request failed", err)
		writeError(w, toRFC6749Error(err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    int64(resp.ExpiresIn.Seconds()),
		RefreshToken: resp.RefreshToken,
		Scope:        strings.Join(resp.Scopes, " "),
	})
}

func (h *Handler) exchangeCode(req *http.Request, clientID string) (*bridge.TokenResponse, error) {
	ctx := req.Context()
	code := req.PostForm.Get("code")
	verifier := req.PostForm.Get("code_verifier")
	if code == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("code is required.")
	}

	challenge, err := h.bridge.ChallengeForCode(ctx, clientID, code)
	if err != nil {
		return nil, err
	}
	if challenge != "" && verifier == "" {
		return nil, fosite.ErrInvalidGrant.WithHint("code_verifier is required.")
	}
	if verifier != "" && !validVerifier(verifier) {
		return nil, fosite.ErrInvalidRequest.WithHint("code_verifier is malformed.")
	}

	return h.bridge.ExchangeCode(ctx, bridge.ExchangeRequest{
		ClientID:     clientID,
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  req.PostForm.Get("redirect_uri"),
	})
}

// validVerifier checks RFC 7636 section 4.1 length and alphabet.
func validVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for _, c := range v {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// RevokeHandler handles POST /oauth/revoke (RFC 7009). Unknown tokens are
// answered with 200.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if err := req.ParseForm(); err != nil {
		writeError(w, fosite.ErrInvalidRequest.WithHint("Unable to parse form body."))
		return
	}
	if _, err := h.authenticateClient(req); err != nil {
		writeError(w, toRFC6749Error(err))
		return
	}

	token := req.PostForm.Get("token")
	if token == "" {
		writeError(w, fosite.ErrInvalidRequest.WithHint("token is required."))
		return
	}
	if err := h.bridge.Revoke(ctx, token); err != nil {
		logError(ctx, "revocation failed", err)
		writeError(w, toRFC6749Error(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// UserInfoHandler handles GET /oauth/userinfo behind RequireBearer.
func (*Handler) UserInfoHandler(w http.ResponseWriter, req *http.Request) {
	identity, ok := IdentityFromContext(req.Context())
	if !ok {
		writeError(w, fosite.ErrRequestUnauthorized)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, userInfoResponse{
		Subject:  identity.Subject,
		ClientID: identity.ClientID,
		Scope:    strings.Join(identity.Scopes, " "),
	})
}
