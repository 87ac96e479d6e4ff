// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/oauth2"

	"github.com/stacklok/oauthbridge/pkg/bridge"
	"github.com/stacklok/oauthbridge/pkg/bridge/storage"
	"github.com/stacklok/oauthbridge/pkg/bridge/upstream"
	"github.com/stacklok/oauthbridge/pkg/bridge/upstream/mocks"
)

const (
	testIssuer             = "https://bridge.example.com"
	testPublicClient       = "public-client"
	testConfidentialClient = "confidential-client"
	testClientSecret       = "s3cret"
	testScopedClient       = "scoped-client"
	testRedirectURI        = "https://client.example.com/cb"
	testClientState        = "client-state"
)

type testEnv struct {
	handler  *Handler
	router   http.Handler
	store    *storage.MemoryStorage
	provider *mocks.MockProvider
	verifier string
}

func newTestEnv(t *testing.T, config Config, opts ...Option) *testEnv {
	t.Helper()

	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	store := storage.NewMemoryStorage()

	b, err := bridge.New(store, provider, bridge.Config{})
	require.NoError(t, err)

	clients, err := NewStaticClients([]ClientConfig{
		{ID: testPublicClient, RedirectURIs: []string{testRedirectURI}},
		{ID: testConfidentialClient, Secret: testClientSecret, RedirectURIs: []string{testRedirectURI}},
		{ID: testScopedClient, RedirectURIs: []string{testRedirectURI}, Scopes: []string{"read"}},
	})
	require.NoError(t, err)

	if config.Issuer == "" {
		config.Issuer = testIssuer
	}
	h, err := NewHandler(b, clients, config, opts...)
	require.NoError(t, err)

	return &testEnv{
		handler:  h,
		router:   h.Routes(),
		store:    store,
		provider: provider,
		verifier: oauth2.GenerateVerifier(),
	}
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) authorizeQuery(clientID string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"state":                 {testClientState},
		"scope":                 {"read write"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(e.verifier)},
		"code_challenge_method": {PKCEChallengeMethodS256},
	}
}

func (e *testEnv) get(path string, query url.Values) *httptest.ResponseRecorder {
	target := path
	if query != nil {
		target += "?" + query.Encode()
	}
	return e.serve(httptest.NewRequest(http.MethodGet, target, nil))
}

func (e *testEnv) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.serve(req)
}

// authorize runs the authorize endpoint and returns the upstream state.
func (e *testEnv) authorize(t *testing.T, clientID string) string {
	t.Helper()

	e.provider.EXPECT().AuthorizationURL(gomock.Any(), []string{"read", "write"}).
		DoAndReturn(func(state string, _ []string) (string, error) {
			return "https://idp.example.com/authorize?state=" + url.QueryEscape(state), nil
		})

	rec := e.get("/oauth/authorize", e.authorizeQuery(clientID))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "idp.example.com", location.Host)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

// callback completes the upstream leg and returns the downstream code.
func (e *testEnv) callback(t *testing.T, correlation string) string {
	t.Helper()

	e.provider.EXPECT().ExchangeCode(gomock.Any(), "upstream-code").Return(&upstream.Tokens{
		AccessToken:  "up-access",
		RefreshToken: "up-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		Subject:      "user-1",
	}, nil)

	rec := e.get("/oauth/callback", url.Values{"code": {"upstream-code"}, "state": {correlation}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, testRedirectURI, location.Scheme+"://"+location.Host+location.Path)
	require.Equal(t, testClientState, location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

// login runs the full flow for the public client.
func (e *testEnv) login(t *testing.T) tokenResponse {
	t.Helper()
	code := e.callback(t, e.authorize(t, testPublicClient))

	rec := e.postForm("/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testPublicClient},
		"code":          {code},
		"code_verifier": {e.verifier},
		"redirect_uri":  {testRedirectURI},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeToken(t, rec)
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body["error"]
}

// redirectParams asserts a redirect to the client and returns its query.
func redirectParams(t *testing.T, rec *httptest.ResponseRecorder) url.Values {
	t.Helper()
	require.Contains(t, []int{http.StatusFound, http.StatusSeeOther}, rec.Code, rec.Body.String())
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, testRedirectURI, location.Scheme+"://"+location.Host+location.Path)
	return location.Query()
}
