// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/mock/gomock"
	"golang.org/x/oauth2"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stacklok/oauthbridge/pkg/bridge"
	"github.com/stacklok/oauthbridge/pkg/bridge/storage"
	"github.com/stacklok/oauthbridge/pkg/bridge/upstream"
	"github.com/stacklok/oauthbridge/pkg/bridge/upstream/mocks"
)

const (
	testClientID    = "client-1"
	testRedirectURI = "https://client.example.com/callback"
	testSubject     = "user-1"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	bridge   *bridge.Bridge
	store    *storage.MemoryStorage
	clock    *clocktesting.FakeClock
	provider *mocks.MockProvider
	verifier string
}

func newFixture(t *testing.T, opts ...bridge.Option) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, bridge.Config{}, opts...)
}

func newFixtureWithConfig(t *testing.T, cfg bridge.Config, opts ...bridge.Option) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	fc := clocktesting.NewFakeClock(testEpoch)
	store := storage.NewMemoryStorage(storage.WithClock(fc))
	provider := mocks.NewMockProvider(ctrl)

	b, err := bridge.New(store, provider, cfg, append([]bridge.Option{bridge.WithClock(fc)}, opts...)...)
	require.NoError(t, err)

	return &fixture{
		bridge:   b,
		store:    store,
		clock:    fc,
		provider: provider,
		verifier: oauth2.GenerateVerifier(),
	}
}

func (f *fixture) upstreamTokens() *upstream.Tokens {
	return &upstream.Tokens{
		AccessToken:  "up-access",
		RefreshToken: "up-refresh",
		ExpiresAt:    f.clock.Now().Add(time.Hour),
		Subject:      testSubject,
	}
}

// authorize runs Authorize and returns the correlation code sent upstream.
func (f *fixture) authorize(t *testing.T) string {
	t.Helper()

	f.provider.EXPECT().AuthorizationURL(gomock.Any(), []string{"repo", "read:user"}).
		DoAndReturn(func(state string, _ []string) (string, error) {
			return "https://idp.example.com/authorize?state=" + url.QueryEscape(state), nil
		})

	authURL, err := f.bridge.Authorize(context.Background(), bridge.AuthorizeRequest{
		ClientID:      testClientID,
		RedirectURI:   testRedirectURI,
		ClientState:   "client-state",
		CodeChallenge: oauth2.S256ChallengeFromVerifier(f.verifier),
		Scopes:        []string{"repo", "read:user"},
	})
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	code := u.Query().Get("state")
	require.NotEmpty(t, code)
	return code
}

// completeAuthorization authorizes and runs the upstream callback with tokens.
func (f *fixture) completeAuthorization(t *testing.T, tokens *upstream.Tokens) string {
	t.Helper()
	code := f.authorize(t)

	f.provider.EXPECT().ExchangeCode(gomock.Any(), "upstream-code").Return(tokens, nil)
	if tokens.Subject == "" {
		f.provider.EXPECT().FetchSubject(gomock.Any(), tokens.AccessToken).Return(testSubject, nil)
	}

	_, err := f.bridge.CompleteUpstreamCallback(context.Background(), "upstream-code", code)
	require.NoError(t, err)
	return code
}

// login runs the whole authorization flow and returns downstream tokens.
func (f *fixture) login(t *testing.T, tokens *upstream.Tokens) *bridge.TokenResponse {
	t.Helper()
	code := f.completeAuthorization(t, tokens)

	resp, err := f.bridge.ExchangeCode(context.Background(), bridge.ExchangeRequest{
		ClientID:     testClientID,
		Code:         code,
		CodeVerifier: f.verifier,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)
	return resp
}

func TestNew(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	_, err := bridge.New(nil, mocks.NewMockProvider(ctrl), bridge.Config{})
	require.Error(t, err)

	_, err = bridge.New(storage.NewMemoryStorage(), nil, bridge.Config{})
	require.Error(t, err)
}

func TestEndToEndScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first := f.login(t, f.upstreamTokens())
	assert.Equal(t, "Bearer", first.TokenType)
	assert.Equal(t, bridge.DefaultSessionTTL, first.ExpiresIn)
	assert.ElementsMatch(t, []string{"repo", "read:user"}, first.Scopes)
	assert.GreaterOrEqual(t, len(first.AccessToken), 43, "access token must carry 256 bits")

	f.provider.EXPECT().RefreshTokens(gomock.Any(), "up-refresh").Return(&upstream.Tokens{
		AccessToken: "up-access-2",
		ExpiresAt:   testEpoch.Add(2 * time.Hour),
	}, nil)

	second, err := f.bridge.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, first.RefreshToken, second.RefreshToken)

	identity, err := f.bridge.Verify(ctx, first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testSubject, identity.Subject)
	assert.Equal(t, "up-access", identity.UpstreamAccessToken)

	identity, err = f.bridge.Verify(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "up-access-2", identity.UpstreamAccessToken)
	assert.Equal(t, testClientID, identity.ClientID)

	f.provider.EXPECT().RevokeToken(gomock.Any(), "up-access-2").Return(nil)
	require.NoError(t, f.bridge.Revoke(ctx, second.AccessToken))

	_, err = f.bridge.Verify(ctx, second.AccessToken)
	require.ErrorIs(t, err, bridge.ErrUnauthorized)
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	t.Run("marks the attempt pending", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		code := f.authorize(t)

		record, err := f.store.GetCode(context.Background(), code)
		require.NoError(t, err)
		assert.Equal(t, storage.CodeStateUpstreamPending, record.State)
		assert.Equal(t, "client-state", record.ClientState)
		assert.Equal(t, testRedirectURI, record.RedirectURI)
	})

	t.Run("upstream URL failure discards the attempt", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		var state string
		f.provider.EXPECT().AuthorizationURL(gomock.Any(), gomock.Any()).
			DoAndReturn(func(s string, _ []string) (string, error) {
				state = s
				return "", errors.New("boom")
			})

		_, err := f.bridge.Authorize(context.Background(), bridge.AuthorizeRequest{
			ClientID:    testClientID,
			RedirectURI: testRedirectURI,
		})
		require.ErrorIs(t, err, bridge.ErrServerError)

		_, err = f.store.GetCode(context.Background(), state)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("client and redirect are required", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.bridge.Authorize(context.Background(), bridge.AuthorizeRequest{ClientID: testClientID})
		require.Error(t, err)
	})
}

func TestCompleteUpstreamCallback(t *testing.T) {
	t.Parallel()

	t.Run("stores upstream credentials", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		code := f.authorize(t)

		f.provider.EXPECT().ExchangeCode(gomock.Any(), "upstream-code").Return(f.upstreamTokens(), nil)
		record, err := f.bridge.CompleteUpstreamCallback(context.Background(), "upstream-code", code)
		require.NoError(t, err)
		assert.Equal(t, storage.CodeStateUpstreamComplete, record.State)
		assert.Equal(t, testRedirectURI, record.RedirectURI)
		assert.Equal(t, "client-state", record.ClientState)

		stored, err := f.store.GetCode(context.Background(), code)
		require.NoError(t, err)
		assert.Equal(t, "upstream-code", stored.UpstreamCode)
		require.NotNil(t, stored.Upstream)
		assert.Equal(t, "up-access", stored.Upstream.AccessToken)
		assert.Equal(t, testSubject, stored.Upstream.Subject)
		assert.True(t, stored.ExpiresAt.Equal(testEpoch.Add(storage.DefaultAuthCodeTTL)))
	})

	t.Run("unknown state", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.bridge.CompleteUpstreamCallback(context.Background(), "upstream-code", "nope")
		require.ErrorIs(t, err, bridge.ErrInvalidState)
	})

	t.Run("second callback is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		code := f.completeAuthorization(t, f.upstreamTokens())

		_, err := f.bridge.CompleteUpstreamCallback(context.Background(), "upstream-code", code)
		require.ErrorIs(t, err, bridge.ErrInvalidState)
	})

	t.Run("expired attempt", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		code := f.authorize(t)
		f.clock.Step(storage.DefaultAuthCodeTTL + time.Second)

		_, err := f.bridge.CompleteUpstreamCallback(context.Background(), "upstream-code", code)
		require.ErrorIs(t, err, bridge.ErrInvalidState)
	})

	t.Run("subject resolved through userinfo", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		tokens := f.upstreamTokens()
		tokens.Subject = ""
		code := f.completeAuthorization(t, tokens)

		stored, err := f.store.GetCode(context.Background(), code)
		require.NoError(t, err)
		assert.Equal(t, testSubject, stored.Upstream.Subject)
	})

	t.Run("subject lookup failure is tolerated", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		code := f.authorize(t)
		tokens := f.upstreamTokens()
		tokens.Subject = ""

		f.provider.EXPECT().ExchangeCode(gomock.Any(), "upstream-code").Return(tokens, nil)
		f.provider.EXPECT().FetchSubject(gomock.Any(), "up-access").Return("", upstream.ErrUnavailable)

		record, err := f.bridge.CompleteUpstreamCallback(context.Background(), "upstream-code", code)
		require.NoError(t, err)
		assert.Empty(t, record.Upstream.Subject)
	})

	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "upstream rejects code", err: upstream.ErrInvalidGrant, wantErr: bridge.ErrInvalidGrant},
		{name: "upstream unavailable", err: upstream.ErrUnavailable, wantErr: bridge.ErrUpstreamUnavailable},
		{name: "unexpected upstream error", err: errors.New("weird"), wantErr: bridge.ErrServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			code := f.authorize(t)

			f.provider.EXPECT().ExchangeCode(gomock.Any(), "upstream-code").Return(nil, tt.err)
			record, err := f.bridge.CompleteUpstreamCallback(context.Background(), "upstream-code", code)
			require.ErrorIs(t, err, tt.wantErr)
			require.NotNil(t, record, "record is returned so the client can be told")
			assert.Equal(t, testRedirectURI, record.RedirectURI)

			_, err = f.store.GetCode(context.Background(), code)
			require.ErrorIs(t, err, storage.ErrNotFound)
		})
	}

	t.Run("upstream timeout", func(t *testing.T) {
		t.Parallel()
		f := newFixtureWithConfig(t, bridge.Config{UpstreamTimeout: 20 * time.Millisecond})
		code := f.authorize(t)

		f.provider.EXPECT().ExchangeCode(gomock.Any(), "upstream-code").
			DoAndReturn(func(ctx context.Context, _ string) (*upstream.Tokens, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})

		_, err := f.bridge.CompleteUpstreamCallback(context.Background(), "upstream-code", code)
		require.ErrorIs(t, err, bridge.ErrUpstreamUnavailable)
	})
}

func TestCancelAuthorization(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	code := f.authorize(t)

	record, err := f.bridge.CancelAuthorization(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "client-state", record.ClientState)

	_, err = f.store.GetCode(ctx, code)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.bridge.CancelAuthorization(ctx, code)
	require.ErrorIs(t, err, bridge.ErrInvalidState)
}

func TestChallengeForCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	code := f.completeAuthorization(t, f.upstreamTokens())

	challenge, err := f.bridge.ChallengeForCode(ctx, testClientID, code)
	require.NoError(t, err)
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(f.verifier), challenge)

	_, err = f.bridge.ChallengeForCode(ctx, "other-client", code)
	require.ErrorIs(t, err, bridge.ErrInvalidGrant)

	_, err = f.bridge.ChallengeForCode(ctx, testClientID, "missing")
	require.ErrorIs(t, err, bridge.ErrInvalidGrant)
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(f *fixture, req *bridge.ExchangeRequest)
	}{
		{name: "wrong client", mutate: func(_ *fixture, req *bridge.ExchangeRequest) { req.ClientID = "other" }},
		{name: "wrong verifier", mutate: func(_ *fixture, req *bridge.ExchangeRequest) {
			req.CodeVerifier = oauth2.GenerateVerifier()
		}},
		{name: "wrong redirect", mutate: func(_ *fixture, req *bridge.ExchangeRequest) {
			req.RedirectURI = "https://evil.example.com/cb"
		}},
		{name: "unknown code", mutate: func(_ *fixture, req *bridge.ExchangeRequest) { req.Code = "unknown" }},
		{name: "code older than ten minutes", mutate: func(f *fixture, _ *bridge.ExchangeRequest) {
			f.clock.Step(10*time.Minute + time.Second)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			code := f.completeAuthorization(t, f.upstreamTokens())

			req := bridge.ExchangeRequest{
				ClientID:     testClientID,
				Code:         code,
				CodeVerifier: f.verifier,
				RedirectURI:  testRedirectURI,
			}
			tt.mutate(f, &req)

			_, err := f.bridge.ExchangeCode(context.Background(), req)
			require.ErrorIs(t, err, bridge.ErrInvalidGrant)
		})
	}

	t.Run("code before upstream completion", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		code := f.authorize(t)

		_, err := f.bridge.ExchangeCode(context.Background(), bridge.ExchangeRequest{
			ClientID: testClientID, Code: code, CodeVerifier: f.verifier,
		})
		require.ErrorIs(t, err, bridge.ErrInvalidGrant)
	})

	t.Run("exactly once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		code := f.completeAuthorization(t, f.upstreamTokens())
		req := bridge.ExchangeRequest{ClientID: testClientID, Code: code, CodeVerifier: f.verifier}

		resp, err := f.bridge.ExchangeCode(context.Background(), req)
		require.NoError(t, err)
		require.NotEmpty(t, resp.AccessToken)

		_, err = f.bridge.ExchangeCode(context.Background(), req)
		require.ErrorIs(t, err, bridge.ErrInvalidGrant)
	})

	t.Run("concurrent exchanges have one winner", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		code := f.completeAuthorization(t, f.upstreamTokens())
		req := bridge.ExchangeRequest{ClientID: testClientID, Code: code, CodeVerifier: f.verifier}

		const workers = 8
		var (
			wg      sync.WaitGroup
			wins    atomic.Int32
			winners = make(chan string, workers)
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := f.bridge.ExchangeCode(context.Background(), req)
				if err == nil {
					wins.Add(1)
					winners <- resp.AccessToken
					return
				}
				assert.ErrorIs(t, err, bridge.ErrInvalidGrant)
			}()
		}
		wg.Wait()
		close(winners)

		require.Equal(t, int32(1), wins.Load())
		winner := <-winners
		_, err := f.bridge.Verify(context.Background(), winner)
		require.NoError(t, err)
	})

	t.Run("session carries upstream credentials", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		resp := f.login(t, f.upstreamTokens())

		session, err := f.store.GetSessionByAccessToken(context.Background(), resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "up-access", session.UpstreamAccessToken)
		assert.Equal(t, "up-refresh", session.UpstreamRefreshToken)
		assert.Equal(t, testSubject, session.Subject)
		assert.Equal(t, "repo read:user", session.Scope)
		assert.True(t, session.ExpiresAt.Equal(testEpoch.Add(bridge.DefaultSessionTTL)))
	})
}

// cancellingStore cancels the caller's context while consuming a code and,
// like the networked backends, refuses to delete under a cancelled context.
type cancellingStore struct {
	*storage.MemoryStorage
	cancel context.CancelFunc
	saved  chan string
}

func (s *cancellingStore) SaveSession(ctx context.Context, session *storage.Session) error {
	s.saved <- session.ID
	return s.MemoryStorage.SaveSession(ctx, session)
}

func (s *cancellingStore) ConsumeCode(ctx context.Context, _ string) error {
	s.cancel()
	return ctx.Err()
}

func (s *cancellingStore) DeleteSession(ctx context.Context, accessToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStorage.DeleteSession(ctx, accessToken)
}

func TestExchangeCodeCancelledDuringConsume(t *testing.T) {
	t.Parallel()

	fc := clocktesting.NewFakeClock(testEpoch)
	mem := storage.NewMemoryStorage(storage.WithClock(fc))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := &cancellingStore{MemoryStorage: mem, cancel: cancel, saved: make(chan string, 1)}

	provider := mocks.NewMockProvider(gomock.NewController(t))
	b, err := bridge.New(store, provider, bridge.Config{}, bridge.WithClock(fc))
	require.NoError(t, err)
	f := &fixture{bridge: b, store: mem, clock: fc, provider: provider, verifier: oauth2.GenerateVerifier()}
	code := f.completeAuthorization(t, f.upstreamTokens())

	_, err = b.ExchangeCode(ctx, bridge.ExchangeRequest{ClientID: testClientID, Code: code, CodeVerifier: f.verifier})
	require.ErrorIs(t, err, bridge.ErrServerError)
	assert.ErrorIs(t, err, context.Canceled)

	id := <-store.saved
	_, err = mem.GetSessionByAccessToken(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound, "the session saved before the failed consume is removed")
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("new access token every time, same refresh token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		first := f.login(t, f.upstreamTokens())

		f.provider.EXPECT().RefreshTokens(gomock.Any(), gomock.Any()).Return(&upstream.Tokens{
			AccessToken: "up-access-n", RefreshToken: "up-refresh", ExpiresAt: testEpoch.Add(time.Hour),
		}, nil).Times(3)

		seen := map[string]bool{first.AccessToken: true}
		var last *bridge.TokenResponse
		for range 3 {
			resp, err := f.bridge.Refresh(ctx, first.RefreshToken)
			require.NoError(t, err)
			assert.Equal(t, first.RefreshToken, resp.RefreshToken)
			assert.False(t, seen[resp.AccessToken], "access tokens are never reused")
			seen[resp.AccessToken] = true
			last = resp
		}

		newest, err := f.store.GetSessionByRefreshToken(ctx, first.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, last.AccessToken, newest.ID)

		for token := range seen {
			_, err := f.bridge.Verify(ctx, token)
			require.NoError(t, err, "superseded sessions stay valid until they expire")
		}
	})

	t.Run("concurrent refreshes of one token all succeed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		first := f.login(t, f.upstreamTokens())

		const workers = 8
		f.provider.EXPECT().RefreshTokens(gomock.Any(), "up-refresh").Return(&upstream.Tokens{
			AccessToken: "up-access-n", RefreshToken: "up-refresh", ExpiresAt: testEpoch.Add(time.Hour),
		}, nil).Times(workers)

		var wg sync.WaitGroup
		issued := make(chan string, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := f.bridge.Refresh(ctx, first.RefreshToken)
				if assert.NoError(t, err) {
					assert.Equal(t, first.RefreshToken, resp.RefreshToken)
					issued <- resp.AccessToken
				}
			}()
		}
		wg.Wait()
		close(issued)

		var tokens []string
		for token := range issued {
			tokens = append(tokens, token)
			_, err := f.bridge.Verify(ctx, token)
			require.NoError(t, err, "every refreshed session stays valid")
		}
		require.Len(t, tokens, workers)

		newest, err := f.store.GetSessionByRefreshToken(ctx, first.RefreshToken)
		require.NoError(t, err)
		assert.Contains(t, tokens, newest.ID, "the index resolves to one of the refreshed sessions")
	})

	t.Run("unknown refresh token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.bridge.Refresh(ctx, "nope")
		require.ErrorIs(t, err, bridge.ErrInvalidGrant)
	})

	t.Run("explicit upstream rejection ends the session", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		resp := f.login(t, f.upstreamTokens())

		f.provider.EXPECT().RefreshTokens(gomock.Any(), "up-refresh").Return(nil, upstream.ErrInvalidGrant)
		_, err := f.bridge.Refresh(ctx, resp.RefreshToken)
		require.ErrorIs(t, err, bridge.ErrInvalidGrant)
		assert.NotErrorIs(t, err, bridge.ErrUpstreamUnavailable)

		_, err = f.bridge.Verify(ctx, resp.AccessToken)
		require.ErrorIs(t, err, bridge.ErrUnauthorized)
		_, err = f.bridge.Refresh(ctx, resp.RefreshToken)
		require.ErrorIs(t, err, bridge.ErrInvalidGrant)
	})

	t.Run("transient upstream failure keeps the session", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		resp := f.login(t, f.upstreamTokens())

		f.provider.EXPECT().RefreshTokens(gomock.Any(), "up-refresh").Return(nil, upstream.ErrUnavailable)
		_, err := f.bridge.Refresh(ctx, resp.RefreshToken)
		require.ErrorIs(t, err, bridge.ErrInvalidGrant)
		require.ErrorIs(t, err, bridge.ErrUpstreamUnavailable)

		_, err = f.bridge.Verify(ctx, resp.AccessToken)
		require.NoError(t, err)

		f.provider.EXPECT().RefreshTokens(gomock.Any(), "up-refresh").Return(f.upstreamTokens(), nil)
		_, err = f.bridge.Refresh(ctx, resp.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("rotated upstream refresh token is stored", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		resp := f.login(t, f.upstreamTokens())

		f.provider.EXPECT().RefreshTokens(gomock.Any(), "up-refresh").Return(&upstream.Tokens{
			AccessToken: "up-access-2", RefreshToken: "up-refresh-2", ExpiresAt: testEpoch.Add(time.Hour),
		}, nil)
		next, err := f.bridge.Refresh(ctx, resp.RefreshToken)
		require.NoError(t, err)

		session, err := f.store.GetSessionByAccessToken(ctx, next.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "up-refresh-2", session.UpstreamRefreshToken)
		assert.Equal(t, testSubject, session.Subject)
		assert.Equal(t, "repo read:user", session.Scope)
	})

	t.Run("without upstream refresh token valid credentials carry forward", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		tokens := f.upstreamTokens()
		tokens.RefreshToken = ""
		resp := f.login(t, tokens)

		next, err := f.bridge.Refresh(ctx, resp.RefreshToken)
		require.NoError(t, err)
		session, err := f.store.GetSessionByAccessToken(ctx, next.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "up-access", session.UpstreamAccessToken)
	})

	t.Run("without upstream refresh token expired credentials fail", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		tokens := f.upstreamTokens()
		tokens.RefreshToken = ""
		resp := f.login(t, tokens)

		f.clock.Step(2 * time.Hour)
		_, err := f.bridge.Refresh(ctx, resp.RefreshToken)
		require.ErrorIs(t, err, bridge.ErrInvalidGrant)

		_, err = f.store.GetSessionByAccessToken(ctx, resp.AccessToken)
		require.NoError(t, err, "only an explicit upstream rejection deletes the session")
	})
}

func TestVerify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("sliding expiry", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		tokens := f.upstreamTokens()
		tokens.ExpiresAt = time.Time{}
		resp := f.login(t, tokens)

		for range 4 {
			f.clock.Step(29 * 24 * time.Hour)
			identity, err := f.bridge.Verify(ctx, resp.AccessToken)
			require.NoError(t, err)
			assert.True(t, identity.ExpiresAt.Equal(f.clock.Now().Add(bridge.DefaultSessionTTL)))
		}

		f.clock.Step(31 * 24 * time.Hour)
		_, err := f.bridge.Verify(ctx, resp.AccessToken)
		require.ErrorIs(t, err, bridge.ErrUnauthorized)
	})

	t.Run("concurrent verifies of one token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		resp := f.login(t, f.upstreamTokens())

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 10 {
					identity, err := f.bridge.Verify(ctx, resp.AccessToken)
					if assert.NoError(t, err) {
						assert.Equal(t, testSubject, identity.Subject)
						assert.Equal(t, "up-access", identity.UpstreamAccessToken)
					}
				}
			}()
		}
		wg.Wait()
	})

	t.Run("unknown token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.bridge.Verify(ctx, "nope")
		require.ErrorIs(t, err, bridge.ErrUnauthorized)
		_, err = f.bridge.Verify(ctx, "")
		require.ErrorIs(t, err, bridge.ErrUnauthorized)
	})

	t.Run("refreshes upstream credentials near expiry", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		resp := f.login(t, f.upstreamTokens())

		f.clock.Step(56 * time.Minute)
		f.provider.EXPECT().RefreshTokens(gomock.Any(), "up-refresh").Return(&upstream.Tokens{
			AccessToken: "up-access-2", ExpiresAt: f.clock.Now().Add(time.Hour),
		}, nil)

		identity, err := f.bridge.Verify(ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "up-access-2", identity.UpstreamAccessToken)

		session, err := f.store.GetSessionByAccessToken(ctx, resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "up-access-2", session.UpstreamAccessToken)
		assert.Equal(t, "up-refresh", session.UpstreamRefreshToken)

		// Fresh credentials: no further upstream calls.
		_, err = f.bridge.Verify(ctx, resp.AccessToken)
		require.NoError(t, err)
	})

	for _, upstreamErr := range []error{upstream.ErrInvalidGrant, upstream.ErrUnavailable} {
		t.Run("upstream refresh failure is swallowed: "+upstreamErr.Error(), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			resp := f.login(t, f.upstreamTokens())

			f.clock.Step(58 * time.Minute)
			f.provider.EXPECT().RefreshTokens(gomock.Any(), "up-refresh").Return(nil, upstreamErr)

			identity, err := f.bridge.Verify(ctx, resp.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, "up-access", identity.UpstreamAccessToken)
		})
	}
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("by refresh token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		resp := f.login(t, f.upstreamTokens())

		f.provider.EXPECT().RevokeToken(gomock.Any(), "up-access").Return(nil)
		require.NoError(t, f.bridge.Revoke(ctx, resp.RefreshToken))

		_, err := f.bridge.Verify(ctx, resp.AccessToken)
		require.ErrorIs(t, err, bridge.ErrUnauthorized)
		_, err = f.bridge.Refresh(ctx, resp.RefreshToken)
		require.ErrorIs(t, err, bridge.ErrInvalidGrant)
	})

	t.Run("unknown token succeeds", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		require.NoError(t, f.bridge.Revoke(ctx, "nope"))
		require.NoError(t, f.bridge.Revoke(ctx, ""))
	})

	t.Run("upstream failure does not fail revocation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		resp := f.login(t, f.upstreamTokens())

		f.provider.EXPECT().RevokeToken(gomock.Any(), "up-access").Return(upstream.ErrUnavailable)
		require.NoError(t, f.bridge.Revoke(ctx, resp.AccessToken))

		_, err := f.bridge.Verify(ctx, resp.AccessToken)
		require.ErrorIs(t, err, bridge.ErrUnauthorized)

		require.NoError(t, f.bridge.Revoke(ctx, resp.AccessToken), "revocation is idempotent")
	})
}

func TestOperationMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	f := newFixture(t, bridge.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	ctx := context.Background()

	_, err := f.bridge.Verify(ctx, "nope")
	require.ErrorIs(t, err, bridge.ErrUnauthorized)
	_, err = f.bridge.Refresh(ctx, "nope")
	require.ErrorIs(t, err, bridge.ErrInvalidGrant)
	f.authorize(t)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "oauthbridge_operations_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value(attribute.Key("oauthbridge.operation"))
				out, _ := dp.Attributes.Value(attribute.Key("oauthbridge.outcome"))
				got[op.AsString()+"/"+out.AsString()] += dp.Value
			}
		}
	}

	assert.Equal(t, map[string]int64{
		"verify/unauthorized":   1,
		"refresh/invalid_grant": 1,
		"authorize/success":     1,
	}, got)
}
