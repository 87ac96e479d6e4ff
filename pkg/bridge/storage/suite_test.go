// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// backend is a Storage under test plus a way to move time forward for it.
type backend struct {
	store   Storage
	clock   *clocktesting.FakeClock
	advance func(d time.Duration)
}

type backendFactory func(t *testing.T) *backend

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// runStorageSuite runs the behaviour every backend must share.
//
//nolint:paralleltest // subtests call t.Parallel through withBackend
func runStorageSuite(t *testing.T, newBackend backendFactory) {
	t.Helper()

	withBackend := func(t *testing.T, fn func(context.Context, *backend)) {
		t.Helper()
		t.Parallel()
		b := newBackend(t)
		t.Cleanup(func() { _ = b.store.Close() })
		fn(context.Background(), b)
	}

	t.Run("code create and get", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			code, err := b.store.CreateCode(ctx, testCodeRecord())
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(code), 26, "code must carry at least 128 bits")

			got, err := b.store.GetCode(ctx, code)
			require.NoError(t, err)
			assert.Equal(t, code, got.Code)
			assert.Equal(t, "client-1", got.ClientID)
			assert.Equal(t, "challenge", got.CodeChallenge)
			assert.Equal(t, "https://client.example.com/cb", got.RedirectURI)
			assert.Equal(t, "xyz", got.ClientState)
			assert.ElementsMatch(t, []string{"openid", "profile"}, got.Scopes)
			assert.Equal(t, CodeStateInitiated, got.State)
			assert.Nil(t, got.Upstream)
			assert.True(t, got.CreatedAt.Equal(testEpoch))
			assert.True(t, got.ExpiresAt.Equal(testEpoch.Add(DefaultAuthCodeTTL)))
		})
	})

	t.Run("codes are unique", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			seen := make(map[string]struct{})
			for range 20 {
				code, err := b.store.CreateCode(ctx, testCodeRecord())
				require.NoError(t, err)
				_, dup := seen[code]
				require.False(t, dup)
				seen[code] = struct{}{}
			}
		})
	})

	t.Run("missing code is not found", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			_, err := b.store.GetCode(ctx, "does-not-exist")
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("code expires after ten minutes", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			code, err := b.store.CreateCode(ctx, testCodeRecord())
			require.NoError(t, err)

			b.advance(DefaultAuthCodeTTL - time.Second)
			_, err = b.store.GetCode(ctx, code)
			require.NoError(t, err)

			b.advance(2 * time.Second)
			_, err = b.store.GetCode(ctx, code)
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("transition follows lifecycle", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			code, err := b.store.CreateCode(ctx, testCodeRecord())
			require.NoError(t, err)

			require.NoError(t, b.store.TransitionCode(ctx, code, CodeStateInitiated, CodeStateUpstreamPending))

			err = b.store.TransitionCode(ctx, code, CodeStateInitiated, CodeStateUpstreamPending)
			require.ErrorIs(t, err, ErrInvalidTransition)

			err = b.store.TransitionCode(ctx, code, CodeStateUpstreamPending, CodeStateExchanged)
			require.ErrorIs(t, err, ErrInvalidTransition)

			got, err := b.store.GetCode(ctx, code)
			require.NoError(t, err)
			assert.Equal(t, CodeStateUpstreamPending, got.State)

			err = b.store.TransitionCode(ctx, "missing", CodeStateInitiated, CodeStateUpstreamPending)
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("complete stores upstream fields without extending life", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			code, err := b.store.CreateCode(ctx, testCodeRecord())
			require.NoError(t, err)
			require.NoError(t, b.store.TransitionCode(ctx, code, CodeStateInitiated, CodeStateUpstreamPending))

			b.advance(5 * time.Minute)
			creds := &UpstreamCredentials{
				AccessToken:  "up-access",
				RefreshToken: "up-refresh",
				ExpiresAt:    b.clock.Now().Add(time.Hour),
				Subject:      "user-42",
			}
			require.NoError(t, b.store.CompleteCode(ctx, code, "U1", creds))

			got, err := b.store.GetCode(ctx, code)
			require.NoError(t, err)
			assert.Equal(t, CodeStateUpstreamComplete, got.State)
			assert.Equal(t, "U1", got.UpstreamCode)
			require.NotNil(t, got.Upstream)
			assert.Equal(t, "up-access", got.Upstream.AccessToken)
			assert.Equal(t, "up-refresh", got.Upstream.RefreshToken)
			assert.Equal(t, "user-42", got.Upstream.Subject)
			assert.True(t, got.Upstream.ExpiresAt.Equal(creds.ExpiresAt))
			assert.True(t, got.ExpiresAt.Equal(testEpoch.Add(DefaultAuthCodeTTL)))

			// A completed record may not be completed twice.
			err = b.store.CompleteCode(ctx, code, "U2", creds)
			require.ErrorIs(t, err, ErrInvalidTransition)

			b.advance(5*time.Minute + time.Second)
			_, err = b.store.GetCode(ctx, code)
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("complete on missing code is not found", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			err := b.store.CompleteCode(ctx, "missing", "U1", &UpstreamCredentials{AccessToken: "a"})
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("consume is single use", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			code, err := b.store.CreateCode(ctx, testCodeRecord())
			require.NoError(t, err)

			require.NoError(t, b.store.ConsumeCode(ctx, code))
			require.ErrorIs(t, b.store.ConsumeCode(ctx, code), ErrNotFound)

			_, err = b.store.GetCode(ctx, code)
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("concurrent consume has one winner", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			code, err := b.store.CreateCode(ctx, testCodeRecord())
			require.NoError(t, err)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if b.store.ConsumeCode(ctx, code) == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	})

	t.Run("concurrent code reads and transitions", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			code, err := b.store.CreateCode(ctx, testCodeRecord())
			require.NoError(t, err)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, b.store.TransitionCode(ctx, code, CodeStateInitiated, CodeStateUpstreamPending))
				assert.NoError(t, b.store.CompleteCode(ctx, code, "upstream-code", &UpstreamCredentials{
					AccessToken: "up-access",
				}))
			}()
			for range 4 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 20 {
						got, err := b.store.GetCode(ctx, code)
						if assert.NoError(t, err) {
							assert.Equal(t, "client-1", got.ClientID)
						}
					}
				}()
			}
			wg.Wait()

			got, err := b.store.GetCode(ctx, code)
			require.NoError(t, err)
			assert.Equal(t, CodeStateUpstreamComplete, got.State)
		})
	})

	t.Run("delete code is idempotent", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			code, err := b.store.CreateCode(ctx, testCodeRecord())
			require.NoError(t, err)

			require.NoError(t, b.store.DeleteCode(ctx, code))
			require.NoError(t, b.store.DeleteCode(ctx, code))
			_, err = b.store.GetCode(ctx, code)
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("session lookups by both keys", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			s := testSession(b.clock.Now(), "A1", "R1")
			require.NoError(t, b.store.SaveSession(ctx, s))

			byAccess, err := b.store.GetSessionByAccessToken(ctx, "A1")
			require.NoError(t, err)
			assert.Equal(t, "client-1", byAccess.ClientID)
			assert.Equal(t, "user-42", byAccess.Subject)
			assert.Equal(t, "up-access", byAccess.UpstreamAccessToken)
			assert.Equal(t, "up-refresh", byAccess.UpstreamRefreshToken)
			assert.Equal(t, "R1", byAccess.RefreshToken)
			assert.Equal(t, []string{"openid", "profile"}, byAccess.Scopes())
			assert.True(t, byAccess.ExpiresAt.Equal(s.ExpiresAt))
			assert.True(t, byAccess.UpstreamExpiresAt.Equal(s.UpstreamExpiresAt))

			byRefresh, err := b.store.GetSessionByRefreshToken(ctx, "R1")
			require.NoError(t, err)
			assert.Equal(t, "A1", byRefresh.ID)

			if diff := cmp.Diff(s, byRefresh, cmpopts.EquateApproxTime(time.Second)); diff != "" {
				t.Errorf("stored session differs (-saved +loaded):\n%s", diff)
			}

			_, err = b.store.GetSessionByAccessToken(ctx, "nope")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = b.store.GetSessionByRefreshToken(ctx, "nope")
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("session without refresh token", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			s := testSession(b.clock.Now(), "A1", "")
			require.NoError(t, b.store.SaveSession(ctx, s))

			got, err := b.store.GetSessionByAccessToken(ctx, "A1")
			require.NoError(t, err)
			assert.Empty(t, got.RefreshToken)
		})
	})

	t.Run("refresh index points at newest session", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			require.NoError(t, b.store.SaveSession(ctx, testSession(b.clock.Now(), "A1", "R1")))
			require.NoError(t, b.store.SaveSession(ctx, testSession(b.clock.Now(), "A2", "R1")))

			byRefresh, err := b.store.GetSessionByRefreshToken(ctx, "R1")
			require.NoError(t, err)
			assert.Equal(t, "A2", byRefresh.ID)

			// The superseded session stays reachable by its own key.
			_, err = b.store.GetSessionByAccessToken(ctx, "A1")
			require.NoError(t, err)

			// Deleting the superseded session leaves the index alone.
			require.NoError(t, b.store.DeleteSession(ctx, "A1"))
			byRefresh, err = b.store.GetSessionByRefreshToken(ctx, "R1")
			require.NoError(t, err)
			assert.Equal(t, "A2", byRefresh.ID)

			// Deleting the newest one severs the lineage.
			require.NoError(t, b.store.DeleteSession(ctx, "A2"))
			_, err = b.store.GetSessionByRefreshToken(ctx, "R1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("session expires and is removed", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			s := testSession(b.clock.Now(), "A1", "R1")
			s.ExpiresAt = b.clock.Now().Add(time.Hour)
			require.NoError(t, b.store.SaveSession(ctx, s))

			b.advance(time.Hour + time.Second)
			_, err := b.store.GetSessionByAccessToken(ctx, "A1")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = b.store.GetSessionByRefreshToken(ctx, "R1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("touch slides expiry", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			s := testSession(b.clock.Now(), "A1", "R1")
			s.ExpiresAt = b.clock.Now().Add(time.Hour)
			require.NoError(t, b.store.SaveSession(ctx, s))

			b.advance(50 * time.Minute)
			require.NoError(t, b.store.TouchSession(ctx, "A1", time.Hour))

			b.advance(50 * time.Minute)
			got, err := b.store.GetSessionByAccessToken(ctx, "A1")
			require.NoError(t, err)
			assert.True(t, got.ExpiresAt.Equal(testEpoch.Add(50*time.Minute+time.Hour)))

			got, err = b.store.GetSessionByRefreshToken(ctx, "R1")
			require.NoError(t, err)
			assert.Equal(t, "A1", got.ID)

			require.ErrorIs(t, b.store.TouchSession(ctx, "missing", time.Hour), ErrNotFound)
		})
	})

	t.Run("concurrent touches and reads of one session", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			require.NoError(t, b.store.SaveSession(ctx, testSession(b.clock.Now(), "A1", "R1")))

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 20 {
					assert.NoError(t, b.store.TouchSession(ctx, "A1", time.Hour))
					assert.NoError(t, b.store.UpdateUpstreamCredentials(ctx, "A1", &UpstreamCredentials{
						AccessToken: fmt.Sprintf("up-access-%d", i),
						ExpiresAt:   b.clock.Now().Add(time.Hour),
					}))
				}
			}()
			for range 4 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 20 {
						byAccess, err := b.store.GetSessionByAccessToken(ctx, "A1")
						if assert.NoError(t, err) {
							assert.Equal(t, "R1", byAccess.RefreshToken)
						}
						byRefresh, err := b.store.GetSessionByRefreshToken(ctx, "R1")
						if assert.NoError(t, err) {
							assert.Equal(t, "A1", byRefresh.ID)
						}
					}
				}()
			}
			wg.Wait()

			got, err := b.store.GetSessionByAccessToken(ctx, "A1")
			require.NoError(t, err)
			assert.True(t, got.ExpiresAt.Equal(b.clock.Now().Add(time.Hour)))
			assert.Equal(t, "up-access-19", got.UpstreamAccessToken)
			assert.Equal(t, "up-refresh", got.UpstreamRefreshToken)
		})
	})

	t.Run("concurrent saves sharing a refresh token", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			const workers = 8
			ids := make([]string, workers)
			var wg sync.WaitGroup
			for i := range workers {
				ids[i] = fmt.Sprintf("A%d", i)
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, b.store.SaveSession(ctx, testSession(b.clock.Now(), ids[i], "R1")))
				}()
			}
			wg.Wait()

			for _, id := range ids {
				_, err := b.store.GetSessionByAccessToken(ctx, id)
				require.NoError(t, err, "every saved session stays valid")
			}
			newest, err := b.store.GetSessionByRefreshToken(ctx, "R1")
			require.NoError(t, err)
			assert.Contains(t, ids, newest.ID)
		})
	})

	t.Run("update upstream credentials", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			s := testSession(b.clock.Now(), "A1", "R1")
			require.NoError(t, b.store.SaveSession(ctx, s))

			b.advance(time.Minute)
			newExpiry := b.clock.Now().Add(2 * time.Hour)
			require.NoError(t, b.store.UpdateUpstreamCredentials(ctx, "A1", &UpstreamCredentials{
				AccessToken: "up-access-2",
				ExpiresAt:   newExpiry,
			}))

			got, err := b.store.GetSessionByAccessToken(ctx, "A1")
			require.NoError(t, err)
			assert.Equal(t, "up-access-2", got.UpstreamAccessToken)
			assert.Equal(t, "up-refresh", got.UpstreamRefreshToken, "empty refresh token keeps the stored one")
			assert.True(t, got.UpstreamExpiresAt.Equal(newExpiry))
			assert.True(t, got.ExpiresAt.Equal(s.ExpiresAt), "downstream expiry is untouched")
			assert.True(t, got.UpdatedAt.Equal(b.clock.Now()))

			require.NoError(t, b.store.UpdateUpstreamCredentials(ctx, "A1", &UpstreamCredentials{
				AccessToken:  "up-access-3",
				RefreshToken: "up-refresh-3",
				ExpiresAt:    newExpiry,
			}))
			got, err = b.store.GetSessionByAccessToken(ctx, "A1")
			require.NoError(t, err)
			assert.Equal(t, "up-refresh-3", got.UpstreamRefreshToken)

			err = b.store.UpdateUpstreamCredentials(ctx, "missing", &UpstreamCredentials{AccessToken: "x"})
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("delete session is idempotent", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			require.NoError(t, b.store.SaveSession(ctx, testSession(b.clock.Now(), "A1", "R1")))
			require.NoError(t, b.store.DeleteSession(ctx, "A1"))
			require.NoError(t, b.store.DeleteSession(ctx, "A1"))

			_, err := b.store.GetSessionByAccessToken(ctx, "A1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("returned records do not alias storage", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			code, err := b.store.CreateCode(ctx, testCodeRecord())
			require.NoError(t, err)
			got, err := b.store.GetCode(ctx, code)
			require.NoError(t, err)
			got.Scopes[0] = "mutated"
			got.ClientID = "mutated"

			again, err := b.store.GetCode(ctx, code)
			require.NoError(t, err)
			assert.Equal(t, "client-1", again.ClientID)
			assert.NotContains(t, again.Scopes, "mutated")
		})
	})

	t.Run("input validation", func(t *testing.T) {
		withBackend(t, func(ctx context.Context, b *backend) {
			_, err := b.store.CreateCode(ctx, nil)
			require.Error(t, err)
			require.Error(t, b.store.SaveSession(ctx, nil))
			require.Error(t, b.store.SaveSession(ctx, &Session{}))
			require.Error(t, b.store.CompleteCode(ctx, "x", "U1", nil))
			require.Error(t, b.store.UpdateUpstreamCredentials(ctx, "x", nil))
		})
	})
}

// runSweepSuite covers DeleteExpired for backends that need explicit purges.
func runSweepSuite(t *testing.T, newBackend backendFactory) {
	t.Helper()

	t.Run("delete expired removes only lapsed records", func(t *testing.T) {
		t.Parallel()
		b := newBackend(t)
		t.Cleanup(func() { _ = b.store.Close() })
		ctx := context.Background()

		sweepable, ok := b.store.(Sweepable)
		require.True(t, ok)

		oldCode, err := b.store.CreateCode(ctx, testCodeRecord())
		require.NoError(t, err)

		short := testSession(b.clock.Now(), "A-short", "R-short")
		short.ExpiresAt = b.clock.Now().Add(5 * time.Minute)
		require.NoError(t, b.store.SaveSession(ctx, short))

		long := testSession(b.clock.Now(), "A-long", "R-long")
		require.NoError(t, b.store.SaveSession(ctx, long))

		b.advance(DefaultAuthCodeTTL + time.Second)
		freshCode, err := b.store.CreateCode(ctx, testCodeRecord())
		require.NoError(t, err)

		removed, err := sweepable.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 2)

		_, err = b.store.GetCode(ctx, oldCode)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = b.store.GetCode(ctx, freshCode)
		require.NoError(t, err)
		_, err = b.store.GetSessionByRefreshToken(ctx, "R-short")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = b.store.GetSessionByRefreshToken(ctx, "R-long")
		require.NoError(t, err)

		removed, err = sweepable.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}

func testCodeRecord() *AuthorizationCode {
	return &AuthorizationCode{
		ClientID:      "client-1",
		CodeChallenge: "challenge",
		RedirectURI:   "https://client.example.com/cb",
		ClientState:   "xyz",
		Scopes:        []string{"openid", "profile"},
	}
}

func testSession(now time.Time, accessToken, refreshToken string) *Session {
	return &Session{
		ID:                   accessToken,
		ClientID:             "client-1",
		Subject:              "user-42",
		UpstreamAccessToken:  "up-access",
		UpstreamRefreshToken: "up-refresh",
		UpstreamExpiresAt:    now.Add(time.Hour),
		RefreshToken:         refreshToken,
		ExpiresAt:            now.Add(30 * 24 * time.Hour),
		Scope:                "openid profile",
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}
