// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

var _ Storage = (*RedisStorage)(nil)

// maxTxRetries bounds optimistic transaction retries on concurrent writers.
const maxTxRetries = 5

// Key types used below the configured prefix.
const (
	keyTypeCode    = "code"
	keyTypeSession = "session"
	keyTypeRefresh = "refresh"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addrs lists one standalone address, cluster seeds, or Sentinel
	// addresses when MasterName is set.
	Addrs []string

	// MasterName selects Sentinel failover mode.
	MasterName string

	Username string
	Password string
	DB       int

	// KeyPrefix namespaces all keys, e.g. "oauthbridge:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements Storage on Redis. Record lifetimes are enforced with
// native key expiry, so it does not need the Sweeper.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	clock     clock.PassiveClock
}

// storedCode is the JSON form of an AuthorizationCode.
type storedCode struct {
	ClientID      string          `json:"client_id"`
	CodeChallenge string          `json:"code_challenge"`
	RedirectURI   string          `json:"redirect_uri"`
	ClientState   string          `json:"client_state,omitempty"`
	Scope         string          `json:"scope"`
	State         string          `json:"state"`
	UpstreamCode  string          `json:"upstream_code,omitempty"`
	Upstream      *storedUpstream `json:"upstream,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	ExpiresAt     int64           `json:"expires_at"`
}

type storedUpstream struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Subject      string `json:"subject,omitempty"`
}

// storedBridgeSession is the JSON form of a Session.
type storedBridgeSession struct {
	ClientID             string `json:"client_id"`
	Subject              string `json:"subject"`
	UpstreamAccessToken  string `json:"upstream_access_token"`
	UpstreamRefreshToken string `json:"upstream_refresh_token,omitempty"`
	UpstreamExpiresAt    int64  `json:"upstream_expires_at,omitempty"`
	RefreshToken         string `json:"refresh_token,omitempty"`
	ExpiresAt            int64  `json:"expires_at"`
	Scope                string `json:"scope"`
	CreatedAt            int64  `json:"created_at"`
	UpdatedAt            int64  `json:"updated_at"`
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix, opts...), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *RedisStorage {
	o := applyOptions(opts)
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		clock:     o.clock,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if len(cfg.Addrs) == 0 {
		return errors.New("at least one redis address is required")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// -----------------------
// CodeStore
// -----------------------

// CreateCode stores the record with a ten minute TTL.
func (s *RedisStorage) CreateCode(ctx context.Context, record *AuthorizationCode) (string, error) {
	if record == nil {
		return "", fmt.Errorf("authorization code record cannot be nil")
	}

	now := s.clock.Now()
	stored := record.Clone()
	stored.CreatedAt = now
	stored.ExpiresAt = now.Add(DefaultAuthCodeTTL)
	if stored.State == "" {
		stored.State = CodeStateInitiated
	}

	data, err := json.Marshal(toStoredCode(stored))
	if err != nil {
		return "", fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	code := newCode()
	ok, err := s.client.SetNX(ctx, s.key(keyTypeCode, code), data, DefaultAuthCodeTTL).Result()
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("authorization code collision")
	}
	return code, nil
}

// GetCode loads the record, treating clock-expired records as absent.
func (s *RedisStorage) GetCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	key := s.key(keyTypeCode, code)
	record, err := s.loadCode(ctx, s.client, key, code)
	if err != nil {
		return nil, err
	}
	if record.IsExpired(s.clock.Now()) {
		_ = s.client.Del(ctx, key).Err()
		return nil, ErrNotFound
	}
	return record, nil
}

func (s *RedisStorage) loadCode(ctx context.Context, c redis.Cmdable, key, code string) (*AuthorizationCode, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var stored storedCode
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return fromStoredCode(code, &stored), nil
}

// updateCode runs mutate against the record inside a WATCH transaction.
// The key TTL is preserved so updates never extend a code's life.
func (s *RedisStorage) updateCode(ctx context.Context, code string, mutate func(*AuthorizationCode) error) error {
	key := s.key(keyTypeCode, code)

	txf := func(tx *redis.Tx) error {
		record, err := s.loadCode(ctx, tx, key, code)
		if err != nil {
			return err
		}
		if record.IsExpired(s.clock.Now()) {
			return ErrNotFound
		}
		if err := mutate(record); err != nil {
			return err
		}
		data, err := json.Marshal(toStoredCode(record))
		if err != nil {
			return fmt.Errorf("failed to marshal authorization code: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, data, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	return s.watchRetry(ctx, txf, key)
}

func (s *RedisStorage) watchRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update %s: too much contention", strings.Join(keys, ","))
}

// TransitionCode moves the record between lifecycle states.
func (s *RedisStorage) TransitionCode(ctx context.Context, code string, from, to CodeState) error {
	return s.updateCode(ctx, code, func(record *AuthorizationCode) error {
		if record.State != from || !from.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, record.State)
		}
		record.State = to
		return nil
	})
}

// CompleteCode records the upstream results on the code.
func (s *RedisStorage) CompleteCode(ctx context.Context, code, upstreamCode string, creds *UpstreamCredentials) error {
	if creds == nil {
		return fmt.Errorf("upstream credentials cannot be nil")
	}
	return s.updateCode(ctx, code, func(record *AuthorizationCode) error {
		if !record.State.CanTransition(CodeStateUpstreamComplete) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.State, CodeStateUpstreamComplete)
		}
		stored := *creds
		record.UpstreamCode = upstreamCode
		record.Upstream = &stored
		record.State = CodeStateUpstreamComplete
		return nil
	})
}

// ConsumeCode deletes the record under WATCH so exactly one caller wins.
func (s *RedisStorage) ConsumeCode(ctx context.Context, code string) error {
	key := s.key(keyTypeCode, code)

	txf := func(tx *redis.Tx) error {
		record, err := s.loadCode(ctx, tx, key, code)
		if err != nil {
			return err
		}
		if record.IsExpired(s.clock.Now()) {
			return ErrNotFound
		}
		var del *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		if del.Val() != 1 {
			return ErrNotFound
		}
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer touched the key first.
		return ErrNotFound
	}
	return err
}

// DeleteCode removes the record if present.
func (s *RedisStorage) DeleteCode(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, s.key(keyTypeCode, code)).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

// -----------------------
// SessionStore
// -----------------------

// expireIfOwnerScript refreshes the TTL of an index entry only while it still
// points at the given session.
var expireIfOwnerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// deleteIfOwnerScript deletes an index entry only while it still points at
// the given session.
var deleteIfOwnerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// SaveSession writes the session and its index entry in one MULTI block.
func (s *RedisStorage) SaveSession(ctx context.Context, session *Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	ttl := session.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return fmt.Errorf("session is already expired")
	}

	data, err := json.Marshal(toStoredSession(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(keyTypeSession, session.ID), data, ttl)
		if session.RefreshToken != "" {
			pipe.Set(ctx, s.key(keyTypeRefresh, session.RefreshToken), session.ID, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSessionByAccessToken loads the session, treating clock-expired ones as absent.
func (s *RedisStorage) GetSessionByAccessToken(ctx context.Context, accessToken string) (*Session, error) {
	session, err := s.loadSession(ctx, s.client, accessToken)
	if err != nil {
		return nil, err
	}
	if session.IsExpired(s.clock.Now()) {
		_ = s.DeleteSession(ctx, accessToken)
		return nil, ErrNotFound
	}
	return session, nil
}

func (s *RedisStorage) loadSession(ctx context.Context, c redis.Cmdable, accessToken string) (*Session, error) {
	data, err := c.Get(ctx, s.key(keyTypeSession, accessToken)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var stored storedBridgeSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return fromStoredSession(accessToken, &stored), nil
}

// GetSessionByRefreshToken resolves the index and then the session.
func (s *RedisStorage) GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*Session, error) {
	sessionID, err := s.client.Get(ctx, s.key(keyTypeRefresh, refreshToken)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve refresh token: %w", err)
	}
	return s.GetSessionByAccessToken(ctx, sessionID)
}

// updateSession runs mutate against a live session inside a WATCH
// transaction, writing it back with the given TTL or keeping the current one.
func (s *RedisStorage) updateSession(
	ctx context.Context, accessToken string, mutate func(*Session) (keepTTL bool),
) (*Session, error) {
	key := s.key(keyTypeSession, accessToken)
	var updated *Session

	txf := func(tx *redis.Tx) error {
		session, err := s.loadSession(ctx, tx, accessToken)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if session.IsExpired(now) {
			return ErrNotFound
		}
		keepTTL := mutate(session)
		session.UpdatedAt = now

		data, err := json.Marshal(toStoredSession(session))
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if keepTTL {
				pipe.SetArgs(ctx, key, data, redis.SetArgs{KeepTTL: true})
			} else {
				pipe.Set(ctx, key, data, session.ExpiresAt.Sub(now))
			}
			return nil
		})
		if err == nil {
			updated = session
		}
		return err
	}

	if err := s.watchRetry(ctx, txf, key); err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateUpstreamCredentials replaces the upstream side of a live session.
func (s *RedisStorage) UpdateUpstreamCredentials(ctx context.Context, accessToken string, creds *UpstreamCredentials) error {
	if creds == nil {
		return fmt.Errorf("upstream credentials cannot be nil")
	}
	_, err := s.updateSession(ctx, accessToken, func(session *Session) bool {
		session.UpstreamAccessToken = creds.AccessToken
		if creds.RefreshToken != "" {
			session.UpstreamRefreshToken = creds.RefreshToken
		}
		session.UpstreamExpiresAt = creds.ExpiresAt
		return true
	})
	return err
}

// TouchSession slides the session TTL and, while it still owns it, the
// TTL of its refresh index entry.
func (s *RedisStorage) TouchSession(ctx context.Context, accessToken string, extension time.Duration) error {
	session, err := s.updateSession(ctx, accessToken, func(session *Session) bool {
		session.ExpiresAt = s.clock.Now().Add(extension)
		return false
	})
	if err != nil {
		return err
	}

	if session.RefreshToken != "" {
		err := expireIfOwnerScript.Run(ctx, s.client,
			[]string{s.key(keyTypeRefresh, session.RefreshToken)},
			accessToken, extension.Milliseconds(),
		).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to extend refresh index: %w", err)
		}
	}
	return nil
}

// DeleteSession removes the session and, if it still owns it, its index entry.
func (s *RedisStorage) DeleteSession(ctx context.Context, accessToken string) error {
	key := s.key(keyTypeSession, accessToken)

	session, err := s.loadSession(ctx, s.client, accessToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if session.RefreshToken != "" {
		err := deleteIfOwnerScript.Run(ctx, s.client,
			[]string{s.key(keyTypeRefresh, session.RefreshToken)}, accessToken,
		).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to delete refresh index: %w", err)
		}
	}
	return nil
}

// -----------------------
// Serialization
// -----------------------

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toStoredCode(c *AuthorizationCode) *storedCode {
	stored := &storedCode{
		ClientID:      c.ClientID,
		CodeChallenge: c.CodeChallenge,
		RedirectURI:   c.RedirectURI,
		ClientState:   c.ClientState,
		Scope:         strings.Join(c.Scopes, " "),
		State:         string(c.State),
		UpstreamCode:  c.UpstreamCode,
		CreatedAt:     toUnixNano(c.CreatedAt),
		ExpiresAt:     toUnixNano(c.ExpiresAt),
	}
	if c.Upstream != nil {
		stored.Upstream = &storedUpstream{
			AccessToken:  c.Upstream.AccessToken,
			RefreshToken: c.Upstream.RefreshToken,
			ExpiresAt:    toUnixNano(c.Upstream.ExpiresAt),
			Subject:      c.Upstream.Subject,
		}
	}
	return stored
}

func fromStoredCode(code string, stored *storedCode) *AuthorizationCode {
	record := &AuthorizationCode{
		Code:          code,
		ClientID:      stored.ClientID,
		CodeChallenge: stored.CodeChallenge,
		RedirectURI:   stored.RedirectURI,
		ClientState:   stored.ClientState,
		Scopes:        strings.Fields(stored.Scope),
		State:         CodeState(stored.State),
		UpstreamCode:  stored.UpstreamCode,
		CreatedAt:     fromUnixNano(stored.CreatedAt),
		ExpiresAt:     fromUnixNano(stored.ExpiresAt),
	}
	if stored.Upstream != nil {
		record.Upstream = &UpstreamCredentials{
			AccessToken:  stored.Upstream.AccessToken,
			RefreshToken: stored.Upstream.RefreshToken,
			ExpiresAt:    fromUnixNano(stored.Upstream.ExpiresAt),
			Subject:      stored.Upstream.Subject,
		}
	}
	return record
}

func toStoredSession(s *Session) *storedBridgeSession {
	return &storedBridgeSession{
		ClientID:             s.ClientID,
		Subject:              s.Subject,
		UpstreamAccessToken:  s.UpstreamAccessToken,
		UpstreamRefreshToken: s.UpstreamRefreshToken,
		UpstreamExpiresAt:    toUnixNano(s.UpstreamExpiresAt),
		RefreshToken:         s.RefreshToken,
		ExpiresAt:            toUnixNano(s.ExpiresAt),
		Scope:                s.Scope,
		CreatedAt:            toUnixNano(s.CreatedAt),
		UpdatedAt:            toUnixNano(s.UpdatedAt),
	}
}

func fromStoredSession(id string, stored *storedBridgeSession) *Session {
	return &Session{
		ID:                   id,
		ClientID:             stored.ClientID,
		Subject:              stored.Subject,
		UpstreamAccessToken:  stored.UpstreamAccessToken,
		UpstreamRefreshToken: stored.UpstreamRefreshToken,
		UpstreamExpiresAt:    fromUnixNano(stored.UpstreamExpiresAt),
		RefreshToken:         stored.RefreshToken,
		ExpiresAt:            fromUnixNano(stored.ExpiresAt),
		Scope:                stored.Scope,
		CreatedAt:            fromUnixNano(stored.CreatedAt),
		UpdatedAt:            fromUnixNano(stored.UpdatedAt),
	}
}
