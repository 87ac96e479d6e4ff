// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

var (
	_ Storage   = (*MemoryStorage)(nil)
	_ Sweepable = (*MemoryStorage)(nil)
)

// MemoryStorage implements Storage with in-memory maps.
// It is safe for concurrent use and suitable for single-instance deployments
// and tests. Expired records are removed lazily on read and in bulk by
// DeleteExpired, which the Sweeper calls periodically.
type MemoryStorage struct {
	mu    sync.RWMutex
	clock clock.PassiveClock

	// codes maps authorization code -> record.
	codes map[string]*AuthorizationCode

	// sessions maps downstream access token -> session.
	sessions map[string]*Session

	// refreshIndex maps downstream refresh token -> newest session ID of the lineage.
	refreshIndex map[string]string
}

// NewMemoryStorage creates a new MemoryStorage instance with initialized maps.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	o := applyOptions(opts)
	return &MemoryStorage{
		clock:        o.clock,
		codes:        make(map[string]*AuthorizationCode),
		sessions:     make(map[string]*Session),
		refreshIndex: make(map[string]string),
	}
}

// Close is a no-op for in-memory storage.
func (*MemoryStorage) Close() error {
	return nil
}

// -----------------------
// CodeStore
// -----------------------

// CreateCode stores the record under a fresh code.
func (s *MemoryStorage) CreateCode(_ context.Context, record *AuthorizationCode) (string, error) {
	if record == nil {
		return "", fmt.Errorf("authorization code record cannot be nil")
	}

	now := s.clock.Now()
	stored := record.Clone()
	stored.Code = newCode()
	stored.CreatedAt = now
	stored.ExpiresAt = now.Add(DefaultAuthCodeTTL)
	if stored.State == "" {
		stored.State = CodeStateInitiated
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[stored.Code] = stored
	return stored.Code, nil
}

// GetCode returns a copy of the record unless it is missing or expired.
func (s *MemoryStorage) GetCode(_ context.Context, code string) (*AuthorizationCode, error) {
	now := s.clock.Now()

	s.mu.RLock()
	record, ok := s.codes[code]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	if !record.IsExpired(now) {
		defer s.mu.RUnlock()
		return record.Clone(), nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if !current.IsExpired(now) {
		return current.Clone(), nil
	}
	delete(s.codes, code)
	return nil, ErrNotFound
}

// liveCodeLocked returns the stored record for code. Callers must hold the write lock.
func (s *MemoryStorage) liveCodeLocked(code string, now time.Time) (*AuthorizationCode, error) {
	record, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if record.IsExpired(now) {
		delete(s.codes, code)
		return nil, ErrNotFound
	}
	return record, nil
}

// TransitionCode moves the record between lifecycle states.
func (s *MemoryStorage) TransitionCode(_ context.Context, code string, from, to CodeState) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.liveCodeLocked(code, now)
	if err != nil {
		return err
	}
	if record.State != from || !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, record.State)
	}
	record.State = to
	return nil
}

// CompleteCode records the upstream results on the code.
func (s *MemoryStorage) CompleteCode(_ context.Context, code, upstreamCode string, creds *UpstreamCredentials) error {
	if creds == nil {
		return fmt.Errorf("upstream credentials cannot be nil")
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.liveCodeLocked(code, now)
	if err != nil {
		return err
	}
	if !record.State.CanTransition(CodeStateUpstreamComplete) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.State, CodeStateUpstreamComplete)
	}

	stored := *creds
	record.UpstreamCode = upstreamCode
	record.Upstream = &stored
	record.State = CodeStateUpstreamComplete
	return nil
}

// ConsumeCode deletes the record; only the first caller wins.
func (s *MemoryStorage) ConsumeCode(_ context.Context, code string) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.liveCodeLocked(code, now); err != nil {
		return err
	}
	delete(s.codes, code)
	return nil
}

// DeleteCode removes the record if present.
func (s *MemoryStorage) DeleteCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// -----------------------
// SessionStore
// -----------------------

// SaveSession upserts the session and repoints the refresh index.
// Both writes happen under one lock, so readers never observe the index
// pointing at a session that has not been stored.
func (s *MemoryStorage) SaveSession(_ context.Context, session *Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	stored := session.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[stored.ID] = stored
	if stored.RefreshToken != "" {
		s.refreshIndex[stored.RefreshToken] = stored.ID
	}
	return nil
}

// GetSessionByAccessToken returns a copy of the session unless it has expired.
func (s *MemoryStorage) GetSessionByAccessToken(_ context.Context, accessToken string) (*Session, error) {
	now := s.clock.Now()

	s.mu.RLock()
	session, ok := s.sessions[accessToken]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	if !session.IsExpired(now) {
		defer s.mu.RUnlock()
		return session.Clone(), nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[accessToken]
	if !ok {
		return nil, ErrNotFound
	}
	// A concurrent Touch may have revived the session since the read.
	if !current.IsExpired(now) {
		return current.Clone(), nil
	}
	s.deleteSessionLocked(accessToken)
	slog.Debug("session expired", "client_id", current.ClientID)
	return nil, ErrNotFound
}

// GetSessionByRefreshToken resolves the refresh index and then the session.
func (s *MemoryStorage) GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*Session, error) {
	s.mu.RLock()
	sessionID, ok := s.refreshIndex[refreshToken]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetSessionByAccessToken(ctx, sessionID)
}

// UpdateUpstreamCredentials replaces the upstream side of a live session.
func (s *MemoryStorage) UpdateUpstreamCredentials(_ context.Context, accessToken string, creds *UpstreamCredentials) error {
	if creds == nil {
		return fmt.Errorf("upstream credentials cannot be nil")
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[accessToken]
	if !ok || session.IsExpired(now) {
		return ErrNotFound
	}

	session.UpstreamAccessToken = creds.AccessToken
	if creds.RefreshToken != "" {
		session.UpstreamRefreshToken = creds.RefreshToken
	}
	session.UpstreamExpiresAt = creds.ExpiresAt
	session.UpdatedAt = now
	return nil
}

// TouchSession slides the downstream expiry forward.
func (s *MemoryStorage) TouchSession(_ context.Context, accessToken string, extension time.Duration) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[accessToken]
	if !ok || session.IsExpired(now) {
		return ErrNotFound
	}
	session.ExpiresAt = now.Add(extension)
	session.UpdatedAt = now
	return nil
}

// DeleteSession removes the session and, if it still owns it, its index entry.
func (s *MemoryStorage) DeleteSession(_ context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteSessionLocked(accessToken)
	return nil
}

// deleteSessionLocked must be called with the write lock held.
func (s *MemoryStorage) deleteSessionLocked(accessToken string) {
	session, ok := s.sessions[accessToken]
	if !ok {
		return
	}
	delete(s.sessions, accessToken)
	if session.RefreshToken != "" && s.refreshIndex[session.RefreshToken] == accessToken {
		delete(s.refreshIndex, session.RefreshToken)
	}
}

// -----------------------
// Sweepable
// -----------------------

// DeleteExpired removes expired codes and sessions plus index entries that
// no longer resolve.
// Uses collect-then-delete: keys are gathered under the read lock and removed
// under the write lock, keeping the write lock hold time short.
func (s *MemoryStorage) DeleteExpired(_ context.Context) (int, error) {
	now := s.clock.Now()

	s.mu.RLock()
	var expiredCodes []string
	for k, v := range s.codes {
		if v.IsExpired(now) {
			expiredCodes = append(expiredCodes, k)
		}
	}
	var expiredSessions []string
	for k, v := range s.sessions {
		if v.IsExpired(now) {
			expiredSessions = append(expiredSessions, k)
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, k := range expiredCodes {
		if v, ok := s.codes[k]; ok && v.IsExpired(now) {
			delete(s.codes, k)
			removed++
		}
	}
	for _, k := range expiredSessions {
		if v, ok := s.sessions[k]; ok && v.IsExpired(now) {
			s.deleteSessionLocked(k)
			removed++
		}
	}
	for refreshToken, sessionID := range s.refreshIndex {
		if _, ok := s.sessions[sessionID]; !ok {
			delete(s.refreshIndex, refreshToken)
			removed++
		}
	}
	return removed, nil
}
