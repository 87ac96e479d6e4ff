// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the code and session stores behind the token bridge.
//
// Two record families live here. Authorization codes are short lived and only
// exist while a user walks through the upstream login. Sessions bind a
// downstream credential pair to an upstream one and are addressable both by
// the downstream access token (their primary key) and by the downstream
// refresh token through a secondary index that always points at the newest
// session of a refresh lineage.
package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist or has expired.
	// Callers must not be able to tell the two cases apart.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when an authorization code is asked to
	// move to a lifecycle state that is not reachable from its current one.
	ErrInvalidTransition = errors.New("invalid authorization code state transition")
)

// CodeState is the lifecycle state of an authorization attempt.
type CodeState string

const (
	// CodeStateInitiated is set when the record is created by an authorize request.
	CodeStateInitiated CodeState = "initiated"
	// CodeStateUpstreamPending is set once the user has been sent to the upstream provider.
	CodeStateUpstreamPending CodeState = "upstream_pending"
	// CodeStateUpstreamComplete is set when the upstream callback stored upstream credentials.
	CodeStateUpstreamComplete CodeState = "upstream_complete"
	// CodeStateExchanged is terminal: the code was traded for downstream tokens and deleted.
	CodeStateExchanged CodeState = "exchanged"
	// CodeStateExpired is terminal: the code outlived its ten minute window.
	CodeStateExpired CodeState = "expired"
)

var codeTransitions = map[CodeState][]CodeState{
	CodeStateInitiated:        {CodeStateUpstreamPending, CodeStateUpstreamComplete, CodeStateExpired},
	CodeStateUpstreamPending:  {CodeStateUpstreamComplete, CodeStateExpired},
	CodeStateUpstreamComplete: {CodeStateExchanged, CodeStateExpired},
}

// CanTransition reports whether a record in state s may move to state to.
func (s CodeState) CanTransition(to CodeState) bool {
	return slices.Contains(codeTransitions[s], to)
}

// IsTerminal reports whether no further transitions are possible.
func (s CodeState) IsTerminal() bool {
	return s == CodeStateExchanged || s == CodeStateExpired
}

// UpstreamCredentials is the credential set issued by the upstream provider.
type UpstreamCredentials struct {
	AccessToken  string
	RefreshToken string

	// ExpiresAt is zero when the provider did not report a lifetime.
	ExpiresAt time.Time

	// Subject identifies the user at the upstream provider, if known.
	Subject string
}

// AuthorizationCode tracks one downstream authorization attempt from the
// authorize request until the code is exchanged for tokens.
type AuthorizationCode struct {
	// Code is the opaque value handed to the client. It doubles as the state
	// parameter sent to the upstream provider.
	Code string

	ClientID      string
	CodeChallenge string
	RedirectURI   string

	// ClientState is the client's state parameter, returned verbatim.
	ClientState string

	Scopes []string
	State  CodeState

	// UpstreamCode and Upstream are filled in by the upstream callback.
	UpstreamCode string
	Upstream     *UpstreamCredentials

	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the code has outlived its lifetime at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return now.Sub(c.CreatedAt) > DefaultAuthCodeTTL || now.After(c.ExpiresAt)
}

// Clone returns a deep copy so callers never alias stored state.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Scopes = slices.Clone(c.Scopes)
	if c.Upstream != nil {
		upstream := *c.Upstream
		clone.Upstream = &upstream
	}
	return &clone
}

// Session binds a downstream credential pair to upstream credentials.
type Session struct {
	// ID is the downstream access token and the primary key.
	ID string

	ClientID string
	Subject  string

	UpstreamAccessToken  string
	UpstreamRefreshToken string
	UpstreamExpiresAt    time.Time

	// RefreshToken is the downstream refresh token. It stays the same for
	// every session issued from one lineage.
	RefreshToken string

	// ExpiresAt is the sliding downstream expiry.
	ExpiresAt time.Time

	// Scope is the space separated scope string granted at issuance.
	Scope string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpired reports whether the downstream side of the session has lapsed.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Scopes splits the stored scope string.
func (s *Session) Scopes() []string {
	return strings.Fields(s.Scope)
}

// Clone returns a copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// CodeStore holds short-lived authorization code records.
type CodeStore interface {
	// CreateCode stores the record under a freshly generated code and returns
	// that code. CreatedAt and ExpiresAt are set by the store.
	CreateCode(ctx context.Context, code *AuthorizationCode) (string, error)

	// GetCode returns the record, or ErrNotFound when it is absent or expired.
	GetCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// TransitionCode moves the record from one state to another if it is
	// currently in from. ExpiresAt is never modified.
	TransitionCode(ctx context.Context, code string, from, to CodeState) error

	// CompleteCode stores the upstream results and marks the record
	// upstream_complete. ExpiresAt is never modified.
	CompleteCode(ctx context.Context, code, upstreamCode string, creds *UpstreamCredentials) error

	// ConsumeCode deletes the record if it still exists. Exactly one of any
	// number of concurrent callers succeeds; the rest get ErrNotFound.
	ConsumeCode(ctx context.Context, code string) error

	// DeleteCode removes the record. Deleting a missing record is not an error.
	DeleteCode(ctx context.Context, code string) error
}

// SessionStore holds durable sessions and the refresh token index.
type SessionStore interface {
	// SaveSession upserts the session and, when it carries a refresh token,
	// repoints the refresh index at it.
	SaveSession(ctx context.Context, session *Session) error

	// GetSessionByAccessToken returns the session, deleting it and returning
	// ErrNotFound when its downstream expiry has passed.
	GetSessionByAccessToken(ctx context.Context, accessToken string) (*Session, error)

	// GetSessionByRefreshToken resolves the refresh index and then looks the
	// session up by access token.
	GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*Session, error)

	// UpdateUpstreamCredentials replaces the upstream access token and expiry.
	// An empty refresh token keeps the stored one. The downstream expiry is
	// left alone.
	UpdateUpstreamCredentials(ctx context.Context, accessToken string, creds *UpstreamCredentials) error

	// TouchSession slides the downstream expiry to now + extension.
	TouchSession(ctx context.Context, accessToken string, extension time.Duration) error

	// DeleteSession removes the session. The refresh index entry is removed
	// only while it still points at this session.
	DeleteSession(ctx context.Context, accessToken string) error
}

// Storage is implemented by every backend.
type Storage interface {
	CodeStore
	SessionStore

	// Close releases backend resources.
	Close() error
}

// Sweepable is implemented by backends that need an explicit purge of
// expired records. Backends with native key expiry do not implement it.
type Sweepable interface {
	// DeleteExpired removes expired codes, sessions and dangling refresh index
	// entries, returning how many records were removed.
	DeleteExpired(ctx context.Context) (int, error)
}

// newCode returns an opaque authorization code with 128 bits of entropy.
func newCode() string {
	return rand.Text()
}
