// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"k8s.io/utils/clock"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var (
	_ Storage   = (*SQLiteStorage)(nil)
	_ Sweepable = (*SQLiteStorage)(nil)
)

// maxCodeInsertAttempts bounds retries on the (practically impossible) event
// of a generated code colliding with an existing one.
const maxCodeInsertAttempts = 3

// SQLiteStorage implements Storage on a local SQLite database. Expired rows
// are hidden from reads immediately and purged by DeleteExpired.
type SQLiteStorage struct {
	db    *sql.DB
	clock clock.PassiveClock
}

// NewSQLiteStorage opens (creating if needed) the database at path and
// applies pending migrations.
func NewSQLiteStorage(ctx context.Context, path string, opts ...Option) (*SQLiteStorage, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps the
	// conditional UPDATE/DELETE statements below strictly serialized.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	o := applyOptions(opts)
	return &SQLiteStorage{db: db, clock: o.clock}, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity (health check).
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// -----------------------
// CodeStore
// -----------------------

const codeColumns = `code, client_id, code_challenge, redirect_uri, client_state, scope, state,
	upstream_code, has_upstream, upstream_access_token, upstream_refresh_token,
	upstream_expires_at, upstream_subject, created_at, expires_at`

// CreateCode inserts the record under a fresh code.
func (s *SQLiteStorage) CreateCode(ctx context.Context, record *AuthorizationCode) (string, error) {
	if record == nil {
		return "", fmt.Errorf("authorization code record cannot be nil")
	}

	now := s.clock.Now()
	state := record.State
	if state == "" {
		state = CodeStateInitiated
	}

	for range maxCodeInsertAttempts {
		code := newCode()
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO auth_codes (code, client_id, code_challenge, redirect_uri, client_state, scope,
				state, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			code, record.ClientID, record.CodeChallenge, record.RedirectURI, record.ClientState,
			strings.Join(record.Scopes, " "), string(state),
			toUnixNano(now), toUnixNano(now.Add(DefaultAuthCodeTTL)),
		)
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("inserting authorization code: %w", err)
		}
		return code, nil
	}
	return "", fmt.Errorf("authorization code collision")
}

// GetCode returns the record unless it is missing or expired.
func (s *SQLiteStorage) GetCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM auth_codes WHERE code = ?`, code)
	record, err := scanCode(row)
	if err != nil {
		return nil, err
	}
	if record.IsExpired(s.clock.Now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE code = ?`, code); err != nil {
			return nil, fmt.Errorf("deleting expired authorization code: %w", err)
		}
		return nil, ErrNotFound
	}
	return record, nil
}

func scanCode(row *sql.Row) (*AuthorizationCode, error) {
	var (
		record               AuthorizationCode
		scope, state         string
		hasUpstream          bool
		upstream             UpstreamCredentials
		upstreamExpiresAt    int64
		createdAt, expiresAt int64
	)
	err := row.Scan(
		&record.Code, &record.ClientID, &record.CodeChallenge, &record.RedirectURI, &record.ClientState,
		&scope, &state, &record.UpstreamCode, &hasUpstream, &upstream.AccessToken, &upstream.RefreshToken,
		&upstreamExpiresAt, &upstream.Subject, &createdAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning authorization code: %w", err)
	}

	record.Scopes = strings.Fields(scope)
	record.State = CodeState(state)
	record.CreatedAt = fromUnixNano(createdAt)
	record.ExpiresAt = fromUnixNano(expiresAt)
	if hasUpstream {
		upstream.ExpiresAt = fromUnixNano(upstreamExpiresAt)
		record.Upstream = &upstream
	}
	return &record, nil
}

// missOrConflict distinguishes why a conditional update touched no rows.
func (s *SQLiteStorage) missOrConflict(ctx context.Context, code string, conflict error) error {
	if _, err := s.GetCode(ctx, code); err != nil {
		return err
	}
	return conflict
}

// TransitionCode moves the record between lifecycle states.
func (s *SQLiteStorage) TransitionCode(ctx context.Context, code string, from, to CodeState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_codes SET state = ? WHERE code = ? AND state = ? AND expires_at >= ?`,
		string(to), code, string(from), toUnixNano(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("updating authorization code state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, code,
			fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to))
	}
	return nil
}

// CompleteCode records the upstream results on the code.
func (s *SQLiteStorage) CompleteCode(ctx context.Context, code, upstreamCode string, creds *UpstreamCredentials) error {
	if creds == nil {
		return fmt.Errorf("upstream credentials cannot be nil")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_codes SET
			state = ?, upstream_code = ?, has_upstream = 1,
			upstream_access_token = ?, upstream_refresh_token = ?,
			upstream_expires_at = ?, upstream_subject = ?
		WHERE code = ? AND state IN (?, ?) AND expires_at >= ?`,
		string(CodeStateUpstreamComplete), upstreamCode,
		creds.AccessToken, creds.RefreshToken, toUnixNano(creds.ExpiresAt), creds.Subject,
		code, string(CodeStateInitiated), string(CodeStateUpstreamPending), toUnixNano(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("completing authorization code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, code,
			fmt.Errorf("%w: -> %s", ErrInvalidTransition, CodeStateUpstreamComplete))
	}
	return nil
}

// ConsumeCode deletes a live record; the row count decides the winner.
func (s *SQLiteStorage) ConsumeCode(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_codes WHERE code = ? AND expires_at >= ?`,
		code, toUnixNano(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("consuming authorization code: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// DeleteCode removes the record if present.
func (s *SQLiteStorage) DeleteCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE code = ?`, code); err != nil {
		return fmt.Errorf("deleting authorization code: %w", err)
	}
	return nil
}

// -----------------------
// SessionStore
// -----------------------

const sessionColumns = `id, client_id, subject, upstream_access_token, upstream_refresh_token,
	upstream_expires_at, refresh_token, expires_at, scope, created_at, updated_at`

// SaveSession upserts the session and its index entry in one transaction.
func (s *SQLiteStorage) SaveSession(ctx context.Context, session *Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			client_id = excluded.client_id,
			subject = excluded.subject,
			upstream_access_token = excluded.upstream_access_token,
			upstream_refresh_token = excluded.upstream_refresh_token,
			upstream_expires_at = excluded.upstream_expires_at,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			updated_at = excluded.updated_at`,
		session.ID, session.ClientID, session.Subject,
		session.UpstreamAccessToken, session.UpstreamRefreshToken, toUnixNano(session.UpstreamExpiresAt),
		session.RefreshToken, toUnixNano(session.ExpiresAt), session.Scope,
		toUnixNano(session.CreatedAt), toUnixNano(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	if session.RefreshToken != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO refresh_index (refresh_token, session_id) VALUES (?, ?)
			ON CONFLICT (refresh_token) DO UPDATE SET session_id = excluded.session_id`,
			session.RefreshToken, session.ID,
		)
		if err != nil {
			return fmt.Errorf("upserting refresh index: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}
	return nil
}

// GetSessionByAccessToken returns the session, purging it once expired.
func (s *SQLiteStorage) GetSessionByAccessToken(ctx context.Context, accessToken string) (*Session, error) {
	var (
		session                      Session
		upstreamExpiresAt, expiresAt int64
		createdAt, updatedAt         int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, accessToken,
	).Scan(
		&session.ID, &session.ClientID, &session.Subject,
		&session.UpstreamAccessToken, &session.UpstreamRefreshToken, &upstreamExpiresAt,
		&session.RefreshToken, &expiresAt, &session.Scope, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	session.UpstreamExpiresAt = fromUnixNano(upstreamExpiresAt)
	session.ExpiresAt = fromUnixNano(expiresAt)
	session.CreatedAt = fromUnixNano(createdAt)
	session.UpdatedAt = fromUnixNano(updatedAt)

	if session.IsExpired(s.clock.Now()) {
		if err := s.DeleteSession(ctx, accessToken); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return &session, nil
}

// GetSessionByRefreshToken resolves the index and then the session.
func (s *SQLiteStorage) GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*Session, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM refresh_index WHERE refresh_token = ?`, refreshToken,
	).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving refresh token: %w", err)
	}
	return s.GetSessionByAccessToken(ctx, sessionID)
}

// UpdateUpstreamCredentials replaces the upstream side of a live session.
func (s *SQLiteStorage) UpdateUpstreamCredentials(ctx context.Context, accessToken string, creds *UpstreamCredentials) error {
	if creds == nil {
		return fmt.Errorf("upstream credentials cannot be nil")
	}
	now := s.clock.Now()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			upstream_access_token = ?,
			upstream_refresh_token = CASE WHEN ? = '' THEN upstream_refresh_token ELSE ? END,
			upstream_expires_at = ?,
			updated_at = ?
		WHERE id = ? AND expires_at >= ?`,
		creds.AccessToken, creds.RefreshToken, creds.RefreshToken, toUnixNano(creds.ExpiresAt),
		toUnixNano(now), accessToken, toUnixNano(now),
	)
	if err != nil {
		return fmt.Errorf("updating upstream credentials: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSession slides the downstream expiry forward.
func (s *SQLiteStorage) TouchSession(ctx context.Context, accessToken string, extension time.Duration) error {
	now := s.clock.Now()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ?, updated_at = ? WHERE id = ? AND expires_at >= ?`,
		toUnixNano(now.Add(extension)), toUnixNano(now), accessToken, toUnixNano(now),
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session and, if it still owns it, its index entry.
func (s *SQLiteStorage) DeleteSession(ctx context.Context, accessToken string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM refresh_index WHERE session_id = ?`, accessToken,
	); err != nil {
		return fmt.Errorf("deleting refresh index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, accessToken); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session delete: %w", err)
	}
	return nil
}

// -----------------------
// Sweepable
// -----------------------

// DeleteExpired purges expired codes and sessions and index entries whose
// session is gone.
func (s *SQLiteStorage) DeleteExpired(ctx context.Context) (int, error) {
	now := toUnixNano(s.clock.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	statements := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM auth_codes WHERE expires_at < ?`, []any{now}},
		{`DELETE FROM sessions WHERE expires_at < ?`, []any{now}},
		{`DELETE FROM refresh_index WHERE session_id NOT IN (SELECT id FROM sessions)`, nil},
	}

	removed := 0
	for _, stmt := range statements {
		res, err := tx.ExecContext(ctx, stmt.query, stmt.args...)
		if err != nil {
			return 0, fmt.Errorf("deleting expired rows: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("counting deleted rows: %w", err)
		}
		removed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing sweep: %w", err)
	}
	return removed, nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
