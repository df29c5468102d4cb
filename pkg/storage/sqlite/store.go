// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package sqlite implements the passkey Store over a single SQLite
// file. Migrations are embedded and applied at open time, and the
// registration transaction maps directly onto a SQL transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	_ "modernc.org/sqlite"

	"github.com/jeremyhahn/go-passkey/pkg/passkey"
	"github.com/jeremyhahn/go-passkey/pkg/storage/sqlite/migrations"
)

// Store implements passkey.Store over SQLite.
type Store struct {
	db *sql.DB
	q  queries
}

var _ passkey.Store = (*Store)(nil)

// Open opens a passkey SQLite store and applies bundled migrations. The
// DSN enables WAL journaling and foreign keys; a busy timeout keeps
// concurrent ceremony completions from failing on lock contention.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{db: db, q: queries{db: db}}
	if err := store.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Ping reports whether the database is reachable. Used by readiness
// probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// runMigrations applies the embedded migration files in lexical order,
// tracking applied versions in schema_migrations.
func (s *Store) runMigrations() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		content, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*passkey.User, error) {
	return s.q.userByEmail(ctx, email)
}

func (s *Store) UserByID(ctx context.Context, id string) (*passkey.User, error) {
	return s.q.userByID(ctx, id)
}

func (s *Store) CreateUser(ctx context.Context, user *passkey.User) error {
	return s.q.createUser(ctx, user)
}

func (s *Store) AuthenticatorsByUser(ctx context.Context, userID string) ([]*passkey.Authenticator, error) {
	return s.q.authenticatorsByUser(ctx, userID)
}

func (s *Store) CreateAuthenticator(ctx context.Context, auth *passkey.Authenticator) error {
	return s.q.createAuthenticator(ctx, auth)
}

func (s *Store) UpdateAuthenticator(ctx context.Context, auth *passkey.Authenticator) error {
	return s.q.updateAuthenticator(ctx, auth)
}

func (s *Store) UpsertPendingRegistration(ctx context.Context, pending *passkey.PendingRegistration) error {
	return s.q.upsertPendingRegistration(ctx, pending)
}

func (s *Store) PendingRegistrationByEmail(ctx context.Context, email string) (*passkey.PendingRegistration, error) {
	return s.q.pendingRegistrationByEmail(ctx, email)
}

func (s *Store) DeletePendingRegistration(ctx context.Context, email string) error {
	return s.q.deletePendingRegistration(ctx, email)
}

func (s *Store) UpsertPendingAssertion(ctx context.Context, pending *passkey.PendingAssertion) error {
	return s.q.upsertPendingAssertion(ctx, pending)
}

func (s *Store) PendingAssertionByUser(ctx context.Context, userID string) (*passkey.PendingAssertion, error) {
	return s.q.pendingAssertionByUser(ctx, userID)
}

func (s *Store) DeletePendingAssertion(ctx context.Context, userID string) error {
	return s.q.deletePendingAssertion(ctx, userID)
}

// InTx runs fn inside a SQL transaction. Any error from fn rolls the
// transaction back.
func (s *Store) InTx(ctx context.Context, fn func(tx passkey.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&txStore{q: queries{db: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// txStore exposes an open transaction as a passkey.Store.
type txStore struct {
	q queries
}

var _ passkey.Store = (*txStore)(nil)

func (t *txStore) UserByEmail(ctx context.Context, email string) (*passkey.User, error) {
	return t.q.userByEmail(ctx, email)
}

func (t *txStore) UserByID(ctx context.Context, id string) (*passkey.User, error) {
	return t.q.userByID(ctx, id)
}

func (t *txStore) CreateUser(ctx context.Context, user *passkey.User) error {
	return t.q.createUser(ctx, user)
}

func (t *txStore) AuthenticatorsByUser(ctx context.Context, userID string) ([]*passkey.Authenticator, error) {
	return t.q.authenticatorsByUser(ctx, userID)
}

func (t *txStore) CreateAuthenticator(ctx context.Context, auth *passkey.Authenticator) error {
	return t.q.createAuthenticator(ctx, auth)
}

func (t *txStore) UpdateAuthenticator(ctx context.Context, auth *passkey.Authenticator) error {
	return t.q.updateAuthenticator(ctx, auth)
}

func (t *txStore) UpsertPendingRegistration(ctx context.Context, pending *passkey.PendingRegistration) error {
	return t.q.upsertPendingRegistration(ctx, pending)
}

func (t *txStore) PendingRegistrationByEmail(ctx context.Context, email string) (*passkey.PendingRegistration, error) {
	return t.q.pendingRegistrationByEmail(ctx, email)
}

func (t *txStore) DeletePendingRegistration(ctx context.Context, email string) error {
	return t.q.deletePendingRegistration(ctx, email)
}

func (t *txStore) UpsertPendingAssertion(ctx context.Context, pending *passkey.PendingAssertion) error {
	return t.q.upsertPendingAssertion(ctx, pending)
}

func (t *txStore) PendingAssertionByUser(ctx context.Context, userID string) (*passkey.PendingAssertion, error) {
	return t.q.pendingAssertionByUser(ctx, userID)
}

func (t *txStore) DeletePendingAssertion(ctx context.Context, userID string) error {
	return t.q.deletePendingAssertion(ctx, userID)
}

// InTx inside a transaction joins the enclosing one. SQLite does not
// support nested transactions.
func (t *txStore) InTx(ctx context.Context, fn func(tx passkey.Store) error) error {
	return fn(t)
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the SQL statements against either a raw connection or a
// transaction.
type queries struct {
	db querier
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// isUniqueViolation detects SQLite unique constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return metadata, nil
}

func (q queries) userByEmail(ctx context.Context, email string) (*passkey.User, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, email, name, metadata, created_at FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func (q queries) userByID(ctx context.Context, id string) (*passkey.User, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, email, name, metadata, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*passkey.User, error) {
	var user passkey.User
	var metadata sql.NullString
	var createdAt int64

	err := row.Scan(&user.ID, &user.Email, &user.Name, &metadata, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, passkey.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	user.Metadata, err = unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	user.CreatedAt = fromMillis(createdAt)
	return &user, nil
}

func (q queries) createUser(ctx context.Context, user *passkey.User) error {
	metadata, err := marshalMetadata(user.Metadata)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, metadata, toMillis(user.CreatedAt))
	if isUniqueViolation(err) {
		return passkey.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (q queries) authenticatorsByUser(ctx context.Context, userID string) ([]*passkey.Authenticator, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT credential_id, user_id, public_key, attestation_type, transports, counter,
		        backed_up, device_type, attestation, extensions, metadata, created_at, last_used_at
		 FROM authenticators WHERE user_id = ? ORDER BY created_at, credential_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query authenticators: %w", err)
	}
	defer rows.Close()

	result := make([]*passkey.Authenticator, 0)
	for rows.Next() {
		auth, err := scanAuthenticator(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, auth)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authenticators: %w", err)
	}
	return result, nil
}

func scanAuthenticator(rows *sql.Rows) (*passkey.Authenticator, error) {
	var auth passkey.Authenticator
	var transports sql.NullString
	var metadata sql.NullString
	var backedUp int
	var createdAt int64
	var lastUsedAt sql.NullInt64

	err := rows.Scan(&auth.CredentialID, &auth.UserID, &auth.PublicKey, &auth.AttestationType,
		&transports, &auth.Counter, &backedUp, &auth.DeviceType, &auth.Attestation,
		&auth.Extensions, &metadata, &createdAt, &lastUsedAt)
	if err != nil {
		return nil, fmt.Errorf("scan authenticator: %w", err)
	}

	if transports.Valid && transports.String != "" {
		var parsed []protocol.AuthenticatorTransport
		if err := json.Unmarshal([]byte(transports.String), &parsed); err != nil {
			return nil, fmt.Errorf("unmarshal transports: %w", err)
		}
		auth.Transports = parsed
	}
	auth.Metadata, err = unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	auth.BackedUp = backedUp != 0
	auth.CreatedAt = fromMillis(createdAt)
	if lastUsedAt.Valid {
		auth.LastUsedAt = fromMillis(lastUsedAt.Int64)
	}
	return &auth, nil
}

func (q queries) createAuthenticator(ctx context.Context, auth *passkey.Authenticator) error {
	transports, err := marshalTransports(auth.Transports)
	if err != nil {
		return err
	}
	metadata, err := marshalMetadata(auth.Metadata)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO authenticators (credential_id, user_id, public_key, attestation_type,
		        transports, counter, backed_up, device_type, attestation, extensions,
		        metadata, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		auth.CredentialID, auth.UserID, auth.PublicKey, auth.AttestationType,
		transports, auth.Counter, boolToInt(auth.BackedUp), string(auth.DeviceType),
		auth.Attestation, auth.Extensions, metadata, toMillis(auth.CreatedAt),
		nullableMillis(auth.LastUsedAt))
	if isUniqueViolation(err) {
		return passkey.ErrAuthenticatorExists
	}
	if err != nil {
		return fmt.Errorf("insert authenticator: %w", err)
	}
	return nil
}

func (q queries) updateAuthenticator(ctx context.Context, auth *passkey.Authenticator) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE authenticators SET counter = ?, backed_up = ?, last_used_at = ? WHERE credential_id = ?`,
		auth.Counter, boolToInt(auth.BackedUp), nullableMillis(auth.LastUsedAt), auth.CredentialID)
	if err != nil {
		return fmt.Errorf("update authenticator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update authenticator: %w", err)
	}
	if affected == 0 {
		return passkey.ErrAuthenticatorNotFound
	}
	return nil
}

func (q queries) upsertPendingRegistration(ctx context.Context, pending *passkey.PendingRegistration) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO pending_registrations (email, challenge, future_user_id, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (email) DO UPDATE SET
		     challenge = excluded.challenge,
		     future_user_id = excluded.future_user_id,
		     expires_at = excluded.expires_at`,
		pending.Email, pending.Challenge, pending.FutureUserID, toMillis(pending.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert pending registration: %w", err)
	}
	return nil
}

func (q queries) pendingRegistrationByEmail(ctx context.Context, email string) (*passkey.PendingRegistration, error) {
	var pending passkey.PendingRegistration
	var expiresAt int64

	err := q.db.QueryRowContext(ctx,
		`SELECT email, challenge, future_user_id, expires_at FROM pending_registrations WHERE email = ?`,
		email).Scan(&pending.Email, &pending.Challenge, &pending.FutureUserID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, passkey.ErrNoPendingChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending registration: %w", err)
	}
	pending.ExpiresAt = fromMillis(expiresAt)
	return &pending, nil
}

func (q queries) deletePendingRegistration(ctx context.Context, email string) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_registrations WHERE email = ?`, email); err != nil {
		return fmt.Errorf("delete pending registration: %w", err)
	}
	return nil
}

func (q queries) upsertPendingAssertion(ctx context.Context, pending *passkey.PendingAssertion) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO pending_assertions (user_id, challenge, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		     challenge = excluded.challenge,
		     expires_at = excluded.expires_at`,
		pending.UserID, pending.Challenge, toMillis(pending.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert pending assertion: %w", err)
	}
	return nil
}

func (q queries) pendingAssertionByUser(ctx context.Context, userID string) (*passkey.PendingAssertion, error) {
	var pending passkey.PendingAssertion
	var expiresAt int64

	err := q.db.QueryRowContext(ctx,
		`SELECT user_id, challenge, expires_at FROM pending_assertions WHERE user_id = ?`,
		userID).Scan(&pending.UserID, &pending.Challenge, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, passkey.ErrNoPendingChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending assertion: %w", err)
	}
	pending.ExpiresAt = fromMillis(expiresAt)
	return &pending, nil
}

func (q queries) deletePendingAssertion(ctx context.Context, userID string) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_assertions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete pending assertion: %w", err)
	}
	return nil
}

func marshalTransports(transports []protocol.AuthenticatorTransport) (sql.NullString, error) {
	if len(transports) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(transports)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal transports: %w", err)
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func nullableMillis(value time.Time) sql.NullInt64 {
	if value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(value), Valid: true}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
