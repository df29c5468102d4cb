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

package passkey

import "context"

// Store is the persistence interface the service operates against. It
// covers users, authenticators and the two pending-challenge record
// types, and exposes a transaction so that registration completion
// (create user, create authenticator, delete pending record) can run as
// a single atomic unit.
//
// Implementations must provide at least read-committed isolation inside
// InTx and upsert semantics for the pending records: one live
// PendingRegistration per email, one live PendingAssertion per user,
// overwritten on re-issue.
type Store interface {
	// UserByEmail retrieves a user by email.
	// Returns ErrUserNotFound if the user does not exist.
	UserByEmail(ctx context.Context, email string) (*User, error)

	// UserByID retrieves a user by id.
	// Returns ErrUserNotFound if the user does not exist.
	UserByID(ctx context.Context, id string) (*User, error)

	// CreateUser persists a new user row.
	// Returns ErrUserExists if the id or email is already taken.
	CreateUser(ctx context.Context, user *User) error

	// AuthenticatorsByUser retrieves all authenticators for a user.
	// Returns an empty slice if the user has none.
	AuthenticatorsByUser(ctx context.Context, userID string) ([]*Authenticator, error)

	// CreateAuthenticator persists a new authenticator record.
	// Returns ErrAuthenticatorExists on a duplicate credential id.
	CreateAuthenticator(ctx context.Context, auth *Authenticator) error

	// UpdateAuthenticator persists counter and last-used changes to an
	// existing authenticator, identified by its credential id.
	// Returns ErrAuthenticatorNotFound if the record does not exist.
	UpdateAuthenticator(ctx context.Context, auth *Authenticator) error

	// UpsertPendingRegistration creates or overwrites the pending
	// registration for its email.
	UpsertPendingRegistration(ctx context.Context, pending *PendingRegistration) error

	// PendingRegistrationByEmail retrieves the pending registration for
	// an email. Returns ErrNoPendingChallenge if absent.
	PendingRegistrationByEmail(ctx context.Context, email string) (*PendingRegistration, error)

	// DeletePendingRegistration removes the pending registration for an
	// email. Deleting an absent record is not an error.
	DeletePendingRegistration(ctx context.Context, email string) error

	// UpsertPendingAssertion creates or overwrites the pending assertion
	// for its user.
	UpsertPendingAssertion(ctx context.Context, pending *PendingAssertion) error

	// PendingAssertionByUser retrieves the pending assertion for a user.
	// Returns ErrNoPendingChallenge if absent.
	PendingAssertionByUser(ctx context.Context, userID string) (*PendingAssertion, error)

	// DeletePendingAssertion removes the pending assertion for a user.
	// Deleting an absent record is not an error.
	DeletePendingAssertion(ctx context.Context, userID string) error

	// InTx runs fn against a transactional view of the store. If fn
	// returns an error every write made through its Store argument is
	// rolled back; otherwise all writes commit together.
	InTx(ctx context.Context, fn func(tx Store) error) error
}

// TokenIssuer mints the session token returned after a successful
// ceremony. If the service has no issuer configured it falls back to the
// base64url-encoded user id.
type TokenIssuer interface {
	// Issue creates a session token for the verified user. The token
	// must carry at minimum the user's stable id.
	Issue(ctx context.Context, user *User) (string, error)
}
