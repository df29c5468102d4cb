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

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the ceremony operations. Every error a
// caller can act on is one of these; anything else is an internal
// failure from the store or the WebAuthn library.
var (
	// ErrAlreadyRegistered is returned when registration options are
	// requested for an email that already has authenticators.
	ErrAlreadyRegistered = errors.New("email is already registered")

	// ErrNotRegistered is returned when login options are requested for
	// an email with no registered authenticators.
	ErrNotRegistered = errors.New("email is not registered")

	// ErrNoPendingChallenge is returned when a ceremony is completed
	// without a live challenge, either because none was issued or
	// because it expired.
	ErrNoPendingChallenge = errors.New("no pending challenge")

	// ErrVerificationFailed is returned when the authenticator response
	// does not verify. The underlying cause (challenge mismatch, bad
	// origin, bad signature, counter replay) is logged server-side and
	// deliberately not exposed to the caller.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrUserNotFound is returned when no user exists for an email.
	ErrUserNotFound = errors.New("user not found")

	// ErrNoAuthenticators is returned when a user exists but has no
	// registered authenticators.
	ErrNoAuthenticators = errors.New("user has no registered authenticators")

	// ErrAuthenticatorNotFound is returned when the credential id in an
	// assertion response matches none of the user's authenticators.
	ErrAuthenticatorNotFound = errors.New("authenticator not found")

	// ErrAuthenticatorExists is returned by stores when registering a
	// duplicate credential id.
	ErrAuthenticatorExists = errors.New("authenticator already exists")

	// ErrUserExists is returned by stores when creating a user whose id
	// or email is already taken.
	ErrUserExists = errors.New("user already exists")

	// ErrInvalidOperation is returned when the requested ceremony
	// operation is neither "registration" nor "login".
	ErrInvalidOperation = errors.New("invalid ceremony operation")
)

// Error wraps a failure with the operation that produced it.
type Error struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// wrapErr wraps an error with an operation name if it is not nil.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// IsUserNotFound returns true if the error indicates a user was not found.
func IsUserNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

// IsNoPendingChallenge returns true if the error indicates a missing or
// expired challenge.
func IsNoPendingChallenge(err error) bool {
	return errors.Is(err, ErrNoPendingChallenge)
}

// IsVerificationFailed returns true if the error indicates verification failed.
func IsVerificationFailed(err error) bool {
	return errors.Is(err, ErrVerificationFailed)
}
