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

package http

import (
	"encoding/json"

	"github.com/jeremyhahn/go-passkey/pkg/passkey"
)

// BeginCeremonyRequest is the request body for starting a ceremony.
type BeginCeremonyRequest struct {
	// Email is the user's email address (required).
	Email string `json:"email"`

	// Operation selects the ceremony: "registration" or "login".
	Operation passkey.Operation `json:"operation"`
}

// CompleteCeremonyRequest is the request body for finishing a ceremony.
type CompleteCeremonyRequest struct {
	// Email is the user's email address (required).
	Email string `json:"email"`

	// Operation selects the ceremony: "registration" or "login".
	Operation passkey.Operation `json:"operation"`

	// Response is the raw credential response produced by
	// navigator.credentials on the browser side. Passed through to the
	// service without interpretation.
	Response json.RawMessage `json:"response"`
}

// SessionResponse is the response after a successfully completed
// ceremony.
type SessionResponse struct {
	// Token is the session token (JWT or base64 user ID).
	Token string `json:"token"`

	// User is the verified user.
	User *passkey.User `json:"user"`
}

// ErrorResponse is the response format for errors.
type ErrorResponse struct {
	// Error is the error code.
	Error string `json:"error"`

	// Message is a human-readable error message.
	Message string `json:"message"`
}

// Error codes returned in ErrorResponse.
const (
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeAlreadyRegistered  = "already_registered"
	ErrorCodeNotRegistered      = "not_registered"
	ErrorCodeNoPendingChallenge = "no_pending_challenge"
	ErrorCodeUserNotFound       = "user_not_found"
	ErrorCodeNoAuthenticators   = "no_authenticators"
	ErrorCodeUnknownCredential  = "unknown_credential"
	ErrorCodeVerificationFailed = "verification_failed"
	ErrorCodeInternalError      = "internal_error"
)
