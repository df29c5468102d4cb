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
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/jeremyhahn/go-passkey/pkg/validation"
)

// Service drives the registration and authentication ceremonies.
type Service struct {
	webauthn *webauthn.WebAuthn
	config   *Config
	store    Store
	tokens   TokenIssuer
	logger   *slog.Logger
	clock    func() time.Time
}

// ServiceParams contains dependencies for creating a passkey service.
type ServiceParams struct {
	// Config is the Relying Party configuration (required).
	Config *Config

	// Store is the persistence layer (required).
	Store Store

	// TokenIssuer mints session tokens after a successful ceremony.
	// If nil, the service returns the base64url-encoded user id.
	TokenIssuer TokenIssuer

	// Logger receives server-side diagnostics, including the
	// verification failure causes that are hidden from callers.
	// Defaults to slog.Default().
	Logger *slog.Logger

	// Clock overrides the time source. Defaults to time.Now.
	Clock func() time.Time
}

// NewService creates a new passkey service with the provided dependencies.
func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	params.Config.SetDefaults()
	if err := params.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	wa, err := webauthn.New(params.Config.ToWebAuthnConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn instance: %w", err)
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		webauthn: wa,
		config:   params.Config,
		store:    params.Store,
		tokens:   params.TokenIssuer,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Config returns the service configuration.
func (s *Service) Config() *Config {
	return s.config
}

// BeginCeremony generates ceremony options for an email address.
//
// An email with at least one registered authenticator is steered to the
// login ceremony; requesting registration for it fails with
// ErrAlreadyRegistered. An email with no authenticators is steered to
// registration; requesting login for it fails with ErrNotRegistered.
//
// Exactly one pending challenge is upserted per call: a
// PendingRegistration keyed by email, or a PendingAssertion keyed by
// user id. Re-running BeginCeremony overwrites the previous challenge,
// which becomes invalid for completion.
func (s *Service) BeginCeremony(ctx context.Context, email string, op Operation) (*CeremonyOptions, error) {
	if err := validation.ValidateEmail(email); err != nil {
		return nil, wrapErr("begin ceremony", err)
	}
	if !op.Valid() {
		return nil, wrapErr("begin ceremony", ErrInvalidOperation)
	}

	user, err := s.store.UserByEmail(ctx, email)
	if err != nil && !IsUserNotFound(err) {
		return nil, wrapErr("get user by email", err)
	}

	var authenticators []*Authenticator
	if user != nil {
		authenticators, err = s.store.AuthenticatorsByUser(ctx, user.ID)
		if err != nil {
			return nil, wrapErr("get authenticators", err)
		}
	}

	if user != nil && len(authenticators) > 0 {
		if op == OperationRegistration {
			return nil, wrapErr("begin ceremony", ErrAlreadyRegistered)
		}
		return s.beginLogin(ctx, user, authenticators)
	}

	if op == OperationLogin {
		return nil, wrapErr("begin ceremony", ErrNotRegistered)
	}
	return s.beginRegistration(ctx, email)
}

// beginRegistration allocates a future user id, generates creation
// options and upserts the pending registration for the email. No user
// row is written yet.
func (s *Service) beginRegistration(ctx context.Context, email string) (*CeremonyOptions, error) {
	futureUserID, err := uuid.NewV7()
	if err != nil {
		return nil, wrapErr("allocate user id", err)
	}

	candidate := &ceremonyUser{id: futureUserID.String(), email: email}
	options, session, err := s.webauthn.BeginRegistration(candidate)
	if err != nil {
		return nil, wrapErr("begin registration", err)
	}

	pending := &PendingRegistration{
		Email:        email,
		Challenge:    session.Challenge,
		FutureUserID: candidate.id,
		ExpiresAt:    s.clock().Add(s.config.ChallengeTTL).UTC(),
	}
	if err := s.store.UpsertPendingRegistration(ctx, pending); err != nil {
		return nil, wrapErr("store pending registration", err)
	}

	return &CeremonyOptions{Operation: OperationRegistration, Options: options}, nil
}

// beginLogin generates assertion options restricted to the user's
// registered credentials and upserts the pending assertion.
func (s *Service) beginLogin(ctx context.Context, user *User, authenticators []*Authenticator) (*CeremonyOptions, error) {
	holder := &ceremonyUser{id: user.ID, email: user.Email, name: user.Name, authenticators: authenticators}
	options, session, err := s.webauthn.BeginLogin(holder)
	if err != nil {
		return nil, wrapErr("begin login", err)
	}

	pending := &PendingAssertion{
		UserID:    user.ID,
		Challenge: session.Challenge,
		ExpiresAt: s.clock().Add(s.config.ChallengeTTL).UTC(),
	}
	if err := s.store.UpsertPendingAssertion(ctx, pending); err != nil {
		return nil, wrapErr("store pending assertion", err)
	}

	return &CeremonyOptions{Operation: OperationLogin, Options: options}, nil
}

// CompleteCeremony parses the authenticator's signed response payload and
// finishes the requested ceremony, returning a session for the verified
// user. Malformed payloads are normalized to ErrVerificationFailed so
// callers cannot distinguish a parse failure from a signature failure.
func (s *Service) CompleteCeremony(ctx context.Context, email string, op Operation, payload []byte) (*Session, error) {
	if !op.Valid() {
		return nil, wrapErr("complete ceremony", ErrInvalidOperation)
	}

	var user *User
	var err error

	switch op {
	case OperationRegistration:
		response, parseErr := protocol.ParseCredentialCreationResponseBytes(payload)
		if parseErr != nil {
			s.logger.Error("failed to parse attestation response", "email", validation.SanitizeForLog(email), "error", parseErr)
			return nil, wrapErr("complete ceremony", ErrVerificationFailed)
		}
		user, err = s.CompleteRegistration(ctx, email, response)
	case OperationLogin:
		response, parseErr := protocol.ParseCredentialRequestResponseBytes(payload)
		if parseErr != nil {
			s.logger.Error("failed to parse assertion response", "email", validation.SanitizeForLog(email), "error", parseErr)
			return nil, wrapErr("complete ceremony", ErrVerificationFailed)
		}
		user, err = s.CompleteAuthentication(ctx, email, response)
	}
	if err != nil {
		return nil, err
	}

	token, err := s.issueToken(ctx, user)
	if err != nil {
		return nil, wrapErr("issue token", err)
	}
	return &Session{Token: token, User: user}, nil
}

// CompleteRegistration verifies an attestation response against the
// pending registration challenge for the email and, atomically, creates
// the user row with the pre-allocated id, creates the authenticator
// record, and deletes the pending registration. Either all three writes
// commit or none do.
func (s *Service) CompleteRegistration(ctx context.Context, email string, response *protocol.ParsedCredentialCreationData) (*User, error) {
	pending, err := s.store.PendingRegistrationByEmail(ctx, email)
	if err != nil {
		if IsNoPendingChallenge(err) {
			return nil, wrapErr("complete registration", ErrNoPendingChallenge)
		}
		return nil, wrapErr("get pending registration", err)
	}

	now := s.clock()
	if !pending.ExpiresAt.After(now) {
		return nil, wrapErr("complete registration", ErrNoPendingChallenge)
	}

	candidate := &ceremonyUser{id: pending.FutureUserID, email: email}
	// CredParams must be present when rebuilding the session: attestation
	// verification matches the credential public key algorithm against
	// this list and rejects the registration when nothing matches.
	session := webauthn.SessionData{
		Challenge:        pending.Challenge,
		UserID:           []byte(pending.FutureUserID),
		Expires:          pending.ExpiresAt,
		UserVerification: s.userVerification(),
		CredParams:       webauthn.CredentialParametersDefault(),
	}

	credential, err := s.webauthn.CreateCredential(candidate, session, response)
	if err != nil {
		s.logger.Error("registration verification failed", "email", validation.SanitizeForLog(email), "error", err)
		return nil, wrapErr("complete registration", ErrVerificationFailed)
	}

	user := &User{
		ID:        pending.FutureUserID,
		Email:     email,
		Name:      email,
		CreatedAt: now.UTC(),
	}
	authenticator := newAuthenticator(user.ID, credential, response, now)

	err = s.store.InTx(ctx, func(tx Store) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		if err := tx.CreateAuthenticator(ctx, authenticator); err != nil {
			return err
		}
		return tx.DeletePendingRegistration(ctx, email)
	})
	if err != nil {
		return nil, wrapErr("persist registration", err)
	}

	s.logger.Info("registered new passkey user",
		"user_id", user.ID,
		"device_type", authenticator.DeviceType)
	return user, nil
}

// CompleteAuthentication verifies an assertion response against the
// pending assertion challenge for the user behind the email, enforces
// counter monotonicity, bumps the stored counter and deletes the pending
// assertion. The pending assertion is consumed on failed verification
// attempts as well; the client restarts the ceremony from BeginCeremony.
func (s *Service) CompleteAuthentication(ctx context.Context, email string, response *protocol.ParsedCredentialAssertionData) (*User, error) {
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if IsUserNotFound(err) {
			return nil, wrapErr("complete authentication", ErrUserNotFound)
		}
		return nil, wrapErr("get user by email", err)
	}

	authenticators, err := s.store.AuthenticatorsByUser(ctx, user.ID)
	if err != nil {
		return nil, wrapErr("get authenticators", err)
	}
	if len(authenticators) == 0 {
		return nil, wrapErr("complete authentication", ErrNoAuthenticators)
	}

	pending, err := s.store.PendingAssertionByUser(ctx, user.ID)
	if err != nil {
		if IsNoPendingChallenge(err) {
			return nil, wrapErr("complete authentication", ErrNoPendingChallenge)
		}
		return nil, wrapErr("get pending assertion", err)
	}
	now := s.clock()
	if pending.Challenge == "" || !pending.ExpiresAt.After(now) {
		return nil, wrapErr("complete authentication", ErrNoPendingChallenge)
	}

	matched := matchAuthenticator(authenticators, response.RawID)
	if matched == nil {
		s.consumePendingAssertion(ctx, user.ID)
		return nil, wrapErr("complete authentication", ErrAuthenticatorNotFound)
	}

	allowed := make([][]byte, len(authenticators))
	for i, a := range authenticators {
		allowed[i] = a.CredentialID
	}
	holder := &ceremonyUser{id: user.ID, email: user.Email, name: user.Name, authenticators: authenticators}
	session := webauthn.SessionData{
		Challenge:            pending.Challenge,
		UserID:               []byte(user.ID),
		AllowedCredentialIDs: allowed,
		Expires:              pending.ExpiresAt,
		UserVerification:     s.userVerification(),
	}

	credential, err := s.webauthn.ValidateLogin(holder, session, response)
	if err != nil {
		s.logger.Error("authentication verification failed", "user_id", user.ID, "error", err)
		s.consumePendingAssertion(ctx, user.ID)
		return nil, wrapErr("complete authentication", ErrVerificationFailed)
	}

	// The library flags a non-increasing counter instead of erroring.
	// A regression on a single-device credential means the response was
	// replayed or the credential was cloned; multi-device passkeys do
	// not share counters across devices and are exempt.
	if credential.Authenticator.CloneWarning && matched.DeviceType != DeviceTypeMultiDevice {
		s.logger.Error("authentication counter regression",
			"user_id", user.ID,
			"stored_counter", matched.Counter,
			"reported_counter", response.Response.AuthenticatorData.Counter)
		s.consumePendingAssertion(ctx, user.ID)
		return nil, wrapErr("complete authentication", ErrVerificationFailed)
	}

	matched.Counter = credential.Authenticator.SignCount
	matched.LastUsedAt = now.UTC()

	err = s.store.InTx(ctx, func(tx Store) error {
		if err := tx.UpdateAuthenticator(ctx, matched); err != nil {
			return err
		}
		return tx.DeletePendingAssertion(ctx, user.ID)
	})
	if err != nil {
		return nil, wrapErr("persist authentication", err)
	}

	s.logger.Info("authenticated passkey user", "user_id", user.ID, "counter", matched.Counter)
	return user, nil
}

// consumePendingAssertion removes the pending assertion after a terminal
// login attempt. Best effort; a leftover record expires on its own.
func (s *Service) consumePendingAssertion(ctx context.Context, userID string) {
	if err := s.store.DeletePendingAssertion(ctx, userID); err != nil {
		s.logger.Warn("failed to delete pending assertion", "user_id", userID, "error", err)
	}
}

// issueToken mints the session token for the verified user.
func (s *Service) issueToken(ctx context.Context, user *User) (string, error) {
	if s.tokens != nil {
		return s.tokens.Issue(ctx, user)
	}
	return base64.RawURLEncoding.EncodeToString([]byte(user.ID)), nil
}

// userVerification maps the configured preference to the protocol type.
func (s *Service) userVerification() protocol.UserVerificationRequirement {
	switch s.config.UserVerification {
	case "required":
		return protocol.VerificationRequired
	case "discouraged":
		return protocol.VerificationDiscouraged
	default:
		return protocol.VerificationPreferred
	}
}

// matchAuthenticator finds the stored authenticator whose credential id
// matches the one claimed by the assertion response.
func matchAuthenticator(authenticators []*Authenticator, rawID []byte) *Authenticator {
	for _, a := range authenticators {
		if bytes.Equal(a.CredentialID, rawID) {
			return a
		}
	}
	return nil
}
