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
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRelyingParty matches validConfig so virtual authenticator
// responses verify against the service.
func testRelyingParty() virtualwebauthn.RelyingParty {
	return virtualwebauthn.RelyingParty{
		Name:   "Example Corp",
		ID:     "example.com",
		Origin: "https://example.com",
	}
}

// attestationPayload runs the virtual authenticator against registration
// options and returns the browser-shaped JSON payload.
func attestationPayload(t *testing.T, opts *CeremonyOptions, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential) []byte {
	t.Helper()

	creation, ok := opts.Options.(*protocol.CredentialCreation)
	require.True(t, ok)

	optionsJSON, err := json.Marshal(creation.Response)
	require.NoError(t, err)

	parsed, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)

	return []byte(virtualwebauthn.CreateAttestationResponse(testRelyingParty(), auth, cred, *parsed))
}

// assertionPayload runs the virtual authenticator against login options
// and returns the browser-shaped JSON payload.
func assertionPayload(t *testing.T, opts *CeremonyOptions, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential) []byte {
	t.Helper()

	assertion, ok := opts.Options.(*protocol.CredentialAssertion)
	require.True(t, ok)

	optionsJSON, err := json.Marshal(assertion.Response)
	require.NoError(t, err)

	parsed, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	return []byte(virtualwebauthn.CreateAssertionResponse(testRelyingParty(), auth, cred, *parsed))
}

// registerUser drives a full registration ceremony for the email and
// returns the created session.
func registerUser(t *testing.T, svc *Service, email string, auth *virtualwebauthn.Authenticator, cred virtualwebauthn.Credential) *Session {
	t.Helper()
	ctx := context.Background()

	opts, err := svc.BeginCeremony(ctx, email, OperationRegistration)
	require.NoError(t, err)

	payload := attestationPayload(t, opts, *auth, cred)
	session, err := svc.CompleteCeremony(ctx, email, OperationRegistration, payload)
	require.NoError(t, err)

	auth.AddCredential(cred)
	return session
}

// loginUser drives a full login ceremony for the email.
func loginUser(t *testing.T, svc *Service, email string, auth virtualwebauthn.Authenticator, cred virtualwebauthn.Credential) (*Session, error) {
	t.Helper()
	ctx := context.Background()

	opts, err := svc.BeginCeremony(ctx, email, OperationLogin)
	require.NoError(t, err)

	payload := assertionPayload(t, opts, auth, cred)
	return svc.CompleteCeremony(ctx, email, OperationLogin, payload)
}

func TestIntegration_RegistrationFlow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestService(t, store, nil)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	session := registerUser(t, svc, "alice@example.com", &auth, cred)
	require.NotNil(t, session.User)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, "alice@example.com", session.User.Email)
	assert.Equal(t, "alice@example.com", session.User.Name)

	// User row exists with the pre-allocated id and exactly one
	// authenticator at counter zero.
	user, err := store.UserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, user.ID)

	auths, err := store.AuthenticatorsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, auths, 1)
	assert.Equal(t, uint32(0), auths[0].Counter)
	assert.NotEmpty(t, auths[0].PublicKey)
	assert.NotEmpty(t, auths[0].Attestation)
	assert.Equal(t, DeviceTypeSingleDevice, auths[0].DeviceType)

	// The pending registration was consumed.
	_, err = store.PendingRegistrationByEmail(ctx, "alice@example.com")
	assert.True(t, IsNoPendingChallenge(err))
}

func TestIntegration_LoginFlow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestService(t, store, nil)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registered := registerUser(t, svc, "bob@example.com", &auth, cred)

	cred.Counter++
	session, err := loginUser(t, svc, "bob@example.com", auth, cred)
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, registered.User.ID, session.User.ID)

	// Counter persisted and pending assertion consumed.
	auths, err := store.AuthenticatorsByUser(ctx, session.User.ID)
	require.NoError(t, err)
	require.Len(t, auths, 1)
	assert.Equal(t, uint32(1), auths[0].Counter)
	assert.False(t, auths[0].LastUsedAt.IsZero())

	_, err = store.PendingAssertionByUser(ctx, session.User.ID)
	assert.True(t, IsNoPendingChallenge(err))
}

func TestIntegration_ReplayedCounterRejected(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store, nil)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerUser(t, svc, "carol@example.com", &auth, cred)

	cred.Counter++
	_, err := loginUser(t, svc, "carol@example.com", auth, cred)
	require.NoError(t, err)

	// Sign a fresh challenge without advancing the counter, as a cloned
	// single-device authenticator would.
	_, err = loginUser(t, svc, "carol@example.com", auth, cred)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestIntegration_ZeroCounterAuthenticator(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestService(t, store, nil)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	session := registerUser(t, svc, "dave@example.com", &auth, cred)

	// Authenticators without counter support report zero on every
	// assertion. Stored zero and reported zero is not a replay.
	_, err := loginUser(t, svc, "dave@example.com", auth, cred)
	require.NoError(t, err)

	auths, err := store.AuthenticatorsByUser(ctx, session.User.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), auths[0].Counter)
}

func TestIntegration_CeremonySteering(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewMemoryStore(), nil)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	registerUser(t, svc, "erin@example.com", &auth, cred)

	// A registered email cannot start a second registration.
	_, err := svc.BeginCeremony(ctx, "erin@example.com", OperationRegistration)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// Login options list exactly the registered credential.
	opts, err := svc.BeginCeremony(ctx, "erin@example.com", OperationLogin)
	require.NoError(t, err)
	assertion := opts.Options.(*protocol.CredentialAssertion)
	assert.Len(t, assertion.Response.AllowedCredentials, 1)
}

func TestIntegration_StaleChallengeRejected(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, NewMemoryStore(), nil)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	// Begin twice; the second challenge overwrites the first, so a
	// response signed over the first must not verify.
	stale, err := svc.BeginCeremony(ctx, "frank@example.com", OperationRegistration)
	require.NoError(t, err)
	_, err = svc.BeginCeremony(ctx, "frank@example.com", OperationRegistration)
	require.NoError(t, err)

	payload := attestationPayload(t, stale, auth, cred)
	_, err = svc.CompleteCeremony(ctx, "frank@example.com", OperationRegistration, payload)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestIntegration_ExpiredChallengeRejected(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	svc := newTestService(t, NewMemoryStore(), func() time.Time { return now })

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	opts, err := svc.BeginCeremony(ctx, "grace@example.com", OperationRegistration)
	require.NoError(t, err)
	payload := attestationPayload(t, opts, auth, cred)

	now = now.Add(121 * time.Second)
	_, err = svc.CompleteCeremony(ctx, "grace@example.com", OperationRegistration, payload)
	assert.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestIntegration_RegistrationAtomicity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	faulty := &faultyStore{Store: store, failCreateAuthenticator: true}
	svc := newTestService(t, faulty, nil)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	opts, err := svc.BeginCeremony(ctx, "heidi@example.com", OperationRegistration)
	require.NoError(t, err)

	payload := attestationPayload(t, opts, auth, cred)
	_, err = svc.CompleteCeremony(ctx, "heidi@example.com", OperationRegistration, payload)
	require.Error(t, err)

	// The verified response could not be persisted, so neither the user
	// row nor the pending-record deletion may stick.
	_, err = store.UserByEmail(ctx, "heidi@example.com")
	assert.True(t, IsUserNotFound(err))

	pending, err := store.PendingRegistrationByEmail(ctx, "heidi@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, pending.Challenge)
}

func TestIntegration_FailedLoginConsumesChallenge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestService(t, store, nil)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	session := registerUser(t, svc, "ivan@example.com", &auth, cred)

	cred.Counter++
	_, err := loginUser(t, svc, "ivan@example.com", auth, cred)
	require.NoError(t, err)

	// Replay attempt fails and burns the pending assertion, so a retry
	// without a fresh BeginCeremony is refused outright.
	_, err = loginUser(t, svc, "ivan@example.com", auth, cred)
	require.ErrorIs(t, err, ErrVerificationFailed)

	_, err = store.PendingAssertionByUser(ctx, session.User.ID)
	assert.True(t, IsNoPendingChallenge(err))

	payload := []byte(`{}`)
	_, err = svc.CompleteCeremony(ctx, "ivan@example.com", OperationLogin, payload)
	assert.Error(t, err)
}

func TestIntegration_WithJWTIssuer(t *testing.T) {
	issuer, err := NewJWTIssuer(&JWTIssuerConfig{Secret: testSecret})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Config:      validConfig(),
		Store:       NewMemoryStore(),
		TokenIssuer: issuer,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	session := registerUser(t, svc, "judy@example.com", &auth, cred)

	claims, err := issuer.Verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, claims["sub"])
	assert.Equal(t, "judy@example.com", claims["email"])
}

// faultyStore injects persistence failures inside transactions.
type faultyStore struct {
	Store
	failCreateAuthenticator bool
}

func (f *faultyStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return f.Store.InTx(ctx, func(tx Store) error {
		return fn(&faultyStore{Store: tx, failCreateAuthenticator: f.failCreateAuthenticator})
	})
}

func (f *faultyStore) CreateAuthenticator(ctx context.Context, auth *Authenticator) error {
	if f.failCreateAuthenticator {
		return errors.New("injected authenticator write failure")
	}
	return f.Store.CreateAuthenticator(ctx, auth)
}
