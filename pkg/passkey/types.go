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
	"encoding/json"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Operation identifies which ceremony the caller is running.
type Operation string

const (
	// OperationRegistration enrolls a new authenticator for an email.
	OperationRegistration Operation = "registration"

	// OperationLogin authenticates an existing user.
	OperationLogin Operation = "login"
)

// Valid reports whether the operation is a known ceremony type.
func (o Operation) Valid() bool {
	return o == OperationRegistration || o == OperationLogin
}

// DeviceType classifies an authenticator by its backup eligibility,
// mirroring the WebAuthn credential device type.
type DeviceType string

const (
	// DeviceTypeSingleDevice is a credential bound to one authenticator,
	// such as a hardware security key. Single-device credentials are
	// expected to maintain a signature counter.
	DeviceTypeSingleDevice DeviceType = "singleDevice"

	// DeviceTypeMultiDevice is a synced passkey that may exist on several
	// devices. Multi-device credentials are exempt from strict counter
	// enforcement because sync providers do not share counters.
	DeviceTypeMultiDevice DeviceType = "multiDevice"
)

// User is an account identified by email. A user row is created only at
// the moment its first authenticator registration verifies, using the id
// pre-allocated when the registration challenge was issued.
type User struct {
	// ID is an opaque unique identifier (UUIDv7).
	ID string `json:"id"`

	// Email is the unique address the user registered with.
	Email string `json:"email"`

	// Name is the display name, defaulting to the email at registration.
	Name string `json:"name"`

	// Metadata is an opaque bag for provider extras. Stored as JSON,
	// never interpreted by this package.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the user completed their first registration.
	CreatedAt time.Time `json:"created_at"`
}

// Authenticator is a registered public-key credential belonging to
// exactly one user. It is created at successful registration and mutated
// only to bump the signature counter after each authentication.
type Authenticator struct {
	// CredentialID is the raw credential identifier assigned by the
	// authenticator. Globally unique.
	CredentialID []byte `json:"credential_id"`

	// UserID is the owning user's id.
	UserID string `json:"user_id"`

	// PublicKey is the credential public key in COSE format.
	PublicKey []byte `json:"public_key"`

	// AttestationType indicates the attestation format conveyed at
	// registration.
	AttestationType string `json:"attestation_type"`

	// Transports lists the transports the authenticator reported.
	Transports []protocol.AuthenticatorTransport `json:"transports,omitempty"`

	// Counter is the signature counter used for clone detection. A value
	// of zero on every assertion means the authenticator does not
	// implement a counter.
	Counter uint32 `json:"counter"`

	// BackedUp indicates the credential is currently backed up by a sync
	// provider.
	BackedUp bool `json:"backed_up"`

	// DeviceType classifies the credential as single- or multi-device.
	DeviceType DeviceType `json:"device_type"`

	// Attestation is the raw attestation object captured at
	// registration. Write-once and opaque; never parsed after storage.
	Attestation []byte `json:"attestation,omitempty"`

	// Extensions is the serialized client extension output from
	// registration. Write-once and opaque, like Attestation.
	Extensions []byte `json:"extensions,omitempty"`

	// Metadata is an opaque bag for additional registration artifacts.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the credential was registered.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the credential last verified an assertion.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// PendingRegistration is the single outstanding registration challenge
// for an email. Upserted when registration options are generated,
// consumed on successful registration, rejected once expired.
type PendingRegistration struct {
	// Email keys the record; one pending registration per email.
	Email string `json:"email"`

	// Challenge is the base64url-encoded random challenge the
	// authenticator must sign over.
	Challenge string `json:"challenge"`

	// FutureUserID is the pre-allocated id the eventual user row will
	// be created with.
	FutureUserID string `json:"future_user_id"`

	// ExpiresAt is the hard deadline for completing the ceremony.
	ExpiresAt time.Time `json:"expires_at"`
}

// PendingAssertion is the single outstanding login challenge for a user.
// Same shape as PendingRegistration but keyed by user id and without a
// pre-allocated id.
type PendingAssertion struct {
	// UserID keys the record; one pending assertion per user.
	UserID string `json:"user_id"`

	// Challenge is the base64url-encoded random challenge.
	Challenge string `json:"challenge"`

	// ExpiresAt is the hard deadline for completing the ceremony.
	ExpiresAt time.Time `json:"expires_at"`
}

// CeremonyOptions is the payload returned by BeginCeremony. Options is a
// *protocol.CredentialCreation for registrations or a
// *protocol.CredentialAssertion for logins, ready to hand to
// navigator.credentials on the browser side.
type CeremonyOptions struct {
	Operation Operation `json:"operation"`
	Options   any       `json:"options"`
}

// Session is the result of a successfully completed ceremony: the
// verified user and a signed token carrying their stable id.
type Session struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

// webAuthnCredential converts the stored record to the go-webauthn
// credential shape used during verification.
func (a *Authenticator) webAuthnCredential() webauthn.Credential {
	return webauthn.Credential{
		ID:              a.CredentialID,
		PublicKey:       a.PublicKey,
		AttestationType: a.AttestationType,
		Transport:       a.Transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: a.DeviceType == DeviceTypeMultiDevice,
			BackupState:    a.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: a.Counter,
		},
	}
}

// newAuthenticator builds an Authenticator record from a verified
// registration. The raw attestation object and client extension results
// are kept as opaque blobs for forward compatibility.
func newAuthenticator(userID string, cred *webauthn.Credential, response *protocol.ParsedCredentialCreationData, now time.Time) *Authenticator {
	var extensions []byte
	if len(response.ClientExtensionResults) > 0 {
		extensions, _ = json.Marshal(response.ClientExtensionResults)
	}

	deviceType := DeviceTypeSingleDevice
	if cred.Flags.BackupEligible {
		deviceType = DeviceTypeMultiDevice
	}

	return &Authenticator{
		CredentialID:    cred.ID,
		UserID:          userID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      cred.Transport,
		Counter:         cred.Authenticator.SignCount,
		BackedUp:        cred.Flags.BackupState,
		DeviceType:      deviceType,
		Attestation:     response.Raw.AttestationResponse.AttestationObject,
		Extensions:      extensions,
		CreatedAt:       now.UTC(),
	}
}

// ceremonyUser adapts a User and its authenticators to the webauthn.User
// interface. For registrations the user row does not exist yet, so the
// adapter carries the pre-allocated id and an empty credential list.
type ceremonyUser struct {
	id             string
	email          string
	name           string
	authenticators []*Authenticator
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.id)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	if u.name == "" {
		return u.email
	}
	return u.name
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.authenticators))
	for i, a := range u.authenticators {
		creds[i] = a.webAuthnCredential()
	}
	return creds
}
