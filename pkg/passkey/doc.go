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

// Package passkey implements passwordless authentication with passkeys
// and FIDO2 security keys.
//
// The package drives the two WebAuthn ceremonies end to end:
//
//   - BeginCeremony generates registration or authentication options for
//     an email address and persists a single pending challenge for it.
//   - CompleteCeremony verifies the authenticator's signed response
//     against the stored challenge, the configured origin and the
//     Relying Party ID, then creates or authenticates the user.
//
// Challenges are upserted by natural key (email for registrations, user
// id for assertions), so at most one challenge is live per identity and
// re-running a ceremony from the start always succeeds. Authenticator
// records carry a signature counter that is enforced to be strictly
// increasing, detecting cloned credentials.
//
// Persistence is pluggable through the Store interface. A mutex-guarded
// in-memory store ships with the package for development and tests; the
// storage/sqlite package provides a durable implementation.
package passkey
