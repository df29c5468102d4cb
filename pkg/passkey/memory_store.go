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
	"encoding/hex"
	"sync"
)

// MemoryStore is a mutex-guarded in-memory implementation of Store.
// Records are copied on every read and write, so callers never share
// state with the store. Transactions take the write lock for their whole
// duration and roll back by restoring a snapshot, which gives InTx full
// isolation and atomicity. Intended for development and testing.
type MemoryStore struct {
	mu sync.RWMutex
	s  memoryState
}

type memoryState struct {
	usersByID      map[string]*User
	userIDByEmail  map[string]string
	authsByCredID  map[string]*Authenticator
	credIDsByUser  map[string][]string
	pendingRegs    map[string]*PendingRegistration
	pendingAsserts map[string]*PendingAssertion
}

func newMemoryState() memoryState {
	return memoryState{
		usersByID:      make(map[string]*User),
		userIDByEmail:  make(map[string]string),
		authsByCredID:  make(map[string]*Authenticator),
		credIDsByUser:  make(map[string][]string),
		pendingRegs:    make(map[string]*PendingRegistration),
		pendingAsserts: make(map[string]*PendingAssertion),
	}
}

// clone copies the state maps. Stored records are immutable (writes
// always replace whole entries), so map-level copies are sufficient for
// snapshot and rollback.
func (st memoryState) clone() memoryState {
	next := memoryState{
		usersByID:      make(map[string]*User, len(st.usersByID)),
		userIDByEmail:  make(map[string]string, len(st.userIDByEmail)),
		authsByCredID:  make(map[string]*Authenticator, len(st.authsByCredID)),
		credIDsByUser:  make(map[string][]string, len(st.credIDsByUser)),
		pendingRegs:    make(map[string]*PendingRegistration, len(st.pendingRegs)),
		pendingAsserts: make(map[string]*PendingAssertion, len(st.pendingAsserts)),
	}
	for k, v := range st.usersByID {
		next.usersByID[k] = v
	}
	for k, v := range st.userIDByEmail {
		next.userIDByEmail[k] = v
	}
	for k, v := range st.authsByCredID {
		next.authsByCredID[k] = v
	}
	for k, v := range st.credIDsByUser {
		ids := make([]string, len(v))
		copy(ids, v)
		next.credIDsByUser[k] = ids
	}
	for k, v := range st.pendingRegs {
		next.pendingRegs[k] = v
	}
	for k, v := range st.pendingAsserts {
		next.pendingAsserts[k] = v
	}
	return next
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{s: newMemoryState()}
}

func credKey(credentialID []byte) string {
	return hex.EncodeToString(credentialID)
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Metadata != nil {
		c.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyAuthenticator(a *Authenticator) *Authenticator {
	if a == nil {
		return nil
	}
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// UserByEmail retrieves a user by email.
func (m *MemoryStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.userByEmail(email)
}

// UserByID retrieves a user by id.
func (m *MemoryStore) UserByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.userByID(id)
}

// CreateUser persists a new user row.
func (m *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.createUser(user)
}

// AuthenticatorsByUser retrieves all authenticators for a user.
func (m *MemoryStore) AuthenticatorsByUser(ctx context.Context, userID string) ([]*Authenticator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.authenticatorsByUser(userID)
}

// CreateAuthenticator persists a new authenticator record.
func (m *MemoryStore) CreateAuthenticator(ctx context.Context, auth *Authenticator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.createAuthenticator(auth)
}

// UpdateAuthenticator replaces an existing authenticator record.
func (m *MemoryStore) UpdateAuthenticator(ctx context.Context, auth *Authenticator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.updateAuthenticator(auth)
}

// UpsertPendingRegistration creates or overwrites the pending
// registration for its email.
func (m *MemoryStore) UpsertPendingRegistration(ctx context.Context, pending *PendingRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.upsertPendingRegistration(pending)
}

// PendingRegistrationByEmail retrieves the pending registration for an email.
func (m *MemoryStore) PendingRegistrationByEmail(ctx context.Context, email string) (*PendingRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.pendingRegistrationByEmail(email)
}

// DeletePendingRegistration removes the pending registration for an email.
func (m *MemoryStore) DeletePendingRegistration(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.deletePendingRegistration(email)
}

// UpsertPendingAssertion creates or overwrites the pending assertion for
// its user.
func (m *MemoryStore) UpsertPendingAssertion(ctx context.Context, pending *PendingAssertion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.upsertPendingAssertion(pending)
}

// PendingAssertionByUser retrieves the pending assertion for a user.
func (m *MemoryStore) PendingAssertionByUser(ctx context.Context, userID string) (*PendingAssertion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.pendingAssertionByUser(userID)
}

// DeletePendingAssertion removes the pending assertion for a user.
func (m *MemoryStore) DeletePendingAssertion(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.deletePendingAssertion(userID)
}

// InTx runs fn under the write lock against a transactional view. On
// error the pre-transaction snapshot is restored, so partial writes are
// never observable.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(&memoryTx{state: &m.s}); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// memoryTx exposes the locked state as a Store for use inside InTx.
type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) UserByEmail(ctx context.Context, email string) (*User, error) {
	return t.state.userByEmail(email)
}

func (t *memoryTx) UserByID(ctx context.Context, id string) (*User, error) {
	return t.state.userByID(id)
}

func (t *memoryTx) CreateUser(ctx context.Context, user *User) error {
	return t.state.createUser(user)
}

func (t *memoryTx) AuthenticatorsByUser(ctx context.Context, userID string) ([]*Authenticator, error) {
	return t.state.authenticatorsByUser(userID)
}

func (t *memoryTx) CreateAuthenticator(ctx context.Context, auth *Authenticator) error {
	return t.state.createAuthenticator(auth)
}

func (t *memoryTx) UpdateAuthenticator(ctx context.Context, auth *Authenticator) error {
	return t.state.updateAuthenticator(auth)
}

func (t *memoryTx) UpsertPendingRegistration(ctx context.Context, pending *PendingRegistration) error {
	return t.state.upsertPendingRegistration(pending)
}

func (t *memoryTx) PendingRegistrationByEmail(ctx context.Context, email string) (*PendingRegistration, error) {
	return t.state.pendingRegistrationByEmail(email)
}

func (t *memoryTx) DeletePendingRegistration(ctx context.Context, email string) error {
	return t.state.deletePendingRegistration(email)
}

func (t *memoryTx) UpsertPendingAssertion(ctx context.Context, pending *PendingAssertion) error {
	return t.state.upsertPendingAssertion(pending)
}

func (t *memoryTx) PendingAssertionByUser(ctx context.Context, userID string) (*PendingAssertion, error) {
	return t.state.pendingAssertionByUser(userID)
}

func (t *memoryTx) DeletePendingAssertion(ctx context.Context, userID string) error {
	return t.state.deletePendingAssertion(userID)
}

// InTx inside a transaction joins the enclosing one.
func (t *memoryTx) InTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (st *memoryState) userByEmail(email string) (*User, error) {
	id, ok := st.userIDByEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(st.usersByID[id]), nil
}

func (st *memoryState) userByID(id string) (*User, error) {
	user, ok := st.usersByID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(user), nil
}

func (st *memoryState) createUser(user *User) error {
	if _, ok := st.usersByID[user.ID]; ok {
		return ErrUserExists
	}
	if _, ok := st.userIDByEmail[user.Email]; ok {
		return ErrUserExists
	}
	st.usersByID[user.ID] = copyUser(user)
	st.userIDByEmail[user.Email] = user.ID
	return nil
}

func (st *memoryState) authenticatorsByUser(userID string) ([]*Authenticator, error) {
	keys := st.credIDsByUser[userID]
	result := make([]*Authenticator, 0, len(keys))
	for _, key := range keys {
		result = append(result, copyAuthenticator(st.authsByCredID[key]))
	}
	return result, nil
}

func (st *memoryState) createAuthenticator(auth *Authenticator) error {
	key := credKey(auth.CredentialID)
	if _, ok := st.authsByCredID[key]; ok {
		return ErrAuthenticatorExists
	}
	st.authsByCredID[key] = copyAuthenticator(auth)
	st.credIDsByUser[auth.UserID] = append(st.credIDsByUser[auth.UserID], key)
	return nil
}

func (st *memoryState) updateAuthenticator(auth *Authenticator) error {
	key := credKey(auth.CredentialID)
	if _, ok := st.authsByCredID[key]; !ok {
		return ErrAuthenticatorNotFound
	}
	st.authsByCredID[key] = copyAuthenticator(auth)
	return nil
}

func (st *memoryState) upsertPendingRegistration(pending *PendingRegistration) error {
	p := *pending
	st.pendingRegs[pending.Email] = &p
	return nil
}

func (st *memoryState) pendingRegistrationByEmail(email string) (*PendingRegistration, error) {
	pending, ok := st.pendingRegs[email]
	if !ok {
		return nil, ErrNoPendingChallenge
	}
	p := *pending
	return &p, nil
}

func (st *memoryState) deletePendingRegistration(email string) error {
	delete(st.pendingRegs, email)
	return nil
}

func (st *memoryState) upsertPendingAssertion(pending *PendingAssertion) error {
	p := *pending
	st.pendingAsserts[pending.UserID] = &p
	return nil
}

func (st *memoryState) pendingAssertionByUser(userID string) (*PendingAssertion, error) {
	pending, ok := st.pendingAsserts[userID]
	if !ok {
		return nil, ErrNoPendingChallenge
	}
	p := *pending
	return &p, nil
}

func (st *memoryState) deletePendingAssertion(userID string) error {
	delete(st.pendingAsserts, userID)
	return nil
}
