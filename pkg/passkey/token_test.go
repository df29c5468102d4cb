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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestNewJWTIssuer_Validation(t *testing.T) {
	_, err := NewJWTIssuer(nil)
	assert.Error(t, err)

	_, err = NewJWTIssuer(&JWTIssuerConfig{Secret: []byte("short")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestJWTIssuer_Defaults(t *testing.T) {
	issuer, err := NewJWTIssuer(&JWTIssuerConfig{Secret: testSecret})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, issuer.ExpiresIn())
}

func TestJWTIssuer_IssueAndVerify(t *testing.T) {
	issuer, err := NewJWTIssuer(&JWTIssuerConfig{
		Secret:   testSecret,
		Issuer:   "passkey-test",
		Audience: []string{"passkey-test"},
	})
	require.NoError(t, err)

	user := &User{ID: "user-1", Email: "alice@example.com", Name: "Alice"}
	token, err := issuer.Issue(context.Background(), user)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "alice@example.com", claims["email"])
	assert.Equal(t, "Alice", claims["name"])
	assert.Equal(t, "passkey-test", claims["iss"])
}

func TestJWTIssuer_IssueRequiresUser(t *testing.T) {
	issuer, err := NewJWTIssuer(&JWTIssuerConfig{Secret: testSecret})
	require.NoError(t, err)

	_, err = issuer.Issue(context.Background(), nil)
	assert.Error(t, err)
}

func TestJWTIssuer_RejectsWrongSecret(t *testing.T) {
	issuer, err := NewJWTIssuer(&JWTIssuerConfig{Secret: testSecret})
	require.NoError(t, err)

	other, err := NewJWTIssuer(&JWTIssuerConfig{
		Secret: []byte("ffffffffffffffffffffffffffffffff"),
	})
	require.NoError(t, err)

	token, err := issuer.Issue(context.Background(), &User{ID: "user-1"})
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestJWTIssuer_RejectsExpiredToken(t *testing.T) {
	current := time.Now()
	issuer, err := NewJWTIssuer(&JWTIssuerConfig{
		Secret:    testSecret,
		ExpiresIn: time.Minute,
		Clock:     func() time.Time { return current },
	})
	require.NoError(t, err)

	token, err := issuer.Issue(context.Background(), &User{ID: "user-1"})
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	_, err = issuer.Verify(token)
	assert.Error(t, err)
}
