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
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTIssuer signs session tokens with an HMAC-SHA256 secret. It
// implements TokenIssuer.
type JWTIssuer struct {
	// secret is the HMAC signing key
	secret []byte
	// issuer is the JWT issuer claim
	issuer string
	// audience is the JWT audience claim
	audience []string
	// expiresIn is how long tokens are valid
	expiresIn time.Duration
	// clock supplies the current time
	clock func() time.Time
}

// JWTIssuerConfig contains configuration for the JWT issuer.
type JWTIssuerConfig struct {
	// Secret is the HMAC signing key (required, at least 32 bytes)
	Secret []byte
	// Issuer is the JWT issuer claim (default: "go-passkey")
	Issuer string
	// Audience is the JWT audience claim (default: ["go-passkey"])
	Audience []string
	// ExpiresIn is how long tokens are valid (default: 1 hour)
	ExpiresIn time.Duration
	// Clock overrides the time source, used in tests
	Clock func() time.Time
}

// NewJWTIssuer creates a new JWT issuer with the given configuration.
func NewJWTIssuer(config *JWTIssuerConfig) (*JWTIssuer, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if len(config.Secret) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes")
	}

	issuer := config.Issuer
	if issuer == "" {
		issuer = "go-passkey"
	}

	audience := config.Audience
	if len(audience) == 0 {
		audience = []string{"go-passkey"}
	}

	expiresIn := config.ExpiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	return &JWTIssuer{
		secret:    config.Secret,
		issuer:    issuer,
		audience:  audience,
		expiresIn: expiresIn,
		clock:     clock,
	}, nil
}

// Issue creates a signed JWT for the verified user.
func (g *JWTIssuer) Issue(ctx context.Context, user *User) (string, error) {
	if user == nil {
		return "", fmt.Errorf("user is required")
	}

	now := g.clock()

	claims := jwt.MapClaims{
		"iss": g.issuer,
		"aud": g.audience,
		"sub": user.ID,
		"iat": now.Unix(),
		"exp": now.Add(g.expiresIn).Unix(),
		"nbf": now.Unix(),
		// Custom claims
		"email": user.Email,
		"name":  user.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Verify parses and validates a token and returns its claims.
func (g *JWTIssuer) Verify(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	},
		jwt.WithIssuer(g.issuer),
		jwt.WithAudience(g.audience[0]),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	return claims, nil
}

// ExpiresIn returns the token expiration duration.
func (g *JWTIssuer) ExpiresIn() time.Duration {
	return g.expiresIn
}
