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
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		RPID:          "example.com",
		RPDisplayName: "Example Corp",
		RPOrigins:     []string{"https://example.com"},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing rp id", func(c *Config) { c.RPID = "" }, "RPID is required"},
		{"missing display name", func(c *Config) { c.RPDisplayName = "" }, "RPDisplayName is required"},
		{"missing origins", func(c *Config) { c.RPOrigins = nil }, "at least one RPOrigin is required"},
		{"negative ttl", func(c *Config) { c.ChallengeTTL = -time.Second }, "challenge TTL must not be negative"},
		{"bad user verification", func(c *Config) { c.UserVerification = "always" }, "invalid user verification"},
		{"bad attestation", func(c *Config) { c.AttestationPreference = "full" }, "invalid attestation preference"},
		{"bad resident key", func(c *Config) { c.ResidentKeyRequirement = "yes" }, "invalid resident key requirement"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.SetDefaults()

	assert.Equal(t, 120*time.Second, cfg.ChallengeTTL)
	assert.Equal(t, "preferred", cfg.UserVerification)
	assert.Equal(t, "indirect", cfg.AttestationPreference)
	assert.Equal(t, "discouraged", cfg.ResidentKeyRequirement)
}

func TestConfig_SetDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := validConfig()
	cfg.ChallengeTTL = 30 * time.Second
	cfg.UserVerification = "required"
	cfg.SetDefaults()

	assert.Equal(t, 30*time.Second, cfg.ChallengeTTL)
	assert.Equal(t, "required", cfg.UserVerification)
}

func TestConfig_ToWebAuthnConfig(t *testing.T) {
	cfg := validConfig()
	cfg.SetDefaults()

	wc := cfg.ToWebAuthnConfig()
	assert.Equal(t, "example.com", wc.RPID)
	assert.Equal(t, "Example Corp", wc.RPDisplayName)
	assert.Equal(t, []string{"https://example.com"}, wc.RPOrigins)
	assert.Equal(t, protocol.PreferIndirectAttestation, wc.AttestationPreference)
	assert.Equal(t, protocol.VerificationPreferred, wc.AuthenticatorSelection.UserVerification)
	assert.Equal(t, protocol.ResidentKeyRequirementDiscouraged, wc.AuthenticatorSelection.ResidentKey)

	assert.True(t, wc.Timeouts.Registration.Enforce)
	assert.Equal(t, 120*time.Second, wc.Timeouts.Registration.Timeout)
	assert.True(t, wc.Timeouts.Login.Enforce)
	assert.Equal(t, 120*time.Second, wc.Timeouts.Login.Timeout)
}
