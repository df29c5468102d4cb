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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.True(t, cfg.Health.Enabled)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9443
logging:
  level: debug
  format: json
relying_party:
  id: example.com
  display_name: Example Corp
  origins:
    - https://example.com
  challenge_ttl: 90s
token:
  secret: 0123456789abcdef0123456789abcdef
  issuer: example
  expires_in: 30m
storage:
  backend: sqlite
  path: /var/lib/passkey/passkey.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "example.com", cfg.RelyingParty.ID)
	assert.Equal(t, 90*time.Second, cfg.RelyingParty.ChallengeTTL)
	assert.Equal(t, 30*time.Minute, cfg.Token.ExpiresIn)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)

	// Unset sections keep their defaults.
	assert.Equal(t, "/healthz", cfg.Health.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
relying_party:
  id: example.com
  origins:
    - https://example.com
`)

	t.Setenv("PASSKEY_PORT", "9999")
	t.Setenv("PASSKEY_LOG_LEVEL", "warn")
	t.Setenv("PASSKEY_RP_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.RelyingParty.Origins)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"tls without cert", func(c *Config) { c.TLS.Enabled = true }, "cert_file is required"},
		{"missing rp id", func(c *Config) { c.RelyingParty.ID = "" }, "relying party id"},
		{"missing origins", func(c *Config) { c.RelyingParty.Origins = nil }, "origin"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "postgres" }, "invalid storage backend"},
		{"sqlite without path", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage path is required"},
		{"short token secret", func(c *Config) { c.Token.Secret = "short" }, "token secret"},
		{"rate limit without rate", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.RequestsPerMinute = 0
		}, "requests_per_minute"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPasskeyConfig(t *testing.T) {
	cfg := Default()
	cfg.RelyingParty.ID = "example.com"
	cfg.RelyingParty.DisplayName = "Example Corp"
	cfg.RelyingParty.ChallengeTTL = 90 * time.Second
	cfg.Logging.Level = "debug"

	pc := cfg.PasskeyConfig()
	assert.Equal(t, "example.com", pc.RPID)
	assert.Equal(t, "Example Corp", pc.RPDisplayName)
	assert.Equal(t, 90*time.Second, pc.ChallengeTTL)
	assert.True(t, pc.Debug)
}
