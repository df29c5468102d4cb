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
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-passkey/pkg/passkey"
)

// Config represents the complete server configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	TLS          TLSConfig          `yaml:"tls"`
	RelyingParty RelyingPartyConfig `yaml:"relying_party"`
	Token        TokenConfig        `yaml:"token"`
	Storage      StorageConfig      `yaml:"storage"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Health       HealthConfig       `yaml:"health"`
}

// ServerConfig contains server-level settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ReadTimeout and WriteTimeout bound each HTTP request.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TLSConfig controls TLS/SSL settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// MinVersion and MaxVersion bound the negotiated protocol
	// version ("TLS1.2" or "TLS1.3"). MinVersion defaults to TLS1.2.
	MinVersion string `yaml:"min_version"`
	MaxVersion string `yaml:"max_version"`
}

// RelyingPartyConfig contains WebAuthn Relying Party settings
type RelyingPartyConfig struct {
	ID          string   `yaml:"id"`
	DisplayName string   `yaml:"display_name"`
	Origins     []string `yaml:"origins"`

	// ChallengeTTL is how long an issued challenge stays valid.
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`

	UserVerification       string `yaml:"user_verification"`
	AttestationPreference  string `yaml:"attestation"`
	ResidentKeyRequirement string `yaml:"resident_key"`
}

// TokenConfig controls session token issuance
type TokenConfig struct {
	// Secret is the HMAC signing key. When empty no JWT issuer is
	// configured and sessions carry the base64 user id instead.
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  []string      `yaml:"audience"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

// StorageConfig controls the persistence backend
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, sqlite
	Path    string `yaml:"path"`    // sqlite database file
}

// RateLimitConfig controls per-client throttling of the ceremony API
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig controls the health check endpoint
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RelyingParty: RelyingPartyConfig{
			ID:          "localhost",
			DisplayName: "go-passkey",
			Origins:     []string{"http://localhost:8080"},
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled: true,
			Path:    "/healthz",
		},
	}
}

// Load reads configuration from a YAML file and applies environment
// variable overrides. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("PASSKEY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("PASSKEY_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Printf("Warning: invalid PASSKEY_PORT value %q, using default %d: %v",
				portStr, cfg.Server.Port, err)
		} else if port < 1 || port > 65535 {
			log.Printf("Warning: invalid PASSKEY_PORT value %q (out of range 1-65535), using default %d",
				portStr, cfg.Server.Port)
		} else {
			cfg.Server.Port = port
		}
	}

	if level := os.Getenv("PASSKEY_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("PASSKEY_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if rpID := os.Getenv("PASSKEY_RP_ID"); rpID != "" {
		cfg.RelyingParty.ID = rpID
	}
	if origins := os.Getenv("PASSKEY_RP_ORIGINS"); origins != "" {
		cfg.RelyingParty.Origins = strings.Split(origins, ",")
	}

	if secret := os.Getenv("PASSKEY_TOKEN_SECRET"); secret != "" {
		cfg.Token.Secret = secret
	}

	if backend := os.Getenv("PASSKEY_STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if path := os.Getenv("PASSKEY_STORAGE_PATH"); path != "" {
		cfg.Storage.Path = path
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}

	if c.RelyingParty.ID == "" {
		return fmt.Errorf("relying party id must be specified")
	}
	if len(c.RelyingParty.Origins) == 0 {
		return fmt.Errorf("at least one relying party origin must be specified")
	}

	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory or sqlite)", c.Storage.Backend)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("rate limit requests_per_minute must be at least 1")
	}

	if c.Token.Secret != "" && len(c.Token.Secret) < 32 {
		return fmt.Errorf("token secret must be at least 32 bytes")
	}

	return nil
}

// PasskeyConfig maps the relying party section onto the service
// configuration.
func (c *Config) PasskeyConfig() *passkey.Config {
	return &passkey.Config{
		RPID:                   c.RelyingParty.ID,
		RPDisplayName:          c.RelyingParty.DisplayName,
		RPOrigins:              c.RelyingParty.Origins,
		ChallengeTTL:           c.RelyingParty.ChallengeTTL,
		UserVerification:       c.RelyingParty.UserVerification,
		AttestationPreference:  c.RelyingParty.AttestationPreference,
		ResidentKeyRequirement: c.RelyingParty.ResidentKeyRequirement,
		Debug:                  strings.ToLower(c.Logging.Level) == "debug",
	}
}
