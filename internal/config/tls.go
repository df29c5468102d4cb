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
	"crypto/tls"
	"fmt"
)

// LoadTLSConfig loads a tls.Config from the TLSConfig struct.
// Returns nil when TLS is disabled.
func (cfg *TLSConfig) LoadTLSConfig() (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	minVersion := uint16(tls.VersionTLS12)
	if cfg.MinVersion != "" {
		minVersion, err = parseTLSVersion(cfg.MinVersion)
		if err != nil {
			return nil, err
		}
	}

	// #nosec G402 - MinVersion is set via variable with TLS 1.2 default, gosec cannot detect this pattern
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}

	if cfg.MaxVersion != "" {
		maxVersion, err := parseTLSVersion(cfg.MaxVersion)
		if err != nil {
			return nil, err
		}
		tlsConfig.MaxVersion = maxVersion
	}

	return tlsConfig, nil
}

// parseTLSVersion converts a string to a tls version constant
func parseTLSVersion(version string) (uint16, error) {
	switch version {
	case "TLS1.2":
		return tls.VersionTLS12, nil
	case "TLS1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version: %s (must be TLS1.2 or TLS1.3)", version)
	}
}
