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

// Package validation provides centralized input validation for the
// passkey APIs. All public surfaces (HTTP, service layer) validate
// through these functions, preventing injection attacks across every
// entry point.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// emailPattern is a pragmatic address check: one @, non-empty local
// part, domain with at least one dot. Full RFC 5322 parsing rejects
// nothing an authenticator ceremony cares about and accepts plenty a
// user database should not.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// MaxEmailLength caps addresses at the RFC 5321 path limit.
const MaxEmailLength = 254

// ValidateEmail validates an account email address.
// Prevents injection and abuse by:
// - Rejecting empty strings
// - Rejecting null bytes and control characters
// - Enforcing the RFC 5321 length limit
// - Requiring a plausible local@domain.tld shape
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}

	// Check for null bytes (can bypass downstream checks)
	if strings.Contains(email, "\x00") {
		return fmt.Errorf("email contains null byte")
	}

	// Check length before the regexp (prevent ReDoS)
	if len(email) > MaxEmailLength {
		return fmt.Errorf("email too long (max %d characters)", MaxEmailLength)
	}

	// Check for control characters
	for _, r := range email {
		if r < 32 || r == 127 {
			return fmt.Errorf("email contains control characters")
		}
	}

	if !emailPattern.MatchString(email) {
		return fmt.Errorf("email is not a valid address")
	}

	return nil
}

// SanitizeForLog sanitizes a string for safe logging (prevents log injection).
func SanitizeForLog(s string) string {
	// Remove control characters and null bytes
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	// Limit length to prevent log flooding
	if len(s) > 1000 {
		s = s[:1000] + "...[truncated]"
	}

	return s
}
