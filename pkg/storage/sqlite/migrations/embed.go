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

// Package migrations bundles the SQLite schema migrations so stores can
// apply them at startup without external files.
package migrations

import "embed"

// FS holds the numbered migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
