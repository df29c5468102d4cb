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

package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestWithCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc-123")
	if got := GetCorrelationID(ctx); got != "abc-123" {
		t.Errorf("GetCorrelationID() = %q, want %q", got, "abc-123")
	}
}

func TestWithCorrelationID_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	ctx := WithCorrelationID(nil, "abc-123")
	if got := GetCorrelationID(ctx); got != "abc-123" {
		t.Errorf("GetCorrelationID() = %q, want %q", got, "abc-123")
	}
}

func TestGetCorrelationID_Missing(t *testing.T) {
	if got := GetCorrelationID(context.Background()); got != "" {
		t.Errorf("GetCorrelationID() = %q, want empty", got)
	}
	if got := GetCorrelationID(nil); got != "" { //nolint:staticcheck
		t.Errorf("GetCorrelationID(nil) = %q, want empty", got)
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("NewID() = %q, not a valid UUID: %v", id, err)
	}
	if NewID() == id {
		t.Error("NewID() returned the same ID twice")
	}
}

func TestGetOrGenerate(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "existing")
	if got := GetOrGenerate(ctx); got != "existing" {
		t.Errorf("GetOrGenerate() = %q, want %q", got, "existing")
	}

	generated := GetOrGenerate(context.Background())
	if _, err := uuid.Parse(generated); err != nil {
		t.Errorf("GetOrGenerate() = %q, not a valid UUID: %v", generated, err)
	}
}

func TestMiddleware_GeneratesID(t *testing.T) {
	var seen string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("context correlation ID %q is not a UUID: %v", seen, err)
	}
	if got := rec.Header().Get(CorrelationIDHeader); got != seen {
		t.Errorf("response header = %q, want %q", got, seen)
	}
}

func TestMiddleware_PropagatesClientID(t *testing.T) {
	var seen string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "client-supplied")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "client-supplied" {
		t.Errorf("context correlation ID = %q, want %q", seen, "client-supplied")
	}
	if got := rec.Header().Get(CorrelationIDHeader); got != "client-supplied" {
		t.Errorf("response header = %q, want %q", got, "client-supplied")
	}
}
