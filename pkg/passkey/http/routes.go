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

package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountChi mounts the ceremony routes on a chi router.
//
// Example:
//
//	handler := passkeyhttp.NewHandler(svc)
//	r.Route("/api/v1", func(r chi.Router) {
//	    passkeyhttp.MountChi(r, handler)
//	})
func MountChi(r chi.Router, h *Handler) {
	r.Post("/ceremony/begin", h.BeginCeremony)
	r.Post("/ceremony/complete", h.CompleteCeremony)
}

// MountStdlib mounts the ceremony routes on a stdlib http.ServeMux.
// The prefix should not include a trailing slash.
//
// Example:
//
//	handler := passkeyhttp.NewHandler(svc)
//	passkeyhttp.MountStdlib(mux, "/api/v1", handler)
func MountStdlib(mux *http.ServeMux, prefix string, h *Handler) {
	mux.HandleFunc(prefix+"/ceremony/begin", h.BeginCeremony)
	mux.HandleFunc(prefix+"/ceremony/complete", h.CompleteCeremony)
}

// RouteEntry represents a single route with its method, path, and handler.
type RouteEntry struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Routes returns a slice of route entries for manual mounting.
// Useful for routers not directly supported.
func (h *Handler) Routes() []RouteEntry {
	return []RouteEntry{
		{Method: "POST", Path: "/ceremony/begin", Handler: h.BeginCeremony},
		{Method: "POST", Path: "/ceremony/complete", Handler: h.CompleteCeremony},
	}
}
