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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jeremyhahn/go-passkey/pkg/passkey"
	"github.com/jeremyhahn/go-passkey/pkg/passkey/metrics"
	"github.com/jeremyhahn/go-passkey/pkg/validation"
)

// Handler provides HTTP handlers for the passkey ceremonies.
// These handlers can be mounted on any HTTP router.
type Handler struct {
	service *passkey.Service
	logger  *slog.Logger
}

// NewHandler creates a new passkey HTTP handler.
func NewHandler(service *passkey.Service) *Handler {
	return &Handler{
		service: service,
		logger:  slog.Default(),
	}
}

// WithLogger sets a custom logger for the handler.
func (h *Handler) WithLogger(logger *slog.Logger) *Handler {
	h.logger = logger
	return h
}

// BeginCeremony handles POST /ceremony/begin
//
// Request body:
//
//	{
//	    "email": "user@example.com",
//	    "operation": "registration" // or "login"
//	}
//
// Response: {"operation": ..., "options": ...} where options is the
// WebAuthn creation or request options for the browser.
func (h *Handler) BeginCeremony(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
		return
	}

	var req BeginCeremonyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body")
		return
	}

	if err := validation.ValidateEmail(req.Email); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, err.Error())
		return
	}
	if !req.Operation.Valid() {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "operation must be \"registration\" or \"login\"")
		return
	}

	start := time.Now()
	options, err := h.service.BeginCeremony(r.Context(), req.Email, req.Operation)
	if err != nil {
		metrics.RecordCeremony(metrics.OpBegin, metrics.StatusError, time.Since(start).Seconds())
		h.handleServiceError(w, err)
		return
	}
	metrics.RecordCeremony(metrics.OpBegin, metrics.StatusSuccess, time.Since(start).Seconds())

	h.writeJSON(w, http.StatusOK, options)
}

// CompleteCeremony handles POST /ceremony/complete
//
// Request body:
//
//	{
//	    "email": "user@example.com",
//	    "operation": "registration", // or "login"
//	    "response": { ... }          // credential response from the browser
//	}
//
// Response: SessionResponse with token and user.
func (h *Handler) CompleteCeremony(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
		return
	}

	var req CompleteCeremonyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body")
		return
	}

	if err := validation.ValidateEmail(req.Email); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, err.Error())
		return
	}
	if !req.Operation.Valid() {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "operation must be \"registration\" or \"login\"")
		return
	}
	// A JSON body carrying "response": null decodes to the literal raw
	// message "null", not an empty one.
	if len(req.Response) == 0 || string(req.Response) == "null" {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "response is required")
		return
	}

	op := metrics.OpCompleteRegistration
	if req.Operation == passkey.OperationLogin {
		op = metrics.OpCompleteAuthentication
	}

	start := time.Now()
	session, err := h.service.CompleteCeremony(r.Context(), req.Email, req.Operation, req.Response)
	if err != nil {
		metrics.RecordCeremony(op, metrics.StatusError, time.Since(start).Seconds())
		if errors.Is(err, passkey.ErrVerificationFailed) {
			metrics.RecordVerificationFailure(op)
		}
		h.handleServiceError(w, err)
		return
	}
	metrics.RecordCeremony(op, metrics.StatusSuccess, time.Since(start).Seconds())

	h.writeJSON(w, http.StatusOK, SessionResponse{
		Token: session.Token,
		User:  session.User,
	})
}

// handleServiceError maps service errors to HTTP responses. The
// verification_failed message is deliberately generic; the cause is
// logged inside the service and never surfaces here.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, passkey.ErrAlreadyRegistered):
		h.writeError(w, http.StatusConflict, ErrorCodeAlreadyRegistered, "email is already registered")
	case errors.Is(err, passkey.ErrNotRegistered):
		h.writeError(w, http.StatusNotFound, ErrorCodeNotRegistered, "email is not registered")
	case errors.Is(err, passkey.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, ErrorCodeUserNotFound, "user not found")
	case errors.Is(err, passkey.ErrNoAuthenticators):
		h.writeError(w, http.StatusBadRequest, ErrorCodeNoAuthenticators, "user has no registered authenticators")
	case errors.Is(err, passkey.ErrNoPendingChallenge):
		h.writeError(w, http.StatusBadRequest, ErrorCodeNoPendingChallenge, "no pending challenge")
	case errors.Is(err, passkey.ErrAuthenticatorNotFound):
		h.writeError(w, http.StatusBadRequest, ErrorCodeUnknownCredential, "authenticator not found")
	case errors.Is(err, passkey.ErrInvalidOperation):
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid ceremony operation")
	case errors.Is(err, passkey.ErrVerificationFailed):
		h.writeError(w, http.StatusUnauthorized, ErrorCodeVerificationFailed, "verification failed")
	default:
		h.writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal server error")
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response headers already written, can only log the error
		h.logger.Error("failed to encode JSON response",
			"error", err,
			"status", status)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
