// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package api is the HTTP admin surface: schedule CRUD, manual triggers,
// destination passthroughs, and health.
package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/ssewanyana/dhisync/internal/logging"
)

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError carries a stable machine-readable code plus a human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes used across the admin surface.
const (
	ErrCodeBadRequest   = "BAD_REQUEST"
	ErrCodeValidation   = "VALIDATION_FAILED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeUnreachable  = "SOURCE_UNREACHABLE"
	ErrCodeUpstream     = "UPSTREAM_ERROR"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Msg("Encoding API response failed")
	}
}

// WriteSuccess answers 200 with data.
func WriteSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

// WriteCreated answers 201 with data.
func WriteCreated(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: data})
}

// WriteNoContent answers 204.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteError answers with the given status and error body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{Success: false, Error: &APIError{Code: code, Message: message}})
}

// WriteValidationError answers 422 with per-field details.
func WriteValidationError(w http.ResponseWriter, message string, details any) {
	writeJSON(w, http.StatusUnprocessableEntity, APIResponse{
		Success: false,
		Error:   &APIError{Code: ErrCodeValidation, Message: message, Details: details},
	})
}
