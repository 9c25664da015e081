// Package api implements the HTTP API server for the document pipeline.
package api

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the error envelope. FieldErrors is set only for
// validation failures, keyed by dot-prefixed field path.
type ErrorResponse struct {
	Error       string              `json:"error"`
	FieldErrors map[string][]string `json:"fieldErrors,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes a plain error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteValidationFailed writes the structured per-field validation envelope.
func WriteValidationFailed(w http.ResponseWriter, fieldErrors map[string][]string) {
	WriteJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:       "Validation failed",
		FieldErrors: fieldErrors,
	})
}

// fieldError builds a single-field validation map.
func fieldError(path, message string) map[string][]string {
	return map[string][]string{path: {message}}
}
