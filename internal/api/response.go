package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxBodyBytes caps request bodies; a full bulk request fits comfortably.
const maxBodyBytes = 10 << 20

// Pre-marshaled fallback for when a response cannot be encoded.
var fallbackErrorResponse = []byte(`{"success":false,"error":"Internal server error"}`)

// ValidationError reports a request field that failed validation. It is
// answered with 400 and nothing is enqueued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
}

// writeJSON marshals before writing headers so an encoding failure still
// produces a well-formed 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal JSON response", "error", err)
		data = fallbackErrorResponse
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeValidation answers 400 for a *ValidationError and 500 otherwise.
func writeValidation(w http.ResponseWriter, err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
		return
	}
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// decodeJSON reads a single JSON object into v. Unknown fields are
// ignored.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return invalid("", "request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return invalid("", "request body is empty")
		default:
			return invalid("", "invalid JSON: %v", err)
		}
	}
	return nil
}
