package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/realport/feedsync/internal/core"
)

// errorBody is the JSON envelope for error responses.
type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// WriteError writes a structured error response.
func WriteError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Details = details
	WriteJSON(w, status, body)
}

// WriteCoreError maps a domain error to its HTTP representation.
func WriteCoreError(w http.ResponseWriter, err error) {
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		WriteError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	WriteError(w, statusFor(coreErr.Code), coreErr.Code, coreErr.Message, coreErr.Details)
}

func statusFor(code string) int {
	switch code {
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict:
		return http.StatusConflict
	case core.ErrCodeFatalConfig:
		return http.StatusBadRequest
	case core.ErrCodeTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
