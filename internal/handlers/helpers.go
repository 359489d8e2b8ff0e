// Package handlers exposes the REST and WebSocket surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KostasNoreika/claude-studio/internal/errdefs"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// writeError classifies err and renders the envelope with a status derived
// from the error code. Raw daemon text never reaches the caller.
func writeError(w http.ResponseWriter, err error) {
	var ce errdefs.ContainerError
	if !errors.As(errdefs.Classify(err), &ce) {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{
			Error:      string(errdefs.CodeExecution),
			Message:    "An unexpected error occurred.",
			StatusCode: http.StatusInternalServerError,
		})
		return
	}

	status := statusFor(ce.Code())
	writeJSON(w, status, errorEnvelope{
		Error:      string(ce.Code()),
		Message:    ce.UserMessage(),
		Retryable:  ce.Retryable(),
		StatusCode: status,
	})
}

func statusFor(code errdefs.Code) int {
	switch code {
	case errdefs.CodeNotFound:
		return http.StatusNotFound
	case errdefs.CodePolicy:
		return http.StatusBadRequest
	case errdefs.CodeState:
		return http.StatusConflict
	case errdefs.CodeRateLimit:
		return http.StatusTooManyRequests
	case errdefs.CodeDaemon:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{
			Error:      "bad_request",
			Message:    "Request body is not valid JSON.",
			StatusCode: http.StatusBadRequest,
		})
		return false
	}
	return true
}
