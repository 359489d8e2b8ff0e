package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/KostasNoreika/claude-studio/internal/preview"
)

// Preview is wired by main before the router starts serving.
var Preview *preview.Proxy

type configurePreviewRequest struct {
	SessionID string `json:"sessionId"`
	Port      int    `json:"port"`
}

// ConfigurePreview validates the requested port and pins the forwarding
// target for a session.
func ConfigurePreview(w http.ResponseWriter, r *http.Request) {
	var req configurePreviewRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := Preview.Configure(r.Context(), req.SessionID, req.Port)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PreviewForward proxies a request into the session's sandboxed service.
func PreviewForward(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	rest := chi.URLParam(r, "*")
	if err := Preview.Forward(w, r, sessionID, rest); err != nil {
		writeError(w, err)
	}
}
