package handlers

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/KostasNoreika/claude-studio/internal/config"
	"github.com/KostasNoreika/claude-studio/internal/session"
)

// Sessions is wired by main before the router starts serving.
var Sessions *session.Manager

type createContainerRequest struct {
	Image        string `json:"image"`
	WorkspaceDir string `json:"workspaceDir"`
	SessionID    string `json:"sessionId,omitempty"`
	ProjectName  string `json:"projectName,omitempty"`
}

type createContainerResponse struct {
	SessionID   string `json:"sessionId"`
	ContainerID string `json:"containerId"`
	Status      string `json:"status"`
}

// CreateContainer provisions a session over REST.
func CreateContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Image == "" {
		req.Image = config.Cfg.DefaultImage
	}

	info, err := Sessions.Create(r.Context(), session.CreateConfig{
		SessionID:    req.SessionID,
		Image:        req.Image,
		WorkspaceDir: req.WorkspaceDir,
		ProjectName:  req.ProjectName,
		ClientID:     clientID(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createContainerResponse{
		SessionID:   info.SessionID,
		ContainerID: info.ContainerID,
		Status:      string(info.Status),
	})
}

// GetContainer returns one session's info.
func GetContainer(w http.ResponseWriter, r *http.Request) {
	info, err := Sessions.Get(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListContainers returns all sessions.
func ListContainers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Sessions.List())
}

// DeleteContainer tears the session down; the entry survives unless the
// container removal is confirmed.
func DeleteContainer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := Sessions.Remove(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID, "status": "removed"})
}

// clientID keys the admission cap. RealIP middleware already resolved
// forwarded addresses.
func clientID(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
