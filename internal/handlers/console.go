package handlers

import (
	"net/http"
	"strings"

	"github.com/KostasNoreika/claude-studio/internal/console"
)

// Console is wired by main before the router starts serving.
var Console *console.Hub

type consolePushRequest struct {
	Type      string `json:"type"` // "console:<level>"
	SessionID string `json:"sessionId,omitempty"`
	Level     string `json:"level"`
	Args      []any  `json:"args"`
	Timestamp int64  `json:"timestamp"`
	URL       string `json:"url"`
	Source    string `json:"source"`
}

// ConsolePush is the one-way fallback transport for captured console
// messages, used when the duplex channel is down.
func ConsolePush(w http.ResponseWriter, r *http.Request) {
	var req consolePushRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = r.Header.Get("X-Session-ID")
	}
	level := req.Level
	if level == "" {
		level = strings.TrimPrefix(req.Type, "console:")
	}
	if sessionID == "" || level == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{
			Error:      "bad_request",
			Message:    "sessionId and level are required.",
			StatusCode: http.StatusBadRequest,
		})
		return
	}

	Console.Publish(console.Message{
		SessionID: sessionID,
		Level:     level,
		Args:      req.Args,
		Timestamp: req.Timestamp,
		URL:       req.URL,
		Source:    req.Source,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
