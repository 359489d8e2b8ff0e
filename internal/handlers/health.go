package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/orchestrator"
)

// Gateway and StartTime are wired by main before the router starts serving.
var (
	Gateway   orchestrator.Gateway
	StartTime = time.Now()
)

// HealthCheck reports service, runtime, and uptime status. The runtime ping
// runs through the circuit breaker like every other gateway call, so a
// tripped breaker shows up here as a disconnected runtime.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dockerStatus := "disconnected"
	if Gateway != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := Gateway.Ping(ctx); err == nil {
			dockerStatus = "connected"
		}
	}

	status := "healthy"
	if dockerStatus != "connected" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"docker": dockerStatus,
		"uptime": int64(time.Since(StartTime).Seconds()),
	})
}
