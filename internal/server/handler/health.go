package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/agent"
)

// StatusSource reports every supervised agent.
type StatusSource interface {
	Statuses() []agent.Status
}

// HealthHandler serves liveness and agent status.
type HealthHandler struct {
	mode    string
	source  StatusSource
	started time.Time
}

// NewHealthHandler creates a HealthHandler. mode is "paper" or "live".
func NewHealthHandler(mode string, source StatusSource) *HealthHandler {
	return &HealthHandler{mode: mode, source: source, started: time.Now().UTC()}
}

// Healthz reports the process alive. It returns 503 once any agent is dead.
// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	for _, s := range h.source.Statuses() {
		if s.State == agent.StateDead {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Status lists every agent with its supervised state.
// GET /status
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"agents":         h.source.Statuses(),
	})
}
