package handler

import (
	"net/http"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// RiskSource exposes the guardian's current state.
type RiskSource interface {
	Snapshot() domain.RiskState
}

// AllocationSource exposes the allocator's latest snapshot.
type AllocationSource interface {
	Snapshot() domain.AllocationSnapshot
}

// StateHandler serves the guardian and allocator views.
type StateHandler struct {
	risk  RiskSource
	alloc AllocationSource
}

// NewStateHandler creates a StateHandler. Either source may be nil, in
// which case its endpoint answers 404.
func NewStateHandler(risk RiskSource, alloc AllocationSource) *StateHandler {
	return &StateHandler{risk: risk, alloc: alloc}
}

// Risk returns the guardian state with derived drawdown figures.
// GET /risk
func (h *StateHandler) Risk(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		writeError(w, http.StatusNotFound, "risk guardian not running")
		return
	}
	st := h.risk.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":          st,
		"drawdown":       st.Drawdown(),
		"daily_loss_pct": st.DailyLossPct(),
	})
}

// Allocations returns the latest allocation snapshot.
// GET /allocations
func (h *StateHandler) Allocations(w http.ResponseWriter, r *http.Request) {
	if h.alloc == nil {
		writeError(w, http.StatusNotFound, "allocator not running")
		return
	}
	writeJSON(w, http.StatusOK, h.alloc.Snapshot())
}
