package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/report"
)

// TradeHandler serves the trade report and the audit log.
type TradeHandler struct {
	trades domain.TradeStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler. audit may be nil.
func NewTradeHandler(trades domain.TradeStore, audit domain.AuditStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, audit: audit, logger: logger.With(slog.String("handler", "trades"))}
}

// Report returns matching trades with a per-strategy summary. Filters:
// status (comma separated), strategy, market, since, until, limit.
// GET /trades
func (h *TradeHandler) Report(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.TradeFilter{
		Strategy: q.Get("strategy"),
		MarketID: q.Get("market"),
		Limit:    parseLimit(r),
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, domain.TradeStatus(strings.TrimSpace(s)))
		}
	}
	var err error
	if f.Since, err = parseTime(r, "since"); err != nil {
		writeError(w, http.StatusBadRequest, "since: "+err.Error())
		return
	}
	if f.Until, err = parseTime(r, "until"); err != nil {
		writeError(w, http.StatusBadRequest, "until: "+err.Error())
		return
	}

	rep, err := report.Build(r.Context(), h.trades, f)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "trade report failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to query trades")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Audit lists audit entries newest first.
// GET /audit
func (h *TradeHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
