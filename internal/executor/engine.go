// Package executor drives the trade state machine: it pairs trade requests
// with risk decisions, claims each request id in the trade store before any
// order leaves the process, and publishes one result per terminal trade.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
)

// Config tunes the engine.
type Config struct {
	SubmitTimeout time.Duration
	LockTTL       time.Duration
	// PendingTTL bounds how long a request waits for its decision (and a
	// decision for its request) before being dropped.
	PendingTTL   time.Duration
	TickInterval time.Duration
}

// Deps are the engine's collaborators. Books, Locks and Audit are optional.
type Deps struct {
	Submitter Submitter
	Store     domain.TradeStore
	Books     BookSource
	Locks     domain.LockManager
	Audit     domain.AuditStore
	Publisher bus.Publisher
	Metrics   *metrics.Metrics
}

type pendingRequest struct {
	req domain.TradeRequest
	at  time.Time
}

type pendingDecision struct {
	d  domain.TradeDecision
	at time.Time
}

// Engine is the executor agent shared by paper and live trading.
type Engine struct {
	cfg    Config
	deps   Deps
	dedup  *Dedup
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	requests  map[string]pendingRequest
	decisions map[string]pendingDecision
	inflight  map[string]time.Time
}

// NewEngine creates an executor engine.
func NewEngine(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 5 * time.Minute
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		dedup:     NewDedup(24 * time.Hour),
		logger:    logger.With(slog.String("component", "executor"), slog.String("mode", deps.Submitter.Mode())),
		now:       time.Now,
		requests:  make(map[string]pendingRequest),
		decisions: make(map[string]pendingDecision),
		inflight:  make(map[string]time.Time),
	}
}

func (e *Engine) Name() string { return "executor" }

func (e *Engine) Subscriptions() []string {
	return []string{domain.ChannelTradeRequests, domain.ChannelTradeDecisions}
}

func (e *Engine) Handle(ctx context.Context, msg bus.Message) error {
	if req, ok := bus.As[domain.TradeRequest](msg); ok {
		return e.onRequest(ctx, req)
	}
	if d, ok := bus.As[domain.TradeDecision](msg); ok {
		return e.onDecision(ctx, d)
	}
	return nil
}

func (e *Engine) onRequest(ctx context.Context, req domain.TradeRequest) error {
	e.mu.Lock()
	pd, paired := e.decisions[req.ID]
	if paired {
		delete(e.decisions, req.ID)
	} else {
		e.requests[req.ID] = pendingRequest{req: req, at: e.now()}
	}
	e.mu.Unlock()
	if !paired {
		return nil
	}
	return e.execute(ctx, req, pd.d)
}

func (e *Engine) onDecision(ctx context.Context, d domain.TradeDecision) error {
	e.mu.Lock()
	pr, paired := e.requests[d.RequestID]
	if paired {
		delete(e.requests, d.RequestID)
	} else {
		e.decisions[d.RequestID] = pendingDecision{d: d, at: e.now()}
	}
	e.mu.Unlock()
	if !paired {
		return nil
	}
	return e.execute(ctx, pr.req, d)
}

func (e *Engine) claimed(id string) bool {
	if e.dedup.Claimed(id) {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

func (e *Engine) execute(ctx context.Context, req domain.TradeRequest, d domain.TradeDecision) error {
	log := e.logger.With(slog.String("request_id", req.ID), slog.String("strategy", req.Strategy))
	if e.claimed(req.ID) {
		log.InfoContext(ctx, "request already submitted or terminal, ignoring decision")
		return nil
	}

	now := e.now().UTC()
	rec := e.newRecord(req, now)

	if !d.Approved {
		return e.terminalWithoutSubmit(ctx, log, rec, domain.TradeStatusRejected, d.Reason, false)
	}
	if reason := e.precheck(ctx, req); reason != "" {
		return e.terminalWithoutSubmit(ctx, log, rec, domain.TradeStatusFailed, reason, true)
	}

	if err := transition(&rec, domain.TradeStatusSubmitted, now); err != nil {
		return err
	}
	if _, err := e.deps.Store.Insert(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			e.dedup.Mark(req.ID)
			log.InfoContext(ctx, "request already claimed in store, ignoring decision")
			return nil
		}
		return fmt.Errorf("executor: claim %s: %w", req.ID, err)
	}
	e.dedup.Mark(req.ID)
	e.mu.Lock()
	e.inflight[req.ID] = now
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, req.ID)
		e.mu.Unlock()
	}()

	if e.deps.Locks != nil {
		unlock, err := e.deps.Locks.Acquire(ctx, "trade:"+req.ID, e.cfg.LockTTL)
		if err != nil {
			// Nothing reached the venue: close the claim so the reservation
			// held for this request is released.
			log.WarnContext(ctx, "submit lock not acquired", slog.String("error", err.Error()))
			return e.finalize(ctx, log, rec, domain.TradeStatusFailed, "submit lock not acquired: "+err.Error())
		}
		defer unlock()
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	res, err := e.deps.Submitter.Submit(sctx, domain.OrderRequest{
		ClientID:   req.ID,
		TokenID:    req.TokenID,
		Side:       req.Side,
		AmountUSD:  req.Amount,
		PriceLimit: req.MaxPrice,
		FeeRate:    req.FeeRate,
	})
	cancel()

	status, reason := outcome(req, res, err)
	rec.ApplyFill(res)
	return e.finalize(ctx, log, rec, status, reason)
}

func (e *Engine) newRecord(req domain.TradeRequest, now time.Time) domain.TradeRecord {
	created := now
	if created.IsZero() {
		created = req.CreatedAt
	}
	return domain.TradeRecord{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		Strategy:     req.Strategy,
		MarketID:     req.MarketID,
		Outcome:      req.Outcome,
		TokenID:      req.TokenID,
		Side:         req.Side,
		Amount:       req.Amount,
		MaxPrice:     req.MaxPrice,
		ExpectedEdge: req.ExpectedEdge,
		FeeRate:      req.FeeRate,
		Status:       domain.TradeStatusPending,
		Paper:        e.deps.Submitter.Mode() == "paper",
		CreatedAt:    created,
		UpdatedAt:    now,
	}
}

// finalize moves a submitted record to its terminal status and reports it.
func (e *Engine) finalize(ctx context.Context, log *slog.Logger, rec domain.TradeRecord, status domain.TradeStatus, reason string) error {
	rec.Reason = reason
	if err := transition(&rec, status, e.now().UTC()); err != nil {
		return err
	}
	if err := e.deps.Store.Finalize(ctx, rec); err != nil {
		// The record stays submitted in the store and is never resubmitted.
		log.ErrorContext(ctx, "finalize trade failed", slog.String("trade_id", rec.ID), slog.String("error", err.Error()))
	}
	return e.report(ctx, log, rec)
}

func outcome(req domain.TradeRequest, res domain.OrderResult, err error) (domain.TradeStatus, string) {
	switch {
	case err != nil:
		return domain.TradeStatusFailed, err.Error()
	case res.Shares <= 0 || res.FilledUSD <= 0:
		return domain.TradeStatusFailed, "no fill at price limit"
	case res.Partial(req.Amount):
		return domain.TradeStatusPartiallyFilled, fmt.Sprintf("filled %.2f of %.2f", res.FilledUSD, req.Amount)
	}
	return domain.TradeStatusFilled, ""
}

// precheck returns a failure reason, or "" when the trade may be submitted.
// It never places anything on the venue.
func (e *Engine) precheck(ctx context.Context, req domain.TradeRequest) string {
	bal, err := e.deps.Submitter.Balance(ctx)
	if err != nil {
		return "balance unavailable: " + err.Error()
	}
	if bal < req.Amount {
		return fmt.Sprintf("insufficient balance: %.2f < %.2f", bal, req.Amount)
	}
	if e.deps.Books == nil {
		return ""
	}
	book, err := e.deps.Books.FetchOrderBook(ctx, req.TokenID)
	if err != nil {
		return "order book unavailable: " + err.Error()
	}
	if book.LiquidityUpTo(req.MaxPrice) <= 0 {
		return fmt.Sprintf("no liquidity at or below %.4f", req.MaxPrice)
	}
	return ""
}

// terminalWithoutSubmit records a trade that ends before reaching the venue.
func (e *Engine) terminalWithoutSubmit(ctx context.Context, log *slog.Logger, rec domain.TradeRecord, status domain.TradeStatus, reason string, publish bool) error {
	rec.Reason = reason
	if err := transition(&rec, status, e.now().UTC()); err != nil {
		return err
	}
	if _, err := e.deps.Store.Insert(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			e.dedup.Mark(rec.RequestID)
			log.InfoContext(ctx, "request already recorded, ignoring decision")
			return nil
		}
		return fmt.Errorf("executor: record %s: %w", rec.RequestID, err)
	}
	e.dedup.Mark(rec.RequestID)
	if !publish {
		e.deps.Metrics.Trade(string(rec.Status), e.deps.Submitter.Mode())
		log.InfoContext(ctx, "trade closed without submission",
			slog.String("status", string(rec.Status)),
			slog.String("reason", reason),
		)
		return nil
	}
	return e.report(ctx, log, rec)
}

// report publishes the result of a terminal trade and raises its alert.
func (e *Engine) report(ctx context.Context, log *slog.Logger, rec domain.TradeRecord) error {
	mode := e.deps.Submitter.Mode()
	e.deps.Metrics.Trade(string(rec.Status), mode)
	res := domain.ResultFromRecord(rec)

	attrs := []any{
		slog.String("trade_id", rec.ID),
		slog.String("status", string(rec.Status)),
		slog.Float64("filled_usd", rec.FilledUSD),
		slog.Float64("avg_price", rec.AvgPrice),
		slog.Float64("fees", rec.Fees),
	}
	alert := domain.Alert{
		ID:        "trade-" + rec.ID,
		Source:    e.Name(),
		CreatedAt: rec.UpdatedAt,
	}
	switch rec.Status {
	case domain.TradeStatusFailed:
		log.WarnContext(ctx, "trade failed", append(attrs, slog.String("reason", rec.Reason))...)
		alert.Severity = domain.SeverityError
		alert.Title = "Trade failed"
		alert.Message = fmt.Sprintf("%s %s %s: %s", mode, rec.MarketID, rec.Outcome, rec.Reason)
	case domain.TradeStatusCancelled:
		log.InfoContext(ctx, "trade cancelled", append(attrs, slog.String("reason", rec.Reason))...)
		alert.Severity = domain.SeverityInfo
		alert.Title = "Trade cancelled"
		alert.Message = fmt.Sprintf("%s %s %s: %s", mode, rec.MarketID, rec.Outcome, rec.Reason)
	default:
		log.InfoContext(ctx, "trade filled", attrs...)
		alert.Severity = domain.SeverityInfo
		alert.Title = "Trade " + string(rec.Status)
		alert.Message = fmt.Sprintf("%s %s %s: %.2f USD @ %.4f", mode, rec.MarketID, rec.Outcome, rec.FilledUSD, rec.AvgPrice)
	}

	if e.deps.Audit != nil {
		if err := e.deps.Audit.Log(ctx, "trade_"+string(rec.Status), map[string]any{
			"trade_id":   rec.ID,
			"request_id": rec.RequestID,
			"strategy":   rec.Strategy,
			"filled_usd": rec.FilledUSD,
			"fees":       rec.Fees,
			"paper":      rec.Paper,
		}); err != nil {
			log.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	if err := e.deps.Publisher.Publish(ctx, domain.ChannelTradeResults, res); err != nil {
		return fmt.Errorf("executor: publish result %s: %w", rec.RequestID, err)
	}
	if err := e.deps.Publisher.Publish(ctx, domain.ChannelAlerts, alert); err != nil {
		log.WarnContext(ctx, "publish trade alert failed", slog.String("error", err.Error()))
	}
	return nil
}

func transition(rec *domain.TradeRecord, to domain.TradeStatus, at time.Time) error {
	if !domain.CanTransition(rec.Status, to) {
		return fmt.Errorf("executor: %s %s -> %s: %w", rec.RequestID, rec.Status, to, domain.ErrInvalidTransition)
	}
	rec.Status = to
	rec.UpdatedAt = at
	return nil
}

// Rehydrate loads trades left submitted by a previous process. They are
// never resubmitted; each raises a warning so an operator can reconcile it
// with the venue.
func (e *Engine) Rehydrate(ctx context.Context) (int, error) {
	recs, err := e.deps.Store.Query(ctx, domain.TradeFilter{Statuses: []domain.TradeStatus{domain.TradeStatusSubmitted}})
	if err != nil {
		return 0, fmt.Errorf("executor: rehydrate: %w", err)
	}
	now := e.now()
	e.mu.Lock()
	for _, r := range recs {
		e.inflight[r.RequestID] = now
	}
	e.mu.Unlock()
	for _, r := range recs {
		e.dedup.Mark(r.RequestID)
		e.logger.WarnContext(ctx, "trade left submitted by previous run, excluded from submission",
			slog.String("request_id", r.RequestID),
			slog.String("trade_id", r.ID),
		)
		alert := domain.Alert{
			ID:        "stale-" + r.ID,
			Severity:  domain.SeverityWarning,
			Source:    e.Name(),
			Title:     "Unconfirmed trade after restart",
			Message:   fmt.Sprintf("trade %s (%s, %.2f USD) needs reconciliation", r.RequestID, r.MarketID, r.Amount),
			CreatedAt: now.UTC(),
		}
		if err := e.deps.Publisher.Publish(ctx, domain.ChannelAlerts, alert); err != nil {
			e.logger.WarnContext(ctx, "publish reconciliation alert failed", slog.String("error", err.Error()))
		}
	}
	return len(recs), nil
}

// InFlight returns the request ids currently held in submitted state.
func (e *Engine) InFlight() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) TickInterval() time.Duration { return e.cfg.TickInterval }

// Tick cancels requests that never received a decision and drops orphaned
// decisions.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.now()
	var expired []domain.TradeRequest
	e.mu.Lock()
	for id, p := range e.requests {
		if now.Sub(p.at) >= e.cfg.PendingTTL {
			expired = append(expired, p.req)
			delete(e.requests, id)
		}
	}
	for id, p := range e.decisions {
		if now.Sub(p.at) >= e.cfg.PendingTTL {
			delete(e.decisions, id)
			e.logger.WarnContext(ctx, "decision without request dropped", slog.String("request_id", id))
		}
	}
	e.mu.Unlock()
	e.dedup.Cleanup()

	for _, req := range expired {
		if e.claimed(req.ID) {
			continue
		}
		rec := e.newRecord(req, time.Time{})
		log := e.logger.With(slog.String("request_id", req.ID))
		// Published so a late approval's reservation is released.
		if err := e.terminalWithoutSubmit(ctx, log, rec, domain.TradeStatusCancelled, "no decision received", true); err != nil {
			return err
		}
	}
	return nil
}

// Flush reports requests still waiting for a decision at shutdown.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	n := len(e.requests)
	e.mu.Unlock()
	if n > 0 {
		e.logger.InfoContext(ctx, "stopping with undecided requests", slog.Int("count", n))
	}
	return nil
}
