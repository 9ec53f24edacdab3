// Package risk implements the guardian agent: it evaluates every trade
// request against ordered portfolio rules, carries filled positions at
// their current bid, and halts all trading when a loss limit is breached.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
)

// BookSource supplies order books for the slippage and liquidity rules.
type BookSource interface {
	FetchOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)
}

// Config configures the guardian.
type Config struct {
	Limits
	StartingCapital float64
	BookTimeout     time.Duration
	TickInterval    time.Duration
	// DecisionTTL bounds how long decided request ids are remembered for
	// duplicate suppression.
	DecisionTTL time.Duration
	// ReservationTTL releases exposure reserved for an approved request
	// whose result never arrived.
	ReservationTTL time.Duration
	// SettleBid is the bid at or above which an ended market's position is
	// settled as the winner.
	SettleBid float64
}

type decisionEntry struct {
	decision domain.TradeDecision
	at       time.Time
}

// Guardian is the only writer of the risk state.
type Guardian struct {
	cfg     Config
	rules   []Rule
	books   BookSource
	pub     bus.Publisher
	store   domain.RiskStateStore
	audit   domain.AuditStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	state   domain.RiskState
	decided map[string]decisionEntry
	applied map[string]time.Time
	// closed holds request ids whose result arrived before any
	// reservation was made for them.
	closed map[string]time.Time
}

// NewGuardian creates a guardian. store, audit and m may be nil.
func NewGuardian(cfg Config, books BookSource, pub bus.Publisher, store domain.RiskStateStore, audit domain.AuditStore, m *metrics.Metrics, logger *slog.Logger) *Guardian {
	if cfg.BookTimeout <= 0 {
		cfg.BookTimeout = 3 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.DecisionTTL <= 0 {
		cfg.DecisionTTL = 24 * time.Hour
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 24 * time.Hour
	}
	if cfg.SettleBid <= 0 || cfg.SettleBid > 1 {
		cfg.SettleBid = 0.99
	}
	g := &Guardian{
		cfg:     cfg,
		rules:   DefaultRules(cfg.Limits),
		books:   books,
		pub:     pub,
		store:   store,
		audit:   audit,
		metrics: m,
		logger:  logger.With(slog.String("component", "risk_guardian")),
		now:     time.Now,
		decided: make(map[string]decisionEntry),
		applied: make(map[string]time.Time),
		closed:  make(map[string]time.Time),
	}
	g.state = g.freshState()
	return g
}

func (g *Guardian) freshState() domain.RiskState {
	now := g.now().UTC()
	return domain.RiskState{
		PortfolioValue: g.cfg.StartingCapital,
		HighWaterMark:  g.cfg.StartingCapital,
		DayStartValue:  g.cfg.StartingCapital,
		Day:            dayOf(now),
		Exposure:       make(map[string]float64),
		Reservations:   make(map[string]domain.Reservation),
		Positions:      make(map[string]domain.Position),
		UpdatedAt:      now,
	}
}

func (g *Guardian) Name() string { return "risk_guardian" }

func (g *Guardian) Subscriptions() []string {
	return []string{domain.ChannelTradeRequests, domain.ChannelTradeResults, domain.ChannelControl}
}

// Start restores persisted state. A missing state starts from the configured
// capital.
func (g *Guardian) Start(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	st, err := g.store.LoadRiskState(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		g.logger.InfoContext(ctx, "no persisted risk state, starting fresh",
			slog.Float64("capital", g.cfg.StartingCapital))
		return nil
	}
	if err != nil {
		return fmt.Errorf("risk: load state: %w", err)
	}
	st = st.Clone()
	g.mu.Lock()
	g.state = st
	g.mu.Unlock()
	g.metrics.Risk(st.Halted, st.PortfolioValue)
	g.logger.InfoContext(ctx, "risk state restored",
		slog.Float64("portfolio_value", st.PortfolioValue),
		slog.Bool("halted", st.Halted),
		slog.Int("reservations", len(st.Reservations)),
		slog.Int("positions", len(st.Positions)),
	)
	return nil
}

func (g *Guardian) Handle(ctx context.Context, msg bus.Message) error {
	if req, ok := bus.As[domain.TradeRequest](msg); ok {
		return g.onRequest(ctx, req)
	}
	if res, ok := bus.As[domain.TradeResult](msg); ok {
		return g.onResult(ctx, res)
	}
	if c, ok := bus.As[domain.ControlMessage](msg); ok && c.Kind == domain.ControlClearHalt {
		return g.ClearHalt(ctx, c.IssuedBy)
	}
	return nil
}

// Snapshot returns a copy of the current risk state.
func (g *Guardian) Snapshot() domain.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Clone()
}

func (g *Guardian) onRequest(ctx context.Context, req domain.TradeRequest) error {
	g.mu.Lock()
	prev, dup := g.decided[req.ID]
	if r, held := g.state.Reservations[req.ID]; held && !dup {
		// Approved by a previous process; the reservation is the log entry.
		prev = decisionEntry{decision: domain.TradeDecision{RequestID: req.ID, Approved: true, DecidedAt: r.At}, at: r.At}
		dup = true
	}
	if dup {
		g.mu.Unlock()
		g.logger.DebugContext(ctx, "duplicate request answered from decision log", slog.String("request_id", req.ID))
		if err := g.pub.Publish(ctx, domain.ChannelTradeDecisions, prev.decision); err != nil {
			return fmt.Errorf("risk: republish decision %s: %w", req.ID, err)
		}
		return nil
	}
	g.mu.Unlock()

	book := g.fetchBook(ctx, req.TokenID)

	g.mu.Lock()
	now := g.now().UTC()
	g.rollover(now)
	verdict := Evaluate(g.rules, Input{Request: req, State: g.state, Book: book})
	decision := domain.TradeDecision{
		RequestID: req.ID,
		Approved:  verdict.Pass,
		Rule:      verdict.Rule,
		Reason:    verdict.Reason,
		DecidedAt: now,
	}
	g.decided[req.ID] = decisionEntry{decision: decision, at: now}
	if _, done := g.closed[req.ID]; verdict.Pass && !done {
		g.state.Exposure[req.MarketID] += req.Amount
		g.state.Reservations[req.ID] = domain.Reservation{
			MarketID: req.MarketID,
			TokenID:  req.TokenID,
			Amount:   req.Amount,
			EndsAt:   req.MarketEndsAt,
			At:       now,
		}
	}
	var haltNow bool
	if verdict.Halt && !g.state.Halted {
		g.setHalted(verdict.Reason, now)
		haltNow = true
	}
	g.state.UpdatedAt = now
	snap := g.state.Clone()
	g.mu.Unlock()

	g.metrics.Decision(decision.Approved, decision.Rule)
	if decision.Approved {
		g.logger.InfoContext(ctx, "request approved",
			slog.String("request_id", req.ID),
			slog.String("market_id", req.MarketID),
			slog.Float64("amount", req.Amount),
		)
	} else {
		g.logger.WarnContext(ctx, "request rejected",
			slog.String("request_id", req.ID),
			slog.String("rule", decision.Rule),
			slog.String("reason", decision.Reason),
		)
	}
	g.auditLog(ctx, "risk_decision", map[string]any{
		"request_id": req.ID,
		"strategy":   req.Strategy,
		"market_id":  req.MarketID,
		"amount":     req.Amount,
		"approved":   decision.Approved,
		"rule":       decision.Rule,
		"reason":     decision.Reason,
	})

	if haltNow {
		g.announceHalt(ctx, snap)
	}
	g.persist(ctx, snap)
	if err := g.pub.Publish(ctx, domain.ChannelTradeDecisions, decision); err != nil {
		return fmt.Errorf("risk: publish decision %s: %w", req.ID, err)
	}
	return nil
}

func (g *Guardian) fetchBook(ctx context.Context, tokenID string) *domain.OrderBook {
	if g.books == nil {
		return nil
	}
	bctx, cancel := context.WithTimeout(ctx, g.cfg.BookTimeout)
	defer cancel()
	book, err := g.books.FetchOrderBook(bctx, tokenID)
	if err != nil {
		g.logger.WarnContext(ctx, "order book unavailable",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return &book
}

func (g *Guardian) onResult(ctx context.Context, res domain.TradeResult) error {
	g.mu.Lock()
	if _, dup := g.applied[res.TradeID]; dup {
		g.mu.Unlock()
		return nil
	}
	now := g.now().UTC()
	g.applied[res.TradeID] = now
	g.rollover(now)

	r, reserved := g.state.Reservations[res.RequestID]
	if reserved {
		delete(g.state.Reservations, res.RequestID)
		g.addExposure(r.MarketID, res.FilledUSD-r.Amount)
	} else {
		g.closed[res.RequestID] = now
		g.addExposure(res.MarketID, res.FilledUSD)
	}

	delta := res.RealizedPnL
	if res.Shares > 0 {
		delta += g.openPosition(res, r.EndsAt, now)
	}
	g.applyPnL(delta)

	var haltNow bool
	if !g.state.Halted {
		if reason := g.breach(); reason != "" {
			g.setHalted(reason, now)
			haltNow = true
		}
	}
	g.state.UpdatedAt = now
	snap := g.state.Clone()
	g.mu.Unlock()

	g.metrics.Risk(snap.Halted, snap.PortfolioValue)
	g.logger.InfoContext(ctx, "trade result applied",
		slog.String("trade_id", res.TradeID),
		slog.String("status", string(res.Status)),
		slog.Float64("fees", res.Fees),
		slog.Float64("pnl", delta),
		slog.Float64("portfolio_value", snap.PortfolioValue),
	)
	if haltNow {
		g.announceHalt(ctx, snap)
	}
	g.persist(ctx, snap)
	return nil
}

// addExposure adjusts a market's committed exposure. Caller holds g.mu.
func (g *Guardian) addExposure(marketID string, usd float64) {
	if usd == 0 {
		return
	}
	g.state.Exposure[marketID] += usd
	if g.state.Exposure[marketID] <= 1e-9 {
		delete(g.state.Exposure, marketID)
	}
}

// openPosition adds filled shares to the strategy's position and returns
// the value change of re-marking the existing shares at the fill price.
// Caller holds g.mu.
func (g *Guardian) openPosition(res domain.TradeResult, endsAt, now time.Time) float64 {
	price := res.AvgPrice
	if price <= 0 {
		price = res.FilledUSD / res.Shares
	}
	key := domain.PositionKey(res.Strategy, res.TokenID)
	pos, ok := g.state.Positions[key]
	if !ok {
		pos = domain.Position{
			Strategy: res.Strategy,
			MarketID: res.MarketID,
			TokenID:  res.TokenID,
			Mark:     price,
		}
	}
	delta := pos.Shares * (price - pos.Mark)
	pos.Shares += res.Shares
	pos.Cost += res.FilledUSD
	pos.Fees += res.Fees
	pos.Mark = price
	pos.MarkedAt = now
	if !endsAt.IsZero() {
		pos.EndsAt = endsAt
	}
	g.state.Positions[key] = pos
	return delta
}

// applyPnL books a value change. Caller holds g.mu.
func (g *Guardian) applyPnL(delta float64) {
	g.state.PortfolioValue += delta
	g.state.DailyPnL += delta
	g.state.HighWaterMark = math.Max(g.state.HighWaterMark, g.state.PortfolioValue)
}

// breach reports the first loss limit the current state violates. Caller
// holds g.mu.
func (g *Guardian) breach() string {
	if loss := g.state.DailyLossPct(); loss >= g.cfg.DailyLossPct {
		return fmt.Sprintf("daily loss %.2f%% reached limit %.2f%%", loss*100, g.cfg.DailyLossPct*100)
	}
	if dd := g.state.Drawdown(); dd >= g.cfg.MaxDrawdownPct {
		return fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", dd*100, g.cfg.MaxDrawdownPct*100)
	}
	return ""
}

func (g *Guardian) setHalted(reason string, at time.Time) {
	g.state.Halted = true
	g.state.HaltReason = reason
	g.state.HaltedAt = at
}

// rollover starts a new trading day when the UTC date changed. Caller holds
// g.mu.
func (g *Guardian) rollover(now time.Time) {
	day := dayOf(now)
	if g.state.Day == day {
		return
	}
	g.state.Day = day
	g.state.DayStartValue = g.state.PortfolioValue
	g.state.DailyPnL = 0
}

// ClearHalt resumes trading. The loss baselines are rebased to the current
// portfolio value so the limits that caused the halt do not trip again at
// once.
func (g *Guardian) ClearHalt(ctx context.Context, by string) error {
	g.mu.Lock()
	if !g.state.Halted {
		g.mu.Unlock()
		return nil
	}
	now := g.now().UTC()
	reason := g.state.HaltReason
	g.state.Halted = false
	g.state.HaltReason = ""
	g.state.HaltedAt = time.Time{}
	g.state.HighWaterMark = g.state.PortfolioValue
	g.state.DayStartValue = g.state.PortfolioValue
	g.state.DailyPnL = 0
	g.state.UpdatedAt = now
	snap := g.state.Clone()
	g.mu.Unlock()

	g.metrics.Risk(false, snap.PortfolioValue)
	g.logger.WarnContext(ctx, "trading halt cleared",
		slog.String("previous_reason", reason),
		slog.String("issued_by", by),
	)
	g.auditLog(ctx, "halt_cleared", map[string]any{"previous_reason": reason, "issued_by": by})
	g.persist(ctx, snap)
	return g.pub.Publish(ctx, domain.ChannelControl, domain.ControlMessage{
		Kind:     domain.ControlHaltCleared,
		Reason:   reason,
		IssuedBy: g.Name(),
		IssuedAt: now,
	})
}

func (g *Guardian) announceHalt(ctx context.Context, st domain.RiskState) {
	g.metrics.Risk(true, st.PortfolioValue)
	g.logger.ErrorContext(ctx, "trading halted",
		slog.String("reason", st.HaltReason),
		slog.Float64("portfolio_value", st.PortfolioValue),
		slog.Float64("drawdown", st.Drawdown()),
	)
	g.auditLog(ctx, "halted", map[string]any{
		"reason":          st.HaltReason,
		"portfolio_value": st.PortfolioValue,
	})
	ctl := domain.ControlMessage{
		Kind:     domain.ControlHalted,
		Reason:   st.HaltReason,
		IssuedBy: g.Name(),
		IssuedAt: st.HaltedAt,
	}
	if err := g.pub.Publish(ctx, domain.ChannelControl, ctl); err != nil {
		g.logger.ErrorContext(ctx, "publish halt notice failed", slog.String("error", err.Error()))
	}
	alert := domain.Alert{
		ID:        "halt-" + st.HaltedAt.Format(time.RFC3339Nano),
		Severity:  domain.SeverityCritical,
		Source:    g.Name(),
		Title:     "Trading halted",
		Message:   st.HaltReason,
		CreatedAt: st.HaltedAt,
	}
	if err := g.pub.Publish(ctx, domain.ChannelAlerts, alert); err != nil {
		g.logger.ErrorContext(ctx, "publish halt alert failed", slog.String("error", err.Error()))
	}
}

func (g *Guardian) persist(ctx context.Context, st domain.RiskState) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveRiskState(ctx, st); err != nil {
		g.logger.ErrorContext(ctx, "persist risk state failed", slog.String("error", err.Error()))
	}
}

func (g *Guardian) auditLog(ctx context.Context, event string, detail map[string]any) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Log(ctx, event, detail); err != nil {
		g.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (g *Guardian) TickInterval() time.Duration { return g.cfg.TickInterval }

// Tick rolls the trading day, expires stale bookkeeping and marks open
// positions to their current bid.
func (g *Guardian) Tick(ctx context.Context) error {
	g.mu.Lock()
	now := g.now().UTC()
	before := g.state.Day
	g.rollover(now)
	rolled := before != g.state.Day
	for id, d := range g.decided {
		if now.Sub(d.at) >= g.cfg.DecisionTTL {
			delete(g.decided, id)
		}
	}
	for _, m := range []map[string]time.Time{g.applied, g.closed} {
		for id, at := range m {
			if now.Sub(at) >= g.cfg.DecisionTTL {
				delete(m, id)
			}
		}
	}
	var expired []string
	for id, r := range g.state.Reservations {
		if now.Sub(r.At) >= g.cfg.ReservationTTL {
			delete(g.state.Reservations, id)
			g.addExposure(r.MarketID, -r.Amount)
			expired = append(expired, id)
		}
	}
	snap := g.state.Clone()
	g.mu.Unlock()

	for _, id := range expired {
		g.logger.WarnContext(ctx, "reservation expired without a trade result", slog.String("request_id", id))
	}
	if rolled {
		g.logger.InfoContext(ctx, "new trading day", slog.String("day", snap.Day),
			slog.Float64("day_start_value", snap.DayStartValue))
	}
	marked, err := g.mark(ctx)
	if err != nil {
		return err
	}
	if !marked && (rolled || len(expired) > 0) {
		g.persist(ctx, g.Snapshot())
	}
	return nil
}

// mark revalues every open position at its token's best bid. A position
// whose market has ended is settled at 1 once its bid reaches SettleBid and
// at 0 once its book has no bids left. Positions whose book cannot be
// fetched keep their previous mark. Crossing a loss limit halts trading.
// It reports whether anything changed.
func (g *Guardian) mark(ctx context.Context) (bool, error) {
	g.mu.Lock()
	tokens := make(map[string]struct{})
	for _, p := range g.state.Positions {
		tokens[p.TokenID] = struct{}{}
	}
	g.mu.Unlock()
	if len(tokens) == 0 || g.books == nil {
		return false, nil
	}

	books := make(map[string]domain.OrderBook, len(tokens))
	for tok := range tokens {
		if b := g.fetchBook(ctx, tok); b != nil {
			books[tok] = *b
		}
	}

	g.mu.Lock()
	now := g.now().UTC()
	g.rollover(now)
	upd := domain.MarkUpdate{
		ID:  "mark-" + now.Format(time.RFC3339Nano),
		PnL: make(map[string]float64),
		At:  now,
	}
	var total float64
	for key, p := range g.state.Positions {
		book, ok := books[p.TokenID]
		if !ok {
			continue
		}
		price, settled := g.valuation(p, book, now)
		delta := p.Shares * (price - p.Mark)
		if delta != 0 {
			upd.PnL[p.Strategy] += delta
			total += delta
		}
		if settled {
			delete(g.state.Positions, key)
			g.addExposure(p.MarketID, -p.Cost)
			payout := p.Shares * price
			upd.Closed = append(upd.Closed, domain.ClosedPosition{
				Strategy: p.Strategy,
				MarketID: p.MarketID,
				TokenID:  p.TokenID,
				Payout:   payout,
				PnL:      payout - p.Cost - p.Fees,
			})
			continue
		}
		p.Mark = price
		p.MarkedAt = now
		g.state.Positions[key] = p
	}
	if total == 0 && len(upd.Closed) == 0 {
		g.mu.Unlock()
		return false, nil
	}
	g.applyPnL(total)
	var haltNow bool
	if !g.state.Halted {
		if reason := g.breach(); reason != "" {
			g.setHalted(reason, now)
			haltNow = true
		}
	}
	g.state.UpdatedAt = now
	upd.PortfolioValue = g.state.PortfolioValue
	snap := g.state.Clone()
	g.mu.Unlock()

	g.metrics.Risk(snap.Halted, snap.PortfolioValue)
	g.logger.InfoContext(ctx, "positions marked",
		slog.Float64("pnl", total),
		slog.Int("settled", len(upd.Closed)),
		slog.Int("open", len(snap.Positions)),
		slog.Float64("portfolio_value", snap.PortfolioValue),
	)
	if haltNow {
		g.announceHalt(ctx, snap)
	}
	g.persist(ctx, snap)
	if err := g.pub.Publish(ctx, domain.ChannelMarks, upd); err != nil {
		return true, fmt.Errorf("risk: publish mark: %w", err)
	}
	return true, nil
}

// valuation returns the price a position is carried at and whether it is
// settled.
func (g *Guardian) valuation(p domain.Position, book domain.OrderBook, now time.Time) (float64, bool) {
	bid := book.BestBid()
	ended := !p.EndsAt.IsZero() && !now.Before(p.EndsAt)
	switch {
	case ended && bid >= g.cfg.SettleBid:
		return 1, true
	case ended && bid <= 0:
		return 0, true
	case bid <= 0:
		return p.Mark, false
	}
	return bid, false
}

// Flush persists the final state.
func (g *Guardian) Flush(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	return g.store.SaveRiskState(ctx, g.Snapshot())
}

func dayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }
