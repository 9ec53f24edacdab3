// Package strategy implements the agents that convert opportunities into
// sized trade requests.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// Config configures one strategy agent.
type Config struct {
	Name            string
	Types           []domain.OpportunityType
	MaxTradeUSD     float64
	MinTradeUSD     float64
	Capital         float64
	DecisionTimeout time.Duration
}

// Strategy sizes opportunities of its types into trade requests and tracks
// which requests are still waiting for a risk decision.
type Strategy struct {
	cfg      Config
	registry *Registry
	pub      bus.Publisher
	logger   *slog.Logger
	now      func() time.Time

	types map[domain.OpportunityType]bool

	mu            sync.Mutex
	allocationPct float64
	hasAllocation bool
	pending       map[string]time.Time
	seen          map[string]time.Time
	recent        []domain.TradeRequest
}

const recentLimit = 200

// New creates a strategy agent.
func New(cfg Config, registry *Registry, pub bus.Publisher, logger *slog.Logger) *Strategy {
	types := make(map[domain.OpportunityType]bool, len(cfg.Types))
	for _, t := range cfg.Types {
		types[t] = true
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 30 * time.Second
	}
	return &Strategy{
		cfg:      cfg,
		registry: registry,
		pub:      pub,
		logger:   logger.With(slog.String("component", "strategy"), slog.String("strategy", cfg.Name)),
		now:      time.Now,
		types:    types,
		pending:  make(map[string]time.Time),
		seen:     make(map[string]time.Time),
	}
}

func (s *Strategy) Name() string { return "strategy:" + s.cfg.Name }

func (s *Strategy) Subscriptions() []string {
	return []string{domain.ChannelOpportunities, domain.ChannelTradeDecisions, domain.ChannelAllocations}
}

func (s *Strategy) Handle(ctx context.Context, msg bus.Message) error {
	if opp, ok := bus.As[domain.Opportunity](msg); ok {
		return s.onOpportunity(ctx, opp)
	}
	if d, ok := bus.As[domain.TradeDecision](msg); ok {
		s.onDecision(d)
		return nil
	}
	if snap, ok := bus.As[domain.AllocationSnapshot](msg); ok {
		s.onAllocation(snap)
	}
	return nil
}

// Budget is the USD a single opportunity may use: the configured cap,
// scaled down by the latest allocation once one is known.
func (s *Strategy) Budget() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	budget := s.cfg.MaxTradeUSD
	if s.hasAllocation {
		budget = math.Min(budget, s.allocationPct*s.cfg.Capital)
	}
	return budget
}

func (s *Strategy) onOpportunity(ctx context.Context, opp domain.Opportunity) error {
	if !s.types[opp.Type] {
		return nil
	}
	now := s.now().UTC()
	s.mu.Lock()
	if _, dup := s.seen[opp.ID]; dup {
		s.mu.Unlock()
		return nil
	}
	s.seen[opp.ID] = now
	s.mu.Unlock()

	planner, err := s.registry.Get(opp.Type)
	if err != nil {
		return err
	}
	legs := planner.Plan(opp, s.Budget())
	for _, l := range legs {
		if l.Amount < s.cfg.MinTradeUSD {
			s.logger.Debug("opportunity below minimum trade size",
				slog.String("opportunity_id", opp.ID),
				slog.Float64("amount", l.Amount),
			)
			return nil
		}
	}

	for i, l := range legs {
		req := domain.TradeRequest{
			ID:            fmt.Sprintf("%s/leg-%d", opp.ID, i),
			OpportunityID: opp.ID,
			Strategy:      s.cfg.Name,
			MarketID:      opp.MarketID,
			Outcome:       l.Outcome,
			TokenID:       l.TokenID,
			Side:          domain.OrderSideBuy,
			Amount:        l.Amount,
			MaxPrice:      l.MaxPrice,
			ExpectedEdge:  l.ExpectedEdge,
			FeeRate:       l.FeeRate,
			MarketEndsAt:  opp.MarketEndsAt,
			CreatedAt:     now,
		}
		if err := s.pub.Publish(ctx, domain.ChannelTradeRequests, req); err != nil {
			return fmt.Errorf("strategy: publish request %s: %w", req.ID, err)
		}
		s.mu.Lock()
		s.pending[req.ID] = now
		s.recent = append(s.recent, req)
		if len(s.recent) > recentLimit {
			s.recent = s.recent[len(s.recent)-recentLimit:]
		}
		s.mu.Unlock()
		s.logger.Info("trade requested",
			slog.String("request_id", req.ID),
			slog.String("market_id", req.MarketID),
			slog.String("outcome", req.Outcome),
			slog.Float64("amount", req.Amount),
			slog.Float64("max_price", req.MaxPrice),
		)
	}
	return nil
}

func (s *Strategy) onDecision(d domain.TradeDecision) {
	s.mu.Lock()
	_, mine := s.pending[d.RequestID]
	delete(s.pending, d.RequestID)
	s.mu.Unlock()
	if !mine {
		return
	}
	if d.Approved {
		s.logger.Info("request approved", slog.String("request_id", d.RequestID))
	} else {
		s.logger.Info("request rejected",
			slog.String("request_id", d.RequestID),
			slog.String("rule", d.Rule),
			slog.String("reason", d.Reason),
		)
	}
}

func (s *Strategy) onAllocation(snap domain.AllocationSnapshot) {
	pct, ok := snap.Allocation(s.cfg.Name)
	if !ok {
		return
	}
	s.mu.Lock()
	s.allocationPct = pct
	s.hasAllocation = true
	s.mu.Unlock()
}

func (s *Strategy) TickInterval() time.Duration { return s.cfg.DecisionTimeout / 2 }

// Tick expires requests whose decision never arrived and forgets old
// opportunity ids.
func (s *Strategy) Tick(context.Context) error {
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sent := range s.pending {
		if now.Sub(sent) >= s.cfg.DecisionTimeout {
			delete(s.pending, id)
			s.logger.Warn("no decision before timeout", slog.String("request_id", id))
		}
	}
	for id, at := range s.seen {
		if now.Sub(at) >= time.Hour {
			delete(s.seen, id)
		}
	}
	return nil
}

// Pending returns the number of requests awaiting a decision.
func (s *Strategy) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RecentRequests returns up to limit requests, newest first.
func (s *Strategy) RecentRequests(limit int) []domain.TradeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]domain.TradeRequest, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out
}
