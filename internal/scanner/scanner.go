// Package scanner turns market and reference-price updates into
// fee-adjusted Opportunities.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
	"github.com/google/uuid"
)

// opportunityNamespace seeds the name-based opportunity ids.
var opportunityNamespace = uuid.MustParse("6f1c3f0e-2b7a-4d8e-9a51-7c0d7e3b9a10")

// Config holds the scanner's thresholds.
type Config struct {
	SumMargin   float64
	MinEdge     float64
	Volatility  float64
	MaxQuoteAge time.Duration
	Cooldown    time.Duration
	Fees        FeeModel
}

// Scanner is the agent that watches markets and oracle quotes.
type Scanner struct {
	cfg     Config
	pub     bus.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Owned by the agent goroutine; no locking needed.
	markets  map[string]domain.Market
	quotes   map[string]domain.OracleQuote
	strikes  map[string]float64
	lastEmit map[string]time.Time
}

// New creates a Scanner. m may be nil.
func New(cfg Config, pub bus.Publisher, m *metrics.Metrics, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:      cfg,
		pub:      pub,
		metrics:  m,
		logger:   logger.With(slog.String("component", "scanner")),
		markets:  make(map[string]domain.Market),
		quotes:   make(map[string]domain.OracleQuote),
		strikes:  make(map[string]float64),
		lastEmit: make(map[string]time.Time),
	}
}

func (s *Scanner) Name() string { return "scanner" }

func (s *Scanner) Subscriptions() []string {
	return []string{domain.ChannelMarkets, domain.ChannelOracle}
}

// Handle evaluates the rules affected by the update and publishes any
// opportunity that clears the minimum edge.
func (s *Scanner) Handle(ctx context.Context, msg bus.Message) error {
	var found []domain.Opportunity
	if m, ok := bus.As[domain.Market](msg); ok {
		found = s.OnMarket(m)
	} else if q, ok := bus.As[domain.OracleQuote](msg); ok {
		found = s.OnQuote(q)
	} else {
		s.logger.Warn("unexpected payload", slog.String("kind", msg.Kind))
		return nil
	}

	for _, opp := range found {
		if err := s.pub.Publish(ctx, domain.ChannelOpportunities, opp); err != nil {
			return fmt.Errorf("scanner: publish opportunity %s: %w", opp.ID, err)
		}
		s.metrics.Opportunity(string(opp.Type))
		s.logger.Info("opportunity detected",
			slog.String("id", opp.ID),
			slog.String("type", string(opp.Type)),
			slog.String("market_id", opp.MarketID),
			slog.Float64("gross_edge", opp.GrossEdge),
			slog.Float64("fees", opp.Fees),
			slog.Float64("expected_edge", opp.ExpectedEdge),
		)
	}
	return nil
}

// OnMarket records the snapshot and evaluates both rules for it.
func (s *Scanner) OnMarket(m domain.Market) []domain.Opportunity {
	if prev, ok := s.markets[m.ID]; ok && m.ObservedAt.Before(prev.ObservedAt) {
		return nil
	}
	s.markets[m.ID] = m
	if m.Underlying != "" && m.Strike == 0 {
		if _, ok := s.strikes[m.ID]; !ok {
			if q, ok := s.quotes[strings.ToUpper(m.Underlying)]; ok {
				s.strikes[m.ID] = q.Value
			}
		}
	}

	var out []domain.Opportunity
	if opp, ok := s.sumRule(m); ok {
		out = append(out, opp)
	}
	if opp, ok := s.oracleRule(m); ok {
		out = append(out, opp)
	}
	return out
}

// OnQuote keeps the freshest quote per symbol and re-evaluates the markets
// priced off it.
func (s *Scanner) OnQuote(q domain.OracleQuote) []domain.Opportunity {
	sym := strings.ToUpper(q.Symbol)
	if prev, ok := s.quotes[sym]; ok && !q.ObservedAt.After(prev.ObservedAt) {
		return nil
	}
	s.quotes[sym] = q

	var out []domain.Opportunity
	for id, m := range s.markets {
		if !strings.EqualFold(m.Underlying, sym) {
			continue
		}
		if m.Strike == 0 {
			if _, ok := s.strikes[id]; !ok {
				s.strikes[id] = q.Value
			}
		}
		if opp, ok := s.oracleRule(m); ok {
			out = append(out, opp)
		}
	}
	return out
}

// sumRule: buying one share of every outcome costs the price sum and pays
// exactly 1 at resolution.
func (s *Scanner) sumRule(m domain.Market) (domain.Opportunity, bool) {
	if len(m.Outcomes) < 2 {
		return domain.Opportunity{}, false
	}
	for _, o := range m.Outcomes {
		if o.Price <= 0 {
			return domain.Opportunity{}, false
		}
	}
	sum := m.PriceSum()
	if sum >= 1-s.cfg.SumMargin {
		return domain.Opportunity{}, false
	}

	feeBearing := s.cfg.Fees.FeeBearing(m.Title)
	gross := 1 - sum
	var fees float64
	legs := make([]domain.OpportunityLeg, 0, len(m.Outcomes))
	for _, o := range m.Outcomes {
		var rate float64
		if feeBearing {
			rate = s.cfg.Fees.Rate(o.Price)
		}
		fees += rate
		legs = append(legs, domain.OpportunityLeg{Outcome: o.Name, TokenID: o.TokenID, Price: o.Price, FeeRate: rate})
	}
	net := gross - fees
	if net < s.cfg.MinEdge {
		return domain.Opportunity{}, false
	}

	return s.emit(domain.Opportunity{
		Type:           domain.OpportunitySumMispricing,
		MarketID:       m.ID,
		MarketTitle:    m.Title,
		Legs:           legs,
		GrossEdge:      gross,
		Fees:           fees,
		ExpectedEdge:   net,
		SignalStrength: net / sum,
		Liquidity:      m.Liquidity,
		FeeBearing:     feeBearing,
		MarketEndsAt:   m.EndsAt,
		ObservedAt:     m.ObservedAt,
	})
}

// oracleRule compares the outcome prices with the probability implied by
// the reference price and buys whichever side is cheap.
func (s *Scanner) oracleRule(m domain.Market) (domain.Opportunity, bool) {
	if m.Underlying == "" || !m.Binary() || m.EndsAt.IsZero() {
		return domain.Opportunity{}, false
	}
	q, ok := s.quotes[strings.ToUpper(m.Underlying)]
	if !ok {
		return domain.Opportunity{}, false
	}
	observed := m.ObservedAt
	if q.ObservedAt.After(observed) {
		observed = q.ObservedAt
	}
	if s.cfg.MaxQuoteAge > 0 && observed.Sub(q.ObservedAt) > s.cfg.MaxQuoteAge {
		return domain.Opportunity{}, false
	}
	remaining := m.EndsAt.Sub(observed)
	if remaining <= 0 {
		return domain.Opportunity{}, false
	}
	strike := m.Strike
	if strike == 0 {
		strike = s.strikes[m.ID]
	}
	if strike <= 0 {
		return domain.Opportunity{}, false
	}

	yes, no := upDown(m)
	if yes.Price <= 0 || no.Price <= 0 {
		return domain.Opportunity{}, false
	}
	pUp := ProbabilityAbove(q.Value, strike, s.cfg.Volatility, remaining)

	leg, fair := yes, pUp
	if (1-pUp)-no.Price > pUp-yes.Price {
		leg, fair = no, 1-pUp
	}
	gross := fair - leg.Price
	if gross <= 0 {
		return domain.Opportunity{}, false
	}
	feeBearing := s.cfg.Fees.FeeBearing(m.Title)
	var fees float64
	if feeBearing {
		fees = s.cfg.Fees.Rate(leg.Price)
	}
	net := gross - fees
	if net < s.cfg.MinEdge {
		return domain.Opportunity{}, false
	}

	return s.emit(domain.Opportunity{
		Type:           domain.OpportunityOracleLag,
		MarketID:       m.ID,
		MarketTitle:    m.Title,
		Legs:           []domain.OpportunityLeg{{Outcome: leg.Name, TokenID: leg.TokenID, Price: leg.Price, FeeRate: fees}},
		GrossEdge:      gross,
		Fees:           fees,
		ExpectedEdge:   net,
		SignalStrength: fair,
		Liquidity:      m.Liquidity,
		FeeBearing:     feeBearing,
		MarketEndsAt:   m.EndsAt,
		ObservedAt:     observed,
	})
}

// upDown returns the "yes/up" and "no/down" outcomes of a binary market.
func upDown(m domain.Market) (domain.Outcome, domain.Outcome) {
	for i, o := range m.Outcomes {
		switch strings.ToLower(o.Name) {
		case "yes", "up":
			return o, m.Outcomes[1-i]
		case "no", "down":
			return m.Outcomes[1-i], o
		}
	}
	return m.Outcomes[0], m.Outcomes[1]
}

// emit assigns the stable id and applies the per-market cooldown.
func (s *Scanner) emit(opp domain.Opportunity) (domain.Opportunity, bool) {
	key := string(opp.Type) + "|" + opp.MarketID
	if last, ok := s.lastEmit[key]; ok && opp.ObservedAt.Sub(last) < s.cfg.Cooldown {
		return domain.Opportunity{}, false
	}
	s.lastEmit[key] = opp.ObservedAt
	opp.ID = OpportunityID(opp)
	return opp, true
}

// OpportunityID derives a deterministic id from what was observed, so the
// same observation always maps to the same id.
func OpportunityID(opp domain.Opportunity) string {
	var b strings.Builder
	b.WriteString(string(opp.Type))
	b.WriteByte('|')
	b.WriteString(opp.MarketID)
	for _, l := range opp.Legs {
		b.WriteByte('|')
		b.WriteString(l.Outcome)
	}
	b.WriteByte('|')
	b.WriteString(opp.ObservedAt.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(opportunityNamespace, []byte(b.String())).String()
}
