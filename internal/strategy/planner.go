package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// Leg is one order a Planner wants placed.
type Leg struct {
	Outcome      string
	TokenID      string
	Amount       float64 // USD
	MaxPrice     float64
	ExpectedEdge float64 // per share, price units
	FeeRate      float64 // per share, price units
}

// Planner turns an opportunity and a USD budget into legs.
type Planner interface {
	Plan(opp domain.Opportunity, budget float64) []Leg
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(opp domain.Opportunity, budget float64) []Leg

func (f PlannerFunc) Plan(opp domain.Opportunity, budget float64) []Leg { return f(opp, budget) }

// Registry maps opportunity types to planners. It is safe for concurrent
// use.
type Registry struct {
	mu       sync.RWMutex
	planners map[domain.OpportunityType]Planner
}

// NewRegistry returns a registry with the built-in planners.
func NewRegistry() *Registry {
	r := &Registry{planners: make(map[domain.OpportunityType]Planner)}
	r.Register(domain.OpportunitySumMispricing, PlannerFunc(planBasket))
	r.Register(domain.OpportunityOracleLag, PlannerFunc(planSingle))
	return r
}

// Register adds or replaces the planner for a type.
func (r *Registry) Register(t domain.OpportunityType, p Planner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planners[t] = p
}

// Get returns the planner for a type.
func (r *Registry) Get(t domain.OpportunityType) (Planner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.planners[t]
	if !ok {
		return nil, fmt.Errorf("strategy: no planner for %q", t)
	}
	return p, nil
}

// Types lists registered types in sorted order.
func (r *Registry) Types() []domain.OpportunityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.OpportunityType, 0, len(r.planners))
	for t := range r.planners {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// planBasket buys the same number of shares of every outcome so the basket
// pays 1 per share whatever resolves. The net edge is apportioned to each
// leg by its share of the basket cost.
func planBasket(opp domain.Opportunity, budget float64) []Leg {
	var cost float64
	for _, l := range opp.Legs {
		cost += l.Price
	}
	if cost <= 0 || budget <= 0 {
		return nil
	}
	shares := budget / cost
	legs := make([]Leg, 0, len(opp.Legs))
	for _, l := range opp.Legs {
		legs = append(legs, Leg{
			Outcome:      l.Outcome,
			TokenID:      l.TokenID,
			Amount:       shares * l.Price,
			MaxPrice:     l.Price,
			ExpectedEdge: opp.ExpectedEdge * l.Price / cost,
			FeeRate:      l.FeeRate,
		})
	}
	return legs
}

// planSingle spends the whole budget on the one mispriced outcome.
func planSingle(opp domain.Opportunity, budget float64) []Leg {
	if len(opp.Legs) != 1 || budget <= 0 {
		return nil
	}
	l := opp.Legs[0]
	return []Leg{{
		Outcome:      l.Outcome,
		TokenID:      l.TokenID,
		Amount:       budget,
		MaxPrice:     l.Price,
		ExpectedEdge: opp.ExpectedEdge,
		FeeRate:      l.FeeRate,
	}}
}
