package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	riskStateKey   = "polyswarm:state:risk"
	allocationsKey = "polyswarm:state:allocations"
)

// StateStore persists agent-owned state as JSON documents so a halt or the
// allocator's tallies survive a restart.
type StateStore struct {
	rdb *redis.Client
}

// NewStateStore creates a StateStore backed by the given Client.
func NewStateStore(c *Client) *StateStore {
	return &StateStore{rdb: c.Underlying()}
}

// LoadRiskState returns domain.ErrNotFound when nothing was saved yet.
func (s *StateStore) LoadRiskState(ctx context.Context) (domain.RiskState, error) {
	var st domain.RiskState
	if err := s.load(ctx, riskStateKey, &st); err != nil {
		return domain.RiskState{}, err
	}
	return st, nil
}

// SaveRiskState overwrites the stored risk state.
func (s *StateStore) SaveRiskState(ctx context.Context, st domain.RiskState) error {
	return s.save(ctx, riskStateKey, st)
}

// LoadAllocations returns domain.ErrNotFound when nothing was saved yet.
func (s *StateStore) LoadAllocations(ctx context.Context) ([]domain.StrategyPerformance, error) {
	var perf []domain.StrategyPerformance
	if err := s.load(ctx, allocationsKey, &perf); err != nil {
		return nil, err
	}
	return perf, nil
}

// SaveAllocations overwrites the stored allocator tallies.
func (s *StateStore) SaveAllocations(ctx context.Context, perf []domain.StrategyPerformance) error {
	return s.save(ctx, allocationsKey, perf)
}

func (s *StateStore) load(ctx context.Context, key string, dst any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis: load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return nil
}

func (s *StateStore) save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: save %s: %w", key, err)
	}
	return nil
}

var (
	_ domain.RiskStateStore  = (*StateStore)(nil)
	_ domain.AllocationStore = (*StateStore)(nil)
)
