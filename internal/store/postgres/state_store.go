package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

const (
	riskStateKey  = "risk_guardian"
	allocationKey = "capital_allocator"
)

// StateStore keeps agent state as JSONB rows in agent_state, one row per
// owning agent.
type StateStore struct {
	db  DB
	now func() time.Time
}

// NewStateStore creates a StateStore over db.
func NewStateStore(db DB) *StateStore {
	return &StateStore{db: db, now: time.Now}
}

func (s *StateStore) LoadRiskState(ctx context.Context) (domain.RiskState, error) {
	var st domain.RiskState
	if err := s.load(ctx, riskStateKey, &st); err != nil {
		return domain.RiskState{}, err
	}
	return st, nil
}

func (s *StateStore) SaveRiskState(ctx context.Context, st domain.RiskState) error {
	return s.save(ctx, riskStateKey, st)
}

func (s *StateStore) LoadAllocations(ctx context.Context) ([]domain.StrategyPerformance, error) {
	var perf []domain.StrategyPerformance
	if err := s.load(ctx, allocationKey, &perf); err != nil {
		return nil, err
	}
	return perf, nil
}

func (s *StateStore) SaveAllocations(ctx context.Context, perf []domain.StrategyPerformance) error {
	return s.save(ctx, allocationKey, perf)
}

func (s *StateStore) load(ctx context.Context, name string, dst any) error {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT state FROM agent_state WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: load %s state: %w", name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("postgres: decode %s state: %w", name, err)
	}
	return nil
}

func (s *StateStore) save(ctx context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("postgres: encode %s state: %w", name, err)
	}
	const query = `INSERT INTO agent_state (name, state, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(ctx, query, name, raw, s.now().UTC()); err != nil {
		return fmt.Errorf("postgres: save %s state: %w", name, err)
	}
	return nil
}

var (
	_ domain.RiskStateStore  = (*StateStore)(nil)
	_ domain.AllocationStore = (*StateStore)(nil)
)
