package domain

import (
	"context"
	"time"
)

// TradeFilter narrows a trade query. Zero values mean "no constraint".
type TradeFilter struct {
	Statuses []TradeStatus
	Strategy string
	MarketID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

// TradeStore persists trade records. Insert is the write-ahead claim on a
// request id and fails with ErrAlreadyExists when the id was claimed before.
type TradeStore interface {
	Insert(ctx context.Context, rec TradeRecord) (string, error)
	Finalize(ctx context.Context, rec TradeRecord) error
	Query(ctx context.Context, filter TradeFilter) ([]TradeRecord, error)
	DeleteBefore(ctx context.Context, before time.Time, statuses []TradeStatus) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// RiskStateStore keeps the guardian's state across restarts.
type RiskStateStore interface {
	LoadRiskState(ctx context.Context) (RiskState, error)
	SaveRiskState(ctx context.Context, s RiskState) error
}

// AllocationStore keeps the allocator's state across restarts.
type AllocationStore interface {
	LoadAllocations(ctx context.Context) ([]StrategyPerformance, error)
	SaveAllocations(ctx context.Context, perf []StrategyPerformance) error
}
