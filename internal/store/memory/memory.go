// Package memory provides in-process implementations of the persistence
// interfaces for paper trading without Postgres or Redis.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// TradeStore keeps trade records keyed by request id.
type TradeStore struct {
	mu   sync.RWMutex
	recs map[string]domain.TradeRecord
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{recs: make(map[string]domain.TradeRecord)}
}

// Insert claims rec.RequestID. It returns domain.ErrAlreadyExists when the id
// was claimed before.
func (s *TradeStore) Insert(_ context.Context, rec domain.TradeRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.RequestID]; ok {
		return "", domain.ErrAlreadyExists
	}
	s.recs[rec.RequestID] = rec
	return rec.ID, nil
}

// Finalize moves a submitted record to its terminal state. Terminal records
// are immutable.
func (s *TradeStore) Finalize(_ context.Context, rec domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[rec.RequestID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status.Terminal() || !domain.CanTransition(cur.Status, rec.Status) {
		return domain.ErrInvalidTransition
	}
	s.recs[rec.RequestID] = rec
	return nil
}

// Query returns matching records, newest first.
func (s *TradeStore) Query(_ context.Context, f domain.TradeFilter) ([]domain.TradeRecord, error) {
	s.mu.RLock()
	var out []domain.TradeRecord
	for _, r := range s.recs {
		if matches(r, f) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteBefore removes records created before the cutoff with one of the
// given statuses.
func (s *TradeStore) DeleteBefore(_ context.Context, before time.Time, statuses []domain.TradeStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.recs {
		if r.CreatedAt.Before(before) && (len(statuses) == 0 || slices.Contains(statuses, r.Status)) {
			delete(s.recs, id)
			n++
		}
	}
	return n, nil
}

func matches(r domain.TradeRecord, f domain.TradeFilter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if f.Strategy != "" && r.Strategy != f.Strategy {
		return false
	}
	if f.MarketID != "" && r.MarketID != f.MarketID {
		return false
	}
	if f.Since != nil && r.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !r.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

// StateStore keeps risk and allocation state in memory.
type StateStore struct {
	mu    sync.Mutex
	risk  *domain.RiskState
	alloc []domain.StrategyPerformance
}

// NewStateStore creates an empty StateStore.
func NewStateStore() *StateStore { return &StateStore{} }

func (s *StateStore) LoadRiskState(context.Context) (domain.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.risk == nil {
		return domain.RiskState{}, domain.ErrNotFound
	}
	return s.risk.Clone(), nil
}

func (s *StateStore) SaveRiskState(_ context.Context, st domain.RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := st.Clone()
	s.risk = &c
	return nil
}

func (s *StateStore) LoadAllocations(context.Context) ([]domain.StrategyPerformance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alloc == nil {
		return nil, domain.ErrNotFound
	}
	return slices.Clone(s.alloc), nil
}

func (s *StateStore) SaveAllocations(_ context.Context, perf []domain.StrategyPerformance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alloc = slices.Clone(perf)
	return nil
}

// Deduper remembers keys until their TTL passes.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewDeduper creates an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]time.Time), now: time.Now}
}

func (d *Deduper) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.seen[key] = now.Add(ttl)
	return false, nil
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]window), now: time.Now}
}

func (l *RateLimiter) Allow(_ context.Context, key string, limit int, per time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w := l.windows[key]
	if now.Sub(w.start) >= per {
		w = window{start: now}
	}
	w.count++
	l.windows[key] = w
	return w.count <= limit, nil
}

// AuditStore keeps audit entries in memory.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore { return &AuditStore{} }

func (a *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (a *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

var (
	_ domain.TradeStore      = (*TradeStore)(nil)
	_ domain.RiskStateStore  = (*StateStore)(nil)
	_ domain.AllocationStore = (*StateStore)(nil)
	_ domain.Deduper         = (*Deduper)(nil)
	_ domain.RateLimiter     = (*RateLimiter)(nil)
	_ domain.AuditStore      = (*AuditStore)(nil)
)
