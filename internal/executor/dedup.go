package executor

import (
	"sync"
	"time"
)

// Dedup remembers request ids the engine has already claimed so replays are
// answered without a store round trip. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // request id -> claimed at
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup that forgets ids after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Claimed reports whether id was marked within the TTL window.
func (d *Dedup) Claimed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[id]
	return ok && time.Since(at) < d.ttl
}

// Mark records id as claimed now.
func (d *Dedup) Mark(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = time.Now()
}

// Cleanup removes expired entries. Called from the engine tick.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
