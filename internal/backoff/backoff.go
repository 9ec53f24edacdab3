// Package backoff computes capped exponential retry delays.
package backoff

import (
	"context"
	"time"
)

// Policy doubles Base for every attempt and never exceeds Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default starts at one second and caps at thirty.
var Default = Policy{Base: time.Second, Max: 30 * time.Second}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	base, maxDelay := p.Base, p.Max
	if base <= 0 {
		base = Default.Base
	}
	if maxDelay < base {
		maxDelay = base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
