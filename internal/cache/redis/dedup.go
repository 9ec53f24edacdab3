package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Deduper implements domain.Deduper with SET NX so that several processes
// consuming the same trade results count each one once.
type Deduper struct {
	rdb    *redis.Client
	prefix string
}

// NewDeduper creates a Deduper whose keys live under prefix.
func NewDeduper(c *Client, prefix string) *Deduper {
	return &Deduper{rdb: c.Underlying(), prefix: prefix}
}

// Seen marks key and reports whether it had been marked before.
func (d *Deduper) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, "polyswarm:seen:"+d.prefix+":"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup %s: %w", key, err)
	}
	return !ok, nil
}

var _ domain.Deduper = (*Deduper)(nil)
