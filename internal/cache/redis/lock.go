package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLua deletes the key only while it still holds the caller's token, so
// a holder whose lease expired cannot release the next holder's lock.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// renewLua pushes the expiry out under the same token check.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// minRenewTTL is the shortest lease worth renewing; shorter locks simply
// expire.
const minRenewTTL = 2 * time.Second

// LockManager implements domain.LockManager with SET NX leases. The executor
// takes one lock per trade request id around venue submission so two
// processes sharing a store never submit the same intent concurrently. While
// a lock is held its lease is renewed at half the TTL, so a slow venue call
// cannot outlive the claim.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
	renew   *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
		renew:   redis.NewScript(renewLua),
	}
}

func lockKey(key string) string {
	return "polyswarm:lock:" + key
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. The returned
// release func is idempotent and uses its own short context, so it works
// during shutdown.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	if ttl >= minRenewTTL {
		go lm.keepAlive(lk, token, ttl, stop, done)
	} else {
		close(done)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.release.Run(releaseCtx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// keepAlive renews the lease until stop closes or the token is gone.
func (lm *LockManager) keepAlive(lk, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/2)
			n, err := lm.renew.Run(ctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && n == 0 {
				// Lease lost; nothing left to renew.
				return
			}
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
