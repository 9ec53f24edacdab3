package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/backoff"
	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// streamMaxLen is the approximate maximum length for Redis streams, enforced
// via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// StreamBus implements bus.Bus on Redis Streams. Each channel is one stream;
// every subscriber runs its own XREAD cursor, so all subscribers see every
// entry in stream order. After a connection error the cursor resumes from the
// last delivered id.
type StreamBus struct {
	rdb     *redis.Client
	block   time.Duration
	retry   backoff.Policy
	logger  *slog.Logger
	closing chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

// NewStreamBus creates a StreamBus backed by the given Client.
func NewStreamBus(c *Client, block time.Duration, logger *slog.Logger) *StreamBus {
	if block <= 0 {
		block = time.Second
	}
	return &StreamBus{
		rdb:     c.Underlying(),
		block:   block,
		retry:   backoff.Policy{Base: 100 * time.Millisecond, Max: 10 * time.Second},
		logger:  logger.With(slog.String("component", "redis_bus")),
		closing: make(chan struct{}),
	}
}

func streamKey(channel string) string {
	return "bus:" + channel
}

// Publish appends the encoded message to the channel's stream.
func (sb *StreamBus) Publish(ctx context.Context, channel string, payload any) error {
	if sb.closed.Load() {
		return fmt.Errorf("redis: publish %s: %w", channel, domain.ErrBusClosed)
	}
	data, err := bus.Encode(bus.Message{
		ID:          uuid.NewString(),
		Channel:     channel,
		Kind:        bus.KindOf(payload),
		PublishedAt: time.Now().UTC(),
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: streamKey(channel),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": data,
		},
	}
	if err := sb.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts a cursor at the current tail of the channel's stream.
func (sb *StreamBus) Subscribe(ctx context.Context, channel string) (<-chan bus.Message, error) {
	if sb.closed.Load() {
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, domain.ErrBusClosed)
	}
	key := streamKey(channel)
	lastID, err := sb.tail(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan bus.Message, 128)
	go sb.readLoop(ctx, key, lastID, out)
	return out, nil
}

// tail returns the id of the newest entry, or "0-0" for an empty stream.
func (sb *StreamBus) tail(ctx context.Context, key string) (string, error) {
	entries, err := sb.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(entries) == 0 {
		return "0-0", nil
	}
	return entries[0].ID, nil
}

func (sb *StreamBus) readLoop(ctx context.Context, key, lastID string, out chan<- bus.Message) {
	defer close(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sb.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for ctx.Err() == nil {
		results, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   100,
			Block:   sb.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := sb.retry.Delay(attempt)
			sb.logger.Warn("stream read failed, retrying",
				slog.String("stream", key),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)
			if backoff.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		attempt = 0

		for _, s := range results {
			for _, entry := range s.Messages {
				msg, ok := sb.decode(key, entry)
				if ok {
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
				lastID = entry.ID
			}
		}
	}
}

func (sb *StreamBus) decode(key string, entry redis.XMessage) (bus.Message, bool) {
	var data []byte
	switch v := entry.Values["payload"].(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		sb.logger.Warn("stream entry without payload", slog.String("stream", key), slog.String("id", entry.ID))
		return bus.Message{}, false
	}
	msg, err := bus.Decode(data)
	if err != nil {
		sb.logger.Warn("undecodable stream entry",
			slog.String("stream", key),
			slog.String("id", entry.ID),
			slog.String("error", err.Error()),
		)
		return bus.Message{}, false
	}
	return msg, true
}

// Close stops every subscription. The underlying client is owned by the
// caller.
func (sb *StreamBus) Close() error {
	sb.once.Do(func() {
		sb.closed.Store(true)
		close(sb.closing)
	})
	return nil
}

var _ bus.Bus = (*StreamBus)(nil)
