package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/cache/redis"
	"github.com/alanyoungcy/polyswarm/internal/config"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/store/postgres"
)

// ErrNoSharedBus is returned when an operator command cannot reach a
// running process because the bus lives in that process's memory.
var ErrNoSharedBus = errors.New("app: control commands require bus.transport = \"redis\"")

// PublishControl sends an operator command to a running process over the
// shared Redis bus.
func PublishControl(ctx context.Context, cfg *config.Config, msg domain.ControlMessage, logger *slog.Logger) error {
	if cfg.Bus.Transport != "redis" || !cfg.Redis.Enabled {
		return ErrNoSharedBus
	}
	rc, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   1,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fmt.Errorf("app: control: %w", err)
	}
	defer rc.Close()

	if msg.IssuedAt.IsZero() {
		msg.IssuedAt = time.Now().UTC()
	}
	b := redis.NewStreamBus(rc, cfg.Bus.Block.Duration, logger)
	defer b.Close()
	if err := b.Publish(ctx, domain.ChannelControl, msg); err != nil {
		return fmt.Errorf("app: control: %w", err)
	}
	logger.InfoContext(ctx, "control message sent",
		slog.String("kind", string(msg.Kind)),
		slog.String("target", msg.Target),
	)
	return nil
}

// ErrNoTradeHistory is returned by OpenReportStores when Postgres is
// disabled: the in-memory store does not outlive the process.
var ErrNoTradeHistory = errors.New("app: trade history requires postgres.enabled")

// OpenReportStores connects to the durable trade and audit stores for
// offline reporting.
func OpenReportStores(ctx context.Context, cfg *config.Config) (domain.TradeStore, domain.AuditStore, func(), error) {
	if !cfg.Postgres.Enabled {
		return nil, nil, nil, ErrNoTradeHistory
	}
	pg, err := OpenPostgres(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return postgres.NewTradeStore(pg.Pool()), postgres.NewAuditStore(pg.Pool()), pg.Close, nil
}
