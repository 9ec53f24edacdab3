package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polyswarm/internal/blob/s3"
	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/cache/redis"
	"github.com/alanyoungcy/polyswarm/internal/config"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/store/memory"
	"github.com/alanyoungcy/polyswarm/internal/store/postgres"
)

// Infra bundles the transport and persistence the agents share. Locks and
// Blob are nil when their backends are disabled.
type Infra struct {
	Bus       bus.Bus
	Trades    domain.TradeStore
	Audit     domain.AuditStore
	RiskState domain.RiskStateStore
	Allocs    domain.AllocationStore
	Deduper   domain.Deduper
	Locks     domain.LockManager
	Limiter   domain.RateLimiter
	Blob      *s3blob.Client
	Redis     *redis.Client
}

// Wire builds Infra from cfg. Postgres wins over Redis for agent state,
// and in-memory adapters fill every slot whose backend is disabled. The
// returned cleanup releases connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Infra, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Infra, func(), error) {
		cleanup()
		return nil, nil, err
	}

	state := memory.NewStateStore()
	infra := &Infra{
		Trades:    memory.NewTradeStore(),
		Audit:     memory.NewAuditStore(),
		RiskState: state,
		Allocs:    state,
		Deduper:   memory.NewDeduper(),
		Limiter:   memory.NewRateLimiter(),
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pg, err := OpenPostgres(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pg.Close)
		infra.Trades = postgres.NewTradeStore(pg.Pool())
		infra.Audit = postgres.NewAuditStore(pg.Pool())
		pgState := postgres.NewStateStore(pg.Pool())
		infra.RiskState, infra.Allocs = pgState, pgState
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		infra.Redis = rc
		infra.Locks = redis.NewLockManager(rc)
		infra.Limiter = redis.NewRateLimiter(rc)
		infra.Deduper = redis.NewDeduper(rc, "agents")
		if !cfg.Postgres.Enabled {
			rs := redis.NewStateStore(rc)
			infra.RiskState, infra.Allocs = rs, rs
		}
	}

	// --- Bus ---
	if cfg.Bus.Transport == "redis" {
		infra.Bus = redis.NewStreamBus(infra.Redis, cfg.Bus.Block.Duration, logger)
	} else {
		infra.Bus = bus.NewMemory(cfg.Bus.Buffer)
	}
	closers = append(closers, func() { _ = infra.Bus.Close() })

	// --- S3 ---
	if cfg.Archive.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		infra.Blob = sc
	}

	return infra, cleanup, nil
}

// OpenPostgres connects and applies migrations when configured. The
// report command uses it directly.
func OpenPostgres(ctx context.Context, cfg *config.Config) (*postgres.Client, error) {
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: postgres: %w", err)
	}
	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	return pg, nil
}
