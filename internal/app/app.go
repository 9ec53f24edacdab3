// Package app wires configuration into running agents. It owns the
// lifecycle of every backend connection and hands the agent set to the
// orchestrator.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyswarm/internal/agent"
	"github.com/alanyoungcy/polyswarm/internal/backoff"
	"github.com/alanyoungcy/polyswarm/internal/config"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
	"github.com/alanyoungcy/polyswarm/internal/orchestrator"
	"github.com/alanyoungcy/polyswarm/internal/server"
	"github.com/alanyoungcy/polyswarm/internal/server/handler"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires every dependency, starts the agents and the optional HTTP API,
// and blocks until ctx is cancelled or either side fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("feed", a.cfg.Feed.Source),
		slog.String("bus", a.cfg.Bus.Transport),
	)

	infra, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if infra.Blob != nil {
		if err := infra.Blob.Health(ctx); err != nil {
			return fmt.Errorf("app: archive bucket: %w", err)
		}
	}

	vs, err := WireVenue(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire venue: %w", err)
	}

	m := metrics.New()
	rt := agent.NewRuntime(infra.Bus, agent.Config{
		MaxFailures:   a.cfg.Runtime.MaxFailures,
		Backoff:       backoff.Policy{Base: a.cfg.Runtime.BackoffBase.Duration, Max: a.cfg.Runtime.BackoffMax.Duration},
		ResetAfter:    a.cfg.Runtime.ResetAfter.Duration,
		HandleTimeout: a.cfg.Runtime.HandleTimeout.Duration,
		FlushTimeout:  a.cfg.Runtime.FlushTimeout.Duration,
	}, m, a.logger)

	agents, err := BuildAgents(a.cfg, infra, vs, m, a.logger)
	if err != nil {
		return fmt.Errorf("app: build agents: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Live:          a.cfg.Live(),
		Credentials:   vs.Credentials,
		MinBalanceUSD: a.cfg.Orchestrator.MinBalanceUSD,
		PIDFile:       a.cfg.Orchestrator.PIDFile,
		StopTimeout:   a.cfg.Orchestrator.StopTimeout.Duration,
	}, orchestrator.Deps{
		Runtime:    rt,
		Funds:      vs.Submitter,
		Auth:       vs.Auth,
		Rehydrator: agents.Executor,
	}, agents.List, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	if a.cfg.Server.Enabled {
		srv := server.New(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
		}, server.Handlers{
			Health: handler.NewHealthHandler(a.cfg.Mode, orch),
			State:  handler.NewStateHandler(agents.Guardian, agents.Allocator),
			Trades: handler.NewTradeHandler(infra.Trades, infra.Audit, a.logger),
			Stream: agents.Hub,
		}, infra.Limiter, m, a.logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
