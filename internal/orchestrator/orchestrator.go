// Package orchestrator owns the process lifecycle: it checks startup
// preconditions, holds the liveness token, recovers in-flight trades and
// starts and stops the agents in dependency order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/agent"
	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// Startup errors. Each aborts Run before any agent starts.
var (
	ErrMissingCredentials  = errors.New("orchestrator: missing credentials")
	ErrAuthFailed          = errors.New("orchestrator: authentication failed")
	ErrInsufficientBalance = errors.New("orchestrator: insufficient balance")
	ErrAlreadyRunning      = errors.New("orchestrator: already running")
)

// Funds reports the tradable balance.
type Funds interface {
	Balance(ctx context.Context) (float64, error)
}

// Rehydrator recovers trades left open by a previous process.
type Rehydrator interface {
	Rehydrate(ctx context.Context) (int, error)
}

// Config holds startup preconditions and shutdown bounds.
type Config struct {
	Live bool
	// Credentials maps a credential name to its value; empty values are
	// reported as missing in live mode.
	Credentials   map[string]string
	MinBalanceUSD float64
	PIDFile       string
	StopTimeout   time.Duration
}

// Deps are the orchestrator's collaborators. Auth and Rehydrator are optional.
type Deps struct {
	Runtime    *agent.Runtime
	Funds      Funds
	Auth       domain.Authenticator
	Rehydrator Rehydrator
}

// Orchestrator starts agents in the order given and stops them in reverse.
// Agents should therefore be listed consumers first: they subscribe before
// their producers publish, and producers stop first so consumers can drain.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	agents []agent.Agent
	logger *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config, deps Deps, agents []agent.Agent, logger *slog.Logger) *Orchestrator {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		agents: agents,
		logger: logger.With(slog.String("component", "orchestrator")),
	}
}

// Preflight validates the startup preconditions.
func (o *Orchestrator) Preflight(ctx context.Context) error {
	if o.cfg.Live {
		var missing []string
		for name, v := range o.cfg.Credentials {
			if v == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("%w: %v", ErrMissingCredentials, missing)
		}
		if o.deps.Auth != nil {
			if err := o.deps.Auth.Authenticate(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
		}
	}
	if o.deps.Funds != nil {
		bal, err := o.deps.Funds.Balance(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator: fetch balance: %w", err)
		}
		if bal < o.cfg.MinBalanceUSD {
			return fmt.Errorf("%w: %.2f < %.2f", ErrInsufficientBalance, bal, o.cfg.MinBalanceUSD)
		}
		o.logger.InfoContext(ctx, "balance checked", slog.Float64("balance", bal))
	}
	return nil
}

// Run validates preconditions, writes the liveness token, rehydrates open
// trades, starts every agent and blocks until ctx is cancelled. It then stops
// the agents in reverse order and removes the token.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Preflight(ctx); err != nil {
		return err
	}
	if o.cfg.PIDFile != "" {
		if err := WritePID(o.cfg.PIDFile); err != nil {
			return err
		}
		defer func() {
			if err := RemovePID(o.cfg.PIDFile); err != nil {
				o.logger.Warn("remove pid file failed", slog.String("error", err.Error()))
			}
		}()
	}
	if o.deps.Rehydrator != nil {
		n, err := o.deps.Rehydrator.Rehydrate(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator: rehydrate: %w", err)
		}
		o.logger.InfoContext(ctx, "in-flight trades rehydrated", slog.Int("count", n))
	}

	// Agents outlive ctx so they can be stopped one at a time.
	agentCtx, cancelAll := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAll()

	started := make([]string, 0, len(o.agents))
	for _, a := range o.agents {
		if err := o.deps.Runtime.Start(agentCtx, a); err != nil {
			o.stop(started)
			return fmt.Errorf("orchestrator: %w", err)
		}
		started = append(started, a.Name())
	}
	o.logger.InfoContext(ctx, "all agents started", slog.Int("agents", len(started)))

	<-ctx.Done()
	o.logger.Info("shutdown requested")
	if err := o.stop(started); err != nil {
		return err
	}
	return nil
}

// stop stops agents in reverse start order, each within StopTimeout.
func (o *Orchestrator) stop(names []string) error {
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if err := o.deps.Runtime.Stop(name, o.cfg.StopTimeout); err != nil {
			o.logger.Error("agent did not stop cleanly",
				slog.String("agent", name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		o.logger.Info("agent stopped", slog.String("agent", name))
	}
	return errors.Join(errs...)
}

// Statuses returns the runtime's view of every agent.
func (o *Orchestrator) Statuses() []agent.Status {
	return o.deps.Runtime.Statuses()
}
