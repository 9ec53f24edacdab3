package app

import (
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/agent"
	"github.com/alanyoungcy/polyswarm/internal/alerts"
	"github.com/alanyoungcy/polyswarm/internal/allocator"
	"github.com/alanyoungcy/polyswarm/internal/backoff"
	s3blob "github.com/alanyoungcy/polyswarm/internal/blob/s3"
	"github.com/alanyoungcy/polyswarm/internal/config"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/executor"
	"github.com/alanyoungcy/polyswarm/internal/feed"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
	"github.com/alanyoungcy/polyswarm/internal/notify"
	"github.com/alanyoungcy/polyswarm/internal/oracle"
	"github.com/alanyoungcy/polyswarm/internal/risk"
	"github.com/alanyoungcy/polyswarm/internal/scanner"
	"github.com/alanyoungcy/polyswarm/internal/server/ws"
	"github.com/alanyoungcy/polyswarm/internal/strategy"
)

// Agents is the built agent set plus the handles the HTTP API reads.
type Agents struct {
	// List is in start order: consumers before the producers that feed
	// them.
	List      []agent.Agent
	Guardian  *risk.Guardian
	Allocator *allocator.Allocator
	Executor  *executor.Engine
	Hub       *ws.Hub
}

// BuildAgents constructs every agent from cfg.
func BuildAgents(cfg *config.Config, infra *Infra, vs *VenueSet, m *metrics.Metrics, logger *slog.Logger) (*Agents, error) {
	pub := infra.Bus
	policy := backoff.Policy{Base: cfg.Runtime.BackoffBase.Duration, Max: cfg.Runtime.BackoffMax.Duration}

	quiet, err := alerts.ParseQuietHours(cfg.Alerts.QuietStart, cfg.Alerts.QuietEnd, cfg.Alerts.Timezone)
	if err != nil {
		return nil, err
	}
	escalator := alerts.NewEscalator(alerts.Config{
		Quiet:         quiet,
		RetryInterval: cfg.Alerts.RetryInterval.Duration,
		Expire:        cfg.Alerts.Expire.Duration,
	}, buildNotifier(cfg, logger), m, logger)

	hub := ws.NewHub(cfg.Server.CORSOrigins, m, logger)

	names := make([]string, 0, len(cfg.Strategy.Enabled))
	for name := range cfg.Strategy.Enabled {
		names = append(names, name)
	}
	sort.Strings(names)

	alloc := allocator.New(allocator.Config{
		Strategies:        names,
		RebalanceInterval: cfg.Allocator.RebalanceInterval.Duration,
		FloorPct:          cfg.Allocator.FloorPct,
		MaxTotalPct:       cfg.Allocator.MaxTotalPct,
		DedupTTL:          cfg.Allocator.DedupTTL.Duration,
	}, pub, infra.Allocs, infra.Deduper, m, logger)

	engine := executor.NewEngine(executor.Config{
		SubmitTimeout: cfg.Executor.SubmitTimeout.Duration,
		LockTTL:       cfg.Executor.LockTTL.Duration,
		PendingTTL:    cfg.Executor.PendingTTL.Duration,
	}, executor.Deps{
		Submitter: vs.Submitter,
		Store:     infra.Trades,
		Books:     vs.Books,
		Locks:     infra.Locks,
		Audit:     infra.Audit,
		Publisher: pub,
		Metrics:   m,
	}, logger)

	guardian := risk.NewGuardian(risk.Config{
		Limits: risk.Limits{
			MinProfitUSD:      cfg.Risk.MinProfitUSD,
			SlippageEdgeRatio: cfg.Risk.SlippageEdgeRatio,
			MaxPositionPct:    cfg.Risk.MaxPositionPct,
			DailyLossPct:      cfg.Risk.DailyLossPct,
			MaxDrawdownPct:    cfg.Risk.MaxDrawdownPct,
		},
		StartingCapital: cfg.Risk.StartingCapital,
		BookTimeout:     cfg.Risk.BookTimeout.Duration,
		TickInterval:    cfg.Risk.MarkInterval.Duration,
		ReservationTTL:  cfg.Risk.ReservationTTL.Duration,
		SettleBid:       cfg.Risk.SettleBid,
	}, vs.Books, pub, infra.RiskState, infra.Audit, m, logger)

	list := []agent.Agent{escalator, hub, alloc, engine, guardian}

	registry := strategy.NewRegistry()
	for _, name := range names {
		types := make([]domain.OpportunityType, 0, len(cfg.Strategy.Enabled[name]))
		for _, t := range cfg.Strategy.Enabled[name] {
			types = append(types, domain.OpportunityType(t))
		}
		list = append(list, strategy.New(strategy.Config{
			Name:            name,
			Types:           types,
			MaxTradeUSD:     cfg.Strategy.MaxTradeUSD,
			MinTradeUSD:     cfg.Strategy.MinTradeUSD,
			Capital:         cfg.Risk.StartingCapital,
			DecisionTimeout: cfg.Strategy.DecisionTimeout.Duration,
		}, registry, pub, logger))
	}

	list = append(list, scanner.New(scanner.Config{
		SumMargin:   cfg.Scanner.SumMargin,
		MinEdge:     cfg.Scanner.MinEdge,
		Volatility:  cfg.Scanner.Volatility,
		MaxQuoteAge: cfg.Scanner.MaxQuoteAge.Duration,
		Cooldown:    cfg.Scanner.Cooldown.Duration,
		Fees: scanner.FeeModel{
			Coefficient: cfg.Scanner.FeeCoefficient,
			Keywords:    cfg.Scanner.FeeKeywords,
			Durations:   cfg.Scanner.FeeDurations,
		},
	}, pub, m, logger))

	if cfg.Oracle.Enabled {
		list = append(list, oracle.NewPoller(oracle.Config{
			Symbols:       cfg.Oracle.Symbols,
			Interval:      cfg.Oracle.Interval.Duration,
			RatePerSecond: cfg.Oracle.RatePerSecond,
			Burst:         cfg.Oracle.Burst,
			SharedLimit:   cfg.Oracle.SharedLimit,
			SharedWindow:  time.Minute,
			Source:        "binance",
			Backoff:       policy,
		}, oracle.NewBinance(cfg.Oracle.BaseURL, cfg.Oracle.Timeout.Duration), infra.Limiter, pub, m, logger))
	}

	list = append(list, feed.New(feed.Config{
		PollInterval:    cfg.Feed.PollInterval.Duration,
		Underlyings:     cfg.Feed.Underlyings,
		EnrichBooks:     cfg.Feed.EnrichBooks,
		BookConcurrency: cfg.Feed.BookConcurrency,
		Source:          vs.Source,
	}, vs.Markets, vs.Stream, pub, m, logger))

	if infra.Blob != nil {
		list = append(list, s3blob.NewArchiver(s3blob.ArchiverConfig{
			Retention: time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour,
			Interval:  cfg.Archive.Interval.Duration,
			Prefix:    cfg.Archive.Prefix,
		}, s3blob.NewWriter(infra.Blob), infra.Trades, infra.Audit, m, logger))
	}

	return &Agents{
		List:      list,
		Guardian:  guardian,
		Allocator: alloc,
		Executor:  engine,
		Hub:       hub,
	}, nil
}

// buildNotifier registers every configured transport. Chat channels get
// everything from normal priority up; Pushover only pages for high and
// critical alerts.
func buildNotifier(cfg *config.Config, logger *slog.Logger) *notify.Notifier {
	n := notify.NewNotifier(logger)
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		n.Add(notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID), domain.PriorityNormal)
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		n.Add(notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL), domain.PriorityNormal)
	}
	if cfg.Notify.PushoverToken != "" && cfg.Notify.PushoverUser != "" {
		n.Add(notify.NewPushoverSender(cfg.Notify.PushoverToken, cfg.Notify.PushoverUser), domain.PriorityHigh)
	}
	if n.Len() == 0 {
		logger.Warn("no notification transports configured; alerts are logged only")
	}
	return n
}
