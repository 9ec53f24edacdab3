// Package alerts turns alerts published on the bus into external
// notifications with tiered urgency. Critical alerts ignore quiet hours and
// are resent until acknowledged or expired.
package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
	"github.com/alanyoungcy/polyswarm/internal/notify"
)

// Config tunes escalation.
type Config struct {
	Quiet         QuietHours
	RetryInterval time.Duration
	Expire        time.Duration
	TickInterval  time.Duration
}

type outstanding struct {
	alert    domain.Alert
	first    time.Time
	last     time.Time
	attempts int
}

// Escalator is the alerting agent.
type Escalator struct {
	cfg       Config
	transport notify.Transport
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	critical map[string]*outstanding
	seen     map[string]time.Time
}

// NewEscalator creates an escalator sending through t.
func NewEscalator(cfg Config, t notify.Transport, m *metrics.Metrics, logger *slog.Logger) *Escalator {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	if cfg.Expire <= 0 {
		cfg.Expire = time.Hour
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	return &Escalator{
		cfg:       cfg,
		transport: t,
		metrics:   m,
		logger:    logger.With(slog.String("component", "alerts")),
		now:       time.Now,
		critical:  make(map[string]*outstanding),
		seen:      make(map[string]time.Time),
	}
}

func (e *Escalator) Name() string { return "alerts" }

func (e *Escalator) Subscriptions() []string {
	return []string{domain.ChannelAlerts, domain.ChannelControl}
}

// PriorityFor maps an alert severity to a notification priority.
func PriorityFor(s domain.Severity) domain.Priority {
	switch s {
	case domain.SeverityCritical:
		return domain.PriorityCritical
	case domain.SeverityError, domain.SeverityWarning:
		return domain.PriorityHigh
	case domain.SeverityInfo:
		return domain.PriorityNormal
	}
	return domain.PriorityLow
}

func (e *Escalator) Handle(ctx context.Context, msg bus.Message) error {
	if a, ok := bus.As[domain.Alert](msg); ok {
		e.onAlert(ctx, a)
		return nil
	}
	if c, ok := bus.As[domain.ControlMessage](msg); ok && c.Kind == domain.ControlAckAlert {
		e.Ack(ctx, c.Target, c.IssuedBy)
	}
	return nil
}

func (e *Escalator) onAlert(ctx context.Context, a domain.Alert) {
	now := e.now()
	e.mu.Lock()
	if a.ID != "" {
		if _, dup := e.seen[a.ID]; dup {
			e.mu.Unlock()
			return
		}
		e.seen[a.ID] = now
	}
	e.mu.Unlock()

	prio := PriorityFor(a.Severity)
	log := e.logger.With(
		slog.String("alert_id", a.ID),
		slog.String("source", a.Source),
		slog.String("priority", prio.String()),
	)
	if prio < domain.PriorityCritical && e.cfg.Quiet.Active(now) {
		log.InfoContext(ctx, "alert suppressed by quiet hours", slog.String("title", a.Title))
		return
	}

	delivered := e.send(ctx, log, a, prio)
	if prio != domain.PriorityCritical {
		return
	}
	e.mu.Lock()
	e.critical[a.ID] = &outstanding{alert: a, first: now, last: now, attempts: 1}
	e.mu.Unlock()
	if !delivered {
		log.WarnContext(ctx, "critical alert not delivered, will retry")
	}
}

func (e *Escalator) send(ctx context.Context, log *slog.Logger, a domain.Alert, prio domain.Priority) bool {
	ok, err := e.transport.Send(ctx, a.Title, a.Message, prio)
	if err != nil {
		log.ErrorContext(ctx, "notification failed", slog.String("error", err.Error()))
	}
	if ok {
		e.metrics.AlertSent(e.transport.Name(), prio.String())
	}
	return ok
}

// Ack stops resending a critical alert.
func (e *Escalator) Ack(ctx context.Context, id, by string) bool {
	e.mu.Lock()
	_, ok := e.critical[id]
	delete(e.critical, id)
	e.mu.Unlock()
	if ok {
		e.logger.InfoContext(ctx, "critical alert acknowledged",
			slog.String("alert_id", id),
			slog.String("issued_by", by),
		)
	}
	return ok
}

// Outstanding returns the ids of unacknowledged critical alerts.
func (e *Escalator) Outstanding() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.critical))
	for id := range e.critical {
		ids = append(ids, id)
	}
	return ids
}

func (e *Escalator) TickInterval() time.Duration { return e.cfg.TickInterval }

// Tick resends due critical alerts and expires stale ones.
func (e *Escalator) Tick(ctx context.Context) error {
	now := e.now()
	var due []*outstanding
	e.mu.Lock()
	for id, o := range e.critical {
		if now.Sub(o.first) >= e.cfg.Expire {
			delete(e.critical, id)
			e.logger.WarnContext(ctx, "critical alert expired unacknowledged",
				slog.String("alert_id", id),
				slog.Int("attempts", o.attempts),
			)
			continue
		}
		if now.Sub(o.last) >= e.cfg.RetryInterval {
			o.last = now
			o.attempts++
			due = append(due, o)
		}
	}
	for id, at := range e.seen {
		if now.Sub(at) >= 24*time.Hour {
			delete(e.seen, id)
		}
	}
	e.mu.Unlock()

	for _, o := range due {
		log := e.logger.With(slog.String("alert_id", o.alert.ID), slog.Int("attempt", o.attempts))
		log.InfoContext(ctx, "resending critical alert")
		e.send(ctx, log, o.alert, domain.PriorityCritical)
	}
	return nil
}
