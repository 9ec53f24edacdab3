package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/backoff"
	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
	"github.com/google/uuid"
)

// ErrStopTimeout is returned by Stop when an agent does not finish within the
// allotted time.
var ErrStopTimeout = errors.New("agent: stop timed out")

// Config tunes supervision.
type Config struct {
	// MaxFailures is the number of consecutive failures tolerated before
	// the agent is declared dead.
	MaxFailures int
	Backoff     backoff.Policy
	// ResetAfter clears the failure count once a restarted loop has run
	// this long without failing.
	ResetAfter time.Duration
	// HandleTimeout bounds a single Handle or Tick call. Zero disables it.
	HandleTimeout time.Duration
	// FlushTimeout bounds the shutdown work of a stopping agent: handling
	// the messages still buffered in its inbox, then Flush.
	FlushTimeout time.Duration
	InboxSize    int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = backoff.Default
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = time.Minute
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	return c
}

type supervised struct {
	agent  Agent
	inbox  chan bus.Message
	cancel context.CancelFunc
	done   chan struct{}

	// retry holds the message whose handler failed. The restarted loop
	// handles it first; a second failure drops it. Owned by supervise.
	retry *bus.Message

	mu     sync.Mutex
	status Status
}

func (s *supervised) update(fn func(*Status)) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
	s.status.UpdatedAt = time.Now().UTC()
	return s.status
}

func (s *supervised) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Runtime supervises a set of agents sharing one bus.
type Runtime struct {
	bus     bus.Bus
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	agents map[string]*supervised
	order  []string
}

// NewRuntime creates a Runtime. m may be nil.
func NewRuntime(b bus.Bus, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Runtime {
	return &Runtime{
		bus:     b,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "runtime")),
		metrics: m,
		agents:  make(map[string]*supervised),
	}
}

// Start recovers the agent's state, subscribes it to its channels and
// launches its supervised loop. Subscriptions are in place when Start
// returns, so nothing published afterwards is missed. The agent runs until
// Stop is called or ctx is cancelled.
func (r *Runtime) Start(ctx context.Context, a Agent) error {
	name := a.Name()
	r.mu.Lock()
	if _, dup := r.agents[name]; dup {
		r.mu.Unlock()
		return fmt.Errorf("agent: start %s: %w", name, domain.ErrAlreadyExists)
	}
	s := &supervised{
		agent: a,
		inbox: make(chan bus.Message, r.cfg.InboxSize),
		done:  make(chan struct{}),
		status: Status{
			Name:      name,
			State:     StateStarting,
			StartedAt: time.Now().UTC(),
		},
	}
	r.agents[name] = s
	r.order = append(r.order, name)
	r.mu.Unlock()

	log := r.logger.With(slog.String("agent", name))

	if st, ok := a.(Starter); ok {
		if err := st.Start(ctx); err != nil {
			s.update(func(st *Status) {
				st.State = StateStopped
				st.LastError = err.Error()
			})
			close(s.done)
			return fmt.Errorf("agent: start %s: %w", name, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for _, channel := range a.Subscriptions() {
		sub, err := r.bus.Subscribe(runCtx, channel)
		if err != nil {
			cancel()
			s.update(func(st *Status) {
				st.State = StateStopped
				st.LastError = err.Error()
			})
			close(s.done)
			return fmt.Errorf("agent: subscribe %s to %s: %w", name, channel, err)
		}
		go forward(runCtx, sub, s.inbox, log.With(slog.String("channel", channel)))
	}

	go r.supervise(runCtx, s, log)
	log.Info("agent started", slog.Any("subscriptions", a.Subscriptions()))
	return nil
}

// forward copies one subscription into the agent's inbox. One goroutine per
// channel keeps each channel's order intact.
func forward(ctx context.Context, sub <-chan bus.Message, inbox chan<- bus.Message, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				if ctx.Err() == nil {
					log.Warn("subscription closed by bus")
				}
				return
			}
			select {
			case inbox <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Runtime) supervise(ctx context.Context, s *supervised, log *slog.Logger) {
	defer close(s.done)
	name := s.agent.Name()

	for {
		s.update(func(st *Status) { st.State = StateRunning })
		r.metrics.Up(name, true)
		began := time.Now()

		err := r.loop(ctx, s)
		r.metrics.Up(name, false)

		if ctx.Err() != nil {
			r.shutdown(s, log)
			s.update(func(st *Status) { st.State = StateStopped })
			log.Info("agent stopped")
			return
		}

		status := s.update(func(st *Status) {
			if time.Since(began) >= r.cfg.ResetAfter {
				st.Failures = 0
			}
			st.Failures++
			st.LastError = err.Error()
		})
		r.metrics.Failure(name)

		if status.Failures > r.cfg.MaxFailures {
			s.update(func(st *Status) { st.State = StateDead })
			log.Error("agent dead after repeated failures",
				slog.Int("failures", status.Failures),
				slog.String("error", err.Error()),
			)
			r.raiseDead(name, status)
			s.mu.Lock()
			cancel := s.cancel
			s.mu.Unlock()
			// Release the subscriptions so a dead agent never backs up the bus.
			cancel()
			return
		}

		delay := r.cfg.Backoff.Delay(status.Failures)
		s.update(func(st *Status) { st.State = StateBackoff })
		log.Warn("agent failed, restarting",
			slog.Int("failures", status.Failures),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if backoff.Sleep(ctx, delay) != nil {
			r.shutdown(s, log)
			s.update(func(st *Status) { st.State = StateStopped })
			return
		}
		s.update(func(st *Status) { st.Restarts++ })
		r.metrics.Restart(name)
	}
}

// loop runs until ctx ends or a handler fails. Panics are converted into
// errors so they count as failures like any other.
func (r *Runtime) loop(ctx context.Context, s *supervised) error {
	var tick <-chan time.Time
	ticker, hasTick := s.agent.(Ticker)
	if hasTick && ticker.TickInterval() > 0 {
		t := time.NewTicker(ticker.TickInterval())
		defer t.Stop()
		tick = t.C
	}

	if s.retry != nil {
		msg := *s.retry
		s.retry = nil
		if err := r.handle(ctx, s, msg); err != nil {
			r.logger.Error("redelivered message failed again, dropping it",
				slog.String("agent", s.agent.Name()),
				slog.String("channel", msg.Channel),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("redeliver %s message %s: %w", msg.Channel, msg.ID, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.inbox:
			if err := r.handle(ctx, s, msg); err != nil {
				s.retry = &msg
				return fmt.Errorf("handle %s message %s: %w", msg.Channel, msg.ID, err)
			}
		case <-tick:
			if err := r.call(ctx, ticker.Tick); err != nil {
				return fmt.Errorf("tick: %w", err)
			}
		}
	}
}

func (r *Runtime) handle(ctx context.Context, s *supervised, msg bus.Message) error {
	start := time.Now()
	if err := r.call(ctx, func(c context.Context) error { return s.agent.Handle(c, msg) }); err != nil {
		return err
	}
	s.update(func(st *Status) { st.Handled++ })
	r.metrics.Handled(s.agent.Name(), msg.Channel, time.Since(start))
	return nil
}

func (r *Runtime) call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	if r.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandleTimeout)
		defer cancel()
	}
	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Cancellation during shutdown is not a failure.
		return nil
	}
	return err
}

// shutdown handles what is already buffered for a stopping agent and then
// flushes it, all within FlushTimeout. Messages still unhandled when the
// deadline passes are lost.
func (r *Runtime) shutdown(s *supervised, log *slog.Logger) {
	s.update(func(st *Status) { st.State = StateStopping })
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
	defer cancel()
	r.drain(ctx, s, log)
	if f, ok := s.agent.(Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			log.Warn("agent flush failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) drain(ctx context.Context, s *supervised, log *slog.Logger) {
	var handled int
	defer func() {
		if handled > 0 {
			log.Info("inbox drained", slog.Int("messages", handled))
		}
	}()
	if s.retry != nil {
		msg := *s.retry
		s.retry = nil
		if err := r.handle(ctx, s, msg); err != nil {
			log.Warn("drain: redelivered message failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		} else {
			handled++
		}
	}
	for {
		if ctx.Err() != nil {
			log.Warn("drain timed out", slog.Int("dropped", len(s.inbox)))
			return
		}
		select {
		case msg := <-s.inbox:
			if err := r.handle(ctx, s, msg); err != nil {
				log.Warn("drain: handle failed",
					slog.String("channel", msg.Channel),
					slog.String("message_id", msg.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			handled++
		default:
			return
		}
	}
}

func (r *Runtime) raiseDead(name string, status Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alert := domain.Alert{
		ID:        uuid.NewString(),
		Severity:  domain.SeverityCritical,
		Source:    "runtime",
		Title:     "Agent dead: " + name,
		Message:   fmt.Sprintf("%s stopped after %d consecutive failures: %s", name, status.Failures, status.LastError),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, domain.ChannelAlerts, alert); err != nil {
		r.logger.Error("publish dead-agent alert failed",
			slog.String("agent", name),
			slog.String("error", err.Error()),
		)
	}
}

// Stop cancels the agent's loop and waits up to timeout for it to flush and
// exit. Stopping a dead or already stopped agent is a no-op.
func (r *Runtime) Stop(name string, timeout time.Duration) error {
	r.mu.Lock()
	s, ok := r.agents[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent: stop %s: %w", name, domain.ErrNotFound)
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("agent: stop %s: %w", name, ErrStopTimeout)
	}
}

// Status returns the status of one agent.
func (r *Runtime) Status(name string) (Status, bool) {
	r.mu.Lock()
	s, ok := r.agents[name]
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return s.snapshot(), true
}

// Statuses returns every agent's status in start order.
func (r *Runtime) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name].snapshot())
	}
	return out
}
