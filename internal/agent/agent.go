// Package agent runs bus-driven agents under supervision: one goroutine per
// agent, restarts with capped exponential backoff after a failure, and a dead
// state once an agent keeps failing.
package agent

import (
	"context"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/bus"
)

// Agent is a long-lived unit of work fed by bus subscriptions.
type Agent interface {
	Name() string
	Subscriptions() []string
	// Handle processes one message. A returned error counts as a failure
	// and restarts the agent's loop.
	Handle(ctx context.Context, msg bus.Message) error
}

// Ticker is implemented by agents with periodic work.
type Ticker interface {
	TickInterval() time.Duration
	Tick(ctx context.Context) error
}

// Starter is implemented by agents that recover state before their loop
// begins. An error aborts the start.
type Starter interface {
	Start(ctx context.Context) error
}

// Flusher is implemented by agents that persist or drain on stop. Flush runs
// with a bounded deadline after the loop has exited.
type Flusher interface {
	Flush(ctx context.Context) error
}

// State is the supervised lifecycle of an agent.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateBackoff  State = "backoff"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateDead     State = "dead"
)

// Status is a point-in-time view of one supervised agent.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Failures  int       `json:"failures"`
	Restarts  int       `json:"restarts"`
	Handled   uint64    `json:"handled"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
