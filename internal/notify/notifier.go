// Package notify delivers alerts to external channels. Every transport takes
// a priority so urgent alerts can be rendered and routed differently.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyswarm/internal/domain"
)

// Transport is the interface that each notification channel must implement.
type Transport interface {
	// Send delivers a notification and reports whether the channel accepted it.
	Send(ctx context.Context, title, message string, priority domain.Priority) (bool, error)
	// Name returns a human-readable identifier for the transport (e.g. "telegram").
	Name() string
}

// Notifier fans a notification out to every registered transport whose
// minimum priority it meets.
type Notifier struct {
	routes []route
	logger *slog.Logger
}

type route struct {
	t   Transport
	min domain.Priority
}

// NewNotifier creates a Notifier with no transports.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger.With(slog.String("component", "notifier"))}
}

// Add registers t for notifications at or above floor.
func (n *Notifier) Add(t Transport, floor domain.Priority) *Notifier {
	n.routes = append(n.routes, route{t: t, min: floor})
	return n
}

// Len returns the number of registered transports.
func (n *Notifier) Len() int { return len(n.routes) }

func (n *Notifier) Name() string { return "notifier" }

// Send delivers to all eligible transports. It reports delivered when at
// least one transport accepted the message; errors from individual
// transports are joined and do not stop delivery to the rest.
func (n *Notifier) Send(ctx context.Context, title, message string, priority domain.Priority) (bool, error) {
	var (
		delivered bool
		errs      []error
	)
	for _, r := range n.routes {
		if priority < r.min {
			continue
		}
		ok, err := r.t.Send(ctx, title, message, priority)
		if err != nil {
			n.logger.ErrorContext(ctx, "transport failed",
				slog.String("transport", r.t.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", r.t.Name(), err))
			continue
		}
		if ok {
			delivered = true
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("transport", r.t.Name()),
				slog.String("title", title),
				slog.String("priority", priority.String()),
			)
		}
	}
	return delivered, errors.Join(errs...)
}

var _ Transport = (*Notifier)(nil)
