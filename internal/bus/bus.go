// Package bus defines the typed publish/subscribe contract the agents talk
// over and an in-process implementation of it.
//
// Delivery is at-least-once. Messages on one channel reach every subscriber
// in publish order; there is no ordering across channels.
package bus

import (
	"context"
	"time"
)

// Message is a single envelope delivered to subscribers.
type Message struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	Kind        string    `json:"kind"`
	PublishedAt time.Time `json:"published_at"`
	Payload     any       `json:"-"`
}

// Publisher is the half of Bus that producers need.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Bus is implemented by every transport.
type Bus interface {
	// Publish delivers payload to every current subscriber of channel. It
	// returns an error instead of buffering when the bus cannot accept the
	// message.
	Publish(ctx context.Context, channel string, payload any) error
	// Subscribe returns a stream of messages for channel. The stream is
	// closed when ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
}

// As extracts a typed payload from msg. Both T and *T payloads match.
func As[T any](msg Message) (T, bool) {
	switch v := msg.Payload.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}
