package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/google/uuid"
)

// defaultBuffer is the per-subscriber queue depth of the in-memory bus.
const defaultBuffer = 256

type subscriber struct {
	ch   chan Message
	done <-chan struct{}
}

// topic serializes publishers and subscriber changes for one channel, which
// is what gives every subscriber the same order.
type topic struct {
	mu   sync.Mutex
	subs []*subscriber
}

// Memory is an in-process fan-out bus. A full subscriber queue makes Publish
// wait until there is room or the publisher's context ends.
type Memory struct {
	buffer int

	mu      sync.Mutex
	topics  map[string]*topic
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewMemory creates an in-memory bus. buffer <= 0 selects the default.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{
		buffer:  buffer,
		topics:  make(map[string]*topic),
		closing: make(chan struct{}),
	}
}

func (m *Memory) topic(channel string) (*topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrBusClosed
	}
	t, ok := m.topics[channel]
	if !ok {
		t = &topic{}
		m.topics[channel] = t
	}
	return t, nil
}

// Publish implements Bus.
func (m *Memory) Publish(ctx context.Context, channel string, payload any) error {
	t, err := m.topic(channel)
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	msg := Message{
		ID:          uuid.NewString(),
		Channel:     channel,
		Kind:        KindOf(payload),
		PublishedAt: time.Now().UTC(),
		Payload:     payload,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-m.closing:
			return fmt.Errorf("bus: publish %s: %w", channel, domain.ErrBusClosed)
		case <-ctx.Done():
			return fmt.Errorf("bus: publish %s: %w", channel, ctx.Err())
		}
	}
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	t, err := m.topic(channel)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", channel, err)
	}
	s := &subscriber{ch: make(chan Message, m.buffer), done: ctx.Done()}

	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case <-m.closing:
		}
		t.mu.Lock()
		for i, other := range t.subs {
			if other == s {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				break
			}
		}
		close(s.ch)
		t.mu.Unlock()
	}()

	return s.ch, nil
}

// Close stops the bus. Pending and future publishes fail with
// domain.ErrBusClosed and every subscription stream is closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.closing)
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

var _ Bus = (*Memory)(nil)
