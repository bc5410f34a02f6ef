package broadcast

import (
	"context"
	"sync"

	"content-sync/internal/core/logger"
	"content-sync/internal/core/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// subscriberBuffer is how many undelivered messages a slow subscriber may hold
// before new ones are dropped for it.
const subscriberBuffer = 64

// MemoryBus delivers messages between components of one process, and between
// MemoryBus instances linked to the same Hub (one Hub per simulated machine).
type MemoryBus struct {
	hub    *Hub
	origin string
}

// Hub is the shared medium behind linked MemoryBus instances.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	origin  string
	ch      chan Message
	done    chan struct{}
	stopped sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*memorySub]struct{})}
}

// NewMemoryBus creates a bus with its own private hub.
func NewMemoryBus() *MemoryBus {
	return NewHub().Bus()
}

// Bus returns a new endpoint on the hub with a fresh origin.
func (h *Hub) Bus() *MemoryBus {
	return &MemoryBus{hub: h, origin: uuid.NewString()}
}

// Close stops every subscription on the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*memorySub
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.subs = map[string]map[*memorySub]struct{}{}
	h.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

// Origin returns the id stamped on messages published through this bus.
func (b *MemoryBus) Origin() string {
	return b.origin
}

// Publish fans msg out to every other endpoint's subscribers without blocking.
func (b *MemoryBus) Publish(_ context.Context, topic string, msg Message) error {
	msg.Origin = b.origin

	b.hub.mu.Lock()
	if b.hub.closed {
		b.hub.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(b.hub.subs[topic]))
	for s := range b.hub.subs[topic] {
		if s.origin != b.origin {
			targets = append(targets, s)
		}
	}
	b.hub.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		default:
			logger.Named("bus.memory").Warn("Dropping broadcast for slow subscriber",
				zap.String("topic", topic),
				zap.String("id", msg.ID),
			)
		}
	}
	metrics.Sync.Published(topic, string(msg.Type))
	return nil
}

// Subscribe registers handler for topic.
func (b *MemoryBus) Subscribe(topic string, handler Handler) (func(), error) {
	s := &memorySub{
		origin: b.origin,
		ch:     make(chan Message, subscriberBuffer),
		done:   make(chan struct{}),
	}

	b.hub.mu.Lock()
	if b.hub.closed {
		b.hub.mu.Unlock()
		return nil, ErrClosed
	}
	if b.hub.subs[topic] == nil {
		b.hub.subs[topic] = make(map[*memorySub]struct{})
	}
	b.hub.subs[topic][s] = struct{}{}
	b.hub.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-s.ch:
				handler(msg)
			case <-s.done:
				return
			}
		}
	}()

	return func() {
		b.hub.mu.Lock()
		delete(b.hub.subs[topic], s)
		b.hub.mu.Unlock()
		s.stop()
	}, nil
}

// Close removes this endpoint's subscriptions; the hub stays usable for others.
func (b *MemoryBus) Close() error {
	b.hub.mu.Lock()
	var mine []*memorySub
	for _, set := range b.hub.subs {
		for s := range set {
			if s.origin == b.origin {
				mine = append(mine, s)
				delete(set, s)
			}
		}
	}
	b.hub.mu.Unlock()

	for _, s := range mine {
		s.stop()
	}
	return nil
}

func (s *memorySub) stop() {
	s.stopped.Do(func() { close(s.done) })
}
