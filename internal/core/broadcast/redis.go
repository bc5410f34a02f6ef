package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"content-sync/internal/core/cache"
	"content-sync/internal/core/logger"
	"content-sync/internal/core/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	redisChannelPrefix = "bus:"
	subscribeTimeout   = 5 * time.Second
)

// RedisBus carries broadcasts over pub/sub on the machine-local Redis, which lets
// separate OS processes on one host see each other's writes.
type RedisBus struct {
	cache  cache.Cache
	origin string
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[cache.Subscription]struct{}
	closed bool
}

// NewRedisBus creates a bus on top of c. The bus does not own c.
func NewRedisBus(c cache.Cache) *RedisBus {
	return &RedisBus{
		cache:  c,
		origin: uuid.NewString(),
		logger: logger.Named("bus.redis"),
		subs:   make(map[cache.Subscription]struct{}),
	}
}

// Origin returns the id stamped on messages published through this bus.
func (b *RedisBus) Origin() string {
	return b.origin
}

// Publish encodes msg and sends it on the topic channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg.Origin = b.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	if err := b.cache.Publish(ctx, redisChannelPrefix+topic, payload); err != nil {
		return err
	}
	metrics.Sync.Published(topic, string(msg.Type))
	return nil
}

// Subscribe opens a pub/sub subscription for topic and dispatches decoded
// messages from other origins to handler.
func (b *RedisBus) Subscribe(topic string, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	sub, err := b.cache.Subscribe(ctx, redisChannelPrefix+topic)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for payload := range sub.Messages() {
			var msg Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				b.logger.Warn("Discarding undecodable broadcast",
					zap.String("topic", topic),
					zap.Error(err),
				)
				continue
			}
			if msg.Origin == b.origin {
				continue
			}
			handler(msg)
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		if err := sub.Close(); err != nil {
			b.logger.Debug("Closing subscription failed", zap.String("topic", topic), zap.Error(err))
		}
	}, nil
}

// Close ends every subscription opened through this bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]cache.Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[cache.Subscription]struct{}{}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}
