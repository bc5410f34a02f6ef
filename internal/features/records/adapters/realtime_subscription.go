package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"content-sync/internal/core/cache"
	"content-sync/internal/core/logger"
	"content-sync/internal/features/records/domain"
	"content-sync/internal/features/records/ports"

	"go.uber.org/zap"
)

const (
	realtimeSubscribeTimeout = 5 * time.Second
	snapshotTimeout          = 3 * time.Second
)

// RealtimeSubscriber implements ports.RealtimeSubscriber with Redis pub/sub on
// the per-record change channel written by RedisRemoteStore.
//
// Errors are reported as onChange(nil) plus a log entry. Nothing is retried:
// reconnecting is the caller's call, which keeps a backpressured store from
// being hammered by background resubscribes.
type RealtimeSubscriber struct {
	cache  cache.Cache
	store  ports.RemoteStore
	logger *zap.Logger
}

// NewRealtimeSubscriber creates a subscriber. store serves the initial snapshot.
func NewRealtimeSubscriber(c cache.Cache, store ports.RemoteStore) *RealtimeSubscriber {
	return &RealtimeSubscriber{
		cache:  c,
		store:  store,
		logger: logger.Named("realtime"),
	}
}

// Subscribe delivers the current document for id once the subscription is
// confirmed, then every pushed change. nil means the record is absent or the
// subscription failed. The returned function stops delivery and is idempotent.
func (r *RealtimeSubscriber) Subscribe(id string, onChange func(domain.Record)) (func(), error) {
	if id == "" {
		return nil, domain.ErrMissingID
	}

	ctx, cancel := context.WithTimeout(context.Background(), realtimeSubscribeTimeout)
	sub, err := r.cache.Subscribe(ctx, changesChannel(id))
	cancel()
	if err != nil {
		r.logger.Error("Realtime subscription failed", zap.String("id", id), zap.Error(err))
		onChange(nil)
		return func() {}, nil
	}

	var (
		once    sync.Once
		stopped = make(chan struct{})
		done    = make(chan struct{})
	)

	go func() {
		defer close(done)
		r.deliverSnapshot(id, stopped, onChange)
		for {
			select {
			case <-stopped:
				return
			case payload, ok := <-sub.Messages():
				if !ok {
					select {
					case <-stopped:
					default:
						r.logger.Error("Realtime subscription lost", zap.String("id", id))
						onChange(nil)
					}
					return
				}
				if len(payload) == 0 {
					onChange(nil)
					continue
				}
				rec, err := domain.Decode(payload)
				if err != nil {
					r.logger.Error("Undecodable realtime change", zap.String("id", id), zap.Error(err))
					onChange(nil)
					continue
				}
				onChange(rec)
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(stopped)
			if err := sub.Close(); err != nil {
				r.logger.Debug("Closing realtime subscription failed", zap.String("id", id), zap.Error(err))
			}
		})
	}, nil
}

func (r *RealtimeSubscriber) deliverSnapshot(id string, stopped <-chan struct{}, onChange func(domain.Record)) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	rec, err := r.store.Get(ctx, id)
	select {
	case <-stopped:
		return
	default:
	}
	switch {
	case err == nil:
		onChange(rec)
	case errors.Is(err, ports.ErrNotFound):
		onChange(nil)
	default:
		r.logger.Error("Realtime snapshot failed", zap.String("id", id), zap.Error(fmt.Errorf("snapshot: %w", err)))
		onChange(nil)
	}
}
