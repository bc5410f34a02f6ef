package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"content-sync/internal/core/cache"
	"content-sync/internal/features/records/domain"
	"content-sync/internal/features/records/ports"
)

const (
	docKeyPrefix   = "records:doc:"
	changesPrefix  = "records:changes:"
	quotaKeyPrefix = "records:quota:"
)

// RedisRemoteStore implements ports.RemoteStore on top of the cache port.
// Documents are stored as record envelopes; every accepted write is published on
// the record's change channel in the same transaction.
type RedisRemoteStore struct {
	cache       cache.Cache
	writeQuota  int
	quotaWindow time.Duration
	now         func() time.Time
}

// RemoteOption customizes a RedisRemoteStore.
type RemoteOption func(*RedisRemoteStore)

// WithWriteQuota limits accepted writes to quota per window. Writes beyond the
// budget fail with a quota_exceeded RemoteError.
func WithWriteQuota(quota int, window time.Duration) RemoteOption {
	return func(s *RedisRemoteStore) {
		s.writeQuota = quota
		s.quotaWindow = window
	}
}

// NewRedisRemoteStore creates a new RedisRemoteStore.
func NewRedisRemoteStore(c cache.Cache, opts ...RemoteOption) *RedisRemoteStore {
	s := &RedisRemoteStore{
		cache: c,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores rec unless the stored document has a newer or equal updatedAt, in
// which case the stored document is returned untouched. A zero updatedAt is
// assigned from the Redis server clock; createdAt is kept from the stored document.
func (s *RedisRemoteStore) Put(ctx context.Context, rec domain.Record) (domain.Record, error) {
	if rec == nil {
		return nil, domain.ErrNilRecord
	}
	id := rec.RecordID()

	if err := s.spendWriteBudget(ctx); err != nil {
		return nil, remoteError("put", id, err)
	}

	next := rec.Clone()
	if next.LastUpdated().IsZero() {
		serverNow, err := s.cache.Time(ctx)
		if err != nil {
			return nil, remoteError("put", id, err)
		}
		next.Stamp(serverNow, time.Time{})
	}

	stored, err := s.cache.Update(ctx, docKeyPrefix+id, changesPrefix+id, func(current []byte) ([]byte, error) {
		var created time.Time
		if current != nil {
			existing, err := domain.Decode(current)
			if err != nil {
				return nil, fmt.Errorf("stored document is corrupt: %w", err)
			}
			if !domain.Newer(next, existing) {
				return nil, nil
			}
			created = existing.Created()
		}
		next.Stamp(time.Time{}, created)
		return domain.Encode(next)
	})
	if err != nil {
		return nil, remoteError("put", id, err)
	}

	authoritative, err := domain.Decode(stored)
	if err != nil {
		return nil, remoteError("put", id, err)
	}
	return authoritative, nil
}

// Get returns the stored record for id, or ports.ErrNotFound.
func (s *RedisRemoteStore) Get(ctx context.Context, id string) (domain.Record, error) {
	data, err := s.cache.Get(ctx, docKeyPrefix+id)
	if errors.Is(err, cache.ErrKeyNotFound) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, remoteError("get", id, err)
	}

	rec, err := domain.Decode(data)
	if err != nil {
		return nil, remoteError("get", id, err)
	}
	return rec, nil
}

// Delete removes the document and pushes a tombstone to its subscribers.
// The engine itself never deletes; this serves external collaborators.
func (s *RedisRemoteStore) Delete(ctx context.Context, id string) error {
	if err := s.cache.Delete(ctx, docKeyPrefix+id); err != nil {
		return remoteError("delete", id, err)
	}
	if err := s.cache.Publish(ctx, changesPrefix+id, nil); err != nil {
		return remoteError("delete", id, err)
	}
	return nil
}

// spendWriteBudget counts one write against the current fixed window.
func (s *RedisRemoteStore) spendWriteBudget(ctx context.Context) error {
	if s.writeQuota <= 0 || s.quotaWindow <= 0 {
		return nil
	}
	window := s.now().UnixNano() / int64(s.quotaWindow)
	n, err := s.cache.IncrWindow(ctx, fmt.Sprintf("%s%d", quotaKeyPrefix, window), s.quotaWindow)
	if err != nil {
		return err
	}
	if n > int64(s.writeQuota) {
		return errWriteBudget
	}
	return nil
}

// changesChannel returns the pub/sub channel carrying pushes for id.
func changesChannel(id string) string {
	return changesPrefix + id
}
