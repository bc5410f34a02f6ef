package ports

import (
	"context"

	"content-sync/internal/features/records/domain"
)

// SyncService is the primary port the admin surface (HTTP handlers, CLI) drives.
type SyncService interface {
	// SyncRecord schedules rec for synchronization and returns immediately.
	// Only validation and queue backpressure are reported as errors.
	SyncRecord(ctx context.Context, rec domain.Record) error
	// SyncAll syncs recs in order and returns once every accepted record was attempted.
	SyncAll(ctx context.Context, recs []domain.Record) error
	// Subscribe pushes remote changes of one record id to onChange until unsubscribed.
	Subscribe(id string, onChange func(domain.Record)) (func(), error)
	// ForceCrossProcessSync asks every other process to re-read its local cache.
	ForceCrossProcessSync(ctx context.Context) error
}

// RecordReader is the read side the HTTP layer serves from.
type RecordReader interface {
	Get(ctx context.Context, id string) (*domain.StoredRecord, error)
	Snapshot() []domain.StoredRecord
}

// RemoteStore is the secondary port to the authoritative document store.
// Errors are *adapters.RemoteError values classified by kind.
type RemoteStore interface {
	// Put writes rec under last-write-wins and returns the authoritative record
	// after the write, which is the stored one if it was newer.
	Put(ctx context.Context, rec domain.Record) (domain.Record, error)
	// Get returns the stored record or an error matching ErrNotFound.
	Get(ctx context.Context, id string) (domain.Record, error)
}

// LocalStore is the secondary port to the on-device fallback store.
type LocalStore interface {
	// Write applies rec under last-write-wins and reports whether the record
	// value changed. An equal timestamp only re-stamps lastSyncedAt.
	Write(ctx context.Context, rec domain.Record, source domain.SyncSource) (bool, error)
	// Read returns nil, nil when id is not stored.
	Read(ctx context.Context, id string) (*domain.StoredRecord, error)
	List(ctx context.Context) ([]domain.StoredRecord, error)
	Close() error
}

// AvailabilityProbe answers whether the remote store is worth calling right now.
type AvailabilityProbe interface {
	Check(ctx context.Context) bool
}

// RealtimeSubscriber registers push listeners for single record ids.
type RealtimeSubscriber interface {
	Subscribe(id string, onChange func(domain.Record)) (func(), error)
}
