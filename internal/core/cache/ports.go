package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Update when optimistic retries are exhausted.
	ErrConflict = errors.New("concurrent update conflict")
)

// UpdateFunc receives the current value of a key (nil when absent) and returns the
// value to store. Returning a nil slice keeps the current value untouched.
type UpdateFunc func(current []byte) ([]byte, error)

// Cache defines the key-value and messaging operations the sync engine needs from
// its Redis-like backend. It is a port: the adapters in this package implement it
// and tests can swap in their own.
type Cache interface {
	// Get retrieves a value by key. Returns ErrKeyNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the specified key and TTL.
	// TTL of 0 means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error

	// Update performs an optimistic read-modify-write on key. When fn returns a new
	// value it is stored and, if channel is not empty, published on channel in the
	// same transaction. It returns the value that is current after the call.
	Update(ctx context.Context, key, channel string, fn UpdateFunc) ([]byte, error)

	// IncrWindow increments a counter that expires after window and returns the new count.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// Time returns the server clock.
	Time(ctx context.Context) (time.Time, error)

	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a confirmed subscription to channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Ping checks if the cache service is reachable.
	Ping(ctx context.Context) error

	// Close closes the cache connection.
	Close() error
}

// Subscription is an open pub/sub subscription.
type Subscription interface {
	// Messages yields payloads in arrival order. It is closed after Close, or
	// when the underlying connection gives up.
	Messages() <-chan []byte

	// Close ends the subscription.
	Close() error
}
