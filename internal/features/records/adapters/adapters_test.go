package adapters

import (
	"context"
	"testing"
	"time"

	"content-sync/internal/core/cache"
	"content-sync/internal/features/records/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// newTestCache starts a miniredis server and returns a cache adapter connected to it.
func newTestCache(t *testing.T) (*miniredis.Miniredis, *cache.RedisAdapter) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisAdapter("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return mr, c
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 12, minute, 0, 0, time.UTC)
}

func banner(id, name string, updatedAt time.Time) *domain.Banner {
	b := domain.NewBanner(id, name, "img/"+id+".png")
	b.UpdatedAt = updatedAt
	return b
}

// recorder collects onChange callbacks.
type recorder struct {
	ch chan domain.Record
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan domain.Record, 16)}
}

func (r *recorder) onChange(rec domain.Record) {
	r.ch <- rec
}

func (r *recorder) next(t *testing.T) domain.Record {
	t.Helper()
	select {
	case rec := <-r.ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return nil
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case rec := <-r.ch:
		t.Fatalf("unexpected change: %#v", rec)
	case <-time.After(wait):
	}
}

// ctxTimeout returns a context cancelled at test cleanup.
func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
