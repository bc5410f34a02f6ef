package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"content-sync/internal/core/broadcast"
	"content-sync/internal/core/cache"
	"content-sync/internal/features/records/adapters"
	"content-sync/internal/features/records/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRemoteStore is a mock implementation of ports.RemoteStore
type MockRemoteStore struct {
	mock.Mock
}

func (m *MockRemoteStore) Put(ctx context.Context, rec domain.Record) (domain.Record, error) {
	args := m.Called(ctx, rec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Record), args.Error(1)
}

func (m *MockRemoteStore) Get(ctx context.Context, id string) (domain.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Record), args.Error(1)
}

// MockProbe is a mock implementation of ports.AvailabilityProbe
type MockProbe struct {
	mock.Mock
}

func (m *MockProbe) Check(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

// echoRemote accepts every write. It records the order in which puts start and
// the highest number of puts observed running at once.
type echoRemote struct {
	delay time.Duration

	mu       sync.Mutex
	started  []string
	inFlight int
	maxSeen  int
	release  chan struct{}
}

func (e *echoRemote) Put(_ context.Context, rec domain.Record) (domain.Record, error) {
	e.mu.Lock()
	e.started = append(e.started, rec.RecordID()+"@"+rec.LastUpdated().Format("15:04"))
	e.inFlight++
	if e.inFlight > e.maxSeen {
		e.maxSeen = e.inFlight
	}
	release := e.release
	e.mu.Unlock()

	if release != nil {
		<-release
	}
	time.Sleep(e.delay)

	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
	return rec, nil
}

func (e *echoRemote) Get(context.Context, string) (domain.Record, error) {
	return nil, nil
}

func (e *echoRemote) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...)
}

func newLocalStore(t *testing.T) *adapters.SQLiteLocalStore {
	t.Helper()
	s, err := adapters.NewSQLiteLocalStore(t.TempDir(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRedisRemote(t *testing.T) (*miniredis.Miniredis, *cache.RedisAdapter, *adapters.RedisRemoteStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisAdapter("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return mr, c, adapters.NewRedisRemoteStore(c)
}

// newHubBus returns a bus joined to hub that is closed at test cleanup.
func newHubBus(t *testing.T, hub *broadcast.Hub) *broadcast.MemoryBus {
	t.Helper()
	bus := hub.Bus()
	t.Cleanup(func() { bus.Close() })
	return bus
}

func wait(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 12, minute, 0, 0, time.UTC)
}

func banner(id, name string, updatedAt time.Time) *domain.Banner {
	b := domain.NewBanner(id, name, "img/"+id+".png")
	b.UpdatedAt = updatedAt
	return b
}

// messages collects broadcasts received on one topic.
type messages struct {
	mu   sync.Mutex
	list []broadcast.Message
}

func listen(t *testing.T, bus broadcast.Bus, topic string) *messages {
	t.Helper()
	m := &messages{}
	unsubscribe, err := bus.Subscribe(topic, func(msg broadcast.Message) {
		m.mu.Lock()
		m.list = append(m.list, msg)
		m.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return m
}

func (m *messages) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.list)
}

func (m *messages) all() []broadcast.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]broadcast.Message(nil), m.list...)
}
