package broadcast

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"content-sync/internal/core/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects delivered messages for assertions.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recorder) count() int {
	return len(r.all())
}

// pair returns two endpoints that share one medium, like two processes on a host.
type pairFactory func(t *testing.T) (Bus, Bus)

func memoryPair(t *testing.T) (Bus, Bus) {
	hub := NewHub()
	t.Cleanup(hub.Close)
	return hub.Bus(), hub.Bus()
}

func redisPair(t *testing.T) (Bus, Bus) {
	mr := miniredis.RunT(t)
	c1, err := cache.NewRedisAdapter("redis://" + mr.Addr())
	require.NoError(t, err)
	c2, err := cache.NewRedisAdapter("redis://" + mr.Addr())
	require.NoError(t, err)
	b1, b2 := NewRedisBus(c1), NewRedisBus(c2)
	t.Cleanup(func() {
		b1.Close()
		b2.Close()
		c1.Close()
		c2.Close()
	})
	return b1, b2
}

func filePair(t *testing.T) (Bus, Bus) {
	dir := t.TempDir()
	b1, err := NewFileBus(dir)
	require.NoError(t, err)
	b2, err := NewFileBus(dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		b1.Close()
		b2.Close()
	})
	return b1, b2
}

func TestBus_CrossProcessDelivery(t *testing.T) {
	for name, newPair := range map[string]pairFactory{
		"Memory": memoryPair,
		"Redis":  redisPair,
		"File":   filePair,
	} {
		t.Run(name, func(t *testing.T) {
			p1, p2 := newPair(t)
			ctx := context.Background()

			var got, self recorder
			unsub, err := p2.Subscribe("banner-updates", got.handle)
			require.NoError(t, err)
			defer unsub()

			unsubSelf, err := p1.Subscribe("banner-updates", self.handle)
			require.NoError(t, err)
			defer unsubSelf()

			data := json.RawMessage(`{"kind":"banner","record":{"id":"hero-1"}}`)
			require.NoError(t, p1.Publish(ctx, "banner-updates", RecordUpdate("hero-1", data, true)))
			require.NoError(t, p1.Publish(ctx, "banner-strip-updates", RecordUpdate("strip-1", nil, true)))

			require.Eventually(t, func() bool { return got.count() == 1 }, 3*time.Second, 10*time.Millisecond)
			msg := got.all()[0]
			assert.Equal(t, TypeRecordUpdate, msg.Type)
			assert.Equal(t, "hero-1", msg.ID)
			assert.True(t, msg.CacheBust)
			assert.JSONEq(t, string(data), string(msg.Data))
			assert.NotEmpty(t, msg.Origin)

			// Publisher never hears itself, and other topics stay separate.
			time.Sleep(100 * time.Millisecond)
			assert.Equal(t, 0, self.count())
			assert.Equal(t, 1, got.count())
		})
	}
}

func TestBus_LateSubscriberMissesEarlierMessages(t *testing.T) {
	for name, newPair := range map[string]pairFactory{
		"Memory": memoryPair,
		"Redis":  redisPair,
		"File":   filePair,
	} {
		t.Run(name, func(t *testing.T) {
			p1, p2 := newPair(t)
			ctx := context.Background()

			require.NoError(t, p1.Publish(ctx, "banner-updates", ForceSync()))

			var got recorder
			unsub, err := p2.Subscribe("banner-updates", got.handle)
			require.NoError(t, err)
			defer unsub()

			time.Sleep(100 * time.Millisecond)
			assert.Equal(t, 0, got.count())
		})
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	p1, p2 := memoryPair(t)
	ctx := context.Background()

	var got recorder
	unsub, err := p2.Subscribe("banner-updates", got.handle)
	require.NoError(t, err)

	require.NoError(t, p1.Publish(ctx, "banner-updates", ForceSync()))
	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	require.NoError(t, p1.Publish(ctx, "banner-updates", ForceSync()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, got.count())
}

func TestBus_Closed(t *testing.T) {
	b, err := New("file", t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "t", ForceSync()), ErrClosed)
	_, err = b.Subscribe("t", func(Message) {})
	assert.ErrorIs(t, err, ErrClosed)

	hub := NewHub()
	mb := hub.Bus()
	hub.Close()
	assert.ErrorIs(t, mb.Publish(context.Background(), "t", ForceSync()), ErrClosed)
}

func TestFileBus_SweepsExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBus(dir)
	require.NoError(t, err)
	defer b.Close()
	b.retention = 0

	topicDir := filepath.Join(dir, "banner-updates")
	require.NoError(t, os.MkdirAll(topicDir, 0o755))
	stale := filepath.Join(topicDir, "1-old.json")
	require.NoError(t, os.WriteFile(stale, []byte(`{}`), 0o644))

	require.NoError(t, b.Publish(context.Background(), "banner-updates", ForceSync()))

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New("smoke-signals", "", nil)
	assert.Error(t, err)

	_, err = New("redis", "", nil)
	assert.Error(t, err)

	b, err := New("memory", "", nil)
	require.NoError(t, err)
	assert.NoError(t, b.Close())
}
