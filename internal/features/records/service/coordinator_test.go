package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"content-sync/internal/core/broadcast"
	"content-sync/internal/features/records/domain"
	"content-sync/internal/features/records/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_SyncRecordRemote(t *testing.T) {
	_, _, remote := newRedisRemote(t)
	local := newLocalStore(t)
	hub := broadcast.NewHub()
	other := listen(t, newHubBus(t, hub), domain.KindBanner.Topic())
	c := NewCoordinator(remote, local, newHubBus(t, hub), nil, nil, Options{})

	require.NoError(t, c.SyncRecord(context.Background(), banner("hero-1", "Summer", at(1))))
	wait(t, c)

	got, err := remote.Get(testCtx(t), "hero-1")
	require.NoError(t, err)
	assert.Equal(t, "Summer", got.(*domain.Banner).Name)

	stored, err := local.Read(testCtx(t), "hero-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.SourceRemote, stored.SyncSource)

	require.Eventually(t, func() bool { return other.len() == 1 }, time.Second, 10*time.Millisecond)
	msg := other.all()[0]
	assert.Equal(t, broadcast.TypeRecordUpdate, msg.Type)
	assert.Equal(t, "hero-1", msg.ID)
	assert.True(t, msg.CacheBust)
}

func TestCoordinator_Idempotence(t *testing.T) {
	_, _, remote := newRedisRemote(t)
	local := newLocalStore(t)
	c := NewCoordinator(remote, local, broadcast.NewMemoryBus(), nil, nil, Options{})
	rec := banner("hero-1", "Same", at(3))

	require.NoError(t, c.SyncRecord(context.Background(), rec))
	wait(t, c)
	first, err := local.Read(testCtx(t), "hero-1")
	require.NoError(t, err)

	require.NoError(t, c.SyncRecord(context.Background(), rec))
	wait(t, c)
	second, err := local.Read(testCtx(t), "hero-1")
	require.NoError(t, err)

	assert.Equal(t, first.Record, second.Record)
	assert.Equal(t, first.SyncSource, second.SyncSource)
	assert.False(t, second.LastSyncedAt.Before(first.LastSyncedAt))

	fromRemote, err := remote.Get(testCtx(t), "hero-1")
	require.NoError(t, err)
	assert.Equal(t, first.Record, fromRemote)
}

func TestCoordinator_SingleFlightOrdering(t *testing.T) {
	remote := &echoRemote{delay: 30 * time.Millisecond}
	c := NewCoordinator(remote, newLocalStore(t), broadcast.NewMemoryBus(), nil, nil, Options{})

	err := c.SyncAll(testCtx(t), []domain.Record{
		banner("A", "a", at(1)),
		banner("B", "b", at(1)),
		banner("C", "c", at(1)),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"A@12:01", "B@12:01", "C@12:01"}, remote.calls())
	assert.Equal(t, 1, remote.maxSeen)
}

func TestCoordinator_TimeoutDiscardsLateResult(t *testing.T) {
	remote := new(MockRemoteStore)
	late := banner("hero-1", "Late remote value", at(9))
	remote.On("Put", mock.Anything, mock.Anything).Return(late, nil).After(400 * time.Millisecond)
	local := newLocalStore(t)
	c := NewCoordinator(remote, local, broadcast.NewMemoryBus(), nil, nil, Options{WriteTimeout: 100 * time.Millisecond})

	start := time.Now()
	require.NoError(t, c.SyncRecord(context.Background(), banner("hero-1", "Edited", at(2))))
	wait(t, c)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	stored, err := local.Read(testCtx(t), "hero-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.SourceLocalFallback, stored.SyncSource)
	assert.Equal(t, "Edited", stored.Record.(*domain.Banner).Name)

	time.Sleep(500 * time.Millisecond)
	stored, err = local.Read(testCtx(t), "hero-1")
	require.NoError(t, err)
	assert.Equal(t, "Edited", stored.Record.(*domain.Banner).Name)
	assert.Equal(t, domain.SourceLocalFallback, stored.SyncSource)
}

func TestCoordinator_QuotaFallback(t *testing.T) {
	remote := new(MockRemoteStore)
	remote.On("Put", mock.Anything, mock.Anything).
		Return(nil, &ports.RemoteError{Kind: ports.RemoteQuotaExceeded, Op: "put", Err: errors.New("quota")})
	local := newLocalStore(t)
	hub := broadcast.NewHub()
	other := listen(t, newHubBus(t, hub), domain.KindBanner.Topic())
	c := NewCoordinator(remote, local, newHubBus(t, hub), nil, nil, Options{})

	for i := 0; i < 100; i++ {
		assert.NoError(t, c.SyncRecord(context.Background(), banner(fmt.Sprintf("hero-%03d", i), "x", at(1))))
	}
	wait(t, c)

	all, err := local.List(testCtx(t))
	require.NoError(t, err)
	require.Len(t, all, 100)
	for _, stored := range all {
		assert.Equal(t, domain.SourceLocalFallback, stored.SyncSource)
	}
	require.Eventually(t, func() bool { return other.len() == 100 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, other.all()[0].CacheBust)
	remote.AssertNumberOfCalls(t, "Put", 100)
}

func TestCoordinator_FallbackStampsMissingTimestamp(t *testing.T) {
	remote := new(MockRemoteStore)
	remote.On("Put", mock.Anything, mock.Anything).
		Return(nil, &ports.RemoteError{Kind: ports.RemoteNetwork, Err: errors.New("refused")})
	local := newLocalStore(t)
	c := NewCoordinator(remote, local, broadcast.NewMemoryBus(), nil, nil, Options{})
	c.now = func() time.Time { return at(33) }

	rec := banner("hero-1", "Unstamped", time.Time{})
	require.NoError(t, c.SyncRecord(context.Background(), rec))
	wait(t, c)

	stored, err := local.Read(testCtx(t), "hero-1")
	require.NoError(t, err)
	assert.True(t, stored.Record.LastUpdated().Equal(at(33)))
	assert.True(t, rec.UpdatedAt.IsZero(), "caller's record is not mutated")
}

func TestCoordinator_LastWriteWinsConvergence(t *testing.T) {
	_, _, remote := newRedisRemote(t)
	local := newLocalStore(t)
	c := NewCoordinator(remote, local, broadcast.NewMemoryBus(), nil, nil, Options{})

	require.NoError(t, c.SyncRecord(context.Background(), banner("hero-1", "T2", at(2))))
	wait(t, c)
	require.NoError(t, c.SyncRecord(context.Background(), banner("hero-1", "T1", at(1))))
	wait(t, c)

	fromRemote, err := remote.Get(testCtx(t), "hero-1")
	require.NoError(t, err)
	assert.Equal(t, "T2", fromRemote.(*domain.Banner).Name)

	stored, err := local.Read(testCtx(t), "hero-1")
	require.NoError(t, err)
	assert.Equal(t, "T2", stored.Record.(*domain.Banner).Name)
}

func TestCoordinator_LastWriteWinsWhileOffline(t *testing.T) {
	remote := new(MockRemoteStore)
	remote.On("Put", mock.Anything, mock.Anything).
		Return(nil, &ports.RemoteError{Kind: ports.RemoteTimeout})
	local := newLocalStore(t)
	c := NewCoordinator(remote, local, broadcast.NewMemoryBus(), nil, nil, Options{})

	require.NoError(t, c.SyncAll(testCtx(t), []domain.Record{
		banner("hero-1", "T2", at(2)),
	}))
	require.NoError(t, c.SyncAll(testCtx(t), []domain.Record{
		banner("hero-1", "T1", at(1)),
	}))

	stored, err := local.Read(testCtx(t), "hero-1")
	require.NoError(t, err)
	assert.Equal(t, "T2", stored.Record.(*domain.Banner).Name)
}

func TestCoordinator_CropSanitization(t *testing.T) {
	_, _, remote := newRedisRemote(t)
	local := newLocalStore(t)
	c := NewCoordinator(remote, local, broadcast.NewMemoryBus(), nil, nil, Options{})

	rec := banner("hero-1", "Cropped", at(1))
	rec.CropMetadata = &domain.CropMetadata{TX: math.NaN(), TY: 0, Scale: 1}
	require.NoError(t, c.SyncRecord(context.Background(), rec))
	wait(t, c)

	fromRemote, err := remote.Get(testCtx(t), "hero-1")
	require.NoError(t, err)
	assert.Nil(t, fromRemote.(*domain.Banner).CropMetadata)

	stored, err := local.Read(testCtx(t), "hero-1")
	require.NoError(t, err)
	assert.Nil(t, stored.Record.(*domain.Banner).CropMetadata)
}

func TestCoordinator_CrossProcessVisibility(t *testing.T) {
	hub := broadcast.NewHub()
	p2 := listen(t, newHubBus(t, hub), domain.KindStrip.Topic())
	_, _, remote := newRedisRemote(t)
	p1 := NewCoordinator(remote, newLocalStore(t), newHubBus(t, hub), nil, nil, Options{})

	strip := domain.NewStrip("strip-1", "Free shipping today")
	strip.UpdatedAt = at(4)
	require.NoError(t, p1.SyncRecord(context.Background(), strip))

	require.Eventually(t, func() bool { return p2.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := p2.all()[0]
	assert.Equal(t, "strip-1", msg.ID)
	rec, err := domain.Decode(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "Free shipping today", rec.(*domain.Strip).Text)
}

func TestCoordinator_ValidationRejected(t *testing.T) {
	remote := new(MockRemoteStore)
	local := newLocalStore(t)
	c := NewCoordinator(remote, local, broadcast.NewMemoryBus(), nil, nil, Options{})

	err := c.SyncRecord(context.Background(), banner("  ", "No id", at(1)))
	assert.ErrorIs(t, err, domain.ErrMissingID)
	assert.ErrorIs(t, c.SyncRecord(context.Background(), nil), domain.ErrNilRecord)

	wait(t, c)
	all, err := local.List(testCtx(t))
	require.NoError(t, err)
	assert.Empty(t, all)
	remote.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
}

func TestCoordinator_SyncAllReportsInvalid(t *testing.T) {
	remote := &echoRemote{}
	local := newLocalStore(t)
	c := NewCoordinator(remote, local, broadcast.NewMemoryBus(), nil, nil, Options{})

	err := c.SyncAll(testCtx(t), []domain.Record{
		banner("A", "a", at(1)),
		banner("", "broken", at(1)),
		banner("C", "c", at(1)),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMissingID)
	assert.Contains(t, err.Error(), "record 1")
	assert.Equal(t, []string{"A@12:01", "C@12:01"}, remote.calls())
}

func TestCoordinator_QueueDeduplicates(t *testing.T) {
	remote := &echoRemote{release: make(chan struct{})}
	c := NewCoordinator(remote, newLocalStore(t), broadcast.NewMemoryBus(), nil, nil, Options{})

	require.NoError(t, c.SyncRecord(context.Background(), banner("A", "a", at(1))))
	require.Eventually(t, func() bool { return len(remote.calls()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SyncRecord(context.Background(), banner("B", "b1", at(1))))
	require.NoError(t, c.SyncRecord(context.Background(), banner("B", "b2", at(5))))
	require.NoError(t, c.SyncRecord(context.Background(), banner("B", "stale", at(3))))
	require.NoError(t, c.SyncRecord(context.Background(), banner("C", "c", at(1))))

	close(remote.release)
	wait(t, c)

	assert.Equal(t, []string{"A@12:01", "B@12:05", "C@12:01"}, remote.calls())
}

func TestCoordinator_QueueBounded(t *testing.T) {
	remote := &echoRemote{release: make(chan struct{})}
	c := NewCoordinator(remote, newLocalStore(t), broadcast.NewMemoryBus(), nil, nil, Options{QueueLimit: 1})

	require.NoError(t, c.SyncRecord(context.Background(), banner("A", "a", at(1))))
	require.Eventually(t, func() bool { return len(remote.calls()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SyncRecord(context.Background(), banner("B", "b", at(1))))
	assert.ErrorIs(t, c.SyncRecord(context.Background(), banner("C", "c", at(1))), ErrQueueFull)
	assert.NoError(t, c.SyncRecord(context.Background(), banner("B", "b again", at(2))), "queued ids can be replaced")

	close(remote.release)
	wait(t, c)
}

func TestCoordinator_SyncAllWaitsForQueueSpace(t *testing.T) {
	remote := &echoRemote{delay: 5 * time.Millisecond}
	c := NewCoordinator(remote, newLocalStore(t), broadcast.NewMemoryBus(), nil, nil, Options{QueueLimit: 1})

	recs := make([]domain.Record, 0, 6)
	want := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("r%d", i)
		recs = append(recs, banner(id, id, at(1)))
		want = append(want, id+"@12:01")
	}

	require.NoError(t, c.SyncAll(testCtx(t), recs))
	assert.Equal(t, want, remote.calls())
}

func TestCoordinator_ProbeSkipsRemote(t *testing.T) {
	remote := new(MockRemoteStore)
	probe := new(MockProbe)
	probe.On("Check", mock.Anything).Return(false)
	local := newLocalStore(t)
	c := NewCoordinator(remote, local, broadcast.NewMemoryBus(), probe, nil, Options{ProbeEnabled: true})

	require.NoError(t, c.SyncRecord(context.Background(), banner("hero-1", "Offline", at(1))))
	wait(t, c)

	remote.AssertNotCalled(t, "Put", mock.Anything, mock.Anything)
	stored, err := local.Read(testCtx(t), "hero-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceLocalFallback, stored.SyncSource)
}

func TestCoordinator_ProbeDisabled(t *testing.T) {
	remote := &echoRemote{}
	probe := new(MockProbe)
	c := NewCoordinator(remote, newLocalStore(t), broadcast.NewMemoryBus(), probe, nil, Options{ProbeEnabled: false})

	require.NoError(t, c.SyncRecord(context.Background(), banner("hero-1", "x", at(1))))
	wait(t, c)

	probe.AssertNotCalled(t, "Check", mock.Anything)
	assert.Len(t, remote.calls(), 1)
}

func TestCoordinator_ForceCrossProcessSync(t *testing.T) {
	hub := broadcast.NewHub()
	other := newHubBus(t, hub)
	banners := listen(t, other, domain.KindBanner.Topic())
	strips := listen(t, other, domain.KindStrip.Topic())
	c := NewCoordinator(&echoRemote{}, newLocalStore(t), newHubBus(t, hub), nil, nil, Options{})

	require.NoError(t, c.ForceCrossProcessSync(context.Background()))

	require.Eventually(t, func() bool { return banners.len() == 1 && strips.len() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, broadcast.TypeForceSync, banners.all()[0].Type)
	assert.Empty(t, banners.all()[0].Data)
}

func TestCoordinator_Subscribe(t *testing.T) {
	c := NewCoordinator(&echoRemote{}, newLocalStore(t), broadcast.NewMemoryBus(), nil, nil, Options{})
	_, err := c.Subscribe("hero-1", func(domain.Record) {})
	assert.ErrorIs(t, err, ErrNoRealtime)

	realtime := &fakeRealtime{}
	c = NewCoordinator(&echoRemote{}, newLocalStore(t), broadcast.NewMemoryBus(), nil, realtime, Options{})
	unsubscribe, err := c.Subscribe("hero-1", func(domain.Record) {})
	require.NoError(t, err)
	unsubscribe()
	assert.Equal(t, []string{"hero-1"}, realtime.ids())
}

func TestCoordinator_Observe(t *testing.T) {
	remote := new(MockRemoteStore)
	remote.On("Put", mock.Anything, mock.Anything).
		Return(nil, &ports.RemoteError{Kind: ports.RemoteQuotaExceeded})
	c := NewCoordinator(remote, newLocalStore(t), broadcast.NewMemoryBus(), nil, nil, Options{})

	var sources []domain.SyncSource
	c.Observe(func(_ domain.Record, source domain.SyncSource) {
		sources = append(sources, source)
	})

	require.NoError(t, c.SyncRecord(context.Background(), banner("hero-1", "x", at(1))))
	wait(t, c)
	assert.Equal(t, []domain.SyncSource{domain.SourceLocalFallback}, sources)
}

func TestCoordinator_WaitRespectsContext(t *testing.T) {
	remote := &echoRemote{release: make(chan struct{})}
	c := NewCoordinator(remote, newLocalStore(t), broadcast.NewMemoryBus(), nil, nil, Options{})
	require.NoError(t, c.SyncRecord(context.Background(), banner("A", "a", at(1))))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	close(remote.release)
	wait(t, c)
}
