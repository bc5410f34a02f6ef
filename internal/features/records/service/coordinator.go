package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"content-sync/internal/core/broadcast"
	"content-sync/internal/core/deadline"
	"content-sync/internal/core/logger"
	"content-sync/internal/core/metrics"
	"content-sync/internal/features/records/domain"
	"content-sync/internal/features/records/ports"

	"go.uber.org/zap"
)

const (
	DefaultWriteTimeout = 3 * time.Second
	DefaultQueueLimit   = 256
)

var (
	// ErrQueueFull is returned when a new id is submitted while the queue holds
	// QueueLimit distinct ids.
	ErrQueueFull = errors.New("sync queue is full")
	// ErrNoRealtime is returned by Subscribe when no realtime subscriber was configured.
	ErrNoRealtime = errors.New("realtime subscriptions are not configured")
)

// Options tunes a Coordinator.
type Options struct {
	// WriteTimeout bounds every remote write. Zero means DefaultWriteTimeout.
	WriteTimeout time.Duration
	// QueueLimit caps the distinct ids waiting behind the running attempt.
	// Zero means DefaultQueueLimit; negative means unbounded.
	QueueLimit int
	// ProbeEnabled runs the availability probe before every remote write.
	ProbeEnabled bool
}

// job is one queued id with the latest record submitted for it.
type job struct {
	rec  domain.Record
	done chan struct{}
}

// Coordinator implements ports.SyncService. Attempts run one at a time on a
// single drain goroutine; everything submitted meanwhile waits in a FIFO queue
// de-duplicated by id.
type Coordinator struct {
	remote   ports.RemoteStore
	local    ports.LocalStore
	bus      broadcast.Bus
	probe    ports.AvailabilityProbe
	realtime ports.RealtimeSubscriber
	opts     Options
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	observers []func(domain.Record, domain.SyncSource)
	busy      bool
	queue     []string
	pending   map[string]*job
	idle      chan struct{}
}

// NewCoordinator creates a Coordinator. probe and realtime may be nil.
func NewCoordinator(
	remote ports.RemoteStore,
	local ports.LocalStore,
	bus broadcast.Bus,
	probe ports.AvailabilityProbe,
	realtime ports.RealtimeSubscriber,
	opts Options,
) *Coordinator {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.QueueLimit == 0 {
		opts.QueueLimit = DefaultQueueLimit
	}
	return &Coordinator{
		remote:   remote,
		local:    local,
		bus:      bus,
		probe:    probe,
		realtime: realtime,
		opts:     opts,
		now:      time.Now,
		logger:   logger.Named("coordinator"),
		pending:  make(map[string]*job),
	}
}

// SyncRecord schedules rec and returns without waiting for the attempt.
// Remote failures are never returned: the record then lands in the local
// fallback store. Only validation errors and ErrQueueFull are reported.
func (c *Coordinator) SyncRecord(_ context.Context, rec domain.Record) error {
	_, err := c.submit(rec)
	return err
}

// SyncAll submits recs in order and waits until every accepted record was
// attempted. Invalid records are skipped and reported together at the end.
// A full queue makes SyncAll wait for its own earlier records to drain.
func (c *Coordinator) SyncAll(ctx context.Context, recs []domain.Record) error {
	var (
		errs  []error
		dones []<-chan struct{}
		next  int
	)

	for i, rec := range recs {
		for {
			done, err := c.submit(rec)
			if errors.Is(err, ErrQueueFull) && next < len(dones) {
				select {
				case <-dones[next]:
					next++
					continue
				case <-ctx.Done():
					return errors.Join(append(errs, ctx.Err())...)
				}
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("record %d (%s): %w", i, recordID(rec), err))
			} else {
				dones = append(dones, done)
			}
			break
		}
	}

	for _, done := range dones[next:] {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	return errors.Join(errs...)
}

// Subscribe forwards remote changes of id to onChange.
func (c *Coordinator) Subscribe(id string, onChange func(domain.Record)) (func(), error) {
	if c.realtime == nil {
		return nil, ErrNoRealtime
	}
	return c.realtime.Subscribe(id, onChange)
}

// ForceCrossProcessSync publishes a forceSync message on every record topic.
func (c *Coordinator) ForceCrossProcessSync(ctx context.Context) error {
	var errs []error
	for _, kind := range domain.Kinds() {
		if err := c.bus.Publish(ctx, kind.Topic(), broadcast.ForceSync()); err != nil {
			errs = append(errs, fmt.Errorf("service: force sync on %s: %w", kind.Topic(), err))
		}
	}
	return errors.Join(errs...)
}

// Observe registers fn to run after every finished attempt with the record that
// was written and where it landed. Observers run on the drain goroutine.
func (c *Coordinator) Observe(fn func(domain.Record, domain.SyncSource)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Wait blocks until no attempt is running and the queue is empty.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	if !c.busy {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit validates rec and queues it, starting the drain goroutine when idle.
// The returned channel closes once the attempt covering rec has finished.
func (c *Coordinator) submit(rec domain.Record) (<-chan struct{}, error) {
	if rec == nil {
		return nil, domain.ErrNilRecord
	}
	rec = rec.Clone()
	if err := domain.Prepare(rec); err != nil {
		return nil, err
	}
	id := rec.RecordID()

	c.mu.Lock()
	defer c.mu.Unlock()

	if j, ok := c.pending[id]; ok {
		if rec.LastUpdated().IsZero() || !rec.LastUpdated().Before(j.rec.LastUpdated()) {
			j.rec = rec
		}
		return j.done, nil
	}

	if c.opts.QueueLimit > 0 && len(c.queue) >= c.opts.QueueLimit {
		return nil, ErrQueueFull
	}

	j := &job{rec: rec, done: make(chan struct{})}
	c.pending[id] = j
	c.queue = append(c.queue, id)
	metrics.Sync.QueueDepth(len(c.queue))

	if !c.busy {
		c.busy = true
		c.idle = make(chan struct{})
		go c.drain()
	}
	return j.done, nil
}

func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.busy = false
			close(c.idle)
			c.mu.Unlock()
			return
		}
		id := c.queue[0]
		c.queue = c.queue[1:]
		j := c.pending[id]
		delete(c.pending, id)
		metrics.Sync.QueueDepth(len(c.queue))
		c.mu.Unlock()

		c.attempt(context.Background(), j.rec)
		close(j.done)
	}
}

// attempt writes rec to the remote store and mirrors the result locally, or
// falls back to the local store when the remote is unavailable.
func (c *Coordinator) attempt(ctx context.Context, rec domain.Record) {
	log := c.logger.With(zap.String("id", rec.RecordID()), zap.String("kind", string(rec.RecordKind())))

	if c.opts.ProbeEnabled && c.probe != nil && !c.probe.Check(ctx) {
		c.fallback(ctx, log, rec, "unavailable", nil)
		return
	}

	// The remote call may outlive the race, so it gets its own copy.
	candidate := rec.Clone()
	stored, err := deadline.Race(ctx, c.opts.WriteTimeout, func(ctx context.Context) (domain.Record, error) {
		return c.remote.Put(ctx, candidate)
	})
	if err != nil {
		c.fallback(ctx, log, rec, string(ports.RemoteErrorKindOf(err)), err)
		return
	}
	metrics.Sync.RemoteCommitted(string(rec.RecordKind()))

	if _, err := c.local.Write(ctx, stored, domain.SourceRemote); err != nil {
		log.Error("Failed to mirror record to local store", zap.Error(err))
	}
	c.publish(ctx, log, stored, true)
	c.notify(stored, domain.SourceRemote)
	log.Debug("Record synced", zap.Time("updated_at", stored.LastUpdated()))
}

func (c *Coordinator) fallback(ctx context.Context, log *zap.Logger, rec domain.Record, reason string, cause error) {
	log.Warn("Remote store unavailable, writing to local fallback",
		zap.String("reason", reason),
		zap.Error(cause),
	)
	metrics.Sync.FellBack(string(rec.RecordKind()), reason)

	if rec.LastUpdated().IsZero() {
		rec.Stamp(c.now(), time.Time{})
	}
	if _, err := c.local.Write(ctx, rec, domain.SourceLocalFallback); err != nil {
		log.Error("Failed to write record to local fallback store", zap.Error(err))
	}
	c.publish(ctx, log, rec, false)
	c.notify(rec, domain.SourceLocalFallback)
}

func (c *Coordinator) notify(rec domain.Record, source domain.SyncSource) {
	c.mu.Lock()
	observers := c.observers
	c.mu.Unlock()
	for _, fn := range observers {
		fn(rec, source)
	}
}

// publish announces rec on its kind's topic. cacheBust is set only for values
// confirmed by the remote store.
func (c *Coordinator) publish(ctx context.Context, log *zap.Logger, rec domain.Record, cacheBust bool) {
	data, err := domain.Encode(rec)
	if err != nil {
		log.Error("Failed to encode record for broadcast", zap.Error(err))
		return
	}
	if err := c.bus.Publish(ctx, rec.RecordKind().Topic(), broadcast.RecordUpdate(rec.RecordID(), data, cacheBust)); err != nil {
		log.Warn("Failed to broadcast record update", zap.Error(err))
	}
}

func recordID(rec domain.Record) string {
	if rec == nil {
		return ""
	}
	return rec.RecordID()
}
