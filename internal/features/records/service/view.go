package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"content-sync/internal/core/broadcast"
	"content-sync/internal/core/logger"
	"content-sync/internal/features/records/domain"
	"content-sync/internal/features/records/ports"

	"go.uber.org/zap"
)

// ErrViewStarted is returned by Start on a view that is already running.
var ErrViewStarted = errors.New("view already started")

// View is a process's in-memory last-write-wins picture of every record it has
// heard of. It is fed by broadcasts from other processes, realtime pushes for
// watched ids and forced re-reads of the local store. Applied values are
// mirrored into the local store so this instance's durable cache keeps up.
type View struct {
	bus      broadcast.Bus
	local    ports.LocalStore
	realtime ports.RealtimeSubscriber
	logger   *zap.Logger

	mu        sync.RWMutex
	records   map[string]domain.StoredRecord
	listeners map[int]func(domain.StoredRecord)
	nextID    int
	unsubs    []func()
	watches   map[string]func()
	started   bool
}

// NewView creates a View. realtime may be nil, in which case Watch fails.
func NewView(bus broadcast.Bus, local ports.LocalStore, realtime ports.RealtimeSubscriber) *View {
	return &View{
		bus:       bus,
		local:     local,
		realtime:  realtime,
		logger:    logger.Named("view"),
		records:   make(map[string]domain.StoredRecord),
		listeners: make(map[int]func(domain.StoredRecord)),
		watches:   make(map[string]func()),
	}
}

// Start loads the local store and subscribes to every record topic.
func (v *View) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return ErrViewStarted
	}
	v.started = true
	v.mu.Unlock()

	if err := v.reload(ctx); err != nil {
		return err
	}

	for _, kind := range domain.Kinds() {
		unsubscribe, err := v.bus.Subscribe(kind.Topic(), v.handle)
		if err != nil {
			v.Stop()
			return fmt.Errorf("service: subscribe to %s: %w", kind.Topic(), err)
		}
		v.mu.Lock()
		v.unsubs = append(v.unsubs, unsubscribe)
		v.mu.Unlock()
	}
	return nil
}

// Stop drops every bus subscription and realtime watch.
func (v *View) Stop() {
	v.mu.Lock()
	unsubs := v.unsubs
	v.unsubs = nil
	for id, unwatch := range v.watches {
		unsubs = append(unsubs, unwatch)
		delete(v.watches, id)
	}
	v.started = false
	v.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}

// Watch applies realtime pushes for id until Unwatch or Stop. Watching an id
// twice is a no-op.
func (v *View) Watch(id string) error {
	if v.realtime == nil {
		return ErrNoRealtime
	}
	v.mu.Lock()
	if _, ok := v.watches[id]; ok {
		v.mu.Unlock()
		return nil
	}
	v.watches[id] = func() {}
	v.mu.Unlock()

	unsubscribe, err := v.realtime.Subscribe(id, func(rec domain.Record) {
		if rec == nil {
			v.logger.Debug("Realtime push without record", zap.String("id", id))
			return
		}
		v.accept(context.Background(), rec, domain.SourceRemote)
	})
	if err != nil {
		v.mu.Lock()
		delete(v.watches, id)
		v.mu.Unlock()
		return fmt.Errorf("service: watch %s: %w", id, err)
	}

	v.mu.Lock()
	if _, ok := v.watches[id]; !ok {
		// Unwatched or stopped while subscribing.
		v.mu.Unlock()
		unsubscribe()
		return nil
	}
	v.watches[id] = unsubscribe
	v.mu.Unlock()
	return nil
}

// Refresh re-reads id from the local store and applies it. The coordinator of
// this process calls it after every attempt, since the bus never delivers a
// process's own broadcasts back to it.
func (v *View) Refresh(ctx context.Context, id string) error {
	stored, err := v.local.Read(ctx, id)
	if err != nil {
		return fmt.Errorf("service: refresh %s: %w", id, err)
	}
	if stored != nil {
		v.apply(*stored)
	}
	return nil
}

// Unwatch stops realtime pushes for id.
func (v *View) Unwatch(id string) {
	v.mu.Lock()
	unwatch, ok := v.watches[id]
	delete(v.watches, id)
	v.mu.Unlock()
	if ok {
		unwatch()
	}
}

// Get returns the view's value for id, falling back to the local store.
func (v *View) Get(ctx context.Context, id string) (*domain.StoredRecord, error) {
	v.mu.RLock()
	stored, ok := v.records[id]
	v.mu.RUnlock()
	if ok {
		return &stored, nil
	}

	fromDisk, err := v.local.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: read %s: %w", id, err)
	}
	if fromDisk == nil {
		return nil, ports.ErrNotFound
	}
	v.apply(*fromDisk)
	return fromDisk, nil
}

// Snapshot returns every record ordered by kind, position and order.
func (v *View) Snapshot() []domain.StoredRecord {
	v.mu.RLock()
	out := make([]domain.StoredRecord, 0, len(v.records))
	for _, stored := range v.records {
		out = append(out, stored)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Record, out[j].Record
		if a.RecordKind() != b.RecordKind() {
			return a.RecordKind() < b.RecordKind()
		}
		if pa, pb := placement(a), placement(b); pa != pb {
			return pa < pb
		}
		if oa, ob := rank(a), rank(b); oa != ob {
			return oa < ob
		}
		return a.RecordID() < b.RecordID()
	})
	return out
}

// OnChange registers fn for every value the view applies and returns a
// function removing it. fn runs on the goroutine that applied the value.
func (v *View) OnChange(fn func(domain.StoredRecord)) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

func (v *View) handle(msg broadcast.Message) {
	ctx := context.Background()
	switch msg.Type {
	case broadcast.TypeForceSync:
		if err := v.reload(ctx); err != nil {
			v.logger.Error("Forced reload failed", zap.Error(err))
		}
	case broadcast.TypeRecordUpdate:
		rec, err := domain.Decode(msg.Data)
		if err != nil {
			v.logger.Warn("Ignoring undecodable broadcast", zap.String("id", msg.ID), zap.Error(err))
			return
		}
		source := domain.SourceLocalFallback
		if msg.CacheBust {
			source = domain.SourceRemote
		}
		v.accept(ctx, rec, source)
	default:
		v.logger.Debug("Ignoring unknown broadcast", zap.String("type", string(msg.Type)))
	}
}

// accept applies rec to the view and mirrors it to the local store.
func (v *View) accept(ctx context.Context, rec domain.Record, source domain.SyncSource) {
	if _, err := v.local.Write(ctx, rec, source); err != nil {
		v.logger.Error("Failed to mirror record to local store", zap.String("id", rec.RecordID()), zap.Error(err))
	}
	stored, err := v.local.Read(ctx, rec.RecordID())
	if err != nil || stored == nil {
		stored = &domain.StoredRecord{Record: rec, SyncSource: source}
	}
	v.apply(*stored)
}

// reload applies everything in the local store.
func (v *View) reload(ctx context.Context) error {
	all, err := v.local.List(ctx)
	if err != nil {
		return fmt.Errorf("service: reload local store: %w", err)
	}
	for _, stored := range all {
		v.apply(stored)
	}
	return nil
}

// apply stores s when it is newer than the current value, or refreshes the
// sync metadata when it carries the same timestamp.
func (v *View) apply(s domain.StoredRecord) bool {
	id := s.Record.RecordID()

	v.mu.Lock()
	current, ok := v.records[id]
	switch {
	case !ok || domain.Newer(s.Record, current.Record):
	case s.Record.LastUpdated().Equal(current.Record.LastUpdated()):
		if current.SyncSource == domain.SourceRemote {
			s.SyncSource = domain.SourceRemote
		}
		s.Record = current.Record
		if s.LastSyncedAt.Before(current.LastSyncedAt) {
			s.LastSyncedAt = current.LastSyncedAt
		}
		v.records[id] = s
		v.mu.Unlock()
		return false
	default:
		v.mu.Unlock()
		return false
	}
	v.records[id] = s
	listeners := make([]func(domain.StoredRecord), 0, len(v.listeners))
	for _, fn := range v.listeners {
		listeners = append(listeners, fn)
	}
	v.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
	return true
}

func placement(rec domain.Record) string {
	switch r := rec.(type) {
	case *domain.Banner:
		return r.Position
	case *domain.Strip:
		return string(r.Position)
	}
	return ""
}

func rank(rec domain.Record) int {
	if b, ok := rec.(*domain.Banner); ok {
		return b.Order
	}
	return 0
}
