// Package engine is the per-channel live objects instance. It owns the object
// pool behind a single lock, drives the sync state machine from inbound
// frames, and turns caller intent into published operations.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/zeusync/liveobjects/internal/core/events/bus"
	"github.com/zeusync/liveobjects/internal/core/objects"
	"github.com/zeusync/liveobjects/internal/core/objects/syncseq"
	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
	"github.com/zeusync/liveobjects/internal/core/observability/metrics"
	"github.com/zeusync/liveobjects/internal/core/protocol"
)

// SyncState is the engine's view of whether the pool is authoritative.
type SyncState string

const (
	SyncStateInitialized SyncState = "initialized"
	SyncStateSyncing     SyncState = "syncing"
	SyncStateSynced      SyncState = "synced"
)

// Event is emitted on sync state transitions.
type Event string

const (
	EventSyncing Event = "syncing"
	EventSynced  Event = "synced"
)

// Channel is what the engine needs from the transport.
type Channel interface {
	State() protocol.ChannelState
	Publish(ctx context.Context, msgs []*wire.ObjectMessage) error
}

// ServerTimer is implemented by channels that know the server clock. New
// object ids use it when available.
type ServerTimer interface {
	ServerTime() time.Time
}

var _ protocol.Handler = (*Engine)(nil)

// Engine holds the live objects of one channel.
type Engine struct {
	channel Channel
	clock   objects.Clock
	logger  log.Log
	metrics metrics.Recorder
	nonce   func() (string, error)
	events  *bus.Registry[Event, SyncState]

	gcInterval time.Duration

	mu          sync.Mutex
	pool        *objects.Pool
	coordinator *syncseq.Coordinator
	state       SyncState
	synced      chan struct{}
	gcGrace     time.Duration
	graceMode   GracePeriodMode
}

// New creates an engine publishing through channel. The channel's frames must
// be routed to the engine's Handler methods.
func New(channel Channel, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(log.String("component", "engine"))
	return &Engine{
		channel:     channel,
		clock:       o.clock,
		logger:      logger,
		metrics:     o.metrics,
		nonce:       o.nonce,
		events:      bus.New[Event, SyncState](),
		gcInterval:  o.gcInterval,
		pool:        objects.NewPool(o.clock, o.logger),
		coordinator: syncseq.New(),
		state:       SyncStateInitialized,
		synced:      make(chan struct{}),
		gcGrace:     o.gcGrace,
		graceMode:   o.graceMode,
	}
}

// SyncState returns the current state.
func (e *Engine) SyncState() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GCGracePeriod returns the grace period currently in force.
func (e *Engine) GCGracePeriod() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gcGrace
}

// On subscribes to a sync state event.
func (e *Engine) On(event Event, handler bus.Handler[SyncState]) bus.Subscription {
	return e.events.Subscribe(event, handler)
}

// Off removes every handler of event.
func (e *Engine) Off(event Event) { e.events.Off(event) }

// OffAll removes every sync state handler.
func (e *Engine) OffAll() { e.events.UnsubscribeAll() }

// View runs fn with the engine lock held. fn must not call back into the
// engine.
func (e *Engine) View(fn func(pool *objects.Pool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.pool)
}

// Digest returns the pool digest.
func (e *Engine) Digest() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Digest()
}

// transitionLocked moves to state and returns the event emission to run once
// the lock is released. The synced channel is closed exactly while the state
// is synced.
func (e *Engine) transitionLocked(to SyncState) func() {
	if e.state == to {
		return nil
	}
	from := e.state
	e.state = to
	switch to {
	case SyncStateSyncing:
		select {
		case <-e.synced:
			e.synced = make(chan struct{})
		default:
		}
	case SyncStateSynced:
		close(e.synced)
	}
	e.logger.Debug("Sync state changed",
		log.String("from", string(from)),
		log.String("to", string(to)))
	return func() { e.events.Emit(Event(to), to) }
}

// deferred collects what must run after the lock is released: object
// notifications first, then state events.
type deferred struct {
	notifications []objects.Notification
	events        []func()
}

func (d *deferred) notify(ns ...objects.Notification) {
	for _, n := range ns {
		if n != nil {
			d.notifications = append(d.notifications, n)
		}
	}
}

func (d *deferred) event(fn func()) {
	if fn != nil {
		d.events = append(d.events, fn)
	}
}

func (d *deferred) run() {
	objects.RunAll(d.notifications)
	for _, fn := range d.events {
		fn()
	}
}

// OnChannelAttached starts a new sync. Without objects on the channel no sync
// will follow, so the pool is reset and the engine is synced at once.
func (e *Engine) OnChannelAttached(hasObjects bool) {
	var d deferred

	e.mu.Lock()
	e.logger.Debug("Channel attached", log.Bool("has_objects", hasObjects))
	e.coordinator.Reset()
	d.event(e.transitionLocked(SyncStateSyncing))
	if !hasObjects {
		d.notify(e.pool.Reset()...)
		d.event(e.transitionLocked(SyncStateSynced))
		e.metrics.PoolSize(e.pool.Len())
	}
	e.mu.Unlock()

	d.run()
}

// HandleObjectMessages applies live operations, or holds them back while a
// sync sequence is in progress.
func (e *Engine) HandleObjectMessages(msgs []*wire.ObjectMessage) {
	var d deferred

	e.mu.Lock()
	if e.coordinator.Buffer(msgs) {
		e.logger.Debug("Buffering operations during sync",
			log.Int("count", len(msgs)),
			log.String("sequence_id", e.coordinator.SequenceID()))
		e.metrics.OperationsBuffered(len(msgs))
		e.mu.Unlock()
		return
	}
	d.notify(e.applyOperationsLocked(msgs)...)
	e.metrics.PoolSize(e.pool.Len())
	e.mu.Unlock()

	d.run()
}

func (e *Engine) applyOperationsLocked(msgs []*wire.ObjectMessage) []objects.Notification {
	ns := make([]objects.Notification, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.Operation == nil {
			e.logger.Warn("Object message without operation; skipping")
			continue
		}
		ns = append(ns, e.pool.ApplyOperation(m))
	}
	e.metrics.OperationsApplied(len(ns))
	return ns
}

// HandleSyncMessages feeds one OBJECT_SYNC frame. A nil cursor means the frame
// is a complete snapshot.
func (e *Engine) HandleSyncMessages(msgs []*wire.ObjectMessage, cursor *string) {
	var d deferred

	e.mu.Lock()
	done, err := e.coordinator.Accept(msgs, cursor)
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("Malformed sync cursor; dropping frame",
			log.String("cursor", *cursor),
			log.Error(err))
		return
	}
	d.event(e.transitionLocked(SyncStateSyncing))
	if done != nil {
		d.notify(e.pool.ApplySnapshot(done.Snapshot)...)
		d.notify(e.applyOperationsLocked(done.Buffered)...)
		d.event(e.transitionLocked(SyncStateSynced))
		e.metrics.SyncCompleted()
		e.metrics.PoolSize(e.pool.Len())
		e.logger.Debug("Sync completed",
			log.String("sequence_id", done.SequenceID),
			log.Int("objects", len(done.Snapshot)),
			log.Int("replayed", len(done.Buffered)))
	}
	e.mu.Unlock()

	d.run()
}

// SetGCGracePeriod applies the server-advertised grace period unless the
// engine was configured with a fixed one.
func (e *Engine) SetGCGracePeriod(grace time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graceMode == GracePeriodFixed {
		e.logger.Debug("Ignoring server GC grace period", log.Duration("grace", grace))
		return
	}
	if grace <= 0 {
		return
	}
	e.gcGrace = grace
	e.logger.Info("GC grace period updated", log.Duration("grace", grace))
}

// CollectGarbage runs one sweep now.
func (e *Engine) CollectGarbage() objects.GCResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := e.pool.CollectGarbage(e.gcGrace)
	e.metrics.GarbageCollected(res.Entries, res.Objects)
	e.metrics.PoolSize(e.pool.Len())
	return res
}

// Run collects garbage every GC interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.CollectGarbage()
		}
	}
}
