package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/liveobjects/internal/core/events/bus"
	"github.com/zeusync/liveobjects/internal/core/objects"
	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
	"github.com/zeusync/liveobjects/internal/core/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeChannel struct {
	mu         sync.Mutex
	state      protocol.ChannelState
	published  [][]*wire.ObjectMessage
	publishErr error
	serverTime time.Time
}

func (c *fakeChannel) State() protocol.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) setState(s protocol.ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeChannel) Publish(_ context.Context, msgs []*wire.ObjectMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, msgs)
	return nil
}

func (c *fakeChannel) ServerTime() time.Time { return c.serverTime }

func (c *fakeChannel) last(t *testing.T) *wire.Operation {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.published)
	msgs := c.published[len(c.published)-1]
	require.Len(t, msgs, 1)
	return msgs[0].Operation
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func newTestEngine(opts ...Option) (*Engine, *fakeChannel, *fakeClock) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	ch := &fakeChannel{state: protocol.ChannelStateAttached, serverTime: time.UnixMilli(1_700_000_000_500)}
	base := []Option{
		WithClock(clock),
		WithLogger(log.NewNop()),
		WithNonceSource(func() (string, error) { return "nonce0123456789a", nil }),
	}
	return New(ch, append(base, opts...)...), ch, clock
}

func cursor(s string) *string { return &s }

func strPtr(s string) *string { return &s }

func counterState(id string, count float64, serials map[string]string) *wire.ObjectMessage {
	return &wire.ObjectMessage{Object: &wire.ObjectState{
		ObjectID:        id,
		SiteTimeserials: serials,
		Counter:         &wire.CounterInit{Count: wire.Float64(count)},
	}}
}

func rootState(entries map[string]*wire.MapEntry) *wire.ObjectMessage {
	return &wire.ObjectMessage{Object: &wire.ObjectState{
		ObjectID:        objects.RootObjectID,
		SiteTimeserials: map[string]string{},
		Map:             &wire.ObjectsMap{Entries: entries},
	}}
}

func counterInc(id string, amount float64, serial, site string) *wire.ObjectMessage {
	return &wire.ObjectMessage{
		Serial:   serial,
		SiteCode: site,
		Operation: &wire.Operation{
			Action:    wire.ActionCounterInc,
			ObjectID:  id,
			CounterOp: &wire.CounterOp{Amount: amount},
		},
	}
}

func counterValue(t *testing.T, e *Engine, id string) float64 {
	t.Helper()
	var value float64
	e.View(func(pool *objects.Pool) {
		obj, ok := pool.Get(id)
		require.True(t, ok, "object %s missing", id)
		c, ok := obj.(*objects.Counter)
		require.True(t, ok)
		value = c.Value()
	})
	return value
}

func TestOperationsBufferedDuringSyncAreReplayed(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnChannelAttached(true)
	assert.Equal(t, SyncStateSyncing, e.SyncState())

	e.HandleSyncMessages([]*wire.ObjectMessage{
		counterState("counter:a@1", 5, map[string]string{"site1": "01"}),
	}, cursor("seq1:page1"))

	e.HandleObjectMessages([]*wire.ObjectMessage{counterInc("counter:a@1", 3, "02", "site1")})
	e.View(func(pool *objects.Pool) {
		_, ok := pool.Get("counter:a@1")
		assert.False(t, ok, "snapshot must not be applied before the sequence ends")
	})

	e.HandleSyncMessages([]*wire.ObjectMessage{
		rootState(map[string]*wire.MapEntry{
			"hits": {Timeserial: "01", Data: &wire.ObjectData{ObjectID: "counter:a@1"}},
		}),
	}, cursor("seq1:"))

	assert.Equal(t, SyncStateSynced, e.SyncState())
	assert.Equal(t, 8.0, counterValue(t, e, "counter:a@1"))

	root, err := e.GetRoot(context.Background())
	require.NoError(t, err)
	e.View(func(pool *objects.Pool) {
		v, ok := root.Get("hits", pool)
		require.True(t, ok)
		assert.Equal(t, objects.ValueObject, v.Kind)
	})
}

func TestBufferedOperationsIncludedInSnapshotAreNotDoubleApplied(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnChannelAttached(true)

	e.HandleSyncMessages(nil, cursor("seq1:a"))
	e.HandleObjectMessages([]*wire.ObjectMessage{counterInc("counter:a@1", 3, "02", "site1")})
	e.HandleSyncMessages([]*wire.ObjectMessage{
		counterState("counter:a@1", 8, map[string]string{"site1": "02"}),
	}, cursor("seq1:"))

	assert.Equal(t, 8.0, counterValue(t, e, "counter:a@1"))
}

func TestNewSequenceDiscardsPreviousBuffer(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnChannelAttached(true)

	e.HandleSyncMessages([]*wire.ObjectMessage{counterState("counter:a@1", 1, nil)}, cursor("seq1:a"))
	e.HandleObjectMessages([]*wire.ObjectMessage{counterInc("counter:a@1", 100, "05", "site1")})
	e.HandleSyncMessages([]*wire.ObjectMessage{counterState("counter:a@1", 2, nil)}, cursor("seq2:"))

	assert.Equal(t, 2.0, counterValue(t, e, "counter:a@1"))
}

func TestSelfContainedSyncFrame(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnChannelAttached(true)

	e.HandleSyncMessages([]*wire.ObjectMessage{counterState("counter:b@1", 4, nil)}, nil)

	assert.Equal(t, SyncStateSynced, e.SyncState())
	assert.Equal(t, 4.0, counterValue(t, e, "counter:b@1"))
}

func TestMalformedCursorDropsFrame(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnChannelAttached(true)

	e.HandleSyncMessages([]*wire.ObjectMessage{counterState("counter:b@1", 4, nil)}, cursor("no-colon"))

	assert.Equal(t, SyncStateSyncing, e.SyncState())
	e.View(func(pool *objects.Pool) {
		assert.Equal(t, 1, pool.Len())
	})
}

func TestMalformedCursorLeavesSyncedEngineSynced(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnChannelAttached(false)
	require.Equal(t, SyncStateSynced, e.SyncState())

	var events []SyncState
	e.On(EventSyncing, func(s SyncState, _ bus.Subscription) { events = append(events, s) })

	e.HandleSyncMessages([]*wire.ObjectMessage{counterState("counter:b@1", 4, nil)}, cursor("no-colon"))

	assert.Equal(t, SyncStateSynced, e.SyncState())
	assert.Empty(t, events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	root, err := e.GetRoot(ctx)
	require.NoError(t, err)
	assert.NotNil(t, root)
}

func TestLiveOperationsAppliedWhenIdle(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnChannelAttached(false)

	e.HandleObjectMessages([]*wire.ObjectMessage{counterInc("counter:c@1", 2, "01", "site1")})
	e.HandleObjectMessages([]*wire.ObjectMessage{counterInc("counter:c@1", 2, "01", "site1")})

	assert.Equal(t, 2.0, counterValue(t, e, "counter:c@1"))
}

func TestAttachWithoutObjectsResetsPool(t *testing.T) {
	e, _, _ := newTestEngine()

	var events []SyncState
	e.On(EventSyncing, func(s SyncState, _ bus.Subscription) { events = append(events, s) })
	e.On(EventSynced, func(s SyncState, _ bus.Subscription) { events = append(events, s) })

	e.OnChannelAttached(true)
	e.HandleSyncMessages([]*wire.ObjectMessage{
		rootState(map[string]*wire.MapEntry{"name": {Timeserial: "01", Data: &wire.ObjectData{String: strPtr("x")}}}),
		counterState("counter:a@1", 1, nil),
	}, nil)

	root, err := e.GetRoot(context.Background())
	require.NoError(t, err)

	e.OnChannelAttached(false)

	assert.Equal(t, SyncStateSynced, e.SyncState())
	e.View(func(pool *objects.Pool) {
		assert.Equal(t, 1, pool.Len())
		assert.Same(t, root, pool.Root())
		assert.Equal(t, 0, root.Size())
	})
	assert.Equal(t, []SyncState{SyncStateSyncing, SyncStateSynced, SyncStateSyncing, SyncStateSynced}, events)
}

func TestSnapshotNotificationsRunBeforeSyncedEvent(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnChannelAttached(false)
	e.HandleObjectMessages([]*wire.ObjectMessage{counterInc("counter:a@1", 1, "01", "site1")})

	var order []string
	e.View(func(pool *objects.Pool) {
		obj, _ := pool.Get("counter:a@1")
		obj.(*objects.Counter).Subscribe(func(u objects.CounterUpdate, _ bus.Subscription) {
			order = append(order, "counter")
		})
	})
	e.On(EventSynced, func(SyncState, bus.Subscription) { order = append(order, "synced") })

	e.OnChannelAttached(true)
	e.HandleSyncMessages([]*wire.ObjectMessage{counterState("counter:a@1", 7, nil)}, nil)

	assert.Equal(t, []string{"counter", "synced"}, order)
}

func TestGetRootWaitsForSync(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnChannelAttached(true)

	got := make(chan *objects.Map, 1)
	go func() {
		root, err := e.GetRoot(context.Background())
		if err == nil {
			got <- root
		}
	}()

	select {
	case <-got:
		t.Fatal("GetRoot returned before sync completed")
	case <-time.After(50 * time.Millisecond):
	}

	e.HandleSyncMessages(nil, nil)

	select {
	case root := <-got:
		assert.Equal(t, objects.RootObjectID, root.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("GetRoot did not return after sync")
	}
}

func TestGetRootHonoursContext(t *testing.T) {
	e, _, _ := newTestEngine()
	e.OnChannelAttached(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.GetRoot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetRootRejectsDetachedChannel(t *testing.T) {
	for _, state := range []protocol.ChannelState{protocol.ChannelStateDetached, protocol.ChannelStateFailed} {
		e, ch, _ := newTestEngine()
		ch.setState(state)

		_, err := e.GetRoot(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, protocol.ErrChannelStateInvalid)
		assert.Equal(t, protocol.ErrorCodeChannelStateInvalid, protocol.GetErrorCode(err))
	}
}

func TestCreateCounter(t *testing.T) {
	e, ch, _ := newTestEngine()
	e.OnChannelAttached(false)

	counter, err := e.CreateCounter(context.Background(), 10)
	require.NoError(t, err)

	op := ch.last(t)
	assert.Equal(t, wire.ActionCounterCreate, op.Action)
	assert.Equal(t, op.ObjectID, counter.ID())
	assert.True(t, strings.HasPrefix(counter.ID(), "counter:"))
	assert.True(t, strings.HasSuffix(counter.ID(), "@1700000000500"), "id uses server time")
	assert.Equal(t, `{"counter":{"count":10}}`, op.InitialValue)
	assert.Equal(t, 10.0, counterValue(t, e, counter.ID()))

	echo := &wire.ObjectMessage{Serial: "01", SiteCode: "site1", Operation: op}
	e.HandleObjectMessages([]*wire.ObjectMessage{echo})
	assert.Equal(t, 10.0, counterValue(t, e, counter.ID()), "echoed create must not merge twice")
}

func TestCreateCounterRejectsNonFinite(t *testing.T) {
	e, ch, _ := newTestEngine()

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := e.CreateCounter(context.Background(), v)
		require.Error(t, err)
		assert.ErrorIs(t, err, protocol.ErrInvalidArgument)
		assert.Equal(t, protocol.ErrorCodeInvalidArgument, protocol.GetErrorCode(err))
	}
	assert.Zero(t, ch.count())
}

func TestCreateRejectsUnwritableChannel(t *testing.T) {
	for _, state := range []protocol.ChannelState{
		protocol.ChannelStateDetached,
		protocol.ChannelStateFailed,
		protocol.ChannelStateSuspended,
	} {
		e, ch, _ := newTestEngine()
		ch.setState(state)

		_, err := e.CreateCounter(context.Background(), 1)
		assert.ErrorIs(t, err, protocol.ErrChannelStateInvalid)
		_, err = e.CreateMap(context.Background(), nil)
		assert.ErrorIs(t, err, protocol.ErrChannelStateInvalid)
		assert.ErrorIs(t, e.IncrementCounter(context.Background(), "counter:a@1", 1), protocol.ErrChannelStateInvalid)
		assert.Zero(t, ch.count())
	}
}

func TestCreatePublishFailureLeavesPoolUntouched(t *testing.T) {
	e, ch, _ := newTestEngine()
	ch.publishErr = protocol.NewProtocolError(40160, "not permitted", protocol.ErrPublishRejected)

	_, err := e.CreateCounter(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrPublishRejected)
	e.View(func(pool *objects.Pool) { assert.Equal(t, 1, pool.Len()) })
}

func TestCreateMap(t *testing.T) {
	e, ch, _ := newTestEngine()
	e.OnChannelAttached(false)

	counter, err := e.CreateCounter(context.Background(), 1)
	require.NoError(t, err)

	m, err := e.CreateMap(context.Background(), map[string]objects.Value{
		"name":  objects.StringValue("x"),
		"count": objects.ObjectValue(counter),
	})
	require.NoError(t, err)

	op := ch.last(t)
	assert.Equal(t, wire.ActionMapCreate, op.Action)
	assert.True(t, strings.HasPrefix(m.ID(), "map:"))
	e.View(func(pool *objects.Pool) {
		assert.Equal(t, 2, m.Size())
		v, ok := m.Get("name", pool)
		require.True(t, ok)
		assert.Equal(t, "x", v.String)
		v, ok = m.Get("count", pool)
		require.True(t, ok)
		assert.Same(t, counter, v.Object)
	})
}

func TestCreateMapRejectsInvalidValue(t *testing.T) {
	e, ch, _ := newTestEngine()

	_, err := e.CreateMap(context.Background(), map[string]objects.Value{"bad": objects.NumberValue(math.NaN())})
	assert.ErrorIs(t, err, protocol.ErrInvalidArgument)
	assert.Zero(t, ch.count())
}

func TestMutationsPublishWithoutLocalEffect(t *testing.T) {
	e, ch, _ := newTestEngine()
	e.OnChannelAttached(false)
	e.HandleObjectMessages([]*wire.ObjectMessage{counterInc("counter:a@1", 5, "01", "site1")})

	require.NoError(t, e.IncrementCounter(context.Background(), "counter:a@1", 2))
	op := ch.last(t)
	assert.Equal(t, wire.ActionCounterInc, op.Action)
	assert.Equal(t, 2.0, op.CounterOp.Amount)
	assert.Equal(t, 5.0, counterValue(t, e, "counter:a@1"))

	require.NoError(t, e.DecrementCounter(context.Background(), "counter:a@1", 3))
	assert.Equal(t, -3.0, ch.last(t).CounterOp.Amount)

	require.NoError(t, e.SetMapValue(context.Background(), objects.RootObjectID, "k", objects.BoolValue(true)))
	op = ch.last(t)
	assert.Equal(t, wire.ActionMapSet, op.Action)
	assert.Equal(t, "k", op.MapOp.Key)
	require.NotNil(t, op.MapOp.Data.Boolean)
	assert.True(t, *op.MapOp.Data.Boolean)

	require.NoError(t, e.RemoveMapKey(context.Background(), objects.RootObjectID, "k"))
	op = ch.last(t)
	assert.Equal(t, wire.ActionMapRemove, op.Action)
	assert.Nil(t, op.MapOp.Data)

	e.View(func(pool *objects.Pool) { assert.Equal(t, 0, pool.Root().Size()) })
}

func TestIncrementRejectsNonFinite(t *testing.T) {
	e, ch, _ := newTestEngine()

	assert.ErrorIs(t, e.IncrementCounter(context.Background(), "counter:a@1", math.NaN()), protocol.ErrInvalidArgument)
	assert.ErrorIs(t, e.DecrementCounter(context.Background(), "counter:a@1", math.Inf(1)), protocol.ErrInvalidArgument)
	assert.ErrorIs(t, e.SetMapValue(context.Background(), "root", "k", objects.Value{}), protocol.ErrInvalidArgument)
	assert.Zero(t, ch.count())
}

func TestGracePeriodOverride(t *testing.T) {
	e, _, _ := newTestEngine()
	assert.Equal(t, DefaultGCGracePeriod, e.GCGracePeriod())

	e.SetGCGracePeriod(time.Hour)
	assert.Equal(t, time.Hour, e.GCGracePeriod())

	e.SetGCGracePeriod(0)
	assert.Equal(t, time.Hour, e.GCGracePeriod())

	fixed, _, _ := newTestEngine(WithGC(time.Minute, 2*time.Hour, GracePeriodFixed))
	fixed.SetGCGracePeriod(time.Hour)
	assert.Equal(t, 2*time.Hour, fixed.GCGracePeriod())
}

func TestCollectGarbageUsesGracePeriod(t *testing.T) {
	e, _, clock := newTestEngine(WithGC(time.Minute, time.Hour, GracePeriodFixed))
	e.OnChannelAttached(false)
	e.HandleObjectMessages([]*wire.ObjectMessage{
		counterInc("counter:a@1", 1, "01", "site1"),
		{Serial: "02", SiteCode: "site1", Operation: &wire.Operation{Action: wire.ActionObjectDelete, ObjectID: "counter:a@1"}},
	})

	clock.Advance(time.Hour - time.Millisecond)
	assert.Equal(t, objects.GCResult{}, e.CollectGarbage())

	clock.Advance(time.Millisecond)
	assert.Equal(t, objects.GCResult{Objects: 1}, e.CollectGarbage())
	e.View(func(pool *objects.Pool) {
		_, ok := pool.Get("counter:a@1")
		assert.False(t, ok)
	})
}

func TestRunCollectsUntilCancelled(t *testing.T) {
	e, _, clock := newTestEngine(WithGC(5*time.Millisecond, time.Minute, GracePeriodFixed))
	e.OnChannelAttached(false)
	e.HandleObjectMessages([]*wire.ObjectMessage{
		counterInc("counter:a@1", 1, "01", "site1"),
		{Serial: "02", SiteCode: "site1", Operation: &wire.Operation{Action: wire.ActionObjectDelete, ObjectID: "counter:a@1"}},
	})
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	assert.Eventually(t, func() bool {
		var gone bool
		e.View(func(pool *objects.Pool) {
			_, ok := pool.Get("counter:a@1")
			gone = !ok
		})
		return gone
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestOffRemovesHandlers(t *testing.T) {
	e, _, _ := newTestEngine()

	calls := 0
	e.On(EventSyncing, func(SyncState, bus.Subscription) { calls++ })
	e.On(EventSynced, func(SyncState, bus.Subscription) { calls++ })
	e.Off(EventSyncing)

	e.OnChannelAttached(false)
	assert.Equal(t, 1, calls)

	e.OffAll()
	e.OnChannelAttached(false)
	assert.Equal(t, 1, calls)
}

func TestNonceFailureIsReported(t *testing.T) {
	e, ch, _ := newTestEngine(WithNonceSource(func() (string, error) { return "", errors.New("no entropy") }))

	_, err := e.CreateCounter(context.Background(), 1)
	require.Error(t, err)
	assert.Zero(t, ch.count())
}

func TestReadRejectsDetachedAndFailedChannels(t *testing.T) {
	e, ch, _ := newTestEngine()
	e.OnChannelAttached(false)

	calls := 0
	require.NoError(t, e.Read("read", func(*objects.Pool) { calls++ }))

	ch.setState(protocol.ChannelStateSuspended)
	require.NoError(t, e.Read("read", func(*objects.Pool) { calls++ }))
	assert.Equal(t, 2, calls)

	for _, state := range []protocol.ChannelState{protocol.ChannelStateDetached, protocol.ChannelStateFailed} {
		ch.setState(state)
		err := e.Read("read", func(*objects.Pool) { calls++ })
		assert.ErrorIs(t, err, protocol.ErrChannelStateInvalid)
	}
	assert.Equal(t, 2, calls)
}
