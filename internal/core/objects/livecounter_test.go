package objects

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/liveobjects/internal/core/events/bus"
	"github.com/zeusync/liveobjects/internal/core/objects/wire"
)

func TestCounterCreateIncrementDelete(t *testing.T) {
	pool, _ := newTestPool()

	op, err := CounterCreateOperation(10, "nonce1", time.UnixMilli(1754042434000))
	require.NoError(t, err)
	counter := pool.GetOrCreateCounter(op)
	assert.Equal(t, 10.0, counter.Value())

	// The server echo of the create is already merged.
	pool.ApplyOperation(opMessage("1@site1", "site1", op))
	assert.Equal(t, 10.0, counter.Value())

	pool.ApplyOperation(counterInc(op.ObjectID, 5, "2@site1", "site1"))
	assert.Equal(t, 15.0, counter.Value())

	pool.ApplyOperation(objectDelete(op.ObjectID, "3@site1", "site1"))
	assert.Equal(t, 0.0, counter.Value())
	assert.True(t, counter.IsTombstoned())
}

func TestCounterReplayIsIdempotent(t *testing.T) {
	pool, _ := newTestPool()
	msg := counterInc("counter:c@1", 3, "01", "s1")

	pool.ApplyOperation(msg)
	pool.ApplyOperation(msg)

	obj, ok := pool.Get("counter:c@1")
	require.True(t, ok)
	assert.Equal(t, 3.0, obj.(*Counter).Value())
}

func TestCounterNotifications(t *testing.T) {
	pool, clock := newTestPool()
	pool.ApplyOperation(counterInc("counter:c@1", 4, "01", "s1"))
	obj, _ := pool.Get("counter:c@1")
	counter := obj.(*Counter)

	var got []CounterUpdate
	counter.Subscribe(func(u CounterUpdate, _ bus.Subscription) { got = append(got, u) })

	pool.ApplyOperation(counterInc("counter:c@1", -1.5, "02", "s1")).Run()

	// COUNTER_CREATE without a count changes nothing.
	n := pool.ApplyOperation(opMessage("03", "s1", &wire.Operation{
		Action:   wire.ActionCounterCreate,
		ObjectID: "counter:c@1",
	}))
	assert.Nil(t, n)

	ts := clock.now.Add(-time.Minute)
	del := objectDelete("counter:c@1", "04", "s1")
	del.SerialTimestamp = wire.Int64(ts.UnixMilli())
	pool.ApplyOperation(del).Run()

	assert.Equal(t, []CounterUpdate{{Amount: -1.5}, {Amount: -2.5}}, got)
	at, ok := counter.TombstonedAt()
	require.True(t, ok)
	assert.Equal(t, ts.UnixMilli(), at.UnixMilli())
}

func TestCounterCreateWithoutCountSetsMergeFlag(t *testing.T) {
	pool, _ := newTestPool()
	pool.ApplyOperation(opMessage("01", "s1", &wire.Operation{
		Action:   wire.ActionCounterCreate,
		ObjectID: "counter:c@1",
	}))
	pool.ApplyOperation(opMessage("02", "s2", &wire.Operation{
		Action:   wire.ActionCounterCreate,
		ObjectID: "counter:c@1",
		Counter:  &wire.CounterInit{Count: wire.Float64(7)},
	}))

	obj, _ := pool.Get("counter:c@1")
	assert.Equal(t, 0.0, obj.(*Counter).Value())
}

func TestCounterReplaceData(t *testing.T) {
	pool, _ := newTestPool()
	pool.ApplyOperation(counterInc("counter:c@1", 2, "01", "s1"))
	obj, _ := pool.Get("counter:c@1")
	counter := obj.(*Counter)

	var got []CounterUpdate
	counter.Subscribe(func(u CounterUpdate, _ bus.Subscription) { got = append(got, u) })

	state := counterState("counter:c@1", 5, map[string]string{"s1": "05"})
	state.Object.CreateOp = &wire.Operation{
		Action:  wire.ActionCounterCreate,
		Counter: &wire.CounterInit{Count: wire.Float64(1)},
	}
	RunAll(pool.ApplySnapshot([]*wire.ObjectMessage{state}))
	assert.Equal(t, 6.0, counter.Value())
	assert.Equal(t, map[string]string{"s1": "05"}, counter.SiteTimeserials())

	// Same value again: nothing to report.
	RunAll(pool.ApplySnapshot([]*wire.ObjectMessage{state}))

	tomb := counterState("counter:c@1", 0, map[string]string{"s1": "06"})
	tomb.Object.Tombstone = true
	RunAll(pool.ApplySnapshot([]*wire.ObjectMessage{tomb}))

	assert.Equal(t, []CounterUpdate{{Amount: 4}, {Amount: -6}}, got)
	assert.True(t, counter.IsTombstoned())
	assert.Zero(t, counter.Value())
}

func TestCounterIgnoresMapActions(t *testing.T) {
	pool, _ := newTestPool()
	pool.ApplyOperation(counterInc("counter:c@1", 1, "01", "s1"))
	pool.ApplyOperation(mapSet("counter:c@1", "k", "02", "s1", strData("v")))

	obj, _ := pool.Get("counter:c@1")
	assert.Equal(t, 1.0, obj.(*Counter).Value())
}
