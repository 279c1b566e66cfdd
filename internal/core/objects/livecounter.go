package objects

import (
	"time"

	"github.com/zeusync/liveobjects/internal/core/events/bus"
	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
)

// CounterUpdate carries the delta an applied operation added to a counter.
type CounterUpdate struct {
	Amount float64
}

// Counter is an additive counter.
type Counter struct {
	liveObject

	data      float64
	listeners *bus.Registry[string, CounterUpdate]
}

func newCounter(id string, clock Clock, logger log.Log) *Counter {
	return &Counter{
		liveObject: newLiveObject(id, clock, logger),
		listeners:  bus.New[string, CounterUpdate](),
	}
}

func (c *Counter) Kind() Kind { return KindCounter }

func (c *Counter) sealed() {}

// Value returns the current total. A tombstoned counter reads as zero.
func (c *Counter) Value() float64 { return c.data }

// Subscribe registers handler for updates to this counter.
func (c *Counter) Subscribe(handler bus.Handler[CounterUpdate]) bus.Subscription {
	return c.listeners.Subscribe(eventUpdate, handler)
}

func (c *Counter) UnsubscribeAll() { c.listeners.UnsubscribeAll() }

// notify turns update into a Notification. A nil update is the no-op
// sentinel and produces nothing.
func (c *Counter) notify(update *CounterUpdate) Notification {
	if update == nil {
		return nil
	}
	u := *update
	return func() { c.listeners.Emit(eventUpdate, u) }
}

func (c *Counter) apply(op *wire.Operation, meta opMeta) Notification {
	if !c.admit(meta, op.Action.String()) {
		return nil
	}
	if c.IsTombstoned() {
		return nil
	}

	switch op.Action {
	case wire.ActionCounterCreate:
		return c.notify(c.applyCounterCreate(op, meta))
	case wire.ActionCounterInc:
		if op.CounterOp == nil {
			c.logger.Warn("COUNTER_INC without counterOp; ignoring", log.String("object_id", c.id))
			return nil
		}
		c.data += op.CounterOp.Amount
		return c.notify(&CounterUpdate{Amount: op.CounterOp.Amount})
	case wire.ActionObjectDelete:
		return c.notify(c.tombstone(meta.serialTimestamp))
	default:
		c.logger.Warn("Unsupported counter operation; ignoring",
			log.String("object_id", c.id),
			log.String("action", op.Action.String()))
		return nil
	}
}

func (c *Counter) applyCounterCreate(op *wire.Operation, meta opMeta) *CounterUpdate {
	if c.createOperationIsMerged {
		c.logger.Debug("Create operation already merged; skipping",
			log.String("object_id", c.id),
			log.String("serial", meta.serial))
		return nil
	}
	return c.mergeInitialValue(op)
}

// mergeInitialValue adds the create operation's count. The merge flag is set
// even when the operation carries no count.
func (c *Counter) mergeInitialValue(op *wire.Operation) *CounterUpdate {
	if c.createOperationIsMerged {
		c.logger.Warn("Create operation merged twice; ignoring", log.String("object_id", c.id))
		return nil
	}
	c.createOperationIsMerged = true
	if op.Counter == nil || op.Counter.Count == nil {
		return nil
	}
	c.data += *op.Counter.Count
	return &CounterUpdate{Amount: *op.Counter.Count}
}

func (c *Counter) tombstone(at *time.Time) *CounterUpdate {
	previous := c.data
	c.markTombstoned(at)
	c.data = 0
	return &CounterUpdate{Amount: -previous}
}

func (c *Counter) replaceData(state *wire.ObjectState, serialTimestamp *time.Time) *CounterUpdate {
	c.replaceSiteTimeserials(state.SiteTimeserials)
	if c.IsTombstoned() {
		return nil
	}
	if state.Tombstone {
		return c.tombstone(serialTimestamp)
	}

	previous := c.data
	c.data = 0
	if state.Counter != nil && state.Counter.Count != nil {
		c.data = *state.Counter.Count
	}
	c.createOperationIsMerged = false
	if state.CreateOp != nil {
		c.mergeInitialValue(state.CreateOp)
	}

	if diff := c.data - previous; diff != 0 {
		return &CounterUpdate{Amount: diff}
	}
	return nil
}
