package engine

import (
	"context"
	"math"
	"time"

	"github.com/zeusync/liveobjects/internal/core/objects"
	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/protocol"
)

// GetRoot waits until the engine is synced and returns the root map. It fails
// at once on a detached or failed channel.
func (e *Engine) GetRoot(ctx context.Context) (*objects.Map, error) {
	if err := e.checkState("get root", protocol.ChannelStateDetached, protocol.ChannelStateFailed); err != nil {
		return nil, err
	}
	for {
		e.mu.Lock()
		if e.state == SyncStateSynced {
			root := e.pool.Root()
			e.mu.Unlock()
			return root, nil
		}
		synced := e.synced
		e.mu.Unlock()

		select {
		case <-synced:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Read runs fn against the pool under the engine lock. Reads are refused on
// a detached or failed channel.
func (e *Engine) Read(op string, fn func(pool *objects.Pool)) error {
	if err := e.checkState(op, protocol.ChannelStateDetached, protocol.ChannelStateFailed); err != nil {
		return err
	}
	e.View(fn)
	return nil
}

// CreateCounter publishes a COUNTER_CREATE and returns the new counter. The
// object is added locally only after the publish is acknowledged.
func (e *Engine) CreateCounter(ctx context.Context, count float64) (*objects.Counter, error) {
	if err := e.checkWritable("create counter"); err != nil {
		return nil, err
	}
	if !finite(count) {
		return nil, protocol.InvalidArgumentError("counter value must be a finite number")
	}
	nonce, err := e.nonce()
	if err != nil {
		return nil, protocol.WrapError(err, "generate nonce")
	}
	op, err := objects.CounterCreateOperation(count, nonce, e.serverTime())
	if err != nil {
		return nil, protocol.InvalidArgumentError(err.Error())
	}
	if err := e.publish(ctx, op); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.GetOrCreateCounter(op), nil
}

// CreateMap publishes a MAP_CREATE seeded with entries and returns the new
// map.
func (e *Engine) CreateMap(ctx context.Context, entries map[string]objects.Value) (*objects.Map, error) {
	if err := e.checkWritable("create map"); err != nil {
		return nil, err
	}
	nonce, err := e.nonce()
	if err != nil {
		return nil, protocol.WrapError(err, "generate nonce")
	}
	op, err := objects.MapCreateOperation(entries, nonce, e.serverTime())
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeInvalidArgument, "create map: "+err.Error(), protocol.ErrInvalidArgument)
	}
	if err := e.publish(ctx, op); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.GetOrCreateMap(op), nil
}

// IncrementCounter publishes COUNTER_INC. The counter changes when the echo
// is applied, not before.
func (e *Engine) IncrementCounter(ctx context.Context, objectID string, amount float64) error {
	if err := e.checkWritable("increment counter"); err != nil {
		return err
	}
	if !finite(amount) {
		return protocol.InvalidArgumentError("counter increment amount must be a finite number")
	}
	return e.publish(ctx, &wire.Operation{
		Action:    wire.ActionCounterInc,
		ObjectID:  objectID,
		CounterOp: &wire.CounterOp{Amount: amount},
	})
}

// DecrementCounter publishes COUNTER_INC with the negated amount.
func (e *Engine) DecrementCounter(ctx context.Context, objectID string, amount float64) error {
	if !finite(amount) {
		return protocol.InvalidArgumentError("counter decrement amount must be a finite number")
	}
	return e.IncrementCounter(ctx, objectID, -amount)
}

// SetMapValue publishes MAP_SET.
func (e *Engine) SetMapValue(ctx context.Context, objectID, key string, value objects.Value) error {
	if err := e.checkWritable("set map value"); err != nil {
		return err
	}
	data, err := value.ObjectData()
	if err != nil {
		return protocol.NewProtocolError(protocol.ErrorCodeInvalidArgument, "set "+key+": "+err.Error(), protocol.ErrInvalidArgument)
	}
	return e.publish(ctx, &wire.Operation{
		Action:   wire.ActionMapSet,
		ObjectID: objectID,
		MapOp:    &wire.MapOp{Key: key, Data: data},
	})
}

// RemoveMapKey publishes MAP_REMOVE.
func (e *Engine) RemoveMapKey(ctx context.Context, objectID, key string) error {
	if err := e.checkWritable("remove map key"); err != nil {
		return err
	}
	return e.publish(ctx, &wire.Operation{
		Action:   wire.ActionMapRemove,
		ObjectID: objectID,
		MapOp:    &wire.MapOp{Key: key},
	})
}

func (e *Engine) publish(ctx context.Context, op *wire.Operation) error {
	return e.channel.Publish(ctx, []*wire.ObjectMessage{{Operation: op}})
}

func (e *Engine) checkWritable(op string) error {
	return e.checkState(op,
		protocol.ChannelStateDetached,
		protocol.ChannelStateFailed,
		protocol.ChannelStateSuspended)
}

func (e *Engine) checkState(op string, invalid ...protocol.ChannelState) error {
	state := e.channel.State()
	for _, s := range invalid {
		if state == s {
			return protocol.InvalidStateError(op, state)
		}
	}
	return nil
}

func (e *Engine) serverTime() time.Time {
	if st, ok := e.channel.(ServerTimer); ok {
		return st.ServerTime()
	}
	return e.clock.Now()
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
