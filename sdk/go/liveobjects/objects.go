package liveobjects

import (
	"context"
	"encoding/json"

	"github.com/zeusync/liveobjects/internal/core/events/bus"
	"github.com/zeusync/liveobjects/internal/core/objects"
)

type (
	Value         = objects.Value
	ValueKind     = objects.ValueKind
	Entry         = objects.Entry
	MapUpdate     = objects.MapUpdate
	MapChange     = objects.MapChange
	CounterUpdate = objects.CounterUpdate
	Subscription  = bus.Subscription
)

const (
	MapChangeUpdated = objects.MapChangeUpdated
	MapChangeRemoved = objects.MapChangeRemoved
)

const (
	ValueInvalid = objects.ValueInvalid
	ValueBool    = objects.ValueBool
	ValueBytes   = objects.ValueBytes
	ValueNumber  = objects.ValueNumber
	ValueString  = objects.ValueString
	ValueJSON    = objects.ValueJSON
	ValueObject  = objects.ValueObject
)

// Handle is a LiveMap or a LiveCounter.
type Handle interface {
	ID() string
	liveObject() objects.Object
}

func Bool(b bool) Value              { return objects.BoolValue(b) }
func Bytes(b []byte) Value           { return objects.BytesValue(b) }
func Number(n float64) Value         { return objects.NumberValue(n) }
func String(s string) Value          { return objects.StringValue(s) }
func JSON(raw json.RawMessage) Value { return objects.JSONValue(raw) }

// Ref makes a map value that points at another live object.
func Ref(h Handle) Value { return objects.ObjectValue(h.liveObject()) }

// LiveMap is a handle on a live map.
type LiveMap struct {
	client *Client
	m      *objects.Map
}

var _ Handle = (*LiveMap)(nil)

func (m *LiveMap) ID() string                 { return m.m.ID() }
func (m *LiveMap) liveObject() objects.Object { return m.m }

// Get returns the value at key. Values that reference other objects carry
// the internal object; use GetMap or GetCounter for a handle. Reads fail on a
// detached or failed channel.
func (m *LiveMap) Get(key string) (v Value, ok bool, err error) {
	err = m.client.engine.Read("map get", func(pool *objects.Pool) {
		v, ok = m.m.Get(key, pool)
	})
	return v, ok, err
}

// GetMap returns the map referenced at key.
func (m *LiveMap) GetMap(key string) (*LiveMap, bool, error) {
	v, ok, err := m.Get(key)
	if err != nil || !ok || v.Kind != objects.ValueObject {
		return nil, false, err
	}
	h, ok := m.client.wrap(v.Object).(*LiveMap)
	return h, ok, nil
}

// GetCounter returns the counter referenced at key.
func (m *LiveMap) GetCounter(key string) (*LiveCounter, bool, error) {
	v, ok, err := m.Get(key)
	if err != nil || !ok || v.Kind != objects.ValueObject {
		return nil, false, err
	}
	h, ok := m.client.wrap(v.Object).(*LiveCounter)
	return h, ok, nil
}

func (m *LiveMap) Size() (n int, err error) {
	err = m.client.engine.Read("map size", func(*objects.Pool) { n = m.m.Size() })
	return n, err
}

// Keys returns the visible keys in sorted order.
func (m *LiveMap) Keys() (keys []string, err error) {
	err = m.client.engine.Read("map keys", func(*objects.Pool) { keys = m.m.Keys() })
	return keys, err
}

// Entries returns the visible entries with resolvable values, sorted by key.
func (m *LiveMap) Entries() (entries []Entry, err error) {
	err = m.client.engine.Read("map entries", func(pool *objects.Pool) { entries = m.m.Entries(pool) })
	return entries, err
}

func (m *LiveMap) Values() (values []Value, err error) {
	err = m.client.engine.Read("map values", func(pool *objects.Pool) { values = m.m.Values(pool) })
	return values, err
}

func (m *LiveMap) IsTombstoned() (t bool) {
	m.client.engine.View(func(*objects.Pool) { t = m.m.IsTombstoned() })
	return t
}

// Set publishes a MAP_SET of key to value.
func (m *LiveMap) Set(ctx context.Context, key string, value Value) error {
	ctx, cancel := m.client.publishContext(ctx)
	defer cancel()
	return m.client.engine.SetMapValue(ctx, m.ID(), key, value)
}

// Remove publishes a MAP_REMOVE of key.
func (m *LiveMap) Remove(ctx context.Context, key string) error {
	ctx, cancel := m.client.publishContext(ctx)
	defer cancel()
	return m.client.engine.RemoveMapKey(ctx, m.ID(), key)
}

// Subscribe calls fn with the keys each applied change touched.
func (m *LiveMap) Subscribe(fn func(MapUpdate)) Subscription {
	return m.m.Subscribe(func(u MapUpdate, _ bus.Subscription) { fn(u) })
}

func (m *LiveMap) UnsubscribeAll() { m.m.UnsubscribeAll() }

// LiveCounter is a handle on a live counter.
type LiveCounter struct {
	client *Client
	c      *objects.Counter
}

var _ Handle = (*LiveCounter)(nil)

func (c *LiveCounter) ID() string                 { return c.c.ID() }
func (c *LiveCounter) liveObject() objects.Object { return c.c }

// Value returns the current count. It fails on a detached or failed channel.
func (c *LiveCounter) Value() (v float64, err error) {
	err = c.client.engine.Read("counter value", func(*objects.Pool) { v = c.c.Value() })
	return v, err
}

func (c *LiveCounter) IsTombstoned() (t bool) {
	c.client.engine.View(func(*objects.Pool) { t = c.c.IsTombstoned() })
	return t
}

// Increment publishes a COUNTER_INC of amount.
func (c *LiveCounter) Increment(ctx context.Context, amount float64) error {
	ctx, cancel := c.client.publishContext(ctx)
	defer cancel()
	return c.client.engine.IncrementCounter(ctx, c.ID(), amount)
}

func (c *LiveCounter) Decrement(ctx context.Context, amount float64) error {
	ctx, cancel := c.client.publishContext(ctx)
	defer cancel()
	return c.client.engine.DecrementCounter(ctx, c.ID(), amount)
}

// Subscribe calls fn with the amount of each applied change.
func (c *LiveCounter) Subscribe(fn func(CounterUpdate)) Subscription {
	return c.c.Subscribe(func(u CounterUpdate, _ bus.Subscription) { fn(u) })
}

func (c *LiveCounter) UnsubscribeAll() { c.c.UnsubscribeAll() }
