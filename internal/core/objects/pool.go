package objects

import (
	"sort"
	"time"

	"github.com/zeusync/liveobjects/internal/core/objects/objectid"
	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
)

// Pool owns every live object of one channel, keyed by id. The root map is
// created with the pool and never removed.
type Pool struct {
	objects map[string]Object
	root    *Map

	clock  Clock
	logger log.Log
}

// NewPool creates a pool that holds only the root map.
func NewPool(clock Clock, logger log.Log) *Pool {
	if clock == nil {
		clock = SystemClock{}
	}
	logger = logger.With(log.String("component", "objects_pool"))
	p := &Pool{
		objects: make(map[string]Object),
		clock:   clock,
		logger:  logger,
	}
	p.root = newMap(RootObjectID, clock, logger)
	p.objects[RootObjectID] = p.root
	return p
}

func (p *Pool) Root() *Map { return p.root }

func (p *Pool) Get(id string) (Object, bool) {
	obj, ok := p.objects[id]
	return obj, ok
}

func (p *Pool) Len() int { return len(p.objects) }

// IDs returns every object id in sorted order.
func (p *Pool) IDs() []string {
	ids := make([]string, 0, len(p.objects))
	for id := range p.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetOrCreateZeroValue returns the object with id, creating an empty one of
// the kind named by the id prefix when absent. ok is false when the prefix is
// not a known kind.
func (p *Pool) GetOrCreateZeroValue(id string) (Object, bool) {
	if obj, ok := p.objects[id]; ok {
		return obj, true
	}
	kind, ok := objectid.ParseKind(id)
	if !ok {
		return nil, false
	}
	obj := p.newObject(id, kind)
	p.objects[id] = obj
	return obj, true
}

func (p *Pool) newObject(id string, kind Kind) Object {
	if kind == KindCounter {
		return newCounter(id, p.clock, p.logger)
	}
	return newMap(id, p.clock, p.logger)
}

// ApplyOperation applies one live operation message.
func (p *Pool) ApplyOperation(msg *wire.ObjectMessage) Notification {
	if msg == nil || msg.Operation == nil {
		p.logger.Warn("Object message without operation; skipping")
		return nil
	}
	op := msg.Operation
	if !op.Action.Known() {
		p.logger.Warn("Unknown operation action; skipping",
			log.String("object_id", op.ObjectID),
			log.String("action", op.Action.String()))
		return nil
	}

	obj, ok := p.GetOrCreateZeroValue(op.ObjectID)
	if !ok {
		p.logger.Warn("Operation targets object of unknown kind; skipping",
			log.String("object_id", op.ObjectID),
			log.String("action", op.Action.String()))
		return nil
	}

	meta := opMeta{
		serial:          msg.Serial,
		siteCode:        msg.SiteCode,
		serialTimestamp: millisToTime(msg.SerialTimestamp),
	}
	switch o := obj.(type) {
	case *Map:
		return o.apply(op, meta, p)
	case *Counter:
		return o.apply(op, meta)
	}
	return nil
}

// ApplySnapshot makes the pool equal to the object states in msgs. Objects
// absent from msgs are dropped, except root. The returned notifications
// belong to objects that existed before the call and must be run only after
// the whole snapshot is in place.
func (p *Pool) ApplySnapshot(msgs []*wire.ObjectMessage) []Notification {
	received := make(map[string]struct{}, len(msgs))
	var deferred []Notification

	for _, msg := range msgs {
		if msg == nil || msg.Object == nil {
			p.logger.Warn("Sync message without object state; skipping")
			continue
		}
		state := msg.Object
		at := millisToTime(msg.SerialTimestamp)

		if existing, ok := p.objects[state.ObjectID]; ok {
			received[state.ObjectID] = struct{}{}
			if n := p.replace(existing, state, at); n != nil {
				deferred = append(deferred, n)
			}
			continue
		}

		var obj Object
		switch {
		case state.Counter != nil:
			obj = newCounter(state.ObjectID, p.clock, p.logger)
		case state.Map != nil:
			obj = newMap(state.ObjectID, p.clock, p.logger)
		default:
			p.logger.Warn("Object state is neither map nor counter; skipping",
				log.String("object_id", state.ObjectID))
			continue
		}
		p.objects[state.ObjectID] = obj
		received[state.ObjectID] = struct{}{}
		p.replace(obj, state, at)
	}

	for id := range p.objects {
		if id == RootObjectID {
			continue
		}
		if _, ok := received[id]; !ok {
			delete(p.objects, id)
		}
	}
	return deferred
}

func (p *Pool) replace(obj Object, state *wire.ObjectState, at *time.Time) Notification {
	switch o := obj.(type) {
	case *Map:
		return o.notify(o.replaceData(state, at, p))
	case *Counter:
		return o.notify(o.replaceData(state, at))
	}
	return nil
}

// Reset drops every object except root and clears root in place.
func (p *Pool) Reset() []Notification {
	for id := range p.objects {
		if id != RootObjectID {
			delete(p.objects, id)
		}
	}
	if n := p.root.notify(p.root.resetData()); n != nil {
		return []Notification{n}
	}
	return nil
}

// GetOrCreateMap returns the map a MAP_CREATE describes. A map that does not
// exist yet is created with the operation already merged.
func (p *Pool) GetOrCreateMap(op *wire.Operation) *Map {
	if obj, ok := p.objects[op.ObjectID]; ok {
		if m, ok := obj.(*Map); ok {
			return m
		}
	}
	m := newMap(op.ObjectID, p.clock, p.logger)
	p.objects[op.ObjectID] = m
	m.mergeInitialValue(op, nil, p)
	return m
}

// GetOrCreateCounter is GetOrCreateMap for COUNTER_CREATE.
func (p *Pool) GetOrCreateCounter(op *wire.Operation) *Counter {
	if obj, ok := p.objects[op.ObjectID]; ok {
		if c, ok := obj.(*Counter); ok {
			return c
		}
	}
	c := newCounter(op.ObjectID, p.clock, p.logger)
	p.objects[op.ObjectID] = c
	c.mergeInitialValue(op)
	return c
}

// GCResult counts what a collection removed.
type GCResult struct {
	Entries int
	Objects int
}

// CollectGarbage removes tombstoned map entries and non-root objects that
// were tombstoned at least grace ago.
func (p *Pool) CollectGarbage(grace time.Duration) GCResult {
	now := p.clock.Now()
	var res GCResult
	for _, obj := range p.objects {
		if m, ok := obj.(*Map); ok {
			res.Entries += m.collectGarbage(now, grace)
		}
	}
	for id, obj := range p.objects {
		if id == RootObjectID {
			continue
		}
		if at, ok := obj.TombstonedAt(); ok && now.Sub(at) >= grace {
			delete(p.objects, id)
			res.Objects++
		}
	}
	if res.Entries > 0 || res.Objects > 0 {
		p.logger.Debug("Garbage collected tombstones",
			log.Int("entries", res.Entries),
			log.Int("objects", res.Objects))
	}
	return res
}
