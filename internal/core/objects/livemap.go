package objects

import (
	"sort"
	"time"

	"github.com/zeusync/liveobjects/internal/core/events/bus"
	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
)

// MapChange is the per-key effect reported to map subscribers.
type MapChange string

const (
	MapChangeUpdated MapChange = "updated"
	MapChangeRemoved MapChange = "removed"
)

// MapUpdate lists the keys an applied operation changed.
type MapUpdate map[string]MapChange

type mapEntry struct {
	tombstone    bool
	timeserial   string
	tombstonedAt *time.Time
	data         *wire.ObjectData
}

func (e *mapEntry) visible() bool { return e != nil && !e.tombstone }

// Entry is a visible key of a map together with its resolved value.
type Entry struct {
	Key   string
	Value Value
}

// Map is a last-write-wins map. Each key carries the serial of the operation
// that last wrote it.
type Map struct {
	liveObject

	semantics wire.MapSemantics
	entries   map[string]*mapEntry
	listeners *bus.Registry[string, MapUpdate]
}

func newMap(id string, clock Clock, logger log.Log) *Map {
	return &Map{
		liveObject: newLiveObject(id, clock, logger),
		semantics:  wire.MapSemanticsLWW,
		entries:    make(map[string]*mapEntry),
		listeners:  bus.New[string, MapUpdate](),
	}
}

func (m *Map) Kind() Kind { return KindMap }

func (m *Map) sealed() {}

// Get returns the value at key. ok is false when the map is tombstoned, the
// key is absent or removed, or the value references an object that r cannot
// resolve.
func (m *Map) Get(key string, r Resolver) (Value, bool) {
	if m.IsTombstoned() {
		return Value{}, false
	}
	e, ok := m.entries[key]
	if !ok || !e.visible() {
		return Value{}, false
	}
	return valueFromData(e.data, r)
}

// Size counts the keys that are not tombstoned.
func (m *Map) Size() int {
	n := 0
	for _, e := range m.entries {
		if e.visible() {
			n++
		}
	}
	return n
}

// Keys returns the visible keys in sorted order.
func (m *Map) Keys() []string {
	if m.IsTombstoned() {
		return nil
	}
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if e.visible() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Entries returns every visible key whose value resolves, sorted by key.
func (m *Map) Entries(r Resolver) []Entry {
	keys := m.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if v, ok := valueFromData(m.entries[k].data, r); ok {
			out = append(out, Entry{Key: k, Value: v})
		}
	}
	return out
}

// Values is Entries without the keys.
func (m *Map) Values(r Resolver) []Value {
	entries := m.Entries(r)
	out := make([]Value, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// Subscribe registers handler for updates to this map.
func (m *Map) Subscribe(handler bus.Handler[MapUpdate]) bus.Subscription {
	return m.listeners.Subscribe(eventUpdate, handler)
}

func (m *Map) UnsubscribeAll() { m.listeners.UnsubscribeAll() }

func (m *Map) notify(update MapUpdate) Notification {
	if len(update) == 0 {
		return nil
	}
	return func() { m.listeners.Emit(eventUpdate, update) }
}

func (m *Map) apply(op *wire.Operation, meta opMeta, pool materializer) Notification {
	if !m.admit(meta, op.Action.String()) {
		return nil
	}
	if m.IsTombstoned() {
		return nil
	}

	switch op.Action {
	case wire.ActionMapCreate:
		return m.notify(m.applyMapCreate(op, meta, pool))
	case wire.ActionMapSet:
		if op.MapOp == nil {
			m.logger.Warn("MAP_SET without mapOp; ignoring", log.String("object_id", m.id))
			return nil
		}
		return m.notify(m.applyMapSet(op.MapOp.Key, meta.serial, op.MapOp.Data, pool))
	case wire.ActionMapRemove:
		if op.MapOp == nil {
			m.logger.Warn("MAP_REMOVE without mapOp; ignoring", log.String("object_id", m.id))
			return nil
		}
		return m.notify(m.applyMapRemove(op.MapOp.Key, meta.serial, meta.serialTimestamp))
	case wire.ActionObjectDelete:
		return m.notify(m.tombstone(meta.serialTimestamp))
	default:
		m.logger.Warn("Unsupported map operation; ignoring",
			log.String("object_id", m.id),
			log.String("action", op.Action.String()))
		return nil
	}
}

func (m *Map) applyMapCreate(op *wire.Operation, meta opMeta, pool materializer) MapUpdate {
	if m.createOperationIsMerged {
		m.logger.Debug("Create operation already merged; skipping",
			log.String("object_id", m.id),
			log.String("serial", meta.serial))
		return nil
	}
	return m.mergeInitialValue(op, meta.serialTimestamp, pool)
}

// mergeInitialValue folds the entries of a MAP_CREATE into the map. Entry
// serials come from the create operation itself.
func (m *Map) mergeInitialValue(op *wire.Operation, serialTimestamp *time.Time, pool materializer) MapUpdate {
	if m.createOperationIsMerged {
		m.logger.Warn("Create operation merged twice; ignoring", log.String("object_id", m.id))
		return nil
	}
	update := make(MapUpdate)
	if op.Map != nil {
		if op.Map.Semantics != m.semantics {
			m.logger.Warn("Create operation has mismatched map semantics; ignoring entries",
				log.String("object_id", m.id),
				log.Int("semantics", int(op.Map.Semantics)))
		} else {
			for key, e := range op.Map.Entries {
				if e == nil {
					continue
				}
				var u MapUpdate
				if e.Tombstone {
					at := millisToTime(e.SerialTimestamp)
					if at == nil {
						at = serialTimestamp
					}
					u = m.applyMapRemove(key, e.Timeserial, at)
				} else {
					u = m.applyMapSet(key, e.Timeserial, e.Data, pool)
				}
				for k, c := range u {
					update[k] = c
				}
			}
		}
	}
	m.createOperationIsMerged = true
	return update
}

// canApplyMapOperation is the entry-level LWW rule. An empty serial sorts
// before every non-empty one; two empty serials never win.
func canApplyMapOperation(entrySerial, opSerial string) bool {
	switch {
	case entrySerial == "" && opSerial == "":
		return false
	case entrySerial == "":
		return true
	case opSerial == "":
		return false
	default:
		return opSerial > entrySerial
	}
}

func (m *Map) applyMapSet(key, opSerial string, data *wire.ObjectData, pool materializer) MapUpdate {
	existing := m.entries[key]
	if existing != nil && !canApplyMapOperation(existing.timeserial, opSerial) {
		m.logger.Debug("Stale MAP_SET; discarding",
			log.String("object_id", m.id),
			log.String("key", key),
			log.String("entry_serial", existing.timeserial),
			log.String("op_serial", opSerial))
		return nil
	}
	if data.IsEmpty() {
		m.logger.Warn("MAP_SET without data; ignoring",
			log.String("object_id", m.id),
			log.String("key", key))
		return nil
	}
	if data.ObjectID != "" && pool != nil {
		if _, ok := pool.GetOrCreateZeroValue(data.ObjectID); !ok {
			m.logger.Warn("MAP_SET references object with unknown kind",
				log.String("object_id", m.id),
				log.String("ref", data.ObjectID))
		}
	}

	if existing == nil {
		existing = &mapEntry{}
		m.entries[key] = existing
	}
	existing.tombstone = false
	existing.tombstonedAt = nil
	existing.timeserial = opSerial
	existing.data = data
	return MapUpdate{key: MapChangeUpdated}
}

func (m *Map) applyMapRemove(key, opSerial string, at *time.Time) MapUpdate {
	existing := m.entries[key]
	if existing != nil && !canApplyMapOperation(existing.timeserial, opSerial) {
		m.logger.Debug("Stale MAP_REMOVE; discarding",
			log.String("object_id", m.id),
			log.String("key", key),
			log.String("entry_serial", existing.timeserial),
			log.String("op_serial", opSerial))
		return nil
	}

	wasVisible := existing.visible()
	if existing == nil {
		existing = &mapEntry{}
		m.entries[key] = existing
	}
	ts := m.clock.Now()
	if at != nil {
		ts = *at
	}
	existing.tombstone = true
	existing.tombstonedAt = &ts
	existing.timeserial = opSerial
	existing.data = nil

	if !wasVisible {
		return nil
	}
	return MapUpdate{key: MapChangeRemoved}
}

// tombstone deletes the map and reports every key that was visible.
func (m *Map) tombstone(at *time.Time) MapUpdate {
	update := m.removedKeys()
	m.markTombstoned(at)
	m.entries = make(map[string]*mapEntry)
	return update
}

func (m *Map) removedKeys() MapUpdate {
	update := make(MapUpdate)
	for k, e := range m.entries {
		if e.visible() {
			update[k] = MapChangeRemoved
		}
	}
	return update
}

// replaceData overwrites the map with an authoritative state and returns the
// difference as seen by subscribers.
func (m *Map) replaceData(state *wire.ObjectState, serialTimestamp *time.Time, pool materializer) MapUpdate {
	m.replaceSiteTimeserials(state.SiteTimeserials)
	if m.IsTombstoned() {
		return nil
	}
	if state.Tombstone {
		return m.tombstone(serialTimestamp)
	}

	previous := m.visibleData()

	m.entries = make(map[string]*mapEntry)
	if state.Map != nil {
		m.semantics = state.Map.Semantics
		for key, e := range state.Map.Entries {
			if e == nil {
				continue
			}
			entry := &mapEntry{
				tombstone:  e.Tombstone,
				timeserial: e.Timeserial,
				data:       e.Data,
			}
			if e.Tombstone {
				entry.data = nil
				at := millisToTime(e.SerialTimestamp)
				if at == nil {
					now := m.clock.Now()
					at = &now
				}
				entry.tombstonedAt = at
			}
			m.entries[key] = entry
		}
	}

	m.createOperationIsMerged = false
	if state.CreateOp != nil {
		m.mergeInitialValue(state.CreateOp, serialTimestamp, pool)
	}

	return diffMapData(previous, m.visibleData())
}

// resetData clears the map in place without tombstoning it.
func (m *Map) resetData() MapUpdate {
	update := m.removedKeys()
	m.entries = make(map[string]*mapEntry)
	m.siteTimeserials = make(map[string]string)
	m.createOperationIsMerged = false
	return update
}

// collectGarbage drops tombstoned entries older than grace and returns how
// many were removed.
func (m *Map) collectGarbage(now time.Time, grace time.Duration) int {
	removed := 0
	for k, e := range m.entries {
		if !e.tombstone || e.tombstonedAt == nil {
			continue
		}
		if now.Sub(*e.tombstonedAt) >= grace {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

func (m *Map) visibleData() map[string]string {
	out := make(map[string]string, len(m.entries))
	for k, e := range m.entries {
		if e.visible() {
			out[k] = describeData(e.data)
		}
	}
	return out
}

func diffMapData(prev, next map[string]string) MapUpdate {
	update := make(MapUpdate)
	for k, v := range prev {
		nv, ok := next[k]
		switch {
		case !ok:
			update[k] = MapChangeRemoved
		case nv != v:
			update[k] = MapChangeUpdated
		}
	}
	for k := range next {
		if _, ok := prev[k]; !ok {
			update[k] = MapChangeUpdated
		}
	}
	return update
}
