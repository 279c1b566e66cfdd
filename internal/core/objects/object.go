// Package objects implements the replicated live objects (maps and counters)
// and the pool that owns them.
//
// Nothing in this package locks. Every method must be called with the owning
// engine's lock held; notifications are returned to the caller as
// Notification closures so they can be run after the lock is released.
package objects

import (
	"time"

	"github.com/zeusync/liveobjects/internal/core/objects/objectid"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
)

// RootObjectID is the id of the pool's permanent root map.
const RootObjectID = "root"

const eventUpdate = "update"

// Kind is the variant of a pool entry.
type Kind = objectid.Kind

const (
	KindMap     = objectid.KindMap
	KindCounter = objectid.KindCounter
)

// Object is a pool entry: either *Map or *Counter.
type Object interface {
	ID() string
	Kind() Kind
	IsTombstoned() bool
	TombstonedAt() (time.Time, bool)
	SiteTimeserials() map[string]string
	UnsubscribeAll()

	sealed()
}

// Resolver looks objects up by id. Maps resolve references through it instead
// of holding pointers to the objects they reference.
type Resolver interface {
	Get(id string) (Object, bool)
}

// materializer is the pool capability maps need when a MAP_SET references an
// object the pool has not seen yet.
type materializer interface {
	Resolver
	GetOrCreateZeroValue(id string) (Object, bool)
}

// Notification delivers a pending update to subscribers. A nil Notification
// means nothing changed.
type Notification func()

// Run calls n if it is set.
func (n Notification) Run() {
	if n != nil {
		n()
	}
}

// RunAll calls every notification in order.
func RunAll(ns []Notification) {
	for _, n := range ns {
		n.Run()
	}
}

// Clock is the wall-clock source used for tombstone timestamps and GC.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// opMeta carries the message-level fields an operation is applied with.
type opMeta struct {
	serial          string
	siteCode        string
	serialTimestamp *time.Time
}

// liveObject holds the state shared by maps and counters.
type liveObject struct {
	id                      string
	siteTimeserials         map[string]string
	createOperationIsMerged bool
	tombstonedAt            *time.Time

	clock  Clock
	logger log.Log
}

func newLiveObject(id string, clock Clock, logger log.Log) liveObject {
	return liveObject{
		id:              id,
		siteTimeserials: make(map[string]string),
		clock:           clock,
		logger:          logger,
	}
}

func (o *liveObject) ID() string { return o.id }

func (o *liveObject) IsTombstoned() bool { return o.tombstonedAt != nil }

func (o *liveObject) TombstonedAt() (time.Time, bool) {
	if o.tombstonedAt == nil {
		return time.Time{}, false
	}
	return *o.tombstonedAt, true
}

// SiteTimeserials returns a copy of the per-site serial bookkeeping.
func (o *liveObject) SiteTimeserials() map[string]string {
	out := make(map[string]string, len(o.siteTimeserials))
	for k, v := range o.siteTimeserials {
		out[k] = v
	}
	return out
}

// canApplyOperation reports whether an operation from siteCode with serial is
// newer than anything already applied from that site.
func (o *liveObject) canApplyOperation(serial, siteCode string) bool {
	if serial == "" || siteCode == "" {
		o.logger.Warn("Operation is missing serial or site code; discarding",
			log.String("object_id", o.id),
			log.String("serial", serial),
			log.String("site_code", siteCode))
		return false
	}
	stored, ok := o.siteTimeserials[siteCode]
	if !ok || stored == "" {
		return true
	}
	return serial > stored
}

// admit runs admission control and records the serial before any payload
// effect. Tombstoned objects are still admitted so their bookkeeping advances.
func (o *liveObject) admit(meta opMeta, action string) bool {
	if !o.canApplyOperation(meta.serial, meta.siteCode) {
		o.logger.Debug("Operation should not be applied; discarding",
			log.String("object_id", o.id),
			log.String("action", action),
			log.String("serial", meta.serial),
			log.String("site_code", meta.siteCode))
		return false
	}
	o.siteTimeserials[meta.siteCode] = meta.serial
	return true
}

// markTombstoned records the deletion time: at when supplied, else the clock.
func (o *liveObject) markTombstoned(at *time.Time) {
	ts := o.clock.Now()
	if at != nil {
		ts = *at
	}
	o.tombstonedAt = &ts
}

func (o *liveObject) replaceSiteTimeserials(serials map[string]string) {
	o.siteTimeserials = make(map[string]string, len(serials))
	for k, v := range serials {
		o.siteTimeserials[k] = v
	}
}

func millisToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
