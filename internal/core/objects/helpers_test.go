package objects

import (
	"time"

	"github.com/zeusync/liveobjects/internal/core/objects/wire"
	"github.com/zeusync/liveobjects/internal/core/observability/log"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPool() (*Pool, *fakeClock) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	return NewPool(clock, log.NewNop()), clock
}

func strData(s string) *wire.ObjectData { return &wire.ObjectData{String: &s} }

func numData(n float64) *wire.ObjectData { return &wire.ObjectData{Number: &n} }

func refData(id string) *wire.ObjectData { return &wire.ObjectData{ObjectID: id} }

func opMessage(serial, site string, op *wire.Operation) *wire.ObjectMessage {
	return &wire.ObjectMessage{Serial: serial, SiteCode: site, Operation: op}
}

func mapSet(objectID, key, serial, site string, data *wire.ObjectData) *wire.ObjectMessage {
	return opMessage(serial, site, &wire.Operation{
		Action:   wire.ActionMapSet,
		ObjectID: objectID,
		MapOp:    &wire.MapOp{Key: key, Data: data},
	})
}

func mapRemove(objectID, key, serial, site string) *wire.ObjectMessage {
	return opMessage(serial, site, &wire.Operation{
		Action:   wire.ActionMapRemove,
		ObjectID: objectID,
		MapOp:    &wire.MapOp{Key: key},
	})
}

func counterInc(objectID string, amount float64, serial, site string) *wire.ObjectMessage {
	return opMessage(serial, site, &wire.Operation{
		Action:    wire.ActionCounterInc,
		ObjectID:  objectID,
		CounterOp: &wire.CounterOp{Amount: amount},
	})
}

func objectDelete(objectID, serial, site string) *wire.ObjectMessage {
	return opMessage(serial, site, &wire.Operation{
		Action:   wire.ActionObjectDelete,
		ObjectID: objectID,
	})
}

func counterState(id string, count float64, serials map[string]string) *wire.ObjectMessage {
	return &wire.ObjectMessage{Object: &wire.ObjectState{
		ObjectID:        id,
		SiteTimeserials: serials,
		Counter:         &wire.CounterInit{Count: wire.Float64(count)},
	}}
}

func mapState(id string, entries map[string]*wire.MapEntry) *wire.ObjectMessage {
	return &wire.ObjectMessage{Object: &wire.ObjectState{
		ObjectID:        id,
		SiteTimeserials: map[string]string{},
		Map:             &wire.ObjectsMap{Entries: entries},
	}}
}
