package objects

import (
	"math"
	"time"

	"github.com/zeusync/liveobjects/internal/core/objects/objectid"
	"github.com/zeusync/liveobjects/internal/core/objects/wire"
)

// CounterCreateOperation builds the COUNTER_CREATE operation for a new
// counter with initial value count. The object id is derived from the JSON
// initial value, nonce and timestamp.
func CounterCreateOperation(count float64, nonce string, timestamp time.Time) (*wire.Operation, error) {
	if math.IsNaN(count) || math.IsInf(count, 0) {
		return nil, ErrNonFiniteNumber
	}
	init := &wire.CounterInit{Count: wire.Float64(count)}
	initialValue, err := wire.CanonicalJSON(struct {
		Counter *wire.CounterInit `json:"counter"`
	}{init})
	if err != nil {
		return nil, err
	}
	return &wire.Operation{
		Action:               wire.ActionCounterCreate,
		ObjectID:             objectid.Create(KindCounter, initialValue, nonce, timestamp),
		Counter:              init,
		Nonce:                nonce,
		InitialValue:         initialValue,
		InitialValueEncoding: wire.EncodingJSON,
	}, nil
}

// MapCreateOperation builds the MAP_CREATE operation for a new map holding
// entries.
func MapCreateOperation(entries map[string]Value, nonce string, timestamp time.Time) (*wire.Operation, error) {
	m := &wire.ObjectsMap{Semantics: wire.MapSemanticsLWW}
	if len(entries) > 0 {
		m.Entries = make(map[string]*wire.MapEntry, len(entries))
		for key, v := range entries {
			data, err := v.ObjectData()
			if err != nil {
				return nil, err
			}
			m.Entries[key] = &wire.MapEntry{Data: data}
		}
	}

	op := &wire.Operation{
		Action: wire.ActionMapCreate,
		Map:    m,
		Nonce:  nonce,
	}
	// The initial value is always hashed in its JSON form.
	wire.PrepareOutbound([]*wire.ObjectMessage{{Operation: op}}, wire.FormatJSON)

	initialValue, err := wire.CanonicalJSON(struct {
		Map *wire.ObjectsMap `json:"map"`
	}{m})
	if err != nil {
		return nil, err
	}
	op.ObjectID = objectid.Create(KindMap, initialValue, nonce, timestamp)
	op.InitialValue = initialValue
	op.InitialValueEncoding = wire.EncodingJSON
	return op, nil
}
