// Package wire holds the object message model exchanged with the realtime
// service and its JSON and MessagePack representations.
package wire

import (
	"encoding/json"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// Action is the operation kind carried by an ObjectOperation. Values outside
// the known range are preserved so that callers can log and skip them.
type Action int

const (
	ActionMapCreate Action = iota
	ActionMapSet
	ActionMapRemove
	ActionCounterCreate
	ActionCounterInc
	ActionObjectDelete
)

// Known reports whether a is one of the protocol's defined actions.
func (a Action) Known() bool {
	return a >= ActionMapCreate && a <= ActionObjectDelete
}

func (a Action) String() string {
	switch a {
	case ActionMapCreate:
		return "MAP_CREATE"
	case ActionMapSet:
		return "MAP_SET"
	case ActionMapRemove:
		return "MAP_REMOVE"
	case ActionCounterCreate:
		return "COUNTER_CREATE"
	case ActionCounterInc:
		return "COUNTER_INC"
	case ActionObjectDelete:
		return "OBJECT_DELETE"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(a)) + ")"
	}
}

// MapSemantics is the conflict-resolution mode of a map. Only LWW exists.
type MapSemantics int

const MapSemanticsLWW MapSemantics = 0

const (
	EncodingJSON   = "json"
	EncodingBase64 = "base64"
)

// ObjectMessage is one entry in the state array of an OBJECT or OBJECT_SYNC
// frame. Exactly one of Operation and Object is expected to be set.
type ObjectMessage struct {
	ID              string         `json:"id,omitempty" msgpack:"id,omitempty"`
	ClientID        string         `json:"clientId,omitempty" msgpack:"clientId,omitempty"`
	ConnectionID    string         `json:"connectionId,omitempty" msgpack:"connectionId,omitempty"`
	Extras          map[string]any `json:"extras,omitempty" msgpack:"extras,omitempty"`
	Timestamp       *int64         `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Operation       *Operation     `json:"operation,omitempty" msgpack:"operation,omitempty"`
	Object          *ObjectState   `json:"object,omitempty" msgpack:"object,omitempty"`
	Serial          string         `json:"serial,omitempty" msgpack:"serial,omitempty"`
	SiteCode        string         `json:"siteCode,omitempty" msgpack:"siteCode,omitempty"`
	SerialTimestamp *int64         `json:"serialTimestamp,omitempty" msgpack:"serialTimestamp,omitempty"`
}

// Operation describes a mutation of a single object.
type Operation struct {
	Action               Action       `json:"action" msgpack:"action"`
	ObjectID             string       `json:"objectId" msgpack:"objectId"`
	MapOp                *MapOp       `json:"mapOp,omitempty" msgpack:"mapOp,omitempty"`
	CounterOp            *CounterOp   `json:"counterOp,omitempty" msgpack:"counterOp,omitempty"`
	Map                  *ObjectsMap  `json:"map,omitempty" msgpack:"map,omitempty"`
	Counter              *CounterInit `json:"counter,omitempty" msgpack:"counter,omitempty"`
	Nonce                string       `json:"nonce,omitempty" msgpack:"nonce,omitempty"`
	InitialValue         string       `json:"initialValue,omitempty" msgpack:"initialValue,omitempty"`
	InitialValueEncoding string       `json:"initialValueEncoding,omitempty" msgpack:"initialValueEncoding,omitempty"`
}

// MapOp is the payload of MAP_SET and MAP_REMOVE.
type MapOp struct {
	Key  string      `json:"key" msgpack:"key"`
	Data *ObjectData `json:"data,omitempty" msgpack:"data,omitempty"`
}

// CounterOp is the payload of COUNTER_INC.
type CounterOp struct {
	Amount float64 `json:"amount" msgpack:"amount"`
}

// ObjectsMap is the map payload of MAP_CREATE and of a map's ObjectState.
type ObjectsMap struct {
	Semantics MapSemantics         `json:"semantics" msgpack:"semantics"`
	Entries   map[string]*MapEntry `json:"entries,omitempty" msgpack:"entries,omitempty"`
}

// CounterInit is the counter payload of COUNTER_CREATE and of a counter's
// ObjectState. A nil Count means the field was absent.
type CounterInit struct {
	Count *float64 `json:"count,omitempty" msgpack:"count,omitempty"`
}

// MapEntry is a single key of a map as carried on the wire.
type MapEntry struct {
	Tombstone       bool        `json:"tombstone,omitempty" msgpack:"tombstone,omitempty"`
	Timeserial      string      `json:"timeserial,omitempty" msgpack:"timeserial,omitempty"`
	SerialTimestamp *int64      `json:"serialTimestamp,omitempty" msgpack:"serialTimestamp,omitempty"`
	Data            *ObjectData `json:"data,omitempty" msgpack:"data,omitempty"`
}

// ObjectState is the authoritative state of one object inside a sync frame.
type ObjectState struct {
	ObjectID        string            `json:"objectId" msgpack:"objectId"`
	SiteTimeserials map[string]string `json:"siteTimeserials" msgpack:"siteTimeserials"`
	Tombstone       bool              `json:"tombstone" msgpack:"tombstone"`
	CreateOp        *Operation        `json:"createOp,omitempty" msgpack:"createOp,omitempty"`
	Map             *ObjectsMap       `json:"map,omitempty" msgpack:"map,omitempty"`
	Counter         *CounterInit      `json:"counter,omitempty" msgpack:"counter,omitempty"`
}

// ObjectData is a tagged value. At most one of the value fields is set.
//
// Bytes travel as raw bytes in MessagePack and as base64 text in JSON (the
// encoding/json default for []byte). JSON holds JSON text in both formats.
type ObjectData struct {
	ObjectID string   `json:"objectId,omitempty" msgpack:"objectId,omitempty"`
	Encoding string   `json:"encoding,omitempty" msgpack:"encoding,omitempty"`
	Boolean  *bool    `json:"boolean,omitempty" msgpack:"boolean,omitempty"`
	Bytes    []byte   `json:"bytes,omitempty" msgpack:"bytes,omitempty"`
	Number   *float64 `json:"number,omitempty" msgpack:"number,omitempty"`
	String   *string  `json:"string,omitempty" msgpack:"string,omitempty"`
	JSON     *string  `json:"json,omitempty" msgpack:"json,omitempty"`
}

// objectDataFields mirrors ObjectData with bytes behind a pointer so that an
// empty byte value survives encoding and decoding.
type objectDataFields struct {
	ObjectID string   `json:"objectId,omitempty" msgpack:"objectId,omitempty"`
	Encoding string   `json:"encoding,omitempty" msgpack:"encoding,omitempty"`
	Boolean  *bool    `json:"boolean,omitempty" msgpack:"boolean,omitempty"`
	Bytes    *[]byte  `json:"bytes,omitempty" msgpack:"bytes,omitempty"`
	Number   *float64 `json:"number,omitempty" msgpack:"number,omitempty"`
	String   *string  `json:"string,omitempty" msgpack:"string,omitempty"`
	JSON     *string  `json:"json,omitempty" msgpack:"json,omitempty"`
}

func (d ObjectData) fields() objectDataFields {
	f := objectDataFields{
		ObjectID: d.ObjectID,
		Encoding: d.Encoding,
		Boolean:  d.Boolean,
		Number:   d.Number,
		String:   d.String,
		JSON:     d.JSON,
	}
	if d.Bytes != nil {
		b := d.Bytes
		f.Bytes = &b
	}
	return f
}

func (d *ObjectData) setFields(f objectDataFields) {
	*d = ObjectData{
		ObjectID: f.ObjectID,
		Encoding: f.Encoding,
		Boolean:  f.Boolean,
		Number:   f.Number,
		String:   f.String,
		JSON:     f.JSON,
	}
	if f.Bytes != nil {
		d.Bytes = *f.Bytes
		if d.Bytes == nil {
			d.Bytes = []byte{}
		}
	}
}

func (d ObjectData) MarshalJSON() ([]byte, error) { return json.Marshal(d.fields()) }

func (d *ObjectData) UnmarshalJSON(data []byte) error {
	var f objectDataFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	d.setFields(f)
	return nil
}

func (d ObjectData) EncodeMsgpack(enc *msgpack.Encoder) error { return enc.Encode(d.fields()) }

func (d *ObjectData) DecodeMsgpack(dec *msgpack.Decoder) error {
	var f objectDataFields
	if err := dec.Decode(&f); err != nil {
		return err
	}
	d.setFields(f)
	return nil
}

// IsEmpty reports whether d carries neither a primitive nor a reference.
func (d *ObjectData) IsEmpty() bool {
	if d == nil {
		return true
	}
	return d.ObjectID == "" && d.Boolean == nil && d.Bytes == nil &&
		d.Number == nil && d.String == nil && d.JSON == nil
}

// Parent holds the frame-level fields inherited by object messages that omit
// them.
type Parent struct {
	ID           string
	ConnectionID string
	Timestamp    *int64
}

// ApplyParentDefaults fills missing message ids with "<parentID>:<index>" and
// inherits connectionId and timestamp from the frame.
func ApplyParentDefaults(msgs []*ObjectMessage, parent Parent) {
	for i, m := range msgs {
		if m == nil {
			continue
		}
		if m.ID == "" && parent.ID != "" {
			m.ID = parent.ID + ":" + strconv.Itoa(i)
		}
		if m.ConnectionID == "" {
			m.ConnectionID = parent.ConnectionID
		}
		if m.Timestamp == nil && parent.Timestamp != nil {
			ts := *parent.Timestamp
			m.Timestamp = &ts
		}
	}
}

// ForEachData calls fn for every ObjectData reachable from m.
func ForEachData(m *ObjectMessage, fn func(*ObjectData)) {
	if m == nil {
		return
	}
	if m.Operation != nil {
		forEachOperationData(m.Operation, fn)
	}
	if m.Object != nil {
		if m.Object.CreateOp != nil {
			forEachOperationData(m.Object.CreateOp, fn)
		}
		forEachMapData(m.Object.Map, fn)
	}
}

func forEachOperationData(op *Operation, fn func(*ObjectData)) {
	if op.MapOp != nil && op.MapOp.Data != nil {
		fn(op.MapOp.Data)
	}
	forEachMapData(op.Map, fn)
}

func forEachMapData(m *ObjectsMap, fn func(*ObjectData)) {
	if m == nil {
		return
	}
	for _, e := range m.Entries {
		if e != nil && e.Data != nil {
			fn(e.Data)
		}
	}
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
