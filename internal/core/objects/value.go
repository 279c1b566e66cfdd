package objects

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/zeusync/liveobjects/internal/core/objects/wire"
)

// ValueKind identifies which field of a Value is populated.
type ValueKind uint8

const (
	ValueInvalid ValueKind = iota
	ValueBool
	ValueBytes
	ValueNumber
	ValueString
	ValueJSON
	ValueObject
)

func (k ValueKind) String() string {
	switch k {
	case ValueBool:
		return "bool"
	case ValueBytes:
		return "bytes"
	case ValueNumber:
		return "number"
	case ValueString:
		return "string"
	case ValueJSON:
		return "json"
	case ValueObject:
		return "object"
	default:
		return "invalid"
	}
}

// Value is what a map key holds: a primitive, a JSON document, or another
// live object.
type Value struct {
	Kind   ValueKind
	Bool   bool
	Bytes  []byte
	Number float64
	String string
	JSON   json.RawMessage
	Object Object
}

func BoolValue(b bool) Value              { return Value{Kind: ValueBool, Bool: b} }
func BytesValue(b []byte) Value           { return Value{Kind: ValueBytes, Bytes: b} }
func NumberValue(n float64) Value         { return Value{Kind: ValueNumber, Number: n} }
func StringValue(s string) Value          { return Value{Kind: ValueString, String: s} }
func JSONValue(raw json.RawMessage) Value { return Value{Kind: ValueJSON, JSON: raw} }
func ObjectValue(o Object) Value          { return Value{Kind: ValueObject, Object: o} }

var (
	ErrNonFiniteNumber = errors.New("number must be finite")
	ErrInvalidJSON     = errors.New("json value is not valid JSON")
	ErrNilObject       = errors.New("object value has no object")
	ErrInvalidValue    = errors.New("value has no kind")
)

// ObjectData converts v to its wire representation.
func (v Value) ObjectData() (*wire.ObjectData, error) {
	switch v.Kind {
	case ValueBool:
		b := v.Bool
		return &wire.ObjectData{Boolean: &b}, nil
	case ValueBytes:
		return &wire.ObjectData{Bytes: append([]byte{}, v.Bytes...)}, nil
	case ValueNumber:
		if math.IsNaN(v.Number) || math.IsInf(v.Number, 0) {
			return nil, ErrNonFiniteNumber
		}
		n := v.Number
		return &wire.ObjectData{Number: &n}, nil
	case ValueString:
		s := v.String
		return &wire.ObjectData{String: &s}, nil
	case ValueJSON:
		if !json.Valid(v.JSON) {
			return nil, ErrInvalidJSON
		}
		s := string(v.JSON)
		return &wire.ObjectData{JSON: &s}, nil
	case ValueObject:
		if v.Object == nil {
			return nil, ErrNilObject
		}
		return &wire.ObjectData{ObjectID: v.Object.ID()}, nil
	default:
		return nil, ErrInvalidValue
	}
}

// valueFromData resolves wire data to a Value. Primitives win over references
// in the order boolean, bytes, number, string, json. References resolve
// through r and are hidden when the target is missing or tombstoned.
func valueFromData(d *wire.ObjectData, r Resolver) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	switch {
	case d.Boolean != nil:
		return BoolValue(*d.Boolean), true
	case d.Bytes != nil:
		return BytesValue(append([]byte{}, d.Bytes...)), true
	case d.Number != nil:
		return NumberValue(*d.Number), true
	case d.String != nil:
		return StringValue(*d.String), true
	case d.JSON != nil:
		return JSONValue(json.RawMessage(*d.JSON)), true
	case d.ObjectID != "":
		if r == nil {
			return Value{}, false
		}
		obj, ok := r.Get(d.ObjectID)
		if !ok || obj.IsTombstoned() {
			return Value{}, false
		}
		return ObjectValue(obj), true
	default:
		return Value{}, false
	}
}

// describeData renders d compactly for digests and logs.
func describeData(d *wire.ObjectData) string {
	if d == nil {
		return "<nil>"
	}
	switch {
	case d.Boolean != nil:
		return fmt.Sprintf("b:%t", *d.Boolean)
	case d.Bytes != nil:
		return fmt.Sprintf("y:%x", d.Bytes)
	case d.Number != nil:
		return fmt.Sprintf("n:%g", *d.Number)
	case d.String != nil:
		return "s:" + *d.String
	case d.JSON != nil:
		return "j:" + *d.JSON
	case d.ObjectID != "":
		return "o:" + d.ObjectID
	default:
		return "<empty>"
	}
}
