package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the serialization used on a connection.
type Format uint8

const (
	FormatJSON Format = iota
	FormatMsgPack
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgPack:
		return "msgpack"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseFormat accepts "json" and "msgpack" (or "binary").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "msgpack", "binary":
		return FormatMsgPack, nil
	default:
		return FormatJSON, fmt.Errorf("unknown wire format %q", s)
	}
}

// Binary reports whether the format produces non-text frames.
func (f Format) Binary() bool { return f == FormatMsgPack }

// Marshal encodes v in format f.
func (f Format) Marshal(v any) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(v)
	case FormatMsgPack:
		return msgpack.Marshal(v)
	default:
		return nil, fmt.Errorf("marshal: unsupported format %s", f)
	}
}

// Unmarshal decodes data in format f into v.
func (f Format) Unmarshal(data []byte, v any) error {
	switch f {
	case FormatJSON:
		return json.Unmarshal(data, v)
	case FormatMsgPack:
		return msgpack.Unmarshal(data, v)
	default:
		return fmt.Errorf("unmarshal: unsupported format %s", f)
	}
}

// PrepareOutbound sets the encoding marker of every ObjectData in msgs for
// format f: "base64" for bytes in JSON, "json" for JSON values, nothing for
// raw bytes in MessagePack.
func PrepareOutbound(msgs []*ObjectMessage, f Format) {
	for _, m := range msgs {
		ForEachData(m, func(d *ObjectData) {
			switch {
			case d.JSON != nil:
				d.Encoding = EncodingJSON
			case d.Bytes != nil && f == FormatJSON:
				d.Encoding = EncodingBase64
			default:
				d.Encoding = ""
			}
		})
	}
}

// CanonicalJSON encodes v as compact JSON. encoding/json writes map keys in
// sorted order, which keeps the result stable for hashing.
func CanonicalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
