package protocol

import (
	"strconv"

	"github.com/oklog/ulid/v2"

	"github.com/zeusync/liveobjects/internal/core/objects/wire"
)

// Action is the frame type.
type Action int

const (
	ActionHeartbeat  Action = 0
	ActionAck        Action = 1
	ActionNack       Action = 2
	ActionConnected  Action = 4
	ActionError      Action = 9
	ActionAttach     Action = 10
	ActionAttached   Action = 11
	ActionDetach     Action = 12
	ActionDetached   Action = 13
	ActionObject     Action = 19
	ActionObjectSync Action = 20
)

func (a Action) String() string {
	switch a {
	case ActionHeartbeat:
		return "HEARTBEAT"
	case ActionAck:
		return "ACK"
	case ActionNack:
		return "NACK"
	case ActionConnected:
		return "CONNECTED"
	case ActionError:
		return "ERROR"
	case ActionAttach:
		return "ATTACH"
	case ActionAttached:
		return "ATTACHED"
	case ActionDetach:
		return "DETACH"
	case ActionDetached:
		return "DETACHED"
	case ActionObject:
		return "OBJECT"
	case ActionObjectSync:
		return "OBJECT_SYNC"
	default:
		return "ACTION(" + strconv.Itoa(int(a)) + ")"
	}
}

// Flag is a bit in Message.Flags.
type Flag int

// FlagHasObjects on ATTACHED means an OBJECT_SYNC sequence will follow.
const FlagHasObjects Flag = 1 << 7

// ConnectionDetails is sent by the server in CONNECTED.
type ConnectionDetails struct {
	ConnectionKey string `json:"connectionKey,omitempty" msgpack:"connectionKey,omitempty"`
	MaxFrameSize  int    `json:"maxFrameSize,omitempty" msgpack:"maxFrameSize,omitempty"`
	// ObjectsGCGracePeriod is in milliseconds.
	ObjectsGCGracePeriod *int64 `json:"objectsGCGracePeriod,omitempty" msgpack:"objectsGCGracePeriod,omitempty"`
}

// Message is one protocol frame.
type Message struct {
	Action            Action                `json:"action" msgpack:"action"`
	ID                string                `json:"id,omitempty" msgpack:"id,omitempty"`
	Channel           string                `json:"channel,omitempty" msgpack:"channel,omitempty"`
	ChannelSerial     string                `json:"channelSerial,omitempty" msgpack:"channelSerial,omitempty"`
	ConnectionID      string                `json:"connectionId,omitempty" msgpack:"connectionId,omitempty"`
	Timestamp         *int64                `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	MsgSerial         *int64                `json:"msgSerial,omitempty" msgpack:"msgSerial,omitempty"`
	Count             int                   `json:"count,omitempty" msgpack:"count,omitempty"`
	Flags             Flag                  `json:"flags,omitempty" msgpack:"flags,omitempty"`
	State             []*wire.ObjectMessage `json:"state,omitempty" msgpack:"state,omitempty"`
	ConnectionDetails *ConnectionDetails    `json:"connectionDetails,omitempty" msgpack:"connectionDetails,omitempty"`
	Error             *ErrorInfo            `json:"error,omitempty" msgpack:"error,omitempty"`
}

// HasFlag reports whether f is set.
func (m *Message) HasFlag(f Flag) bool { return m.Flags&f != 0 }

// SyncCursor returns the channel serial of an OBJECT_SYNC frame, or nil when
// the frame carries none.
func (m *Message) SyncCursor() *string {
	if m.ChannelSerial == "" {
		return nil
	}
	s := m.ChannelSerial
	return &s
}

// ObjectMessages returns the frame's object messages with id, connectionId
// and timestamp defaulted from the frame.
func (m *Message) ObjectMessages() []*wire.ObjectMessage {
	wire.ApplyParentDefaults(m.State, wire.Parent{
		ID:           m.ID,
		ConnectionID: m.ConnectionID,
		Timestamp:    m.Timestamp,
	})
	return m.State
}

// NewFrameID returns a unique, time-ordered frame id.
func NewFrameID() string {
	return ulid.Make().String()
}

// Encode serializes m in format f. Object data encoding markers are set for
// the format first.
func Encode(m *Message, f wire.Format) ([]byte, error) {
	wire.PrepareOutbound(m.State, f)
	return f.Marshal(m)
}

// Decode parses a frame in format f.
func Decode(data []byte, f wire.Format) (*Message, error) {
	var m Message
	if err := f.Unmarshal(data, &m); err != nil {
		return nil, NewProtocolError(ErrorCodeBadRequest, "decode frame", err)
	}
	return &m, nil
}
