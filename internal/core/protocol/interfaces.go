package protocol

import (
	"context"
	"time"

	"github.com/zeusync/liveobjects/internal/core/objects/wire"
)

// ChannelState is the attachment state of a channel.
type ChannelState uint8

const (
	ChannelStateInitialized ChannelState = iota
	ChannelStateAttaching
	ChannelStateAttached
	ChannelStateDetaching
	ChannelStateDetached
	ChannelStateSuspended
	ChannelStateFailed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateInitialized:
		return "initialized"
	case ChannelStateAttaching:
		return "attaching"
	case ChannelStateAttached:
		return "attached"
	case ChannelStateDetaching:
		return "detaching"
	case ChannelStateDetached:
		return "detached"
	case ChannelStateSuspended:
		return "suspended"
	case ChannelStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FrameConn moves whole frames over a transport. ReadFrame is called from a
// single goroutine; WriteFrame may be called concurrently.
type FrameConn interface {
	ReadFrame(ctx context.Context) (*Message, error)
	WriteFrame(ctx context.Context, msg *Message) error
	Close() error
}

// Handler receives the object traffic of one channel. Calls arrive in frame
// order from the channel's read loop.
type Handler interface {
	OnChannelAttached(hasObjects bool)
	HandleObjectMessages(msgs []*wire.ObjectMessage)
	HandleSyncMessages(msgs []*wire.ObjectMessage, cursor *string)
	SetGCGracePeriod(d time.Duration)
}
