package liveobjects

import "github.com/zeusync/liveobjects/internal/core/protocol"

// Errors returned by the client. Use errors.Is; ErrorCode gives the numeric
// code.
var (
	ErrChannelStateInvalid = protocol.ErrChannelStateInvalid
	ErrChannelFailed       = protocol.ErrChannelFailed
	ErrChannelDetached     = protocol.ErrChannelDetached
	ErrInvalidArgument     = protocol.ErrInvalidArgument
	ErrPublishRejected     = protocol.ErrPublishRejected
	ErrConnectionClosed    = protocol.ErrConnectionClosed
	ErrTransportFailed     = protocol.ErrTransportFailed
)

type Error = protocol.Error

// ErrorCode returns the protocol error code of err.
func ErrorCode(err error) int { return int(protocol.GetErrorCode(err)) }
