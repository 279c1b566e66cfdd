package protocol

import (
	"errors"
	"fmt"
)

// Core protocol errors
var (
	// Channel errors

	ErrChannelStateInvalid = errors.New("channel is in an invalid state for this operation")
	ErrChannelFailed       = errors.New("channel failed")
	ErrChannelDetached     = errors.New("channel detached")

	// Argument errors

	ErrInvalidArgument = errors.New("invalid argument")

	// Input errors

	ErrMalformedMessage = errors.New("malformed message")
	ErrMalformedCursor  = errors.New("malformed sync cursor")
	ErrFrameTooLarge    = errors.New("frame too large")

	// Transport errors

	ErrConnectionClosed = errors.New("connection is closed")
	ErrPublishRejected  = errors.New("publish rejected by server")
	ErrTransportFailed  = errors.New("transport failed")
)

// ErrorCode is the numeric code carried by protocol errors and ERROR/NACK
// frames.
type ErrorCode int

const (
	ErrorCodeBadRequest          ErrorCode = 40000
	ErrorCodeInvalidArgument     ErrorCode = 40003
	ErrorCodeInternal            ErrorCode = 50000
	ErrorCodeTransportFailed     ErrorCode = 80000
	ErrorCodeConnectionClosed    ErrorCode = 80017
	ErrorCodeChannelStateInvalid ErrorCode = 90001
	ErrorCodeChannelFailed       ErrorCode = 90000
)

// Error is a coded error. StatusCode follows HTTP conventions.
type Error struct {
	Code       ErrorCode
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a new protocol error
func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:       code,
		StatusCode: statusFor(code),
		Message:    message,
		Cause:      cause,
	}
}

func statusFor(code ErrorCode) int {
	switch {
	case code >= 40000 && code < 60000:
		return int(code) / 100
	case code >= 90000 && code < 100000:
		return 400
	default:
		return 500
	}
}

var errorCodeMap = map[error]ErrorCode{
	ErrChannelStateInvalid: ErrorCodeChannelStateInvalid,
	ErrChannelFailed:       ErrorCodeChannelFailed,
	ErrChannelDetached:     ErrorCodeChannelStateInvalid,
	ErrInvalidArgument:     ErrorCodeInvalidArgument,
	ErrMalformedMessage:    ErrorCodeBadRequest,
	ErrMalformedCursor:     ErrorCodeBadRequest,
	ErrFrameTooLarge:       ErrorCodeBadRequest,
	ErrConnectionClosed:    ErrorCodeConnectionClosed,
	ErrPublishRejected:     ErrorCodeBadRequest,
	ErrTransportFailed:     ErrorCodeTransportFailed,
}

// GetErrorCode returns the error code for a given error
func GetErrorCode(err error) ErrorCode {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ErrorCodeInternal
}

// WrapError wraps a standard error into a protocol error
func WrapError(err error, message string) *Error {
	return NewProtocolError(GetErrorCode(err), message, err)
}

// InvalidStateError reports that an operation is not allowed in state.
func InvalidStateError(op string, state ChannelState) *Error {
	return NewProtocolError(ErrorCodeChannelStateInvalid,
		fmt.Sprintf("%s: channel is %s", op, state), ErrChannelStateInvalid)
}

// InvalidArgumentError reports a bad caller-supplied value.
func InvalidArgumentError(message string) *Error {
	return NewProtocolError(ErrorCodeInvalidArgument, message, ErrInvalidArgument)
}

// ErrorInfo is the error object carried by ERROR, NACK and DETACHED frames.
type ErrorInfo struct {
	Code       int    `json:"code" msgpack:"code"`
	StatusCode int    `json:"statusCode,omitempty" msgpack:"statusCode,omitempty"`
	Message    string `json:"message,omitempty" msgpack:"message,omitempty"`
}

// Err converts info into a protocol error wrapping sentinel.
func (info *ErrorInfo) Err(sentinel error) *Error {
	if info == nil {
		return NewProtocolError(GetErrorCode(sentinel), sentinel.Error(), sentinel)
	}
	e := NewProtocolError(ErrorCode(info.Code), info.Message, sentinel)
	if info.StatusCode != 0 {
		e.StatusCode = info.StatusCode
	}
	return e
}

// ErrorInfoFrom builds the wire form of err.
func ErrorInfoFrom(err error) *ErrorInfo {
	var pe *Error
	if errors.As(err, &pe) {
		return &ErrorInfo{Code: int(pe.Code), StatusCode: pe.StatusCode, Message: pe.Message}
	}
	code := GetErrorCode(err)
	return &ErrorInfo{Code: int(code), StatusCode: statusFor(code), Message: err.Error()}
}
