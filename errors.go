package http2

import (
	"errors"
	"fmt"
)

// ErrorCode defines the error codes a RST_STREAM or GOAWAY frame can
// carry, as defined in RFC 9113 section 7.
type ErrorCode uint32

const (
	NoError              ErrorCode = 0x0
	ProtocolError        ErrorCode = 0x1
	InternalError        ErrorCode = 0x2
	FlowControlError     ErrorCode = 0x3
	SettingsTimeoutError ErrorCode = 0x4
	StreamClosedError    ErrorCode = 0x5
	FrameSizeError       ErrorCode = 0x6
	RefusedStreamError   ErrorCode = 0x7
	StreamCanceled       ErrorCode = 0x8
	CompressionError     ErrorCode = 0x9
	ConnectionError      ErrorCode = 0xa
	EnhanceYourCalm      ErrorCode = 0xb
	InadequateSecurity   ErrorCode = 0xc
	HTTP11Required       ErrorCode = 0xd
)

func (code ErrorCode) String() string {
	switch code {
	case NoError:
		return "No errors"
	case ProtocolError:
		return "Protocol error"
	case InternalError:
		return "Internal error"
	case FlowControlError:
		return "Flow control error"
	case SettingsTimeoutError:
		return "Settings timeout"
	case StreamClosedError:
		return "Stream have been closed"
	case FrameSizeError:
		return "Frame with invalid size"
	case RefusedStreamError:
		return "Refused stream"
	case StreamCanceled:
		return "Stream canceled"
	case CompressionError:
		return "Compression error"
	case ConnectionError:
		return "Connection error"
	case EnhanceYourCalm:
		return "Enhance your calm"
	case InadequateSecurity:
		return "Inadequate security"
	case HTTP11Required:
		return "HTTP/1.1 required"
	}

	return "Unknown"
}

// Error implements the error interface so an ErrorCode can be matched
// with errors.Is.
func (code ErrorCode) Error() string {
	return code.String()
}

// Error is a protocol error. The frame type defines its scope: a
// FrameGoAway error is connection-scoped and fatal, a FrameResetStream
// error only tears down the stream that caused it.
type Error struct {
	code      ErrorCode
	frameType FrameType
	debug     string
}

// NewError creates a new Error scoped to the given frame type.
func NewError(ftype FrameType, code ErrorCode, debug string) Error {
	return Error{
		code:      code,
		frameType: ftype,
		debug:     debug,
	}
}

// NewGoAwayError returns a connection-scoped Error.
func NewGoAwayError(code ErrorCode, debug string) Error {
	return NewError(FrameGoAway, code, debug)
}

// NewResetStreamError returns a stream-scoped Error.
func NewResetStreamError(code ErrorCode, debug string) Error {
	return NewError(FrameResetStream, code, debug)
}

func (e Error) Is(target error) bool {
	var code ErrorCode
	if errors.As(target, &code) {
		return e.code == code
	}

	var err Error
	if errors.As(target, &err) {
		return e.code == err.code && e.frameType == err.frameType
	}

	return false
}

func (e Error) Code() ErrorCode {
	return e.code
}

func (e Error) Debug() string {
	return e.debug
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.debug)
}

var (
	// ErrUnknownFrameType is returned when a frame carries a type this
	// package does not implement. Unknown types must be ignored, not
	// treated as errors, once the connection preface completed.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrPayloadExceeds is returned when a frame payload exceeds the
	// negotiated SETTINGS_MAX_FRAME_SIZE.
	ErrPayloadExceeds = errors.New("frame payload exceeds the maximum size")

	// ErrMissingBytes is returned when a frame payload is shorter than
	// its kind requires.
	ErrMissingBytes = errors.New("missing payload bytes")

	// ErrSelfDependency is returned when a PRIORITY or HEADERS frame
	// declares a dependency on its own stream.
	ErrSelfDependency = errors.New("stream that depends on itself")

	// ErrStreamNotReady is returned when canceling a stream that has
	// not been registered on any connection yet.
	ErrStreamNotReady = errors.New("stream not ready")

	// ErrNotAvailableStreams is returned when a connection ran out of
	// stream ids or reached the concurrency limit.
	ErrNotAvailableStreams = errors.New("no streams available")

	// ErrConnectionClosed is returned when writing on a connection that
	// already went away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUnexpectedSize is returned when a header block ends in the
	// middle of a field. The remaining bytes belong to a CONTINUATION
	// frame that did not arrive yet.
	ErrUnexpectedSize = errors.New("unexpected size")

	// ErrServerSupport is returned when the remote endpoint did not
	// negotiate h2 during the TLS handshake.
	ErrServerSupport = errors.New("server doesn't support HTTP/2")
)

// WriteError wraps an error that broke the connection's write loop.
type WriteError struct {
	err error
}

func (e WriteError) Error() string {
	return fmt.Sprintf("writing error: %s", e.err)
}

func (e WriteError) Unwrap() error {
	return e.err
}

func (e WriteError) Is(target error) bool {
	return errors.Is(e.err, target)
}
