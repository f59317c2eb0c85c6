package http2

import (
	"strconv"
	"sync"
)

// FrameType is the type of a frame as defined in RFC 9113 section 6.
type FrameType int8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameResetStream  FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

func (ft FrameType) String() string {
	switch ft {
	case FrameData:
		return "FrameData"
	case FrameHeaders:
		return "FrameHeaders"
	case FramePriority:
		return "FramePriority"
	case FrameResetStream:
		return "FrameResetStream"
	case FrameSettings:
		return "FrameSettings"
	case FramePushPromise:
		return "FramePushPromise"
	case FramePing:
		return "FramePing"
	case FrameGoAway:
		return "FrameGoAway"
	case FrameWindowUpdate:
		return "FrameWindowUpdate"
	case FrameContinuation:
		return "FrameContinuation"
	}

	return strconv.Itoa(int(ft))
}

// FrameFlags is the flags octet of a frame header.
//
// The meaning of each bit depends on the frame type carrying it.
type FrameFlags int8

const (
	FlagAck        FrameFlags = 0x1
	FlagEndStream  FrameFlags = 0x1
	FlagEndHeaders FrameFlags = 0x4
	FlagPadded     FrameFlags = 0x8
	FlagPriority   FrameFlags = 0x20
)

func (f FrameFlags) Has(ff FrameFlags) bool {
	return f&ff == ff
}

func (f FrameFlags) Add(ff FrameFlags) FrameFlags {
	return f | ff
}

func (f FrameFlags) Del(ff FrameFlags) FrameFlags {
	return f ^ ff
}

// Frame is the body of a FrameHeader: one of the nine frame kinds plus
// PUSH_PROMISE. Consumers type-switch on Type(), which the compiler
// cannot check exhaustively, so every switch carries a default arm that
// treats the frame as a protocol error.
type Frame interface {
	// Type returns the frame type.
	Type() FrameType

	Reset()

	// Serialize appends the marshaled body to fr.payload and sets the
	// flags the body implies.
	Serialize(fr *FrameHeader)
	// Deserialize parses fr.payload, validating the structural
	// invariants of the frame kind.
	Deserialize(fr *FrameHeader) error
}

// FrameWithHeaders is implemented by the frames that carry a header
// block fragment: HEADERS, PUSH_PROMISE and CONTINUATION.
type FrameWithHeaders interface {
	Headers() []byte
}

var framePools = func() [FrameContinuation + 1]*sync.Pool {
	var pools [FrameContinuation + 1]*sync.Pool

	pools[FrameData] = &sync.Pool{New: func() any { return &Data{} }}
	pools[FrameHeaders] = &sync.Pool{New: func() any { return &Headers{} }}
	pools[FramePriority] = &sync.Pool{New: func() any { return &Priority{} }}
	pools[FrameResetStream] = &sync.Pool{New: func() any { return &RstStream{} }}
	pools[FrameSettings] = &sync.Pool{New: func() any { return &Settings{} }}
	pools[FramePushPromise] = &sync.Pool{New: func() any { return &PushPromise{} }}
	pools[FramePing] = &sync.Pool{New: func() any { return &Ping{} }}
	pools[FrameGoAway] = &sync.Pool{New: func() any { return &GoAway{} }}
	pools[FrameWindowUpdate] = &sync.Pool{New: func() any { return &WindowUpdate{} }}
	pools[FrameContinuation] = &sync.Pool{New: func() any { return &Continuation{} }}

	return pools
}()

// AcquireFrame returns a pooled Frame of the given type.
func AcquireFrame(ftype FrameType) Frame {
	fr := framePools[ftype].Get().(Frame)
	fr.Reset()
	return fr
}

// ReleaseFrame puts fr back into its pool.
func ReleaseFrame(fr Frame) {
	framePools[fr.Type()].Put(fr)
}
