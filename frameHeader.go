package http2

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"github.com/h2mimic/http2/http2utils"
)

const (
	// FrameHeaderLen is the size in bytes of the fixed frame header.
	FrameHeaderLen = 9
)

// FrameHeader is the 9-byte header preceding every frame payload:
//
//	Length (24) | Type (8) | Flags (8) | R (1) | Stream Identifier (31)
type FrameHeader struct {
	length int
	kind   FrameType
	flags  FrameFlags
	stream uint32

	maxLen uint32

	rawHeader [FrameHeaderLen]byte
	payload   []byte

	fr Frame
}

var frameHeaderPool = sync.Pool{
	New: func() any {
		return &FrameHeader{}
	},
}

// AcquireFrameHeader returns a pooled FrameHeader.
func AcquireFrameHeader() *FrameHeader {
	fr := frameHeaderPool.Get().(*FrameHeader)
	fr.Reset()
	return fr
}

// ReleaseFrameHeader releases fr and its body, if any.
func ReleaseFrameHeader(fr *FrameHeader) {
	fr.Reset()
	frameHeaderPool.Put(fr)
}

// Reset resets the header to its default state, releasing the body.
func (fr *FrameHeader) Reset() {
	if fr.fr != nil {
		ReleaseFrame(fr.fr)
		fr.fr = nil
	}

	fr.kind = 0
	fr.flags = 0
	fr.stream = 0
	fr.length = 0
	fr.maxLen = defaultDataFrameSize
	fr.payload = fr.payload[:0]
}

// Type returns the frame type of the body.
func (fr *FrameHeader) Type() FrameType {
	return fr.kind
}

// Flags returns the flags octet.
func (fr *FrameHeader) Flags() FrameFlags {
	return fr.flags
}

func (fr *FrameHeader) SetFlags(flags FrameFlags) {
	fr.flags = flags
}

// Stream returns the stream id the frame belongs to. Zero means the
// frame is connection-scoped.
func (fr *FrameHeader) Stream() uint32 {
	return fr.stream
}

// SetStream sets the stream id, clearing the reserved high bit.
func (fr *FrameHeader) SetStream(stream uint32) {
	fr.stream = stream & (1<<31 - 1)
}

// Len returns the payload length announced on the wire.
func (fr *FrameHeader) Len() int {
	return fr.length
}

// MaxLen returns the maximum payload length this header accepts when
// reading.
func (fr *FrameHeader) MaxLen() uint32 {
	return fr.maxLen
}

func (fr *FrameHeader) parseValues(header []byte) {
	fr.length = int(http2utils.BytesToUint24(header[:3]))
	fr.kind = FrameType(header[3])
	fr.flags = FrameFlags(header[4])
	fr.stream = http2utils.BytesToUint32(header[5:]) & (1<<31 - 1)
}

func (fr *FrameHeader) parseHeader(header []byte) {
	http2utils.Uint24ToBytes(header[:3], uint32(fr.length))
	header[3] = byte(fr.kind)
	header[4] = byte(fr.flags)
	http2utils.Uint32ToBytes(header[5:], fr.stream)
}

// Body returns the frame body.
func (fr *FrameHeader) Body() Frame {
	return fr.fr
}

// SetBody sets the frame body, adopting its type.
func (fr *FrameHeader) SetBody(body Frame) {
	if fr.fr != nil {
		ReleaseFrame(fr.fr)
	}

	fr.kind = body.Type()
	fr.fr = body
}

func (fr *FrameHeader) setPayload(payload []byte) {
	fr.payload = append(fr.payload[:0], payload...)
}

func (fr *FrameHeader) appendPayload(payload []byte) {
	fr.payload = append(fr.payload, payload...)
}

// ReadFrom reads the frame header and payload from br, decoding the
// body for known frame types.
func (fr *FrameHeader) ReadFrom(br *bufio.Reader) (int64, error) {
	return fr.readFrom(br, fr.maxLen)
}

// ReadFromWithSize is like ReadFrom limiting the payload to max bytes.
func (fr *FrameHeader) ReadFromWithSize(br *bufio.Reader, max uint32) (int64, error) {
	return fr.readFrom(br, max)
}

func (fr *FrameHeader) readFrom(br *bufio.Reader, max uint32) (int64, error) {
	header, err := br.Peek(FrameHeaderLen)
	if err != nil {
		return -1, err
	}

	_, _ = br.Discard(FrameHeaderLen)

	rn := int64(FrameHeaderLen)

	fr.parseValues(header)

	if max > 0 && uint32(fr.length) > max {
		// discard the payload to keep the reader framed for the caller
		// that decides to continue on stream-scoped oversize errors.
		n, _ := br.Discard(fr.length)
		return rn + int64(n), ErrPayloadExceeds
	}

	if fr.kind > FrameContinuation || fr.kind < 0 {
		n, _ := br.Discard(fr.length)
		return rn + int64(n), ErrUnknownFrameType
	}

	if fr.length > 0 {
		fr.payload = http2utils.Resize(fr.payload, fr.length)

		n, err := io.ReadFull(br, fr.payload)
		rn += int64(n)
		if err != nil {
			return rn, err
		}
	} else {
		fr.payload = fr.payload[:0]
	}

	if fr.fr == nil {
		fr.fr = AcquireFrame(fr.kind)
	}

	return rn, fr.fr.Deserialize(fr)
}

// ReadFrameFrom reads the next frame from br.
//
// The returned FrameHeader is pooled; the caller owns releasing it. On
// an unknown frame type the header is still handed back so the caller
// can inspect the stream id and decide whether to skip the frame.
func ReadFrameFrom(br *bufio.Reader) (*FrameHeader, error) {
	return ReadFrameFromWithSize(br, 0)
}

// ReadFrameFromWithSize reads the next frame from br rejecting frames
// with a payload larger than max.
func ReadFrameFromWithSize(br *bufio.Reader, max uint32) (*FrameHeader, error) {
	fr := AcquireFrameHeader()

	_, err := fr.readFrom(br, max)
	if err != nil {
		if errors.Is(err, ErrUnknownFrameType) {
			return fr, err
		}

		ReleaseFrameHeader(fr)

		return nil, err
	}

	return fr, nil
}

// WriteTo serializes the body and writes the whole frame to bw.
func (fr *FrameHeader) WriteTo(bw *bufio.Writer) (wb int64, err error) {
	if fr.fr != nil {
		fr.fr.Serialize(fr)
	}

	fr.length = len(fr.payload)

	fr.parseHeader(fr.rawHeader[:])

	n, err := bw.Write(fr.rawHeader[:])
	if err == nil {
		wb += int64(n)
		n, err = bw.Write(fr.payload)
	}

	wb += int64(n)

	return wb, err
}
