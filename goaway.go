package http2

import (
	"github.com/h2mimic/http2/http2utils"
)

var _ Frame = &GoAway{}

// GoAway https://datatracker.ietf.org/doc/html/rfc9113#name-goaway
type GoAway struct {
	stream uint32
	code   ErrorCode
	data   []byte
}

func (ga *GoAway) Type() FrameType {
	return FrameGoAway
}

func (ga *GoAway) Reset() {
	ga.stream = 0
	ga.code = 0
	ga.data = ga.data[:0]
}

func (ga *GoAway) CopyTo(ga2 *GoAway) {
	ga2.stream = ga.stream
	ga2.code = ga.code
	ga2.data = append(ga2.data[:0], ga.data...)
}

func (ga *GoAway) Copy() *GoAway {
	ga2 := &GoAway{}
	ga.CopyTo(ga2)
	return ga2
}

func (ga *GoAway) Error() string {
	return ga.code.Error()
}

func (ga *GoAway) Code() ErrorCode {
	return ga.code
}

func (ga *GoAway) SetCode(code ErrorCode) {
	ga.code = code & (1<<31 - 1)
}

// Stream returns the last stream id the sender will process.
func (ga *GoAway) Stream() uint32 {
	return ga.stream
}

func (ga *GoAway) SetStream(stream uint32) {
	ga.stream = stream & (1<<31 - 1)
}

func (ga *GoAway) Data() []byte {
	return ga.data
}

func (ga *GoAway) SetData(b []byte) {
	ga.data = append(ga.data[:0], b...)
}

func (ga *GoAway) Write(b []byte) (int, error) {
	n := len(b)
	ga.data = append(ga.data, b...)

	return n, nil
}

func (ga *GoAway) Deserialize(fr *FrameHeader) error {
	if len(fr.payload) < 8 {
		return ErrMissingBytes
	}

	ga.stream = http2utils.BytesToUint32(fr.payload) & (1<<31 - 1)
	ga.code = ErrorCode(http2utils.BytesToUint32(fr.payload[4:]))
	ga.data = append(ga.data[:0], fr.payload[8:]...)

	return nil
}

func (ga *GoAway) Serialize(fr *FrameHeader) {
	fr.payload = http2utils.AppendUint32Bytes(fr.payload[:0], ga.stream)
	fr.payload = http2utils.AppendUint32Bytes(fr.payload, uint32(ga.code))
	fr.payload = append(fr.payload, ga.data...)
	fr.length = len(fr.payload)
}
