package http2

import (
	"github.com/h2mimic/http2/http2utils"
)

// StreamDependency is the dependency description carried by PRIORITY
// frames and by HEADERS frames with the PRIORITY flag: a 31-bit
// dependency stream id with the exclusivity bit packed into the high
// bit of the same word, followed by a weight octet.
//
// Weight is stored untransformed as 0-255; the effective range defined
// by the RFC is 1-256.
type StreamDependency struct {
	DependencyID uint32
	Weight       uint8
	IsExclusive  bool
}

const exclusiveBit = uint32(1) << 31

// AppendTo packs the dependency into its 5-byte wire form.
func (sd StreamDependency) AppendTo(dst []byte) []byte {
	word := sd.DependencyID & (1<<31 - 1)
	if sd.IsExclusive {
		word |= exclusiveBit
	}

	dst = http2utils.AppendUint32Bytes(dst, word)
	return append(dst, sd.Weight)
}

// ReadStreamDependency unpacks a 5-byte dependency word. The caller
// must guarantee len(b) >= 5.
func ReadStreamDependency(b []byte) StreamDependency {
	word := http2utils.BytesToUint32(b)

	return StreamDependency{
		DependencyID: word & (1<<31 - 1),
		Weight:       b[4],
		IsExclusive:  word&exclusiveBit != 0,
	}
}
