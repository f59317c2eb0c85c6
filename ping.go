package http2

import (
	"time"
)

const pingLen = 8

var _ Frame = &Ping{}

// Ping https://datatracker.ietf.org/doc/html/rfc9113#name-ping
type Ping struct {
	ack  bool
	data [pingLen]byte
}

func (ping *Ping) Type() FrameType {
	return FramePing
}

func (ping *Ping) Reset() {
	ping.ack = false
	for i := range ping.data {
		ping.data[i] = 0
	}
}

func (ping *Ping) CopyTo(p *Ping) {
	p.ack = ping.ack
	p.data = ping.data
}

func (ping *Ping) Write(b []byte) (n int, err error) {
	n = copy(ping.data[:], b)
	return
}

func (ping *Ping) SetData(b []byte) {
	copy(ping.data[:], b)
}

func (ping *Ping) Data() []byte {
	return ping.data[:]
}

// SetCurrentTime stores the current time in the opaque data. The peer
// echoes it back in the ack, which gives a round-trip measurement.
func (ping *Ping) SetCurrentTime() {
	now := time.Now().UnixNano()
	for i := 0; i < pingLen; i++ {
		ping.data[i] = byte(now >> (56 - 8*i))
	}
}

// DataAsTime interprets the opaque data as a timestamp written by
// SetCurrentTime.
func (ping *Ping) DataAsTime() time.Time {
	var nanos int64
	for i := 0; i < pingLen; i++ {
		nanos = nanos<<8 | int64(ping.data[i])
	}

	return time.Unix(0, nanos)
}

func (ping *Ping) IsAck() bool {
	return ping.ack
}

func (ping *Ping) SetAck(ack bool) {
	ping.ack = ack
}

func (ping *Ping) Deserialize(fr *FrameHeader) error {
	if len(fr.payload) < pingLen {
		return ErrMissingBytes
	}

	ping.ack = fr.Flags().Has(FlagAck)
	copy(ping.data[:], fr.payload)

	return nil
}

func (ping *Ping) Serialize(fr *FrameHeader) {
	if ping.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
	}

	fr.setPayload(ping.data[:])
}
