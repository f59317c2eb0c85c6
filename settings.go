package http2

import (
	"github.com/h2mimic/http2/http2utils"
)

const (
	// default Settings parameters
	defaultHeaderTableSize   uint32 = 4096
	defaultConcurrentStreams uint32 = 1024
	defaultDataFrameSize     uint32 = 1 << 14

	// untyped: the window default is compared against both uint32
	// settings values and int32 window accounting.
	defaultWindowSize = 1<<16 - 1

	maxPayloadFrameSize uint32 = 1<<24 - 1

	settingFrameLen = 6
)

// SettingID identifies a SETTINGS parameter.
type SettingID uint16

const (
	HeaderTableSize       SettingID = 0x1
	EnablePush            SettingID = 0x2
	MaxConcurrentStreams  SettingID = 0x3
	MaxWindowSize         SettingID = 0x4
	MaxFrameSize          SettingID = 0x5
	MaxHeaderListSize     SettingID = 0x6
	EnableConnectProtocol SettingID = 0x8
)

// Setting is a single SETTINGS parameter: id plus 32-bit value.
type Setting struct {
	ID    SettingID
	Value uint32
}

var _ Frame = &Settings{}

// Settings https://datatracker.ietf.org/doc/html/rfc9113#name-settings
//
// The order in which the parameters appeared on the wire is recorded
// and preserved on re-encode: some HTTP/2 stacks vary it, which makes
// it a fingerprintable signal.
type Settings struct {
	ack        bool
	rawSettings []byte

	tableSize  uint32
	enablePush bool
	pushSet    bool
	maxStreams uint32
	windowSize uint32
	windowSet  bool
	frameSize  uint32
	headerSize uint32

	connectProtocol    uint32
	connectProtocolSet bool

	// ids not handled above, preserved verbatim
	extras []Setting

	order []SettingID
}

func (st *Settings) Type() FrameType {
	return FrameSettings
}

// Reset resets the settings to their protocol defaults.
func (st *Settings) Reset() {
	st.ack = false
	st.rawSettings = st.rawSettings[:0]
	st.tableSize = defaultHeaderTableSize
	st.enablePush = false
	st.pushSet = false
	st.maxStreams = defaultConcurrentStreams
	st.windowSize = defaultWindowSize
	st.windowSet = false
	st.frameSize = defaultDataFrameSize
	st.headerSize = 0
	st.connectProtocol = 0
	st.connectProtocolSet = false
	st.extras = st.extras[:0]
	st.order = st.order[:0]
}

func (st *Settings) CopyTo(st2 *Settings) {
	st2.ack = st.ack
	st2.rawSettings = append(st2.rawSettings[:0], st.rawSettings...)
	st2.tableSize = st.tableSize
	st2.enablePush = st.enablePush
	st2.pushSet = st.pushSet
	st2.maxStreams = st.maxStreams
	st2.windowSize = st.windowSize
	st2.windowSet = st.windowSet
	st2.frameSize = st.frameSize
	st2.headerSize = st.headerSize
	st2.connectProtocol = st.connectProtocol
	st2.connectProtocolSet = st.connectProtocolSet
	st2.extras = append(st2.extras[:0], st.extras...)
	st2.order = append(st2.order[:0], st.order...)
}

func (st *Settings) recordOrder(id SettingID) {
	for _, have := range st.order {
		if have == id {
			return
		}
	}

	st.order = append(st.order, id)
}

// Order returns the ids in the order they were set or decoded.
func (st *Settings) Order() []SettingID {
	return st.order
}

// Value returns the value of the given id and whether it was set.
func (st *Settings) Value(id SettingID) (uint32, bool) {
	switch id {
	case HeaderTableSize:
		return st.tableSize, st.tableSize != 0
	case EnablePush:
		if !st.pushSet {
			return 0, false
		}
		if st.enablePush {
			return 1, true
		}
		return 0, true
	case MaxConcurrentStreams:
		return st.maxStreams, st.maxStreams != 0
	case MaxWindowSize:
		return st.windowSize, st.windowSet
	case MaxFrameSize:
		return st.frameSize, st.frameSize != 0
	case MaxHeaderListSize:
		return st.headerSize, st.headerSize != 0
	case EnableConnectProtocol:
		return st.connectProtocol, st.connectProtocolSet
	}

	for _, s := range st.extras {
		if s.ID == id {
			return s.Value, true
		}
	}

	return 0, false
}

func (st *Settings) SetHeaderTableSize(size uint32) {
	st.tableSize = size
	st.recordOrder(HeaderTableSize)
}

func (st *Settings) HeaderTableSize() uint32 {
	return st.tableSize
}

func (st *Settings) SetPush(value bool) {
	st.enablePush = value
	st.pushSet = true
	st.recordOrder(EnablePush)
}

func (st *Settings) Push() bool {
	return st.enablePush
}

func (st *Settings) SetMaxConcurrentStreams(streams uint32) {
	st.maxStreams = streams
	st.recordOrder(MaxConcurrentStreams)
}

func (st *Settings) MaxConcurrentStreams() uint32 {
	return st.maxStreams
}

// SetMaxWindowSize sets the initial window size for stream-level flow
// control.
func (st *Settings) SetMaxWindowSize(size uint32) {
	st.windowSize = size
	st.windowSet = true
	st.recordOrder(MaxWindowSize)
}

func (st *Settings) MaxWindowSize() uint32 {
	return st.windowSize
}

// HasMaxWindowSize reports whether the initial window size was set
// explicitly; a zero value is valid and blocks all stream data.
func (st *Settings) HasMaxWindowSize() bool {
	return st.windowSet
}

func (st *Settings) SetMaxFrameSize(size uint32) {
	st.frameSize = size
	st.recordOrder(MaxFrameSize)
}

func (st *Settings) MaxFrameSize() uint32 {
	return st.frameSize
}

func (st *Settings) SetMaxHeaderListSize(size uint32) {
	st.headerSize = size
	st.recordOrder(MaxHeaderListSize)
}

func (st *Settings) MaxHeaderListSize() uint32 {
	return st.headerSize
}

func (st *Settings) SetEnableConnectProtocol(value uint32) {
	st.connectProtocol = value
	st.connectProtocolSet = true
	st.recordOrder(EnableConnectProtocol)
}

func (st *Settings) IsAck() bool {
	return st.ack
}

func (st *Settings) SetAck(ack bool) {
	st.ack = ack
}

func (st *Settings) setValue(id SettingID, value uint32) error {
	switch id {
	case HeaderTableSize:
		st.tableSize = value
	case EnablePush:
		if value > 1 {
			return NewGoAwayError(ProtocolError, "invalid enable_push value")
		}
		st.enablePush = value == 1
		st.pushSet = true
	case MaxConcurrentStreams:
		st.maxStreams = value
	case MaxWindowSize:
		if value > 1<<31-1 {
			return NewGoAwayError(FlowControlError, "initial window size above limits")
		}
		st.windowSize = value
		st.windowSet = true
	case MaxFrameSize:
		if value < defaultDataFrameSize || value > maxPayloadFrameSize {
			return NewGoAwayError(ProtocolError, "invalid max frame size")
		}
		st.frameSize = value
	case MaxHeaderListSize:
		st.headerSize = value
	case EnableConnectProtocol:
		st.connectProtocol = value
		st.connectProtocolSet = true
	default:
		// unknown parameters must be ignored but their presence is
		// still part of the connection fingerprint.
		st.extras = append(st.extras, Setting{ID: id, Value: value})
	}

	st.recordOrder(id)

	return nil
}

// Read decodes settings parameters from their 6-byte wire form.
func (st *Settings) Read(b []byte) error {
	var err error

	for len(b) >= settingFrameLen {
		id := SettingID(uint16(b[0])<<8 | uint16(b[1]))
		value := http2utils.BytesToUint32(b[2:])

		if err = st.setValue(id, value); err != nil {
			break
		}

		b = b[settingFrameLen:]
	}

	return err
}

// Encode marshals the settings into rawSettings, keeping the recorded
// parameter order.
func (st *Settings) Encode() {
	st.rawSettings = st.rawSettings[:0]

	for _, id := range st.order {
		value, _ := st.Value(id)
		st.appendSetting(id, value)
	}

	for _, id := range canonicalSettingOrder {
		if st.inOrder(id) {
			continue
		}

		switch id {
		case EnablePush:
			if st.enablePush {
				st.appendSetting(id, 1)
			}
		case MaxWindowSize:
			if st.windowSet {
				st.appendSetting(id, st.windowSize)
			}
		default:
			if value, ok := st.Value(id); ok {
				st.appendSetting(id, value)
			}
		}
	}
}

var canonicalSettingOrder = [...]SettingID{
	HeaderTableSize, EnablePush, MaxConcurrentStreams,
	MaxWindowSize, MaxFrameSize, MaxHeaderListSize,
	EnableConnectProtocol,
}

func (st *Settings) inOrder(id SettingID) bool {
	for _, have := range st.order {
		if have == id {
			return true
		}
	}

	return false
}

func (st *Settings) appendSetting(id SettingID, value uint32) {
	st.rawSettings = append(st.rawSettings,
		byte(id>>8), byte(id))
	st.rawSettings = http2utils.AppendUint32Bytes(st.rawSettings, value)
}

func (st *Settings) Deserialize(fr *FrameHeader) error {
	if fr.Flags().Has(FlagAck) {
		st.ack = true
		if len(fr.payload) > 0 {
			return NewGoAwayError(FrameSizeError, "settings ack with payload")
		}
		return nil
	}

	if len(fr.payload)%settingFrameLen != 0 {
		return NewGoAwayError(FrameSizeError, "settings payload must be a multiple of 6")
	}

	st.extras = st.extras[:0]
	st.order = st.order[:0]

	return st.Read(fr.payload)
}

func (st *Settings) Serialize(fr *FrameHeader) {
	if st.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
		fr.payload = fr.payload[:0]
		return
	}

	st.Encode()
	fr.setPayload(st.rawSettings)
}
