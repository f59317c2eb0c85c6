package http2

import (
	"github.com/h2mimic/http2/http2utils"
)

var _ Frame = &Data{}

// Data https://datatracker.ietf.org/doc/html/rfc9113#name-data
type Data struct {
	endStream bool
	pad       bool
	b         []byte // data bytes
}

func (data *Data) Type() FrameType {
	return FrameData
}

func (data *Data) Reset() {
	data.endStream = false
	data.pad = false
	data.b = data.b[:0]
}

func (data *Data) CopyTo(d *Data) {
	d.endStream = data.endStream
	d.pad = data.pad
	d.b = append(d.b[:0], data.b...)
}

func (data *Data) SetEndStream(value bool) {
	data.endStream = value
}

func (data *Data) EndStream() bool {
	return data.endStream
}

// Data returns the byte slice of the data read/to be sent.
func (data *Data) Data() []byte {
	return data.b
}

func (data *Data) SetData(b []byte) {
	data.b = append(data.b[:0], b...)
}

func (data *Data) Padding() bool {
	return data.pad
}

func (data *Data) SetPadding(value bool) {
	data.pad = value
}

// Append appends b to the data.
func (data *Data) Append(b []byte) {
	data.b = append(data.b, b...)
}

func (data *Data) Len() int {
	return len(data.b)
}

// Write writes b to the data payload.
func (data *Data) Write(b []byte) (int, error) {
	n := len(b)
	data.Append(b)
	return n, nil
}

func (data *Data) Deserialize(fr *FrameHeader) error {
	payload := fr.payload

	if fr.Flags().Has(FlagPadded) {
		var err error
		payload, err = http2utils.CutPadding(payload, fr.Len())
		if err != nil {
			return err
		}
	}

	data.endStream = fr.Flags().Has(FlagEndStream)
	data.pad = false
	data.b = append(data.b[:0], payload...)

	return nil
}

func (data *Data) Serialize(fr *FrameHeader) {
	if data.endStream {
		fr.SetFlags(fr.Flags().Add(FlagEndStream))
	}

	if data.pad {
		fr.SetFlags(fr.Flags().Add(FlagPadded))
		fr.setPayload(http2utils.AddPadding(data.b))
		return
	}

	fr.setPayload(data.b)
}
