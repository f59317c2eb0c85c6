package http2

import (
	"github.com/h2mimic/http2/http2utils"
)

var _ Frame = &Headers{}

// Headers https://datatracker.ietf.org/doc/html/rfc9113#name-headers
type Headers struct {
	hasPadding bool
	stream     uint32 // dependency stream
	weight     uint8
	exclusive  bool
	endStream  bool
	endHeaders bool
	priority   bool
	rawHeaders []byte // this field is used to store uncompleted headers.
}

func (h *Headers) Type() FrameType {
	return FrameHeaders
}

func (h *Headers) Reset() {
	h.hasPadding = false
	h.stream = 0
	h.weight = 0
	h.exclusive = false
	h.endStream = false
	h.endHeaders = false
	h.priority = false
	h.rawHeaders = h.rawHeaders[:0]
}

func (h *Headers) CopyTo(h2 *Headers) {
	h2.hasPadding = h.hasPadding
	h2.stream = h.stream
	h2.weight = h.weight
	h2.exclusive = h.exclusive
	h2.endStream = h.endStream
	h2.endHeaders = h.endHeaders
	h2.priority = h.priority
	h2.rawHeaders = append(h2.rawHeaders[:0], h.rawHeaders...)
}

// AppendHeaderField appends the field encoded by hp to the header block.
func (h *Headers) AppendHeaderField(hp *HPACK, hf *HeaderField, index bool) {
	h.rawHeaders = hp.AppendHeader(h.rawHeaders, hf, index)
}

// Headers returns the raw header block fragment.
func (h *Headers) Headers() []byte {
	return h.rawHeaders
}

// SetHeaders replaces the raw header block fragment.
func (h *Headers) SetHeaders(b []byte) {
	h.rawHeaders = append(h.rawHeaders[:0], b...)
}

// AppendRawHeaders appends b to the raw header block fragment.
func (h *Headers) AppendRawHeaders(b []byte) {
	h.rawHeaders = append(h.rawHeaders, b...)
}

func (h *Headers) EndStream() bool {
	return h.endStream
}

func (h *Headers) SetEndStream(value bool) {
	h.endStream = value
}

func (h *Headers) EndHeaders() bool {
	return h.endHeaders
}

func (h *Headers) SetEndHeaders(value bool) {
	h.endHeaders = value
}

func (h *Headers) Padding() bool {
	return h.hasPadding
}

func (h *Headers) SetPadding(value bool) {
	h.hasPadding = value
}

// Stream returns the dependency stream carried by the priority section.
func (h *Headers) Stream() uint32 {
	return h.stream
}

// SetStream sets the dependency stream of the priority section.
func (h *Headers) SetStream(stream uint32) {
	h.stream = stream & (1<<31 - 1)
}

func (h *Headers) Weight() byte {
	return h.weight
}

func (h *Headers) SetWeight(weight byte) {
	h.weight = weight
}

func (h *Headers) Exclusive() bool {
	return h.exclusive
}

func (h *Headers) SetExclusive(value bool) {
	h.exclusive = value
}

func (h *Headers) Priority() bool {
	return h.priority
}

func (h *Headers) SetPriority(value bool) {
	h.priority = value
}

// Dependency returns the priority section as a StreamDependency.
func (h *Headers) Dependency() StreamDependency {
	return StreamDependency{
		DependencyID: h.stream,
		Weight:       h.weight,
		IsExclusive:  h.exclusive,
	}
}

func (h *Headers) Deserialize(fr *FrameHeader) error {
	payload := fr.payload

	if fr.Flags().Has(FlagPadded) {
		h.hasPadding = true
		var err error
		payload, err = http2utils.CutPadding(payload, fr.Len())
		if err != nil {
			return err
		}
	}

	if fr.Flags().Has(FlagPriority) {
		if len(payload) < 5 {
			return ErrMissingBytes
		}

		// self-dependency is a stream-level concern checked where the
		// stream state lives; the codec only splits the fields.
		dep := ReadStreamDependency(payload)
		h.priority = true
		h.stream = dep.DependencyID
		h.weight = dep.Weight
		h.exclusive = dep.IsExclusive
		payload = payload[5:]
	}

	h.endStream = fr.Flags().Has(FlagEndStream)
	h.endHeaders = fr.Flags().Has(FlagEndHeaders)
	h.rawHeaders = append(h.rawHeaders[:0], payload...)

	return nil
}

func (h *Headers) Serialize(fr *FrameHeader) {
	fr.payload = fr.payload[:0]

	if h.priority {
		fr.SetFlags(fr.Flags().Add(FlagPriority))
		fr.payload = h.Dependency().AppendTo(fr.payload)
	}

	fr.appendPayload(h.rawHeaders)

	if h.hasPadding {
		fr.SetFlags(fr.Flags().Add(FlagPadded))
		fr.payload = http2utils.AddPadding(fr.payload)
	}

	if h.endStream {
		fr.SetFlags(fr.Flags().Add(FlagEndStream))
	}

	if h.endHeaders {
		fr.SetFlags(fr.Flags().Add(FlagEndHeaders))
	}
}
