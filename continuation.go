package http2

var _ Frame = &Continuation{}

// Continuation https://datatracker.ietf.org/doc/html/rfc9113#name-continuation
type Continuation struct {
	endHeaders bool
	header     []byte
}

func (c *Continuation) Type() FrameType {
	return FrameContinuation
}

func (c *Continuation) Reset() {
	c.endHeaders = false
	c.header = c.header[:0]
}

func (c *Continuation) CopyTo(c2 *Continuation) {
	c2.endHeaders = c.endHeaders
	c2.header = append(c2.header[:0], c.header...)
}

func (c *Continuation) Headers() []byte {
	return c.header
}

func (c *Continuation) EndHeaders() bool {
	return c.endHeaders
}

func (c *Continuation) SetEndHeaders(value bool) {
	c.endHeaders = value
}

func (c *Continuation) SetHeader(b []byte) {
	c.header = append(c.header[:0], b...)
}

func (c *Continuation) AppendHeader(b []byte) {
	c.header = append(c.header, b...)
}

// Write appends a header block fragment.
func (c *Continuation) Write(b []byte) (int, error) {
	n := len(b)
	c.AppendHeader(b)

	return n, nil
}

func (c *Continuation) Deserialize(fr *FrameHeader) error {
	c.endHeaders = fr.Flags().Has(FlagEndHeaders)
	c.SetHeader(fr.payload)

	return nil
}

func (c *Continuation) Serialize(fr *FrameHeader) {
	if c.endHeaders {
		fr.SetFlags(fr.Flags().Add(FlagEndHeaders))
	}

	fr.setPayload(c.header)
}
