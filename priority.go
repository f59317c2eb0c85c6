package http2

var _ Frame = &Priority{}

// Priority https://datatracker.ietf.org/doc/html/rfc9113#name-priority
//
// The payload is exactly 5 bytes: a 4-byte dependency word carrying the
// exclusivity bit in its high bit, plus a weight octet.
type Priority struct {
	stream    uint32 // dependency stream
	exclusive bool
	weight    byte
}

func (pry *Priority) Type() FrameType {
	return FramePriority
}

func (pry *Priority) Reset() {
	pry.stream = 0
	pry.exclusive = false
	pry.weight = 0
}

func (pry *Priority) CopyTo(p *Priority) {
	p.stream = pry.stream
	p.exclusive = pry.exclusive
	p.weight = pry.weight
}

// Stream returns the dependency stream id.
func (pry *Priority) Stream() uint32 {
	return pry.stream
}

// SetStream sets the dependency stream id, clearing the reserved bit.
func (pry *Priority) SetStream(stream uint32) {
	pry.stream = stream & (1<<31 - 1)
}

// Weight returns the weight octet, untransformed (0-255).
func (pry *Priority) Weight() byte {
	return pry.weight
}

func (pry *Priority) SetWeight(w byte) {
	pry.weight = w
}

func (pry *Priority) Exclusive() bool {
	return pry.exclusive
}

func (pry *Priority) SetExclusive(value bool) {
	pry.exclusive = value
}

// Dependency returns the payload as a StreamDependency.
func (pry *Priority) Dependency() StreamDependency {
	return StreamDependency{
		DependencyID: pry.stream,
		Weight:       pry.weight,
		IsExclusive:  pry.exclusive,
	}
}

// SetDependency replaces the whole payload.
func (pry *Priority) SetDependency(dep StreamDependency) {
	pry.stream = dep.DependencyID & (1<<31 - 1)
	pry.weight = dep.Weight
	pry.exclusive = dep.IsExclusive
}

func (pry *Priority) Deserialize(fr *FrameHeader) error {
	if len(fr.payload) != 5 {
		return NewGoAwayError(FrameSizeError, "priority payload must be 5 bytes")
	}

	dep := ReadStreamDependency(fr.payload)
	if fr.Stream() != 0 && dep.DependencyID == fr.Stream() {
		return NewGoAwayError(ProtocolError, ErrSelfDependency.Error())
	}

	pry.SetDependency(dep)

	return nil
}

func (pry *Priority) Serialize(fr *FrameHeader) {
	fr.payload = pry.Dependency().AppendTo(fr.payload[:0])
}
