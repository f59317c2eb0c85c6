package http2

// PseudoHeader is one of the six pseudo-headers defined for HTTP/2
// requests and responses, each mapped to a unique bit so that an order
// tracker can dedup with a mask.
type PseudoHeader uint8

const (
	PseudoHeaderMethod    PseudoHeader = 1 << 0
	PseudoHeaderScheme    PseudoHeader = 1 << 1
	PseudoHeaderAuthority PseudoHeader = 1 << 2
	PseudoHeaderPath      PseudoHeader = 1 << 3
	PseudoHeaderProtocol  PseudoHeader = 1 << 4
	PseudoHeaderStatus    PseudoHeader = 1 << 5
)

func (ph PseudoHeader) String() string {
	switch ph {
	case PseudoHeaderMethod:
		return ":method"
	case PseudoHeaderScheme:
		return ":scheme"
	case PseudoHeaderAuthority:
		return ":authority"
	case PseudoHeaderPath:
		return ":path"
	case PseudoHeaderProtocol:
		return ":protocol"
	case PseudoHeaderStatus:
		return ":status"
	}

	return "unknown"
}

// PseudoHeaderFromName maps a pseudo-header name, with or without the
// leading colon, to its PseudoHeader value.
func PseudoHeaderFromName(name []byte) (PseudoHeader, bool) {
	if len(name) > 0 && name[0] == ':' {
		name = name[1:]
	}

	switch string(name) {
	case "method":
		return PseudoHeaderMethod, true
	case "scheme":
		return PseudoHeaderScheme, true
	case "authority":
		return PseudoHeaderAuthority, true
	case "path":
		return PseudoHeaderPath, true
	case "protocol":
		return PseudoHeaderProtocol, true
	case "status":
		return PseudoHeaderStatus, true
	}

	return 0, false
}

// PseudoHeaderOrder records the order in which pseudo-headers appeared
// in a header block. Duplicates are dropped, first appearance wins;
// some HTTP/2 stacks vary this order, which makes it a fingerprintable
// signal worth preserving verbatim.
//
// The zero value is ready to use. Copying by value gives an
// independent tracker.
type PseudoHeaderOrder struct {
	headers [6]PseudoHeader
	n       int
	mask    PseudoHeader
}

// Push appends the pseudo-header unless it is already present. Values
// that are not one of the six defined bits are ignored, so the tracker
// can never outgrow its six slots.
func (pho *PseudoHeaderOrder) Push(ph PseudoHeader) {
	if ph == 0 || ph&(ph-1) != 0 || ph > PseudoHeaderStatus {
		return
	}

	if pho.mask&ph != 0 {
		return
	}

	pho.mask |= ph
	pho.headers[pho.n] = ph
	pho.n++
}

// PushName records the pseudo-header with the given name, ignoring
// names that are not pseudo-headers.
func (pho *PseudoHeaderOrder) PushName(name []byte) {
	if ph, ok := PseudoHeaderFromName(name); ok {
		pho.Push(ph)
	}
}

// Iter returns the pseudo-headers in original push order. The returned
// slice aliases the tracker and must not be mutated.
func (pho *PseudoHeaderOrder) Iter() []PseudoHeader {
	return pho.headers[:pho.n]
}

func (pho *PseudoHeaderOrder) Len() int {
	return pho.n
}

func (pho *PseudoHeaderOrder) IsEmpty() bool {
	return pho.n == 0
}

// Clone returns an independent copy.
func (pho *PseudoHeaderOrder) Clone() PseudoHeaderOrder {
	return *pho
}

func (pho *PseudoHeaderOrder) Reset() {
	pho.n = 0
	pho.mask = 0
}

func (pho *PseudoHeaderOrder) String() string {
	s := ""
	for i, ph := range pho.Iter() {
		if i > 0 {
			s += ", "
		}
		s += ph.String()
	}

	return s
}
