package http2

import (
	"bytes"
	"errors"
	"sync"

	"github.com/h2mimic/http2/http2utils"
	"golang.org/x/net/http2/hpack"
)

// HPACK represents the field compression context of one connection
// direction (RFC 7541). Encoding and decoding contexts must not be
// shared.
//
// Huffman coding is delegated to golang.org/x/net/http2/hpack; the
// tables and the field representations live here because decoding has
// to be incremental and order-preserving.
type HPACK struct {
	// DisableCompression skips Huffman coding and the dynamic table
	// on encode. Useful when the payload is already entropy-coded.
	DisableCompression bool

	// DisableDynamicTable skips adding entries to the dynamic table on
	// encode, making every header field either indexed (static) or
	// literal without indexing.
	DisableDynamicTable bool

	fields       []*HeaderField
	tableSize    int
	maxTableSize int

	// Position of the last field that mutated the dynamic table.
	// Header blocks may be re-decoded after a CONTINUATION frame and
	// the same literal must not be inserted twice.
	appliedBlock int
	appliedField int

	decodeBuf bytes.Buffer
}

var hpackPool = sync.Pool{
	New: func() any {
		return &HPACK{
			maxTableSize: int(defaultHeaderTableSize),
		}
	},
}

// AcquireHPACK gets an HPACK from the pool.
func AcquireHPACK() *HPACK {
	return hpackPool.Get().(*HPACK)
}

// ReleaseHPACK resets the HPACK and puts it back to the pool.
func ReleaseHPACK(hp *HPACK) {
	hp.Reset()
	hpackPool.Put(hp)
}

func (hp *HPACK) releaseDynamic() {
	for _, hf := range hp.fields {
		ReleaseHeaderField(hf)
	}

	hp.fields = hp.fields[:0]
	hp.tableSize = 0
}

func (hp *HPACK) Reset() {
	hp.releaseDynamic()
	hp.maxTableSize = int(defaultHeaderTableSize)
	hp.DisableCompression = false
	hp.DisableDynamicTable = false
	hp.appliedBlock = 0
	hp.appliedField = 0
	hp.decodeBuf.Reset()
}

// SetMaxTableSize sets the maximum dynamic table size.
func (hp *HPACK) SetMaxTableSize(size uint32) {
	hp.maxTableSize = int(size)
	hp.shrink()
}

// DynamicSize returns the current dynamic table size.
func (hp *HPACK) DynamicSize() (n int) {
	return hp.tableSize
}

// add inserts the field at the head of the dynamic table.
func (hp *HPACK) addDynamic(hf *HeaderField) {
	// RFC 7541 4.4: an entry larger than the table empties it.
	entry := AcquireHeaderField()
	hf.CopyTo(entry)

	hp.fields = append(hp.fields, entry)
	hp.tableSize += entry.Size()
	hp.shrink()
}

// shrink evicts the oldest entries until the table fits maxTableSize.
func (hp *HPACK) shrink() {
	var n int
	for n = 0; n < len(hp.fields) && hp.tableSize > hp.maxTableSize; n++ {
		hp.tableSize -= hp.fields[n].Size()
		ReleaseHeaderField(hp.fields[n])
	}

	if n > 0 {
		hp.fields = append(hp.fields[:0], hp.fields[n:]...)
	}
}

// peek resolves an index into the static or the dynamic table. The
// dynamic table starts right after the static one, newest entry first.
func (hp *HPACK) peek(n uint64) *HeaderField {
	if n == 0 {
		return nil
	}

	if n <= uint64(len(staticTable)) {
		return &staticTable[n-1]
	}

	nn := int(n) - len(staticTable) - 1
	if nn >= len(hp.fields) {
		return nil
	}

	return hp.fields[len(hp.fields)-1-nn]
}

// find searches both tables for the field. It returns the index of an
// exact match, or the index of a key-only match with exactMatch false,
// or zero.
func (hp *HPACK) find(hf *HeaderField) (n uint64, exactMatch bool) {
	for i := range staticTable {
		entry := &staticTable[i]
		if bytes.Equal(hf.key, entry.key) {
			if n == 0 {
				n = uint64(i + 1)
			}
			if bytes.Equal(hf.value, entry.value) {
				return uint64(i + 1), true
			}
		}
	}

	for i := len(hp.fields) - 1; i >= 0; i-- {
		entry := hp.fields[i]
		if bytes.Equal(hf.key, entry.key) {
			idx := uint64(len(staticTable) + len(hp.fields) - i)
			if n == 0 {
				n = idx
			}
			if bytes.Equal(hf.value, entry.value) {
				return idx, true
			}
		}
	}

	return n, false
}

const (
	indexByte      = 128 // 1000 0000
	literalByte    = 64  // 0100 0000
	neverIndexByte = 16  // 0001 0000
	noIndexByte    = 0   // 0000 0000
)

// Next reads the next field from b into hf and returns the rest of b.
func (hp *HPACK) Next(hf *HeaderField, b []byte) ([]byte, error) {
	return hp.next(hf, b, false)
}

// nextField decodes like Next across header blocks that span
// CONTINUATION frames. An incomplete field is reported as
// ErrUnexpectedSize so the caller can stash the bytes and retry, and
// (blockNum, fieldNum) pins the decode position so a retried literal
// never enters the dynamic table twice.
func (hp *HPACK) nextField(hf *HeaderField, blockNum, fieldNum int, b []byte) ([]byte, error) {
	replay := blockNum < hp.appliedBlock ||
		(blockNum == hp.appliedBlock && fieldNum < hp.appliedField)

	b, err := hp.next(hf, b, replay)
	if err != nil {
		if errors.Is(err, ErrMissingBytes) {
			err = ErrUnexpectedSize
		}

		return b, err
	}

	if !replay {
		hp.appliedBlock = blockNum
		hp.appliedField = fieldNum + 1
	}

	return b, nil
}

func (hp *HPACK) next(hf *HeaderField, b []byte, replay bool) ([]byte, error) {
	var (
		n   uint64
		c   byte
		err error
	)

	if len(b) == 0 {
		return b, ErrMissingBytes
	}

	c = b[0]
	hf.sensible = false

	switch {
	// indexed field representation
	case c&indexByte == indexByte:
		n, b, err = readInt(7, b)
		if err != nil {
			return b, err
		}

		entry := hp.peek(n)
		if entry == nil {
			return b, NewGoAwayError(CompressionError, "index field not found")
		}

		entry.CopyTo(hf)

	// literal with incremental indexing
	case c&192 == literalByte:
		n, b, err = readInt(6, b)
		if err == nil {
			b, err = hp.readField(hf, n, b)
		}
		if err != nil {
			return b, err
		}

		if !replay {
			hp.addDynamic(hf)
		}

	// literal without indexing and literal never indexed share the
	// same decoding: neither enters the table.
	case c&240 == noIndexByte || c&240 == neverIndexByte:
		sensible := c&240 == neverIndexByte

		n, b, err = readInt(4, b)
		if err == nil {
			b, err = hp.readField(hf, n, b)
		}
		if err != nil {
			return b, err
		}

		hf.sensible = sensible

	// dynamic table size update
	case c&224 == 32:
		n, b, err = readInt(5, b)
		if err != nil {
			return b, err
		}
		if n > uint64(defaultHeaderTableSize) {
			return b, NewGoAwayError(CompressionError, "table size update above limit")
		}

		hp.maxTableSize = int(n)
		hp.shrink()
	}

	return b, err
}

// readField reads a literal field. A non-zero n names the key by table
// index, otherwise the key is read literally.
func (hp *HPACK) readField(hf *HeaderField, n uint64, b []byte) ([]byte, error) {
	var err error

	if n == 0 {
		hf.key, b, err = hp.readString(hf.key[:0], b)
		if err != nil {
			return b, err
		}
	} else {
		entry := hp.peek(n)
		if entry == nil {
			return b, NewGoAwayError(CompressionError, "index field not found")
		}

		hf.SetKeyBytes(entry.key)
	}

	hf.value, b, err = hp.readString(hf.value[:0], b)

	return b, err
}

// readInt reads an integer with an n-bit prefix (RFC 7541 5.1).
func readInt(n int, b []byte) (uint64, []byte, error) {
	nu := uint64(1<<n - 1)
	nn := uint64(b[0]) & nu
	if nn < nu {
		return nn, b[1:], nil
	}

	b = b[1:]

	var i int
	var m uint64
	for i = 0; i < len(b); i++ {
		nn += uint64(b[i]&127) << m
		if b[i]&128 != 128 {
			return nn, b[i+1:], nil
		}

		m += 7
		if m >= 63 {
			return 0, b, NewGoAwayError(CompressionError, "integer overflow")
		}
	}

	return 0, b, ErrMissingBytes
}

// appendInt appends an integer with an n-bit prefix to the last byte
// already present in dst.
func appendInt(dst []byte, n uint8, nn uint64) []byte {
	nu := uint64(1<<n - 1)
	if nn < nu {
		dst[len(dst)-1] |= byte(nn)
		return dst
	}

	dst[len(dst)-1] |= byte(nu)
	nn -= nu

	for nn >= 128 {
		dst = append(dst, byte(nn|128))
		nn >>= 7
	}

	return append(dst, byte(nn))
}

// readString reads a length-prefixed, optionally Huffman-coded string.
func (hp *HPACK) readString(dst, b []byte) ([]byte, []byte, error) {
	if len(b) == 0 {
		return dst, b, ErrMissingBytes
	}

	mustDecode := b[0]&128 == 128

	n, b, err := readInt(7, b)
	if err != nil {
		return dst, b, err
	}

	if n > uint64(len(b)) {
		return dst, b, ErrMissingBytes
	}

	if mustDecode {
		hp.decodeBuf.Reset()
		if _, err = hpack.HuffmanDecode(&hp.decodeBuf, b[:n]); err != nil {
			return dst, b, NewGoAwayError(CompressionError, "invalid huffman coding")
		}
		dst = append(dst, hp.decodeBuf.Bytes()...)
	} else {
		dst = append(dst, b[:n]...)
	}

	return dst, b[n:], nil
}

// appendString appends the length-prefixed string, Huffman-coded when
// that is shorter and compression is enabled.
func (hp *HPACK) appendString(dst, src []byte) []byte {
	s := http2utils.FastBytesToString(src)

	if !hp.DisableCompression &&
		hpack.HuffmanEncodeLength(s) < uint64(len(src)) {
		dst = append(dst, 128)
		dst = appendInt(dst, 7, hpack.HuffmanEncodeLength(s))
		return hpack.AppendHuffmanString(dst, s)
	}

	dst = append(dst, 0)
	dst = appendInt(dst, 7, uint64(len(src)))

	return append(dst, src...)
}

// AppendHeaderField appends the field to the Headers frame.
func (hp *HPACK) AppendHeaderField(h *Headers, hf *HeaderField, store bool) {
	h.rawHeaders = hp.AppendHeader(h.rawHeaders, hf, store)
}

// AppendHeader appends the encoded field to dst. store controls whether
// the field enters the dynamic table of the encoding context.
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, store bool) []byte {
	idx, exact := hp.find(hf)
	if exact && !hf.sensible {
		dst = append(dst, indexByte)
		return appendInt(dst, 7, idx)
	}

	var n uint8
	if hf.sensible {
		dst = append(dst, neverIndexByte)
		n = 4
	} else if store && !hp.DisableDynamicTable && !hp.DisableCompression {
		dst = append(dst, literalByte)
		n = 6
		hp.addDynamic(hf)
	} else {
		dst = append(dst, noIndexByte)
		n = 4
	}

	if idx > 0 {
		dst = appendInt(dst, n, idx)
	} else {
		dst = appendInt(dst, n, 0)
		dst = hp.appendString(dst, hf.key)
	}

	return hp.appendString(dst, hf.value)
}
