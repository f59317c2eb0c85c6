package http2utils

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/valyala/fastrand"
)

// ErrPadLength is returned by CutPadding when the Pad Length octet
// announces more padding than the frame can hold.
var ErrPadLength = errors.New("invalid padding length")

func BytesToUint24(b []byte) uint32 {
	_ = b[2] // bound checking
	return uint32(b[0])<<16 |
		uint32(b[1])<<8 |
		uint32(b[2])
}

func Uint24ToBytes(b []byte, n uint32) {
	_ = b[2] // bound checking
	b[0] = byte(n >> 16)
	b[1] = byte(n >> 8)
	b[2] = byte(n)
}

func BytesToUint32(b []byte) uint32 {
	_ = b[3] // bound checking
	return uint32(b[0])<<24 |
		uint32(b[1])<<16 |
		uint32(b[2])<<8 |
		uint32(b[3])
}

func Uint32ToBytes(b []byte, n uint32) {
	_ = b[3] // bound checking
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
}

func AppendUint32Bytes(dst []byte, n uint32) []byte {
	return append(dst,
		byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

func EqualsFold(a, b []byte) bool {
	n := len(a)
	if n != len(b) {
		return false
	}

	for i := 0; i < n; i++ {
		if a[i]|0x20 != b[i]|0x20 {
			return false
		}
	}

	return true
}

// Resize grows b up to n bytes, reusing capacity when possible.
func Resize(b []byte, n int) []byte {
	if cap(b) < n {
		b = append(b[:cap(b)], make([]byte, n-cap(b))...)
	}
	return b[:n]
}

// FastBytesToString does a zero-allocation conversion. The caller must
// guarantee b is not mutated afterwards.
func FastBytesToString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// AddPadding prefixes the payload with a Pad Length octet and appends
// a random amount of zeroed padding, following RFC 9113 section 6.1.
func AddPadding(b []byte) []byte {
	n := int(fastrand.Uint32n(32)) + 2

	nb := make([]byte, 0, len(b)+n+1)
	nb = append(nb, uint8(n))
	nb = append(nb, b...)
	nb = append(nb, make([]byte, n)...)

	return nb
}

// CutPadding strips the Pad Length octet and the trailing padding from
// payload, where length is the on-wire frame length.
func CutPadding(payload []byte, length int) ([]byte, error) {
	pad := int(payload[0])

	if len(payload) < length-pad || length-pad < 1 {
		return nil, fmt.Errorf("%w: %d", ErrPadLength, pad)
	}

	return payload[1 : length-pad], nil
}

// TB is the minimal subset of testing.TB needed by AssertEqual.
type TB interface {
	Name() string
	Fatal(args ...any)
	Fatalf(format string, args ...any)
}

// AssertEqual checks if values are equal.
func AssertEqual(t TB, expected, actual any, description ...string) {
	if reflect.DeepEqual(expected, actual) {
		return
	}

	var aType = "<nil>"
	var bType = "<nil>"

	if expected != nil {
		aType = reflect.TypeOf(expected).Name()
	}
	if actual != nil {
		bType = reflect.TypeOf(actual).Name()
	}

	t.Fatal(fmt.Sprintf(
		"\n%s: Description:\t%s\nExpect:\t%v [%s]\nResult:\t%v [%s]\n",
		t.Name(), description, expected, aType, actual, bType,
	))
}
