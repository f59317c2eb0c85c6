package http2

import (
	"sync"
)

// HeaderField is a key-value pair of a decoded or to-be-encoded
// header block.
type HeaderField struct {
	key, value []byte
	sensible   bool
}

var headerFieldPool = sync.Pool{
	New: func() any {
		return &HeaderField{}
	},
}

// AcquireHeaderField returns a HeaderField from the pool.
func AcquireHeaderField() *HeaderField {
	return headerFieldPool.Get().(*HeaderField)
}

// ReleaseHeaderField resets the HeaderField and puts it back to the pool.
func ReleaseHeaderField(hf *HeaderField) {
	hf.Reset()
	headerFieldPool.Put(hf)
}

func (hf *HeaderField) Reset() {
	hf.key = hf.key[:0]
	hf.value = hf.value[:0]
	hf.sensible = false
}

// IsSensible reports whether the field must never enter a compression
// table (RFC 7541 section 7.1.3).
func (hf *HeaderField) IsSensible() bool {
	return hf.sensible
}

// SetSensible marks the field as never-indexed.
func (hf *HeaderField) SetSensible(v bool) {
	hf.sensible = v
}

// Empty reports whether the field has no key and no value.
func (hf *HeaderField) Empty() bool {
	return len(hf.key) == 0 && len(hf.value) == 0
}

// Size returns the entry size as defined by RFC 7541 section 4.1.
func (hf *HeaderField) Size() int {
	return len(hf.key) + len(hf.value) + 32
}

func (hf *HeaderField) CopyTo(hf2 *HeaderField) {
	hf2.key = append(hf2.key[:0], hf.key...)
	hf2.value = append(hf2.value[:0], hf.value...)
	hf2.sensible = hf.sensible
}

func (hf *HeaderField) Set(k, v string) {
	hf.SetKey(k)
	hf.SetValue(v)
}

func (hf *HeaderField) SetBytes(k, v []byte) {
	hf.SetKeyBytes(k)
	hf.SetValueBytes(v)
}

func (hf *HeaderField) SetKey(key string) {
	hf.key = append(hf.key[:0], key...)
}

func (hf *HeaderField) SetValue(v string) {
	hf.value = append(hf.value[:0], v...)
}

func (hf *HeaderField) SetKeyBytes(key []byte) {
	hf.key = append(hf.key[:0], key...)
}

func (hf *HeaderField) SetValueBytes(v []byte) {
	hf.value = append(hf.value[:0], v...)
}

// Key returns the key as a string. The result does not alias the field
// and stays valid after the field is reused for the next decode.
func (hf *HeaderField) Key() string {
	return string(hf.key)
}

// Value returns the value as a string, with the same stability
// guarantee as Key.
func (hf *HeaderField) Value() string {
	return string(hf.value)
}

func (hf *HeaderField) KeyBytes() []byte {
	return hf.key
}

func (hf *HeaderField) ValueBytes() []byte {
	return hf.value
}

// IsPseudo reports whether the field is a pseudo-header.
func (hf *HeaderField) IsPseudo() bool {
	return len(hf.key) > 0 && hf.key[0] == ':'
}

func (hf *HeaderField) String() string {
	return hf.Key() + ": " + hf.Value()
}
