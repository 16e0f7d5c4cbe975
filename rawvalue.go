package dbusarg

import (
	"bytes"
	"fmt"
	"os"

	"github.com/danderson/dbusarg/fragments"
)

// A RawValue is one DBus value in its wire encoding, detached from
// the message it was read from.
//
// RawValues are produced by [Demarshaller.ToRawValue], and by
// [Demarshaller.ToVariant] for variants whose contents have no
// builtin Go representation. They stay valid after their message is
// discarded, and can be decoded later with [RawValue.Decode] or
// copied verbatim into another message with [Marshaller.Append].
//
// The zero RawValue holds no value.
type RawValue struct {
	sig   Signature
	order fragments.ByteOrder
	// data starts at the 8-byte boundary at or before the value, so
	// that the value's padding is preserved.
	data   []byte
	offset int
	// files are the file descriptors of the source message, which
	// unix fd values index into.
	files []*os.File
}

// Signature returns the signature of the value.
func (v RawValue) Signature() Signature {
	return v.sig
}

// IsZero reports whether v holds no value.
func (v RawValue) IsZero() bool {
	return v.sig.IsZero()
}

// Bytes returns the wire encoding of the value, in the byte order of
// the message it came from. The returned slice must not be modified.
func (v RawValue) Bytes() []byte {
	if v.data == nil {
		return nil
	}
	return v.data[v.offset:]
}

// Equal reports whether v and o hold the same value with the same
// encoding.
func (v RawValue) Equal(o RawValue) bool {
	if v.sig != o.sig || (v.order == nil) != (o.order == nil) {
		return false
	}
	if v.order != nil && !fragments.SameOrder(v.order, o.order) {
		return false
	}
	return bytes.Equal(v.Bytes(), o.Bytes())
}

func (v RawValue) String() string {
	if v.IsZero() {
		return "RawValue{}"
	}
	return fmt.Sprintf("RawValue{%s %x}", v.sig, v.Bytes())
}

// Demarshaller returns a Demarshaller that reads the value. Only the
// Registry and Logger of opts are used.
func (v RawValue) Demarshaller(opts Options) *Demarshaller {
	order := v.order
	if order == nil {
		order = fragments.NativeEndian
	}
	return newDemarshaller(order, v.data, v.offset, v.sig, v.files, opts)
}

// Decode decodes the value into ptr, as [Demarshaller.Value] does,
// using [DefaultRegistry].
func (v RawValue) Decode(ptr any) error {
	if v.IsZero() {
		return fmt.Errorf("%w: RawValue holds no value", ErrInvalidValue)
	}
	d := v.Demarshaller(Options{})
	d.Value(ptr)
	return d.Err()
}
