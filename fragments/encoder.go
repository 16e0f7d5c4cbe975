package fragments

import (
	"errors"
	"fmt"
)

// MaxArrayLen is the largest array body, in bytes, that DBus allows.
const MaxArrayLen = 1 << 26

// ErrArrayTooLong is returned by [Encoder.EndArray] when an array
// body exceeds [MaxArrayLen].
var ErrArrayTooLong = errors.New("array exceeds maximum DBus array length")

// An Encoder writes DBus wire format values to a byte slice.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output.
	Out []byte
}

// Pad inserts padding bytes as needed to make the message a multiple
// of align bytes. If the message is already correctly aligned, no
// padding is inserted.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.Out)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Bytes writes bs as a DBus byte array.
func (e *Encoder) Bytes(bs []byte) {
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String writes s as a DBus string, object path, or any other
// 4-byte length prefixed string.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes s as a DBus type signature, which uses a single
// byte length prefix.
func (e *Encoder) Signature(s string) {
	e.Out = append(e.Out, byte(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Uint writes the low size bytes of v, as a uint8, uint16, uint32
// or uint64.
func (e *Encoder) Uint(size int, v uint64) {
	switch size {
	case 1:
		e.Uint8(uint8(v))
	case 2:
		e.Uint16(uint16(v))
	case 4:
		e.Uint32(uint32(v))
	case 8:
		e.Uint64(v)
	default:
		panic(fmt.Sprintf("invalid fixed value size %d", size))
	}
}

// An ArrayMark records the position of an array that is being
// written, for use by [Encoder.EndArray].
type ArrayMark struct {
	lenOffset int
	start     int
}

// BeginArray writes an array header with a placeholder length, and
// pads to elemAlign so that the first element is correctly aligned.
// The padding is written even if the array ends up empty.
//
// The array's elements must be written next, followed by a call to
// EndArray with the returned mark.
func (e *Encoder) BeginArray(elemAlign int) ArrayMark {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	e.Pad(elemAlign)
	return ArrayMark{offset, len(e.Out)}
}

// EndArray fills in the length of the array started at mark.
func (e *Encoder) EndArray(mark ArrayMark) error {
	ln := len(e.Out) - mark.start
	if ln > MaxArrayLen {
		return fmt.Errorf("%w: %d bytes", ErrArrayTooLong, ln)
	}
	e.Order.PutUint32(e.Out[mark.lenOffset:], uint32(ln))
	return nil
}

// ByteOrderFlag writes the DBus byte order flag byte that matches
// [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Uint8(e.Order.Flag())
}
