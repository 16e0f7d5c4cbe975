package fragments

import (
	"fmt"
	"io"
)

// A Decoder reads DBus wire format values from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim.
//
// Reading past the end of In returns [io.ErrUnexpectedEOF].
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read. Alignment is computed relative to the
	// start of In, so In must begin at an 8-byte aligned position of
	// the original message.
	In []byte

	offset int
}

// Offset returns the position of the read cursor within In.
func (d *Decoder) Offset() int {
	return d.offset
}

// Seek moves the read cursor to the given offset within In.
func (d *Decoder) Seek(offset int) error {
	if offset < 0 || offset > len(d.In) {
		return fmt.Errorf("seek to offset %d outside of %d byte input: %w", offset, len(d.In), io.ErrUnexpectedEOF)
	}
	d.offset = offset
	return nil
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.In) - d.offset
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	_, err := d.Read(align - extra)
	return err
}

// Read reads n bytes, with no framing or padding. The returned slice
// aliases In.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || n > d.Remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	ret := d.In[d.offset : d.offset+n]
	d.offset += n
	return ret, nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a DBus string, or any other 4-byte length prefixed
// string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

// Signature reads a DBus type signature string, which uses a single
// byte length prefix.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

func (d *Decoder) terminated(ln int) (string, error) {
	bs, err := d.Read(ln + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", fmt.Errorf("string of length %d is not nul terminated", ln)
	}
	return string(bs[:ln]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Uint reads a size byte unsigned integer, where size is 1, 2, 4 or
// 8.
func (d *Decoder) Uint(size int) (uint64, error) {
	switch size {
	case 1:
		v, err := d.Uint8()
		return uint64(v), err
	case 2:
		v, err := d.Uint16()
		return uint64(v), err
	case 4:
		v, err := d.Uint32()
		return uint64(v), err
	case 8:
		return d.Uint64()
	default:
		return 0, fmt.Errorf("invalid fixed value size %d", size)
	}
}

// BeginArray reads an array header, and consumes the padding before
// the first element according to elemAlign. It returns the offset
// within In at which the array's elements end.
func (d *Decoder) BeginArray(elemAlign int) (end int, err error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > MaxArrayLen {
		return 0, fmt.Errorf("array length %d exceeds DBus maximum", ln)
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	end = d.offset + int(ln)
	if end > len(d.In) {
		return 0, io.ErrUnexpectedEOF
	}
	return end, nil
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	ord, err := OrderForFlag(v)
	if err != nil {
		return err
	}
	d.Order = ord
	return nil
}
