package fragments_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danderson/dbusarg/fragments"
)

type mustDecoder struct {
	t *testing.T
	*fragments.Decoder
}

func (d *mustDecoder) MustRead(n int, want []byte) {
	got, err := d.Read(n)
	if err != nil {
		d.t.Fatalf("Read(%d) got err: %v", n, err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Read(%d) wrong output:\n  got: % x\n want: % x", n, got, want)
	}
}

func (d *mustDecoder) MustBytes(want []byte) {
	got, err := d.Bytes()
	if err != nil {
		d.t.Fatalf("Bytes() got err: %v", err)
	}
	if !bytes.Equal(got, want) {
		d.t.Fatalf("Bytes() wrong output:\n  got: % x\n want: % x", got, want)
	}
}

func (d *mustDecoder) MustString(want string) {
	got, err := d.String()
	if err != nil {
		d.t.Fatalf("String() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("String() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustSignature(want string) {
	got, err := d.Signature()
	if err != nil {
		d.t.Fatalf("Signature() got err: %v", err)
	}
	if got != want {
		d.t.Fatalf("Signature() got %q, want %q", got, want)
	}
}

func (d *mustDecoder) MustUint(size int, want uint64) {
	got, err := d.Uint(size)
	if err != nil {
		d.t.Fatalf("Uint(%d) got err: %v", size, err)
	}
	if got != want {
		d.t.Fatalf("Uint(%d) got %d, want %d", size, got, want)
	}
	if testing.Verbose() {
		d.t.Logf("Uint(%d) = %d", size, got)
	}
}

func (d *mustDecoder) MustArray(elemAlign int, wantEnd int) {
	end, err := d.BeginArray(elemAlign)
	if err != nil {
		d.t.Fatalf("BeginArray() got err: %v", err)
	}
	if end != wantEnd {
		d.t.Fatalf("BeginArray() got end %d, want %d", end, wantEnd)
	}
}

func (d *mustDecoder) MustByteOrderFlag(want fragments.ByteOrder) {
	if err := d.ByteOrderFlag(); err != nil {
		d.t.Fatalf("ByteOrderFlag() got err: %v", err)
	}
	if got := d.Order; got != want {
		d.t.Fatalf("ByteOrderFlag() set byte order %v, want %v", got, want)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		decode func(d *mustDecoder)
	}{
		{
			"raw bytes",
			[]byte{0x01, 0x02, 0x03},
			func(d *mustDecoder) {
				d.MustRead(3, []byte{1, 2, 3})
			},
		},

		{
			"byte array",
			[]byte{
				0x00, 0x00, 0x00, 0x03,
				0x01, 0x02, 0x03,
			},
			func(d *mustDecoder) {
				d.MustBytes([]byte{1, 2, 3})
			},
		},

		{
			"string",
			[]byte{
				0x00, 0x00, 0x00, 0x03,
				0x66, 0x6f, 0x6f,
				0x00,
			},
			func(d *mustDecoder) {
				d.MustString("foo")
			},
		},

		{
			"signature",
			[]byte{
				0x02, 'a', 's', 0x00,
			},
			func(d *mustDecoder) {
				d.MustSignature("as")
			},
		},

		{
			"uints padding",
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00,             // raw
				0x00, 0x00, 0x00, // pad
				0x00, 0x00, 0x00, 0x2a,
				0x00, // raw
				0x00, // pad
				0x00, 0x42,
				0x00, // raw
				0x2a,
			},
			func(d *mustDecoder) {
				d.MustUint(8, 66)
				d.MustRead(1, []byte{0})
				d.MustUint(4, 42)
				d.MustRead(1, []byte{0})
				d.MustUint(2, 66)
				d.MustRead(1, []byte{0})
				d.MustUint(1, 42)
			},
		},

		{
			"array",
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
			},
			func(d *mustDecoder) {
				d.MustArray(2, 8)
				d.MustUint(2, 1)
				d.MustUint(2, 2)
			},
		},

		{
			"empty struct array",
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
				0x00, 0x00, 0x00, 0x00, // pad
			},
			func(d *mustDecoder) {
				d.MustArray(8, 8)
			},
		},

		{
			"byte order flag",
			[]byte{'B', 'l'},
			func(d *mustDecoder) {
				d.MustByteOrderFlag(fragments.BigEndian)
				d.MustByteOrderFlag(fragments.LittleEndian)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := mustDecoder{
				t: t,
				Decoder: &fragments.Decoder{
					Order: fragments.BigEndian,
					In:    tc.in,
				},
			}
			tc.decode(&d)
			if remain := d.Remaining(); remain > 0 {
				t.Fatalf("decoder failed to consume %d trailing bytes", remain)
			}
		})
	}
}

func TestDecoderErrors(t *testing.T) {
	d := fragments.Decoder{Order: fragments.BigEndian, In: []byte{0, 0, 0, 9, 'a'}}
	if _, err := d.String(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("String() on truncated input got err %v, want ErrUnexpectedEOF", err)
	}

	d = fragments.Decoder{Order: fragments.BigEndian, In: []byte{0, 0, 0, 1, 'a', 'b'}}
	if _, err := d.String(); err == nil {
		t.Errorf("String() without terminator succeeded")
	}

	d = fragments.Decoder{Order: fragments.BigEndian, In: []byte{0, 0, 0, 16, 1, 2}}
	if _, err := d.BeginArray(1); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("BeginArray() past end of input got err %v, want ErrUnexpectedEOF", err)
	}

	d = fragments.Decoder{In: []byte{'?'}}
	if err := d.ByteOrderFlag(); err == nil {
		t.Errorf("ByteOrderFlag did not error on invalid byte order")
	}
}
