package dbusarg

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danderson/dbusarg/fragments"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func mustMarshal(t *testing.T, order fragments.ByteOrder, vs ...any) *Message {
	t.Helper()
	msg, err := Marshal(Options{Order: order}, vs...)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return msg
}

func TestDemarshallerWalk(t *testing.T) {
	msg := mustMarshal(t, fragments.LittleEndian,
		byte(1),
		Simple{-2, true},
		[]string{"a", "b"},
		map[string]int32{"k": 3},
		Variant{int32(4)})
	if got, want := msg.Signature.String(), "y(nb)asa{si}v"; got != want {
		t.Fatalf("wrong signature, got %q want %q", got, want)
	}

	d := NewDemarshaller(msg, Options{})
	check := func(d *Demarshaller, typ ElementType, sig string) {
		t.Helper()
		if got := d.CurrentType(); got != typ {
			t.Errorf("CurrentType() = %v, want %v", got, typ)
		}
		if got := d.CurrentSignature().String(); got != sig {
			t.Errorf("CurrentSignature() = %q, want %q", got, sig)
		}
	}

	check(d, BasicType, "y")
	if got := d.ToByte(); got != 1 {
		t.Errorf("ToByte() = %d, want 1", got)
	}

	check(d, StructureType, "(nb)")
	s := d.BeginStructure()
	// The parent is unreadable while the child is open.
	check(d, InvalidType, "")
	check(s, BasicType, "n")
	if got := s.ToInt16(); got != -2 {
		t.Errorf("ToInt16() = %d, want -2", got)
	}
	if got := s.ToBool(); !got {
		t.Errorf("ToBool() = %v, want true", got)
	}
	if !s.AtEnd() {
		t.Error("struct not at end after reading all fields")
	}
	s.EndStructure()

	check(d, ArrayType, "as")
	a := d.BeginArray()
	check(a, BasicType, "s")
	var strs []string
	for !a.AtEnd() {
		strs = append(strs, a.ToString())
	}
	a.EndArray()
	if diff := cmp.Diff(strs, []string{"a", "b"}); diff != "" {
		t.Errorf("wrong array contents (-got+want):\n%s", diff)
	}

	check(d, MapType, "a{si}")
	mp := d.BeginMap()
	check(mp, MapEntryType, "{si}")
	e := mp.BeginMapEntry()
	k, v := e.ToString(), e.ToInt32()
	e.EndMapEntry()
	if !mp.AtEnd() {
		t.Error("map not at end after reading its only entry")
	}
	mp.EndMap()
	if k != "k" || v != 3 {
		t.Errorf("wrong map entry, got %q=%d want \"k\"=3", k, v)
	}

	check(d, VariantType, "v")
	if diff := cmp.Diff(d.ToVariant(), Variant{int32(4)}); diff != "" {
		t.Errorf("wrong variant (-got+want):\n%s", diff)
	}

	check(d, InvalidType, "")
	if !d.AtEnd() {
		t.Error("message not at end after reading all values")
	}
	if err := d.Err(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDemarshallerSkip(t *testing.T) {
	msg := mustMarshal(t, fragments.BigEndian,
		Arrays{
			A: []string{"x", "y"},
			B: []Simple{{1, true}},
			C: [][]Nested{{{A: 1}}},
		},
		Variant{Nested{5, Simple{6, false}}},
		[]uint64{1, 2, 3},
		uint32(42))

	d := NewDemarshaller(msg, Options{})
	s := d.BeginStructure()
	a := s.BeginArray()
	if got := a.ToString(); got != "x" {
		t.Errorf("first string = %q, want \"x\"", got)
	}
	// Leaves "y" unread.
	a.EndArray()
	// Leaves B and C unread.
	s.EndStructure()

	// Skip the variant and array entirely by entering and leaving
	// them.
	v := d.beginVariant()
	v.endVariant()
	d.BeginArray().EndArray()

	if got := d.ToUint32(); got != 42 {
		t.Errorf("value after skipped values = %d, want 42", got)
	}
	if err := d.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.AtEnd() {
		t.Error("message not at end")
	}
}

func TestDemarshallerErrors(t *testing.T) {
	tests := []struct {
		name string
		sig  string
		body []byte
		read func(d *Demarshaller)
		want error
	}{
		{
			"truncated u32",
			"u",
			[]byte{1, 2},
			func(d *Demarshaller) { d.ToUint32() },
			ErrUnexpectedEndOfData,
		},
		{
			"truncated struct",
			"(yx)",
			[]byte{1, 0, 0, 0, 0, 0, 0, 0, 1, 2},
			func(d *Demarshaller) {
				s := d.BeginStructure()
				s.ToByte()
				s.ToInt64()
				s.EndStructure()
			},
			ErrUnexpectedEndOfData,
		},
		{
			"no more values",
			"y",
			[]byte{1},
			func(d *Demarshaller) { d.ToByte(); d.ToByte() },
			ErrUnexpectedEndOfData,
		},
		{
			"type mismatch",
			"i",
			[]byte{0, 0, 0, 1},
			func(d *Demarshaller) { d.ToString() },
			ErrTypeMismatch,
		},
		{
			"not a struct",
			"as",
			[]byte{0, 0, 0, 0},
			func(d *Demarshaller) { d.BeginStructure().EndStructure() },
			ErrTypeMismatch,
		},
		{
			"not a map",
			"as",
			[]byte{0, 0, 0, 0},
			func(d *Demarshaller) { d.BeginMap().EndMap() },
			ErrTypeMismatch,
		},
		{
			"invalid bool",
			"b",
			[]byte{0, 0, 0, 2},
			func(d *Demarshaller) { d.ToBool() },
			ErrInvalidValue,
		},
		{
			"invalid object path",
			"o",
			[]byte{0, 0, 0, 2, 'a', 'b', 0},
			func(d *Demarshaller) { d.ToObjectPath() },
			ErrInvalidValue,
		},
		{
			"unterminated string",
			"s",
			[]byte{0, 0, 0, 1, 'a', 'b'},
			func(d *Demarshaller) { d.ToString() },
			ErrInvalidValue,
		},
		{
			"close unopened",
			"y",
			[]byte{1},
			func(d *Demarshaller) { d.EndStructure() },
			ErrUnbalancedContainer,
		},
		{
			"close wrong kind",
			"(y)",
			[]byte{1},
			func(d *Demarshaller) { d.BeginStructure().EndArray() },
			ErrUnbalancedContainer,
		},
		{
			"read parent with open child",
			"(y)y",
			[]byte{1, 0, 0, 0, 0, 0, 0, 0, 2},
			func(d *Demarshaller) {
				d.BeginStructure()
				d.ToByte()
			},
			ErrUnbalancedContainer,
		},
		{
			"fixed array too long",
			"aq",
			[]byte{0, 0, 0, 6, 0, 1, 0, 2, 0, 3},
			func(d *Demarshaller) {
				var v [2]uint16
				d.Value(&v)
			},
			ErrTypeMismatch,
		},
		{
			"fixed array too short",
			"aq",
			[]byte{0, 0, 0, 2, 0, 1},
			func(d *Demarshaller) {
				var v [2]uint16
				d.Value(&v)
			},
			ErrTypeMismatch,
		},
		{
			"nil target",
			"y",
			[]byte{1},
			func(d *Demarshaller) { d.Value(nil) },
			ErrInvalidValue,
		},
		{
			"non-pointer target",
			"y",
			[]byte{1},
			func(d *Demarshaller) { d.Value(byte(0)) },
			ErrInvalidValue,
		},
		{
			"unregistered target",
			"y",
			[]byte{1},
			func(d *Demarshaller) {
				var v int
				d.Value(&v)
			},
			ErrUnregisteredType,
		},
		{
			"failing demarshaler",
			"y",
			[]byte{1},
			func(d *Demarshaller) {
				var v Broken
				d.Value(&v)
			},
			errBroken,
		},
		{
			"file index out of range",
			"h",
			[]byte{0, 0, 0, 0},
			func(d *Demarshaller) { d.ToUnixFD() },
			ErrInvalidValue,
		},
		{
			"element past array end",
			"aii",
			// The array claims 2 bytes, but holds a 4 byte int32.
			[]byte{0, 0, 0, 2, 0, 0, 0, 1, 0, 0, 0, 7},
			func(d *Demarshaller) {
				var a []int32
				var i int32
				d.Value(&a)
				d.Value(&i)
			},
			ErrInvalidValue,
		},
		{
			"string with NUL",
			"s",
			[]byte{0, 0, 0, 3, 'a', 0, 'b', 0},
			func(d *Demarshaller) { d.ToString() },
			ErrInvalidValue,
		},
		{
			"invalid utf-8 string",
			"s",
			[]byte{0, 0, 0, 1, 0xff, 0},
			func(d *Demarshaller) { d.ToString() },
			ErrInvalidValue,
		},
		{
			"demarshaler reads nothing",
			"ai",
			[]byte{0, 0, 0, 4, 0, 0, 0, 1},
			func(d *Demarshaller) {
				var v []Lazy
				d.Value(&v)
			},
			ErrTypeMismatch,
		},
		{
			"demarshaler reads two values",
			"ii",
			[]byte{0, 0, 0, 1, 0, 0, 0, 2},
			func(d *Demarshaller) {
				var v Greedy
				d.Value(&v)
			},
			ErrTypeMismatch,
		},
		{
			"vardict field of wrong type",
			"(a{sv})",
			[]byte{
				// array len, pad
				0, 0, 0, 22, 0, 0, 0, 0,
				// key="Count"
				0, 0, 0, 5, 'C', 'o', 'u', 'n', 't', 0,
				// signature (string), pad
				1, 's', 0, 0, 0, 0,
				// val="a"
				0, 0, 0, 1, 'a', 0,
			},
			func(d *Demarshaller) {
				var v Props
				d.Value(&v)
			},
			ErrTypeMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := &Message{
				Order:     fragments.BigEndian,
				Signature: MustParseSignature(tc.sig),
				Body:      tc.body,
			}
			d := NewDemarshaller(msg, Options{})
			tc.read(d)
			if !errors.Is(d.Err(), tc.want) {
				t.Fatalf("got err %v, want %v", d.Err(), tc.want)
			}
			// Errors are sticky, and reads return zero values.
			if d.ToByte() != 0 || !d.AtEnd() || d.CurrentType() != InvalidType {
				t.Error("failed Demarshaller still reads values")
			}
			if !errors.Is(d.Err(), tc.want) {
				t.Fatalf("error changed to %v after further reads", d.Err())
			}
		})
	}
}

func TestUnmarshalMismatch(t *testing.T) {
	msg := mustMarshal(t, fragments.BigEndian, byte(1), "two")

	var b byte
	if err := Unmarshal(msg, Options{}, &b); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Unmarshal with leftover values got err %v, want %v", err, ErrTypeMismatch)
	}
	var s string
	if err := Unmarshal(msg, Options{}, &b, &s, &s); !errors.Is(err, ErrUnexpectedEndOfData) {
		t.Errorf("Unmarshal with too many targets got err %v, want %v", err, ErrUnexpectedEndOfData)
	}
	if err := Unmarshal(msg, Options{}, &s, &b); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Unmarshal with swapped targets got err %v, want %v", err, ErrTypeMismatch)
	}
}

func TestDemarshalGeneric(t *testing.T) {
	msg := mustMarshal(t, fragments.BigEndian,
		[]string{"a"},
		Variant{uint16(7)},
		Simple{1, true},
		map[string]any{"k": int32(1)})

	var got []any
	d := NewDemarshaller(msg, Options{})
	for !d.AtEnd() {
		var v any
		d.Value(&v)
		got = append(got, v)
	}
	if err := d.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d values, want 4", len(got))
	}
	if diff := cmp.Diff(got[:2], []any{[]string{"a"}, uint16(7)}); diff != "" {
		t.Errorf("wrong builtin values (-got+want):\n%s", diff)
	}

	// Non-builtin values stay raw, and decode further on demand.
	var s Simple
	if raw, ok := got[2].(RawValue); !ok {
		t.Errorf("struct decoded to %T, want RawValue", got[2])
	} else if err := raw.Decode(&s); err != nil {
		t.Errorf("RawValue.Decode failed: %v", err)
	} else if s != (Simple{1, true}) {
		t.Errorf("RawValue.Decode = %v, want {1 true}", s)
	}

	var m map[string]any
	if raw, ok := got[3].(RawValue); !ok {
		t.Errorf("dict decoded to %T, want RawValue", got[3])
	} else if err := raw.Decode(&m); err != nil {
		t.Errorf("RawValue.Decode failed: %v", err)
	} else if diff := cmp.Diff(m, map[string]any{"k": int32(1)}); diff != "" {
		t.Errorf("RawValue.Decode wrong value (-got+want):\n%s", diff)
	}
}

func TestToRawValue(t *testing.T) {
	tests := []struct {
		name      string
		vals      []any
		wantSig   string
		wantBytes []byte
		decode    any
	}{
		{
			"i64 after byte",
			[]any{byte(1), int64(-2)},
			"x",
			[]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe},
			int64(-2),
		},
		{
			"string after byte",
			[]any{byte(1), "ab"},
			"s",
			[]byte{0, 0, 0, 2, 'a', 'b', 0},
			"ab",
		},
		{
			// The array starts 4 bytes past an 8-byte boundary, so
			// its first element needs no padding. The RawValue must
			// keep that phase.
			"i64 array after byte",
			[]any{byte(1), []int64{3}},
			"ax",
			[]byte{0, 0, 0, 8, 0, 0, 0, 0, 0, 0, 0, 3},
			[]int64{3},
		},
		{
			"i64 array after u64",
			[]any{uint64(1), []int64{3}},
			"ax",
			[]byte{0, 0, 0, 8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 3},
			[]int64{3},
		},
		{
			"variant after u16",
			[]any{uint16(1), Variant{Simple{2, false}}},
			"v",
			[]byte{4, '(', 'n', 'b', ')', 0, 0, 2, 0, 0, 0, 0, 0, 0},
			Variant{Simple{2, false}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := mustMarshal(t, fragments.BigEndian, tc.vals...)
			d := NewDemarshaller(msg, Options{})
			d.ToRawValue() // first value
			raw := d.ToRawValue()
			if err := d.Err(); err != nil {
				t.Fatal(err)
			}
			if !d.AtEnd() {
				t.Error("message not at end")
			}

			// The RawValue owns its bytes.
			clear(msg.Body)

			if got := raw.Signature().String(); got != tc.wantSig {
				t.Errorf("wrong signature, got %q want %q", got, tc.wantSig)
			}
			if !bytes.Equal(raw.Bytes(), tc.wantBytes) {
				t.Errorf("wrong bytes:\n  got: % x\n want: % x", raw.Bytes(), tc.wantBytes)
			}

			dst := newOf(tc.decode)
			if err := raw.Decode(dst.Interface()); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			// Variants of non-builtin types decode to RawValues,
			// compare them through their encoding.
			want := dst.Elem().Interface()
			if v, ok := want.(Variant); ok {
				if r, ok := v.Value.(RawValue); ok {
					var s Simple
					if err := r.Decode(&s); err != nil {
						t.Fatalf("nested Decode failed: %v", err)
					}
					want = Variant{s}
				}
			}
			if diff := cmp.Diff(want, tc.decode, cmpopts.EquateComparable(Signature{})); diff != "" {
				t.Errorf("Decode wrong value (-got+want):\n%s", diff)
			}
		})
	}

	if err := (RawValue{}).Decode(new(int32)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("decoding zero RawValue got err %v, want %v", err, ErrInvalidValue)
	}
}
