package dbusarg

import (
	"errors"
	"reflect"

	"github.com/danderson/dbusarg/fragments"
)

// Simple is a struct with simple fields.
type Simple struct {
	A int16
	B bool
}

// Nested is a struct with a struct field.
type Nested struct {
	A byte
	B Simple
}

// Embedded is a struct that embeds another struct by value.
type Embedded struct {
	Simple
	C byte
}

// EmbeddedShadow is a struct that embeds another struct by value,
// with one of the embedded fields shadowed by an outer field.
type EmbeddedShadow struct {
	Simple
	B byte
}

// Arrays is a struct with various degrees of complicated arrays
// inside.
type Arrays struct {
	A []string
	B []Simple
	C [][]Nested
}

// Tree is a self-referential struct that can't be represented in the
// DBus wire format.
type Tree struct {
	Left  *Tree
	Right *Tree
}

// Embedded_P is a struct that embeds another struct by pointer.
type Embedded_P struct {
	*Simple
	C byte
}

// Embedded_PV is a struct with 2 layers of embedding, first by value
// then by pointers.
type Embedded_PV struct {
	Embedded_P
}

// Embedded_PVP is a struct that fights other structs online. And also
// a struct with 3 layers of embedding, pointer then value then
// pointer.
type Embedded_PVP struct {
	*Embedded_PV
	D byte
}

// WithAny is a struct with an interface field, which marshals as a
// variant.
type WithAny struct {
	A uint16
	B any
}

// Skipped is a struct with a field excluded from marshaling.
type Skipped struct {
	A      uint32
	Ignore string `dbus:"-"`
	B      string
}

// Bag is a struct holding an array of variants.
type Bag struct {
	Name string
	Vals []any
}

// Point marshals itself with explicit marshaling functions, and has
// its signature inferred.
type Point struct {
	X, Y int32
}

func marshalPoint(m *Marshaller, p Point) error {
	s := m.BeginStructure()
	s.AppendInt32(p.X)
	s.AppendInt32(p.Y)
	s.EndStructure()
	return nil
}

func demarshalPoint(d *Demarshaller, p *Point) error {
	s := d.BeginStructure()
	p.X = s.ToInt32()
	p.Y = s.ToInt32()
	s.EndStructure()
	return nil
}

// Celsius describes its own signature, and marshals as a double.
type Celsius float32

func (Celsius) SignatureDBus() Signature { return MustParseSignature("d") }

// Unbalanced is a type whose marshal function forgets to close its
// structure.
type Unbalanced struct{ A byte }

// Props is a struct that carries optional fields in a vardict.
type Props struct {
	Name  string         `dbus:"key=Name"`
	Count uint32         `dbus:"key=Count,encodeZero"`
	Extra map[string]any `dbus:"vardict"`
	Level uint16         `dbus:"key=@"`
}

// Sparse is a type whose marshal function writes one value only for
// the zero Sparse. It writes nothing for negative A, and two values
// for positive A.
type Sparse struct{ A int32 }

// Lazy is a type whose demarshal function reads nothing.
type Lazy struct{ A int32 }

// Greedy is a type whose demarshal function reads two values.
type Greedy struct{ A, B int32 }

// Broken is a type whose marshal function returns an error.
type Broken struct{ A byte }

var errBroken = errors.New("broken on purpose")

func init() {
	mustRegister(RegisterStruct[Simple](nil))
	mustRegister(RegisterStruct[Nested](nil))
	mustRegister(RegisterStruct[Embedded](nil))
	mustRegister(RegisterStruct[EmbeddedShadow](nil))
	mustRegister(RegisterStruct[Arrays](nil))
	mustRegister(RegisterStruct[Tree](nil))
	mustRegister(RegisterStruct[Embedded_P](nil))
	mustRegister(RegisterStruct[Embedded_PV](nil))
	mustRegister(RegisterStruct[Embedded_PVP](nil))
	mustRegister(RegisterStruct[WithAny](nil))
	mustRegister(RegisterStruct[Skipped](nil))
	mustRegister(RegisterStruct[Bag](nil))
	mustRegister(RegisterStruct[Props](nil))

	RegisterType(nil, marshalPoint, demarshalPoint)
	RegisterType(nil,
		func(m *Marshaller, c Celsius) error {
			m.AppendDouble(float64(c))
			return nil
		},
		func(d *Demarshaller, c *Celsius) error {
			*c = Celsius(d.ToDouble())
			return nil
		})
	RegisterType(nil,
		func(m *Marshaller, u Unbalanced) error {
			s := m.BeginStructure()
			s.AppendByte(u.A)
			return nil
		},
		func(d *Demarshaller, u *Unbalanced) error {
			return nil
		})
	RegisterType(nil,
		func(m *Marshaller, s Sparse) error {
			switch {
			case s.A == 0:
				m.AppendInt32(0)
			case s.A > 0:
				m.AppendInt32(s.A)
				m.AppendInt32(s.A)
			}
			return nil
		},
		func(d *Demarshaller, s *Sparse) error {
			s.A = d.ToInt32()
			return nil
		})
	RegisterType(nil,
		func(m *Marshaller, l Lazy) error {
			m.AppendInt32(l.A)
			return nil
		},
		func(d *Demarshaller, l *Lazy) error { return nil })
	RegisterType(nil,
		func(m *Marshaller, g Greedy) error {
			m.AppendInt32(g.A)
			return nil
		},
		func(d *Demarshaller, g *Greedy) error {
			g.A = d.ToInt32()
			g.B = d.ToInt32()
			return nil
		})
	RegisterType(nil,
		func(m *Marshaller, b Broken) error { return errBroken },
		func(d *Demarshaller, b *Broken) error { return errBroken })
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

func ptr[T any](v T) *T {
	return &v
}

func mustSignatureFor[T any]() Signature {
	sig, err := SignatureFor[T]()
	if err != nil {
		panic(err)
	}
	return sig
}

var encName = map[fragments.ByteOrder]string{
	fragments.BigEndian:    "be",
	fragments.LittleEndian: "le",
}

// marshalOne marshals v alone into a message with the given byte
// order.
func marshalOne(order fragments.ByteOrder, v any) (*Message, error) {
	return Marshal(Options{Order: order}, v)
}

// newOf returns a pointer to a new zero value of v's type.
func newOf(v any) reflect.Value {
	return reflect.New(reflect.TypeOf(v))
}
