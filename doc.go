// Package dbusarg marshals Go values to and from the DBus wire format.
//
// A [Marshaller] writes the body of one DBus message. Values are
// appended one at a time, and containers are built by opening them
// with a Begin method, which returns a child Marshaller for the
// container's contents, and closing the child with the matching End
// method:
//
//	m := dbusarg.NewMarshaller(dbusarg.Options{})
//	s := m.BeginStructure()
//	s.AppendString("hello")
//	a := s.BeginArray(dbusarg.MustParseSignature("i"))
//	a.AppendInt32(1)
//	a.AppendInt32(2)
//	a.EndArray()
//	s.EndStructure()
//	msg, err := m.Message() // signature "(sai)"
//
// Errors are latched: the first failure is recorded on the failing
// Marshaller and all of its ancestors, and everything after it does
// nothing. Callers check for errors once, at the end.
//
// A [Demarshaller] reads a message body with the same container
// model, using a read cursor. [Marshaller.Append] and
// [Demarshaller.Value] marshal and demarshal arbitrary Go values
// using reflection:
//
// uint8, bool, int16, uint16, int32, uint32, int64, uint64, float64
// and string values, and Go types whose underlying type is one of
// these, map to the corresponding DBus basic type. [ObjectPath],
// [Signature] and *[os.File] values map to DBus object paths, type
// signatures and unix file descriptors.
//
// Slices and arrays map to DBus arrays, and maps to DBus
// dictionaries. A map's key type must map to a DBus basic type. Map
// entries are marshaled in sorted key order.
//
// Pointers marshal as the value they point to, or its zero value if
// nil. [Variant] values, and values stored in interface types, map to
// DBus variants.
//
// Other types must be registered with a [Registry], either with
// explicit marshaling functions ([RegisterType]), or as DBus structs
// of their exported fields ([RegisterStruct]). The DBus signature of a
// registered type is provided by its [Describer] implementation, or
// inferred once by marshaling the type's zero value.
//
// int8, int, uint, uintptr, float32, complex, channel and function
// types have no DBus representation.
//
// [Marshaller.AppendCrossMarshalling] copies values from one message
// to another without decoding them, and [RawValue] holds a value
// detached from the message it was read from.
package dbusarg
