package dbusarg

// Variant is a value that carries its own DBus type signature on the
// wire.
//
// When marshaling, the signature is derived from Value's Go type, or
// taken from Value itself if it is a [RawValue] read from another
// message. When demarshaling, builtin types decode to their native Go
// representation (see [Registry.SignatureToType]), and all other
// types decode to a [RawValue] that can be decoded further with
// [RawValue.Decode].
type Variant struct {
	Value any
}
