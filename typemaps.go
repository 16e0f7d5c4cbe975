package dbusarg

import (
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/creachadair/mds/mapset"
)

var (
	variantType    = reflect.TypeFor[Variant]()
	rawValueType   = reflect.TypeFor[RawValue]()
	signatureType  = reflect.TypeFor[Signature]()
	objectPathType = reflect.TypeFor[ObjectPath]()
	fileType       = reflect.TypeFor[*os.File]()
	anyType        = reflect.TypeFor[any]()
)

var (
	// strToType maps the signature of the builtin DBus types to the
	// Go type that represents them.
	strToType = map[string]reflect.Type{
		"y": reflect.TypeFor[uint8](),
		"b": reflect.TypeFor[bool](),
		"n": reflect.TypeFor[int16](),
		"q": reflect.TypeFor[uint16](),
		"i": reflect.TypeFor[int32](),
		"u": reflect.TypeFor[uint32](),
		"x": reflect.TypeFor[int64](),
		"t": reflect.TypeFor[uint64](),
		"d": reflect.TypeFor[float64](),
		"s": reflect.TypeFor[string](),
		"o": objectPathType,
		"g": signatureType,
		"h": fileType,
		"v": variantType,

		"ay": reflect.TypeFor[[]byte](),
		"as": reflect.TypeFor[[]string](),
		"av": reflect.TypeFor[[]Variant](),
		"ao": reflect.TypeFor[[]ObjectPath](),
		"ag": reflect.TypeFor[[]Signature](),
	}

	// typeToStr is the inverse of strToType.
	typeToStr = map[reflect.Type]string{}

	// kindToStr maps the reflect.Kinds of Go types that can
	// represent a DBus basic type to the type's signature. It lets
	// named types like "type Mode uint32" marshal like their
	// underlying type.
	kindToStr = map[reflect.Kind]string{
		reflect.Bool:    "b",
		reflect.Uint8:   "y",
		reflect.Int16:   "n",
		reflect.Uint16:  "q",
		reflect.Int32:   "i",
		reflect.Uint32:  "u",
		reflect.Int64:   "x",
		reflect.Uint64:  "t",
		reflect.Float64: "d",
		reflect.String:  "s",
	}

	// basicCodes is the set of type codes of DBus basic types, which
	// are the only types allowed as dict entry keys.
	basicCodes = mapset.New[byte]('y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h')

	// fixedSizes maps the codes of fixed width types to their size
	// on the wire. Fixed width values are copied verbatim by
	// cross-marshalling.
	fixedSizes = map[byte]int{
		'y': 1,
		'b': 4,
		'n': 2,
		'q': 2,
		'i': 4,
		'u': 4,
		'x': 8,
		't': 8,
		'd': 8,
		'h': 4,
	}
)

func init() {
	for s, t := range strToType {
		typeToStr[t] = s
	}
}

// isFixedCopyable reports whether values of the given type code can
// be copied as raw bytes between messages. File descriptors are
// fixed width, but their wire value is an index into the message's
// out of band file list, so they must be translated.
func isFixedCopyable(code byte) bool {
	_, ok := fixedSizes[code]
	return ok && code != 'h'
}

// alignment returns the wire alignment of values of the given type
// code.
func alignment(code byte) int {
	switch code {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 'h', 's', 'o', 'a':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	default:
		return 1
	}
}

// BuiltinTypes returns the Go types that map natively to DBus types,
// sorted by signature.
func BuiltinTypes() []TypeEntry {
	ret := make([]TypeEntry, 0, len(strToType))
	for s, t := range strToType {
		ret = append(ret, TypeEntry{t, Signature{s}, true})
	}
	slices.SortFunc(ret, func(a, b TypeEntry) int {
		return strings.Compare(a.Signature.str, b.Signature.str)
	})
	return ret
}
