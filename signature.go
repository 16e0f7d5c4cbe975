package dbusarg

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// maxSignatureLen is the longest type signature DBus allows.
const maxSignatureLen = 255

// A Signature describes the type of zero or more DBus values.
//
// The zero Signature is valid, and describes a void value. Non-zero
// Signatures can only be obtained from [ParseSignature] and the
// signature engine, and are always well-formed.
type Signature struct {
	str string
}

type parsedSignature struct {
	sig Signature
	err error
}

var parsedSignatures = xsync.NewMap[string, parsedSignature]()

// ParseSignature parses a DBus type signature string.
func ParseSignature(sig string) (Signature, error) {
	if ret, ok := parsedSignatures.Load(sig); ok {
		return ret.sig, ret.err
	}
	err := validateSignature(sig)
	if err != nil {
		err = fmt.Errorf("invalid type signature %q: %w", sig, err)
	}
	ret := parsedSignature{Signature{sig}, err}
	if err != nil {
		ret.sig = Signature{}
	}
	parsedSignatures.Store(sig, ret)
	return ret.sig, ret.err
}

// MustParseSignature is like [ParseSignature], but panics if sig is
// invalid. It is intended for signatures that are constant in the
// program.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

func validateSignature(sig string) error {
	if len(sig) > maxSignatureLen {
		return fmt.Errorf("signature is %d bytes, longer than the maximum %d", len(sig), maxSignatureLen)
	}
	rest := sig
	for rest != "" {
		var err error
		if rest, err = validateOne(rest, false); err != nil {
			return err
		}
	}
	return nil
}

// validateOne checks that sig starts with a complete type, and
// returns the remainder of the signature after that type.
func validateOne(sig string, inArray bool) (rest string, err error) {
	if sig == "" {
		return "", errors.New("missing type")
	}
	if basicCodes.Has(sig[0]) || sig[0] == 'v' {
		return sig[1:], nil
	}

	switch sig[0] {
	case 'a':
		return validateOne(sig[1:], true)
	case '(':
		rest = sig[1:]
		n := 0
		for rest != "" && rest[0] != ')' {
			if rest, err = validateOne(rest, false); err != nil {
				return "", err
			}
			n++
		}
		if rest == "" {
			return "", errors.New("missing closing ) in struct definition")
		}
		if n == 0 {
			return "", errors.New("empty struct")
		}
		return rest[1:], nil
	case '{':
		if !inArray {
			return "", errors.New("dict entry type found outside array")
		}
		if len(sig) < 2 || !basicCodes.Has(sig[1]) {
			return "", errors.New("dict entry key must be a basic type")
		}
		rest, err = validateOne(sig[2:], false)
		if err != nil {
			return "", err
		}
		if rest == "" || rest[0] != '}' {
			return "", errors.New("dict entry must have exactly one key and one value type")
		}
		return rest[1:], nil
	case ')':
		return "", errors.New("unexpected ) outside struct definition")
	case '}':
		return "", errors.New("unexpected } outside dict entry definition")
	default:
		return "", fmt.Errorf("unknown type specifier %q", sig[0])
	}
}

// splitType splits a well-formed signature into its first complete
// type and the remainder.
func splitType(sig string) (head, rest string) {
	depth := 0
	for i := 0; i < len(sig); i++ {
		switch sig[i] {
		case 'a':
			continue
		case '(', '{':
			depth++
		case ')', '}':
			depth--
		}
		if depth == 0 {
			return sig[:i+1], sig[i+1:]
		}
	}
	return sig, ""
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is the zero value. A zero
// Signature describes a void value.
func (s Signature) IsZero() bool {
	return s.str == ""
}

// IsSingle reports whether the signature describes exactly one
// complete type.
func (s Signature) IsSingle() bool {
	if s.str == "" {
		return false
	}
	_, rest := splitType(s.str)
	return rest == ""
}

// IsBasic reports whether the signature is a single DBus basic type,
// which are the types that can be used as dict entry keys.
func (s Signature) IsBasic() bool {
	return len(s.str) == 1 && basicCodes.Has(s.str[0])
}

// IsContainer reports whether the signature is a single array,
// struct, variant or dict entry type.
func (s Signature) IsContainer() bool {
	return s.IsSingle() && !s.IsBasic()
}

// Alignment returns the wire alignment of the signature's first
// type, or 1 for the zero Signature.
func (s Signature) Alignment() int {
	if s.str == "" {
		return 1
	}
	return alignment(s.str[0])
}

// Types iterates over the complete types in the signature.
func (s Signature) Types() iter.Seq[Signature] {
	return func(yield func(Signature) bool) {
		rest := s.str
		for rest != "" {
			var head string
			head, rest = splitType(rest)
			if !yield(Signature{head}) {
				return
			}
		}
	}
}

// Elem returns the element signature of an array signature, or the
// zero Signature if s is not an array.
func (s Signature) Elem() Signature {
	if !s.IsSingle() || s.str[0] != 'a' {
		return Signature{}
	}
	return Signature{s.str[1:]}
}

// Fields returns the signatures of the fields of a struct or dict
// entry signature, or nil if s is neither.
func (s Signature) Fields() []Signature {
	if !s.IsSingle() || (s.str[0] != '(' && s.str[0] != '{') {
		return nil
	}
	var ret []Signature
	for f := range (Signature{s.str[1 : len(s.str)-1]}).Types() {
		ret = append(ret, f)
	}
	return ret
}

// arrayOf returns the signature of an array of elem.
func arrayOf(elem Signature) Signature {
	return Signature{"a" + elem.str}
}

// dictOf returns the signature of a dict mapping key to val.
func dictOf(key, val Signature) Signature {
	return Signature{"a{" + key.str + val.str + "}"}
}

// structOf returns the signature of a struct with the given fields.
func structOf(fields ...Signature) Signature {
	var b strings.Builder
	b.WriteByte('(')
	for _, f := range fields {
		b.WriteString(f.str)
	}
	b.WriteByte(')')
	return Signature{b.String()}
}
