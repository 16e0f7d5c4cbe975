package dbusarg

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/creachadair/mds/value"
	"go.uber.org/zap"
)

// A Describer is a type that can report its own DBus signature.
//
// SignatureDBus is invoked on the zero value of the type, and must
// return a constant single complete type. Registered types that
// implement Describer skip signature inference.
type Describer interface {
	SignatureDBus() Signature
}

var describerType = reflect.TypeFor[Describer]()

// SignatureFor returns the Signature of type T, using
// [DefaultRegistry] to resolve user types.
func SignatureFor[T any]() (Signature, error) {
	return DefaultRegistry.SignatureFor(reflect.TypeFor[T]())
}

// SignatureOf returns the Signature of v, using [DefaultRegistry] to
// resolve user types.
func SignatureOf(v any) (Signature, error) {
	return DefaultRegistry.SignatureFor(reflect.TypeOf(v))
}

// SignatureFor returns the Signature of t.
//
// Builtin types have fixed signatures. Registered types use the
// signature they were registered with, the signature reported by
// their [Describer] implementation, or failing that a signature
// inferred by marshaling the type's zero value and recording the
// structure it produces. Slices, arrays and maps of known types, and
// Go types whose underlying kind is a DBus basic type, are also
// supported. Empty interfaces map to variants.
//
// Signatures are memoized, so the cost of inference is paid at most
// once per type.
func (r *Registry) SignatureFor(t reflect.Type) (Signature, error) {
	return r.signatureFor(t, nil)
}

// signatureFor is SignatureFor, with a stack of types whose signature
// is being computed further up the call stack, to reject recursive
// types.
func (r *Registry) signatureFor(t reflect.Type, stack []reflect.Type) (Signature, error) {
	if t == nil {
		return Signature{}, typeErr(t, "%w: nil interface", ErrUnregisteredType)
	}
	if s, ok := typeToStr[t]; ok {
		return Signature{s}, nil
	}

	ti, registered, gen := r.lookupGen(t)
	if registered {
		if sig, ok := ti.sig.GetOK(); ok {
			return sig, nil
		}
	} else if sig, ok := r.derived.Load(t); ok {
		return sig, nil
	}

	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "%w: recursive type", ErrUnregisteredType)
	}
	stack = append(slices.Clip(stack), t)

	var (
		sig Signature
		err error
	)
	switch {
	case implementsDescriber(t):
		sig, err = describe(t)
	case registered && ti.marshal != nil:
		sig, err = r.infer(t, ti.marshal, stack)
	case registered:
		// Registered without a signature or functions, can't happen
		// through the public API.
		err = unregistered(t)
	default:
		sig, err = r.deriveSignature(t, stack)
	}
	if err != nil {
		return Signature{}, err
	}

	r.memoize(t, sig, registered, gen)
	return sig, nil
}

// memoize stores the signature computed for t, unless a registration
// happened since gen. Two goroutines may compute the same signature
// concurrently, in which case both store the same value.
func (r *Registry) memoize(t reflect.Type, sig Signature, registered bool, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return
	}
	if !registered {
		r.derived.Store(t, sig)
		return
	}
	ti, ok := r.types[t]
	if !ok {
		return
	}
	if _, known := ti.sig.GetOK(); known {
		return
	}
	ti.sig = value.Just(sig)
	r.types[t] = ti
}

func implementsDescriber(t reflect.Type) bool {
	return t.Implements(describerType) || reflect.PointerTo(t).Implements(describerType)
}

func describe(t reflect.Type) (Signature, error) {
	var d Describer
	if t.Implements(describerType) {
		d = reflect.Zero(t).Interface().(Describer)
	} else {
		d = reflect.New(t).Interface().(Describer)
	}
	sig := d.SignatureDBus()
	if !sig.IsSingle() {
		return Signature{}, typeErr(t, "%w: SignatureDBus returned %q, which is not a single complete type", ErrInvalidValue, sig)
	}
	return sig, nil
}

// infer computes t's signature by marshaling its zero value with fn
// into a Marshaller that records type codes instead of writing
// values.
func (r *Registry) infer(t reflect.Type, fn MarshalFunc, stack []reflect.Type) (Signature, error) {
	m := newProbeMarshaller(r, stack)
	if err := fn(m, reflect.Zero(t).Interface()); err != nil {
		return Signature{}, fmt.Errorf("inferring signature of %s: %w", t, err)
	}
	if err := m.Err(); err != nil {
		return Signature{}, fmt.Errorf("inferring signature of %s: %w", t, err)
	}
	if m.child != nil {
		return Signature{}, typeErr(t, "%w: marshal function left a container open", ErrUnbalancedContainer)
	}
	str := m.sink.sig.String()
	sig, err := ParseSignature(str)
	if err != nil {
		return Signature{}, typeErr(t, "%w: marshal function produced invalid signature: %w", ErrInvalidValue, err)
	}
	if !sig.IsSingle() {
		return Signature{}, typeErr(t, "%w: marshal function produced signature %q, which is not a single complete type", ErrInvalidValue, str)
	}
	r.logger().Debug("inferred signature", zap.String("type", t.String()), zap.Stringer("signature", sig))
	return sig, nil
}

// deriveSignature computes the signature of unregistered types that
// map structurally onto DBus types.
func (r *Registry) deriveSignature(t reflect.Type, stack []reflect.Type) (Signature, error) {
	if s, ok := kindToStr[t.Kind()]; ok {
		return Signature{s}, nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Uint:
		return Signature{}, typeErr(t, "%w: int and uint aren't portable, use fixed width integers", ErrUnregisteredType)
	case reflect.Int8:
		return Signature{}, typeErr(t, "%w: int8 has no corresponding DBus type, use uint8 instead", ErrUnregisteredType)
	case reflect.Float32:
		return Signature{}, typeErr(t, "%w: float32 has no corresponding DBus type, use float64 instead", ErrUnregisteredType)
	case reflect.Interface:
		return Signature{"v"}, nil
	case reflect.Pointer:
		return r.signatureFor(t.Elem(), stack)
	case reflect.Slice, reflect.Array:
		es, err := r.signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return arrayOf(es), nil
	case reflect.Map:
		ks, err := r.signatureFor(t.Key(), stack)
		if err != nil {
			return Signature{}, err
		}
		if !ks.IsBasic() {
			return Signature{}, typeErr(t, "%w: map key signature %q is not a basic type", ErrInvalidMapKeyType, ks)
		}
		vs, err := r.signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return dictOf(ks, vs), nil
	}
	return Signature{}, unregistered(t)
}
