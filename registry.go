package dbusarg

import (
	"cmp"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/value"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// A MarshalFunc writes v to m. v is always of the type the function
// was registered for.
type MarshalFunc func(m *Marshaller, v any) error

// A DemarshalFunc reads a value from d into v. v is always a non-nil
// pointer to the type the function was registered for.
type DemarshalFunc func(d *Demarshaller, v any) error

// typeInfo is what the Registry knows about a user type.
type typeInfo struct {
	// sig is absent until first computed by the signature engine,
	// unless provided at registration.
	sig       value.Maybe[Signature]
	marshal   MarshalFunc
	demarshal DemarshalFunc
}

// A Registry maps Go types to DBus signatures and marshaling
// functions.
//
// A Registry is safe for concurrent use. Registration takes an
// exclusive lock, lookups and dispatch a shared one.
type Registry struct {
	mu    sync.RWMutex
	types map[reflect.Type]typeInfo
	// gen counts registrations. Signatures computed under an older
	// generation are not memoized.
	gen uint64

	// derived memoizes signatures of types the registry doesn't hold
	// entries for, such as slices and maps of registered types.
	derived *xsync.Map[reflect.Type, Signature]

	log atomic.Pointer[zap.Logger]
}

// DefaultRegistry is the process-wide Registry, used by Marshallers
// and Demarshallers that are not given one explicitly.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty Registry. Builtin DBus types are
// always known and do not need registering.
func NewRegistry() *Registry {
	return &Registry{
		types:   map[reflect.Type]typeInfo{},
		derived: xsync.NewMap[reflect.Type, Signature](),
	}
}

func (r *Registry) logger() *zap.Logger {
	if l := r.log.Load(); l != nil {
		return l
	}
	return Logger()
}

// SetLogger sets the logger used for the registry's debug logs.
// A nil l reverts to the package logger.
func (r *Registry) SetLogger(l *zap.Logger) {
	r.log.Store(l)
}

// Register registers marshaling functions for t.
//
// Register does nothing if t is nil, an interface type, a builtin
// DBus type, or if either function is nil. Registering a type again
// replaces its functions, and forgets every computed signature that
// may depend on the old ones.
func (r *Registry) Register(t reflect.Type, marshal MarshalFunc, demarshal DemarshalFunc) {
	if !registrable(t) || marshal == nil || demarshal == nil {
		r.logger().Debug("ignoring invalid type registration", zap.String("type", typeName(t)))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t] = typeInfo{
		marshal:   marshal,
		demarshal: demarshal,
	}
	r.forgetSignaturesLocked()
	r.logger().Debug("registered type", zap.String("type", typeName(t)))
}

// RegisterCustomType records the signature of t without providing
// marshaling functions. It lets t be described, for example in
// introspection data, but marshaling t fails with
// [ErrUnregisteredType].
//
// RegisterCustomType does nothing if t is not registrable or sig is
// not a single complete type.
func (r *Registry) RegisterCustomType(t reflect.Type, sig Signature) {
	if !registrable(t) || !sig.IsSingle() {
		r.logger().Debug("ignoring invalid custom type registration", zap.String("type", typeName(t)), zap.Stringer("signature", sig))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t] = typeInfo{sig: value.Just(sig)}
	r.forgetSignaturesLocked()
	r.logger().Debug("registered custom type", zap.String("type", typeName(t)), zap.Stringer("signature", sig))
}

// forgetSignaturesLocked drops all computed signatures, since any of
// them may embed the signature of a type whose registration just
// changed. Signatures given at registration are kept. r.mu must be
// held exclusively.
func (r *Registry) forgetSignaturesLocked() {
	r.gen++
	r.derived.Clear()
	for t, ti := range r.types {
		if ti.marshal != nil {
			ti.sig = value.Maybe[Signature]{}
			r.types[t] = ti
		}
	}
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "nil"
	}
	return t.String()
}

func registrable(t reflect.Type) bool {
	if t == nil || t.Kind() == reflect.Interface {
		return false
	}
	if _, builtin := typeToStr[t]; builtin {
		return false
	}
	return t != rawValueType
}

// RegisterType registers typed marshaling functions for T in r. If r
// is nil, [DefaultRegistry] is used.
func RegisterType[T any](r *Registry, marshal func(*Marshaller, T) error, demarshal func(*Demarshaller, *T) error) {
	if r == nil {
		r = DefaultRegistry
	}
	if marshal == nil || demarshal == nil {
		r.Register(reflect.TypeFor[T](), nil, nil)
		return
	}
	r.Register(reflect.TypeFor[T](),
		func(m *Marshaller, v any) error { return marshal(m, v.(T)) },
		func(d *Demarshaller, v any) error { return demarshal(d, v.(*T)) })
}

// RegisterCustomType records sig as the signature of T in r. If r is
// nil, [DefaultRegistry] is used.
func RegisterCustomType[T any](r *Registry, sig Signature) {
	if r == nil {
		r = DefaultRegistry
	}
	r.RegisterCustomType(reflect.TypeFor[T](), sig)
}

func (r *Registry) lookup(t reflect.Type) (typeInfo, bool) {
	ti, ok, _ := r.lookupGen(t)
	return ti, ok
}

// lookupGen is lookup, and also returns the registration generation
// the answer is valid for.
func (r *Registry) lookupGen(t reflect.Type) (typeInfo, bool, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ti, ok := r.types[t]
	return ti, ok, r.gen
}

// IsRegistered reports whether t has marshaling functions in r.
func (r *Registry) IsRegistered(t reflect.Type) bool {
	ti, ok := r.lookup(t)
	return ok && ti.marshal != nil
}

// Marshall marshals v into m using the functions registered for v's
// type. It returns [ErrUnregisteredType] if v's type has no
// registered functions.
//
// The marshaling function is looked up under the registry's shared
// lock, but called after the lock is released, so that it can
// marshal other registered types.
func (r *Registry) Marshall(m *Marshaller, v any) error {
	t := reflect.TypeOf(v)
	ti, ok := r.lookup(t)
	if !ok || ti.marshal == nil {
		return unregistered(t)
	}
	return ti.marshal(m, v)
}

// Demarshall demarshals a value from d into ptr using the functions
// registered for ptr's element type. ptr must be a non-nil pointer.
func (r *Registry) Demarshall(d *Demarshaller, ptr any) error {
	pt := reflect.TypeOf(ptr)
	if pt == nil || pt.Kind() != reflect.Pointer || reflect.ValueOf(ptr).IsNil() {
		return typeErr(pt, "%w: demarshal target must be a non-nil pointer", ErrInvalidValue)
	}
	ti, ok := r.lookup(pt.Elem())
	if !ok || ti.demarshal == nil {
		return unregistered(pt.Elem())
	}
	return ti.demarshal(d, ptr)
}

// TypeToSignature returns the signature of t, or the zero Signature
// if t is neither a builtin DBus type nor a type with a known
// signature in r.
//
// Unlike [Registry.SignatureFor], TypeToSignature never infers
// signatures.
func (r *Registry) TypeToSignature(t reflect.Type) Signature {
	if s, ok := typeToStr[t]; ok {
		return Signature{s}
	}
	ti, ok := r.lookup(t)
	if !ok {
		return Signature{}
	}
	sig, _ := ti.sig.GetOK()
	return sig
}

// SignatureToType returns the Go type that represents values of the
// given signature, or nil if no type is known.
//
// Builtin basic types and the arrays "ay", "as", "av", "ao" and "ag"
// map to their builtin Go types. Other signatures map to the
// registered type with that signature, if any. If several registered
// types share a signature, the one whose name sorts first is
// returned.
func (r *Registry) SignatureToType(sig Signature) reflect.Type {
	if t, ok := strToType[sig.str]; ok {
		return t
	}
	if sig.IsZero() {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ret reflect.Type
	for t, ti := range r.types {
		if s, ok := ti.sig.GetOK(); !ok || s != sig {
			continue
		}
		if ret == nil || t.String() < ret.String() {
			ret = t
		}
	}
	return ret
}

// A TypeEntry describes a type known to a Registry.
type TypeEntry struct {
	Type      reflect.Type
	Signature Signature
	// Marshalable reports whether the type has marshaling
	// functions, as opposed to only a signature.
	Marshalable bool
}

// Types returns the types registered in r, sorted by name. Types
// whose signature has not been computed yet have a zero Signature.
func (r *Registry) Types() []TypeEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]TypeEntry, 0, len(r.types))
	for t, ti := range r.types {
		sig, _ := ti.sig.GetOK()
		ret = append(ret, TypeEntry{t, sig, ti.marshal != nil})
	}
	slices.SortFunc(ret, func(a, b TypeEntry) int {
		return cmp.Compare(a.Type.String(), b.Type.String())
	})
	return ret
}
