package dbusarg

import (
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/danderson/dbusarg/fragments"
	"go.uber.org/zap"
)

// closeCode is the kind of container a Marshaller or Demarshaller
// frame represents, and thus the operation that must close it.
type closeCode byte

const (
	closeNone closeCode = iota
	closeArray
	closeMap
	closeStruct
	closeMapEntry
	closeVariant
)

func (c closeCode) String() string {
	switch c {
	case closeNone:
		return "message"
	case closeArray:
		return "array"
	case closeMap:
		return "map"
	case closeStruct:
		return "structure"
	case closeMapEntry:
		return "map entry"
	case closeVariant:
		return "variant"
	default:
		return fmt.Sprintf("closeCode(%d)", byte(c))
	}
}

// sink is the output shared by a root Marshaller and all its
// children.
type sink struct {
	// enc is the message body being written, or nil when only
	// probing a type's signature.
	enc *fragments.Encoder
	// sig accumulates the signature of the values written at the top
	// level, or of the probed type.
	sig   strings.Builder
	files []*os.File

	reg     *Registry
	unixFDs bool
	log     *zap.Logger

	// stack is the registered types currently being marshaled, to
	// reject types that contain themselves.
	stack []reflect.Type
}

// A Marshaller writes values in the DBus wire format.
//
// A root Marshaller, created with [NewMarshaller], writes the body of
// one message. Opening a container with one of the Begin methods
// returns a child Marshaller to which the container's contents must
// be written. The child must then be closed with the matching End
// method before anything else is written to its parent.
//
// Errors are latched: the first failing operation records its error
// on the Marshaller and on all its ancestors, and every subsequent
// operation does nothing. Callers need only check [Marshaller.Err] on
// the root once they are done. A failed Marshaller leaves the bytes
// already written in place, so a message whose marshaling failed
// must be discarded as a whole.
//
// A Marshaller is not safe for concurrent use.
type Marshaller struct {
	sink   *sink
	parent *Marshaller
	// child is the currently open container, if any.
	child *Marshaller
	close closeCode

	// skipSignature suppresses writing type codes to sink.sig. It is
	// set inside arrays and variants, whose element signature was
	// written when the container was opened.
	skipSignature bool

	// constrained reports whether the values this frame accepts are
	// dictated by an enclosing signature. If so, elem (for arrays
	// and maps) or want (for everything else) holds it.
	constrained bool
	elem        string
	want        string

	mark   fragments.ArrayMark
	count  int
	closed bool
	err    error
}

// NewMarshaller returns a Marshaller that writes a new message body.
func NewMarshaller(opts Options) *Marshaller {
	return &Marshaller{
		sink: &sink{
			enc:     &fragments.Encoder{Order: opts.order()},
			reg:     opts.registry(),
			unixFDs: opts.UnixFDs,
			log:     opts.logger(),
		},
	}
}

// newProbeMarshaller returns a Marshaller that records the type
// codes of the values written to it, without writing any values.
func newProbeMarshaller(r *Registry, stack []reflect.Type) *Marshaller {
	return &Marshaller{
		sink: &sink{
			reg:   r,
			log:   r.logger(),
			stack: stack,
		},
	}
}

// probing reports whether m only records signatures.
func (m *Marshaller) probing() bool {
	return m.sink.enc == nil
}

// Err returns the first error encountered by m or any of its
// children.
func (m *Marshaller) Err() error {
	return m.err
}

// fail records err on m and all its ancestors, unless they already
// failed.
func (m *Marshaller) fail(err error) {
	if m.err != nil {
		return
	}
	for f := m; f != nil; f = f.parent {
		if f.err == nil {
			f.err = err
		}
	}
	m.sink.log.Debug("marshal failed", zap.Stringer("container", m.close), zap.Error(err))
}

func (m *Marshaller) failf(sentinel error, msg string, args ...any) {
	m.fail(fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(msg, args...)))
}

// usable reports whether values can be written to m.
func (m *Marshaller) usable() bool {
	switch {
	case m.err != nil:
		return false
	case m.closed:
		m.failf(ErrUnbalancedContainer, "write to closed %s", m.close)
		return false
	case m.child != nil:
		m.failf(ErrUnbalancedContainer, "write to %s while a child %s is open", m.close, m.child.close)
		return false
	}
	return true
}

// nextType returns the signature the next value written to m must
// have, and consumes it. It returns "" if m is not constrained.
func (m *Marshaller) nextType() (string, bool) {
	if !m.constrained {
		return "", true
	}
	if m.close == closeArray || m.close == closeMap {
		return m.elem, true
	}
	if m.want == "" {
		m.failf(ErrTypeMismatch, "too many values in %s", m.close)
		return "", false
	}
	next, rest := splitType(m.want)
	m.want = rest
	return next, true
}

// enter checks that a value of the given complete type can be
// written next, and records its signature.
func (m *Marshaller) enter(sig string) bool {
	if !m.usable() {
		return false
	}
	next, ok := m.nextType()
	if !ok {
		return false
	}
	if m.constrained && next != sig {
		m.failf(ErrTypeMismatch, "cannot write %q to %s, expected %q", sig, m.close, next)
		return false
	}
	if !m.skipSignature {
		m.sink.sig.WriteString(sig)
	}
	m.count++
	return true
}

func (m *Marshaller) appendFixed(code byte, v uint64) {
	if !m.enter(string(code)) {
		return
	}
	if e := m.sink.enc; e != nil {
		e.Uint(fixedSizes[code], v)
	}
}

// AppendByte writes a byte.
func (m *Marshaller) AppendByte(v uint8) { m.appendFixed('y', uint64(v)) }

// AppendBool writes a boolean.
func (m *Marshaller) AppendBool(v bool) {
	var u uint64
	if v {
		u = 1
	}
	m.appendFixed('b', u)
}

// AppendInt16 writes an int16.
func (m *Marshaller) AppendInt16(v int16) { m.appendFixed('n', uint64(uint16(v))) }

// AppendUint16 writes a uint16.
func (m *Marshaller) AppendUint16(v uint16) { m.appendFixed('q', uint64(v)) }

// AppendInt32 writes an int32.
func (m *Marshaller) AppendInt32(v int32) { m.appendFixed('i', uint64(uint32(v))) }

// AppendUint32 writes a uint32.
func (m *Marshaller) AppendUint32(v uint32) { m.appendFixed('u', uint64(v)) }

// AppendInt64 writes an int64.
func (m *Marshaller) AppendInt64(v int64) { m.appendFixed('x', uint64(v)) }

// AppendUint64 writes a uint64.
func (m *Marshaller) AppendUint64(v uint64) { m.appendFixed('t', v) }

// AppendDouble writes a float64.
func (m *Marshaller) AppendDouble(v float64) { m.appendFixed('d', math.Float64bits(v)) }

// AppendString writes a string. Strings that are not valid UTF-8,
// or that contain NUL bytes, fail with [ErrInvalidValue].
func (m *Marshaller) AppendString(v string) {
	if err := validString(v); err != nil {
		m.fail(err)
		return
	}
	if !m.enter("s") {
		return
	}
	if e := m.sink.enc; e != nil {
		e.String(v)
	}
}

// validString checks that s can travel as a DBus string.
func validString(s string) error {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return fmt.Errorf("%w: string has a NUL byte at offset %d", ErrInvalidValue, i)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: string %q is not valid UTF-8", ErrInvalidValue, s)
	}
	return nil
}

// AppendObjectPath writes an object path. Empty or malformed paths
// fail with [ErrInvalidValue].
func (m *Marshaller) AppendObjectPath(v ObjectPath) {
	if !m.probing() {
		if err := v.validate(); err != nil {
			m.fail(err)
			return
		}
	}
	if !m.enter("o") {
		return
	}
	if e := m.sink.enc; e != nil {
		e.String(string(v))
	}
}

// AppendSignature writes a type signature. The zero Signature fails
// with [ErrInvalidValue].
func (m *Marshaller) AppendSignature(v Signature) {
	if !m.probing() && v.IsZero() {
		m.failf(ErrInvalidValue, "empty signature")
		return
	}
	if !m.enter("g") {
		return
	}
	if e := m.sink.enc; e != nil {
		e.Signature(v.str)
	}
}

// AppendBytes writes a byte array.
func (m *Marshaller) AppendBytes(v []byte) {
	if !m.enter("ay") {
		return
	}
	if e := m.sink.enc; e != nil {
		e.Bytes(v)
	}
}

// AppendStrings writes a string array.
func (m *Marshaller) AppendStrings(v []string) {
	a := m.BeginArray(Signature{"s"})
	for _, s := range v {
		a.AppendString(s)
	}
	a.EndArray()
}

// AppendVariant writes v as a variant.
//
// The variant's signature is taken from v.Value if it is a
// [RawValue], and computed from v.Value's type otherwise. A nil
// v.Value fails with [ErrInvalidValue].
func (m *Marshaller) AppendVariant(v Variant) {
	if m.probing() {
		// Only the structure matters, and probing marshals zero
		// values, whose variants are empty.
		m.enter("v")
		return
	}
	if v.Value == nil {
		m.failf(ErrInvalidValue, "variant with no value")
		return
	}
	var sig Signature
	switch x := v.Value.(type) {
	case RawValue:
		sig = x.sig
	case *RawValue:
		sig = x.sig
	default:
		var err error
		sig, err = m.sink.reg.signatureFor(reflect.TypeOf(v.Value), m.sink.stack)
		if err != nil {
			m.fail(err)
			return
		}
	}
	c := m.beginVariant(sig)
	c.Append(v.Value)
	c.endVariant()
}

// beginVariant opens a variant holding a value of type sig.
func (m *Marshaller) beginVariant(sig Signature) *Marshaller {
	if !sig.IsSingle() {
		m.failf(ErrInvalidValue, "variant signature %q is not a single complete type", sig)
		return m.failedChild(closeVariant)
	}
	if !m.enter("v") {
		return m.failedChild(closeVariant)
	}
	if e := m.sink.enc; e != nil {
		e.Signature(sig.str)
	}
	c := m.newChild(closeVariant, true)
	c.constrained, c.want = true, sig.str
	return c
}

func (m *Marshaller) endVariant() {
	m.end(closeVariant)
}

func (m *Marshaller) newChild(close closeCode, skipSignature bool) *Marshaller {
	c := &Marshaller{
		sink:          m.sink,
		parent:        m,
		close:         close,
		skipSignature: skipSignature,
	}
	m.child = c
	return c
}

// failedChild returns a detached child that carries m's error, so
// that callers can write to and close it without checking for
// failure after every Begin.
func (m *Marshaller) failedChild(close closeCode) *Marshaller {
	return &Marshaller{
		sink:   m.sink,
		parent: m,
		close:  close,
		err:    m.err,
	}
}

// BeginStructure opens a struct. Its fields must be written to the
// returned Marshaller, which must then be closed with
// [Marshaller.EndStructure].
func (m *Marshaller) BeginStructure() *Marshaller {
	if !m.usable() {
		return m.failedChild(closeStruct)
	}
	next, ok := m.nextType()
	if !ok {
		return m.failedChild(closeStruct)
	}
	if m.constrained && next[0] != '(' {
		m.failf(ErrTypeMismatch, "cannot write a structure to %s, expected %q", m.close, next)
		return m.failedChild(closeStruct)
	}
	if !m.skipSignature {
		m.sink.sig.WriteByte('(')
	}
	m.count++
	if e := m.sink.enc; e != nil {
		e.Pad(8)
	}
	c := m.newChild(closeStruct, m.skipSignature)
	if m.constrained {
		c.constrained, c.want = true, next[1:len(next)-1]
	}
	return c
}

// EndStructure closes a struct opened with
// [Marshaller.BeginStructure].
func (m *Marshaller) EndStructure() {
	m.end(closeStruct)
}

// BeginArray opens an array whose elements have signature elem. The
// elements must be written to the returned Marshaller, which must
// then be closed with [Marshaller.EndArray].
func (m *Marshaller) BeginArray(elem Signature) *Marshaller {
	if !elem.IsSingle() {
		m.failf(ErrInvalidValue, "array element signature %q is not a single complete type", elem)
		return m.failedChild(closeArray)
	}
	return m.beginArray(closeArray, arrayOf(elem), elem.str)
}

// EndArray closes an array opened with [Marshaller.BeginArray].
func (m *Marshaller) EndArray() {
	m.end(closeArray)
}

// BeginMap opens a map from key to value. Each entry must be written
// to the returned Marshaller with [Marshaller.BeginMapEntry], and the
// map then closed with [Marshaller.EndMap].
//
// BeginMap fails with [ErrInvalidMapKeyType], without writing
// anything, if key is not a DBus basic type.
func (m *Marshaller) BeginMap(key, value Signature) *Marshaller {
	if !key.IsBasic() {
		m.failf(ErrInvalidMapKeyType, "map key type %q is not a basic type", key)
		return m.failedChild(closeMap)
	}
	if !value.IsSingle() {
		m.failf(ErrInvalidValue, "map value signature %q is not a single complete type", value)
		return m.failedChild(closeMap)
	}
	sig := dictOf(key, value)
	return m.beginArray(closeMap, sig, sig.str[1:])
}

// EndMap closes a map opened with [Marshaller.BeginMap].
func (m *Marshaller) EndMap() {
	m.end(closeMap)
}

func (m *Marshaller) beginArray(close closeCode, sig Signature, elem string) *Marshaller {
	if !m.enter(sig.str) {
		return m.failedChild(close)
	}
	c := m.newChild(close, true)
	c.constrained, c.elem = true, elem
	if e := m.sink.enc; e != nil {
		c.mark = e.BeginArray(alignment(elem[0]))
	}
	return c
}

// BeginMapEntry opens an entry of a map opened with
// [Marshaller.BeginMap]. The entry's key and then its value must be
// written to the returned Marshaller, which must then be closed with
// [Marshaller.EndMapEntry].
func (m *Marshaller) BeginMapEntry() *Marshaller {
	if m.close != closeMap {
		m.failf(ErrUnbalancedContainer, "map entry outside of a map, in %s", m.close)
		return m.failedChild(closeMapEntry)
	}
	if !m.enter(m.elem) {
		return m.failedChild(closeMapEntry)
	}
	if e := m.sink.enc; e != nil {
		e.Pad(8)
	}
	c := m.newChild(closeMapEntry, true)
	c.constrained, c.want = true, m.elem[1:len(m.elem)-1]
	return c
}

// EndMapEntry closes a map entry opened with
// [Marshaller.BeginMapEntry].
func (m *Marshaller) EndMapEntry() {
	m.end(closeMapEntry)
}

// end closes m, which must be a container of kind close.
func (m *Marshaller) end(close closeCode) {
	p := m.parent
	switch {
	case p == nil:
		m.failf(ErrUnbalancedContainer, "cannot close %s, no container is open", close)
		return
	case m.closed:
		m.failf(ErrUnbalancedContainer, "%s closed twice", m.close)
		return
	case p.child != m:
		// Children handed out after a failure are not attached to
		// their parent, and can be closed freely.
		m.closed = true
		if m.err == nil {
			m.failf(ErrUnbalancedContainer, "closing %s that is not the innermost open container", m.close)
		}
		return
	case m.child != nil:
		m.failf(ErrUnbalancedContainer, "closing %s while a child %s is still open", m.close, m.child.close)
		return
	case m.close != close:
		m.failf(ErrUnbalancedContainer, "cannot close %s as a %s", m.close, close)
		return
	}
	m.closed = true
	p.child = nil
	if m.err != nil {
		return
	}

	switch close {
	case closeStruct, closeMapEntry, closeVariant:
		if m.constrained && m.want != "" {
			m.failf(ErrTypeMismatch, "%s is missing values of type %q", close, m.want)
			return
		}
		if m.count == 0 {
			m.failf(ErrInvalidValue, "empty %s", close)
			return
		}
		if close == closeStruct && !m.skipSignature {
			m.sink.sig.WriteByte(')')
		}
	case closeArray, closeMap:
		if e := m.sink.enc; e != nil {
			if err := e.EndArray(m.mark); err != nil {
				m.fail(fmt.Errorf("%w: %w", ErrInvalidValue, err))
			}
		}
	}
}

// Append writes v, choosing the DBus type from v's Go type.
//
// Builtin DBus types write the corresponding DBus value. Registered
// types are written by their registered [MarshalFunc]. Slices,
// arrays and maps write DBus arrays and dicts, with map entries in
// sorted key order. Pointers write the value pointed to, or the zero
// value if nil. Go types whose underlying kind is a DBus basic type
// write that basic type. A [RawValue] is copied verbatim from the
// message it was read from.
//
// All other types fail with [ErrUnregisteredType].
func (m *Marshaller) Append(v any) {
	switch x := v.(type) {
	case nil:
		m.failf(ErrInvalidValue, "cannot marshal nil")
	case uint8:
		m.AppendByte(x)
	case bool:
		m.AppendBool(x)
	case int16:
		m.AppendInt16(x)
	case uint16:
		m.AppendUint16(x)
	case int32:
		m.AppendInt32(x)
	case uint32:
		m.AppendUint32(x)
	case int64:
		m.AppendInt64(x)
	case uint64:
		m.AppendUint64(x)
	case float64:
		m.AppendDouble(x)
	case string:
		m.AppendString(x)
	case ObjectPath:
		m.AppendObjectPath(x)
	case Signature:
		m.AppendSignature(x)
	case *os.File:
		m.AppendUnixFD(x)
	case Variant:
		m.AppendVariant(x)
	case []byte:
		m.AppendBytes(x)
	case []string:
		m.AppendStrings(x)
	case RawValue:
		m.appendRaw(&x)
	case *RawValue:
		m.appendRaw(x)
	default:
		m.appendValue(reflect.ValueOf(v))
	}
}

// appendValue writes the value held by rv. Unlike Append, it
// preserves whether rv came from an interface-typed location, which
// marshals as a variant.
func (m *Marshaller) appendValue(rv reflect.Value) {
	if !rv.IsValid() {
		m.failf(ErrInvalidValue, "cannot marshal nil")
		return
	}
	t := rv.Type()
	if t.Kind() == reflect.Interface {
		var inner any
		if !rv.IsNil() {
			inner = rv.Elem().Interface()
		}
		m.AppendVariant(Variant{inner})
		return
	}
	if _, builtin := typeToStr[t]; (builtin && t.Kind() != reflect.Slice) || t == rawValueType {
		m.Append(rv.Interface())
		return
	}
	if m.sink.reg.IsRegistered(t) {
		m.appendRegisteredType(rv.Interface())
		return
	}

	switch t.Kind() {
	case reflect.Bool:
		m.AppendBool(rv.Bool())
	case reflect.Uint8:
		m.AppendByte(uint8(rv.Uint()))
	case reflect.Int16:
		m.AppendInt16(int16(rv.Int()))
	case reflect.Uint16:
		m.AppendUint16(uint16(rv.Uint()))
	case reflect.Int32:
		m.AppendInt32(int32(rv.Int()))
	case reflect.Uint32:
		m.AppendUint32(uint32(rv.Uint()))
	case reflect.Int64:
		m.AppendInt64(rv.Int())
	case reflect.Uint64:
		m.AppendUint64(rv.Uint())
	case reflect.Float64:
		m.AppendDouble(rv.Float())
	case reflect.String:
		m.AppendString(rv.String())
	case reflect.Pointer:
		if rv.IsNil() {
			m.appendValue(reflect.Zero(t.Elem()))
		} else {
			m.appendValue(rv.Elem())
		}
	case reflect.Slice, reflect.Array:
		m.appendArray(rv)
	case reflect.Map:
		m.appendMap(rv)
	default:
		if _, err := m.sink.reg.signatureFor(t, m.sink.stack); err != nil {
			m.fail(err)
		} else {
			m.fail(unregistered(t))
		}
	}
}

func (m *Marshaller) appendArray(rv reflect.Value) {
	t := rv.Type()
	if t.Elem().Kind() == reflect.Uint8 && !m.sink.reg.IsRegistered(t.Elem()) {
		bs := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(bs), rv)
		m.AppendBytes(bs)
		return
	}
	es, err := m.sink.reg.signatureFor(t.Elem(), m.sink.stack)
	if err != nil {
		m.fail(err)
		return
	}
	a := m.BeginArray(es)
	for i := 0; i < rv.Len() && a.err == nil; i++ {
		a.appendValue(rv.Index(i))
	}
	a.EndArray()
}

func (m *Marshaller) appendMap(rv reflect.Value) {
	t := rv.Type()
	ks, err := m.sink.reg.signatureFor(t.Key(), m.sink.stack)
	if err != nil {
		m.fail(err)
		return
	}
	if !ks.IsBasic() {
		m.fail(typeErr(t, "%w: map key signature %q is not a basic type", ErrInvalidMapKeyType, ks))
		return
	}
	vs, err := m.sink.reg.signatureFor(t.Elem(), m.sink.stack)
	if err != nil {
		m.fail(err)
		return
	}

	keys := rv.MapKeys()
	slices.SortFunc(keys, mapKeyCmp(t.Key()))
	d := m.BeginMap(ks, vs)
	for _, k := range keys {
		if d.err != nil {
			break
		}
		e := d.BeginMapEntry()
		e.appendValue(k)
		e.appendValue(rv.MapIndex(k))
		e.EndMapEntry()
	}
	d.EndMap()
}

// appendRegisteredType writes v using the MarshalFunc registered for
// its type. The function is handed m itself, and must write exactly
// one value, leaving every container it opens closed.
func (m *Marshaller) appendRegisteredType(v any) {
	if !m.usable() {
		return
	}
	t := reflect.TypeOf(v)
	if slices.Contains(m.sink.stack, t) {
		m.fail(typeErr(t, "%w: recursive type", ErrUnregisteredType))
		return
	}
	if !m.probing() {
		// Resolve the signature first, which rejects types DBus
		// cannot represent before anything is written.
		if _, err := m.sink.reg.signatureFor(t, m.sink.stack); err != nil {
			m.fail(err)
			return
		}
	}

	m.sink.stack = append(m.sink.stack, t)
	defer func() { m.sink.stack = m.sink.stack[:len(m.sink.stack)-1] }()

	before := m.count
	if err := m.sink.reg.Marshall(m, v); err != nil {
		m.fail(err)
		return
	}
	switch {
	case m.err != nil:
	case m.child != nil:
		m.fail(typeErr(t, "%w: marshal function left a %s open", ErrUnbalancedContainer, m.child.close))
	case m.count != before+1:
		m.fail(typeErr(t, "%w: marshal function wrote %d values, want 1", ErrTypeMismatch, m.count-before))
	}
}

// Message returns the message written by m. It fails if m is not a
// root Marshaller, if any marshaling failed, or if a container is
// still open.
func (m *Marshaller) Message() (*Message, error) {
	switch {
	case m.parent != nil:
		return nil, fmt.Errorf("%w: Message called on a %s, not on the root Marshaller", ErrUnbalancedContainer, m.close)
	case m.err != nil:
		return nil, m.err
	case m.child != nil:
		return nil, fmt.Errorf("%w: %s still open", ErrUnbalancedContainer, m.child.close)
	case m.probing():
		return nil, errors.New("cannot produce a message from a signature probe")
	}
	sig, err := ParseSignature(m.sink.sig.String())
	if err != nil {
		// Can't happen, every write validates its signature.
		return nil, err
	}
	return &Message{
		Order:     m.sink.enc.Order,
		Signature: sig,
		Body:      m.sink.enc.Out,
		Files:     m.sink.files,
	}, nil
}
