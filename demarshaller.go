package dbusarg

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"slices"

	"github.com/danderson/dbusarg/fragments"
	"go.uber.org/zap"
)

// ElementType classifies the value under a Demarshaller's cursor.
type ElementType int

const (
	// InvalidType means there is no value under the cursor, either
	// because the container is exhausted or because of an error.
	InvalidType ElementType = iota
	BasicType
	VariantType
	ArrayType
	StructureType
	MapType
	MapEntryType
)

func (t ElementType) String() string {
	switch t {
	case InvalidType:
		return "invalid"
	case BasicType:
		return "basic"
	case VariantType:
		return "variant"
	case ArrayType:
		return "array"
	case StructureType:
		return "structure"
	case MapType:
		return "map"
	case MapEntryType:
		return "map entry"
	default:
		return fmt.Sprintf("ElementType(%d)", int(t))
	}
}

// source is the input shared by a root Demarshaller and all its
// children.
type source struct {
	dec   *fragments.Decoder
	files []*os.File
	reg   *Registry
	log   *zap.Logger
}

// A Demarshaller reads values in the DBus wire format.
//
// A root Demarshaller, created with [NewDemarshaller], reads the body
// of one message. Entering a container with one of the Begin methods
// returns a child Demarshaller that reads the container's contents.
// The child must be closed with the matching End method before
// reading continues in the parent. Closing a container skips any of
// its contents that were not read.
//
// Like [Marshaller], errors are latched on the failing Demarshaller
// and all its ancestors, and read methods return zero values once an
// error occurred.
//
// A Demarshaller is not safe for concurrent use.
type Demarshaller struct {
	src    *source
	parent *Demarshaller
	child  *Demarshaller
	close  closeCode

	// sig is the signature of the values remaining in this frame,
	// for frames other than arrays and maps.
	sig string
	// elem is the element signature of array and map frames, and
	// limit the offset at which their elements end.
	elem  string
	limit int
	// taken counts the values read from this frame.
	taken int

	closed bool
	err    error
}

// NewDemarshaller returns a Demarshaller that reads the body of msg.
// Only the Registry and Logger of opts are used.
func NewDemarshaller(msg *Message, opts Options) *Demarshaller {
	return newDemarshaller(msg.Order, msg.Body, 0, msg.Signature, msg.Files, opts)
}

func newDemarshaller(ord fragments.ByteOrder, body []byte, offset int, sig Signature, files []*os.File, opts Options) *Demarshaller {
	dec := &fragments.Decoder{Order: ord, In: body}
	ret := &Demarshaller{
		src: &source{
			dec:   dec,
			files: files,
			reg:   opts.registry(),
			log:   opts.logger(),
		},
		sig: sig.str,
	}
	if err := dec.Seek(offset); err != nil {
		ret.failRead(err)
	}
	return ret
}

// Err returns the first error encountered by d or any of its
// children.
func (d *Demarshaller) Err() error {
	return d.err
}

func (d *Demarshaller) fail(err error) {
	if d.err != nil {
		return
	}
	for f := d; f != nil; f = f.parent {
		if f.err == nil {
			f.err = err
		}
	}
	d.src.log.Debug("demarshal failed", zap.Stringer("container", d.close), zap.Error(err))
}

func (d *Demarshaller) failf(sentinel error, msg string, args ...any) {
	d.fail(fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(msg, args...)))
}

// failRead records an error returned by the underlying decoder.
func (d *Demarshaller) failRead(err error) {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		d.fail(fmt.Errorf("%w: %w", ErrUnexpectedEndOfData, err))
		return
	}
	d.fail(fmt.Errorf("%w: %w", ErrInvalidValue, err))
}

func (d *Demarshaller) isArray() bool {
	return d.close == closeArray || d.close == closeMap
}

// peek returns the signature of the value under the cursor, or false
// if the current container has no more values.
func (d *Demarshaller) peek() (string, bool) {
	if d.isArray() {
		if d.src.dec.Offset() >= d.limit {
			return "", false
		}
		return d.elem, true
	}
	if d.sig == "" {
		return "", false
	}
	head, _ := splitType(d.sig)
	return head, true
}

// AtEnd reports whether all values of the current container have
// been read. It also returns true if d has failed.
func (d *Demarshaller) AtEnd() bool {
	if d.err != nil {
		return true
	}
	_, ok := d.peek()
	return !ok
}

// CurrentType classifies the value under the cursor.
func (d *Demarshaller) CurrentType() ElementType {
	if d.err != nil || d.child != nil || d.closed {
		return InvalidType
	}
	next, ok := d.peek()
	if !ok {
		return InvalidType
	}
	switch next[0] {
	case 'v':
		return VariantType
	case '(':
		return StructureType
	case '{':
		return MapEntryType
	case 'a':
		if next[1] == '{' {
			return MapType
		}
		return ArrayType
	}
	if basicCodes.Has(next[0]) {
		return BasicType
	}
	return InvalidType
}

// CurrentSignature returns the signature of the value under the
// cursor, or the zero Signature if there is none.
func (d *Demarshaller) CurrentSignature() Signature {
	if d.err != nil || d.child != nil || d.closed {
		return Signature{}
	}
	next, _ := d.peek()
	return Signature{next}
}

// takeMatch checks that the value under the cursor satisfies match,
// and advances the signature past it. The caller must then consume
// the value's bytes.
func (d *Demarshaller) takeMatch(want string, match func(string) bool) (string, bool) {
	switch {
	case d.err != nil:
		return "", false
	case d.closed:
		d.failf(ErrUnbalancedContainer, "read from closed %s", d.close)
		return "", false
	case d.child != nil:
		d.failf(ErrUnbalancedContainer, "read from %s while a child %s is open", d.close, d.child.close)
		return "", false
	}
	next, ok := d.peek()
	if !ok {
		d.failf(ErrUnexpectedEndOfData, "no more values in %s, wanted %s", d.close, want)
		return "", false
	}
	if !match(next) {
		d.failf(ErrTypeMismatch, "cannot read %s from value of type %q", want, next)
		return "", false
	}
	if !d.isArray() {
		d.sig = d.sig[len(next):]
	}
	d.taken++
	return next, true
}

func (d *Demarshaller) take(sig string) (string, bool) {
	return d.takeMatch(fmt.Sprintf("%q", sig), func(next string) bool { return next == sig })
}

func (d *Demarshaller) readFixed(code byte) uint64 {
	if _, ok := d.take(string(code)); !ok {
		return 0
	}
	v, err := d.src.dec.Uint(fixedSizes[code])
	if err != nil {
		d.failRead(err)
		return 0
	}
	return v
}

// ToByte reads a byte.
func (d *Demarshaller) ToByte() uint8 { return uint8(d.readFixed('y')) }

// ToBool reads a boolean. Wire values other than 0 and 1 fail with
// [ErrInvalidValue].
func (d *Demarshaller) ToBool() bool {
	v := d.readFixed('b')
	if v > 1 {
		d.failf(ErrInvalidValue, "invalid boolean value %d", v)
		return false
	}
	return v == 1
}

// ToInt16 reads an int16.
func (d *Demarshaller) ToInt16() int16 { return int16(d.readFixed('n')) }

// ToUint16 reads a uint16.
func (d *Demarshaller) ToUint16() uint16 { return uint16(d.readFixed('q')) }

// ToInt32 reads an int32.
func (d *Demarshaller) ToInt32() int32 { return int32(d.readFixed('i')) }

// ToUint32 reads a uint32.
func (d *Demarshaller) ToUint32() uint32 { return uint32(d.readFixed('u')) }

// ToInt64 reads an int64.
func (d *Demarshaller) ToInt64() int64 { return int64(d.readFixed('x')) }

// ToUint64 reads a uint64.
func (d *Demarshaller) ToUint64() uint64 { return d.readFixed('t') }

// ToDouble reads a float64.
func (d *Demarshaller) ToDouble() float64 { return math.Float64frombits(d.readFixed('d')) }

// ToString reads a string. Strings that are not valid UTF-8, or that
// contain NUL bytes, fail with [ErrInvalidValue].
func (d *Demarshaller) ToString() string {
	if _, ok := d.take("s"); !ok {
		return ""
	}
	s, err := d.src.dec.String()
	if err != nil {
		d.failRead(err)
		return ""
	}
	if err := validString(s); err != nil {
		d.fail(err)
		return ""
	}
	return s
}

// ToObjectPath reads an object path.
func (d *Demarshaller) ToObjectPath() ObjectPath {
	if _, ok := d.take("o"); !ok {
		return ""
	}
	s, err := d.src.dec.String()
	if err != nil {
		d.failRead(err)
		return ""
	}
	p := ObjectPath(s)
	if err := p.validate(); err != nil {
		d.fail(err)
		return ""
	}
	return p
}

// ToSignature reads a type signature.
func (d *Demarshaller) ToSignature() Signature {
	if _, ok := d.take("g"); !ok {
		return Signature{}
	}
	return d.readSignature()
}

func (d *Demarshaller) readSignature() Signature {
	s, err := d.src.dec.Signature()
	if err != nil {
		d.failRead(err)
		return Signature{}
	}
	sig, err := ParseSignature(s)
	if err != nil {
		d.fail(fmt.Errorf("%w: %w", ErrInvalidValue, err))
		return Signature{}
	}
	return sig
}

// ToBytes reads a byte array. The returned slice is a copy, and does
// not alias the message.
func (d *Demarshaller) ToBytes() []byte {
	if _, ok := d.take("ay"); !ok {
		return nil
	}
	bs, err := d.src.dec.Bytes()
	if err != nil {
		d.failRead(err)
		return nil
	}
	return slices.Clone(bs)
}

// ToStrings reads a string array.
func (d *Demarshaller) ToStrings() []string {
	a := d.BeginArray()
	ret := []string{}
	for !a.AtEnd() {
		ret = append(ret, a.ToString())
	}
	a.EndArray()
	return ret
}

// ToVariant reads a variant.
//
// Variants holding builtin types decode to the corresponding Go type
// (see [Registry.SignatureToType]). Variants holding any other type
// decode to a [RawValue].
func (d *Demarshaller) ToVariant() Variant {
	c := d.beginVariant()
	if c.err != nil {
		c.endVariant()
		return Variant{}
	}
	var ret Variant
	if t, ok := strToType[c.sig]; ok {
		v := reflect.New(t)
		c.decodeInto(v.Elem())
		ret.Value = v.Elem().Interface()
	} else {
		ret.Value = c.ToRawValue()
	}
	c.endVariant()
	return ret
}

// beginVariant enters a variant. The returned child reads exactly
// one value, of the variant's embedded signature.
func (d *Demarshaller) beginVariant() *Demarshaller {
	if _, ok := d.take("v"); !ok {
		return d.failedChild(closeVariant)
	}
	sig := d.readSignature()
	if d.err != nil {
		return d.failedChild(closeVariant)
	}
	if !sig.IsSingle() {
		d.failf(ErrInvalidValue, "variant signature %q is not a single complete type", sig)
		return d.failedChild(closeVariant)
	}
	c := d.newChild(closeVariant)
	c.sig = sig.str
	return c
}

func (d *Demarshaller) endVariant() {
	d.end(closeVariant)
}

func (d *Demarshaller) newChild(close closeCode) *Demarshaller {
	c := &Demarshaller{
		src:    d.src,
		parent: d,
		close:  close,
	}
	d.child = c
	return c
}

func (d *Demarshaller) failedChild(close closeCode) *Demarshaller {
	return &Demarshaller{
		src:    d.src,
		parent: d,
		close:  close,
		err:    d.err,
	}
}

// BeginStructure enters a struct. Its fields are read from the
// returned Demarshaller, which must then be closed with
// [Demarshaller.EndStructure].
func (d *Demarshaller) BeginStructure() *Demarshaller {
	next, ok := d.takeMatch("structure", func(next string) bool { return next[0] == '(' })
	if !ok {
		return d.failedChild(closeStruct)
	}
	if err := d.src.dec.Pad(8); err != nil {
		d.failRead(err)
		return d.failedChild(closeStruct)
	}
	c := d.newChild(closeStruct)
	c.sig = next[1 : len(next)-1]
	return c
}

// EndStructure closes a struct entered with
// [Demarshaller.BeginStructure].
func (d *Demarshaller) EndStructure() {
	d.end(closeStruct)
}

// BeginArray enters an array. Its elements are read from the
// returned Demarshaller until [Demarshaller.AtEnd], after which it
// must be closed with [Demarshaller.EndArray].
//
// Maps are arrays of map entries, and can also be read with
// BeginArray.
func (d *Demarshaller) BeginArray() *Demarshaller {
	return d.beginArray(closeArray, "array", func(next string) bool { return next[0] == 'a' })
}

// EndArray closes an array entered with [Demarshaller.BeginArray].
func (d *Demarshaller) EndArray() {
	d.end(closeArray)
}

// BeginMap enters a map. Each entry is read with
// [Demarshaller.BeginMapEntry] on the returned Demarshaller until
// [Demarshaller.AtEnd], after which the map must be closed with
// [Demarshaller.EndMap].
func (d *Demarshaller) BeginMap() *Demarshaller {
	return d.beginArray(closeMap, "map", func(next string) bool { return next[0] == 'a' && next[1] == '{' })
}

// EndMap closes a map entered with [Demarshaller.BeginMap].
func (d *Demarshaller) EndMap() {
	d.end(closeMap)
}

func (d *Demarshaller) beginArray(close closeCode, want string, match func(string) bool) *Demarshaller {
	next, ok := d.takeMatch(want, match)
	if !ok {
		return d.failedChild(close)
	}
	elem := next[1:]
	end, err := d.src.dec.BeginArray(alignment(elem[0]))
	if err != nil {
		d.failRead(err)
		return d.failedChild(close)
	}
	c := d.newChild(close)
	c.elem, c.limit = elem, end
	return c
}

// BeginMapEntry enters the next entry of a map. The key and then the
// value are read from the returned Demarshaller, which must then be
// closed with [Demarshaller.EndMapEntry].
func (d *Demarshaller) BeginMapEntry() *Demarshaller {
	next, ok := d.takeMatch("map entry", func(next string) bool { return next[0] == '{' })
	if !ok {
		return d.failedChild(closeMapEntry)
	}
	if err := d.src.dec.Pad(8); err != nil {
		d.failRead(err)
		return d.failedChild(closeMapEntry)
	}
	c := d.newChild(closeMapEntry)
	c.sig = next[1 : len(next)-1]
	return c
}

// EndMapEntry closes a map entry entered with
// [Demarshaller.BeginMapEntry].
func (d *Demarshaller) EndMapEntry() {
	d.end(closeMapEntry)
}

func (d *Demarshaller) end(close closeCode) {
	p := d.parent
	switch {
	case p == nil:
		d.failf(ErrUnbalancedContainer, "cannot close %s, no container is open", close)
		return
	case d.closed:
		d.failf(ErrUnbalancedContainer, "%s closed twice", d.close)
		return
	case p.child != d:
		d.closed = true
		if d.err == nil {
			d.failf(ErrUnbalancedContainer, "closing %s that is not the innermost open container", d.close)
		}
		return
	case d.child != nil:
		d.failf(ErrUnbalancedContainer, "closing %s while a child %s is still open", d.close, d.child.close)
		return
	case d.close != close:
		d.failf(ErrUnbalancedContainer, "cannot close %s as a %s", d.close, close)
		return
	}
	d.closed = true
	p.child = nil
	if d.err != nil {
		return
	}

	// Skip over anything the caller didn't read.
	if d.isArray() {
		if off := d.src.dec.Offset(); off > d.limit {
			d.failf(ErrInvalidValue, "%s elements run %d bytes past its declared length", d.close, off-d.limit)
			return
		}
		if err := d.src.dec.Seek(d.limit); err != nil {
			d.failRead(err)
		}
		return
	}
	for d.sig != "" {
		var head string
		head, d.sig = splitType(d.sig)
		if err := skipValue(d.src.dec, head); err != nil {
			d.failRead(err)
			return
		}
	}
}

// skipValue advances dec past one value of type sig.
func skipValue(dec *fragments.Decoder, sig string) error {
	code := sig[0]
	if size, ok := fixedSizes[code]; ok {
		_, err := dec.Uint(size)
		return err
	}
	switch code {
	case 's', 'o':
		_, err := dec.String()
		return err
	case 'g':
		_, err := dec.Signature()
		return err
	case 'v':
		inner, err := dec.Signature()
		if err != nil {
			return err
		}
		s, err := ParseSignature(inner)
		if err != nil {
			return err
		}
		if !s.IsSingle() {
			return fmt.Errorf("variant signature %q is not a single complete type", inner)
		}
		return skipValue(dec, inner)
	case 'a':
		end, err := dec.BeginArray(alignment(sig[1]))
		if err != nil {
			return err
		}
		return dec.Seek(end)
	case '(', '{':
		if err := dec.Pad(8); err != nil {
			return err
		}
		rest := sig[1 : len(sig)-1]
		for rest != "" {
			var head string
			head, rest = splitType(rest)
			if err := skipValue(dec, head); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("cannot skip unknown type %q", code)
	}
}

// ToRawValue reads the next value without decoding it, and returns
// an owned copy of its wire encoding. The RawValue remains valid
// after the message is discarded.
func (d *Demarshaller) ToRawValue() RawValue {
	next, ok := d.takeMatch("any value", func(string) bool { return true })
	if !ok {
		return RawValue{}
	}
	dec := d.src.dec
	if err := dec.Pad(alignment(next[0])); err != nil {
		d.failRead(err)
		return RawValue{}
	}
	start := dec.Offset()
	if err := skipValue(dec, next); err != nil {
		d.failRead(err)
		return RawValue{}
	}
	base := start &^ 7
	return RawValue{
		sig:    Signature{next},
		order:  dec.Order,
		data:   slices.Clone(dec.In[base:dec.Offset()]),
		offset: start - base,
		files:  d.src.files,
	}
}

// Value reads the next value into ptr, which must be a non-nil
// pointer. It applies the inverse of the rules of
// [Marshaller.Append]: registered types are read by their
// [DemarshalFunc], slices and maps are reset and filled from DBus
// arrays and dicts, nil pointers are allocated, and empty interfaces
// receive the natural Go representation of the value, with variants
// unwrapped.
func (d *Demarshaller) Value(ptr any) {
	rv := reflect.ValueOf(ptr)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		d.fail(typeErr(reflect.TypeOf(ptr), "%w: demarshal target must be a non-nil pointer", ErrInvalidValue))
		return
	}
	d.decodeInto(rv.Elem())
}

// decodeInto reads the next value into v, which must be settable.
func (d *Demarshaller) decodeInto(v reflect.Value) {
	if d.err != nil {
		return
	}
	t := v.Type()
	switch t {
	case variantType:
		v.Set(reflect.ValueOf(d.ToVariant()))
		return
	case rawValueType:
		v.Set(reflect.ValueOf(d.ToRawValue()))
		return
	case objectPathType:
		v.SetString(string(d.ToObjectPath()))
		return
	case signatureType:
		v.Set(reflect.ValueOf(d.ToSignature()))
		return
	case fileType:
		if f := d.ToUnixFD(); f != nil {
			v.Set(reflect.ValueOf(f))
		}
		return
	}
	if d.src.reg.IsRegistered(t) {
		d.demarshalRegisteredType(v)
		return
	}

	switch t.Kind() {
	case reflect.Bool:
		v.SetBool(d.ToBool())
	case reflect.Uint8:
		v.SetUint(uint64(d.ToByte()))
	case reflect.Int16:
		v.SetInt(int64(d.ToInt16()))
	case reflect.Uint16:
		v.SetUint(uint64(d.ToUint16()))
	case reflect.Int32:
		v.SetInt(int64(d.ToInt32()))
	case reflect.Uint32:
		v.SetUint(uint64(d.ToUint32()))
	case reflect.Int64:
		v.SetInt(d.ToInt64())
	case reflect.Uint64:
		v.SetUint(d.ToUint64())
	case reflect.Float64:
		v.SetFloat(d.ToDouble())
	case reflect.String:
		v.SetString(d.ToString())
	case reflect.Pointer:
		if v.IsNil() {
			v.Set(reflect.New(t.Elem()))
		}
		d.decodeInto(v.Elem())
	case reflect.Interface:
		if t.NumMethod() != 0 {
			d.fail(typeErr(t, "%w: cannot demarshal into non-empty interface", ErrUnregisteredType))
			return
		}
		if val := d.toGeneric(); val != nil && d.err == nil {
			v.Set(reflect.ValueOf(val))
		}
	case reflect.Slice:
		d.decodeSlice(v)
	case reflect.Array:
		d.decodeArray(v)
	case reflect.Map:
		d.decodeMap(v)
	default:
		if _, err := d.src.reg.SignatureFor(t); err != nil {
			d.fail(err)
		} else {
			d.fail(unregistered(t))
		}
	}
}

// toGeneric reads the next value into its natural Go representation.
// Variants are unwrapped.
func (d *Demarshaller) toGeneric() any {
	next, ok := d.peek()
	if !ok {
		d.failf(ErrUnexpectedEndOfData, "no more values in %s", d.close)
		return nil
	}
	if next == "v" {
		return d.ToVariant().Value
	}
	if t, ok := strToType[next]; ok {
		v := reflect.New(t)
		d.decodeInto(v.Elem())
		return v.Elem().Interface()
	}
	return d.ToRawValue()
}

func (d *Demarshaller) decodeSlice(v reflect.Value) {
	t := v.Type()
	if t.Elem().Kind() == reflect.Uint8 && !d.src.reg.IsRegistered(t.Elem()) {
		bs := d.ToBytes()
		if d.err != nil {
			return
		}
		out := reflect.MakeSlice(t, len(bs), len(bs))
		reflect.Copy(out, reflect.ValueOf(bs))
		v.Set(out)
		return
	}
	a := d.BeginArray()
	out := reflect.MakeSlice(t, 0, 0)
	for !a.AtEnd() {
		elem := reflect.New(t.Elem()).Elem()
		a.decodeInto(elem)
		out = reflect.Append(out, elem)
	}
	a.EndArray()
	if d.err == nil {
		v.Set(out)
	}
}

func (d *Demarshaller) decodeArray(v reflect.Value) {
	a := d.BeginArray()
	i := 0
	for ; !a.AtEnd(); i++ {
		if i >= v.Len() {
			a.failf(ErrTypeMismatch, "array has more than %d elements of %s", v.Len(), v.Type())
			break
		}
		a.decodeInto(v.Index(i))
	}
	if a.err == nil && i != v.Len() {
		a.failf(ErrTypeMismatch, "array has %d elements, %s needs %d", i, v.Type(), v.Len())
	}
	a.EndArray()
}

func (d *Demarshaller) decodeMap(v reflect.Value) {
	t := v.Type()
	mp := d.BeginMap()
	out := reflect.MakeMap(t)
	for !mp.AtEnd() {
		e := mp.BeginMapEntry()
		key := reflect.New(t.Key()).Elem()
		e.decodeInto(key)
		val := reflect.New(t.Elem()).Elem()
		e.decodeInto(val)
		e.EndMapEntry()
		if mp.err == nil {
			out.SetMapIndex(key, val)
		}
	}
	mp.EndMap()
	if d.err == nil {
		v.Set(out)
	}
}

// demarshalRegisteredType reads a value into v using the
// DemarshalFunc registered for its type.
func (d *Demarshaller) demarshalRegisteredType(v reflect.Value) {
	t := v.Type()
	var ptr any
	if v.CanAddr() {
		ptr = v.Addr().Interface()
	} else {
		tmp := reflect.New(t)
		defer func() { v.Set(tmp.Elem()) }()
		ptr = tmp.Interface()
	}
	before := d.taken
	if err := d.src.reg.Demarshall(d, ptr); err != nil {
		d.fail(err)
		return
	}
	switch {
	case d.err != nil:
	case d.child != nil:
		d.fail(typeErr(t, "%w: demarshal function left a %s open", ErrUnbalancedContainer, d.child.close))
	case d.taken != before+1:
		d.fail(typeErr(t, "%w: demarshal function read %d values, want 1", ErrTypeMismatch, d.taken-before))
	}
}
