package dbusarg

import (
	"cmp"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"
)

// RegisterStruct registers T, which must be a struct type, to
// marshal as a DBus struct of its exported fields, in declaration
// order. If r is nil, [DefaultRegistry] is used.
//
// Fields of embedded structs are promoted, as in Go: they marshal as
// if declared in place of the embedded struct. Nil embedded struct
// pointers marshal as zero values, and are allocated when
// demarshaling. Fields tagged with `dbus:"-"` are skipped.
//
// Structs may also use the "vardict" idiom, where a dictionary of
// variants extends a struct with optional fields. A single field of
// type map[K]any or map[K]Variant, where K is a DBus basic type, is
// tagged `dbus:"vardict"`. Other fields tagged `dbus:"key=X"` are
// carried in that dictionary under the key X, instead of as struct
// fields. `dbus:"key=@"` uses the field's name as the key.
//
//	type Props struct {
//	    Name  string         `dbus:"key=Name"`
//	    Count uint32         `dbus:"key=Count,encodeZero"`
//	    Extra map[string]any `dbus:"vardict"`
//	}
//
// Keyed fields are only written when they hold a nonzero value,
// unless tagged encodeZero. When demarshaling, dictionary entries
// whose key matches a keyed field are decoded into it, and the
// remaining entries into the vardict map.
//
// Field types are checked when T's signature is first needed, not at
// registration.
func RegisterStruct[T any](r *Registry) error {
	if r == nil {
		r = DefaultRegistry
	}
	t := reflect.TypeFor[T]()
	info, err := getStructInfo(t)
	if err != nil {
		return err
	}
	r.Register(t, info.marshal, info.demarshal)
	r.logger().Debug("registered struct", zap.Stringer("layout", info))
	return nil
}

// structField is a struct field that gets marshaled.
type structField struct {
	Name  string
	Type  reflect.Type
	Index [][]int
}

// GetWithZero loads the struct field from structVal. If loading
// requires traversing a nil pointer into an embedded struct,
// GetWithZero returns a non-settable zero value of the field.
func (f *structField) GetWithZero(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, hop := range f.Index {
		if i > 0 {
			if v.IsNil() {
				return reflect.Zero(f.Type)
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(hop)
	}
	return v
}

// GetWithAlloc loads the struct field from structVal. If loading
// requires traversing a nil pointer into an embedded struct,
// GetWithAlloc allocates zero values appropriately. The returned
// [reflect.Value] is settable.
func (f *structField) GetWithAlloc(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, hop := range f.Index {
		if i > 0 {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(hop)
	}
	return v
}

func (f *structField) String() string {
	kindStr := ""
	if ks := f.Type.Kind().String(); ks != f.Type.String() {
		kindStr = fmt.Sprintf(" (%s)", ks)
	}
	return fmt.Sprintf("%s: %s%s at %v", f.Name, f.Type, kindStr, f.Index)
}

// keyedField is a struct field carried in the struct's vardict,
// under Key.
type keyedField struct {
	*structField
	Key        reflect.Value
	EncodeZero bool
}

// structInfo is the information about a struct relevant to
// marshaling and demarshaling.
type structInfo struct {
	Type   reflect.Type
	Fields []*structField

	// Vardict is the field of Fields that holds the struct's vardict,
	// if any, and Keyed the fields carried inside it.
	Vardict *structField
	Keyed   []*keyedField
	byKey   map[any]*keyedField
}

func (s *structInfo) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "%s, fields:\n", s.Type)
	for _, f := range s.Fields {
		ret.WriteString(f.String())
		if f == s.Vardict {
			ret.WriteString(" (vardict)")
		}
		ret.WriteByte('\n')
	}
	for _, f := range s.Keyed {
		fmt.Fprintf(&ret, "  key %v: %s", f.Key, f)
		if f.EncodeZero {
			ret.WriteString(" (encode zero)")
		}
		ret.WriteByte('\n')
	}
	return ret.String()
}

func (s *structInfo) marshal(m *Marshaller, v any) error {
	rv := reflect.ValueOf(v)
	st := m.BeginStructure()
	for _, f := range s.Fields {
		if st.err != nil {
			break
		}
		if f == s.Vardict {
			s.marshalVardict(st, rv)
		} else {
			st.appendValue(f.GetWithZero(rv))
		}
	}
	st.EndStructure()
	return nil
}

// marshalVardict writes the vardict of rv, merged with its keyed
// fields, as one dictionary in key order.
func (s *structInfo) marshalVardict(m *Marshaller, rv reflect.Value) {
	mt := s.Vardict.Type
	ks, err := m.sink.reg.signatureFor(mt.Key(), m.sink.stack)
	if err != nil {
		m.fail(err)
		return
	}

	type entry struct {
		key, val reflect.Value
		keyed    bool
	}
	var entries []entry
	for _, f := range s.Keyed {
		fv := f.GetWithZero(rv)
		if f.EncodeZero || !fv.IsZero() {
			entries = append(entries, entry{f.Key, fv, true})
		}
	}
	mv := s.Vardict.GetWithZero(rv)
	for _, k := range mv.MapKeys() {
		if s.byKey[k.Interface()] != nil {
			// The keyed field owns this key.
			continue
		}
		entries = append(entries, entry{k, mv.MapIndex(k), false})
	}
	keyCmp := mapKeyCmp(mt.Key())
	slices.SortFunc(entries, func(a, b entry) int { return keyCmp(a.key, b.key) })

	d := m.BeginMap(ks, Signature{"v"})
	for _, e := range entries {
		if d.err != nil {
			break
		}
		me := d.BeginMapEntry()
		me.appendValue(e.key)
		if e.keyed {
			me.AppendVariant(Variant{e.val.Interface()})
		} else {
			me.appendValue(e.val)
		}
		me.EndMapEntry()
	}
	d.EndMap()
}

func (s *structInfo) demarshal(d *Demarshaller, v any) error {
	rv := reflect.ValueOf(v).Elem()
	st := d.BeginStructure()
	for _, f := range s.Fields {
		if st.err != nil {
			break
		}
		if f == s.Vardict {
			s.demarshalVardict(st, rv)
		} else {
			st.decodeInto(f.GetWithAlloc(rv))
		}
	}
	st.EndStructure()
	return nil
}

// demarshalVardict reads a dictionary into the vardict of rv and its
// keyed fields. Keyed fields absent from the dictionary are zeroed.
func (s *structInfo) demarshalVardict(d *Demarshaller, rv reflect.Value) {
	for _, f := range s.Keyed {
		f.GetWithAlloc(rv).SetZero()
	}
	mt := s.Vardict.Type
	out := reflect.MakeMap(mt)
	mp := d.BeginMap()
	for !mp.AtEnd() {
		e := mp.BeginMapEntry()
		key := reflect.New(mt.Key()).Elem()
		e.decodeInto(key)
		if f := s.byKey[key.Interface()]; f != nil && e.err == nil {
			// Keyed fields get the variant's payload, with the
			// envelope removed.
			c := e.beginVariant()
			c.decodeInto(f.GetWithAlloc(rv))
			c.endVariant()
		} else {
			val := reflect.New(mt.Elem()).Elem()
			e.decodeInto(val)
			if e.err == nil {
				out.SetMapIndex(key, val)
			}
		}
		e.EndMapEntry()
	}
	mp.EndMap()
	if d.err == nil {
		s.Vardict.GetWithAlloc(rv).Set(out)
	}
}

// getStructInfo returns the structInfo for t.
//
// getStructInfo returns an error if t is not a struct, if it has no
// fields to marshal, since DBus has no empty structs, or if its
// vardict tags are inconsistent.
func getStructInfo(t reflect.Type) (*structInfo, error) {
	if t.Kind() != reflect.Struct {
		return nil, typeErr(t, "%w: not a struct", ErrInvalidValue)
	}

	ret := &structInfo{Type: t}
	for _, field := range reflect.VisibleFields(t) {
		if !field.IsExported() || skipped(t, field.Index) {
			continue
		}
		if field.Anonymous && derefType(field.Type).Kind() == reflect.Struct {
			// Promoted fields are visited separately.
			continue
		}
		f := &structField{
			Name:  field.Name,
			Type:  field.Type,
			Index: allocSteps(t, field.Index),
		}
		tag := parseStructTag(field)
		switch {
		case tag.vardict:
			if ret.Vardict != nil {
				return nil, typeErr(t, "%w: fields %s and %s are both tagged vardict", ErrInvalidValue, ret.Vardict.Name, f.Name)
			}
			if !isVardictType(f.Type) {
				return nil, typeErr(t, "%w: vardict field %s must be a map[K]any or map[K]Variant with a basic K, not %s", ErrInvalidValue, f.Name, f.Type)
			}
			ret.Vardict = f
			ret.Fields = append(ret.Fields, f)
		case tag.key != "":
			ret.Keyed = append(ret.Keyed, &keyedField{
				structField: f,
				Key:         reflect.ValueOf(tag.key),
				EncodeZero:  tag.encodeZero,
			})
		default:
			ret.Fields = append(ret.Fields, f)
		}
	}
	if len(ret.Fields) == 0 {
		return nil, typeErr(t, "%w: struct has no exported fields, and DBus has no empty structs", ErrInvalidValue)
	}
	if len(ret.Keyed) == 0 {
		return ret, nil
	}

	if ret.Vardict == nil {
		return nil, typeErr(t, "%w: keyed fields declared, but no field is tagged vardict", ErrInvalidValue)
	}
	parse := mapKeyParser(ret.Vardict.Type.Key())
	ret.byKey = map[any]*keyedField{}
	for _, f := range ret.Keyed {
		k, err := parse(f.Key.String())
		if err != nil {
			return nil, typeErr(t, "%w: invalid key %q for field %s: %w", ErrInvalidValue, f.Key.String(), f.Name, err)
		}
		f.Key = k
		if prev := ret.byKey[k.Interface()]; prev != nil {
			return nil, typeErr(t, "%w: fields %s and %s both use key %v", ErrInvalidValue, prev.Name, f.Name, k)
		}
		ret.byKey[k.Interface()] = f
	}
	return ret, nil
}

// structTag is the parsed form of a field's "dbus" struct tag.
type structTag struct {
	vardict    bool
	encodeZero bool
	key        string
}

func parseStructTag(field reflect.StructField) structTag {
	var ret structTag
	for _, opt := range strings.Split(field.Tag.Get("dbus"), ",") {
		switch {
		case opt == "vardict":
			ret.vardict = true
		case opt == "encodeZero":
			ret.encodeZero = true
		case strings.HasPrefix(opt, "key="):
			ret.key = strings.TrimPrefix(opt, "key=")
			if ret.key == "@" {
				ret.key = field.Name
			}
		}
	}
	return ret
}

// isVardictType reports whether t can hold a struct's vardict.
func isVardictType(t reflect.Type) bool {
	if t.Kind() != reflect.Map {
		return false
	}
	if e := t.Elem(); e != variantType && (e.Kind() != reflect.Interface || e.NumMethod() != 0) {
		return false
	}
	return mapKeyKinds.Has(t.Key().Kind())
}

// mapKeyKinds are the kinds of Go types that marshal as DBus basic
// types, and can thus key a vardict.
var mapKeyKinds = mapset.New(
	reflect.Bool,
	reflect.Uint8,
	reflect.Int16,
	reflect.Uint16,
	reflect.Int32,
	reflect.Uint32,
	reflect.Int64,
	reflect.Uint64,
	reflect.Float64,
	reflect.String,
)

// mapKeyParser returns a function that converts vardict key tags
// into values of the map key type t.
func mapKeyParser(t reflect.Type) func(string) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Bool:
		return func(s string) (reflect.Value, error) {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(b).Convert(t), nil
		}
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return func(s string) (reflect.Value, error) {
			i, err := strconv.ParseInt(s, 10, t.Bits())
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(i).Convert(t), nil
		}
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func(s string) (reflect.Value, error) {
			u, err := strconv.ParseUint(s, 10, t.Bits())
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(u).Convert(t), nil
		}
	case reflect.Float64:
		return func(s string) (reflect.Value, error) {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(f).Convert(t), nil
		}
	default:
		return func(s string) (reflect.Value, error) {
			return reflect.ValueOf(s).Convert(t), nil
		}
	}
}

// skipped reports whether the field at idx, or any embedded struct
// it is promoted through, is tagged `dbus:"-"`.
func skipped(t reflect.Type, idx []int) bool {
	for i := range idx {
		if t.FieldByIndex(idx[:i+1]).Tag.Get("dbus") == "-" {
			return true
		}
	}
	return false
}

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// allocSteps partitions a multi-hop traversal of struct fields into
// segments that end at either the final value, or at a struct pointer
// that might be nil.
//
// This partition is used by [structField.GetWithZero] and
// [structField.GetWithAlloc] to load embedded struct fields that
// require traversing a nil pointer.
func allocSteps(t reflect.Type, idx []int) [][]int {
	var ret [][]int
	prev := 0
	t = t.Field(idx[0]).Type
	for i := 1; i < len(idx); i++ {
		if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
			// Hop through a struct pointer that might be nil, cut.
			ret = append(ret, idx[prev:i])
			prev = i
			t = t.Elem()
		}
		t = t.Field(idx[i]).Type
	}
	ret = append(ret, idx[prev:])
	return ret
}

// mapKeyCmp returns a comparison function for the given map key type.
// Map entries are marshaled in this order, so that encoding a map is
// deterministic.
func mapKeyCmp(t reflect.Type) func(a, b reflect.Value) int {
	switch t.Kind() {
	case reflect.Bool:
		return func(a, b reflect.Value) int {
			if a.Bool() == b.Bool() {
				return 0
			}
			if !a.Bool() {
				return -1
			}
			return 1
		}
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Int(), b.Int())
		}
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Uint(), b.Uint())
		}
	case reflect.Float64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Float(), b.Float())
		}
	case reflect.String:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.String(), b.String())
		}
	case reflect.Pointer:
		if t == fileType {
			return func(a, b reflect.Value) int {
				return cmp.Compare(fileFd(a), fileFd(b))
			}
		}
		elemCmp := mapKeyCmp(t.Elem())
		return func(a, b reflect.Value) int {
			switch {
			case a.IsNil() && b.IsNil():
				return 0
			case a.IsNil():
				return -1
			case b.IsNil():
				return 1
			}
			return elemCmp(a.Elem(), b.Elem())
		}
	default:
		return func(a, b reflect.Value) int {
			return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
		}
	}
}

func fileFd(v reflect.Value) uintptr {
	if v.IsNil() {
		return 0
	}
	return v.Interface().(*os.File).Fd()
}
