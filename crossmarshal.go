package dbusarg

import (
	"github.com/danderson/dbusarg/fragments"
)

// AppendCrossMarshalling copies the value under d's cursor to m,
// without decoding it into a Go value.
//
// Fixed width values, and arrays of fixed width values, are copied
// as raw bytes when m and d use the same byte order, and converted
// when they don't. Other values are copied piece by piece, through
// matching containers in m and d.
//
// A failure in either d or m is recorded in both. Values already
// written to m are not rolled back, so on failure the message being
// written by m must be discarded.
func (m *Marshaller) AppendCrossMarshalling(d *Demarshaller) {
	if m.err != nil {
		return
	}
	if d.err != nil {
		m.fail(d.err)
		return
	}
	next, ok := d.peek()
	if !ok {
		d.failf(ErrUnexpectedEndOfData, "no more values in %s to copy", d.close)
		m.fail(d.err)
		return
	}
	m.cross(d, next)
}

// cross copies one value of type sig from d to m, and reports
// whether both are still healthy.
func (m *Marshaller) cross(d *Demarshaller, sig string) bool {
	code := sig[0]
	switch {
	case isFixedCopyable(code):
		m.crossFixed(d, code)
	case code == 'h':
		f := d.ToUnixFD()
		if d.err == nil {
			m.AppendUnixFD(f)
		}
	case code == 's':
		s := d.ToString()
		if d.err == nil {
			m.AppendString(s)
		}
	case code == 'o':
		p := d.ToObjectPath()
		if d.err == nil {
			m.AppendObjectPath(p)
		}
	case code == 'g':
		s := d.ToSignature()
		if d.err == nil {
			m.AppendSignature(s)
		}
	case code == 'v':
		dv := d.beginVariant()
		if m.sync(d) {
			mv := m.beginVariant(Signature{dv.sig})
			mv.cross(dv, dv.sig)
			mv.endVariant()
		}
		dv.endVariant()
	case code == 'a' && isFixedCopyable(sig[1]):
		m.crossBlock(d, sig)
	case code == 'a':
		m.crossArray(d, sig)
	case code == '(':
		ds := d.BeginStructure()
		ms := m.BeginStructure()
		ms.crossFields(ds)
		ds.EndStructure()
		ms.EndStructure()
	case code == '{':
		de := d.BeginMapEntry()
		me := m.BeginMapEntry()
		me.crossFields(de)
		de.EndMapEntry()
		me.EndMapEntry()
	default:
		d.failf(ErrInvalidValue, "cannot copy value of unknown type %q", sig)
	}
	return m.sync(d)
}

// sync propagates d's error to m, and reports whether both are still
// healthy.
func (m *Marshaller) sync(d *Demarshaller) bool {
	if d.err != nil && m.err == nil {
		m.fail(d.err)
	}
	return m.err == nil
}

func (m *Marshaller) crossFields(d *Demarshaller) {
	for m.sync(d) && d.sig != "" {
		head, _ := splitType(d.sig)
		if !m.cross(d, head) {
			return
		}
	}
}

func (m *Marshaller) crossArray(d *Demarshaller, sig string) {
	close := closeArray
	if sig[1] == '{' {
		close = closeMap
	}
	da := d.BeginArray()
	if m.sync(d) {
		ma := m.beginArray(close, Signature{sig}, sig[1:])
		for !da.AtEnd() && ma.cross(da, da.elem) {
		}
		ma.end(close)
	}
	da.EndArray()
}

// crossFixed copies one fixed width value.
func (m *Marshaller) crossFixed(d *Demarshaller, code byte) {
	if _, ok := d.take(string(code)); !ok {
		return
	}
	size := fixedSizes[code]
	dec := d.src.dec
	if err := dec.Pad(size); err != nil {
		d.failRead(err)
		return
	}
	cell, err := dec.Read(size)
	if err != nil {
		d.failRead(err)
		return
	}
	if !m.enter(string(code)) {
		return
	}
	e := m.sink.enc
	if e == nil {
		return
	}
	e.Pad(size)
	if size == 1 || fragments.SameOrder(e.Order, dec.Order) {
		e.Write(cell)
	} else {
		e.Uint(size, cellValue(dec.Order, cell))
	}
}

// crossBlock copies an array of fixed width values.
func (m *Marshaller) crossBlock(d *Demarshaller, sig string) {
	if _, ok := d.take(sig); !ok {
		return
	}
	size := fixedSizes[sig[1]]
	dec := d.src.dec
	end, err := dec.BeginArray(size)
	if err != nil {
		d.failRead(err)
		return
	}
	block, err := dec.Read(end - dec.Offset())
	if err != nil {
		d.failRead(err)
		return
	}
	if len(block)%size != 0 {
		d.failf(ErrInvalidValue, "%d byte array is not a whole number of %q elements", len(block), sig[1:])
		return
	}

	if !m.enter(sig) {
		return
	}
	e := m.sink.enc
	if e == nil {
		return
	}
	mark := e.BeginArray(size)
	if size == 1 || fragments.SameOrder(e.Order, dec.Order) {
		e.Write(block)
	} else {
		for i := 0; i < len(block); i += size {
			e.Uint(size, cellValue(dec.Order, block[i:i+size]))
		}
	}
	if err := e.EndArray(mark); err != nil {
		m.failf(ErrInvalidValue, "%v", err)
	}
}

// cellValue decodes a fixed width value of len(cell) bytes.
func cellValue(o fragments.ByteOrder, cell []byte) uint64 {
	switch len(cell) {
	case 1:
		return uint64(cell[0])
	case 2:
		return uint64(o.Uint16(cell))
	case 4:
		return uint64(o.Uint32(cell))
	default:
		return o.Uint64(cell)
	}
}

// appendRaw copies a detached value to m.
func (m *Marshaller) appendRaw(v *RawValue) {
	if v.sig.IsZero() {
		m.failf(ErrInvalidValue, "RawValue holds no value")
		return
	}
	if m.probing() {
		m.enter(v.sig.str)
		return
	}
	d := v.Demarshaller(Options{Registry: m.sink.reg, Logger: m.sink.log})
	m.AppendCrossMarshalling(d)
}
