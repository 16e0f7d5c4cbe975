package dbusarg

import (
	"fmt"
	"os"
)

// AppendUnixFD writes a file descriptor.
//
// The file is added to the message's out of band file list, and its
// index in that list is written to the message body. Writing a file
// descriptor fails with [ErrCapabilityUnavailable] unless the
// Marshaller was created with [Options.UnixFDs]. When only probing a
// type's signature, file descriptors are always accepted.
func (m *Marshaller) AppendUnixFD(f *os.File) {
	if m.probing() {
		m.enter("h")
		return
	}
	if !m.sink.unixFDs {
		m.failf(ErrCapabilityUnavailable, "file descriptor passing was not negotiated")
		return
	}
	if f == nil {
		m.failf(ErrInvalidValue, "nil file descriptor")
		return
	}
	if !m.enter("h") {
		return
	}
	m.sink.files = append(m.sink.files, f)
	m.sink.enc.Uint32(uint32(len(m.sink.files) - 1))
}

// ToUnixFD reads a file descriptor. The returned file is the one
// carried out of band by the message, and is not duplicated.
func (d *Demarshaller) ToUnixFD() *os.File {
	if _, ok := d.take("h"); !ok {
		return nil
	}
	idx, err := d.src.dec.Uint32()
	if err != nil {
		d.failRead(err)
		return nil
	}
	if int(idx) >= len(d.src.files) {
		d.fail(fmt.Errorf("%w: file descriptor index %d out of range, message carries %d files", ErrInvalidValue, idx, len(d.src.files)))
		return nil
	}
	return d.src.files[idx]
}
