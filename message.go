package dbusarg

import (
	"fmt"
	"os"

	"github.com/danderson/dbusarg/fragments"
)

// A Message is a marshaled DBus message body.
type Message struct {
	// Order is the byte order Body is encoded with.
	Order fragments.ByteOrder
	// Signature is the type of the values in Body.
	Signature Signature
	Body      []byte
	// Files are the file descriptors sent alongside the body. Unix fd
	// values in Body are indexes into Files.
	Files []*os.File
}

// Marshal returns a Message containing vs, marshaled with opts.
func Marshal(opts Options, vs ...any) (*Message, error) {
	m := NewMarshaller(opts)
	for _, v := range vs {
		m.Append(v)
		if m.Err() != nil {
			break
		}
	}
	return m.Message()
}

// Unmarshal reads the values of msg into ptrs, which must be non-nil
// pointers. It fails if msg holds more or fewer values than ptrs.
func Unmarshal(msg *Message, opts Options, ptrs ...any) error {
	d := NewDemarshaller(msg, opts)
	for _, p := range ptrs {
		d.Value(p)
		if d.Err() != nil {
			return d.Err()
		}
	}
	if !d.AtEnd() {
		return fmt.Errorf("%w: message has unread values of type %q", ErrTypeMismatch, d.sig)
	}
	return nil
}
