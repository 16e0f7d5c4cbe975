package dbusarg

import (
	"github.com/danderson/dbusarg/fragments"
	"go.uber.org/zap"
)

// Options configures a [Marshaller] or [Demarshaller].
type Options struct {
	// Order is the byte order of the message. If nil, marshaling
	// uses [fragments.NativeEndian]. Demarshaling uses the order
	// recorded in the Message, and ignores this field.
	Order fragments.ByteOrder
	// Registry resolves user types. If nil, [DefaultRegistry] is
	// used.
	Registry *Registry
	// UnixFDs reports whether the transport that will carry the
	// message negotiated file descriptor passing. Without it,
	// marshaling a file descriptor fails with
	// [ErrCapabilityUnavailable].
	UnixFDs bool
	// Logger receives debug logs. If nil, the package [Logger] is
	// used.
	Logger *zap.Logger
}

func (o *Options) order() fragments.ByteOrder {
	if o.Order == nil {
		return fragments.NativeEndian
	}
	return o.Order
}

func (o *Options) registry() *Registry {
	if o.Registry == nil {
		return DefaultRegistry
	}
	return o.Registry
}

func (o *Options) logger() *zap.Logger {
	if o.Logger == nil {
		return Logger()
	}
	return o.Logger
}
