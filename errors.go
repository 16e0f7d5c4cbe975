package dbusarg

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrUnregisteredType is returned when no DBus signature is known
	// for a Go type.
	ErrUnregisteredType = errors.New("unregistered type")

	// ErrInvalidValue is returned when a value cannot be marshaled,
	// such as an empty object path or signature, or a variant with no
	// payload.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidMapKeyType is returned when a map's key type is not a
	// DBus basic type.
	ErrInvalidMapKeyType = errors.New("invalid map key type")

	// ErrCapabilityUnavailable is returned when marshaling a value
	// requires a transport capability that was not negotiated, such
	// as passing file descriptors.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrUnexpectedEndOfData is returned when a Demarshaller runs out
	// of data before a value is complete.
	ErrUnexpectedEndOfData = errors.New("unexpected end of data")

	// ErrUnbalancedContainer is returned when containers are not
	// closed exactly once and in the reverse order of opening.
	ErrUnbalancedContainer = errors.New("unbalanced container")

	// ErrTypeMismatch is returned when a value does not match the
	// signature expected at the current position.
	ErrTypeMismatch = errors.New("type mismatch")
)

// TypeError is the error returned when a type cannot be represented
// in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

// typeErr returns a TypeError for t. If reason is a format string
// that wraps one of the package's sentinel errors with %w, the
// TypeError matches that sentinel with errors.Is.
func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := "nil"
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

func unregistered(t reflect.Type) error {
	return typeErr(t, "%w: no marshaling functions or signature known", ErrUnregisteredType)
}
