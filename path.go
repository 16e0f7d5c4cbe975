package dbusarg

import (
	"fmt"
	"strings"
)

// An ObjectPath is the name of an object on the bus.
type ObjectPath string

// Valid reports whether p is a syntactically valid DBus object path.
//
// Valid paths begin with a slash, and consist of slash-separated
// non-empty elements made of the characters [A-Za-z0-9_]. The root
// path "/" is the only path that may end in a slash.
func (p ObjectPath) Valid() bool {
	return p.validate() == nil
}

func (p ObjectPath) validate() error {
	s := string(p)
	if s == "" {
		return fmt.Errorf("%w: empty object path", ErrInvalidValue)
	}
	if s[0] != '/' {
		return fmt.Errorf("%w: object path %q does not start with /", ErrInvalidValue, s)
	}
	if s == "/" {
		return nil
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return fmt.Errorf("%w: object path %q has an empty element", ErrInvalidValue, s)
		}
		for _, c := range elem {
			if !isPathChar(c) {
				return fmt.Errorf("%w: object path %q contains invalid character %q", ErrInvalidValue, s, c)
			}
		}
	}
	return nil
}

func isPathChar(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// IsChildOf reports whether p is a descendant of parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}
