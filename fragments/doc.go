// Package fragments provides the low-level writer and reader that
// lay out DBus wire values.
//
// The encoder and decoder know about alignment, byte order and the
// framing of strings, signatures and arrays, but nothing about DBus
// type signatures. It is the caller's responsibility to produce and
// consume values in an order that matches the message's signature.
package fragments
