package dbusarg

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	nopLogger = zap.NewNop()
	logger    atomic.Pointer[zap.Logger]
)

// Logger returns the logger that Marshallers, Demarshallers and
// Registries use when not given one of their own. It discards
// everything until [SetLogger] is called.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return nopLogger
}

// SetLogger replaces the package logger. It is safe to call at any
// time, including while other goroutines are marshaling. A nil l
// silences logging again.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}
