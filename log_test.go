package dbusarg

import (
	"errors"
	"reflect"
	"testing"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	core, logs := observer.New(zapcore.DebugLevel)
	g := taskgroup.New(nil)
	for range 8 {
		g.Go(func() error {
			_, err := Marshal(Options{}, Simple{1, true}, []string{"a"})
			return err
		})
	}
	// Swapping the logger while others marshal is safe.
	g.Go(func() error {
		SetLogger(zap.New(core))
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Marshal failed: %v", err)
	}

	m := NewMarshaller(Options{})
	m.AppendVariant(Variant{})
	if !errors.Is(m.Err(), ErrInvalidValue) {
		t.Fatalf("AppendVariant(Variant{}) got err %v, want %v", m.Err(), ErrInvalidValue)
	}
	if n := logs.FilterMessage("marshal failed").Len(); n != 1 {
		t.Errorf("got %d \"marshal failed\" logs, want 1", n)
	}

	SetLogger(nil)
	if Logger() == nil {
		t.Fatal("Logger() is nil after SetLogger(nil)")
	}
	m = NewMarshaller(Options{})
	m.AppendVariant(Variant{})
	if n := logs.FilterMessage("marshal failed").Len(); n != 1 {
		t.Errorf("logs still recorded after SetLogger(nil), got %d", n)
	}
}

func TestRegistryLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRegistry()
	r.SetLogger(zap.New(core))
	RegisterType(r, marshalPoint, demarshalPoint)
	if _, err := r.SignatureFor(reflect.TypeFor[Point]()); err != nil {
		t.Fatal(err)
	}

	for _, msg := range []string{"registered type", "inferred signature"} {
		if logs.FilterMessage(msg).Len() == 0 {
			t.Errorf("no %q log recorded", msg)
		}
	}
	entry := logs.FilterMessage("inferred signature").All()[0]
	if got := entry.ContextMap()["signature"]; got != "(ii)" {
		t.Errorf("inferred signature log has signature %v, want \"(ii)\"", got)
	}
}
