package dbusarg

import "testing"

func TestTypeMaps(t *testing.T) {
	for want, typ := range strToType {
		if got := typeToStr[typ]; got != want {
			t.Errorf("typeToStr[%v] = %q, want %q", typ, got, want)
		}
	}

	for want, s := range typeToStr {
		if got := strToType[s]; got != want {
			t.Errorf("strToType[%q] = %v, want %v", s, got, want)
		}
	}

	for kind, s := range kindToStr {
		if len(s) != 1 || !basicCodes.Has(s[0]) {
			t.Errorf("kindToStr[%v] = %q, not a basic type", kind, s)
		}
		if typ := strToType[s]; typ == nil || typ.Kind() != kind {
			t.Errorf("kindToStr[%v] = %q, which maps to builtin %v", kind, s, typ)
		}
	}

	for code, size := range fixedSizes {
		if got := alignment(code); got != size {
			t.Errorf("alignment(%q) = %d, want fixed size %d", code, got, size)
		}
		if !basicCodes.Has(code) {
			t.Errorf("fixed size type %q is not a basic type", code)
		}
	}
	if isFixedCopyable('h') {
		t.Error("file descriptors are copyable as raw bytes")
	}
}
