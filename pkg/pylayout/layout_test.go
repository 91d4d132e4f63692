package pylayout

import (
	"errors"
	"testing"

	"github.com/Masterminds/semver/v3"
)

func resolvedRegistry(t *testing.T, arch Arch) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.Resolve(semver.MustParse("2.7.18"), arch, Params{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return r
}

func fieldOffset(t *testing.T, r *Registry, structName, fieldName string) int64 {
	t.Helper()
	l, err := r.Lookup(structName)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", structName, err)
	}
	locs, ok := l.Lookup(fieldName)
	if !ok || len(locs) == 0 {
		t.Fatalf("%s has no field %s", structName, fieldName)
	}
	return locs[0].Offset
}

func TestAMD64Offsets(t *testing.T) {
	r := resolvedRegistry(t, AMD64)

	for _, tc := range []struct {
		structName string
		field      string
		offset     int64
	}{
		{"PyObject", "ob_refcnt", 0},
		{"PyObject", "ob_type", 8},
		{"PyVarObject", "ob_size", 16},
		{"PyTypeObject", "tp_name", 24},
		{"PyTypeObject", "tp_basicsize", 32},
		{"PyTypeObject", "tp_itemsize", 40},
		{"PyTypeObject", "tp_flags", 168},
		{"PyTypeObject", "tp_dictoffset", 288},
		{"PyIntObject", "ob_ival", 16},
		{"PyLongObject", "ob_digit", 24},
		{"PyStringObject", "ob_sval", 36},
		{"PyUnicodeObject", "length", 16},
		{"PyUnicodeObject", "str", 24},
		{"PyListObject", "ob_item", 24},
		{"PyTupleObject", "ob_item", 24},
		{"PyDictObject", "ma_mask", 32},
		{"PyDictObject", "ma_table", 40},
		{"PyDictEntry", "me_key", 8},
		{"PyDictEntry", "me_value", 16},
		{"PySetObject", "mask", 32},
		{"PySetObject", "table", 40},
		{"PySetEntry", "key", 8},
		{"PyInstanceObject", "in_class", 16},
		{"PyInstanceObject", "in_dict", 24},
		{"PyClassObject", "cl_name", 32},
		{"PyBaseExceptionObject", "args", 24},
		{"PyFrameObject", "f_back", 24},
		{"PyFrameObject", "f_code", 32},
		{"PyFrameObject", "f_trace", 80},
		{"PyFrameObject", "f_lasti", 120},
		{"PyFrameObject", "f_lineno", 124},
		{"PyFrameObject", "f_localsplus", 376},
		{"PyCodeObject", "co_nlocals", 20},
		{"PyCodeObject", "co_varnames", 56},
		{"PyCodeObject", "co_filename", 80},
		{"PyCodeObject", "co_name", 88},
		{"PyCodeObject", "co_firstlineno", 96},
		{"PyCodeObject", "co_lnotab", 104},
		{"PyThreadState", "frame", 16},
		{"PyInterpreterState", "tstate_head", 8},
	} {
		if off := fieldOffset(t, r, tc.structName, tc.field); off != tc.offset {
			t.Errorf("%s.%s offset = %d, want %d", tc.structName, tc.field, off, tc.offset)
		}
	}
}

func TestAMD64Sizes(t *testing.T) {
	r := resolvedRegistry(t, AMD64)

	for _, tc := range []struct {
		structName string
		size       int64
	}{
		{"PyObject", 16},
		{"PyVarObject", 24},
		{"PyIntObject", 24},
		{"PyStringObject", 40},
		{"PyListObject", 40},
		{"PyTupleObject", 32},
		{"PyDictEntry", 24},
		{"PySetEntry", 16},
		{"PyDictObject", 248},
		{"PySetObject", 200},
		{"PyFrameObject", 384},
		{"PyCodeObject", 128},
		{"PyInstanceObject", 40},
	} {
		l, err := r.Lookup(tc.structName)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", tc.structName, err)
		}
		if l.Size != tc.size {
			t.Errorf("sizeof(%s) = %d, want %d", tc.structName, l.Size, tc.size)
		}
	}
}

func TestI386Offsets(t *testing.T) {
	r := resolvedRegistry(t, I386)

	for _, tc := range []struct {
		structName string
		field      string
		offset     int64
	}{
		{"PyObject", "ob_type", 4},
		{"PyVarObject", "ob_size", 8},
		{"PyIntObject", "ob_ival", 8},
		{"PyFrameObject", "f_lasti", 60},
		{"PyFrameObject", "f_localsplus", 312},
	} {
		if off := fieldOffset(t, r, tc.structName, tc.field); off != tc.offset {
			t.Errorf("%s.%s offset = %d, want %d", tc.structName, tc.field, off, tc.offset)
		}
	}
}

func TestFieldCandidateOrder(t *testing.T) {
	r := resolvedRegistry(t, AMD64)

	l, err := r.Lookup("PyListObject")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	// ob_size lives inside the embedded header; asking for the short name
	// must resolve through the candidate chain.
	locs, ok := l.Lookup("ob_size")
	if !ok || len(locs) == 0 {
		t.Fatalf("PyListObject has no ob_size candidates")
	}
	if locs[0].Offset != 16 {
		t.Errorf("first ob_size candidate offset = %d, want 16", locs[0].Offset)
	}

	// a field declared directly on the structure must come before any
	// embedded fallback
	locs, ok = l.Lookup("ob_item")
	if !ok {
		t.Fatalf("PyListObject has no ob_item")
	}
	if locs[0].Offset != 24 {
		t.Errorf("ob_item offset = %d, want 24", locs[0].Offset)
	}

	// dotted paths resolve exactly
	locs, ok = l.Lookup("ob_base.ob_size")
	if !ok || locs[0].Offset != 16 {
		t.Errorf("ob_base.ob_size = %v (ok=%v), want offset 16", locs, ok)
	}
}

func TestRegistryUnresolved(t *testing.T) {
	r := NewRegistry()
	if r.Resolved() {
		t.Errorf("Resolved() = true on a fresh registry")
	}
	_, err := r.Lookup("PyObject")
	if !errors.Is(err, ErrLayoutUnavailable) {
		t.Errorf("Lookup error = %v, want ErrLayoutUnavailable", err)
	}
}

func TestRegistryResolveTwice(t *testing.T) {
	r := resolvedRegistry(t, AMD64)

	if err := r.Resolve(semver.MustParse("2.7.18"), AMD64, Params{}); err != nil {
		t.Errorf("re-Resolve with same version: %v, want nil", err)
	}
	if err := r.Resolve(semver.MustParse("2.6.9"), AMD64, Params{}); err == nil {
		t.Errorf("re-Resolve with different version succeeded, want error")
	}
}

func TestResolveFillsDefaultParams(t *testing.T) {
	r := resolvedRegistry(t, AMD64)
	p := r.Params()
	if p.DigitSize != 2 || p.UnicodeSize != 4 {
		t.Errorf("Params = %+v, want DigitSize 2, UnicodeSize 4", p)
	}
	if p.DigitBits() != 15 {
		t.Errorf("DigitBits() = %d, want 15", p.DigitBits())
	}
	if (Params{DigitSize: 4}).DigitBits() != 30 {
		t.Errorf("DigitBits(4) = %d, want 30", (Params{DigitSize: 4}).DigitBits())
	}
}

func TestSelectProfileUnsupported(t *testing.T) {
	if _, err := SelectProfile(semver.MustParse("3.11.4")); err == nil {
		t.Errorf("SelectProfile(3.11.4) succeeded, want error")
	}
	if _, err := SelectProfile(semver.MustParse("2.7.0")); err != nil {
		t.Errorf("SelectProfile(2.7.0): %v", err)
	}
}

func TestUnknownStruct(t *testing.T) {
	r := resolvedRegistry(t, AMD64)
	_, err := r.Lookup("PyBogusObject")
	var use *UnknownStructError
	if !errors.As(err, &use) {
		t.Fatalf("Lookup(PyBogusObject) error = %v, want UnknownStructError", err)
	}
	if use.Name != "PyBogusObject" {
		t.Errorf("UnknownStructError.Name = %q, want %q", use.Name, "PyBogusObject")
	}
}
