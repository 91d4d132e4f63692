package pyproc_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/go-pyspect/pyspect/pkg/pylayout"
	"github.com/go-pyspect/pyspect/pkg/pyproc"
	pytest "github.com/go-pyspect/pyspect/pkg/pyproc/test"
)

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func newTarget() (*pytest.Heap, *pyproc.Target) {
	reg := pytest.Registry27()
	h := pytest.NewHeap(reg)
	return h, pyproc.NewTarget(h, reg)
}

func render(t testing.TB, tgt *pyproc.Target, addr uint64) string {
	v, err := tgt.Reify(addr)
	assertNoError(err, t, "Reify")
	return v.String()
}

func TestReifyScalars(t *testing.T) {
	h, tgt := newTarget()

	for _, tc := range []struct {
		addr uint64
		want string
	}{
		{h.None(), "None"},
		{h.Bool(true), "True"},
		{h.Bool(false), "False"},
		{h.Int(42), "42"},
		{h.Int(-1), "-1"},
		{h.Int(0), "0"},
	} {
		if got := render(t, tgt, tc.addr); got != tc.want {
			t.Errorf("render(%#x) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestReifyNull(t *testing.T) {
	_, tgt := newTarget()
	if got := render(t, tgt, 0); got != "0x0" {
		t.Errorf("render(0) = %q, want %q", got, "0x0")
	}
}

func TestReifyLong(t *testing.T) {
	h, tgt := newTarget()

	for _, tc := range []struct {
		digits []uint64
		sign   int
		want   string
	}{
		{nil, 0, "0"},
		{[]uint64{5}, 1, "5"},
		{[]uint64{5}, -1, "-5"},
		// 1 + 2*2**15 + 3*2**30
		{[]uint64{1, 2, 3}, 1, "3221291009"},
		{[]uint64{1, 2, 3}, -1, "-3221291009"},
		// 2**100 = 1024 * 2**(15*6)
		{[]uint64{0, 0, 0, 0, 0, 0, 1024}, 1, "1267650600228229401496703205376"},
	} {
		addr := h.Long(tc.digits, tc.sign)
		if got := render(t, tgt, addr); got != tc.want {
			t.Errorf("long %v sign %d = %q, want %q", tc.digits, tc.sign, got, tc.want)
		}
	}
}

func TestReifyLongZeroDigitsWins(t *testing.T) {
	h, tgt := newTarget()

	// ob_size == 0 encodes zero even when stale digits follow the header.
	addr := h.Long([]uint64{777}, 1)
	h.SetInt(addr, "PyLongObject", "ob_size", 0)
	if got := render(t, tgt, addr); got != "0" {
		t.Errorf("got %q, want %q", got, "0")
	}
}

func TestReifyStringRepr(t *testing.T) {
	h, tgt := newTarget()

	for _, tc := range []struct {
		in   string
		want string
	}{
		{"", `''`},
		{"hello", `'hello'`},
		{"it's", `"it's"`},
		{`say "hi"`, `'say "hi"'`},
		{`both' and "`, `'both\' and "'`},
		{"tab\there", `'tab\there'`},
		{"line\n", `'line\n'`},
		{"cr\r", `'cr\r'`},
		{"nul\x00", `'nul\x00'`},
		{"\xff\xfe", `'\xff\xfe'`},
		{`back\slash`, `'back\\slash'`},
	} {
		addr := h.Str(tc.in)
		if got := render(t, tgt, addr); got != tc.want {
			t.Errorf("str %q = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestReifyUnicodeRepr(t *testing.T) {
	h, tgt := newTarget()

	for _, tc := range []struct {
		in   []rune
		want string
	}{
		{[]rune{}, `u''`},
		{[]rune("hello"), `u'hello'`},
		{[]rune("it's"), `u"it's"`},
		{[]rune{0xe9}, `u'\xe9'`},
		{[]rune{0x4e2d}, "u'\\u4e2d'"},
		{[]rune{0x1f600}, `u'\U0001f600'`},
		{[]rune{'a', '\n'}, `u'a\n'`},
	} {
		addr := h.Unicode(tc.in)
		if got := render(t, tgt, addr); got != tc.want {
			t.Errorf("unicode %q = %q, want %q", string(tc.in), got, tc.want)
		}
	}
}

func TestReifyListOrder(t *testing.T) {
	h, tgt := newTarget()

	addr := h.List(h.Int(1), h.Int(2), h.Int(3))
	if got := render(t, tgt, addr); got != "[1, 2, 3]" {
		t.Errorf("got %q, want %q", got, "[1, 2, 3]")
	}
	if got := render(t, tgt, h.List()); got != "[]" {
		t.Errorf("got %q, want %q", got, "[]")
	}
}

func TestReifyTuple(t *testing.T) {
	h, tgt := newTarget()

	for _, tc := range []struct {
		addr uint64
		want string
	}{
		{h.Tuple(), "()"},
		{h.Tuple(h.Int(1)), "(1,)"},
		{h.Tuple(h.Int(1), h.Str("a")), "(1, 'a')"},
	} {
		if got := render(t, tgt, tc.addr); got != tc.want {
			t.Errorf("render(%#x) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestReifyNested(t *testing.T) {
	h, tgt := newTarget()

	inner := h.List(h.Int(1), h.None())
	outer := h.List(inner, h.Tuple(h.Bool(true)))
	if got := render(t, tgt, outer); got != "[[1, None], (True,)]" {
		t.Errorf("got %q", got)
	}
}

func TestReifyDict(t *testing.T) {
	h, tgt := newTarget()

	d := h.Dict(7, [2]uint64{h.Str("a"), h.Int(1)})
	if got := render(t, tgt, d); got != "{'a': 1}" {
		t.Errorf("got %q, want %q", got, "{'a': 1}")
	}
	if got := render(t, tgt, h.Dict(7)); got != "{}" {
		t.Errorf("got %q, want %q", got, "{}")
	}
}

func TestReifyDictSkipsEmptySlots(t *testing.T) {
	h, tgt := newTarget()

	// A single live entry sitting at slot 5 of an 8-slot table.
	d := h.Dict(7)
	table := h.PtrAt(h.FieldAddr(d, "PyDictObject", "ma_table"))
	h.SetDictSlot(table, 5, h.Str("k"), h.Int(9))
	if got := render(t, tgt, d); got != "{'k': 9}" {
		t.Errorf("got %q, want %q", got, "{'k': 9}")
	}
}

func TestReifySet(t *testing.T) {
	h, tgt := newTarget()

	s := h.Set("set", 7, h.Int(1), h.Int(2))
	if got := render(t, tgt, s); got != "set([1, 2])" {
		t.Errorf("got %q, want %q", got, "set([1, 2])")
	}
	fs := h.Set("frozenset", 7, h.Str("x"))
	if got := render(t, tgt, fs); got != "frozenset(['x'])" {
		t.Errorf("got %q, want %q", got, "frozenset(['x'])")
	}
	if got := render(t, tgt, h.Set("set", 7)); got != "set([])" {
		t.Errorf("got %q, want %q", got, "set([])")
	}
}

func TestReifySetSkipsDummyKey(t *testing.T) {
	h, tgt := newTarget()

	// Deleting a set member leaves a tombstone entry behind; it is in
	// the table but must not show up as a member.
	s := h.Set("set", 7, h.Int(1))
	table := h.PtrAt(h.FieldAddr(s, "PySetObject", "table"))
	h.SetSetSlot(table, 3, h.Str("<dummy key>"))
	h.SetSetSlot(table, 4, h.Int(2))
	if got := render(t, tgt, s); got != "set([1, 2])" {
		t.Errorf("got %q, want %q", got, "set([1, 2])")
	}
}

func TestCycleList(t *testing.T) {
	h, tgt := newTarget()

	l := h.List(h.Int(0))
	h.SetListItem(l, 0, l)
	if got := render(t, tgt, l); got != "[[...]]" {
		t.Errorf("got %q, want %q", got, "[[...]]")
	}
}

func TestCycleTuple(t *testing.T) {
	h, tgt := newTarget()

	tp := h.Tuple(h.Int(0))
	h.SetTupleItem(tp, 0, tp)
	if got := render(t, tgt, tp); got != "((...),)" {
		t.Errorf("got %q, want %q", got, "((...),)")
	}
}

func TestCycleDict(t *testing.T) {
	h, tgt := newTarget()

	d := h.Dict(7, [2]uint64{h.Str("self"), h.Int(0)})
	table := h.PtrAt(h.FieldAddr(d, "PyDictObject", "ma_table"))
	h.SetDictSlot(table, 0, h.Str("self"), d)
	if got := render(t, tgt, d); got != "{'self': {...}}" {
		t.Errorf("got %q, want %q", got, "{'self': {...}}")
	}
}

func TestCycleMutual(t *testing.T) {
	h, tgt := newTarget()

	a := h.List(h.Int(0))
	b := h.List(a)
	h.SetListItem(a, 0, b)
	if got := render(t, tgt, a); got != "[[[...]]]" {
		t.Errorf("got %q, want %q", got, "[[[...]]]")
	}
}

func TestSafetyCeilingList(t *testing.T) {
	h, tgt := newTarget()

	elems := make([]uint64, 100)
	for i := range elems {
		elems[i] = h.Int(int64(i))
	}
	l := h.List(elems...)
	// Claim far more elements than the table holds and make anything
	// past the hundredth slot unreadable: the decoder must stop at the
	// ceiling without ever issuing those reads.
	h.SetInt(l, "PyListObject", "ob_size", 100000)
	items := h.PtrAt(h.FieldAddr(l, "PyListObject", "ob_item"))
	h.Poison(items+100*8, 8)

	v, err := tgt.Reify(l)
	assertNoError(err, t, "Reify")
	if len(v.Elems) != 100 {
		t.Errorf("decoded %d elements, want 100", len(v.Elems))
	}
	if v.Elems[99].String() != "99" {
		t.Errorf("last element = %q, want %q", v.Elems[99].String(), "99")
	}
}

func TestSafetyCeilingNegativeCount(t *testing.T) {
	h, tgt := newTarget()

	l := h.List(h.Int(1))
	h.SetInt(l, "PyListObject", "ob_size", -5)
	v, err := tgt.Reify(l)
	assertNoError(err, t, "Reify")
	if len(v.Elems) != 0 {
		t.Errorf("decoded %d elements, want 0", len(v.Elems))
	}
}

func TestReifyLegacyInstance(t *testing.T) {
	h, tgt := newTarget()

	cls := h.Class("Point")
	d := h.Dict(7, [2]uint64{h.Str("x"), h.Int(2)})
	obj := h.Instance(cls, d)
	want := fmt.Sprintf("<Point(x=2) at remote %#x>", obj)
	if got := render(t, tgt, obj); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// A null attribute dict cannot prove the instance has attributes;
	// it renders in the bare form.
	bare := h.Instance(cls, 0)
	want = fmt.Sprintf("<Point at remote %#x>", bare)
	if got := render(t, tgt, bare); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReifyHeapInstance(t *testing.T) {
	h, tgt := newTarget()

	typ := h.NewHeapType("Widget", 16, 24, 0)
	obj := h.HeapObject(typ, 24)
	d := h.Dict(7, [2]uint64{h.Str("n"), h.Int(1)})
	h.WriteUint(obj+16, 8, d)

	want := fmt.Sprintf("<Widget(n=1) at remote %#x>", obj)
	if got := render(t, tgt, obj); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReifyHeapInstanceNoDictOffset(t *testing.T) {
	h, tgt := newTarget()

	typ := h.NewHeapType("Slotted", 0, 16, 0)
	obj := h.HeapObject(typ, 16)
	want := fmt.Sprintf("<Slotted() at remote %#x>", obj)
	if got := render(t, tgt, obj); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReifyHeapInstanceNegativeDictOffset(t *testing.T) {
	h, tgt := newTarget()

	// Variable-length instances keep the dict pointer after the items:
	// basicsize 24, two 8-byte items, dict offset -8 resolves to 32
	// within the 40-byte allocation.
	typ := h.NewHeapType("VarThing", -8, 24, 8)
	obj := h.HeapObject(typ, 40)
	h.SetInt(obj, "PyVarObject", "ob_size", 2)
	d := h.Dict(7, [2]uint64{h.Str("v"), h.Int(7)})
	h.WriteUint(obj+32, 8, d)

	want := fmt.Sprintf("<VarThing(v=7) at remote %#x>", obj)
	if got := render(t, tgt, obj); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReifyHeapInstanceNonMappingDict(t *testing.T) {
	h, tgt := newTarget()

	typ := h.NewHeapType("Odd", 16, 24, 0)
	obj := h.HeapObject(typ, 24)
	h.WriteUint(obj+16, 8, h.Int(5))

	want := fmt.Sprintf("<Odd at remote %#x>", obj)
	if got := render(t, tgt, obj); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReifyException(t *testing.T) {
	h, tgt := newTarget()

	exc := h.Exception("RuntimeError", h.Tuple(h.Str("oops")))
	if got := render(t, tgt, exc); got != "RuntimeError('oops',)" {
		t.Errorf("got %q, want %q", got, "RuntimeError('oops',)")
	}
	empty := h.Exception("KeyError", h.Tuple())
	if got := render(t, tgt, empty); got != "KeyError()" {
		t.Errorf("got %q, want %q", got, "KeyError()")
	}
}

func TestReifyOpaque(t *testing.T) {
	h, tgt := newTarget()

	f := h.HeapObject(h.TypeAddr("float"), 24)
	want := fmt.Sprintf("<float at remote %#x>", f)
	if got := render(t, tgt, f); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReifyUnreadableType(t *testing.T) {
	h, tgt := newTarget()

	obj := h.Int(3)
	h.SetField(obj, "PyObject", "ob_type", 0xdead0000)
	want := fmt.Sprintf("<unknown at remote %#x>", obj)
	if got := render(t, tgt, obj); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFrameNameBeatsHeapFlag(t *testing.T) {
	h, tgt := newTarget()

	// A heap-allocated type whose display name is "frame" must hit the
	// exact-name dispatch, not the heap-instance decoder.
	typ := h.NewHeapType("frame", 16, 24, 0)
	obj := h.HeapObject(typ, 24)
	v, err := tgt.Reify(obj)
	assertNoError(err, t, "Reify")
	if v.Kind != pyproc.ValFrame {
		t.Errorf("kind = %v, want ValFrame", v.Kind)
	}
	if !strings.HasPrefix(v.String(), "Frame ") {
		t.Errorf("rendering %q does not use the frame form", v.String())
	}
}

func TestClassificationCached(t *testing.T) {
	h, tgt := newTarget()

	first := h.Int(1)
	if got := render(t, tgt, first); got != "1" {
		t.Fatalf("got %q, want %q", got, "1")
	}

	// With the int type object gone unreadable, a second int must still
	// decode through the cached classification.
	h.Poison(h.TypeAddr("int"), 392)
	if got := render(t, tgt, h.Int(2)); got != "2" {
		t.Errorf("got %q, want %q", got, "2")
	}
}

func TestCorruptCountFallsBack(t *testing.T) {
	h, tgt := newTarget()

	// An unreadable item table degrades to an empty list instead of an
	// error.
	l := h.List(h.Int(1), h.Int(2))
	items := h.PtrAt(h.FieldAddr(l, "PyListObject", "ob_item"))
	h.Poison(items, 16)
	v, err := tgt.Reify(l)
	assertNoError(err, t, "Reify")
	if v.Kind != pyproc.ValList || len(v.Elems) != 0 {
		t.Errorf("got kind %v with %d elements, want empty list", v.Kind, len(v.Elems))
	}
}

func TestCorruptElementPointer(t *testing.T) {
	h, tgt := newTarget()

	l := h.List(h.Int(1), 0xbad00000, h.Int(3))
	if got := render(t, tgt, l); got != "[1, <unknown at remote 0xbad00000>, 3]" {
		t.Errorf("got %q", got)
	}
}

func TestReifyLayoutUnavailable(t *testing.T) {
	h, _ := newTarget()
	tgt := pyproc.NewTarget(h, pylayout.NewRegistry())

	_, err := tgt.Reify(h.None())
	if !errors.Is(err, pylayout.ErrLayoutUnavailable) {
		t.Errorf("err = %v, want ErrLayoutUnavailable", err)
	}
}

func TestVisitedFrozensetPlaceholder(t *testing.T) {
	h, tgt := newTarget()

	fs := h.Set("frozenset", 7, h.Int(1))
	table := h.PtrAt(h.FieldAddr(fs, "PySetObject", "table"))
	h.SetSetSlot(table, 3, fs)
	if got := render(t, tgt, fs); got != "frozenset([1, frozenset(...)])" {
		t.Errorf("got %q", got)
	}
}
