// Package test provides a fake CPython heap for decoder tests: object
// images are written into a byte buffer with the same layout tables the
// engine reads them back through.
package test

import (
	"encoding/binary"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/go-pyspect/pyspect/pkg/pylayout"
)

// Registry27 returns a layout registry resolved for a 64-bit CPython
// 2.7 target, the configuration most tests run against.
func Registry27() *pylayout.Registry {
	reg := pylayout.NewRegistry()
	if err := reg.Resolve(semver.MustParse("2.7.18"), pylayout.AMD64, pylayout.Params{}); err != nil {
		panic(err)
	}
	return reg
}

// baseFlags are the compatibility bits every built-in type of the
// target runtime carries. They share the flag word with the subclass
// bits classification looks at, so realistic fixtures keep them set.
const baseFlags = 0x1eb

// Heap is a fake target heap. Addresses handed out by the builder
// methods are valid for reads through the Memory interface; everything
// outside, and every poisoned range, fails like unmapped memory.
type Heap struct {
	reg  *pylayout.Registry
	base uint64
	buf  []byte

	poisoned [][2]uint64
	types    map[string]uint64
	none     uint64
}

// NewHeap returns an empty heap with the standard type objects of a
// CPython 2.7 runtime already laid out.
func NewHeap(reg *pylayout.Registry) *Heap {
	h := &Heap{
		reg:   reg,
		base:  0x100000,
		types: make(map[string]uint64),
	}

	h.NewType("int", baseFlags|1<<23)
	h.NewType("long", baseFlags|1<<24)
	h.NewType("str", baseFlags|1<<27)
	h.NewType("unicode", baseFlags|1<<28)
	h.NewType("list", baseFlags|1<<25)
	h.NewType("tuple", baseFlags|1<<26)
	h.NewType("dict", baseFlags|1<<29)
	h.NewType("bool", baseFlags|1<<23)
	h.NewType("NoneType", baseFlags)
	h.NewType("set", baseFlags)
	h.NewType("frozenset", baseFlags)
	h.NewType("frame", baseFlags)
	h.NewType("code", baseFlags)
	h.NewType("classobj", baseFlags)
	h.NewType("instance", baseFlags)
	h.NewType("float", baseFlags)

	h.none = h.newObject("PyObject", "NoneType", 0)
	return h
}

// ReadMemory implements pyproc.Memory.
func (h *Heap) ReadMemory(buf []byte, addr uint64) (int, error) {
	end := addr + uint64(len(buf))
	if addr < h.base || end > h.base+uint64(len(h.buf)) {
		return 0, fmt.Errorf("read %#x-%#x: unmapped", addr, end)
	}
	for _, p := range h.poisoned {
		if addr < p[1] && end > p[0] {
			return 0, fmt.Errorf("read %#x-%#x: unmapped", addr, end)
		}
	}
	copy(buf, h.buf[addr-h.base:])
	return len(buf), nil
}

// Poison makes reads overlapping [addr, addr+size) fail from now on.
func (h *Heap) Poison(addr uint64, size int64) {
	h.poisoned = append(h.poisoned, [2]uint64{addr, addr + uint64(size)})
}

// Alloc reserves size bytes of zeroed heap and returns their address.
func (h *Heap) Alloc(size int64) uint64 {
	const align = 16
	pad := (align - len(h.buf)%align) % align
	h.buf = append(h.buf, make([]byte, int(size)+pad)...)
	return h.base + uint64(len(h.buf)) - uint64(size)
}

// WriteUint writes a little-endian integer of the given byte size.
func (h *Heap) WriteUint(addr uint64, size int, v uint64) {
	off := addr - h.base
	switch size {
	case 1:
		h.buf[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(h.buf[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(h.buf[off:], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(h.buf[off:], v)
	default:
		panic(fmt.Sprintf("bad write size %d", size))
	}
}

// WriteBytes copies raw bytes into the heap.
func (h *Heap) WriteBytes(addr uint64, b []byte) {
	copy(h.buf[addr-h.base:], b)
}

func (h *Heap) layout(name string) *pylayout.Layout {
	l, err := h.reg.Lookup(name)
	if err != nil {
		panic(err)
	}
	return l
}

func (h *Heap) loc(structName, field string) pylayout.FieldLoc {
	locs, ok := h.layout(structName).Lookup(field)
	if !ok {
		panic(fmt.Sprintf("%s has no field %s", structName, field))
	}
	return locs[0]
}

// SetField writes an integer or pointer field of the structure at addr.
func (h *Heap) SetField(addr uint64, structName, field string, v uint64) {
	loc := h.loc(structName, field)
	h.WriteUint(addr+uint64(loc.Offset), loc.Size, v)
}

// SetInt writes a signed field (two's complement).
func (h *Heap) SetInt(addr uint64, structName, field string, v int64) {
	h.SetField(addr, structName, field, uint64(v))
}

// FieldAddr returns the address of a field of the structure at addr.
func (h *Heap) FieldAddr(addr uint64, structName, field string) uint64 {
	return addr + uint64(h.loc(structName, field).Offset)
}

// PtrAt reads a pointer-sized word back out of the heap. Cycle tests
// use it to find payload arrays laid out by the builder methods.
func (h *Heap) PtrAt(addr uint64) uint64 {
	buf := make([]byte, h.reg.Arch().PtrSize)
	if _, err := h.ReadMemory(buf, addr); err != nil {
		panic(err)
	}
	if len(buf) == 4 {
		return uint64(binary.LittleEndian.Uint32(buf))
	}
	return binary.LittleEndian.Uint64(buf)
}

// SetListItem overwrites the i-th element of a list laid out earlier.
func (h *Heap) SetListItem(list uint64, i int, elem uint64) {
	ptrSize := h.reg.Arch().PtrSize
	items := h.PtrAt(h.FieldAddr(list, "PyListObject", "ob_item"))
	h.WriteUint(items+uint64(i*ptrSize), ptrSize, elem)
}

// SetTupleItem overwrites the i-th element of a tuple laid out earlier.
func (h *Heap) SetTupleItem(tuple uint64, i int, elem uint64) {
	ptrSize := h.reg.Arch().PtrSize
	items := h.FieldAddr(tuple, "PyTupleObject", "ob_item")
	h.WriteUint(items+uint64(i*ptrSize), ptrSize, elem)
}

// CString writes a NUL-terminated string and returns its address.
func (h *Heap) CString(s string) uint64 {
	addr := h.Alloc(int64(len(s)) + 1)
	h.WriteBytes(addr, []byte(s))
	return addr
}

// NewType lays out a type object with the given display name and flag
// word and registers it under the name. Sizes and the dict offset stay
// zero; tests that need them set them afterwards.
func (h *Heap) NewType(name string, flags uint64) uint64 {
	l := h.layout("PyTypeObject")
	addr := h.Alloc(l.Size)
	h.SetInt(addr, "PyTypeObject", "ob_refcnt", 1)
	h.SetField(addr, "PyTypeObject", "tp_name", h.CString(name))
	h.SetField(addr, "PyTypeObject", "tp_flags", flags)
	h.types[name] = addr
	return addr
}

// TypeAddr returns the address of a registered type object.
func (h *Heap) TypeAddr(name string) uint64 {
	addr, ok := h.types[name]
	if !ok {
		panic(fmt.Sprintf("no type object %q", name))
	}
	return addr
}

func (h *Heap) newObject(structName, typeName string, extra int64) uint64 {
	addr := h.Alloc(h.layout(structName).Size + extra)
	h.SetInt(addr, structName, "ob_refcnt", 1)
	h.SetField(addr, structName, "ob_type", h.TypeAddr(typeName))
	return addr
}

// None returns the heap's none singleton.
func (h *Heap) None() uint64 { return h.none }

// Bool lays out one of the two boolean singletons.
func (h *Heap) Bool(v bool) uint64 {
	addr := h.newObject("PyBoolObject", "bool", 0)
	if v {
		h.SetInt(addr, "PyBoolObject", "ob_ival", 1)
	}
	return addr
}

// Int lays out a plain machine-word integer.
func (h *Heap) Int(v int64) uint64 {
	addr := h.newObject("PyIntObject", "int", 0)
	h.SetInt(addr, "PyIntObject", "ob_ival", v)
	return addr
}

// Long lays out an arbitrary-precision integer from raw digits, least
// significant first. sign is the sign of ob_size: -1, 0 or 1.
func (h *Heap) Long(digits []uint64, sign int) uint64 {
	digitSize := h.reg.Params().DigitSize
	addr := h.newObject("PyLongObject", "long", int64(len(digits)*digitSize))
	h.SetInt(addr, "PyLongObject", "ob_size", int64(sign)*int64(len(digits)))
	base := h.FieldAddr(addr, "PyLongObject", "ob_digit")
	for i, d := range digits {
		h.WriteUint(base+uint64(i*digitSize), digitSize, d)
	}
	return addr
}

// Str lays out a byte string with its payload inline.
func (h *Heap) Str(s string) uint64 {
	addr := h.newObject("PyStringObject", "str", int64(len(s))+1)
	h.SetInt(addr, "PyStringObject", "ob_size", int64(len(s)))
	h.WriteBytes(h.FieldAddr(addr, "PyStringObject", "ob_sval"), []byte(s))
	return addr
}

// Unicode lays out a unicode string; the code unit buffer is a separate
// allocation like in the real runtime.
func (h *Heap) Unicode(runes []rune) uint64 {
	usize := h.reg.Params().UnicodeSize
	addr := h.newObject("PyUnicodeObject", "unicode", 0)
	buf := h.Alloc(int64(len(runes) * usize))
	for i, r := range runes {
		h.WriteUint(buf+uint64(i*usize), usize, uint64(r))
	}
	h.SetInt(addr, "PyUnicodeObject", "length", int64(len(runes)))
	h.SetField(addr, "PyUnicodeObject", "str", buf)
	return addr
}

// List lays out a list; the item array is a separate allocation.
func (h *Heap) List(elems ...uint64) uint64 {
	ptrSize := h.reg.Arch().PtrSize
	addr := h.newObject("PyListObject", "list", 0)
	items := h.Alloc(int64(len(elems) * ptrSize))
	for i, e := range elems {
		h.WriteUint(items+uint64(i*ptrSize), ptrSize, e)
	}
	h.SetInt(addr, "PyListObject", "ob_size", int64(len(elems)))
	h.SetField(addr, "PyListObject", "ob_item", items)
	return addr
}

// Tuple lays out a tuple with its item array inline.
func (h *Heap) Tuple(elems ...uint64) uint64 {
	ptrSize := h.reg.Arch().PtrSize
	extra := int64(0)
	if len(elems) > 1 {
		extra = int64((len(elems) - 1) * ptrSize)
	}
	addr := h.newObject("PyTupleObject", "tuple", extra)
	h.SetInt(addr, "PyTupleObject", "ob_size", int64(len(elems)))
	items := h.FieldAddr(addr, "PyTupleObject", "ob_item")
	for i, e := range elems {
		h.WriteUint(items+uint64(i*ptrSize), ptrSize, e)
	}
	return addr
}

// Dict lays out a dict with the given slot count; pairs fill the
// leading slots. mask+1 must be at least len(pairs).
func (h *Heap) Dict(mask int64, pairs ...[2]uint64) uint64 {
	if int64(len(pairs)) > mask+1 {
		panic("more pairs than slots")
	}
	entry := h.layout("PyDictEntry")
	addr := h.newObject("PyDictObject", "dict", 0)
	table := h.Alloc((mask + 1) * entry.Size)
	for i, kv := range pairs {
		h.SetDictSlot(table, i, kv[0], kv[1])
	}
	h.SetInt(addr, "PyDictObject", "ma_used", int64(len(pairs)))
	h.SetInt(addr, "PyDictObject", "ma_mask", mask)
	h.SetField(addr, "PyDictObject", "ma_table", table)
	return addr
}

// SetDictSlot writes one key/value entry of a dict table.
func (h *Heap) SetDictSlot(table uint64, i int, key, value uint64) {
	entry := h.layout("PyDictEntry")
	slot := table + uint64(int64(i)*entry.Size)
	h.WriteUint(slot+uint64(h.loc("PyDictEntry", "me_key").Offset), h.reg.Arch().PtrSize, key)
	h.WriteUint(slot+uint64(h.loc("PyDictEntry", "me_value").Offset), h.reg.Arch().PtrSize, value)
}

// Set lays out a set or frozenset with the given slot count; keys fill
// the leading slots.
func (h *Heap) Set(typeName string, mask int64, keys ...uint64) uint64 {
	if int64(len(keys)) > mask+1 {
		panic("more keys than slots")
	}
	entry := h.layout("PySetEntry")
	addr := h.newObject("PySetObject", typeName, 0)
	table := h.Alloc((mask + 1) * entry.Size)
	for i, k := range keys {
		h.SetSetSlot(table, i, k)
	}
	h.SetInt(addr, "PySetObject", "used", int64(len(keys)))
	h.SetInt(addr, "PySetObject", "mask", mask)
	h.SetField(addr, "PySetObject", "table", table)
	return addr
}

// SetSetSlot writes one key entry of a set table.
func (h *Heap) SetSetSlot(table uint64, i int, key uint64) {
	entry := h.layout("PySetEntry")
	slot := table + uint64(int64(i)*entry.Size)
	h.WriteUint(slot+uint64(h.loc("PySetEntry", "key").Offset), h.reg.Arch().PtrSize, key)
}

// Class lays out a legacy class object with the given name.
func (h *Heap) Class(name string) uint64 {
	addr := h.newObject("PyClassObject", "classobj", 0)
	h.SetField(addr, "PyClassObject", "cl_name", h.Str(name))
	return addr
}

// Instance lays out a legacy instance of cls with the given attribute
// dict (0 for none).
func (h *Heap) Instance(cls, dict uint64) uint64 {
	addr := h.newObject("PyInstanceObject", "instance", 0)
	h.SetField(addr, "PyInstanceObject", "in_class", cls)
	h.SetField(addr, "PyInstanceObject", "in_dict", dict)
	return addr
}

// NewHeapType lays out a user-defined (heap) type with the given dict
// offset and sizes.
func (h *Heap) NewHeapType(name string, dictoffset, basicsize, itemsize int64) uint64 {
	addr := h.NewType(name, baseFlags|1<<9)
	h.SetInt(addr, "PyTypeObject", "tp_dictoffset", dictoffset)
	h.SetInt(addr, "PyTypeObject", "tp_basicsize", basicsize)
	h.SetInt(addr, "PyTypeObject", "tp_itemsize", itemsize)
	return addr
}

// HeapObject allocates size bytes for an instance of the heap type at
// typeAddr and fills in the object header.
func (h *Heap) HeapObject(typeAddr uint64, size int64) uint64 {
	addr := h.Alloc(size)
	h.SetInt(addr, "PyObject", "ob_refcnt", 1)
	h.SetField(addr, "PyObject", "ob_type", typeAddr)
	return addr
}

// Exception lays out an exception instance. A type named typeName with
// the exception flag is created on first use.
func (h *Heap) Exception(typeName string, args uint64) uint64 {
	if _, ok := h.types[typeName]; !ok {
		h.NewType(typeName, baseFlags|1<<30)
	}
	addr := h.newObject("PyBaseExceptionObject", typeName, 0)
	h.SetField(addr, "PyBaseExceptionObject", "args", args)
	return addr
}

// Code lays out a code object.
func (h *Heap) Code(filename, funcname string, firstlineno int64, lnotab []byte, varnames ...string) uint64 {
	addr := h.newObject("PyCodeObject", "code", 0)
	names := make([]uint64, len(varnames))
	for i, n := range varnames {
		names[i] = h.Str(n)
	}
	h.SetField(addr, "PyCodeObject", "co_filename", h.Str(filename))
	h.SetField(addr, "PyCodeObject", "co_name", h.Str(funcname))
	h.SetInt(addr, "PyCodeObject", "co_firstlineno", firstlineno)
	h.SetField(addr, "PyCodeObject", "co_lnotab", h.Str(string(lnotab)))
	h.SetInt(addr, "PyCodeObject", "co_nlocals", int64(len(varnames)))
	h.SetField(addr, "PyCodeObject", "co_varnames", h.Tuple(names...))
	return addr
}

// Frame lays out a frame running code, with locals in the slot table (0
// for unbound slots).
func (h *Heap) Frame(code, back uint64, lasti int64, locals ...uint64) uint64 {
	ptrSize := h.reg.Arch().PtrSize
	extra := int64(0)
	if len(locals) > 1 {
		extra = int64((len(locals) - 1) * ptrSize)
	}
	addr := h.newObject("PyFrameObject", "frame", extra)
	h.SetField(addr, "PyFrameObject", "f_back", back)
	h.SetField(addr, "PyFrameObject", "f_code", code)
	h.SetInt(addr, "PyFrameObject", "f_lasti", lasti)
	slots := h.FieldAddr(addr, "PyFrameObject", "f_localsplus")
	for i, l := range locals {
		h.WriteUint(slots+uint64(i*ptrSize), ptrSize, l)
	}
	return addr
}

// SetTrace installs a fake trace hook on a frame and stores lineno as
// its directly-tracked line.
func (h *Heap) SetTrace(frame uint64, lineno int64) {
	h.SetField(frame, "PyFrameObject", "f_trace", h.None())
	h.SetInt(frame, "PyFrameObject", "f_lineno", lineno)
}
