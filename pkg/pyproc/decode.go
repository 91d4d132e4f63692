package pyproc

import (
	"encoding/binary"
	"go/constant"
	"go/token"
	"unicode/utf8"
)

// safetyCeiling caps every loop driven by a count read from the target,
// so that corrupt data cannot push the debugger into unbounded work.
const safetyCeiling = 100

// clampCount applies the safety ceiling to an element count read from
// the target. Negative counts collapse to zero, anything above the
// ceiling is silently truncated.
func clampCount(n int64) int64 {
	if n < 0 {
		return 0
	}
	if n > safetyCeiling {
		return safetyCeiling
	}
	return n
}

func visitedPlaceholder(addr uint64, rep string) *Value {
	return &Value{Kind: ValVisited, Addr: addr, Str: rep}
}

func (t *Target) decodeOpaque(obj Object) *Value {
	return &Value{Kind: ValOpaque, Addr: obj.Address(), TypeName: obj.SafeTypeName()}
}

func (t *Target) decodeBool(obj Object) *Value {
	v := &Value{Kind: ValBool, Addr: obj.Address(), Num: constant.MakeBool(false)}
	o, err := obj.Cast("PyBoolObject")
	if err != nil {
		t.log.Debugf("decode bool %#x: %v", obj.Address(), err)
		return v
	}
	ival, err := o.FieldInt("ob_ival")
	if err != nil {
		t.log.Debugf("decode bool %#x: %v", obj.Address(), err)
		return v
	}
	v.Num = constant.MakeBool(ival != 0)
	return v
}

func (t *Target) decodeInt(obj Object) *Value {
	v := &Value{Kind: ValInt, Addr: obj.Address(), Num: constant.MakeInt64(0)}
	o, err := obj.Cast("PyIntObject")
	if err != nil {
		t.log.Debugf("decode int %#x: %v", obj.Address(), err)
		return v
	}
	ival, err := o.FieldInt("ob_ival")
	if err != nil {
		t.log.Debugf("decode int %#x: %v", obj.Address(), err)
		return v
	}
	v.Num = constant.MakeInt64(ival)
	return v
}

// decodeLong reconstructs an arbitrary-precision integer. The absolute
// value is the sum of digit[i] * 2**(shift*i) where the shift depends
// on the runtime's digit width; the sign of ob_size is the sign of the
// number and ob_size == 0 encodes zero.
func (t *Target) decodeLong(obj Object) *Value {
	v := &Value{Kind: ValInt, Addr: obj.Address(), Num: constant.MakeInt64(0)}
	o, err := obj.Cast("PyLongObject")
	if err != nil {
		t.log.Debugf("decode long %#x: %v", obj.Address(), err)
		return v
	}
	size, err := o.FieldInt("ob_size")
	if err != nil {
		t.log.Debugf("decode long %#x: %v", obj.Address(), err)
		return v
	}
	if size == 0 {
		return v
	}
	negative := size < 0
	if negative {
		size = -size
	}
	ndigits := clampCount(size)
	digitAddr, err := o.FieldAddr("ob_digit")
	if err != nil {
		t.log.Debugf("decode long %#x: %v", obj.Address(), err)
		return v
	}

	params := t.layouts.Params()
	digitSize := params.DigitSize
	shift := uint(params.DigitBits())
	mem := cacheMemory(o.mem, digitAddr, int(ndigits)*digitSize)

	sum := constant.MakeInt64(0)
	for i := int64(0); i < ndigits; i++ {
		d, err := readUintRaw(mem, digitAddr+uint64(i)*uint64(digitSize), digitSize)
		if err != nil {
			t.log.Debugf("decode long %#x: digit %d: %v", obj.Address(), i, err)
			return v
		}
		term := constant.Shift(constant.MakeUint64(d), token.SHL, shift*uint(i))
		sum = constant.BinaryOp(sum, token.ADD, term)
	}
	if negative {
		sum = constant.UnaryOp(token.SUB, sum, 0)
	}
	v.Num = sum
	return v
}

func (t *Target) decodeString(obj Object) *Value {
	v := &Value{Kind: ValStr, Addr: obj.Address()}
	o, err := obj.Cast("PyStringObject")
	if err != nil {
		t.log.Debugf("decode str %#x: %v", obj.Address(), err)
		return v
	}
	size, err := o.FieldInt("ob_size")
	if err != nil {
		t.log.Debugf("decode str %#x: %v", obj.Address(), err)
		return v
	}
	n := clampCount(size)
	if n == 0 {
		return v
	}
	svalAddr, err := o.FieldAddr("ob_sval")
	if err != nil {
		t.log.Debugf("decode str %#x: %v", obj.Address(), err)
		return v
	}
	buf := make([]byte, n)
	if _, err := o.mem.ReadMemory(buf, svalAddr); err != nil {
		t.log.Debugf("decode str %#x: %v", obj.Address(), err)
		return v
	}
	v.Str = string(buf)
	return v
}

func (t *Target) decodeUnicode(obj Object) *Value {
	v := &Value{Kind: ValUnicode, Addr: obj.Address()}
	o, err := obj.Cast("PyUnicodeObject")
	if err != nil {
		t.log.Debugf("decode unicode %#x: %v", obj.Address(), err)
		return v
	}
	length, err := o.FieldInt("length")
	if err != nil {
		t.log.Debugf("decode unicode %#x: %v", obj.Address(), err)
		return v
	}
	strPtr, err := o.FieldPtr("str")
	if err != nil {
		t.log.Debugf("decode unicode %#x: %v", obj.Address(), err)
		return v
	}
	n := clampCount(length)
	if n == 0 || strPtr == 0 {
		return v
	}

	usize := t.layouts.Params().UnicodeSize
	raw := make([]byte, int(n)*usize)
	if _, err := o.mem.ReadMemory(raw, strPtr); err != nil {
		t.log.Debugf("decode unicode %#x: %v", obj.Address(), err)
		return v
	}
	runes := make([]rune, 0, n)
	for i := 0; i < int(n); i++ {
		var r rune
		if usize == 2 {
			r = rune(binary.LittleEndian.Uint16(raw[i*2:]))
		} else {
			r = rune(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		// Lone surrogates and out-of-range code units cannot live in a
		// UTF-8 string; substitute the replacement character.
		if r > utf8.MaxRune || (r >= 0xd800 && r < 0xe000) {
			r = utf8.RuneError
		}
		runes = append(runes, r)
	}
	v.Str = string(runes)
	return v
}

func (t *Target) decodeList(obj Object, visited map[uint64]bool) *Value {
	if visited[obj.Address()] {
		return visitedPlaceholder(obj.Address(), "[...]")
	}
	visited[obj.Address()] = true

	v := &Value{Kind: ValList, Addr: obj.Address()}
	o, err := obj.Cast("PyListObject")
	if err != nil {
		t.log.Debugf("decode list %#x: %v", obj.Address(), err)
		return v
	}
	size, err := o.FieldInt("ob_size")
	if err != nil {
		t.log.Debugf("decode list %#x: %v", obj.Address(), err)
		return v
	}
	items, err := o.FieldPtr("ob_item")
	if err != nil {
		t.log.Debugf("decode list %#x: %v", obj.Address(), err)
		return v
	}
	n := clampCount(size)
	ptrSize := t.ptrSize()
	mem := cacheMemory(o.mem, items, int(n)*ptrSize)
	for i := int64(0); i < n; i++ {
		elem, err := readUintRaw(mem, items+uint64(i)*uint64(ptrSize), ptrSize)
		if err != nil {
			t.log.Debugf("decode list %#x: item %d: %v", obj.Address(), i, err)
			break
		}
		v.Elems = append(v.Elems, t.reify(elem, visited))
	}
	return v
}

func (t *Target) decodeTuple(obj Object, visited map[uint64]bool) *Value {
	if visited[obj.Address()] {
		return visitedPlaceholder(obj.Address(), "(...)")
	}
	visited[obj.Address()] = true

	v := &Value{Kind: ValTuple, Addr: obj.Address()}
	o, err := obj.Cast("PyTupleObject")
	if err != nil {
		t.log.Debugf("decode tuple %#x: %v", obj.Address(), err)
		return v
	}
	size, err := o.FieldInt("ob_size")
	if err != nil {
		t.log.Debugf("decode tuple %#x: %v", obj.Address(), err)
		return v
	}
	// Unlike a list, a tuple's item array is allocated inline.
	items, err := o.FieldAddr("ob_item")
	if err != nil {
		t.log.Debugf("decode tuple %#x: %v", obj.Address(), err)
		return v
	}
	n := clampCount(size)
	ptrSize := t.ptrSize()
	mem := cacheMemory(o.mem, items, int(n)*ptrSize)
	for i := int64(0); i < n; i++ {
		elem, err := readUintRaw(mem, items+uint64(i)*uint64(ptrSize), ptrSize)
		if err != nil {
			t.log.Debugf("decode tuple %#x: item %d: %v", obj.Address(), i, err)
			break
		}
		v.Elems = append(v.Elems, t.reify(elem, visited))
	}
	return v
}

func (t *Target) decodeDict(obj Object, visited map[uint64]bool) *Value {
	if visited[obj.Address()] {
		return visitedPlaceholder(obj.Address(), "{...}")
	}
	visited[obj.Address()] = true

	v := &Value{Kind: ValDict, Addr: obj.Address()}
	o, err := obj.Cast("PyDictObject")
	if err != nil {
		t.log.Debugf("decode dict %#x: %v", obj.Address(), err)
		return v
	}
	mask, err := o.FieldInt("ma_mask")
	if err != nil {
		t.log.Debugf("decode dict %#x: %v", obj.Address(), err)
		return v
	}
	table, err := o.FieldPtr("ma_table")
	if err != nil {
		t.log.Debugf("decode dict %#x: %v", obj.Address(), err)
		return v
	}
	entry, err := t.layouts.Lookup("PyDictEntry")
	if err != nil {
		t.log.Debugf("decode dict %#x: %v", obj.Address(), err)
		return v
	}
	keyLocs, ok1 := entry.Lookup("me_key")
	valLocs, ok2 := entry.Lookup("me_value")
	if !ok1 || !ok2 {
		return v
	}
	keyLoc, valLoc := keyLocs[0], valLocs[0]

	n := clampCount(mask + 1)
	mem := cacheMemory(o.mem, table, int(n*entry.Size))
	for i := int64(0); i < n; i++ {
		slot := table + uint64(i*entry.Size)
		valPtr, err := readUintRaw(mem, slot+uint64(valLoc.Offset), valLoc.Size)
		if err != nil {
			t.log.Debugf("decode dict %#x: slot %d: %v", obj.Address(), i, err)
			break
		}
		if valPtr == 0 {
			continue
		}
		keyPtr, err := readUintRaw(mem, slot+uint64(keyLoc.Offset), keyLoc.Size)
		if err != nil {
			t.log.Debugf("decode dict %#x: slot %d: %v", obj.Address(), i, err)
			break
		}
		v.Pairs = append(v.Pairs, Pair{
			Key: t.reify(keyPtr, visited),
			Val: t.reify(valPtr, visited),
		})
	}
	return v
}

// setDummyKey is the rendering of the tombstone left behind when a set
// member is deleted; such slots are live in the table but not members.
const setDummyKey = "<dummy key>"

func (t *Target) decodeSet(obj Object, visited map[uint64]bool) *Value {
	name := obj.SafeTypeName()
	if visited[obj.Address()] {
		return visitedPlaceholder(obj.Address(), name+"(...)")
	}
	visited[obj.Address()] = true

	v := &Value{Kind: ValSet, Addr: obj.Address()}
	if name == "frozenset" {
		v.Kind = ValFrozenSet
	}
	o, err := obj.Cast("PySetObject")
	if err != nil {
		t.log.Debugf("decode set %#x: %v", obj.Address(), err)
		return v
	}
	mask, err := o.FieldInt("mask")
	if err != nil {
		t.log.Debugf("decode set %#x: %v", obj.Address(), err)
		return v
	}
	table, err := o.FieldPtr("table")
	if err != nil {
		t.log.Debugf("decode set %#x: %v", obj.Address(), err)
		return v
	}
	entry, err := t.layouts.Lookup("PySetEntry")
	if err != nil {
		t.log.Debugf("decode set %#x: %v", obj.Address(), err)
		return v
	}
	keyLocs, ok := entry.Lookup("key")
	if !ok {
		return v
	}
	keyLoc := keyLocs[0]

	n := clampCount(mask + 1)
	mem := cacheMemory(o.mem, table, int(n*entry.Size))
	for i := int64(0); i < n; i++ {
		keyPtr, err := readUintRaw(mem, table+uint64(i*entry.Size)+uint64(keyLoc.Offset), keyLoc.Size)
		if err != nil {
			t.log.Debugf("decode set %#x: slot %d: %v", obj.Address(), i, err)
			break
		}
		if keyPtr == 0 {
			continue
		}
		key := t.reify(keyPtr, visited)
		if key.Kind == ValStr && key.Str == setDummyKey {
			continue
		}
		v.Elems = append(v.Elems, key)
	}
	return v
}

// decodeInstance handles legacy-style instances, whose class is carried
// by the object itself rather than by its runtime type.
func (t *Target) decodeInstance(obj Object, visited map[uint64]bool) *Value {
	if visited[obj.Address()] {
		return visitedPlaceholder(obj.Address(), "<...>")
	}
	visited[obj.Address()] = true

	v := &Value{Kind: ValInstance, Addr: obj.Address(), TypeName: "unknown", HasDict: true}
	o, err := obj.Cast("PyInstanceObject")
	if err != nil {
		t.log.Debugf("decode instance %#x: %v", obj.Address(), err)
		return v
	}

	if clsPtr, err := o.FieldPtr("in_class"); err == nil && clsPtr != 0 {
		if name, ok := t.classDisplayName(clsPtr, visited); ok {
			v.TypeName = name
		}
	} else if err != nil {
		t.log.Debugf("decode instance %#x: %v", obj.Address(), err)
	}

	dictPtr, err := o.FieldPtr("in_dict")
	if err != nil {
		t.log.Debugf("decode instance %#x: %v", obj.Address(), err)
		return v
	}
	attrs := t.reify(dictPtr, visited)
	if attrs.Kind == ValDict {
		v.Pairs = attrs.Pairs
	} else {
		v.HasDict = false
	}
	return v
}

// classDisplayName reads the name of a legacy class object.
func (t *Target) classDisplayName(clsPtr uint64, visited map[uint64]bool) (string, bool) {
	cls, err := t.NewObject(clsPtr, "PyClassObject")
	if err != nil {
		return "", false
	}
	namePtr, err := cls.FieldPtr("cl_name")
	if err != nil {
		t.log.Debugf("class name %#x: %v", clsPtr, err)
		return "", false
	}
	name := t.reify(namePtr, visited)
	if name.Kind != ValStr {
		return "", false
	}
	return name.Str, true
}

// decodeHeapInstance handles instances of user-defined types: locate
// the attribute dictionary through tp_dictoffset, the way the runtime's
// own attribute lookup does, ignoring descriptors.
func (t *Target) decodeHeapInstance(obj Object, typ Object, visited map[uint64]bool) *Value {
	if visited[obj.Address()] {
		return visitedPlaceholder(obj.Address(), "<...>")
	}
	visited[obj.Address()] = true

	v := &Value{Kind: ValInstance, Addr: obj.Address(), TypeName: obj.SafeTypeName(), HasDict: true}
	dictoffset, err := typ.FieldInt("tp_dictoffset")
	if err != nil {
		t.log.Debugf("decode instance %#x: %v", obj.Address(), err)
		return v
	}
	if dictoffset == 0 {
		return v
	}
	if dictoffset < 0 {
		// Variable-length types store the dict pointer after the items;
		// the offset is relative to the end of the object.
		varObj, err := obj.Cast("PyVarObject")
		if err != nil {
			t.log.Debugf("decode instance %#x: %v", obj.Address(), err)
			return v
		}
		tsize, err := varObj.FieldInt("ob_size")
		if err != nil {
			t.log.Debugf("decode instance %#x: %v", obj.Address(), err)
			return v
		}
		size, err := obj.VarSize(tsize)
		if err != nil {
			t.log.Debugf("decode instance %#x: %v", obj.Address(), err)
			return v
		}
		dictoffset += size
		if dictoffset <= 0 || dictoffset%int64(t.ptrSize()) != 0 {
			t.log.Debugf("decode instance %#x: implausible dict offset %d", obj.Address(), dictoffset)
			return v
		}
	}
	dictPtr, err := readUintRaw(obj.mem, obj.Address()+uint64(dictoffset), t.ptrSize())
	if err != nil {
		t.log.Debugf("decode instance %#x: %v", obj.Address(), err)
		return v
	}
	attrs := t.reify(dictPtr, visited)
	if attrs.Kind == ValDict {
		v.Pairs = attrs.Pairs
	} else {
		v.HasDict = false
	}
	return v
}

func (t *Target) decodeException(obj Object, visited map[uint64]bool) *Value {
	if visited[obj.Address()] {
		return visitedPlaceholder(obj.Address(), "(...)")
	}
	visited[obj.Address()] = true

	v := &Value{Kind: ValException, Addr: obj.Address(), TypeName: obj.SafeTypeName()}
	o, err := obj.Cast("PyBaseExceptionObject")
	if err != nil {
		t.log.Debugf("decode exception %#x: %v", obj.Address(), err)
		return v
	}
	argsPtr, err := o.FieldPtr("args")
	if err != nil {
		t.log.Debugf("decode exception %#x: %v", obj.Address(), err)
		return v
	}
	args := t.reify(argsPtr, visited)
	switch args.Kind {
	case ValTuple:
		v.Elems = args.Elems
	case ValVisited:
		v.Str = args.Str
	}
	return v
}
