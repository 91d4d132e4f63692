package pyproc

// Kind identifies which decoder applies to an object.
type Kind int

const (
	// KindGeneric decodes to an opaque "<name at remote 0x...>" proxy.
	// It is the fallback for every classification failure.
	KindGeneric Kind = iota
	KindBool
	KindClass
	KindInstance
	KindNone
	KindFrame
	KindSet
	KindHeapInstance
	KindInt
	KindLong
	KindList
	KindTuple
	KindBytes
	KindUnicode
	KindDict
	KindException
)

// Type flag bits of the target runtime's type objects.
const (
	tpflagHeapType        = 1 << 9
	tpflagIntSubclass     = 1 << 23
	tpflagLongSubclass    = 1 << 24
	tpflagListSubclass    = 1 << 25
	tpflagTupleSubclass   = 1 << 26
	tpflagStringSubclass  = 1 << 27
	tpflagUnicodeSubclass = 1 << 28
	tpflagDictSubclass    = 1 << 29
	tpflagBaseExcSubclass = 1 << 30
	tpflagTypeSubclass    = 1 << 31
)

// kindByTypeName special-cases the categories that are not visible
// through the subclass flags. It is consulted before the flags, so a
// heap-allocated type named "frame" still decodes as a frame.
var kindByTypeName = map[string]Kind{
	"bool":      KindBool,
	"classobj":  KindClass,
	"instance":  KindInstance,
	"NoneType":  KindNone,
	"frame":     KindFrame,
	"set":       KindSet,
	"frozenset": KindSet,
}

var kindByFlag = []struct {
	flag uint64
	kind Kind
}{
	{tpflagIntSubclass, KindInt},
	{tpflagLongSubclass, KindLong},
	{tpflagListSubclass, KindList},
	{tpflagTupleSubclass, KindTuple},
	{tpflagStringSubclass, KindBytes},
	{tpflagUnicodeSubclass, KindUnicode},
	{tpflagDictSubclass, KindDict},
	{tpflagBaseExcSubclass, KindException},
}

// classify decides which decoder applies to objects of the type typ.
// It never fails: a type object whose name or flags cannot be read
// classifies as KindGeneric. Successful classifications are cached by
// type address; failed ones are not, so a later attempt may do better.
func (t *Target) classify(typ Object) Kind {
	if typ.IsNull() {
		return KindGeneric
	}
	if kind, ok := t.kinds.Get(typ.Address()); ok {
		return kind.(Kind)
	}

	name, err := t.typeName(typ)
	if err != nil {
		t.log.Debugf("classify %#x: unreadable tp_name: %v", typ.Address(), err)
		return KindGeneric
	}
	flags, err := typ.FieldUint("tp_flags")
	if err != nil {
		t.log.Debugf("classify %#x: unreadable tp_flags: %v", typ.Address(), err)
		return KindGeneric
	}

	kind := KindGeneric
	if k, ok := kindByTypeName[name]; ok {
		kind = k
	} else if flags&tpflagHeapType != 0 {
		kind = KindHeapInstance
	} else {
		for _, e := range kindByFlag {
			if flags&e.flag != 0 {
				kind = e.kind
				break
			}
		}
	}

	t.kinds.Add(typ.Address(), kind)
	return kind
}

// Reify reconstructs the object at addr into a proxy value. The error
// is non-nil only when no layout profile has been resolved for the
// target yet; every condition found in the target's own memory, null
// and corrupt pointers included, degrades to a fallback proxy instead.
func (t *Target) Reify(addr uint64) (*Value, error) {
	if _, err := t.layouts.Lookup("PyObject"); err != nil {
		return nil, err
	}
	return t.reify(addr, make(map[uint64]bool)), nil
}

// reify dispatches one object pointer to its decoder.
func (t *Target) reify(addr uint64, visited map[uint64]bool) *Value {
	if addr == 0 {
		return &Value{Kind: ValOpaque}
	}
	obj, err := t.NewObject(addr, "PyObject")
	if err != nil {
		return &Value{Kind: ValOpaque, Addr: addr, TypeName: "unknown"}
	}
	typ, err := obj.Type()
	if err != nil {
		t.log.Debugf("reify %#x: unreadable ob_type: %v", addr, err)
		return &Value{Kind: ValOpaque, Addr: addr, TypeName: "unknown"}
	}

	switch t.classify(typ) {
	case KindBool:
		return t.decodeBool(obj)
	case KindInstance:
		return t.decodeInstance(obj, visited)
	case KindNone:
		return &Value{Kind: ValNone, Addr: addr}
	case KindFrame:
		return t.decodeFrame(obj, visited)
	case KindSet:
		return t.decodeSet(obj, visited)
	case KindHeapInstance:
		return t.decodeHeapInstance(obj, typ, visited)
	case KindInt:
		return t.decodeInt(obj)
	case KindLong:
		return t.decodeLong(obj)
	case KindList:
		return t.decodeList(obj, visited)
	case KindTuple:
		return t.decodeTuple(obj, visited)
	case KindBytes:
		return t.decodeString(obj)
	case KindUnicode:
		return t.decodeUnicode(obj)
	case KindDict:
		return t.decodeDict(obj, visited)
	case KindException:
		return t.decodeException(obj, visited)
	default: // KindClass, KindGeneric
		return t.decodeOpaque(obj)
	}
}
