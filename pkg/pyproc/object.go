package pyproc

import (
	"github.com/go-pyspect/pyspect/pkg/pylayout"
)

// Object is a handle to a single object in the target's memory, viewed
// through the layout of one runtime structure. Handles are ephemeral:
// they are built per inspection and never outlive it, because foreign
// memory can change between stops.
type Object struct {
	t      *Target
	mem    Memory
	addr   uint64
	layout *pylayout.Layout
}

// NewObject returns a handle on the object at addr viewed as structName.
// It fails only when the layout registry cannot supply the structure.
func (t *Target) NewObject(addr uint64, structName string) (Object, error) {
	l, err := t.layouts.Lookup(structName)
	if err != nil {
		return Object{}, err
	}
	return Object{t: t, mem: t.mem, addr: addr, layout: l}, nil
}

// IsNull reports whether the handle wraps a null pointer.
func (o Object) IsNull() bool { return o.addr == 0 }

// Address returns the target address the handle wraps.
func (o Object) Address() uint64 { return o.addr }

// Cast returns a handle on the same address viewed as a different
// structure. The memory view (and any read cache on it) is kept.
func (o Object) Cast(structName string) (Object, error) {
	l, err := o.t.layouts.Lookup(structName)
	if err != nil {
		return Object{}, err
	}
	return Object{t: o.t, mem: o.mem, addr: o.addr, layout: l}, nil
}

func (o Object) locate(name string) ([]pylayout.FieldLoc, error) {
	if o.IsNull() {
		return nil, &NullObjectError{Addr: o.addr}
	}
	locs, ok := o.layout.Lookup(name)
	if !ok {
		return nil, &UnresolvedFieldError{Struct: o.layout.Name, Field: name}
	}
	return locs, nil
}

// FieldUint reads the named field as an unsigned integer. Candidate
// locations are tried in order and the first readable one wins; this is
// what lets one logical field name cover runtime versions that moved it
// inside an embedded header.
func (o Object) FieldUint(name string) (uint64, error) {
	locs, err := o.locate(name)
	if err != nil {
		return 0, err
	}
	var firstErr error
	for _, loc := range locs {
		v, err := readUintRaw(o.mem, o.addr+uint64(loc.Offset), loc.Size)
		if err == nil {
			return v, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return 0, &UnresolvedFieldError{Struct: o.layout.Name, Field: name, Cause: firstErr}
}

// FieldInt reads the named field as a sign-extended integer.
func (o Object) FieldInt(name string) (int64, error) {
	locs, err := o.locate(name)
	if err != nil {
		return 0, err
	}
	var firstErr error
	for _, loc := range locs {
		v, err := readIntRaw(o.mem, o.addr+uint64(loc.Offset), loc.Size)
		if err == nil {
			return v, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return 0, &UnresolvedFieldError{Struct: o.layout.Name, Field: name, Cause: firstErr}
}

// FieldPtr reads the named field as a pointer into the target.
func (o Object) FieldPtr(name string) (uint64, error) {
	return o.FieldUint(name)
}

// FieldAddr returns the address of an inline field, for structures that
// embed their payload directly (tuple item arrays, string bytes, long
// digits). No memory is read.
func (o Object) FieldAddr(name string) (uint64, error) {
	locs, err := o.locate(name)
	if err != nil {
		return 0, err
	}
	return o.addr + uint64(locs[0].Offset), nil
}

// Type follows ob_type and returns a handle on the object's runtime
// type object.
func (o Object) Type() (Object, error) {
	tp, err := o.FieldPtr("ob_type")
	if err != nil {
		return Object{}, err
	}
	if tp == 0 {
		return Object{}, &NullObjectError{Addr: o.addr}
	}
	typ, err := o.t.NewObject(tp, "PyTypeObject")
	if err != nil {
		return Object{}, err
	}
	// Type objects are read several fields at a time (name, flags,
	// sizes); load the whole structure once.
	typ.mem = cacheMemory(o.t.mem, tp, int(typ.layout.Size))
	return typ, nil
}

// SafeTypeName returns the display name of the object's runtime type.
// Any failure along the way, a null handle or type pointer included,
// yields "unknown" instead of an error.
func (o Object) SafeTypeName() string {
	typ, err := o.Type()
	if err != nil {
		return "unknown"
	}
	name, err := o.t.typeName(typ)
	if err != nil {
		return "unknown"
	}
	return name
}

// VarSize computes the allocated size of a variable-length object with
// n items the way the runtime itself does: basic size plus items,
// rounded up to pointer alignment.
func (o Object) VarSize(n int64) (int64, error) {
	typ, err := o.Type()
	if err != nil {
		return 0, err
	}
	basic, err := typ.FieldInt("tp_basicsize")
	if err != nil {
		return 0, err
	}
	item, err := typ.FieldInt("tp_itemsize")
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = -n
	}
	align := int64(o.t.ptrSize())
	return (basic + n*item + align - 1) &^ (align - 1), nil
}
