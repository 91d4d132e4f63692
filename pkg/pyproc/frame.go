package pyproc

import (
	"bytes"
	"fmt"
)

// LocalVar is one bound local variable of a frame.
type LocalVar struct {
	Name  string
	Value *Value
}

// FrameSnapshot is the reified view of one foreign stack frame: source
// location plus the frame's bound locals in declaration order. It is
// built fresh per inspection and must not be cached across target
// execution, because foreign memory can change between stops.
type FrameSnapshot struct {
	Addr     uint64
	File     string
	Line     int
	Function string
	Locals   []LocalVar
}

// String renders the snapshot the way the frame inspection commands
// print it.
func (fs *FrameSnapshot) String() string {
	var buf bytes.Buffer
	fs.writeTo(&buf)
	return buf.String()
}

func (fs *FrameSnapshot) writeTo(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "Frame %#x, for file %s, line %d, in %s (", fs.Addr, fs.File, fs.Line, fs.Function)
	for i, lv := range fs.Locals {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(lv.Name)
		buf.WriteByte('=')
		lv.Value.writeTo(buf)
	}
	buf.WriteByte(')')
}

// FrameSnapshot reifies the frame object at addr. This is the entry
// point for the frame inspection commands; unlike a frame decoded
// inside a container, each local gets its own visited set.
func (t *Target) FrameSnapshot(addr uint64) (*FrameSnapshot, error) {
	if _, err := t.layouts.Lookup("PyFrameObject"); err != nil {
		return nil, err
	}
	if addr == 0 {
		return nil, &NullObjectError{Addr: 0}
	}
	obj, err := t.NewObject(addr, "PyFrameObject")
	if err != nil {
		return nil, err
	}
	return t.frameSnapshot(obj, nil), nil
}

// decodeFrame handles a frame object reached while decoding a value.
// Locals share the caller's visited set so a frame reachable from its
// own locals still terminates.
func (t *Target) decodeFrame(obj Object, visited map[uint64]bool) *Value {
	if visited[obj.Address()] {
		return visitedPlaceholder(obj.Address(), "<...>")
	}
	visited[obj.Address()] = true
	return &Value{
		Kind:     ValFrame,
		Addr:     obj.Address(),
		TypeName: "frame",
		Frame:    t.frameSnapshot(obj, visited),
	}
}

// frameSnapshot scrapes everything it can from a frame object. A nil
// visited set means top-level semantics: a fresh set per local.
func (t *Target) frameSnapshot(obj Object, visited map[uint64]bool) *FrameSnapshot {
	fs := &FrameSnapshot{Addr: obj.Address(), File: "unknown", Function: "unknown"}

	o, err := obj.Cast("PyFrameObject")
	if err != nil {
		t.log.Debugf("frame %#x: %v", obj.Address(), err)
		return fs
	}
	o.mem = cacheMemory(o.mem, o.addr, int(o.layout.Size))

	codePtr, err := o.FieldPtr("f_code")
	if err != nil || codePtr == 0 {
		t.log.Debugf("frame %#x: unreadable f_code: %v", obj.Address(), err)
		return fs
	}
	code, err := t.NewObject(codePtr, "PyCodeObject")
	if err != nil {
		t.log.Debugf("frame %#x: %v", obj.Address(), err)
		return fs
	}
	code.mem = cacheMemory(code.mem, code.addr, int(code.layout.Size))

	if ptr, err := code.FieldPtr("co_filename"); err == nil && ptr != 0 {
		fs.File = t.bareString(ptr, visited)
	}
	if ptr, err := code.FieldPtr("co_name"); err == nil && ptr != 0 {
		fs.Function = t.bareString(ptr, visited)
	}
	fs.Line = t.currentLine(o, code)
	fs.Locals = t.frameLocals(o, code, visited)
	return fs
}

// currentLine resolves the frame's source line. With an active trace
// hook the interpreter keeps f_lineno current and it can be used
// directly; otherwise the line is derived from the current bytecode
// offset, mirroring the runtime's own two-path bookkeeping.
func (t *Target) currentLine(frame, code Object) int {
	trace, err := frame.FieldPtr("f_trace")
	if err != nil {
		t.log.Debugf("frame %#x: unreadable f_trace: %v", frame.Address(), err)
		trace = 0
	}
	if trace != 0 {
		lineno, err := frame.FieldInt("f_lineno")
		if err != nil {
			return 0
		}
		return int(lineno)
	}
	lasti, err := frame.FieldInt("f_lasti")
	if err != nil {
		t.log.Debugf("frame %#x: unreadable f_lasti: %v", frame.Address(), err)
		return 0
	}
	return t.LineForOffset(code, lasti)
}

// LineForOffset maps a bytecode offset to a 1-based source line using
// the code object's packed line number table: alternating unsigned
// (address delta, line delta) byte pairs starting from co_firstlineno.
// An offset past the last entry resolves to the final accumulated line.
func (t *Target) LineForOffset(code Object, addrq int64) int {
	first, err := code.FieldInt("co_firstlineno")
	if err != nil {
		t.log.Debugf("code %#x: unreadable co_firstlineno: %v", code.Address(), err)
		return 0
	}
	line := first
	tabPtr, err := code.FieldPtr("co_lnotab")
	if err != nil || tabPtr == 0 {
		return int(line)
	}
	tab := t.reify(tabPtr, make(map[uint64]bool))
	if tab.Kind != ValStr {
		return int(line)
	}
	b := tab.Str
	addr := int64(0)
	for i := 0; i+1 < len(b); i += 2 {
		addr += int64(b[i])
		if addr > addrq {
			return int(line)
		}
		line += int64(b[i+1])
	}
	return int(line)
}

// frameLocals decodes the frame's bound locals in declaration order.
// Slots holding a null pointer are locals that have not been assigned
// yet and are omitted.
func (t *Target) frameLocals(frame, code Object, visited map[uint64]bool) []LocalVar {
	nlocals, err := code.FieldInt("co_nlocals")
	if err != nil {
		t.log.Debugf("frame %#x: unreadable co_nlocals: %v", frame.Address(), err)
		return nil
	}
	varnamesPtr, err := code.FieldPtr("co_varnames")
	if err != nil || varnamesPtr == 0 {
		t.log.Debugf("frame %#x: unreadable co_varnames: %v", frame.Address(), err)
		return nil
	}
	varnames, err := t.NewObject(varnamesPtr, "PyTupleObject")
	if err != nil {
		return nil
	}
	namesAddr, err := varnames.FieldAddr("ob_item")
	if err != nil {
		return nil
	}
	slotsAddr, err := frame.FieldAddr("f_localsplus")
	if err != nil {
		t.log.Debugf("frame %#x: unreadable f_localsplus: %v", frame.Address(), err)
		return nil
	}

	n := clampCount(nlocals)
	ptrSize := t.ptrSize()
	slotMem := cacheMemory(frame.mem, slotsAddr, int(n)*ptrSize)
	nameMem := cacheMemory(varnames.mem, namesAddr, int(n)*ptrSize)

	var locals []LocalVar
	for i := int64(0); i < n; i++ {
		valPtr, err := readUintRaw(slotMem, slotsAddr+uint64(i)*uint64(ptrSize), ptrSize)
		if err != nil {
			t.log.Debugf("frame %#x: local slot %d: %v", frame.Address(), i, err)
			break
		}
		if valPtr == 0 {
			continue
		}
		namePtr, err := readUintRaw(nameMem, namesAddr+uint64(i)*uint64(ptrSize), ptrSize)
		if err != nil {
			t.log.Debugf("frame %#x: local name %d: %v", frame.Address(), i, err)
			break
		}
		vset := visited
		if vset == nil {
			vset = make(map[uint64]bool)
		}
		locals = append(locals, LocalVar{
			Name:  t.bareString(namePtr, nil),
			Value: t.reify(valPtr, vset),
		})
	}
	return locals
}

// bareString reifies addr and renders it str()-style: a plain string
// comes back as its raw text, anything else as its full rendering.
// File names, function names and local names are read this way.
func (t *Target) bareString(addr uint64, visited map[uint64]bool) string {
	if visited == nil {
		visited = make(map[uint64]bool)
	}
	v := t.reify(addr, visited)
	if v.Kind == ValStr || v.Kind == ValUnicode {
		return v.Str
	}
	return v.String()
}
