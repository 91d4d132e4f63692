package pyproc

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-pyspect/pyspect/pkg/logflags"
	"github.com/go-pyspect/pyspect/pkg/pylayout"
)

// classifyCacheSize bounds the per-target type classification caches.
// Real programs have a few hundred types at most.
const classifyCacheSize = 512

// Target binds the memory of one foreign interpreter to the layout
// registry used to decode it. Everything pyproc reconstructs goes
// through a Target.
//
// A Target is not safe for concurrent use; the registry it holds is.
type Target struct {
	mem     Memory
	layouts *pylayout.Registry

	// Type objects are immortal in the target, so classification and
	// name lookups are cached by type address.
	kinds *lru.Cache
	names *lru.Cache

	log logflags.Logger
}

// NewTarget returns a Target reading from mem and decoding with the
// layouts of reg. The registry may be resolved before or after this
// call; reification fails softly until it is.
func NewTarget(mem Memory, reg *pylayout.Registry) *Target {
	kinds, _ := lru.New(classifyCacheSize)
	names, _ := lru.New(classifyCacheSize)
	return &Target{
		mem:     mem,
		layouts: reg,
		kinds:   kinds,
		names:   names,
		log:     logflags.PyProcLogger(),
	}
}

// Memory returns the target's memory view.
func (t *Target) Memory() Memory { return t.mem }

// Layouts returns the registry the target decodes with.
func (t *Target) Layouts() *pylayout.Registry { return t.layouts }

func (t *Target) ptrSize() int {
	return t.layouts.Arch().PtrSize
}

func (t *Target) readPtr(addr uint64) (uint64, error) {
	return readUintRaw(t.mem, addr, t.ptrSize())
}

// typeName reads the display name of the type object typ, caching the
// result by type address. Failures are not cached: an unreadable name
// may become readable once the right mapping is visible.
func (t *Target) typeName(typ Object) (string, error) {
	if name, ok := t.names.Get(typ.Address()); ok {
		return name.(string), nil
	}
	namePtr, err := typ.FieldPtr("tp_name")
	if err != nil {
		return "", err
	}
	if namePtr == 0 {
		return "", &NullObjectError{Addr: typ.Address()}
	}
	name, err := readCString(typ.mem, namePtr, maxCStringLen)
	if err != nil {
		return "", err
	}
	t.names.Add(typ.Address(), name)
	return name, nil
}
