// Package pylayout describes the in-memory layout of CPython runtime
// structures.
//
// Layouts are computed from declarative struct descriptions using C
// alignment rules, parameterized by the target's pointer size and by
// build-time choices of the interpreter (digit width of big integers,
// Py_UNICODE width). A Registry resolves structure names to layouts
// lazily: until the target interpreter's version is known no layout can
// be produced and every lookup fails with ErrLayoutUnavailable.
package pylayout
