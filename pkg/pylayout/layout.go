package pylayout

import (
	"fmt"
	"sort"
	"strings"
)

// Arch describes the architecture properties of the target process that
// influence structure layout.
type Arch struct {
	// PtrSize is the size of a pointer in bytes, 4 or 8.
	PtrSize int
}

// AMD64 is the layout architecture of 64-bit x86 targets.
var AMD64 = Arch{PtrSize: 8}

// I386 is the layout architecture of 32-bit x86 targets.
var I386 = Arch{PtrSize: 4}

// Params carries build-time sizes that vary between interpreters of the
// same version.
type Params struct {
	// DigitSize is sizeof(digit) of the big integer implementation:
	// 2 for 15-bit digits, 4 for 30-bit digits.
	DigitSize int
	// UnicodeSize is sizeof(Py_UNICODE): 2 on UCS-2 builds, 4 on UCS-4
	// builds.
	UnicodeSize int
}

// DigitBits returns the number of value bits in one big integer digit.
func (p Params) DigitBits() uint {
	if p.DigitSize == 4 {
		return 30
	}
	return 15
}

// FieldLoc is one candidate physical location of a logical field. Fields
// that moved between interpreter versions have more than one candidate;
// readers try them in order.
type FieldLoc struct {
	// Offset of the field from the start of the structure.
	Offset int64
	// Size of the field in bytes. For array fields this is the size of
	// one element.
	Size int
	// Signed reports whether the field holds a signed integer.
	Signed bool
	// Pointer reports whether the field holds a pointer into the target.
	Pointer bool
}

// Layout is the computed in-memory layout of one runtime structure.
type Layout struct {
	// Name of the structure, e.g. "PyTypeObject".
	Name string
	// Size of the structure in bytes, including trailing padding. For
	// structures with a trailing variable-length array the size covers
	// a single element of that array.
	Size int64

	fields map[string][]FieldLoc
}

// Lookup returns the candidate locations for a logical field name, in
// resolution priority order: a field declared directly on the structure
// comes before the same name reached through an embedded header. The
// second return value is false if the structure has no field with that
// name in any variant.
func (l *Layout) Lookup(name string) ([]FieldLoc, bool) {
	locs, ok := l.fields[name]
	return locs, ok
}

type fieldKind int

const (
	fPtr    fieldKind = iota // pointer
	fSSize                   // Py_ssize_t: pointer sized, signed
	fLong                    // C long: pointer sized on LP64 targets
	fInt                     // C int: 4 bytes, signed
	fUInt                    // C unsigned int: 4 bytes
	fDouble                  // C double: 8 bytes
	fDigit                   // big integer digit, size from Params
	fChar                    // 1 byte
	fEmbed                   // embedded structure
)

type fieldSpec struct {
	name  string
	kind  fieldKind
	embed string // structure name for fEmbed
	count int    // array length; 0 for scalar fields
}

type structSpec struct {
	name   string
	fields []fieldSpec
}

func (a Arch) kindSize(k fieldKind, params Params) (size, alignment int) {
	switch k {
	case fPtr, fSSize, fLong:
		return a.PtrSize, a.PtrSize
	case fInt, fUInt:
		return 4, 4
	case fDouble:
		if a.PtrSize < 8 {
			return 8, 4
		}
		return 8, 8
	case fDigit:
		return params.DigitSize, params.DigitSize
	case fChar:
		return 1, 1
	}
	panic(fmt.Sprintf("pylayout: no size for field kind %d", k))
}

func isSigned(k fieldKind) bool {
	switch k {
	case fSSize, fLong, fInt:
		return true
	}
	return false
}

func alignUp(off int64, alignment int) int64 {
	a := int64(alignment)
	return (off + a - 1) &^ (a - 1)
}

// computeLayout lays out one structure of the profile. Embedded structures
// are flattened into dotted field paths ("ob_base.ob_size") and every leaf
// name is additionally registered as a candidate list ordered by embedding
// depth, so that a reader asking for "ob_size" finds the direct field of a
// variant that has one before the embedded one of a variant that doesn't.
func computeLayout(p *Profile, name string, arch Arch, params Params, memo map[string]*Layout) (*Layout, error) {
	if l, ok := memo[name]; ok {
		return l, nil
	}
	spec, ok := p.structs[name]
	if !ok {
		return nil, &UnknownStructError{Name: name}
	}

	type flatField struct {
		path string
		loc  FieldLoc
	}
	var flat []flatField

	var off int64
	maxAlign := 1
	for _, f := range spec.fields {
		count := f.count
		if count == 0 {
			count = 1
		}
		if f.kind == fEmbed {
			sub, err := computeLayout(p, f.embed, arch, params, memo)
			if err != nil {
				return nil, err
			}
			subAlign := structAlign(p, f.embed, arch, params)
			off = alignUp(off, subAlign)
			if subAlign > maxAlign {
				maxAlign = subAlign
			}
			flat = append(flat, flatField{f.name, FieldLoc{Offset: off, Size: int(sub.Size)}})
			if f.count == 0 {
				// flatten the embedded structure's own fields
				paths := make([]string, 0, len(sub.fields))
				for path := range sub.fields {
					if strings.Contains(path, ".") {
						continue // leaves re-register below from the dotted paths
					}
					paths = append(paths, path)
				}
				sort.Strings(paths)
				for _, path := range paths {
					for _, loc := range sub.fields[path] {
						flat = append(flat, flatField{f.name + "." + path, FieldLoc{
							Offset:  off + loc.Offset,
							Size:    loc.Size,
							Signed:  loc.Signed,
							Pointer: loc.Pointer,
						}})
					}
				}
			}
			off += sub.Size * int64(count)
			continue
		}

		size, alignment := arch.kindSize(f.kind, params)
		off = alignUp(off, alignment)
		if alignment > maxAlign {
			maxAlign = alignment
		}
		flat = append(flat, flatField{f.name, FieldLoc{
			Offset:  off,
			Size:    size,
			Signed:  isSigned(f.kind),
			Pointer: f.kind == fPtr,
		}})
		off += int64(size) * int64(count)
	}

	l := &Layout{
		Name:   name,
		Size:   alignUp(off, maxAlign),
		fields: make(map[string][]FieldLoc),
	}
	for _, ff := range flat {
		l.fields[ff.path] = append(l.fields[ff.path], ff.loc)
	}
	// register leaf names as ordered candidate lists
	leaves := make(map[string][]flatField)
	for _, ff := range flat {
		leaf := ff.path
		if i := strings.LastIndex(leaf, "."); i >= 0 {
			leaf = leaf[i+1:]
		}
		if leaf == ff.path {
			continue
		}
		leaves[leaf] = append(leaves[leaf], ff)
	}
	leafNames := make([]string, 0, len(leaves))
	for leaf := range leaves {
		leafNames = append(leafNames, leaf)
	}
	sort.Strings(leafNames)
	for _, leaf := range leafNames {
		cands := leaves[leaf]
		sort.SliceStable(cands, func(i, j int) bool {
			return strings.Count(cands[i].path, ".") < strings.Count(cands[j].path, ".")
		})
		// a direct field with this name is already registered and stays
		// first; embedded ones follow as fallbacks
		for _, ff := range cands {
			l.fields[leaf] = append(l.fields[leaf], ff.loc)
		}
	}

	memo[name] = l
	return l, nil
}

// structAlign computes the alignment requirement of a structure without
// laying it out fully. Flattening in computeLayout only records nested
// leaves one level deep, so this walks the spec directly.
func structAlign(p *Profile, name string, arch Arch, params Params) int {
	spec, ok := p.structs[name]
	if !ok {
		return 1
	}
	maxAlign := 1
	for _, f := range spec.fields {
		var a int
		if f.kind == fEmbed {
			a = structAlign(p, f.embed, arch, params)
		} else {
			_, a = arch.kindSize(f.kind, params)
		}
		if a > maxAlign {
			maxAlign = a
		}
	}
	return maxAlign
}
