package pyproc

import (
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// Mapping is one file-backed region of the target's address space. The
// backends recover these from /proc/<pid>/maps or from a core dump's
// file note.
type Mapping struct {
	Lo     uint64
	Hi     uint64
	Offset uint64
	Path   string
}

// ErrNoRuntime is returned when no python runtime could be found in the
// target's mappings.
var ErrNoRuntime = errors.New("could not find a python runtime in the target")

var pythonLibRe = regexp.MustCompile(`^(?:lib)?python(\d+\.\d+)`)

// DetectVersion guesses the target's runtime version from the names of
// its file mappings ("python2.7", "libpython2.7.so.1.0" and the like).
func DetectVersion(mappings []Mapping) (*semver.Version, error) {
	for _, m := range mappings {
		match := pythonLibRe.FindStringSubmatch(filepath.Base(m.Path))
		if match == nil {
			continue
		}
		v, err := semver.NewVersion(match[1])
		if err != nil {
			continue
		}
		return v, nil
	}
	return nil, ErrNoRuntime
}

// Global anchor symbols the stack discovery starts from. interp_head is
// static but survives in .symtab unless the binary was stripped;
// _PyThreadState_Current is exported.
const (
	symInterpHead    = "interp_head"
	symCurrentTState = "_PyThreadState_Current"
)

// InterpreterAddrs holds the runtime addresses of the interpreter's
// global anchors. Either may be zero when its symbol was not found.
type InterpreterAddrs struct {
	InterpHead    uint64
	CurrentTState uint64
}

// ResolveAnchors opens the target's python binary or shared library on
// disk and locates the anchor symbols, rebasing them by the mapping
// base for position-independent binaries.
func ResolveAnchors(mappings []Mapping) (InterpreterAddrs, error) {
	var addrs InterpreterAddrs
	for _, m := range mappings {
		if m.Offset != 0 || !pythonLibRe.MatchString(filepath.Base(m.Path)) {
			continue
		}
		f, err := elf.Open(m.Path)
		if err != nil {
			continue
		}
		bias := uint64(0)
		if f.Type == elf.ET_DYN {
			bias = m.Lo
		}
		syms, _ := f.Symbols()
		dynsyms, _ := f.DynamicSymbols()
		for _, s := range append(syms, dynsyms...) {
			if s.Value == 0 {
				continue
			}
			switch s.Name {
			case symInterpHead:
				addrs.InterpHead = s.Value + bias
			case symCurrentTState:
				addrs.CurrentTState = s.Value + bias
			}
		}
		f.Close()
		if addrs.InterpHead != 0 || addrs.CurrentTState != 0 {
			return addrs, nil
		}
	}
	return addrs, fmt.Errorf("interpreter anchor symbols not found: %w", ErrNoRuntime)
}

// CurrentFrame returns the innermost frame of the thread that was
// executing when the target stopped: the dedicated current-thread
// anchor when present, otherwise the first thread on the interpreter
// list.
func (t *Target) CurrentFrame(addrs InterpreterAddrs) (uint64, error) {
	if addrs.CurrentTState != 0 {
		frame, err := t.currentThreadFrame(addrs.CurrentTState)
		if err != nil {
			t.log.Debugf("current thread state: %v", err)
		} else if frame != 0 {
			return frame, nil
		}
	}
	if addrs.InterpHead != 0 {
		interp, err := t.readPtr(addrs.InterpHead)
		if err != nil {
			t.log.Debugf("interp_head: %v", err)
		} else if interp != 0 {
			roots, err := t.ThreadFrames(interp)
			if err != nil {
				return 0, err
			}
			if len(roots) > 0 {
				return roots[0], nil
			}
		}
	}
	return 0, errors.New("no running python frame found")
}

func (t *Target) currentThreadFrame(anchor uint64) (uint64, error) {
	tstate, err := t.readPtr(anchor)
	if err != nil || tstate == 0 {
		return 0, err
	}
	ts, err := t.NewObject(tstate, "PyThreadState")
	if err != nil {
		return 0, err
	}
	return ts.FieldPtr("frame")
}
