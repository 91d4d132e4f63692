package pylayout

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/go-pyspect/pyspect/pkg/logflags"
)

// ErrLayoutUnavailable is returned by Lookup before the target
// interpreter's version has been resolved.
var ErrLayoutUnavailable = errors.New("interpreter layouts not resolved yet")

// UnknownStructError is returned when the resolved profile has no
// description of the requested structure.
type UnknownStructError struct {
	Name string
}

func (e *UnknownStructError) Error() string {
	return fmt.Sprintf("unknown runtime structure %q", e.Name)
}

// Registry resolves runtime structure names to computed layouts.
//
// A Registry starts unresolved and every Lookup fails with
// ErrLayoutUnavailable. Once the target interpreter's version becomes
// known, Resolve selects a profile and lookups start succeeding. Entries
// only ever transition from unresolved to resolved; they are computed
// once per structure name and cached for the life of the process.
type Registry struct {
	mu      sync.RWMutex
	profile *Profile
	version *semver.Version
	arch    Arch
	params  Params
	layouts map[string]*Layout

	log logflags.Logger
}

// NewRegistry returns an unresolved Registry.
func NewRegistry() *Registry {
	return &Registry{
		layouts: make(map[string]*Layout),
		log:     logflags.LayoutLogger(),
	}
}

// Resolve selects the layout profile for the given interpreter version,
// architecture and build parameters. Zero fields of params are filled in
// from the profile defaults. Resolving twice with the same version is a
// no-op; resolving with a different version is an error, layouts never
// transition back to unresolved.
func (r *Registry) Resolve(version *semver.Version, arch Arch, params Params) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.profile != nil {
		if r.version.Equal(version) {
			return nil
		}
		return fmt.Errorf("layouts already resolved for %s, cannot re-resolve for %s", r.version, version)
	}

	profile, err := SelectProfile(version)
	if err != nil {
		return err
	}
	if params.DigitSize == 0 {
		params.DigitSize = profile.DefaultParams.DigitSize
	}
	if params.UnicodeSize == 0 {
		params.UnicodeSize = profile.DefaultParams.UnicodeSize
	}

	r.profile = profile
	r.version = version
	r.arch = arch
	r.params = params
	r.log.Debugf("resolved %s for python %s (ptr size %d, digit size %d, unicode size %d)",
		profile.Name, version, arch.PtrSize, params.DigitSize, params.UnicodeSize)
	return nil
}

// Resolved reports whether a profile has been selected.
func (r *Registry) Resolved() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profile != nil
}

// Version returns the resolved interpreter version, or nil.
func (r *Registry) Version() *semver.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Arch returns the resolved target architecture.
func (r *Registry) Arch() Arch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.arch
}

// Params returns the resolved build parameters.
func (r *Registry) Params() Params {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params
}

// Lookup returns the layout of the named runtime structure, computing it
// on first use.
func (r *Registry) Lookup(name string) (*Layout, error) {
	r.mu.RLock()
	if r.profile == nil {
		r.mu.RUnlock()
		return nil, ErrLayoutUnavailable
	}
	if l, ok := r.layouts[name]; ok {
		r.mu.RUnlock()
		return l, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	l, err := computeLayout(r.profile, name, r.arch, r.params, r.layouts)
	if err != nil {
		r.log.Debugf("layout of %s: %v", name, err)
		return nil, err
	}
	return l, nil
}
