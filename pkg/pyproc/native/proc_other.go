//go:build !linux || (!amd64 && !arm64)
// +build !linux !amd64,!arm64

package native

import (
	"errors"

	"github.com/go-pyspect/pyspect/pkg/pyproc"
)

// ErrUnsupported is returned on platforms without live process attach.
var ErrUnsupported = errors.New("attaching to a live process is not supported on this platform")

// Process is not available on this platform.
type Process struct{}

// Attach returns ErrUnsupported.
func Attach(pid int) (*Process, error) {
	return nil, ErrUnsupported
}

// Pid returns 0.
func (p *Process) Pid() int { return 0 }

// ReadMemory returns ErrUnsupported.
func (p *Process) ReadMemory(data []byte, addr uint64) (int, error) {
	return 0, ErrUnsupported
}

// Mappings returns ErrUnsupported.
func (p *Process) Mappings() ([]pyproc.Mapping, error) {
	return nil, ErrUnsupported
}

// Detach is a no-op.
func (p *Process) Detach() error { return nil }
