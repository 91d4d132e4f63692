//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package native

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	sys "golang.org/x/sys/unix"

	"github.com/go-pyspect/pyspect/pkg/logflags"
	"github.com/go-pyspect/pyspect/pkg/pyproc"
)

// Process is an attached live process. The target stays stopped for the
// whole life of the handle so that every read observes one consistent
// heap; Detach resumes it.
type Process struct {
	pid     int
	memFile *os.File

	// ptrace(2) expects every command after PTRACE_ATTACH to come from
	// the thread that attached, so all ptrace calls are funneled to one
	// locked goroutine.
	ptraceChan     chan func()
	ptraceDoneChan chan struct{}

	detached bool

	log logflags.Logger
}

// Attach stops the process with the given pid and returns a read handle
// on its memory.
func Attach(pid int) (*Process, error) {
	p := &Process{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
		log:            logflags.NativeLogger(),
	}
	go p.handlePtraceFuncs()

	var err error
	p.execPtraceFunc(func() { err = ptraceAttach(pid) })
	if err != nil {
		close(p.ptraceChan)
		return nil, fmt.Errorf("could not attach to pid %d: %w", pid, err)
	}
	var s sys.WaitStatus
	if _, err := sys.Wait4(pid, &s, sys.WALL, nil); err != nil {
		p.execPtraceFunc(func() { _ = ptraceDetach(pid) })
		close(p.ptraceChan)
		return nil, fmt.Errorf("wait for pid %d to stop: %w", pid, err)
	}

	// Reads go through process_vm_readv; the mem file is the fallback
	// for kernels where that fails.
	p.memFile, err = os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		p.log.Debugf("open mem file: %v", err)
	}
	return p, nil
}

func (p *Process) handlePtraceFuncs() {
	runtime.LockOSThread()
	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- struct{}{}
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

// Pid returns the target's process id.
func (p *Process) Pid() int { return p.pid }

// ReadMemory implements pyproc.Memory.
func (p *Process) ReadMemory(data []byte, addr uint64) (int, error) {
	if p.detached {
		return 0, fmt.Errorf("process %d already detached", p.pid)
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := processVmRead(p.pid, uintptr(addr), data)
	if err == nil && n == len(data) {
		return n, nil
	}
	if p.memFile == nil {
		if err == nil {
			err = fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(data))
		}
		return 0, err
	}
	return p.memFile.ReadAt(data, int64(addr))
}

// Mappings parses the target's memory map. Anonymous regions carry an
// empty path.
func (p *Process) Mappings() ([]pyproc.Mapping, error) {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return nil, err
	}
	return parseMaps(string(buf))
}

func parseMaps(s string) ([]pyproc.Mapping, error) {
	var mappings []pyproc.Mapping
	for lineno, line := range strings.Split(s, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 6)
		if len(fields) < 5 {
			return nil, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (wrong number of fields)", lineno+1, line)
		}
		v := strings.Split(fields[0], "-")
		if len(v) != 2 {
			return nil, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (bad first field)", lineno+1, line)
		}
		lo, err := strconv.ParseUint(v[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno+1, line, err)
		}
		hi, err := strconv.ParseUint(v[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno+1, line, err)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno+1, line, err)
		}
		path := ""
		if len(fields) == 6 {
			path = strings.TrimLeft(fields[5], " ")
		}
		// Pseudo-devices (anonymous memory, vdso and friends) have no
		// backing file to open.
		if strings.HasPrefix(fields[3], "00:") {
			path = ""
			offset = 0
		}
		mappings = append(mappings, pyproc.Mapping{Lo: lo, Hi: hi, Offset: offset, Path: path})
	}
	return mappings, nil
}

// Detach resumes the target and releases the handle.
func (p *Process) Detach() error {
	if p.detached {
		return nil
	}
	p.detached = true
	var err error
	p.execPtraceFunc(func() { err = ptraceDetach(p.pid) })
	close(p.ptraceChan)
	if p.memFile != nil {
		if cerr := p.memFile.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
