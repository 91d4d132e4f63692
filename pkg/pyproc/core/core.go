// Package core implements a read-only memory backend over ELF core
// dumps. The dump's loadable segments are spliced together with the
// file-backed mappings the kernel chose not to dump, so that reads see
// the address space the process had when it died.
package core

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-pyspect/pyspect/pkg/pyproc"
)

// ErrUnrecognizedFormat is returned when the file is not an ELF core.
var ErrUnrecognizedFormat = errors.New("unrecognized core format")

// A splicedMemory represents a memory space formed from multiple regions,
// each of which may override previously added regions. For example the
// program text is mapped from the executable on disk, but then partially
// overwritten by an RW region whose data is stored in the core file.
// This is represented by adding the file-backed region first and putting
// the core's region on top of it.
type splicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset uint64
	length uint64
	reader pyproc.Memory
}

// Add adds a new region, which may override parts of existing regions.
func (r *splicedMemory) Add(reader pyproc.Memory, off, length uint64) {
	if length == 0 {
		return
	}
	end := off + length - 1
	newReaders := make([]readerEntry, 0, len(r.readers))
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	for _, entry := range r.readers {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			// Entry is completely before the new region.
			add(entry)
		case end < entry.offset:
			// Entry is completely after the new region.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region. Drop.
		case entry.offset < off && entryEnd <= end:
			// New region overwrites the end of the entry.
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			// New region overwrites the beginning of the entry.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			overlap := entry.offset - off
			entry.offset += overlap
			entry.length -= overlap
			add(entry)
		case entry.offset < off && end < entryEnd:
			// New region punches a hole in the entry.
			add(readerEntry{entry.offset, off - entry.offset, entry.reader})
			add(readerEntry{off, length, reader})
			add(readerEntry{end + 1, entryEnd - end, entry.reader})
			inserted = true
		default:
			panic(fmt.Sprintf("unhandled case: existing entry is %v len %v, new is %v len %v", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, reader})
	}
	r.readers = newReaders
}

// ReadMemory implements pyproc.Memory.
func (r *splicedMemory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	started := false
	for _, entry := range r.readers {
		if entry.offset+entry.length <= addr {
			if !started {
				continue
			}
			return n, fmt.Errorf("hit unmapped area at %#x after %d bytes", addr, n)
		}
		if !started && addr < entry.offset {
			break
		}
		started = true

		// Don't go past the region.
		pb := buf
		if addr+uint64(len(buf)) > entry.offset+entry.length {
			pb = pb[:entry.offset+entry.length-addr]
		}
		pn, err := entry.reader.ReadMemory(pb, addr)
		n += pn
		if err != nil {
			return n, fmt.Errorf("reading spliced memory at %#x: %v", addr, err)
		}
		if pn != len(pb) {
			return n, nil
		}
		buf = buf[pn:]
		addr += uint64(pn)
		if len(buf) == 0 {
			return n, nil
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("address %#x does not match any regions", addr)
	}
	return n, nil
}

// offsetReaderAt wraps a ReaderAt into a Memory, subtracting a fixed
// offset from the address. This represents a file mapped into an
// address space: text mapped at 0x400000 is read through an
// offsetReaderAt with offset 0x400000.
type offsetReaderAt struct {
	reader io.ReaderAt
	offset uint64
}

func (r *offsetReaderAt) ReadMemory(buf []byte, addr uint64) (int, error) {
	n, err := r.reader.ReadAt(buf, int64(addr-r.offset))
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	return n, err
}

// Process is an open core dump.
type Process struct {
	mem      pyproc.Memory
	mappings []pyproc.Mapping
	pid      int
	cmdline  string

	closers []io.Closer
}

// Pid returns the process id recorded in the dump, 0 if none was.
func (p *Process) Pid() int { return p.pid }

// Cmdline returns the dumped process's command line, if recorded.
func (p *Process) Cmdline() string { return p.cmdline }

// ReadMemory implements pyproc.Memory.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	return p.mem.ReadMemory(buf, addr)
}

// Mappings returns the file mappings recorded in the dump's file note.
func (p *Process) Mappings() ([]pyproc.Mapping, error) {
	if len(p.mappings) == 0 {
		return nil, errors.New("core dump carries no file mapping note")
	}
	return p.mappings, nil
}

// Close releases the dump and every backing file spliced into it.
func (p *Process) Close() error {
	var err error
	for _, c := range p.closers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
