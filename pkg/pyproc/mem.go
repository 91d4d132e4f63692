package pyproc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const cacheEnabled = true

// Memory is a read-only view of the target's address space. It is like
// io.ReaderAt, but the offset is a uint64 so that we can address all of
// 64-bit memory, including core dumps of processes wider than ourselves.
type Memory interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

type memCache struct {
	loaded    bool
	cacheAddr uint64
	cache     []byte
	mem       Memory
}

func (m *memCache) contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	if end < addr {
		// overflow
		return false
	}
	return addr >= m.cacheAddr && end <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		if !m.loaded {
			_, err := m.mem.ReadMemory(m.cache, m.cacheAddr)
			if err != nil {
				return 0, err
			}
			m.loaded = true
		}
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

// cacheMemory returns a view of mem that reads the [addr, addr+size)
// span at most once. Decoders wrap the objects they are about to pick
// apart so that field-by-field access does not hammer the target.
func cacheMemory(mem Memory, addr uint64, size int) Memory {
	if !cacheEnabled {
		return mem
	}
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
	}
	return &memCache{false, addr, make([]byte, size), mem}
}

func readUintRaw(mem Memory, addr uint64, size int) (uint64, error) {
	var n uint64

	val := make([]byte, size)
	_, err := mem.ReadMemory(val, addr)
	if err != nil {
		return 0, err
	}

	switch size {
	case 1:
		n = uint64(val[0])
	case 2:
		n = uint64(binary.LittleEndian.Uint16(val))
	case 4:
		n = uint64(binary.LittleEndian.Uint32(val))
	case 8:
		n = binary.LittleEndian.Uint64(val)
	default:
		return 0, fmt.Errorf("invalid read size %d", size)
	}

	return n, nil
}

func readIntRaw(mem Memory, addr uint64, size int) (int64, error) {
	var n int64

	val := make([]byte, size)
	_, err := mem.ReadMemory(val, addr)
	if err != nil {
		return 0, err
	}

	switch size {
	case 1:
		n = int64(int8(val[0]))
	case 2:
		n = int64(int16(binary.LittleEndian.Uint16(val)))
	case 4:
		n = int64(int32(binary.LittleEndian.Uint32(val)))
	case 8:
		n = int64(binary.LittleEndian.Uint64(val))
	default:
		return 0, fmt.Errorf("invalid read size %d", size)
	}

	return n, nil
}

// maxCStringLen bounds reads of NUL-terminated strings from the target
// (type names mostly). Anything longer is truncated.
const maxCStringLen = 256

// readCString reads a NUL-terminated string starting at addr. It reads
// in small chunks so that a string near the end of a mapping does not
// fail just because the bytes past its terminator are unreadable.
func readCString(mem Memory, addr uint64, max int) (string, error) {
	const chunk = 64
	var out []byte
	for len(out) < max {
		sz := chunk
		if rem := max - len(out); rem < sz {
			sz = rem
		}
		buf := make([]byte, sz)
		if _, err := mem.ReadMemory(buf, addr+uint64(len(out))); err != nil {
			if len(out) > 0 {
				break
			}
			return "", err
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
	}
	return string(out), nil
}
