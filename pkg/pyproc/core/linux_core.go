package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-pyspect/pyspect/pkg/logflags"
	"github.com/go-pyspect/pyspect/pkg/pyproc"
)

const _NT_FILE elf.NType = 0x46494c45 // "FILE".

const elfErrorBadMagicNumber = "bad magic number"

// OpenCore opens an ELF core dump and assembles a readable view of the
// dumped address space. Pages the kernel left out of the dump are read
// from the backing files named in the dump's file note, when those
// files can still be opened at their recorded paths.
func OpenCore(corePath string) (*Process, error) {
	coreFile, err := elf.Open(corePath)
	if err != nil {
		if _, isfmterr := err.(*elf.FormatError); isfmterr && (strings.Contains(err.Error(), elfErrorBadMagicNumber) || strings.Contains(err.Error(), " at offset 0x0: too short")) {
			return nil, ErrUnrecognizedFormat
		}
		return nil, err
	}
	if coreFile.Type != elf.ET_CORE {
		coreFile.Close()
		return nil, fmt.Errorf("%s is not a core file", corePath)
	}

	notes, err := readNotes(coreFile)
	if err != nil {
		coreFile.Close()
		return nil, err
	}

	p := &Process{closers: []io.Closer{coreFile}}
	for _, note := range notes {
		switch desc := note.Desc.(type) {
		case *linuxPrPsInfo:
			p.pid = int(desc.Pid)
			p.cmdline = strings.TrimRight(string(desc.Args[:]), "\x00")
		case *linuxNTFile:
			for i, entry := range desc.entries {
				m := pyproc.Mapping{Lo: entry.Start, Hi: entry.End, Offset: entry.FileOfs * desc.PageSize}
				if i < len(desc.names) {
					m.Path = desc.names[i]
				}
				p.mappings = append(p.mappings, m)
			}
		}
	}
	p.mem = buildMemory(coreFile, p.mappings, &p.closers)
	return p, nil
}

// buildMemory splices the dump's loadable segments over the file-backed
// mappings, the same layering the kernel used: the dump wins wherever
// it actually stored bytes.
func buildMemory(coreFile *elf.File, mappings []pyproc.Mapping, closers *[]io.Closer) pyproc.Memory {
	log := logflags.CoreLogger()
	memory := &splicedMemory{}

	files := make(map[string]*os.File)
	for _, m := range mappings {
		if m.Path == "" || m.Hi <= m.Lo {
			continue
		}
		f, ok := files[m.Path]
		if !ok {
			var err error
			f, err = os.Open(m.Path)
			if err != nil {
				log.Debugf("backing file %s: %v", m.Path, err)
				files[m.Path] = nil
				continue
			}
			files[m.Path] = f
			*closers = append(*closers, f)
		}
		if f == nil {
			continue
		}
		r := &offsetReaderAt{reader: f, offset: m.Lo - m.Offset}
		memory.Add(r, m.Lo, m.Hi-m.Lo)
	}

	for _, prog := range coreFile.Progs {
		if prog.Type == elf.PT_LOAD && prog.Filesz > 0 {
			r := &offsetReaderAt{reader: prog.ReaderAt, offset: prog.Vaddr}
			memory.Add(r, prog.Vaddr, prog.Filesz)
		}
	}
	return memory
}

// note is a single note from the PT_NOTE segment.
type note struct {
	Type elf.NType
	Name string
	Desc interface{}
}

// elfNotesHdr is the ELF note header (SysV ABI).
type elfNotesHdr struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}

func readNotes(coreFile *elf.File) ([]*note, error) {
	var notesProg *elf.Prog
	for _, prog := range coreFile.Progs {
		if prog.Type == elf.PT_NOTE {
			notesProg = prog
			break
		}
	}
	if notesProg == nil {
		return nil, fmt.Errorf("core file has no note segment")
	}

	r := notesProg.Open()
	var notes []*note
	for {
		n, err := readNote(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, nil
}

// readNote reads one note, decoding the descriptors the inspector cares
// about: the process info note and the file mapping note.
func readNote(r io.ReadSeeker) (*note, error) {
	n := &note{}
	hdr := &elfNotesHdr{}
	if err := binary.Read(r, binary.LittleEndian, hdr); err != nil {
		return nil, err // don't wrap so readNotes sees EOF.
	}
	n.Type = elf.NType(hdr.Type)

	name := make([]byte, hdr.Namesz)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("reading note name: %v", err)
	}
	n.Name = string(name)
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after note name: %v", err)
	}
	desc := make([]byte, hdr.Descsz)
	if _, err := io.ReadFull(r, desc); err != nil {
		return nil, fmt.Errorf("reading note desc: %v", err)
	}
	descReader := bytes.NewReader(desc)
	switch n.Type {
	case elf.NT_PRPSINFO:
		info := &linuxPrPsInfo{}
		if err := binary.Read(descReader, binary.LittleEndian, info); err != nil {
			return nil, fmt.Errorf("reading NT_PRPSINFO: %v", err)
		}
		n.Desc = info
	case _NT_FILE:
		// A header with the entry count, that many start/end/offset
		// triples, then the file name of each entry, null-delimited.
		data := &linuxNTFile{}
		if err := binary.Read(descReader, binary.LittleEndian, &data.linuxNTFileHdr); err != nil {
			return nil, fmt.Errorf("reading NT_FILE header: %v", err)
		}
		for i := 0; i < int(data.Count); i++ {
			entry := &linuxNTFileEntry{}
			if err := binary.Read(descReader, binary.LittleEndian, entry); err != nil {
				return nil, fmt.Errorf("reading NT_FILE entry %v: %v", i, err)
			}
			data.entries = append(data.entries, entry)
		}
		rest, err := io.ReadAll(descReader)
		if err != nil {
			return nil, fmt.Errorf("reading NT_FILE names: %v", err)
		}
		data.names = strings.Split(string(rest), "\x00")
		n.Desc = data
	}
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after note desc: %v", err)
	}
	return n, nil
}

// skipPadding moves r to the next multiple of pad.
func skipPadding(r io.ReadSeeker, pad int64) error {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos%pad == 0 {
		return nil
	}
	_, err = r.Seek(pad-(pos%pad), io.SeekCurrent)
	return err
}

// linuxPrPsInfo is a copy of the prpsinfo kernel struct.
// See include/uapi/linux/elfcore.h
type linuxPrPsInfo struct {
	State                uint8
	Sname                int8
	Zomb                 uint8
	Nice                 int8
	_                    [4]uint8
	Flag                 uint64
	Uid, Gid             uint32
	Pid, Ppid, Pgrp, Sid int32
	Fname                [16]uint8
	Args                 [80]uint8
}

type linuxNTFile struct {
	linuxNTFileHdr
	entries []*linuxNTFileEntry
	names   []string
}

type linuxNTFileHdr struct {
	Count    uint64
	PageSize uint64
}

type linuxNTFileEntry struct {
	Start   uint64
	End     uint64
	FileOfs uint64
}
