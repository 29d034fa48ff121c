// Package loader reads AArch64 ELF executables and installs their loadable
// segments into a hardware thread's address space.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sarchlab/smtfetch/emu"
	"github.com/sarchlab/smtfetch/insts"
	"github.com/sarchlab/smtfetch/timing/fetch"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Segment is one PT_LOAD program header with its file contents.
type Segment struct {
	VirtAddr uint64
	// Data holds the bytes backed by the file. MemSize may be larger; the
	// rest of the segment reads as zero.
	Data    []byte
	MemSize uint64
	Flags   SegmentFlags
}

// Program is a loaded executable.
type Program struct {
	EntryPoint uint64
	Segments   []Segment
}

// AddressSpace maps a thread's virtual pages to physical frames.
type AddressSpace interface {
	PageSize() uint64
	Map(tid fetch.ThreadID, vAddr, size uint64)
	Translate(tid fetch.ThreadID, vAddr uint64) (uint64, error)
}

// Load parses an AArch64 ELF64 executable.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("not a 64-bit ELF file")
	}

	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("not an ARM64 ELF file (machine type: %v)",
			f.Machine)
	}

	prog := &Program{EntryPoint: f.Entry}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		seg, err := readSegment(phdr)
		if err != nil {
			return nil, err
		}

		prog.Segments = append(prog.Segments, seg)
	}

	return prog, nil
}

func readSegment(phdr *elf.Prog) (Segment, error) {
	data := make([]byte, phdr.Filesz)

	if phdr.Filesz > 0 {
		n, err := phdr.ReadAt(data, 0)
		if err != nil && err != io.EOF {
			return Segment{}, fmt.Errorf(
				"failed to read segment at 0x%x: %w", phdr.Vaddr, err)
		}

		if uint64(n) != phdr.Filesz {
			return Segment{}, fmt.Errorf(
				"short read for segment at 0x%x: got %d bytes, expected %d",
				phdr.Vaddr, n, phdr.Filesz)
		}
	}

	var flags SegmentFlags
	if phdr.Flags&elf.PF_X != 0 {
		flags |= SegmentFlagExecute
	}
	if phdr.Flags&elf.PF_W != 0 {
		flags |= SegmentFlagWrite
	}
	if phdr.Flags&elf.PF_R != 0 {
		flags |= SegmentFlagRead
	}

	return Segment{
		VirtAddr: phdr.Vaddr,
		Data:     data,
		MemSize:  max(phdr.Memsz, phdr.Filesz),
		Flags:    flags,
	}, nil
}

// FromWords builds a single-segment program holding the given instruction
// words at base. Execution starts at base.
func FromWords(base uint64, words ...uint32) *Program {
	data := make([]byte, len(words)*insts.InstSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*insts.InstSize:], w)
	}

	return &Program{
		EntryPoint: base,
		Segments: []Segment{{
			VirtAddr: base,
			Data:     data,
			MemSize:  uint64(len(data)),
			Flags:    SegmentFlagRead | SegmentFlagExecute,
		}},
	}
}

// Install maps every segment into the thread's address space and copies the
// file-backed bytes into the physical frames behind it. The zero-filled
// tail of a segment is cleared as well, since a frame may be shared with
// an earlier segment.
func (p *Program) Install(
	tid fetch.ThreadID,
	space AddressSpace,
	memory *emu.Memory,
) error {
	for _, seg := range p.Segments {
		space.Map(tid, seg.VirtAddr, seg.MemSize)

		if err := copySegment(tid, space, memory, seg); err != nil {
			return err
		}
	}

	return nil
}

func copySegment(
	tid fetch.ThreadID,
	space AddressSpace,
	memory *emu.Memory,
	seg Segment,
) error {
	pageSize := space.PageSize()

	for off := uint64(0); off < seg.MemSize; {
		vAddr := seg.VirtAddr + off
		chunk := min(pageSize-vAddr%pageSize, seg.MemSize-off)

		pAddr, err := space.Translate(tid, vAddr)
		if err != nil {
			return fmt.Errorf("failed to install segment at 0x%x: %w",
				seg.VirtAddr, err)
		}

		buf := make([]byte, chunk)
		if off < uint64(len(seg.Data)) {
			copy(buf, seg.Data[off:])
		}
		memory.WriteBytes(pAddr, buf)

		off += chunk
	}

	return nil
}
