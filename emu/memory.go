// Package emu provides the functional backing state used by the timing
// models: a sparse, byte-addressable physical memory.
package emu

import "encoding/binary"

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1
)

// Memory is a sparse little-endian memory. Pages are allocated on first
// write; reads from untouched pages return zero.
type Memory struct {
	pages map[uint64][]byte
}

// NewMemory creates an empty memory.
func NewMemory() *Memory {
	return &Memory{
		pages: make(map[uint64][]byte),
	}
}

func (m *Memory) page(addr uint64, alloc bool) []byte {
	pn := addr >> pageShift
	p, ok := m.pages[pn]
	if !ok && alloc {
		p = make([]byte, pageSize)
		m.pages[pn] = p
	}
	return p
}

// Read8 reads one byte.
func (m *Memory) Read8(addr uint64) byte {
	p := m.page(addr, false)
	if p == nil {
		return 0
	}
	return p[addr&pageMask]
}

// Write8 writes one byte.
func (m *Memory) Write8(addr uint64, value byte) {
	m.page(addr, true)[addr&pageMask] = value
}

// ReadBytes copies size bytes starting at addr. Accesses may cross pages.
func (m *Memory) ReadBytes(addr uint64, size int) []byte {
	data := make([]byte, size)
	for i := 0; i < size; {
		cur := addr + uint64(i)
		off := int(cur & pageMask)
		n := min(size-i, pageSize-off)
		if p := m.page(cur, false); p != nil {
			copy(data[i:i+n], p[off:off+n])
		}
		i += n
	}
	return data
}

// WriteBytes copies data into memory starting at addr.
func (m *Memory) WriteBytes(addr uint64, data []byte) {
	for i := 0; i < len(data); {
		cur := addr + uint64(i)
		off := int(cur & pageMask)
		n := min(len(data)-i, pageSize-off)
		copy(m.page(cur, true)[off:off+n], data[i:i+n])
		i += n
	}
}

// Read32 reads a little-endian 32-bit word.
func (m *Memory) Read32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.ReadBytes(addr, 4))
}

// Write32 writes a little-endian 32-bit word.
func (m *Memory) Write32(addr uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	m.WriteBytes(addr, buf[:])
}

// Read64 reads a little-endian 64-bit word.
func (m *Memory) Read64(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(m.ReadBytes(addr, 8))
}

// Write64 writes a little-endian 64-bit word.
func (m *Memory) Write64(addr uint64, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	m.WriteBytes(addr, buf[:])
}
