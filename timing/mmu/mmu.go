// Package mmu translates instruction fetch addresses through per-thread page
// tables.
package mmu

import (
	"fmt"

	"github.com/sarchlab/akita/v4/mem/vm"

	"github.com/sarchlab/smtfetch/timing/fetch"
)

// PageFault is returned when a virtual address has no valid mapping.
type PageFault struct {
	Thread fetch.ThreadID
	PID    vm.PID
	VAddr  uint64
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault: thread %d (pid %d) at %#x",
		f.Thread, f.PID, f.VAddr)
}

// Stats holds translation statistics.
type Stats struct {
	Translations uint64
	Faults       uint64
}

// MMU gives every hardware thread its own address space and allocates
// physical pages from a bump pointer.
type MMU struct {
	pageTable    vm.PageTable
	log2PageSize uint64
	nextPAddr    uint64
	stats        Stats
}

var _ fetch.Translator = (*MMU)(nil)

// New creates an MMU with pages of 1<<log2PageSize bytes.
func New(log2PageSize uint64) *MMU {
	return &MMU{
		pageTable:    vm.NewPageTable(log2PageSize),
		log2PageSize: log2PageSize,
		nextPAddr:    1 << log2PageSize,
	}
}

// PageSize returns the page size in bytes.
func (m *MMU) PageSize() uint64 {
	return 1 << m.log2PageSize
}

// PID returns the process ID of the thread's address space. PID 0 is never
// handed out.
func (m *MMU) PID(tid fetch.ThreadID) vm.PID {
	return vm.PID(tid) + 1
}

func (m *MMU) alignDown(addr uint64) uint64 {
	return addr &^ (m.PageSize() - 1)
}

// Map makes [vAddr, vAddr+size) valid in the thread's address space.
// Pages that are already mapped keep their physical frame.
func (m *MMU) Map(tid fetch.ThreadID, vAddr, size uint64) {
	if size == 0 {
		return
	}

	pid := m.PID(tid)
	end := vAddr + size

	for page := m.alignDown(vAddr); page < end; page += m.PageSize() {
		if p, found := m.pageTable.Find(pid, page); found && p.Valid {
			continue
		}

		m.pageTable.Insert(vm.Page{
			PID:      pid,
			VAddr:    page,
			PAddr:    m.nextPAddr,
			PageSize: m.PageSize(),
			Valid:    true,
		})
		m.nextPAddr += m.PageSize()
	}
}

// Unmap removes the page holding vAddr from the thread's address space, if
// it is mapped.
func (m *MMU) Unmap(tid fetch.ThreadID, vAddr uint64) {
	pid := m.PID(tid)
	page := m.alignDown(vAddr)

	if _, found := m.pageTable.Find(pid, page); found {
		m.pageTable.Remove(pid, page)
	}
}

// Translate returns the physical address of vAddr, or a *PageFault.
func (m *MMU) Translate(tid fetch.ThreadID, vAddr uint64) (uint64, error) {
	m.stats.Translations++

	pid := m.PID(tid)

	page, found := m.pageTable.Find(pid, vAddr)
	if !found || !page.Valid {
		m.stats.Faults++
		return 0, &PageFault{Thread: tid, PID: pid, VAddr: vAddr}
	}

	return page.PAddr + vAddr - page.VAddr, nil
}

// Stats returns the translation statistics.
func (m *MMU) Stats() Stats {
	return m.stats
}
