package vmm

import (
	"unsafe"

	"github.com/marwinkloefer/bs-handin/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// PageTableEntry is a single 64-bit entry of a page table.
type PageTableEntry uint64

// PageTable is a table of any paging level. It occupies exactly one frame.
type PageTable [entriesPerTable]PageTableEntry

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uint64(pte)&uint64(flags) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return uint64(pte)&uint64(flags) != 0
}

// Flags returns the flag bits of this entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) &^ ptePhysPageMask)
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = PageTableEntry(uint64(*pte) | uint64(flags&^PageTableEntryFlag(ptePhysPageMask)))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = PageTableEntry(uint64(*pte) &^ uint64(flags&^PageTableEntryFlag(ptePhysPageMask)))
}

// Frame returns the physical address of the frame this entry points to.
func (pte PageTableEntry) Frame() mm.PhysAddr {
	return mm.PhysAddr(uint64(pte) & ptePhysPageMask)
}

// SetFrame points the entry to the frame at addr, leaving the flags intact.
func (pte *PageTableEntry) SetFrame(addr mm.PhysAddr) {
	*pte = PageTableEntry((uint64(*pte) &^ ptePhysPageMask) | (uint64(addr) & ptePhysPageMask))
}

// makeEntry builds an entry for the frame at addr with the supplied flags.
func makeEntry(addr mm.PhysAddr, flags PageTableEntryFlag) PageTableEntry {
	var pte PageTableEntry
	pte.SetFrame(addr)
	pte.SetFlags(flags)
	return pte
}

// tableAt returns the page table stored in the frame at addr.
func tableAt(addr mm.PhysAddr) *PageTable {
	return (*PageTable)(unsafe.Pointer(addr.Pointer()))
}

// tableIndex returns the index into the table at the given level (0 for the
// PML4) that virtAddr resolves through.
func tableIndex(virtAddr uintptr, level int) int {
	return int((virtAddr >> pageLevelShifts[level]) & (entriesPerTable - 1))
}
