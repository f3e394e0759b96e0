package vmm

import (
	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
)

// PageTableWalker is invoked by Walk with the level (0 for the PML4) and the
// entry that a virtual address resolves through at that level. Returning
// false aborts the walk.
type PageTableWalker func(level uint8, pte *PageTableEntry) bool

// Walk visits the entries that virtAddr resolves through in the hierarchy
// rooted at root. The walk stops at the first non-present entry (after
// passing it to walkFn), at the leaf level, or when walkFn returns false.
func Walk(root mm.PhysAddr, virtAddr uintptr, walkFn PageTableWalker) {
	table := tableAt(root)
	for level := 0; level < pageLevels; level++ {
		pte := &table[tableIndex(virtAddr, level)]
		if !walkFn(uint8(level), pte) || !pte.HasFlags(FlagPresent) {
			return
		}
		table = tableAt(pte.Frame())
	}
}

// Translate returns the physical address that virtAddr maps to in the
// hierarchy rooted at root, or ErrInvalidMapping if it is not mapped.
func Translate(root mm.PhysAddr, virtAddr uintptr) (mm.PhysAddr, *kernel.Error) {
	leaf, err := LeafEntry(root, virtAddr)
	if err != nil {
		return mm.InvalidPhysAddr, err
	}

	return leaf.Frame().Add(virtAddr & (mm.PageSize - 1)), nil
}

// LeafEntry returns the last-level entry for virtAddr if all levels down to
// it are present, or ErrInvalidMapping otherwise.
func LeafEntry(root mm.PhysAddr, virtAddr uintptr) (*PageTableEntry, *kernel.Error) {
	var (
		leaf  *PageTableEntry
		depth uint8
	)

	Walk(root, virtAddr, func(level uint8, pte *PageTableEntry) bool {
		depth = level
		leaf = pte
		return pte.HasFlags(FlagPresent)
	})

	if depth != pageLevels-1 || !leaf.HasFlags(FlagPresent) {
		return nil, ErrInvalidMapping
	}

	return leaf, nil
}
