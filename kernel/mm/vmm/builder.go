package vmm

import (
	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
)

// MappingKind selects how Map backs the virtual pages it maps.
type MappingKind uint8

const (
	// KernelIdentity maps every virtual page to the physical frame with the
	// same address.
	KernelIdentity MappingKind = iota

	// UserAllocated backs the virtual pages with freshly allocated frames
	// from the user pool.
	UserAllocated
)

// Builder constructs page table hierarchies using frames obtained from its
// FrameSource. Intermediate tables always come from the kernel pool.
type Builder struct {
	frames FrameSource
}

// NewBuilder returns a Builder that allocates frames from frames.
func NewBuilder(frames FrameSource) *Builder {
	b := new(Builder)
	b.Init(frames)
	return b
}

// Init sets the frame source of a statically allocated Builder.
func (b *Builder) Init(frames FrameSource) {
	b.frames = frames
}

// InitKernelTables allocates a new top-level table and identity maps all
// physical memory up to the allocator's highest address. Virtual page 0 is
// left non-present. It returns the physical address of the new table.
func (b *Builder) InitKernelTables() (mm.PhysAddr, *kernel.Error) {
	root, err := b.frames.Alloc(1, true)
	if err != nil {
		return mm.InvalidPhysAddr, err
	}

	pageCount := (uint64(b.frames.MaxPhysAddr()) + uint64(mm.PageSize)) >> mm.PageShift
	if err = b.Map(root, 0, pageCount, KernelIdentity); err != nil {
		b.FreeAddressSpace(root)
		return mm.InvalidPhysAddr, err
	}

	return root, nil
}

// MmapUserStack maps mm.StackSize bytes of user memory at
// mm.UserStackVMStart into the hierarchy rooted at root and returns the
// virtual start address of the stack.
func (b *Builder) MmapUserStack(root mm.PhysAddr) (uintptr, *kernel.Error) {
	pageCount := uint64(mm.StackSize >> mm.PageShift)
	if err := b.Map(root, mm.UserStackVMStart, pageCount, UserAllocated); err != nil {
		return 0, err
	}

	return mm.UserStackVMStart, nil
}

// Map maps pageCount consecutive virtual pages starting at virtAddr into the
// hierarchy rooted at root. Missing intermediate tables are allocated from
// the kernel pool and zeroed; existing ones are reused.
//
// Leaf entries are filled one page table at a time. After each table the
// descent resumes at the highest level whose index changed, so the path from
// the root is only walked again when the mapping crosses into a different
// parent table.
func (b *Builder) Map(root mm.PhysAddr, virtAddr uintptr, pageCount uint64, kind MappingKind) *kernel.Error {
	var (
		tables [pageLevels]*PageTable
		level  = 1
	)

	virtAddr &^= mm.PageSize - 1
	tables[0] = tableAt(root)

	for pageCount > 0 {
		if virtAddr >= virtAddrLimit {
			return ErrAddressSpaceExhausted
		}

		for ; level < pageLevels; level++ {
			pte := &tables[level-1][tableIndex(virtAddr, level-1)]
			if !pte.HasFlags(FlagPresent) {
				tableAddr, err := b.frames.Alloc(1, true)
				if err != nil {
					return err
				}
				*pte = makeEntry(tableAddr, tableFlags)
			}
			tables[level] = tableAt(pte.Frame())
		}

		var (
			leaves = tables[pageLevels-1]
			first  = tableIndex(virtAddr, pageLevels-1)
			chunk  = uint64(entriesPerTable - first)
		)
		if pageCount < chunk {
			chunk = pageCount
		}

		if err := b.fillLeaves(leaves[first:first+int(chunk)], virtAddr, kind); err != nil {
			return err
		}

		pageCount -= chunk
		nextAddr := virtAddr + uintptr(chunk)<<mm.PageShift
		for level = 1; level < pageLevels-1; level++ {
			if tableIndex(nextAddr, level-1) != tableIndex(virtAddr, level-1) {
				break
			}
		}
		virtAddr = nextAddr
	}

	return nil
}

// fillLeaves writes the leaf entries for the pages starting at virtAddr.
func (b *Builder) fillLeaves(entries []PageTableEntry, virtAddr uintptr, kind MappingKind) *kernel.Error {
	switch kind {
	case KernelIdentity:
		for i := range entries {
			pageAddr := mm.PhysAddr(virtAddr + uintptr(i)<<mm.PageShift)
			if pageAddr == 0 {
				entries[i] = makeEntry(0, nullPageFlags)
				continue
			}
			entries[i] = makeEntry(pageAddr, kernelPageFlags)
		}
	case UserAllocated:
		for i := range entries {
			if entries[i].HasFlags(FlagPresent) {
				return errAlreadyMapped
			}
		}

		frameAddr, err := b.frames.Alloc(len(entries), false)
		if err != nil {
			return err
		}
		for i := range entries {
			entries[i] = makeEntry(frameAddr.Add(uintptr(i)<<mm.PageShift), userPageFlags)
		}
	}

	return nil
}

// FreeAddressSpace returns every frame owned by the hierarchy rooted at root
// to the frame allocator: all tables, including root itself, and the frames
// backing user pages. Identity-mapped kernel frames are left alone. The
// hierarchy must not be active.
func (b *Builder) FreeAddressSpace(root mm.PhysAddr) {
	type cursor struct {
		table mm.PhysAddr
		index int
	}

	var (
		stack                  [pageLevels]cursor
		depth                  = 0
		runStart               mm.PhysAddr
		runLength              int
		tableCount, ownedCount int
	)

	flushRun := func() {
		if runLength != 0 {
			b.frames.Free(runStart, runLength)
			runLength = 0
		}
	}

	stack[0] = cursor{table: root}
	for depth >= 0 {
		cur := &stack[depth]
		if cur.index == entriesPerTable {
			b.frames.Free(cur.table, 1)
			tableCount++
			depth--
			continue
		}

		pte := tableAt(cur.table)[cur.index]
		cur.index++
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if depth < pageLevels-1 {
			depth++
			stack[depth] = cursor{table: pte.Frame()}
			continue
		}

		if !pte.HasFlags(FlagOwned) {
			continue
		}

		ownedCount++
		frameAddr := pte.Frame()
		// Runs can only be extended within one pool; Free panics on runs
		// crossing the pool boundary.
		if runLength != 0 && frameAddr == runStart.Add(uintptr(runLength)<<mm.PageShift) && frameAddr.InKernelPool() == runStart.InKernelPool() {
			runLength++
			continue
		}
		flushRun()
		runStart, runLength = frameAddr, 1
	}
	flushRun()

	kfmt.Printf("[vmm] released address space 0x%x: %d tables, %d owned frames\n", uintptr(root), tableCount, ownedCount)
}
