package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in a table of any level.
	entriesPerTable = 512

	// ptePhysPageMask extracts the physical frame address from a page table
	// entry. For this architecture bits 12-51 contain the address.
	ptePhysPageMask = uint64(0x000ffffffffff000)

	// virtAddrLimit is the first address past the range covered by the 512
	// entries of the top-level table.
	virtAddrLimit = uintptr(1) << 48
)

var (
	// pageLevelShifts defines the shift required to extract the table index
	// for each page level (PML4, PDPT, PD, PT) from a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal prevents the TLB entry for this page from being flushed
	// when CR3 is reloaded.
	FlagGlobal

	// FlagFree is a software flag reserved for marking unused entries.
	FlagFree

	// FlagOwned is a software flag set on leaf entries whose frame was
	// allocated by the Builder. Owned frames are returned to the frame
	// allocator by FreeAddressSpace.
	FlagOwned

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

const (
	// tableFlags are applied to entries that link to a lower-level table.
	// Access restrictions are enforced on the leaf entries.
	tableFlags = FlagPresent | FlagRW | FlagUserAccessible

	// kernelPageFlags are applied to identity-mapped pages. The user flag is
	// set so that user threads can run kernel-resident code until the
	// kernel and user address ranges are separated.
	kernelPageFlags = FlagPresent | FlagRW | FlagGlobal | FlagUserAccessible

	// nullPageFlags are applied to virtual page 0 so that dereferencing a
	// nil pointer faults.
	nullPageFlags = kernelPageFlags &^ FlagPresent

	// userPageFlags are applied to pages backed by user-pool frames. They are
	// not global as every user thread maps its own stack at the same address.
	userPageFlags = FlagPresent | FlagRW | FlagUserAccessible | FlagOwned
)
