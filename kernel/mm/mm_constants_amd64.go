package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize).
	PageShift = uintptr(12)

	// PageSize defines the system's page (and frame) size in bytes.
	PageSize = uintptr(1 << PageShift)

	// KernelPoolLimit separates the two frame pools. Frames below it are
	// reserved for kernel use (page tables, kernel stacks, the kernel heap)
	// and frames at or above it are handed out for user pages.
	KernelPoolLimit = PhysAddr(64 * Mb)

	// StackSize is the size of both the kernel and the user stack of every
	// thread.
	StackSize = uintptr(64 * Kb)

	// UserStackVMStart is the virtual address where the user stack of every
	// user thread is mapped. It sits at 64 TiB, well above the identity
	// mapped physical memory.
	UserStackVMStart = uintptr(64 * Tb)

	// KernelHeapSize is the amount of kernel-pool memory that is handed to
	// the kernel heap at boot.
	KernelHeapSize = uintptr(4 * Mb)
)
