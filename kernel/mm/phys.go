package mm

import "unsafe"

// PhysAddr is a physical memory address.
type PhysAddr uintptr

// InvalidPhysAddr is returned by the frame allocator when a request cannot be
// satisfied. Physical frame 0 is never handed out, so the value can never
// describe a valid allocation.
const InvalidPhysAddr = PhysAddr(0)

var (
	// physOffset is added to a physical address to obtain the virtual
	// address through which the kernel accesses it. The kernel identity maps
	// all physical memory so the offset is 0 on the target; tests and host
	// tools point it at a byte arena that stands in for physical memory.
	physOffset uintptr
)

// SetPhysOffset sets the offset used by PhysAddr.Pointer. It must be called
// before the frame allocator is initialized.
func SetPhysOffset(offset uintptr) {
	physOffset = offset
}

// PhysOffset returns the offset installed by SetPhysOffset.
func PhysOffset() uintptr {
	return physOffset
}

// Pointer returns the kernel virtual address for this physical address.
func (a PhysAddr) Pointer() uintptr {
	return uintptr(a) + physOffset
}

// Add returns a+off.
func (a PhysAddr) Add(off uintptr) PhysAddr {
	return a + PhysAddr(off)
}

// Aligned returns true if a lies on a page boundary.
func (a PhysAddr) Aligned() bool {
	return uintptr(a)&(PageSize-1) == 0
}

// AlignUp rounds a up to the next page boundary.
func (a PhysAddr) AlignUp() PhysAddr {
	return (a + PhysAddr(PageSize-1)) &^ PhysAddr(PageSize-1)
}

// AlignDown rounds a down to the page boundary that contains it.
func (a PhysAddr) AlignDown() PhysAddr {
	return a &^ PhysAddr(PageSize-1)
}

// Frame returns the index of the frame containing a.
func (a PhysAddr) Frame() uintptr {
	return uintptr(a) >> PageShift
}

// InKernelPool returns true if a belongs to the kernel frame pool.
func (a PhysAddr) InKernelPool() bool {
	return a < KernelPoolLimit
}

// PhysRegion describes an inclusive range [Start, End] of physical memory.
type PhysRegion struct {
	Start PhysAddr
	End   PhysAddr
}

// Size returns the number of bytes covered by r.
func (r PhysRegion) Size() uintptr {
	if r.End < r.Start {
		return 0
	}
	return uintptr(r.End-r.Start) + 1
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte of this Page.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns the Page that contains virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> PageShift)
}

// Arena backs a range of physical addresses with a Go byte slice so the
// memory manager can run outside the kernel. Physical address 0 maps to the
// first byte of the slice.
type Arena struct {
	mem []byte
}

// NewArena allocates an arena that simulates size bytes of physical memory
// and installs it as the physical memory window via SetPhysOffset.
func NewArena(size uintptr) *Arena {
	a := &Arena{mem: make([]byte, size)}
	SetPhysOffset(uintptr(unsafe.Pointer(&a.mem[0])))
	return a
}

// Size returns the number of bytes of simulated physical memory.
func (a *Arena) Size() uintptr {
	return uintptr(len(a.mem))
}

// Bytes returns the simulated contents of the physical range [addr, addr+size).
func (a *Arena) Bytes(addr PhysAddr, size uintptr) []byte {
	return a.mem[uintptr(addr) : uintptr(addr)+size]
}
