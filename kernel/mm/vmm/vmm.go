// Package vmm builds and tears down four-level amd64 page tables. Every table
// is reached through the kernel's direct mapping of physical memory, so tables
// of inactive address spaces can be edited without temporary mappings.
package vmm

import (
	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/cpu"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// ErrInvalidMapping is returned when translating a virtual address that
	// is not mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAddressSpaceExhausted is returned when a mapping would extend past
	// the last entry of the top-level table. Callers treat it as fatal.
	ErrAddressSpaceExhausted = &kernel.Error{Module: "vmm", Message: "mapping extends past the end of the virtual address space"}

	errAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}
)

// FrameSource provides the physical frames used for page tables and for
// user pages.
type FrameSource interface {
	Alloc(count int, inKernel bool) (mm.PhysAddr, *kernel.Error)
	Free(addr mm.PhysAddr, count int)
	MaxPhysAddr() mm.PhysAddr
}

// SetCR3 makes the table hierarchy rooted at root the active one.
func SetCR3(root mm.PhysAddr) {
	switchPDTFn(uintptr(root))
}

// ActiveRoot returns the physical address of the active top-level table.
func ActiveRoot() mm.PhysAddr {
	return mm.PhysAddr(activePDTFn())
}
