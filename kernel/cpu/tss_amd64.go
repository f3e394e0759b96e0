package cpu

import "unsafe"

const (
	// tssSize is the size of a 64-bit task state segment without an I/O
	// permission bitmap.
	tssSize = 104

	// Byte offsets into the TSS. RSP0 is not 8-byte aligned; the assembly
	// of SwitchContext hardcodes its offset.
	tssRSP0      = 4
	tssIOMapBase = 102
)

// tss is the task state segment of the only CPU. The I/O map base points past
// the segment limit, so ring 3 has no port access.
var tss = [tssSize]byte{tssIOMapBase: tssSize}

// TSSAddr returns the address of the task state segment. The boot code
// installs it in the GDT and loads the task register with its selector.
func TSSAddr() uintptr {
	return uintptr(unsafe.Pointer(&tss[0]))
}

// SetKernelStack sets the stack pointer that the CPU loads when an interrupt
// or exception arrives while running in ring 3.
func SetKernelStack(stackEnd uintptr) {
	*(*uint64)(unsafe.Pointer(&tss[tssRSP0])) = uint64(stackEnd)
}

// KernelStack returns the ring 0 stack pointer stored in the TSS.
func KernelStack() uintptr {
	return uintptr(*(*uint64)(unsafe.Pointer(&tss[tssRSP0])))
}
