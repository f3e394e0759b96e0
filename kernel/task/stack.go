package task

import (
	"unsafe"

	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
)

const (
	// fakeReturnAddr sits above the kickoff address so that a thread entry
	// point which returns through it faults at a recognizable address.
	fakeReturnAddr = uint64(0xDEADDEADDEADDEAD)

	// initialRFLAGS has only the reserved bit 1 set; interrupts stay
	// masked until the thread decides otherwise.
	initialRFLAGS = uint64(2)

	// Slots of the synthetic switch frame, counted in 8-byte words below
	// the stack top. SwitchContext pushes BP first and RFLAGS last.
	slotReturnAddr = 0
	slotKickoff    = 1
	slotBP         = 2
	slotBX         = 4
	slotRFLAGS     = 17

	stackAlign = uintptr(16)
)

// StackAllocator provides the memory used for kernel stacks.
type StackAllocator interface {
	Alloc(size, align uintptr) (uintptr, *kernel.Error)
	Free(ptr, size uintptr)
}

// Stack describes a stack region. Data is the lowest address.
type Stack struct {
	Data uintptr
	Size uintptr
}

// Top returns the address of the highest 8-byte slot of the stack.
func (s Stack) Top() uintptr {
	return s.Data + s.Size - 8
}

// End returns the address one past the highest byte of the stack. The CPU
// loads it as the stack pointer for interrupts that arrive in ring 3.
func (s Stack) End() uintptr {
	return s.Data + s.Size
}

func newKernelStack(heap StackAllocator) (Stack, *kernel.Error) {
	data, err := heap.Alloc(mm.StackSize, stackAlign)
	if err != nil {
		return Stack{}, err
	}

	return Stack{Data: data, Size: mm.StackSize}, nil
}

// slot returns a pointer to the i-th 8-byte word below the stack top.
func (s Stack) slot(i int) *uint64 {
	return (*uint64)(unsafe.Pointer(s.Top() - uintptr(i)*8))
}

// prepareSwitchFrame makes the stack look as if its thread had called
// SwitchContext from the start of entry. Resuming the returned stack pointer
// pops zeroed registers (except BX, which carries arg) and RFLAGS, then
// returns into entry.
func (s Stack) prepareSwitchFrame(entry, arg uintptr) uintptr {
	*s.slot(slotReturnAddr) = fakeReturnAddr
	*s.slot(slotKickoff) = uint64(entry)
	for i := slotBP; i < slotRFLAGS; i++ {
		*s.slot(i) = 0
	}
	*s.slot(slotBX) = uint64(arg)
	*s.slot(slotRFLAGS) = initialRFLAGS

	return s.Top() - slotRFLAGS*8
}
