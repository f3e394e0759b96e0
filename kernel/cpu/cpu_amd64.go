package cpu

// flagInterruptEnable is the IF bit of the RFLAGS register.
const flagInterruptEnable = 1 << 9

var (
	// Mocked by tests.
	flagsFn             = Flags
	enableInterruptsFn  = EnableInterrupts
	disableInterruptsFn = DisableInterrupts
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and stops instruction execution. Halt never returns.
func Halt()

// Flags returns the contents of the RFLAGS register.
func Flags() uint64

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// SwitchContext pushes the general purpose registers and RFLAGS onto the
// current stack, stores the resulting stack pointer to *prevSP, installs
// nextStackEnd as the ring 0 stack of the TSS, loads nextRoot into CR3 and
// resumes the context whose register file sits at nextSP. The call returns
// once another SwitchContext resumes the saved prevSP value.
//
// The frame layout (lowest address first) is RFLAGS, R15..R8, DI, SI, DX, CX,
// BX, AX, BP followed by the return address.
func SwitchContext(prevSP *uintptr, nextSP, nextStackEnd, nextRoot uintptr)

// EnterUserMode loads frame into the stack pointer and executes IRETQ. The stack
// must hold an interrupt return frame (RIP, CS, RFLAGS, RSP, SS). arg is passed
// to the user mode entry point in BX.
func EnterUserMode(frame, arg uintptr)

// WaitForInterrupt enables interrupts and halts until the next one has been
// handled.
func WaitForInterrupt()

// StartContext abandons the current context and resumes the context saved at
// sp using root as the active page table and stackEnd as the ring 0 stack.
func StartContext(sp, stackEnd, root uintptr) {
	var bootSP uintptr
	SwitchContext(&bootSP, sp, stackEnd, root)
}

// InterruptsEnabled returns true if the IF flag is set.
func InterruptsEnabled() bool {
	return flagsFn()&flagInterruptEnable != 0
}

// DisableInterruptsNested disables interrupts and reports whether they were
// enabled beforehand. The result is meant to be passed to RestoreInterrupts
// so critical sections can nest.
func DisableInterruptsNested() bool {
	wasEnabled := InterruptsEnabled()
	if wasEnabled {
		disableInterruptsFn()
	}
	return wasEnabled
}

// RestoreInterrupts re-enables interrupts if wasEnabled is true.
func RestoreInterrupts(wasEnabled bool) {
	if wasEnabled {
		enableInterruptsFn()
	}
}
