package task

import (
	"unsafe"

	"github.com/marwinkloefer/bs-handin/kernel/mm"
)

// ThreadID is the index of a thread's slot in the scheduler's thread table.
// IDs of reclaimed threads are reused.
type ThreadID int

// MaxThreads is the capacity of the thread table.
const MaxThreads = 32

// InvalidThreadID never refers to a thread.
const InvalidThreadID = ThreadID(-1)

// State describes the scheduling state of a thread.
type State uint8

const (
	// Unused marks a free slot in the thread table.
	Unused State = iota

	// Ready threads wait in the run queue.
	Ready

	// Running is the state of the active thread.
	Running

	// Terminated threads have exited and wait for their resources to be
	// reclaimed.
	Terminated
)

// Segment selectors and flags loaded by IRETQ when dropping to ring 3.
const (
	userCodeSelector = 0x23
	userDataSelector = 0x2B
	userRFLAGS       = 0x202
)

// Thread is the control block of a kernel or user thread.
type Thread struct {
	id         ThreadID
	kernelMode bool
	state      State
	queued     bool

	// root is the physical address of the thread's PML4.
	root mm.PhysAddr

	// savedSP is the kernel stack pointer stored by the last switch away
	// from this thread.
	savedSP uintptr

	kernelStack Stack
	userStack   Stack

	// userFrame holds the interrupt return frame (RIP, CS, RFLAGS, RSP, SS)
	// used to enter ring 3.
	userFrame [5]uint64

	entry func()
	sched *Scheduler
}

// ID returns the thread's ID.
func (t *Thread) ID() ThreadID { return t.id }

// KernelMode reports whether the thread runs its entry point in ring 0.
func (t *Thread) KernelMode() bool { return t.kernelMode }

// State returns the scheduling state.
func (t *Thread) State() State { return t.state }

// Root returns the physical address of the thread's top-level page table.
func (t *Thread) Root() mm.PhysAddr { return t.root }

// KernelStack returns the thread's kernel stack.
func (t *Thread) KernelStack() Stack { return t.kernelStack }

// UserStack returns the thread's user stack. Kernel threads have none.
func (t *Thread) UserStack() Stack { return t.userStack }

// threadKickoff is the first Go code run by a new thread. It is called by the
// kickoff trampoline with interrupts masked and never returns on real
// hardware.
func threadKickoff(t *Thread) {
	t.sched.reapZombies()

	if !t.kernelMode {
		t.enterUserMode()
		return
	}

	enableInterruptsFn()
	t.entry()
	t.sched.Exit()
}

func (t *Thread) enterUserMode() {
	t.userFrame = [5]uint64{
		uint64(kickoffUserAddr()),
		userCodeSelector,
		userRFLAGS,
		uint64(t.userStack.Top()),
		userDataSelector,
	}

	setKernelStackFn(t.kernelStack.End())
	enterUserModeFn(uintptr(unsafe.Pointer(&t.userFrame[0])), uintptr(unsafe.Pointer(t)))
}

// userKickoff runs in ring 3 on the user stack. There is no system call
// interface, so a user thread whose entry point returns spins until it is
// preempted for good.
func userKickoff(t *Thread) {
	t.entry()
	for {
	}
}
