// Package task implements kernel and user threads and a round-robin
// scheduler for a single CPU. Threads switch voluntarily through Yield and
// Exit, or involuntarily when the timer interrupt handler calls Preempt.
//
// The scheduler does not allocate from the Go heap; thread control blocks
// live in a fixed table inside the Scheduler.
package task

import (
	"sync/atomic"
	"unsafe"

	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/cpu"
	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
	"github.com/marwinkloefer/bs-handin/kernel/sync"
)

var (
	// Hardware hooks, overridden by tests.
	switchContextFn     = cpu.SwitchContext
	startContextFn      = cpu.StartContext
	enterUserModeFn     = cpu.EnterUserMode
	setKernelStackFn    = cpu.SetKernelStack
	enableInterruptsFn  = cpu.EnableInterrupts
	restoreInterruptsFn = cpu.RestoreInterrupts
	waitForInterruptFn  = cpu.WaitForInterrupt

	// ErrTooManyThreads is returned by NewThread when the thread table is
	// full.
	ErrTooManyThreads = &kernel.Error{Module: "task", Message: "thread table is full"}

	errNoRunnableThread = &kernel.Error{Module: "task", Message: "no runnable thread"}
	errUnknownThread    = &kernel.Error{Module: "task", Message: "unknown thread id"}
	errNotReady         = &kernel.Error{Module: "task", Message: "thread cannot be made ready"}
	errQueueFull        = &kernel.Error{Module: "task", Message: "run queue overflow"}
)

// AddressSpaceBuilder constructs and tears down thread address spaces.
type AddressSpaceBuilder interface {
	InitKernelTables() (mm.PhysAddr, *kernel.Error)
	MmapUserStack(root mm.PhysAddr) (uintptr, *kernel.Error)
	FreeAddressSpace(root mm.PhysAddr)
}

// Scheduler multiplexes the CPU between threads in FIFO order.
//
// The scheduler lock is never held across a context switch. Interrupts stay
// masked from the moment the next thread is dequeued until the resumed thread
// restores its own interrupt state.
type Scheduler struct {
	lock sync.IRQSpinlock

	heap   StackAllocator
	spaces AddressSpaceBuilder

	threads [MaxThreads]Thread
	ready   queue
	active  ThreadID

	// zombies counts Terminated threads awaiting reclamation.
	zombies int

	// initialized gates Preempt. It is read from the timer interrupt
	// without holding the lock.
	initialized atomic.Bool
}

// Init prepares an empty scheduler that allocates kernel stacks from heap
// and address spaces through spaces.
func (s *Scheduler) Init(heap StackAllocator, spaces AddressSpaceBuilder) {
	*s = Scheduler{
		heap:   heap,
		spaces: spaces,
		active: InvalidThreadID,
	}
}

// NewScheduler returns a scheduler initialized with Init.
func NewScheduler(heap StackAllocator, spaces AddressSpaceBuilder) *Scheduler {
	s := new(Scheduler)
	s.Init(heap, spaces)
	return s
}

// NewThread creates a thread that will run entry in ring 0 if kernelMode is
// set or in ring 3 otherwise. The thread gets its own address space with the
// kernel identity mapping, a kernel stack and, for user threads, a user stack.
// The new thread must be passed to Ready before it can run.
func (s *Scheduler) NewThread(entry func(), kernelMode bool) (ThreadID, *kernel.Error) {
	root, err := s.spaces.InitKernelTables()
	if err != nil {
		return InvalidThreadID, err
	}

	var userStack Stack
	if !kernelMode {
		start, err := s.spaces.MmapUserStack(root)
		if err != nil {
			s.spaces.FreeAddressSpace(root)
			return InvalidThreadID, err
		}
		userStack = Stack{Data: start, Size: mm.StackSize}
	}

	kernelStack, err := newKernelStack(s.heap)
	if err != nil {
		s.spaces.FreeAddressSpace(root)
		return InvalidThreadID, err
	}

	s.lock.Acquire()
	id := s.freeSlot()
	if id == InvalidThreadID {
		s.lock.Release()
		s.heap.Free(kernelStack.Data, kernelStack.Size)
		s.spaces.FreeAddressSpace(root)
		return InvalidThreadID, ErrTooManyThreads
	}

	t := &s.threads[id]
	*t = Thread{
		id:          id,
		kernelMode:  kernelMode,
		state:       Ready,
		root:        root,
		kernelStack: kernelStack,
		userStack:   userStack,
		entry:       entry,
		sched:       s,
	}
	t.savedSP = kernelStack.prepareSwitchFrame(kickoffAddr(), uintptr(unsafe.Pointer(t)))
	s.lock.Release()

	kfmt.Printf("[task] created thread %d (kernel mode: %t, root: 0x%x, kernel stack: 0x%x)\n",
		int(id), kernelMode, uintptr(root), kernelStack.Data,
	)
	return id, nil
}

// Ready appends thread id to the run queue.
func (s *Scheduler) Ready(id ThreadID) {
	s.lock.Acquire()
	defer s.lock.Release()

	t := s.lookup(id)
	if t.state != Ready || t.queued {
		panic(errNotReady)
	}
	s.enqueue(t)
}

// Start runs the first thread in the run queue. It is called once by the
// boot code and never returns on real hardware.
func (s *Scheduler) Start() {
	s.lock.Acquire()
	t, ok := s.dequeue()
	if !ok {
		s.lock.Release()
		panic(errNoRunnableThread)
	}

	s.activate(t)
	s.lock.ReleaseKeepMasked()

	kfmt.Printf("[task] starting thread %d\n", int(t.id))
	startContextFn(t.savedSP, t.kernelStack.End(), uintptr(t.root))
}

// Yield moves the active thread to the end of the run queue and switches to
// the thread at its head. Yield returns immediately if no other thread is
// ready.
func (s *Scheduler) Yield() {
	s.reapZombies()

	s.lock.Acquire()
	if s.rotate() {
		s.reapZombies()
	}
}

// Preempt is called from the timer interrupt handler. It behaves like Yield
// but does nothing if the scheduler has not been marked initialized or if its
// lock is held by the interrupted code. Preempt never blocks on the lock, so
// terminated threads are left for the next Yield or thread kickoff to reclaim.
func (s *Scheduler) Preempt() {
	if !s.initialized.Load() || !s.lock.TryToAcquire() {
		return
	}

	s.rotate()
}

// rotate performs the switch for Yield and Preempt. It must be called with
// the lock held and releases it. It reports whether the caller was switched
// away and has been resumed.
func (s *Scheduler) rotate() bool {
	if s.active == InvalidThreadID || s.ready.len() == 0 {
		s.lock.Release()
		return false
	}

	t, _ := s.dequeue()
	prev := &s.threads[s.active]
	prev.state = Ready
	s.enqueue(prev)

	s.activate(t)
	irqEnabled := s.lock.ReleaseKeepMasked()
	switchContextFn(&prev.savedSP, t.savedSP, t.kernelStack.End(), uintptr(t.root))

	// prev has been resumed.
	restoreInterruptsFn(irqEnabled)
	return true
}

// Exit terminates the active thread and switches to the next ready thread.
// The terminated thread's stacks and address space are reclaimed by the next
// thread that enters the scheduler. Exit panics if no other thread is ready.
func (s *Scheduler) Exit() {
	s.lock.Acquire()
	if s.active == InvalidThreadID {
		s.lock.Release()
		panic(errNoRunnableThread)
	}

	t, ok := s.dequeue()
	if !ok {
		s.lock.Release()
		panic(errNoRunnableThread)
	}

	prev := &s.threads[s.active]
	prev.state = Terminated
	s.zombies++

	s.activate(t)
	s.lock.ReleaseKeepMasked()

	kfmt.Printf("[task] thread %d exited\n", int(prev.id))
	startContextFn(t.savedSP, t.kernelStack.End(), uintptr(t.root))
}

// SetInitialized enables preemption.
func (s *Scheduler) SetInitialized() {
	s.initialized.Store(true)
}

// Active returns the ID of the running thread or InvalidThreadID before
// Start.
func (s *Scheduler) Active() ThreadID {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.active
}

// Thread returns the control block of thread id or nil if no such thread
// exists.
func (s *Scheduler) Thread(id ThreadID) *Thread {
	s.lock.Acquire()
	defer s.lock.Release()

	if id < 0 || id >= MaxThreads || s.threads[id].state == Unused {
		return nil
	}
	return &s.threads[id]
}

// ReadyCount returns the number of threads in the run queue.
func (s *Scheduler) ReadyCount() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.ready.len()
}

// IdleThread is the entry point of the idle thread. It enables preemption and
// then alternates between yielding and halting until the next interrupt.
func (s *Scheduler) IdleThread() {
	s.SetInitialized()
	for {
		s.Yield()
		waitForInterruptFn()
	}
}

// activate marks t as the running thread. The lock must be held.
func (s *Scheduler) activate(t *Thread) {
	t.state = Running
	s.active = t.id
}

// enqueue appends t to the run queue. The lock must be held.
func (s *Scheduler) enqueue(t *Thread) {
	t.queued = true
	s.ready.enqueue(t.id)
}

// dequeue removes the thread at the head of the run queue. The lock must be
// held.
func (s *Scheduler) dequeue() (*Thread, bool) {
	id, ok := s.ready.dequeue()
	if !ok {
		return nil, false
	}

	t := &s.threads[id]
	t.queued = false
	return t, true
}

// freeSlot returns the lowest unused slot of the thread table or
// InvalidThreadID. The lock must be held.
func (s *Scheduler) freeSlot() ThreadID {
	for id := range s.threads {
		if s.threads[id].state == Unused {
			return ThreadID(id)
		}
	}
	return InvalidThreadID
}

// lookup returns thread id or panics. The lock must be held.
func (s *Scheduler) lookup(id ThreadID) *Thread {
	if id < 0 || id >= MaxThreads || s.threads[id].state == Unused {
		panic(errUnknownThread)
	}
	return &s.threads[id]
}

// reapZombies releases the resources of terminated threads and frees their
// slots. It runs on the stack of a live thread, so no zombie stack is in
// use. The heap and the frame allocator are called with the scheduler lock
// held; neither calls back into the scheduler.
func (s *Scheduler) reapZombies() {
	s.lock.Acquire()
	defer s.lock.Release()

	for id := 0; s.zombies != 0 && id < MaxThreads; id++ {
		t := &s.threads[id]
		if t.state != Terminated {
			continue
		}

		s.heap.Free(t.kernelStack.Data, t.kernelStack.Size)
		s.spaces.FreeAddressSpace(t.root)
		*t = Thread{}
		s.zombies--

		kfmt.Printf("[task] reclaimed thread %d\n", id)
	}
}
