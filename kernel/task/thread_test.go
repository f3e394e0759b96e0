package task

import (
	"testing"
	"unsafe"

	"github.com/marwinkloefer/bs-handin/kernel/mm"
	"github.com/marwinkloefer/bs-handin/kernel/mm/vmm"
)

func TestSyntheticSwitchFrame(t *testing.T) {
	_, restore := mockCPU()
	defer restore()

	s, _, _ := newTestScheduler(t)
	id, err := s.NewThread(func() {}, true)
	if err != nil {
		t.Fatal(err)
	}

	thr := s.Thread(id)
	stack := thr.KernelStack()
	if stack.Size != mm.StackSize || stack.Data%stackAlign != 0 {
		t.Fatalf("unexpected kernel stack %+v", stack)
	}
	if stack.Top() != stack.Data+stack.Size-8 {
		t.Fatalf("expected stack top at 0x%x; got 0x%x", stack.Data+stack.Size-8, stack.Top())
	}

	if exp := stack.Top() - 17*8; thr.savedSP != exp {
		t.Fatalf("expected saved stack pointer 0x%x; got 0x%x", exp, thr.savedSP)
	}

	word := func(addr uintptr) uint64 { return *(*uint64)(unsafe.Pointer(addr)) }

	specs := []struct {
		slot int
		exp  uint64
	}{
		{0, 0xDEADDEADDEADDEAD},
		{1, uint64(kickoffAddr())},
		{slotBX, uint64(uintptr(unsafe.Pointer(thr)))},
		{17, 2},
	}
	for _, spec := range specs {
		if got := word(stack.Top() - uintptr(spec.slot)*8); got != spec.exp {
			t.Errorf("slot %d: expected 0x%x; got 0x%x", spec.slot, spec.exp, got)
		}
	}

	for slot := 2; slot < 17; slot++ {
		if slot == slotBX {
			continue
		}
		if got := word(stack.Top() - uintptr(slot)*8); got != 0 {
			t.Errorf("slot %d: expected zeroed register; got 0x%x", slot, got)
		}
	}

	// The frame is consumed lowest address first: RFLAGS, 15 registers,
	// then the return address.
	if word(thr.savedSP) != 2 || word(thr.savedSP+16*8) != uint64(kickoffAddr()) {
		t.Fatal("expected RFLAGS at the saved stack pointer and kickoff 16 slots above it")
	}
}

func TestKernelThreadKickoff(t *testing.T) {
	cpu, restore := mockCPU()
	defer restore()

	s, _, _ := newTestScheduler(t)

	var ran bool
	first, err := s.NewThread(func() { ran = true }, true)
	if err != nil {
		t.Fatal(err)
	}
	s.Ready(first)
	second := newReadyThreads(t, s, 1)[0]
	s.Start()

	threadKickoff(s.Thread(first))

	if !ran {
		t.Fatal("expected the thread entry point to run")
	}
	if cpu.enables != 1 {
		t.Fatalf("expected interrupts to be enabled before the entry point; got %d calls", cpu.enables)
	}
	if len(cpu.userFrames) != 0 {
		t.Fatal("expected a kernel thread to stay in ring 0")
	}
	if s.Thread(first).State() != Terminated || s.Active() != second {
		t.Fatal("expected a returning entry point to exit the thread")
	}
}

func TestUserThreadKickoff(t *testing.T) {
	cpu, restore := mockCPU()
	defer restore()

	s, alloc, _ := newTestScheduler(t)
	freeUser := alloc.FreeFrames(false)

	var ran bool
	id, err := s.NewThread(func() { ran = true }, false)
	if err != nil {
		t.Fatal(err)
	}

	thr := s.Thread(id)
	if thr.KernelMode() {
		t.Fatal("expected a user thread")
	}

	userStack := thr.UserStack()
	if userStack.Data != mm.UserStackVMStart || userStack.Size != mm.StackSize {
		t.Fatalf("unexpected user stack %+v", userStack)
	}
	if got := freeUser - alloc.FreeFrames(false); got != uint64(mm.StackSize>>mm.PageShift) {
		t.Fatalf("expected the user stack to use %d user frames; got %d", mm.StackSize>>mm.PageShift, got)
	}
	if _, err := vmm.Translate(thr.Root(), userStack.Top()); err != nil {
		t.Fatalf("expected the user stack to be mapped: %v", err)
	}

	threadKickoff(thr)

	if ran {
		t.Fatal("expected the entry point to run only after entering ring 3")
	}
	if cpu.enables != 0 {
		t.Fatal("expected IRETQ to enable interrupts for user threads")
	}
	if len(cpu.userFrames) != 1 {
		t.Fatalf("expected one switch to ring 3; got %d", len(cpu.userFrames))
	}

	exp := [5]uint64{
		uint64(kickoffUserAddr()),
		userCodeSelector,
		userRFLAGS,
		uint64(userStack.Top()),
		userDataSelector,
	}
	if cpu.userFrames[0] != exp {
		t.Fatalf("expected interrupt return frame %x; got %x", exp, cpu.userFrames[0])
	}
	if exp := thr.KernelStack().End(); len(cpu.kernelStacks) != 1 || cpu.kernelStacks[0] != exp {
		t.Fatalf("expected the kernel stack end 0x%x to be installed before entering ring 3; got %x", exp, cpu.kernelStacks)
	}
	if cpu.userArgs[0] != uintptr(unsafe.Pointer(thr)) {
		t.Fatal("expected the thread control block to be passed to the ring 3 entry point")
	}
}
