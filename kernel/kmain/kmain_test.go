package kmain

import (
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
	"github.com/marwinkloefer/bs-handin/kernel/mm/vmm"
	"github.com/marwinkloefer/bs-handin/kernel/multiboot"
	"github.com/marwinkloefer/bs-handin/kernel/sync"
	"github.com/marwinkloefer/bs-handin/kernel/task"
)

const (
	arenaSize = 72 * uintptr(mm.Mb)

	// Physical address of the fake multiboot info block inside the arena.
	infoAddr = mm.PhysAddr(0x9000)
)

var arena *mm.Arena

func TestMain(m *testing.M) {
	arena = mm.NewArena(arenaSize)
	sync.SetInterruptControl(func() bool { return false }, func(bool) {})
	kfmt.SetOutputSink(io.Discard)

	// An info block holding only the terminating tag.
	info := arena.Bytes(infoAddr, 16)
	binary.LittleEndian.PutUint32(info[0:], 16)
	binary.LittleEndian.PutUint32(info[12:], 8)
	multiboot.SetInfoPtr(infoAddr.Pointer())

	os.Exit(m.Run())
}

func TestReservedRegions(t *testing.T) {
	infoRegion := mm.PhysRegion{Start: infoAddr, End: infoAddr + 15}

	specs := []struct {
		kernelStart, kernelEnd uintptr
		exp                    []mm.PhysRegion
	}{
		{
			0x100000, 0x180000,
			[]mm.PhysRegion{lowMemory, isaHole, infoRegion, {Start: 0x100000, End: 0x17ffff}},
		},
		// The kernel image bounds are unknown.
		{
			0, 0,
			[]mm.PhysRegion{lowMemory, isaHole, infoRegion},
		},
	}

	for specIndex, spec := range specs {
		got := reservedRegions(spec.kernelStart, spec.kernelEnd)
		if len(got) != len(spec.exp) {
			t.Errorf("[spec %d] expected %d regions; got %d", specIndex, len(spec.exp), len(got))
			continue
		}
		for i := range got {
			if got[i] != spec.exp[i] {
				t.Errorf("[spec %d] expected region %d to be %+v; got %+v", specIndex, i, spec.exp[i], got[i])
			}
		}
	}
}

func TestTimerTickBeforeInit(t *testing.T) {
	// Must not touch the uninitialized scheduler.
	TimerTick()

	if got := scheduler.Active(); got != task.ThreadID(0) {
		t.Fatalf("expected zero-value scheduler to be untouched; active thread is %d", got)
	}
}

func TestBootSequence(t *testing.T) {
	var activated mm.PhysAddr
	defer func(orig func(mm.PhysAddr)) { setCR3Fn = orig }(setCR3Fn)
	setCR3Fn = func(root mm.PhysAddr) { activated = root }

	regions := []mm.PhysRegion{
		{Start: 0x100000, End: mm.PhysAddr(15*mm.Mb - 1)},
		{Start: mm.PhysAddr(16 * mm.Mb), End: mm.PhysAddr(arenaSize - 1)},
	}

	root, err := initMemory(regions)
	if err != nil {
		t.Fatal(err)
	}
	setCR3Fn(root)

	if activated != root || !root.InKernelPool() {
		t.Fatalf("expected kernel root 0x%x in the kernel pool to be activated; got 0x%x", uintptr(root), uintptr(activated))
	}

	if got := kernelHeap.Size(); got != mm.KernelHeapSize {
		t.Fatalf("expected kernel heap size %d; got %d", mm.KernelHeapSize, got)
	}

	for _, addr := range []uintptr{mm.PageSize, 0x100000, uintptr(16 * mm.Mb), arenaSize - mm.PageSize} {
		phys, err := vmm.Translate(root, addr)
		if err != nil || phys != mm.PhysAddr(addr) {
			t.Errorf("expected 0x%x to be identity mapped; got 0x%x (err: %v)", addr, uintptr(phys), err)
		}
	}

	if _, err = vmm.Translate(root, 0); err != vmm.ErrInvalidMapping {
		t.Errorf("expected the null page to be unmapped; got %v", err)
	}

	kernelFree := frameAllocator.FreeFrames(true)
	if err = initScheduler(); err != nil {
		t.Fatal(err)
	}

	if got := scheduler.ReadyCount(); got != 1 {
		t.Fatalf("expected the idle thread to be queued; ready count is %d", got)
	}

	idle := scheduler.Thread(0)
	if idle == nil || !idle.KernelMode() || idle.State() != task.Ready {
		t.Fatal("expected thread 0 to be a ready kernel-mode idle thread")
	}

	if frameAllocator.FreeFrames(true) >= kernelFree {
		t.Fatal("expected the idle thread's address space to consume kernel frames")
	}
}
