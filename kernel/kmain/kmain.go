package kmain

import (
	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/driver/uart"
	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
	"github.com/marwinkloefer/bs-handin/kernel/mm/frames"
	"github.com/marwinkloefer/bs-handin/kernel/mm/kheap"
	"github.com/marwinkloefer/bs-handin/kernel/mm/vmm"
	"github.com/marwinkloefer/bs-handin/kernel/multiboot"
	"github.com/marwinkloefer/bs-handin/kernel/task"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// Physical ranges that are never handed to the frame allocator besides
	// the kernel image and the multiboot info block.
	lowMemory = mm.PhysRegion{Start: 0, End: mm.PhysAddr(1*mm.Mb - 1)}
	isaHole   = mm.PhysRegion{Start: mm.PhysAddr(15 * mm.Mb), End: mm.PhysAddr(16*mm.Mb - 1)}

	// The kernel singletons. Kmain initializes them in declaration order;
	// none of them allocates from the Go heap.
	serial         = uart.Port{Base: uart.COM1}
	frameAllocator frames.Allocator
	kernelHeap     kheap.Heap
	pageTables     vmm.Builder
	scheduler      task.Scheduler

	setCR3Fn = vmm.SetCR3
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	if err := serial.DriverInit(kfmt.Output); err == nil {
		kfmt.SetOutputSink(&serial)
	}

	multiboot.SetInfoPtr(multibootInfoPtr)
	regions := multiboot.FreeRegions(reservedRegions(kernelStart, kernelEnd)...)

	root, err := initMemory(regions)
	if err != nil {
		kfmt.Panic(err)
	}
	setCR3Fn(root)

	if err = initScheduler(); err != nil {
		kfmt.Panic(err)
	}
	scheduler.Start()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// TimerTick is called by the timer interrupt handler once the interrupt has
// been acknowledged.
func TimerTick() {
	scheduler.Preempt()
}

// reservedRegions returns the physical ranges that must not be handed out by
// the frame allocator. kernelEnd is exclusive.
func reservedRegions(kernelStart, kernelEnd uintptr) []mm.PhysRegion {
	var buf [4]mm.PhysRegion
	regions := append(buf[:0], lowMemory, isaHole, multiboot.InfoRegion())
	if kernelEnd > kernelStart {
		regions = append(regions, mm.PhysRegion{Start: mm.PhysAddr(kernelStart), End: mm.PhysAddr(kernelEnd - 1)})
	}
	return regions
}

// initMemory sets up the frame allocator, the kernel heap and the kernel page
// tables and returns the physical address of the kernel's PML4.
func initMemory(regions []mm.PhysRegion) (mm.PhysAddr, *kernel.Error) {
	if err := frameAllocator.Init(regions); err != nil {
		return mm.InvalidPhysAddr, err
	}

	if err := kernelHeap.Init(&frameAllocator, mm.KernelHeapSize); err != nil {
		return mm.InvalidPhysAddr, err
	}

	pageTables.Init(&frameAllocator)
	return pageTables.InitKernelTables()
}

// initScheduler creates the idle thread and queues it.
func initScheduler() *kernel.Error {
	scheduler.Init(&kernelHeap, &pageTables)

	idle, err := scheduler.NewThread(idleThread, true)
	if err != nil {
		return err
	}

	scheduler.Ready(idle)
	return nil
}

func idleThread() {
	scheduler.IdleThread()
}
