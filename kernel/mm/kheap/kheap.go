// Package kheap provides a byte-granular allocator for kernel objects such as
// thread stacks. Its backing memory is a contiguous run of kernel-pool frames
// and its bookkeeping uses the same free-list engine as the frame allocator.
package kheap

import (
	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
	"github.com/marwinkloefer/bs-handin/kernel/mm/freelist"
	"github.com/marwinkloefer/bs-handin/kernel/sync"
)

// Granularity is the allocation granularity and minimum alignment of the heap.
const Granularity = uintptr(16)

var (
	// ErrOutOfMemory is returned by Alloc when no free block is large enough.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "out of memory"}

	errInvalidFree = &kernel.Error{Module: "kheap", Message: "freed range does not belong to the heap"}
	errZeroSize    = &kernel.Error{Module: "kheap", Message: "requested size must be positive"}
)

// FrameSource provides the frames that back the heap.
type FrameSource interface {
	Alloc(count int, inKernel bool) (mm.PhysAddr, *kernel.Error)
}

// Heap is a kernel memory allocator. Sizes are rounded up to Granularity and
// callers must pass the same size to Free that they passed to Alloc.
type Heap struct {
	lock sync.IRQSpinlock
	list freelist.List

	start mm.PhysAddr
	end   mm.PhysAddr
}

// Init reserves size bytes (rounded up to whole frames) from the kernel pool
// of frames and makes them available for allocation.
func (h *Heap) Init(frames FrameSource, size uintptr) *kernel.Error {
	count := int((size + mm.PageSize - 1) >> mm.PageShift)
	start, err := frames.Alloc(count, true)
	if err != nil {
		return err
	}

	h.list.Init(Granularity)
	h.start = start
	h.end = start.Add(uintptr(count) << mm.PageShift)
	h.list.Add(h.start, uintptr(h.end-h.start))

	kfmt.Printf("[kheap] %d bytes at phys 0x%x\n", uintptr(h.end-h.start), uintptr(h.start))
	return nil
}

// Alloc returns the kernel virtual address of size bytes aligned to align
// (0 selects Granularity). The memory is not cleared.
func (h *Heap) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		panic(errZeroSize)
	}

	h.lock.Acquire()
	addr := h.list.Alloc(roundUp(size), align)
	h.lock.Release()

	if addr == 0 {
		return 0, ErrOutOfMemory
	}
	return addr.Pointer(), nil
}

// Free returns a block obtained through Alloc to the heap.
func (h *Heap) Free(ptr, size uintptr) {
	addr := mm.PhysAddr(ptr - mm.PhysOffset())
	size = roundUp(size)
	if size == 0 || addr < h.start || addr.Add(size) > h.end {
		panic(errInvalidFree)
	}

	h.lock.Acquire()
	defer h.lock.Release()
	h.list.Add(addr, size)
}

// FreeBytes returns the number of unallocated bytes.
func (h *Heap) FreeBytes() uintptr {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.list.FreeBytes()
}

// Size returns the total size of the heap.
func (h *Heap) Size() uintptr {
	return uintptr(h.end - h.start)
}

func roundUp(size uintptr) uintptr {
	return (size + Granularity - 1) &^ (Granularity - 1)
}
