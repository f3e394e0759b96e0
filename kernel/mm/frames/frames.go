// Package frames implements the physical page-frame allocator. Usable memory
// is split at mm.KernelPoolLimit into a kernel pool and a user pool; each pool
// is an address-ordered free list of contiguous frame runs.
package frames

import (
	"io"

	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
	"github.com/marwinkloefer/bs-handin/kernel/mm/freelist"
	"github.com/marwinkloefer/bs-handin/kernel/sync"
)

var (
	// ErrOutOfMemory is returned by Alloc when no run of the requested
	// length is available in the selected pool.
	ErrOutOfMemory = &kernel.Error{Module: "frames", Message: "out of memory"}

	errNoUsableMemory      = &kernel.Error{Module: "frames", Message: "no usable memory regions"}
	errAlreadyInitialized  = &kernel.Error{Module: "frames", Message: "allocator already initialized"}
	errNotInitialized      = &kernel.Error{Module: "frames", Message: "allocator not initialized"}
	errInvalidCount        = &kernel.Error{Module: "frames", Message: "frame count must be positive"}
	errMisalignedFree      = &kernel.Error{Module: "frames", Message: "freed address is not a valid frame address"}
	errFreeCrossesBoundary = &kernel.Error{Module: "frames", Message: "freed run crosses the kernel/user pool boundary"}

	// Mocked by tests.
	memsetFn = kernel.Memset
)

// Allocator hands out physically contiguous runs of page frames. A single
// instance is created at boot and passed to its consumers.
type Allocator struct {
	lock sync.IRQSpinlock

	kernelPool freelist.List
	userPool   freelist.List

	// maxPhysAddr is the highest physical address (inclusive) reported by
	// any usable region.
	maxPhysAddr mm.PhysAddr

	initialized bool
}

// Init populates the pools from the supplied usable memory regions. Region
// bounds are rounded inwards to frame boundaries and regions straddling
// mm.KernelPoolLimit are split between the two pools. Frame 0 is never made
// available. Calling Init twice panics.
func (alloc *Allocator) Init(regions []mm.PhysRegion) *kernel.Error {
	if alloc.initialized {
		panic(errAlreadyInitialized)
	}

	alloc.kernelPool.Init(mm.PageSize)
	alloc.userPool.Init(mm.PageSize)

	for _, region := range regions {
		if region.End < region.Start {
			continue
		}
		if region.End > alloc.maxPhysAddr {
			alloc.maxPhysAddr = region.End
		}

		start := region.Start.AlignUp()
		if start == 0 {
			start = mm.PhysAddr(mm.PageSize)
		}
		// End is inclusive; round the exclusive end down.
		end := (region.End + 1).AlignDown()
		if region.End+1 == 0 {
			end = region.End.AlignDown()
		}
		if start >= end {
			continue
		}

		if start < mm.KernelPoolLimit {
			kernelEnd := end
			if kernelEnd > mm.KernelPoolLimit {
				kernelEnd = mm.KernelPoolLimit
			}
			alloc.kernelPool.Add(start, uintptr(kernelEnd-start))
			start = kernelEnd
		}
		if start < end {
			alloc.userPool.Add(start, uintptr(end-start))
		}
	}

	if alloc.kernelPool.Len() == 0 && alloc.userPool.Len() == 0 {
		return errNoUsableMemory
	}

	alloc.initialized = true

	kfmt.Printf("[frames] kernel pool: %d free frames, user pool: %d free frames, max phys addr: 0x%x\n",
		alloc.FreeFrames(true), alloc.FreeFrames(false), uintptr(alloc.maxPhysAddr),
	)
	alloc.Dump()

	return nil
}

// Alloc reserves count physically contiguous frames from the kernel pool (if
// inKernel is true) or the user pool and returns the address of the first
// one. The returned frames are zeroed. If the pool cannot satisfy the request,
// Alloc returns mm.InvalidPhysAddr and ErrOutOfMemory.
func (alloc *Allocator) Alloc(count int, inKernel bool) (mm.PhysAddr, *kernel.Error) {
	if count <= 0 {
		panic(errInvalidCount)
	}
	if !alloc.initialized {
		panic(errNotInitialized)
	}

	size := uintptr(count) << mm.PageShift

	alloc.lock.Acquire()
	addr := alloc.pool(inKernel).Alloc(size, 0)
	alloc.lock.Release()

	if addr == 0 {
		return mm.InvalidPhysAddr, ErrOutOfMemory
	}

	memsetFn(addr.Pointer(), 0, size)
	return addr, nil
}

// Free returns count frames starting at addr to the pool they belong to.
// Freeing a misaligned address, a run that crosses mm.KernelPoolLimit or a
// frame that is already free panics.
func (alloc *Allocator) Free(addr mm.PhysAddr, count int) {
	switch {
	case count <= 0:
		panic(errInvalidCount)
	case addr == mm.InvalidPhysAddr || !addr.Aligned():
		panic(errMisalignedFree)
	case !alloc.initialized:
		panic(errNotInitialized)
	}

	size := uintptr(count) << mm.PageShift
	last := addr.Add(size - 1)
	if addr.InKernelPool() != last.InKernelPool() {
		panic(errFreeCrossesBoundary)
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()
	alloc.pool(addr.InKernelPool()).Add(addr, size)
}

// MaxPhysAddr returns the highest physical address covered by any usable
// region passed to Init.
func (alloc *Allocator) MaxPhysAddr() mm.PhysAddr {
	return alloc.maxPhysAddr
}

// FreeFrames returns the number of free frames in the selected pool.
func (alloc *Allocator) FreeFrames(inKernel bool) uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return uint64(alloc.pool(inKernel).FreeBytes() >> mm.PageShift)
}

// VisitFreeBlocks invokes visitor for every free run in the selected pool in
// ascending address order until the visitor returns false. The allocator
// lock is held while visiting so the visitor must not call back into the
// allocator.
func (alloc *Allocator) VisitFreeBlocks(inKernel bool, visitor func(start mm.PhysAddr, frames uint64) bool) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.pool(inKernel).Visit(func(addr mm.PhysAddr, size uintptr) bool {
		return visitor(addr, uint64(size>>mm.PageShift))
	})
}

// Dump prints the free runs of both pools.
func (alloc *Allocator) Dump() {
	alloc.Fdump(nil)
}

// Fdump writes the free runs of both pools to w.
func (alloc *Allocator) Fdump(w io.Writer) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if w == nil {
		w = kfmt.Output
	}
	pw := kfmt.PrefixWriter{Sink: w, Prefix: []byte("[frames]   ")}

	kfmt.Fprintf(w, "[frames] kernel pool:\n")
	alloc.kernelPool.Dump(&pw)
	kfmt.Fprintf(w, "[frames] user pool:\n")
	alloc.userPool.Dump(&pw)
}

func (alloc *Allocator) pool(inKernel bool) *freelist.List {
	if inKernel {
		return &alloc.kernelPool
	}
	return &alloc.userPool
}
