package kheap

import (
	"io"
	"os"
	"testing"

	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
	"github.com/marwinkloefer/bs-handin/kernel/sync"
)

var arena *mm.Arena

func TestMain(m *testing.M) {
	arena = mm.NewArena(4 * uintptr(mm.Mb))
	sync.SetInterruptControl(func() bool { return false }, func(bool) {})
	kfmt.SetOutputSink(io.Discard)

	os.Exit(m.Run())
}

// fixedFrames hands out a single preconfigured run.
type fixedFrames struct {
	addr  mm.PhysAddr
	err   *kernel.Error
	count int
}

func (f *fixedFrames) Alloc(count int, inKernel bool) (mm.PhysAddr, *kernel.Error) {
	f.count = count
	return f.addr, f.err
}

func newHeap(t *testing.T, size uintptr) *Heap {
	t.Helper()

	var h Heap
	if err := h.Init(&fixedFrames{addr: 0x100000}, size); err != nil {
		t.Fatal(err)
	}
	return &h
}

func TestInit(t *testing.T) {
	src := &fixedFrames{addr: 0x100000}

	var h Heap
	if err := h.Init(src, 10000); err != nil {
		t.Fatal(err)
	}

	if src.count != 3 {
		t.Fatalf("expected heap to request 3 frames; got %d", src.count)
	}
	if h.Size() != 3*mm.PageSize || h.FreeBytes() != 3*mm.PageSize {
		t.Fatalf("expected a 3-frame heap; got size %d free %d", h.Size(), h.FreeBytes())
	}

	expErr := &kernel.Error{Module: "frames", Message: "out of memory"}
	var failed Heap
	if err := failed.Init(&fixedFrames{err: expErr}, mm.PageSize); err != expErr {
		t.Fatalf("expected frame allocation error to be propagated; got %v", err)
	}
}

func TestAllocFree(t *testing.T) {
	h := newHeap(t, 64*1024)
	base := mm.PhysAddr(0x100000).Pointer()

	a, err := h.Alloc(100, 0)
	if err != nil || a != base {
		t.Fatalf("expected first allocation at heap start; got 0x%x, %v", a, err)
	}

	b, err := h.Alloc(mm.StackSize/2, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if (b-base)%mm.PageSize != 0 {
		t.Fatalf("expected page aligned allocation; got offset 0x%x", b-base)
	}
	if b < a+112 {
		t.Fatal("expected allocations not to overlap")
	}

	if got := h.FreeBytes(); got != 64*1024-112-mm.StackSize/2 {
		t.Fatalf("unexpected free byte count %d", got)
	}

	h.Free(a, 100)
	h.Free(b, mm.StackSize/2)
	if got := h.FreeBytes(); got != 64*1024 {
		t.Fatalf("expected all bytes to be free again; got %d", got)
	}

	// Everything coalesces back into a single block that can serve the
	// whole heap.
	if c, err := h.Alloc(64*1024, 0); err != nil || c != base {
		t.Fatalf("expected full-size allocation at heap start; got 0x%x, %v", c, err)
	}
	if _, err := h.Alloc(16, 0); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}

func TestInvalidUse(t *testing.T) {
	h := newHeap(t, mm.PageSize)

	specs := []struct {
		name string
		fn   func()
		exp  *kernel.Error
	}{
		{"zero size alloc", func() { h.Alloc(0, 0) }, errZeroSize},
		{"free outside heap", func() { h.Free(mm.PhysAddr(0x200000).Pointer(), 16) }, errInvalidFree},
		{"free past heap end", func() { h.Free(mm.PhysAddr(0x100ff0).Pointer(), 32) }, errInvalidFree},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r != spec.exp {
					t.Fatalf("expected panic with %v; got %v", spec.exp, r)
				}
			}()
			spec.fn()
		})
	}
}
