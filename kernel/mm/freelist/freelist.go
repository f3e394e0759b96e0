// Package freelist implements an address-ordered list of free memory blocks
// whose bookkeeping lives inside the free memory itself. Adjacent blocks are
// always coalesced on insertion. The frame allocator and the kernel heap are
// both built on top of it, using different granularities.
package freelist

import (
	"io"
	"unsafe"

	"github.com/marwinkloefer/bs-handin/kernel"
	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
)

// MinGranularity is the smallest supported granularity: every free block must
// be able to hold a node header.
const MinGranularity = unsafe.Sizeof(node{})

var (
	errBadGranularity = &kernel.Error{Module: "freelist", Message: "granularity must be a power of 2 that can hold a block header"}
	errBadAlignment   = &kernel.Error{Module: "freelist", Message: "alignment must be a power of 2 no smaller than the granularity"}
	errMisaligned     = &kernel.Error{Module: "freelist", Message: "block address is not aligned to the list granularity"}
	errBadSize        = &kernel.Error{Module: "freelist", Message: "block size must be a non-zero multiple of the list granularity"}
	errOverlap        = &kernel.Error{Module: "freelist", Message: "block overlaps a block that is already free"}
)

// node is the header stored in the first bytes of every free block.
type node struct {
	// size is the length of the block in bytes (header included).
	size uintptr

	// next is the address of the following free block or 0 if this is the
	// last one.
	next mm.PhysAddr
}

// mergeCase describes how a block being inserted relates to its neighbours.
type mergeCase uint8

const (
	noMerge mergeCase = iota
	mergeWithPrior
	mergeWithNext
	mergeAll
)

// classify picks the merge case for a block [addr, end) inserted between a
// prior block ending at priorEnd and a next block starting at next. A zero
// priorEnd or next means that the neighbour does not exist.
func classify(priorEnd, addr, end, next mm.PhysAddr) mergeCase {
	touchesPrior := priorEnd != 0 && priorEnd == addr
	touchesNext := next != 0 && end == next

	switch {
	case touchesPrior && touchesNext:
		return mergeAll
	case touchesNext:
		return mergeWithNext
	case touchesPrior:
		return mergeWithPrior
	default:
		return noMerge
	}
}

// List is an address-ordered singly linked list of free blocks. The zero value
// is not usable; call Init first.
type List struct {
	// head is a dummy block with size 0 that never lives in managed
	// memory. head.next points to the lowest free block.
	head node

	granularity uintptr
	freeBytes   uintptr
	blocks      int
}

// Init prepares an empty list whose blocks are multiples of granularity.
func (l *List) Init(granularity uintptr) {
	if granularity < MinGranularity || granularity&(granularity-1) != 0 {
		panic(errBadGranularity)
	}

	*l = List{granularity: granularity}
}

// Granularity returns the granularity the list was initialized with.
func (l *List) Granularity() uintptr {
	return l.granularity
}

// FreeBytes returns the total size of all free blocks.
func (l *List) FreeBytes() uintptr {
	return l.freeBytes
}

// Len returns the number of free blocks.
func (l *List) Len() int {
	return l.blocks
}

// Add inserts the block [addr, addr+size) into the list, coalescing it with
// the blocks immediately before and after it. When a merge happens, the
// header of the lowest-addressed block describes the merged block.
//
// Add panics if the block is misaligned, has an invalid size or overlaps a
// block that is already free (for instance when a block is freed twice).
func (l *List) Add(addr mm.PhysAddr, size uintptr) {
	switch {
	case addr == 0 || uintptr(addr)&(l.granularity-1) != 0:
		panic(errMisaligned)
	case size == 0 || size&(l.granularity-1) != 0:
		panic(errBadSize)
	}

	var (
		end       = addr.Add(size)
		priorAddr mm.PhysAddr
		prior     = &l.head
		next      = l.head.next
	)

	for next != 0 && next < addr {
		priorAddr, prior = next, nodeAt(next)
		next = prior.next
	}

	var priorEnd mm.PhysAddr
	if priorAddr != 0 {
		priorEnd = priorAddr.Add(prior.size)
	}

	if (next != 0 && end > next) || priorEnd > addr {
		panic(errOverlap)
	}

	switch classify(priorEnd, addr, end, next) {
	case mergeAll:
		nextNode := nodeAt(next)
		prior.size += size + nextNode.size
		prior.next = nextNode.next
		l.blocks--
	case mergeWithNext:
		nextNode := nodeAt(next)
		nextSize, nextNext := nextNode.size, nextNode.next
		merged := nodeAt(addr)
		merged.size, merged.next = size+nextSize, nextNext
		prior.next = addr
	case mergeWithPrior:
		prior.size += size
	case noMerge:
		inserted := nodeAt(addr)
		inserted.size, inserted.next = size, next
		prior.next = addr
		l.blocks++
	}

	l.freeBytes += size
}

// Alloc removes size bytes starting at an address aligned to align from the
// first block that can hold them. An align value of 0 selects the list
// granularity. Any unused space before and after the returned range is put
// back into the list. Alloc returns 0 if no block is large enough.
func (l *List) Alloc(size, align uintptr) mm.PhysAddr {
	if size == 0 || size&(l.granularity-1) != 0 {
		panic(errBadSize)
	}
	if align == 0 {
		align = l.granularity
	}
	if align < l.granularity || align&(align-1) != 0 {
		panic(errBadAlignment)
	}

	prior := &l.head
	for cur := l.head.next; cur != 0; cur = prior.next {
		block := nodeAt(cur)
		blockEnd := cur.Add(block.size)
		start := (cur + mm.PhysAddr(align-1)) &^ mm.PhysAddr(align-1)

		if start < cur || start >= blockEnd || uintptr(blockEnd-start) < size {
			prior = block
			continue
		}

		prior.next = block.next
		l.blocks--
		l.freeBytes -= block.size

		if start > cur {
			l.Add(cur, uintptr(start-cur))
		}
		if allocEnd := start.Add(size); allocEnd < blockEnd {
			l.Add(allocEnd, uintptr(blockEnd-allocEnd))
		}

		return start
	}

	return 0
}

// Visit invokes visitor for every free block in ascending address order until
// the visitor returns false.
func (l *List) Visit(visitor func(addr mm.PhysAddr, size uintptr) bool) {
	for cur := l.head.next; cur != 0; {
		block := nodeAt(cur)
		if !visitor(cur, block.size) {
			return
		}
		cur = block.next
	}
}

// Dump writes one line per free block to w.
func (l *List) Dump(w io.Writer) {
	if l.blocks == 0 {
		kfmt.Fprintf(w, "(empty)\n")
		return
	}

	l.Visit(func(addr mm.PhysAddr, size uintptr) bool {
		kfmt.Fprintf(w, "[0x%16x - 0x%16x] %d bytes\n", uintptr(addr), uintptr(addr)+size-1, size)
		return true
	})
}

func nodeAt(addr mm.PhysAddr) *node {
	return (*node)(unsafe.Pointer(addr.Pointer()))
}
