// Package multiboot extracts the physical memory map from the multiboot2
// information block passed in by the boot loader.
package multiboot

import (
	"unsafe"

	"github.com/marwinkloefer/bs-handin/kernel/kfmt"
	"github.com/marwinkloefer/bs-handin/kernel/mm"
)

var infoData uintptr

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Per multiboot2, each tag starts at a 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header of the memory map tag.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoRegion returns the physical range occupied by the multiboot
// information block itself.
func InfoRegion() mm.PhysRegion {
	hdr := (*info)(unsafe.Pointer(infoData))
	start := mm.PhysAddr(infoData - mm.PhysOffset())
	return mm.PhysRegion{Start: start, End: start.Add(uintptr(hdr.totalSize) - 1)}
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr != endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}

// maxFreeRegions bounds the number of regions FreeRegions can report. The
// result lives in a static buffer because FreeRegions runs before any
// allocator is available.
const maxFreeRegions = 32

var freeRegionBuf [maxFreeRegions]mm.PhysRegion

// FreeRegions returns the available memory regions reported by the boot
// loader with the reserved ranges cut out. The returned slice is only valid
// until the next call.
func FreeRegions(reserved ...mm.PhysRegion) []mm.PhysRegion {
	regions := freeRegionBuf[:0]

	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Type != MemAvailable || entry.Length == 0 {
			return true
		}

		region := mm.PhysRegion{
			Start: mm.PhysAddr(entry.PhysAddress),
			End:   mm.PhysAddr(entry.PhysAddress + entry.Length - 1),
		}
		regions = subtract(regions, region, reserved)
		return true
	})

	return regions
}

// subtract appends the parts of region that do not overlap any of the
// reserved ranges to regions.
func subtract(regions []mm.PhysRegion, region mm.PhysRegion, reserved []mm.PhysRegion) []mm.PhysRegion {
	for i, r := range reserved {
		if r.End < region.Start || r.Start > region.End {
			continue
		}

		if r.Start > region.Start {
			regions = subtract(regions, mm.PhysRegion{Start: region.Start, End: r.Start - 1}, reserved[i+1:])
		}
		if r.End < region.End {
			regions = subtract(regions, mm.PhysRegion{Start: r.End + 1, End: region.End}, reserved[i+1:])
		}
		return regions
	}

	if len(regions) == cap(regions) {
		kfmt.Printf("[multiboot] too many memory regions; ignoring [0x%x - 0x%x]\n", uintptr(region.Start), uintptr(region.End))
		return regions
	}
	return append(regions, region)
}
