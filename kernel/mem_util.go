package kernel

import "unsafe"

// Memset sets size bytes starting at addr to value. After seeding the first
// byte the filled prefix is doubled on every step so a page is cleared with
// log2(size) copy calls.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	target[0] = value
	for filled := uintptr(1); filled < size; filled <<= 1 {
		copy(target[filled:], target[:filled])
	}
}
