// Package core provides alignment arithmetic and typed-slice carving for the
// arenaplan memory planner.
//
// The planner never allocates after construction: every working array it
// needs is carved out of a single caller-supplied byte region. This package
// implements that carving - aligned sub-slicing of a byte buffer into typed
// views ([]int32, []bool, []byte) whose lifetimes are tied to the region they
// were carved from.
package core

import "unsafe"

const (
	// CacheLineSize is a common cache line size, typically 64 bytes.
	// Adjust if targeting specific architectures with different cache line sizes.
	CacheLineSize = 64

	// WordAlign is the alignment used for carved int32 views.
	WordAlign = 4
)

// IsAligned checks if a memory address is aligned to the given boundary.
// align must be a power of two.
func IsAligned(addr uintptr, align uintptr) bool {
	return addr&(align-1) == 0
}

// AlignSize rounds size up to the specified alignment boundary.
// align must be a power of two.
func AlignSize(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// AlignCacheLine rounds size up to cache line boundary.
func AlignCacheLine(size int) int {
	return AlignSize(size, CacheLineSize)
}

// AlignedBytes allocates a byte slice with its underlying array aligned to
// CacheLineSize. Callers that supply their own scratch region to the planner
// can use this to guarantee the carver wastes no bytes on alignment padding.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size+CacheLineSize-1)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := uintptr(0)
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}
	return buf[offset : offset+uintptr(size)]
}
