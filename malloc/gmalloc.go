package malloc

import (
	"io"
	"sync/atomic"
)

type installed struct{ a Allocator }

var gmalloc atomic.Pointer[installed]

// Install makes a the process-wide allocator. It returns the previous one.
func Install(a Allocator) Allocator {
	prev := gmalloc.Swap(&installed{a: a})
	if prev == nil {
		return nil
	}
	return prev.a
}

// GMalloc returns the process-wide allocator, or nil before Install.
func GMalloc() Allocator {
	if p := gmalloc.Load(); p != nil {
		return p.a
	}
	return nil
}

func mustGMalloc() Allocator {
	a := GMalloc()
	if a == nil {
		Fatal(FatalNotInstalled, "GMalloc used before an allocator was installed")
	}
	return a
}

// Malloc allocates through the process-wide allocator.
func Malloc(size uintptr, alignment uint32) uintptr {
	return mustGMalloc().Malloc(size, alignment)
}

// Realloc resizes through the process-wide allocator.
func Realloc(ptr, size uintptr, alignment uint32) uintptr {
	return mustGMalloc().Realloc(ptr, size, alignment)
}

// Free releases through the process-wide allocator.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	mustGMalloc().Free(ptr)
}

// PhysicalAlloc allocates physical memory through the process-wide allocator.
func PhysicalAlloc(size uintptr, cache CacheBehavior) uintptr {
	return mustGMalloc().PhysicalAlloc(size, cache)
}

// PhysicalFree releases physical memory through the process-wide allocator.
func PhysicalFree(ptr uintptr) {
	if ptr == 0 {
		return
	}
	mustGMalloc().PhysicalFree(ptr)
}

// GetAllocationInfo reports the process-wide allocator statistics.
func GetAllocationInfo() AllocationInfo {
	return mustGMalloc().GetAllocationInfo()
}

// GetAllocationSize reports the usable size of ptr.
func GetAllocationSize(ptr uintptr) (uintptr, bool) {
	return mustGMalloc().GetAllocationSize(ptr)
}

// ValidateHeap checks the process-wide allocator's internal consistency.
func ValidateHeap() bool {
	return mustGMalloc().ValidateHeap()
}

// DumpAllocations writes the live allocations to w.
func DumpAllocations(w io.Writer) {
	mustGMalloc().DumpAllocations(w)
}

// Tick advances per-frame bookkeeping of the allocator chain.
func Tick(deltaSeconds float64) {
	if a := GMalloc(); a != nil {
		a.Tick(deltaSeconds)
	}
}

// Exec routes a console command through the allocator chain.
func Exec(cmd string, w io.Writer) bool {
	if a := GMalloc(); a != nil {
		return a.Exec(cmd, w)
	}
	return false
}
