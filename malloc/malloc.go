// Package malloc defines the allocator contract shared by every layer of the
// engine heap and the process-wide GMalloc facade that application code calls.
//
// Allocators are composed by ownership: each proxy holds the allocator it
// wraps and forwards to it, so the chain is fixed once at process start:
//
//	ThreadSafe -> Profiler -> Tag/Section -> Binned (or Guarded, Scalable)
//
// Addresses handed out by an Allocator refer to memory outside the Go heap and
// are represented as uintptr.
package malloc

import (
	"io"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("malloc")

// DefaultAlignment is the alignment used when a caller passes zero.
const DefaultAlignment = 8

// MinAlignment is the smallest alignment any allocator returns. The profiler
// relies on it to stuff a token kind into the two low bits of a pointer.
const MinAlignment = 8

// CacheBehavior selects the caching mode of a physical allocation.
type CacheBehavior int

const (
	CacheNormal CacheBehavior = iota
	CacheWriteCombine
	CacheUncached
)

func (c CacheBehavior) String() string {
	switch c {
	case CacheNormal:
		return "Normal"
	case CacheWriteCombine:
		return "WriteCombine"
	case CacheUncached:
		return "Uncached"
	}
	return "Unknown"
}

// AllocationInfo is the snapshot returned by GetAllocationInfo.
type AllocationInfo struct {
	OSReportedUsed uint64 // process working set as reported by the OS
	OSReportedFree uint64 // free physical memory as reported by the OS
	OSOverhead     uint64 // bookkeeping obtained from the OS by the allocator

	CPUUsed  uint64 // bytes in live allocations after size-class rounding
	CPUSlack uint64 // free bytes held in partially used pools
	CPUWaste uint64 // bytes lost to rounding and headers

	PhysicalUsed uint64 // bytes in live physical allocations

	TotalAllocatedFromOS uint64 // pool and large-allocation bytes mapped from the OS
	AllocationCount      uint64 // live allocations
}

// Allocator is the entry point every layer implements.
type Allocator interface {
	// Malloc returns size bytes aligned to alignment (0 means DefaultAlignment).
	Malloc(size uintptr, alignment uint32) uintptr
	// Realloc resizes ptr. A zero ptr behaves as Malloc, a zero size as Free
	// returning 0.
	Realloc(ptr uintptr, size uintptr, alignment uint32) uintptr
	// Free releases ptr. Freeing 0 is a no-op.
	Free(ptr uintptr)

	PhysicalAlloc(size uintptr, cache CacheBehavior) uintptr
	PhysicalFree(ptr uintptr)

	// QuantizeSize reports the size an allocation of size bytes really
	// occupies. It must be safe to call without external locking.
	QuantizeSize(size uintptr, alignment uint32) uintptr

	GetAllocationInfo() AllocationInfo
	GetAllocationSize(ptr uintptr) (uintptr, bool)
	ValidateHeap() bool
	DumpAllocations(w io.Writer)
	Tick(deltaSeconds float64)
	// Exec handles a console command, returning true when consumed.
	Exec(cmd string, w io.Writer) bool

	// IsInternallyThreadSafe reports whether the allocator can be called
	// concurrently without the thread-safe proxy.
	IsInternallyThreadSafe() bool
}

// Proxy is implemented by layers that wrap another allocator.
type Proxy interface {
	Allocator
	Inner() Allocator
}

// Find walks a proxy chain and returns the first layer of type T.
func Find[T Allocator](a Allocator) (T, bool) {
	for a != nil {
		if t, ok := a.(T); ok {
			return t, true
		}
		p, ok := a.(Proxy)
		if !ok {
			break
		}
		a = p.Inner()
	}
	var zero T
	return zero, false
}

// NormalizeAlignment maps 0 to DefaultAlignment and raises anything below
// MinAlignment to it.
func NormalizeAlignment(alignment uint32) uintptr {
	if alignment == 0 {
		return DefaultAlignment
	}
	if alignment < MinAlignment {
		return MinAlignment
	}
	return uintptr(alignment)
}

// IsPowerOfTwo reports whether n is a power of two.
func IsPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}
