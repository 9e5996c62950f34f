// Package scalable adapts the Go runtime heap, itself a per-P cached
// size-class allocator, to the engine allocator contract. It is internally
// thread safe and is the choice for many-core hosts where the coarse lock in
// front of the binned allocator would dominate.
package scalable

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/chazu/strata/internal/ospage"
	"github.com/chazu/strata/malloc"
)

// runtimeSmallMax is the largest object the runtime serves from size-class
// spans; bigger objects get dedicated pages.
const runtimeSmallMax = 32 << 10

const runtimePageSize = 8 << 10

type allocation struct {
	buf  []byte
	size uintptr
}

// Allocator forwards to the runtime heap. Live buffers are held in a
// sync.Map so the collector never reclaims memory a caller still owns.
type Allocator struct {
	live     sync.Map // uintptr -> *allocation
	physical sync.Map // uintptr -> uintptr size

	used        atomic.Uint64
	reserved    atomic.Uint64
	physicalUse atomic.Uint64
	count       atomic.Int64
}

var _ malloc.Allocator = (*Allocator)(nil)

func New() *Allocator {
	return &Allocator{}
}

func (a *Allocator) Malloc(size uintptr, alignment uint32) uintptr {
	align := malloc.NormalizeAlignment(alignment)
	if !malloc.IsPowerOfTwo(align) {
		malloc.Fatal(malloc.FatalBadAlignment, "alignment %d is not a power of two", alignment)
	}
	size = max(size, 1)
	buf := make([]byte, size+align-1)
	ptr := ospage.Align(uintptr(unsafe.Pointer(&buf[0])), align)
	a.live.Store(ptr, &allocation{buf: buf, size: size})
	a.used.Add(uint64(size))
	a.reserved.Add(uint64(cap(buf)))
	a.count.Add(1)
	return ptr
}

func (a *Allocator) take(ptr uintptr) *allocation {
	v, ok := a.live.LoadAndDelete(ptr)
	if !ok {
		malloc.Fatal(malloc.FatalBadPointer, "%#x is not a live allocation", ptr)
	}
	al := v.(*allocation)
	a.used.Add(^uint64(al.size - 1))
	a.reserved.Add(^uint64(cap(al.buf) - 1))
	a.count.Add(-1)
	return al
}

func (a *Allocator) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	a.take(ptr)
}

// Realloc stays in place while the backing buffer has room.
func (a *Allocator) Realloc(ptr, size uintptr, alignment uint32) uintptr {
	if ptr == 0 {
		return a.Malloc(size, alignment)
	}
	if size == 0 {
		a.Free(ptr)
		return 0
	}
	v, ok := a.live.Load(ptr)
	if !ok {
		malloc.Fatal(malloc.FatalBadPointer, "%#x is not a live allocation", ptr)
	}
	al := v.(*allocation)
	room := uintptr(unsafe.Pointer(&al.buf[0])) + uintptr(len(al.buf)) - ptr
	align := malloc.NormalizeAlignment(alignment)
	if size <= room && ptr%align == 0 {
		a.live.Store(ptr, &allocation{buf: al.buf, size: size})
		a.used.Add(uint64(size) - uint64(al.size))
		return ptr
	}
	newPtr := a.Malloc(size, alignment)
	ospage.Copy(newPtr, ptr, min(al.size, size))
	a.take(ptr)
	return newPtr
}

// QuantizeSize estimates the runtime's rounding: 16-byte granules for small
// objects and whole runtime pages for large ones.
func (a *Allocator) QuantizeSize(size uintptr, alignment uint32) uintptr {
	align := max(malloc.NormalizeAlignment(alignment), 16)
	if size <= runtimeSmallMax {
		return ospage.Align(max(size, 1), align)
	}
	return ospage.Align(size, max(align, runtimePageSize))
}

func (a *Allocator) PhysicalAlloc(size uintptr, cache malloc.CacheBehavior) uintptr {
	size = ospage.Align(max(size, 1), ospage.PageSize())
	ptr, err := ospage.Alloc(size)
	if err != nil {
		malloc.Fatal(malloc.FatalOutOfMemory, "%d-byte %s physical allocation: %v", size, cache, err)
	}
	a.physical.Store(ptr, size)
	a.physicalUse.Add(uint64(size))
	return ptr
}

func (a *Allocator) PhysicalFree(ptr uintptr) {
	if ptr == 0 {
		return
	}
	v, ok := a.physical.LoadAndDelete(ptr)
	if !ok {
		malloc.Fatal(malloc.FatalBadPointer, "%#x is not a physical allocation", ptr)
	}
	size := v.(uintptr)
	_ = ospage.Free(ptr, size)
	a.physicalUse.Add(^uint64(size - 1))
}

func (a *Allocator) GetAllocationSize(ptr uintptr) (uintptr, bool) {
	v, ok := a.live.Load(ptr)
	if !ok {
		return 0, false
	}
	return v.(*allocation).size, true
}

func (a *Allocator) GetAllocationInfo() malloc.AllocationInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used, reserved := a.used.Load(), a.reserved.Load()
	return malloc.AllocationInfo{
		OSReportedUsed:       ospage.ProcessWorkingSet(),
		OSReportedFree:       ospage.AvailablePhysical(),
		OSOverhead:           ms.GCSys + ms.OtherSys,
		CPUUsed:              used,
		CPUSlack:             ms.HeapIdle,
		CPUWaste:             reserved - used,
		PhysicalUsed:         a.physicalUse.Load(),
		TotalAllocatedFromOS: ms.HeapSys,
		AllocationCount:      uint64(a.count.Load()),
	}
}

// ValidateHeap has nothing to walk; the runtime owns the heap.
func (a *Allocator) ValidateHeap() bool { return true }

func (a *Allocator) DumpAllocations(w io.Writer) {
	info := a.GetAllocationInfo()
	fmt.Fprintf(w, "Scalable allocator: %d allocations, %d bytes used, %d bytes waste\n",
		info.AllocationCount, info.CPUUsed, info.CPUWaste)
	fmt.Fprintf(w, "Runtime heap: %d bytes from OS, %d idle\n", info.TotalAllocatedFromOS, info.CPUSlack)
}

func (a *Allocator) Tick(float64) {}

func (a *Allocator) Exec(cmd string, w io.Writer) bool {
	if malloc.ParseCommand(&cmd, "DUMPALLOCS") {
		a.DumpAllocations(w)
		return true
	}
	return false
}

func (a *Allocator) IsInternallyThreadSafe() bool { return true }
