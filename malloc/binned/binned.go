// Package binned implements the engine's default pool allocator. Requests up
// to 32 KiB are rounded to one of 42 size classes and carved from 64 KiB
// pools; larger requests are mapped from the OS directly.
//
// The allocator is not internally thread safe; wrap it in the thread-safe
// proxy when it is shared.
package binned

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/chazu/strata/internal/ospage"
	"github.com/chazu/strata/malloc"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("malloc.binned")

// MaxAlignment is the largest alignment any request may ask for. Pools and
// OS-table allocations both start on a pool boundary.
const MaxAlignment = PoolSize

// maxPooledAlignment bounds alignments the pool path can honour.
const maxPooledAlignment = 4096

type physicalAlloc struct {
	size  uintptr
	cache malloc.CacheBehavior
}

// Allocator is the binned pool allocator.
type Allocator struct {
	tables   [NumPoolTables]poolTable
	osTable  poolTable
	lookup   *sizeLookup
	indirect indirectTable

	physical map[uintptr]physicalAlloc

	usedCurrent     uint64
	usedPeak        uint64
	wasteCurrent    uint64
	osCurrent       uint64
	osPeak          uint64
	overheadCurrent uint64
	physicalCurrent uint64
	allocations     uint64
}

var _ malloc.Allocator = (*Allocator)(nil)

// New returns an empty binned allocator. No OS memory is mapped until the
// first request.
func New() *Allocator {
	b := &Allocator{
		lookup:   newSizeLookup(),
		indirect: newIndirectTable(),
		physical: make(map[uintptr]physicalAlloc),
	}
	for i := range b.tables {
		b.tables[i].blockSize = blockSizes[i]
		b.tables[i].index = i
	}
	b.osTable.index = -1
	return b
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func checkAlignment(alignment uint32) uintptr {
	align := malloc.NormalizeAlignment(alignment)
	if !malloc.IsPowerOfTwo(align) {
		malloc.Fatal(malloc.FatalBadAlignment, "alignment %d is not a power of two", alignment)
	}
	if align > MaxAlignment {
		malloc.Fatal(malloc.FatalBadAlignment, "alignment %d exceeds %d", alignment, MaxAlignment)
	}
	return align
}

// classFor returns the pool table for the request or nil for the OS table.
func (b *Allocator) classFor(size, align uintptr) *poolTable {
	if align > maxPooledAlignment {
		return nil
	}
	class := b.lookup.classFor(size, align)
	if class < 0 {
		return nil
	}
	return &b.tables[class]
}

func (b *Allocator) Malloc(size uintptr, alignment uint32) uintptr {
	align := checkAlignment(alignment)
	if size == 0 {
		size = 1
	}
	if t := b.classFor(size, align); t != nil {
		return b.mallocPooled(t, size)
	}
	return b.mallocOS(size)
}

func (b *Allocator) mallocPooled(t *poolTable, size uintptr) uintptr {
	pool := t.firstPool
	if pool == nil {
		pool = b.allocatePool(t)
	}
	block := pool.firstMem
	pool.firstMem = ospage.LoadWord(block)
	pool.taken++
	if pool.firstMem == 0 {
		pool.unlink()
		pool.link(&t.exhaustedPool)
	}

	t.activeRequests++
	t.maxActiveRequests = max(t.maxActiveRequests, t.activeRequests)
	t.totalRequests++
	pool.requests[pool.block(block)] = uint16(size)
	waste := uint64(uintptr(t.blockSize) - size)
	t.totalWaste += waste

	b.usedCurrent += uint64(t.blockSize)
	b.usedPeak = max(b.usedPeak, b.usedCurrent)
	b.wasteCurrent += waste
	b.allocations++
	return block
}

func (b *Allocator) allocatePool(t *poolTable) *poolInfo {
	base, err := ospage.AllocAligned(PoolSize, PoolSize)
	if err != nil {
		malloc.Fatal(malloc.FatalOutOfMemory, "pool of %d-byte blocks: %v", t.blockSize, err)
	}
	info := b.claim(base)
	*info = poolInfo{table: t, base: base, osBytes: PoolSize, requests: make([]uint16, t.blocks())}
	carve(base, t.blockSize)
	info.firstMem = base
	info.link(&t.firstPool)

	t.numActivePools++
	t.maxActivePools = max(t.maxActivePools, t.numActivePools)
	b.osCurrent += PoolSize
	b.osPeak = max(b.osPeak, b.osCurrent)
	b.overheadCurrent += uint64(2 * len(info.requests))
	return info
}

func (b *Allocator) mallocOS(size uintptr) uintptr {
	osBytes := ospage.Align(size, ospage.PageSize())
	base, err := ospage.AllocAligned(osBytes, PoolSize)
	if err != nil {
		malloc.Fatal(malloc.FatalOutOfMemory, "%d-byte OS allocation: %v", size, err)
	}
	info := b.claim(base)
	*info = poolInfo{table: &b.osTable, base: base, bytes: size, osBytes: osBytes, taken: 1}

	b.osTable.activeRequests++
	b.osTable.maxActiveRequests = max(b.osTable.maxActiveRequests, b.osTable.activeRequests)
	b.osTable.totalRequests++

	b.usedCurrent += uint64(size)
	b.usedPeak = max(b.usedPeak, b.usedCurrent)
	b.wasteCurrent += uint64(osBytes - size)
	b.osCurrent += uint64(osBytes)
	b.osPeak = max(b.osPeak, b.osCurrent)
	b.allocations++
	return base
}

func (b *Allocator) claim(addr uintptr) *poolInfo {
	info, created := b.indirect.claim(addr)
	if created {
		b.overheadCurrent += uint64(unsafe.Sizeof([indirectEntries]poolInfo{}))
	}
	return info
}

// find returns the live PoolInfo owning ptr or raises a bad-pointer fault.
func (b *Allocator) find(ptr uintptr) *poolInfo {
	info := b.indirect.lookup(ptr)
	if info == nil || info.table == nil {
		malloc.Fatal(malloc.FatalBadPointer, "%#x was not allocated by this allocator", ptr)
	}
	if info.table == &b.osTable {
		if ptr != info.base {
			malloc.Fatal(malloc.FatalBadPointer, "%#x is inside an OS allocation at %#x", ptr, info.base)
		}
		return info
	}
	if (ptr-info.base)%uintptr(info.table.blockSize) != 0 {
		malloc.Fatal(malloc.FatalBadPointer, "%#x is not on a %d-byte block boundary", ptr, info.table.blockSize)
	}
	return info
}

// ---------------------------------------------------------------------------
// Release
// ---------------------------------------------------------------------------

func (b *Allocator) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	info := b.find(ptr)
	if info.table == &b.osTable {
		b.freeOS(info)
		return
	}
	b.freePooled(info, ptr)
}

func (b *Allocator) freePooled(info *poolInfo, ptr uintptr) {
	t := info.table
	if info.taken == 0 {
		malloc.Fatal(malloc.FatalHeapCorruption, "free of %#x in an empty %d-byte pool", ptr, t.blockSize)
	}
	if info.firstMem == 0 {
		info.unlink()
		info.link(&t.firstPool)
	}
	ospage.StoreWord(ptr, info.firstMem)
	info.firstMem = ptr
	info.taken--

	t.activeRequests--
	b.usedCurrent -= uint64(t.blockSize)
	b.wasteCurrent -= uint64(t.blockSize) - uint64(info.requests[info.block(ptr)])
	b.allocations--

	if info.taken == 0 {
		info.unlink()
		base := info.base
		*info = poolInfo{}
		if err := ospage.Free(base, PoolSize); err != nil {
			log.Warningf("releasing pool at %#x: %v", base, err)
		}
		t.numActivePools--
		b.osCurrent -= PoolSize
		b.overheadCurrent -= uint64(2 * t.blocks())
	}
}

func (b *Allocator) freeOS(info *poolInfo) {
	base, size, osBytes := info.base, info.bytes, info.osBytes
	*info = poolInfo{}
	if err := ospage.Free(base, osBytes); err != nil {
		log.Warningf("releasing OS allocation at %#x: %v", base, err)
	}
	b.osTable.activeRequests--
	b.usedCurrent -= uint64(size)
	b.wasteCurrent -= uint64(osBytes - size)
	b.osCurrent -= uint64(osBytes)
	b.allocations--
}

// Realloc resizes ptr. Pooled blocks stay in place while the new size maps to
// the same class; OS allocations stay in place while the new size fits the
// mapped bytes and does not shrink below two thirds of them.
func (b *Allocator) Realloc(ptr, size uintptr, alignment uint32) uintptr {
	if ptr == 0 {
		return b.Malloc(size, alignment)
	}
	if size == 0 {
		b.Free(ptr)
		return 0
	}
	align := checkAlignment(alignment)
	info := b.find(ptr)

	var oldSize uintptr
	if info.table == &b.osTable {
		if size <= info.osBytes && size*3 >= info.osBytes*2 && ptr%align == 0 {
			b.usedCurrent = b.usedCurrent - uint64(info.bytes) + uint64(size)
			b.usedPeak = max(b.usedPeak, b.usedCurrent)
			b.wasteCurrent = b.wasteCurrent - uint64(info.osBytes-info.bytes) + uint64(info.osBytes-size)
			info.bytes = size
			return ptr
		}
		oldSize = info.bytes
	} else {
		if b.classFor(size, align) == info.table {
			i := info.block(ptr)
			b.wasteCurrent = b.wasteCurrent + uint64(info.requests[i]) - uint64(size)
			info.requests[i] = uint16(size)
			return ptr
		}
		oldSize = uintptr(info.table.blockSize)
	}

	newPtr := b.Malloc(size, alignment)
	ospage.Copy(newPtr, ptr, min(oldSize, size))
	b.Free(ptr)
	return newPtr
}

// QuantizeSize returns the class size for pooled requests and the page
// rounded size otherwise. It only reads immutable tables.
func (b *Allocator) QuantizeSize(size uintptr, alignment uint32) uintptr {
	align := malloc.NormalizeAlignment(alignment)
	if size == 0 {
		size = 1
	}
	if align <= maxPooledAlignment {
		if class := b.lookup.classFor(size, align); class >= 0 {
			return uintptr(blockSizes[class])
		}
	}
	return ospage.Align(size, ospage.PageSize())
}

// ---------------------------------------------------------------------------
// Physical memory
// ---------------------------------------------------------------------------

func (b *Allocator) PhysicalAlloc(size uintptr, cache malloc.CacheBehavior) uintptr {
	size = ospage.Align(max(size, 1), ospage.PageSize())
	ptr, err := ospage.Alloc(size)
	if err != nil {
		malloc.Fatal(malloc.FatalOutOfMemory, "%d-byte %s physical allocation: %v", size, cache, err)
	}
	b.physical[ptr] = physicalAlloc{size: size, cache: cache}
	b.physicalCurrent += uint64(size)
	return ptr
}

func (b *Allocator) PhysicalFree(ptr uintptr) {
	if ptr == 0 {
		return
	}
	p, ok := b.physical[ptr]
	if !ok {
		malloc.Fatal(malloc.FatalBadPointer, "%#x is not a physical allocation", ptr)
	}
	delete(b.physical, ptr)
	if err := ospage.Free(ptr, p.size); err != nil {
		log.Warningf("releasing physical allocation at %#x: %v", ptr, err)
	}
	b.physicalCurrent -= uint64(p.size)
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

func (b *Allocator) GetAllocationSize(ptr uintptr) (uintptr, bool) {
	info := b.indirect.lookup(ptr)
	if info == nil || info.table == nil {
		return 0, false
	}
	if info.table == &b.osTable {
		return info.bytes, true
	}
	return uintptr(info.table.blockSize), true
}

// TotalAllocatedFromOS returns the bytes currently mapped for pools and
// OS-table allocations.
func (b *Allocator) TotalAllocatedFromOS() uint64 {
	return b.osCurrent
}

// ActivePools returns the number of live pools of size class i.
func (b *Allocator) ActivePools(i int) int {
	return int(b.tables[i].numActivePools)
}

func (b *Allocator) GetAllocationInfo() malloc.AllocationInfo {
	var pooledOS, pooledUsed uint64
	for i := range b.tables {
		t := &b.tables[i]
		pooledOS += uint64(t.numActivePools) * PoolSize
		pooledUsed += uint64(t.activeRequests) * uint64(t.blockSize)
	}
	return malloc.AllocationInfo{
		OSReportedUsed:       ospage.ProcessWorkingSet(),
		OSReportedFree:       ospage.AvailablePhysical(),
		OSOverhead:           b.overheadCurrent,
		CPUUsed:              b.usedCurrent,
		CPUSlack:             pooledOS - pooledUsed,
		CPUWaste:             b.wasteCurrent,
		PhysicalUsed:         b.physicalCurrent,
		TotalAllocatedFromOS: b.osCurrent,
		AllocationCount:      b.allocations,
	}
}

// ValidateHeap walks every pool and checks that its free list stays inside
// the pool, sits on block boundaries and agrees with the taken count.
func (b *Allocator) ValidateHeap() bool {
	ok := true
	for i := range b.tables {
		t := &b.tables[i]
		var pools uint32
		var taken uint32
		for _, head := range []*poolInfo{t.firstPool, t.exhaustedPool} {
			for p := head; p != nil; p = p.next {
				pools++
				taken += p.taken
				if !b.validatePool(t, p) {
					ok = false
				}
			}
		}
		if pools != t.numActivePools {
			log.Errorf("size %d: %d pools linked, %d counted", t.blockSize, pools, t.numActivePools)
			ok = false
		}
		if taken != t.activeRequests {
			log.Errorf("size %d: %d blocks taken, %d requests active", t.blockSize, taken, t.activeRequests)
			ok = false
		}
	}
	return ok
}

func (b *Allocator) validatePool(t *poolTable, p *poolInfo) bool {
	if p.table != t {
		log.Errorf("pool at %#x is linked into the %d-byte table but owned by another", p.base, t.blockSize)
		return false
	}
	capacity := t.blocks()
	end := p.base + uintptr(capacity)*uintptr(t.blockSize)
	var free uint32
	for block := p.firstMem; block != 0; block = ospage.LoadWord(block) {
		if block < p.base || block >= end || (block-p.base)%uintptr(t.blockSize) != 0 {
			log.Errorf("pool at %#x: free block %#x is out of range", p.base, block)
			return false
		}
		free++
		if free > capacity {
			log.Errorf("pool at %#x: free list loops", p.base)
			return false
		}
	}
	if free+p.taken != capacity {
		log.Errorf("pool at %#x: %d free + %d taken != %d blocks", p.base, free, p.taken, capacity)
		return false
	}
	return true
}

// DumpAllocations writes one line per size class followed by totals.
func (b *Allocator) DumpAllocations(w io.Writer) {
	fmt.Fprintf(w, "Memory Allocation Status\n")
	fmt.Fprintf(w, "Curr Memory % 8.3fM / % 8.3fM\n", mib(b.usedCurrent), mib(b.usedPeak))
	fmt.Fprintf(w, "Curr OS     % 8.3fM / % 8.3fM\n", mib(b.osCurrent), mib(b.osPeak))
	fmt.Fprintf(w, "Overhead    % 8.3fM\n", mib(b.overheadCurrent))
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Block Size Num Pools Max Pools Cur Allocs Total Allocs Mem Used Mem Slack Mem Waste Efficiency\n")
	fmt.Fprintf(w, "---------- --------- --------- ---------- ------------ -------- --------- --------- ----------\n")

	var totalUsed, totalSlack uint64
	for i := range b.tables {
		t := &b.tables[i]
		if t.totalRequests == 0 {
			continue
		}
		used := uint64(t.activeRequests) * uint64(t.blockSize)
		mem := uint64(t.numActivePools) * PoolSize
		slack := mem - used
		efficiency := 100.0
		if mem > 0 {
			efficiency = 100 * float64(used) / float64(mem)
		}
		avgWaste := float64(t.totalWaste) / float64(t.totalRequests)
		fmt.Fprintf(w, "% 10d % 9d % 9d % 10d % 12d % 7dK % 8dK % 8.1fB % 9.2f%%\n",
			t.blockSize, t.numActivePools, t.maxActivePools, t.activeRequests,
			t.totalRequests, mem/1024, slack/1024, avgWaste, efficiency)
		totalUsed += used
		totalSlack += slack
	}
	fmt.Fprintf(w, "%10s %9s %9s % 10d % 12d % 7dK\n", "OS", "", "",
		b.osTable.activeRequests, b.osTable.totalRequests, (b.usedCurrent-totalUsed)/1024)
	fmt.Fprintf(w, "\nPooled %dK used, %dK slack, %d physical allocations (%dK)\n",
		totalUsed/1024, totalSlack/1024, len(b.physical), b.physicalCurrent/1024)
}

func mib(n uint64) float64 {
	return float64(n) / (1 << 20)
}

func (b *Allocator) Tick(float64) {}

func (b *Allocator) Exec(cmd string, w io.Writer) bool {
	switch {
	case malloc.ParseCommand(&cmd, "HEAPCHECK"):
		if b.ValidateHeap() {
			fmt.Fprintln(w, "Heap is consistent")
		} else {
			fmt.Fprintln(w, "Heap validation failed, see log")
		}
		return true
	case malloc.ParseCommand(&cmd, "DUMPALLOCS"):
		b.DumpAllocations(w)
		return true
	}
	return false
}

func (b *Allocator) IsInternallyThreadSafe() bool { return false }
