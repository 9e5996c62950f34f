// Package guarded implements the debug allocator. Every allocation carries an
// in-band header and guard words on both sides of the payload; frees verify
// the guards and wipe the payload so stale reads show up as 0xcd bytes.
package guarded

import (
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"

	"github.com/chazu/strata/internal/goid"
	"github.com/chazu/strata/internal/ospage"
	"github.com/chazu/strata/malloc"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("malloc.guarded")

const (
	PreTag   uint32 = 0xf0ed1cee
	PostTag  uint32 = 0xdeadf00f
	WipeByte byte   = 0xcd

	// QuarantineSize is how many freed blocks are held back so writes after
	// free can be caught when they leave the quarantine.
	QuarantineSize = 32
)

// header precedes every payload. The pre-tag word sits between the header
// and the payload, the post-tag word directly after the payload.
type header struct {
	size     uintptr
	refCount int32
	_        int32
	preTag   uintptr // address of the pre-tag word
	prev     uintptr // header address, 0 at the head
	next     uintptr
}

var headerSize = unsafe.Sizeof(header{})

type block struct {
	buf    []byte // keeps the backing memory reachable
	header uintptr
}

type quarantined struct {
	buf  []byte
	ptr  uintptr
	size uintptr
}

type physicalAlloc struct {
	size  uintptr
	cache malloc.CacheBehavior
}

// Allocator is the guarded debug allocator. It is not internally thread safe.
type Allocator struct {
	head uintptr // most recent header
	live map[uintptr]block

	quarantine []quarantined
	qnext      int

	physical map[uintptr]physicalAlloc

	used        uint64
	overhead    uint64
	physicalUse uint64

	trackedThread int64
	tracked       struct {
		count uint64
		bytes uint64
	}
}

var _ malloc.Allocator = (*Allocator)(nil)

// New returns an empty debug allocator.
func New() *Allocator {
	return &Allocator{
		live:       make(map[uintptr]block),
		quarantine: make([]quarantined, QuarantineSize),
		physical:   make(map[uintptr]physicalAlloc),
	}
}

func hdr(addr uintptr) *header {
	return (*header)(ospage.Pointer(addr))
}

func loadTag(addr uintptr) uint32 {
	return binary.LittleEndian.Uint32(ospage.Bytes(addr, 4))
}

func storeTag(addr uintptr, tag uint32) {
	binary.LittleEndian.PutUint32(ospage.Bytes(addr, 4), tag)
}

// prefix is the distance from the header to the payload for an alignment.
func prefix(align uintptr) uintptr {
	return ospage.Align(headerSize+4, align)
}

func (a *Allocator) Malloc(size uintptr, alignment uint32) uintptr {
	align := malloc.NormalizeAlignment(alignment)
	if !malloc.IsPowerOfTwo(align) {
		malloc.Fatal(malloc.FatalBadAlignment, "alignment %d is not a power of two", alignment)
	}
	pre := prefix(align)
	buf := make([]byte, pre+size+4+align)
	base := uintptr(unsafe.Pointer(&buf[0]))
	ptr := ospage.Align(base+pre, align)
	h := ptr - pre // pre is a multiple of 8, so the header is word aligned
	*hdr(h) = header{size: size, refCount: 1, preTag: ptr - 4, next: a.head}
	if a.head != 0 {
		hdr(a.head).prev = h
	}
	a.head = h
	storeTag(ptr-4, PreTag)
	storeTag(ptr+size, PostTag)
	ospage.Fill(ptr, size, WipeByte)

	a.live[ptr] = block{buf: buf, header: h}
	a.used += uint64(size)
	a.overhead += uint64(len(buf)) - uint64(size)

	if a.trackedThread != 0 && goid.Current() == a.trackedThread {
		a.tracked.count++
		a.tracked.bytes += uint64(size)
	}
	return ptr
}

// check verifies the guards of the allocation at ptr.
func (a *Allocator) check(ptr uintptr, b block) {
	h := hdr(b.header)
	if h.refCount != 1 {
		malloc.Fatal(malloc.FatalHeapCorruption, "%#x: refcount %d", ptr, h.refCount)
	}
	if h.preTag != ptr-4 || loadTag(ptr-4) != PreTag {
		malloc.Fatal(malloc.FatalHeapCorruption, "%#x: pre-tag overwritten", ptr)
	}
	if loadTag(ptr+h.size) != PostTag {
		malloc.Fatal(malloc.FatalHeapCorruption, "%#x: post-tag overwritten (%d-byte allocation)", ptr, h.size)
	}
}

func (a *Allocator) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	b, ok := a.live[ptr]
	if !ok {
		malloc.Fatal(malloc.FatalBadPointer, "%#x is not a live allocation", ptr)
	}
	a.check(ptr, b)

	h := hdr(b.header)
	if h.prev != 0 {
		hdr(h.prev).next = h.next
	} else {
		a.head = h.next
	}
	if h.next != 0 {
		hdr(h.next).prev = h.prev
	}
	size := h.size
	h.refCount = 0
	ospage.Fill(ptr, size, WipeByte)

	delete(a.live, ptr)
	a.used -= uint64(size)
	a.overhead -= uint64(len(b.buf)) - uint64(size)
	a.retire(quarantined{buf: b.buf, ptr: ptr, size: size})
}

// retire parks a freed block and checks the one it evicts.
func (a *Allocator) retire(q quarantined) {
	old := a.quarantine[a.qnext]
	a.quarantine[a.qnext] = q
	a.qnext = (a.qnext + 1) % len(a.quarantine)
	if old.buf != nil {
		checkWiped(old)
	}
}

func checkWiped(q quarantined) {
	for i, c := range ospage.Bytes(q.ptr, q.size) {
		if c != WipeByte {
			malloc.Fatal(malloc.FatalHeapCorruption, "%#x: written after free at offset %d", q.ptr, i)
		}
	}
}

// Realloc always moves the allocation so stale pointers are caught.
func (a *Allocator) Realloc(ptr, size uintptr, alignment uint32) uintptr {
	if ptr == 0 {
		return a.Malloc(size, alignment)
	}
	if size == 0 {
		a.Free(ptr)
		return 0
	}
	b, ok := a.live[ptr]
	if !ok {
		malloc.Fatal(malloc.FatalBadPointer, "%#x is not a live allocation", ptr)
	}
	old := hdr(b.header).size
	newPtr := a.Malloc(size, alignment)
	ospage.Copy(newPtr, ptr, min(old, size))
	a.Free(ptr)
	return newPtr
}

func (a *Allocator) QuantizeSize(size uintptr, alignment uint32) uintptr {
	return size
}

func (a *Allocator) PhysicalAlloc(size uintptr, cache malloc.CacheBehavior) uintptr {
	size = ospage.Align(max(size, 1), ospage.PageSize())
	ptr, err := ospage.Alloc(size)
	if err != nil {
		malloc.Fatal(malloc.FatalOutOfMemory, "%d-byte %s physical allocation: %v", size, cache, err)
	}
	a.physical[ptr] = physicalAlloc{size: size, cache: cache}
	a.physicalUse += uint64(size)
	return ptr
}

func (a *Allocator) PhysicalFree(ptr uintptr) {
	if ptr == 0 {
		return
	}
	p, ok := a.physical[ptr]
	if !ok {
		malloc.Fatal(malloc.FatalBadPointer, "%#x is not a physical allocation", ptr)
	}
	delete(a.physical, ptr)
	if err := ospage.Free(ptr, p.size); err != nil {
		log.Warningf("releasing physical allocation at %#x: %v", ptr, err)
	}
	a.physicalUse -= uint64(p.size)
}

func (a *Allocator) GetAllocationSize(ptr uintptr) (uintptr, bool) {
	b, ok := a.live[ptr]
	if !ok {
		return 0, false
	}
	return hdr(b.header).size, true
}

func (a *Allocator) GetAllocationInfo() malloc.AllocationInfo {
	return malloc.AllocationInfo{
		OSReportedUsed:       ospage.ProcessWorkingSet(),
		OSReportedFree:       ospage.AvailablePhysical(),
		OSOverhead:           a.overhead,
		CPUUsed:              a.used,
		CPUWaste:             a.overhead,
		PhysicalUsed:         a.physicalUse,
		TotalAllocatedFromOS: a.used + a.overhead,
		AllocationCount:      uint64(len(a.live)),
	}
}

// ValidateHeap walks the intrusive list, checks every guard and confirms
// the list and the set of live buffers agree. Corrupt guards are fatal.
func (a *Allocator) ValidateHeap() bool {
	seen := 0
	var prev uintptr
	for h := a.head; h != 0; h = hdr(h).next {
		x := hdr(h)
		ptr := x.preTag + 4
		b, ok := a.live[ptr]
		if !ok || b.header != h {
			log.Errorf("header %#x is linked but not live", h)
			return false
		}
		if x.prev != prev {
			log.Errorf("header %#x has a broken back link", h)
			return false
		}
		a.check(ptr, b)
		prev = h
		seen++
		if seen > len(a.live) {
			log.Errorf("allocation list loops")
			return false
		}
	}
	if seen != len(a.live) {
		log.Errorf("%d allocations linked, %d live", seen, len(a.live))
		return false
	}
	for _, q := range a.quarantine {
		if q.buf != nil {
			checkWiped(q)
		}
	}
	return true
}

func (a *Allocator) DumpAllocations(w io.Writer) {
	fmt.Fprintf(w, "Debug allocator: %d allocations, %d bytes, %d bytes of guards and headers\n",
		len(a.live), a.used, a.overhead)
	for h := a.head; h != 0; h = hdr(h).next {
		x := hdr(h)
		fmt.Fprintf(w, "  %#x %8d\n", x.preTag+4, x.size)
	}
}

func (a *Allocator) Tick(float64) {}

func (a *Allocator) Exec(cmd string, w io.Writer) bool {
	switch {
	case malloc.ParseCommand(&cmd, "BEGINTRACKINGTHREAD"):
		a.trackedThread = goid.Current()
		a.tracked.count, a.tracked.bytes = 0, 0
		fmt.Fprintf(w, "Tracking allocations on goroutine %d\n", a.trackedThread)
		return true
	case malloc.ParseCommand(&cmd, "ENDTRACKINGTHREAD"):
		fmt.Fprintf(w, "Goroutine %d made %d allocations totalling %d bytes\n",
			a.trackedThread, a.tracked.count, a.tracked.bytes)
		a.trackedThread = 0
		return true
	case malloc.ParseCommand(&cmd, "HEAPCHECK"):
		if a.ValidateHeap() {
			fmt.Fprintln(w, "Heap is consistent")
		} else {
			fmt.Fprintln(w, "Heap validation failed, see log")
		}
		return true
	case malloc.ParseCommand(&cmd, "DUMPALLOCS"):
		a.DumpAllocations(w)
		return true
	}
	return false
}

// TrackedThread reports what the thread tracker has counted so far.
func (a *Allocator) TrackedThread() (count, bytes uint64) {
	return a.tracked.count, a.tracked.bytes
}

func (a *Allocator) IsInternallyThreadSafe() bool { return false }
