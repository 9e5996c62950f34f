package binned

import "github.com/chazu/strata/internal/ospage"

// PoolSize is the OS page size used for one pool.
const PoolSize = 64 << 10

// PoolShift converts an address into a pool index.
const PoolShift = 16

// poolTable owns the pools of one size class.
type poolTable struct {
	firstPool     *poolInfo // pools with at least one free block
	exhaustedPool *poolInfo // pools with no free blocks
	blockSize     uint32
	index         int

	numActivePools    uint32
	maxActivePools    uint32
	activeRequests    uint32
	maxActiveRequests uint32
	totalRequests     uint64
	totalWaste        uint64
}

// poolInfo describes one pool or one OS-table allocation. It lives in the
// indirect table, addressed by the pool index of its base.
type poolInfo struct {
	taken    uint32     // live blocks
	firstMem uintptr    // head of the intrusive free list inside the pool
	table    *poolTable // owner; nil when the slot is unused
	base     uintptr
	bytes    uintptr  // request size for OS allocations
	osBytes  uintptr  // bytes obtained from the OS
	requests []uint16 // request size of each live pooled block

	next     *poolInfo
	prevLink **poolInfo
}

func (p *poolInfo) link(head **poolInfo) {
	if *head != nil {
		(*head).prevLink = &p.next
	}
	p.next = *head
	p.prevLink = head
	*head = p
}

func (p *poolInfo) unlink() {
	if p.next != nil {
		p.next.prevLink = p.prevLink
	}
	*p.prevLink = p.next
	p.next = nil
	p.prevLink = nil
}

// block returns the index of the pooled block at ptr.
func (p *poolInfo) block(ptr uintptr) uintptr {
	return (ptr - p.base) / uintptr(p.table.blockSize)
}

// blocks returns the number of blocks a pool of this table carves.
func (t *poolTable) blocks() uint32 {
	return PoolSize / t.blockSize
}

// carve threads every block of the pool at base into a singly linked free
// list. The link word is stored in the first bytes of each free block.
func carve(base uintptr, blockSize uint32) {
	n := PoolSize / uintptr(blockSize)
	bs := uintptr(blockSize)
	for i := uintptr(0); i < n; i++ {
		block := base + i*bs
		next := block + bs
		if i == n-1 {
			next = 0
		}
		ospage.StoreWord(block, next)
	}
}

// indirectEntries is the number of PoolInfo slots in a second-level page.
const indirectEntries = 2048

const indirectShift = 11

// indirectTable maps an address to its PoolInfo in two steps: the upper bits
// of the pool index select a page, the lower eleven bits a slot in it. Pages
// are created on first touch.
type indirectTable struct {
	pages map[uintptr]*[indirectEntries]poolInfo
}

func newIndirectTable() indirectTable {
	return indirectTable{pages: make(map[uintptr]*[indirectEntries]poolInfo)}
}

func (t *indirectTable) lookup(addr uintptr) *poolInfo {
	index := addr >> PoolShift
	page := t.pages[index>>indirectShift]
	if page == nil {
		return nil
	}
	return &page[index&(indirectEntries-1)]
}

// claim returns the slot for addr, allocating its page if needed. created
// reports whether a new page was made.
func (t *indirectTable) claim(addr uintptr) (info *poolInfo, created bool) {
	index := addr >> PoolShift
	top := index >> indirectShift
	page := t.pages[top]
	if page == nil {
		page = new([indirectEntries]poolInfo)
		t.pages[top] = page
		created = true
	}
	return &page[index&(indirectEntries-1)], created
}
