// Package proxy holds the allocator layers that wrap another allocator:
// the coarse-lock thread-safe proxy and the tag and section tracking proxies.
package proxy

import (
	"fmt"
	"io"
	"sync"

	"github.com/chazu/strata/malloc"
	"github.com/sasha-s/go-deadlock"
)

// ThreadSafe serialises every call into its inner allocator behind one
// mutex. QuantizeSize is forwarded without taking the lock.
type ThreadSafe struct {
	inner malloc.Allocator
	mu    sync.Locker

	mallocs  uint64
	reallocs uint64
	frees    uint64
}

var _ malloc.Proxy = (*ThreadSafe)(nil)

// NewThreadSafe wraps inner. With detectDeadlocks the lock reports lock
// order inversions and long waits instead of hanging silently.
func NewThreadSafe(inner malloc.Allocator, detectDeadlocks bool) *ThreadSafe {
	var mu sync.Locker = &sync.Mutex{}
	if detectDeadlocks {
		mu = &deadlock.Mutex{}
	}
	return &ThreadSafe{inner: inner, mu: mu}
}

func (p *ThreadSafe) Inner() malloc.Allocator { return p.inner }

func (p *ThreadSafe) Malloc(size uintptr, alignment uint32) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mallocs++
	return p.inner.Malloc(size, alignment)
}

func (p *ThreadSafe) Realloc(ptr, size uintptr, alignment uint32) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reallocs++
	return p.inner.Realloc(ptr, size, alignment)
}

func (p *ThreadSafe) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frees++
	p.inner.Free(ptr)
}

func (p *ThreadSafe) PhysicalAlloc(size uintptr, cache malloc.CacheBehavior) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.PhysicalAlloc(size, cache)
}

func (p *ThreadSafe) PhysicalFree(ptr uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.PhysicalFree(ptr)
}

func (p *ThreadSafe) QuantizeSize(size uintptr, alignment uint32) uintptr {
	return p.inner.QuantizeSize(size, alignment)
}

func (p *ThreadSafe) GetAllocationInfo() malloc.AllocationInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.GetAllocationInfo()
}

func (p *ThreadSafe) GetAllocationSize(ptr uintptr) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.GetAllocationSize(ptr)
}

func (p *ThreadSafe) ValidateHeap() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.ValidateHeap()
}

func (p *ThreadSafe) DumpAllocations(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(w, "Thread-safe proxy: %d mallocs, %d reallocs, %d frees\n", p.mallocs, p.reallocs, p.frees)
	p.inner.DumpAllocations(w)
}

func (p *ThreadSafe) Tick(deltaSeconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.Tick(deltaSeconds)
}

func (p *ThreadSafe) Exec(cmd string, w io.Writer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Exec(cmd, w)
}

func (p *ThreadSafe) IsInternallyThreadSafe() bool { return true }

// Counts returns the number of calls served so far.
func (p *ThreadSafe) Counts() (mallocs, reallocs, frees uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mallocs, p.reallocs, p.frees
}
