package proxy

import (
	"fmt"
	"io"
	"sync"

	"github.com/chazu/strata/internal/goid"
	"github.com/chazu/strata/malloc"
)

// HistorySize is the number of per-tick snapshots the section proxy keeps.
const HistorySize = 300

// DefaultSection is the section of allocations made outside any scope.
const DefaultSection = 0

// SectionTotals holds the counters of one section.
type SectionTotals struct {
	Name        string
	Count       int    // live allocations
	Bytes       uint64 // live bytes
	PeakBytes   uint64
	TotalAllocs uint64 // allocations ever made
}

type sectionAlloc struct {
	section int
	size    uintptr
}

// Section stamps each allocation with the section active on the calling
// goroutine. Sections nest per goroutine through Enter.
type Section struct {
	inner malloc.Allocator

	mu     sync.Mutex // guards names and stacks; Enter runs outside the allocator lock
	names  []string
	ids    map[string]int
	stacks map[int64][]int

	allocs map[uintptr]sectionAlloc
	totals []SectionTotals

	history [HistorySize][]uint64
	hnext   int
	hlen    int
}

var _ malloc.Proxy = (*Section)(nil)

func NewSection(inner malloc.Allocator) *Section {
	s := &Section{
		inner:  inner,
		ids:    make(map[string]int),
		stacks: make(map[int64][]int),
		allocs: make(map[uintptr]sectionAlloc),
	}
	s.register("Default")
	return s
}

func (s *Section) Inner() malloc.Allocator { return s.inner }

func (s *Section) register(name string) int {
	if id, ok := s.ids[name]; ok {
		return id
	}
	id := len(s.names)
	s.names = append(s.names, name)
	s.ids[name] = id
	return id
}

// Enter makes name the current section of the calling goroutine until the
// returned func runs:
//
//	defer sections.Enter("Physics")()
func (s *Section) Enter(name string) (exit func()) {
	g := goid.Current()
	s.mu.Lock()
	id := s.register(name)
	s.stacks[g] = append(s.stacks[g], id)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		stack := s.stacks[g]
		if len(stack) <= 1 {
			delete(s.stacks, g)
			return
		}
		s.stacks[g] = stack[:len(stack)-1]
	}
}

// Current returns the section id of the calling goroutine.
func (s *Section) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.stacks[goid.Current()]
	if len(stack) == 0 {
		return DefaultSection
	}
	return stack[len(stack)-1]
}

func (s *Section) totalsFor(id int) *SectionTotals {
	for len(s.totals) <= id {
		s.totals = append(s.totals, SectionTotals{})
	}
	return &s.totals[id]
}

func (s *Section) track(ptr, size uintptr, id int) {
	s.allocs[ptr] = sectionAlloc{section: id, size: size}
	t := s.totalsFor(id)
	t.Count++
	t.Bytes += uint64(size)
	t.PeakBytes = max(t.PeakBytes, t.Bytes)
	t.TotalAllocs++
}

func (s *Section) untrack(ptr uintptr) {
	a, ok := s.allocs[ptr]
	if !ok {
		return
	}
	delete(s.allocs, ptr)
	t := s.totalsFor(a.section)
	t.Count--
	t.Bytes -= uint64(a.size)
}

func (s *Section) Malloc(size uintptr, alignment uint32) uintptr {
	ptr := s.inner.Malloc(size, alignment)
	if ptr != 0 {
		s.track(ptr, size, s.Current())
	}
	return ptr
}

func (s *Section) Realloc(ptr, size uintptr, alignment uint32) uintptr {
	newPtr := s.inner.Realloc(ptr, size, alignment)
	id := s.Current()
	if a, ok := s.allocs[ptr]; ok {
		id = a.section
	}
	if ptr != 0 {
		s.untrack(ptr)
	}
	if newPtr != 0 {
		s.track(newPtr, size, id)
	}
	return newPtr
}

func (s *Section) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	s.inner.Free(ptr)
	s.untrack(ptr)
}

// Totals returns a copy of the per-section counters indexed by section id.
func (s *Section) Totals() []SectionTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SectionTotals, len(s.names))
	copy(out, s.totals)
	for i := range out {
		out[i].Name = s.names[i]
	}
	return out
}

// Tick records one snapshot of live bytes per section into the history ring.
func (s *Section) Tick(deltaSeconds float64) {
	snap := make([]uint64, len(s.totals))
	for i, t := range s.totals {
		snap[i] = t.Bytes
	}
	s.history[s.hnext] = snap
	s.hnext = (s.hnext + 1) % HistorySize
	s.hlen = min(s.hlen+1, HistorySize)
	s.inner.Tick(deltaSeconds)
}

// History returns the recorded snapshots, oldest first.
func (s *Section) History() [][]uint64 {
	out := make([][]uint64, 0, s.hlen)
	start := (s.hnext - s.hlen + HistorySize) % HistorySize
	for i := range s.hlen {
		out = append(out, s.history[(start+i)%HistorySize])
	}
	return out
}

// DumpSections writes per-section totals and the history as CSV, one row
// per section.
func (s *Section) DumpSections(w io.Writer) {
	totals := s.Totals()
	fmt.Fprintf(w, "%-24s %8s %12s %12s %10s\n", "Section", "Count", "Bytes", "Peak", "Allocs")
	for _, t := range totals {
		fmt.Fprintf(w, "%-24s %8d %12d %12d %10d\n", t.Name, t.Count, t.Bytes, t.PeakBytes, t.TotalAllocs)
	}
	history := s.History()
	if len(history) == 0 {
		return
	}
	fmt.Fprintf(w, "\nHistory (%d snapshots)\n", len(history))
	for id, t := range totals {
		fmt.Fprintf(w, "%s", t.Name)
		for _, snap := range history {
			var v uint64
			if id < len(snap) {
				v = snap[id]
			}
			fmt.Fprintf(w, ",%d", v)
		}
		fmt.Fprintln(w)
	}
}

func (s *Section) DumpAllocations(w io.Writer) {
	s.DumpSections(w)
	s.inner.DumpAllocations(w)
}

func (s *Section) Exec(cmd string, w io.Writer) bool {
	if malloc.ParseCommand(&cmd, "DUMPSECTIONS") {
		s.DumpSections(w)
		return true
	}
	return s.inner.Exec(cmd, w)
}

func (s *Section) PhysicalAlloc(size uintptr, cache malloc.CacheBehavior) uintptr {
	return s.inner.PhysicalAlloc(size, cache)
}
func (s *Section) PhysicalFree(ptr uintptr) { s.inner.PhysicalFree(ptr) }
func (s *Section) QuantizeSize(size uintptr, alignment uint32) uintptr {
	return s.inner.QuantizeSize(size, alignment)
}
func (s *Section) GetAllocationInfo() malloc.AllocationInfo { return s.inner.GetAllocationInfo() }
func (s *Section) GetAllocationSize(ptr uintptr) (uintptr, bool) {
	return s.inner.GetAllocationSize(ptr)
}
func (s *Section) ValidateHeap() bool           { return s.inner.ValidateHeap() }
func (s *Section) IsInternallyThreadSafe() bool { return false }
