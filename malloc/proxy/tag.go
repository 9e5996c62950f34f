package proxy

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/chazu/strata/malloc"
)

var currentTag atomic.Int32

// CurrentTag returns the tag stamped on new allocations.
func CurrentTag() int32 { return currentTag.Load() }

// SetCurrentTag replaces the current tag and returns the previous one.
func SetCurrentTag(tag int32) int32 { return currentTag.Swap(tag) }

// PushTag sets tag and returns a func restoring the previous one:
//
//	defer proxy.PushTag(TagTextures)()
func PushTag(tag int32) func() {
	prev := SetCurrentTag(tag)
	return func() { SetCurrentTag(prev) }
}

// TagEntry describes one live allocation tracked by the tag proxy.
type TagEntry struct {
	Size        uintptr
	OriginalTag int32 // tag at first allocation, kept across reallocs
	CurrentTag  int32 // tag at the most recent realloc
	Count       int   // reallocs survived
}

// Tag stamps every live allocation with the current tag.
type Tag struct {
	inner  malloc.Allocator
	allocs map[uintptr]TagEntry
	inside bool

	// Names maps tags to display names for DumpAllocations.
	Names map[int32]string
}

var _ malloc.Proxy = (*Tag)(nil)

func NewTag(inner malloc.Allocator) *Tag {
	return &Tag{inner: inner, allocs: make(map[uintptr]TagEntry)}
}

func (p *Tag) Inner() malloc.Allocator { return p.inner }

func (p *Tag) Malloc(size uintptr, alignment uint32) uintptr {
	ptr := p.inner.Malloc(size, alignment)
	if p.inside || ptr == 0 {
		return ptr
	}
	p.inside = true
	tag := CurrentTag()
	p.allocs[ptr] = TagEntry{Size: size, OriginalTag: tag, CurrentTag: tag}
	p.inside = false
	return ptr
}

func (p *Tag) Realloc(ptr, size uintptr, alignment uint32) uintptr {
	newPtr := p.inner.Realloc(ptr, size, alignment)
	if p.inside {
		return newPtr
	}
	p.inside = true
	defer func() { p.inside = false }()

	tag := CurrentTag()
	entry, ok := p.allocs[ptr]
	if ptr != 0 {
		delete(p.allocs, ptr)
	}
	if newPtr == 0 {
		return 0
	}
	if !ok {
		entry = TagEntry{OriginalTag: tag}
	} else {
		entry.Count++
	}
	entry.Size = size
	entry.CurrentTag = tag
	p.allocs[newPtr] = entry
	return newPtr
}

func (p *Tag) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	p.inner.Free(ptr)
	if !p.inside {
		p.inside = true
		delete(p.allocs, ptr)
		p.inside = false
	}
}

// Lookup returns the tracking entry for a live allocation.
func (p *Tag) Lookup(ptr uintptr) (TagEntry, bool) {
	e, ok := p.allocs[ptr]
	return e, ok
}

// TagGroup aggregates live allocations sharing a tag pair.
type TagGroup struct {
	OriginalTag int32
	CurrentTag  int32
	Size        uint64
	Count       int
}

// Groups returns live allocations grouped by (original, current) tag,
// largest first.
func (p *Tag) Groups() []TagGroup {
	type key struct{ orig, cur int32 }
	byKey := make(map[key]*TagGroup)
	for _, e := range p.allocs {
		k := key{e.OriginalTag, e.CurrentTag}
		g := byKey[k]
		if g == nil {
			g = &TagGroup{OriginalTag: e.OriginalTag, CurrentTag: e.CurrentTag}
			byKey[k] = g
		}
		g.Size += uint64(e.Size)
		g.Count++
	}
	groups := make([]TagGroup, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, *g)
	}
	slices.SortFunc(groups, func(a, b TagGroup) int {
		if c := cmp.Compare(b.Size, a.Size); c != 0 {
			return c
		}
		if c := cmp.Compare(a.OriginalTag, b.OriginalTag); c != 0 {
			return c
		}
		return cmp.Compare(a.CurrentTag, b.CurrentTag)
	})
	return groups
}

func (p *Tag) tagName(tag int32) string {
	if name, ok := p.Names[tag]; ok {
		return name
	}
	return fmt.Sprintf("%d", tag)
}

func (p *Tag) DumpAllocations(w io.Writer) {
	fmt.Fprintf(w, "%-20s %-20s %12s %8s\n", "Original", "Current", "Size", "Count")
	for _, g := range p.Groups() {
		fmt.Fprintf(w, "%-20s %-20s %12d %8d\n", p.tagName(g.OriginalTag), p.tagName(g.CurrentTag), g.Size, g.Count)
	}
	p.inner.DumpAllocations(w)
}

func (p *Tag) PhysicalAlloc(size uintptr, cache malloc.CacheBehavior) uintptr {
	return p.inner.PhysicalAlloc(size, cache)
}
func (p *Tag) PhysicalFree(ptr uintptr) { p.inner.PhysicalFree(ptr) }
func (p *Tag) QuantizeSize(size uintptr, alignment uint32) uintptr {
	return p.inner.QuantizeSize(size, alignment)
}
func (p *Tag) GetAllocationInfo() malloc.AllocationInfo { return p.inner.GetAllocationInfo() }
func (p *Tag) GetAllocationSize(ptr uintptr) (uintptr, bool) {
	return p.inner.GetAllocationSize(ptr)
}
func (p *Tag) ValidateHeap() bool                { return p.inner.ValidateHeap() }
func (p *Tag) Tick(deltaSeconds float64)         { p.inner.Tick(deltaSeconds) }
func (p *Tag) Exec(cmd string, w io.Writer) bool { return p.inner.Exec(cmd, w) }
func (p *Tag) IsInternallyThreadSafe() bool      { return false }
