package proxy

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/chazu/strata/malloc"
	"github.com/chazu/strata/malloc/binned"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// ThreadSafe
// ---------------------------------------------------------------------------

func TestThreadSafeSerialisesBinned(t *testing.T) {
	for _, detect := range []bool{false, true} {
		p := NewThreadSafe(binned.New(), detect)
		var wg sync.WaitGroup
		for g := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ptrs := make([]uintptr, 0, 64)
				for i := range 200 {
					ptrs = append(ptrs, p.Malloc(uintptr(8+(g*31+i)%3000), 0))
					if len(ptrs) == cap(ptrs) {
						for _, ptr := range ptrs {
							p.Free(ptr)
						}
						ptrs = ptrs[:0]
					}
				}
				for _, ptr := range ptrs {
					p.Free(ptr)
				}
			}()
		}
		wg.Wait()

		mallocs, _, frees := p.Counts()
		assert.EqualValues(t, 8*200, mallocs)
		assert.Equal(t, mallocs, frees)
		assert.Zero(t, p.GetAllocationInfo().AllocationCount)
		assert.True(t, p.ValidateHeap())
	}
}

func TestThreadSafeFindsInner(t *testing.T) {
	b := binned.New()
	p := NewThreadSafe(NewTag(b), false)
	got, ok := malloc.Find[*binned.Allocator](p)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.EqualValues(t, 16, p.QuantizeSize(9, 0))
}

// ---------------------------------------------------------------------------
// Tag
// ---------------------------------------------------------------------------

func TestTagKeepsOriginalAcrossRealloc(t *testing.T) {
	p := NewTag(binned.New())
	restore := PushTag(7)
	ptr := p.Malloc(100, 0)
	restore()

	defer PushTag(9)()
	ptr = p.Realloc(ptr, 5000, 0)
	e, ok := p.Lookup(ptr)
	require.True(t, ok)
	assert.EqualValues(t, 7, e.OriginalTag)
	assert.EqualValues(t, 9, e.CurrentTag)
	assert.EqualValues(t, 5000, e.Size)
	assert.Equal(t, 1, e.Count)

	p.Free(ptr)
	_, ok = p.Lookup(ptr)
	assert.False(t, ok)
}

func TestTagGroups(t *testing.T) {
	p := NewTag(binned.New())
	p.Names = map[int32]string{1: "Textures", 2: "Audio"}

	undo := PushTag(1)
	a := p.Malloc(100, 0)
	b := p.Malloc(200, 0)
	undo()
	undo = PushTag(2)
	c := p.Malloc(50, 0)
	undo()

	groups := p.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, TagGroup{OriginalTag: 1, CurrentTag: 1, Size: 300, Count: 2}, groups[0])
	assert.Equal(t, TagGroup{OriginalTag: 2, CurrentTag: 2, Size: 50, Count: 1}, groups[1])

	var out bytes.Buffer
	p.DumpAllocations(&out)
	assert.Contains(t, out.String(), "Textures")
	assert.Contains(t, out.String(), "Audio")

	for _, ptr := range []uintptr{a, b, c} {
		p.Free(ptr)
	}
	assert.Empty(t, p.Groups())
}

// ---------------------------------------------------------------------------
// Section
// ---------------------------------------------------------------------------

func TestSectionScopesNest(t *testing.T) {
	s := NewSection(binned.New())
	assert.Equal(t, DefaultSection, s.Current())

	exitPhysics := s.Enter("Physics")
	a := s.Malloc(64, 0)
	exitAI := s.Enter("AI")
	b := s.Malloc(128, 0)
	exitAI()
	c := s.Malloc(32, 0)
	exitPhysics()
	d := s.Malloc(16, 0)

	totals := s.Totals()
	require.Len(t, totals, 3)
	assert.Equal(t, "Default", totals[0].Name)
	assert.EqualValues(t, 16, totals[0].Bytes)
	assert.Equal(t, "Physics", totals[1].Name)
	assert.EqualValues(t, 96, totals[1].Bytes)
	assert.Equal(t, 2, totals[1].Count)
	assert.EqualValues(t, 128, totals[2].Bytes)

	// A realloc keeps the section of the original allocation.
	b = s.Realloc(b, 4000, 0)
	assert.EqualValues(t, 4000, s.Totals()[2].Bytes)

	for _, ptr := range []uintptr{a, b, c, d} {
		s.Free(ptr)
	}
	for _, tot := range s.Totals() {
		assert.Zero(t, tot.Bytes, tot.Name)
	}
	assert.EqualValues(t, 4000, s.Totals()[2].PeakBytes)
}

func TestSectionsArePerGoroutine(t *testing.T) {
	s := NewSection(binned.New())
	defer s.Enter("Main")()

	done := make(chan int)
	go func() { done <- s.Current() }()
	assert.Equal(t, DefaultSection, <-done)
	assert.NotEqual(t, DefaultSection, s.Current())
}

func TestSectionHistoryRing(t *testing.T) {
	s := NewSection(binned.New())
	exit := s.Enter("Level")
	ptr := s.Malloc(256, 0)
	exit()

	for range HistorySize + 5 {
		s.Tick(1.0 / 30)
	}
	history := s.History()
	require.Len(t, history, HistorySize)
	assert.EqualValues(t, 256, history[len(history)-1][1])

	var out bytes.Buffer
	require.True(t, s.Exec("DUMPSECTIONS", &out))
	lines := strings.Split(out.String(), "\n")
	var row string
	for _, l := range lines {
		if strings.HasPrefix(l, "Level,") {
			row = l
		}
	}
	assert.Equal(t, HistorySize, strings.Count(row, ","))
	s.Free(ptr)
}
