package malloc

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd := "  mprof  start now"
	assert.False(t, ParseCommand(&cmd, "MPROFX"))
	assert.True(t, ParseCommand(&cmd, "MPROF"))
	assert.Equal(t, "start now", cmd)
	assert.True(t, ParseCommand(&cmd, "START"))
	assert.Equal(t, "now", cmd)

	cmd = "DUMPALLOCSTOFILE"
	assert.False(t, ParseCommand(&cmd, "DUMPALLOCS"))
}

func TestParseToken(t *testing.T) {
	cmd := "  one two   three"
	assert.Equal(t, "one", ParseToken(&cmd))
	assert.Equal(t, "two", ParseToken(&cmd))
	assert.Equal(t, "three", ParseToken(&cmd))
	assert.Equal(t, "", ParseToken(&cmd))
}

func TestNormalizeAlignment(t *testing.T) {
	assert.EqualValues(t, DefaultAlignment, NormalizeAlignment(0))
	assert.EqualValues(t, MinAlignment, NormalizeAlignment(2))
	assert.EqualValues(t, 64, NormalizeAlignment(64))
	assert.True(t, IsPowerOfTwo(64))
	assert.False(t, IsPowerOfTwo(48))
	assert.False(t, IsPowerOfTwo(0))
}

type stubAllocator struct {
	Allocator
	name string
}

type stubProxy struct {
	stubAllocator
	inner Allocator
}

func (p *stubProxy) Inner() Allocator { return p.inner }

func TestFind(t *testing.T) {
	base := &stubAllocator{name: "base"}
	chain := &stubProxy{stubAllocator: stubAllocator{name: "proxy"}, inner: base}

	got, ok := Find[*stubAllocator](chain)
	require.True(t, ok)
	assert.Equal(t, "base", got.name)

	p, ok := Find[*stubProxy](chain)
	require.True(t, ok)
	assert.Same(t, chain, p)

	_, ok = Find[*stubProxy](base)
	assert.False(t, ok)
}

func TestFatalRunsHooks(t *testing.T) {
	var seen *FatalError
	remove := OnFatal(func(err *FatalError) { seen = err })
	defer remove()
	panicking := OnFatal(func(*FatalError) { panic("hook failure") })
	defer panicking()

	assert.Panics(t, func() { Fatal(FatalOutOfMemory, "asked for %d bytes", 42) })
	require.NotNil(t, seen)
	assert.Equal(t, FatalOutOfMemory, seen.Kind)
	assert.Equal(t, "malloc: OutOfMemory: asked for 42 bytes", seen.Error())
}

type countingAllocator struct {
	Allocator
	mallocs, frees int
}

func (c *countingAllocator) Malloc(size uintptr, alignment uint32) uintptr {
	c.mallocs++
	return 0x1000
}

func (c *countingAllocator) Free(ptr uintptr) { c.frees++ }

func (c *countingAllocator) Exec(cmd string, w io.Writer) bool { return false }

func TestGMallocFacade(t *testing.T) {
	c := &countingAllocator{}
	prev := Install(c)
	defer Install(prev)

	assert.EqualValues(t, 0x1000, Malloc(16, 0))
	Free(0)
	Free(0x1000)
	assert.Equal(t, 1, c.mallocs)
	assert.Equal(t, 1, c.frees)
	assert.Same(t, c, GMalloc())
}
