package guarded

import (
	"bytes"
	"testing"

	"github.com/chazu/strata/internal/ospage"
	"github.com/chazu/strata/malloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireFatal(t *testing.T, kind malloc.FatalKind, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a fatal error")
		fe, ok := r.(*malloc.FatalError)
		require.True(t, ok, "panic value %v", r)
		assert.Equal(t, kind, fe.Kind)
	}()
	fn()
}

func TestMallocLayout(t *testing.T) {
	a := New()
	p := a.Malloc(24, 32)
	require.NotZero(t, p)
	assert.Zero(t, p%32)
	assert.Equal(t, PreTag, loadTag(p-4))
	assert.Equal(t, PostTag, loadTag(p+24))
	assert.Equal(t, bytes.Repeat([]byte{WipeByte}, 24), ospage.Bytes(p, 24))

	size, ok := a.GetAllocationSize(p)
	require.True(t, ok)
	assert.EqualValues(t, 24, size)
	assert.True(t, a.ValidateHeap())
	a.Free(p)
	assert.Zero(t, a.GetAllocationInfo().AllocationCount)
}

func TestListSurvivesOutOfOrderFrees(t *testing.T) {
	a := New()
	ptrs := []uintptr{a.Malloc(8, 0), a.Malloc(16, 0), a.Malloc(32, 0), a.Malloc(64, 0)}
	a.Free(ptrs[1])
	a.Free(ptrs[3])
	assert.True(t, a.ValidateHeap())
	a.Free(ptrs[0])
	a.Free(ptrs[2])
	assert.True(t, a.ValidateHeap())
	assert.Zero(t, a.GetAllocationInfo().CPUUsed)
}

func TestPreTagOverwriteIsFatalOnFree(t *testing.T) {
	a := New()
	p := a.Malloc(16, 0)
	storeTag(p-4, 0)
	requireFatal(t, malloc.FatalHeapCorruption, func() { a.Free(p) })
}

func TestPostTagOverwriteIsFatalOnValidate(t *testing.T) {
	a := New()
	p := a.Malloc(16, 0)
	ospage.Bytes(p, 17)[16] = 0
	requireFatal(t, malloc.FatalHeapCorruption, func() { a.ValidateHeap() })
}

func TestWriteAfterFreeIsCaught(t *testing.T) {
	a := New()
	p := a.Malloc(16, 0)
	a.Free(p)
	ospage.Bytes(p, 1)[0] = 1
	requireFatal(t, malloc.FatalHeapCorruption, func() { a.ValidateHeap() })
}

func TestDoubleFreeIsFatal(t *testing.T) {
	a := New()
	p := a.Malloc(16, 0)
	a.Free(p)
	requireFatal(t, malloc.FatalBadPointer, func() { a.Free(p) })
}

func TestReallocMovesAndCopies(t *testing.T) {
	a := New()
	p := a.Malloc(8, 0)
	copy(ospage.Bytes(p, 8), "abcdefgh")
	q := a.Realloc(p, 64, 0)
	assert.NotEqual(t, p, q)
	assert.Equal(t, []byte("abcdefgh"), ospage.Bytes(q, 8))
	_, ok := a.GetAllocationSize(p)
	assert.False(t, ok)
	assert.Zero(t, a.Realloc(q, 0, 0))
}

func TestThreadTracking(t *testing.T) {
	a := New()
	var out bytes.Buffer
	require.True(t, a.Exec("BEGINTRACKINGTHREAD", &out))
	p := a.Malloc(100, 0)
	q := a.Malloc(28, 0)
	count, n := a.TrackedThread()
	assert.EqualValues(t, 2, count)
	assert.EqualValues(t, 128, n)
	require.True(t, a.Exec("ENDTRACKINGTHREAD", &out))
	assert.Contains(t, out.String(), "2 allocations totalling 128 bytes")
	a.Free(p)
	a.Free(q)
}
