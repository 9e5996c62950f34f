package binned

import (
	"bytes"
	"testing"

	"github.com/chazu/strata/internal/ospage"
	"github.com/chazu/strata/malloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeClassesAreOrdered(t *testing.T) {
	for i := 1; i < NumPoolTables; i++ {
		assert.Greater(t, blockSizes[i], blockSizes[i-1])
		assert.Zero(t, blockSizes[i]%8, "class %d", i)
	}
	assert.EqualValues(t, MaxPooledSize, blockSizes[NumPoolTables-1])
}

func TestQuantizeSize(t *testing.T) {
	b := New()
	cases := []struct {
		size uintptr
		want uintptr
	}{
		{1, 8},
		{8, 8},
		{9, 16},
		{100, 112},
		{1000, 1024},
		{1025, 1168},
		{32768, 32768},
		{32769, ospage.Align(32769, ospage.PageSize())},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, b.QuantizeSize(c.size, 0), "size %d", c.size)
	}
	// 48 is not a multiple of 32, so the next class qualifies.
	assert.EqualValues(t, 64, b.QuantizeSize(40, 32))
}

func TestMallocRoundsAndAligns(t *testing.T) {
	b := New()
	p := b.Malloc(100, 0)
	require.NotZero(t, p)
	size, ok := b.GetAllocationSize(p)
	require.True(t, ok)
	assert.EqualValues(t, 112, size)
	assert.Zero(t, p%malloc.DefaultAlignment)

	q := b.Malloc(40, 64)
	assert.Zero(t, q%64)

	big := b.Malloc(100000, 0)
	size, ok = b.GetAllocationSize(big)
	require.True(t, ok)
	assert.EqualValues(t, 100000, size)
	assert.Zero(t, big%PoolSize)

	info := b.GetAllocationInfo()
	assert.EqualValues(t, 3, info.AllocationCount)
	assert.EqualValues(t, 112+64+100000, info.CPUUsed)

	b.Free(p)
	b.Free(q)
	b.Free(big)
	assert.Zero(t, b.GetAllocationInfo().CPUUsed)
	assert.True(t, b.ValidateHeap())
}

func TestPoolReclamation(t *testing.T) {
	b := New()
	class := 4 // 64-byte blocks
	n := int(PoolSize / blockSizes[class])

	ptrs := make([]uintptr, n)
	for i := range ptrs {
		ptrs[i] = b.Malloc(64, 0)
	}
	assert.Equal(t, 1, b.ActivePools(class))
	assert.EqualValues(t, PoolSize, b.TotalAllocatedFromOS())

	extra := b.Malloc(64, 0)
	assert.Equal(t, 2, b.ActivePools(class))
	b.Free(extra)
	assert.Equal(t, 1, b.ActivePools(class))

	for _, p := range ptrs {
		b.Free(p)
	}
	assert.Equal(t, 0, b.ActivePools(class))
	assert.Zero(t, b.TotalAllocatedFromOS())
	assert.True(t, b.ValidateHeap())
}

func TestBlocksAreReusedLIFO(t *testing.T) {
	b := New()
	keep := b.Malloc(16, 0)
	p := b.Malloc(16, 0)
	b.Free(p)
	assert.Equal(t, p, b.Malloc(16, 0))
	b.Free(keep)
}

func TestReallocPolicy(t *testing.T) {
	b := New()

	p := b.Malloc(100, 0)
	ospage.Fill(p, 100, 0x5a)
	assert.Equal(t, p, b.Realloc(p, 110, 0), "same class stays in place")

	q := b.Realloc(p, 2000, 0)
	assert.NotEqual(t, p, q)
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, 100), ospage.Bytes(q, 100))

	big := b.Malloc(200000, 0)
	assert.Equal(t, big, b.Realloc(big, 190000, 0), "small shrink stays in place")
	size, _ := b.GetAllocationSize(big)
	assert.EqualValues(t, 190000, size)

	moved := b.Realloc(big, 50000, 0)
	assert.NotEqual(t, big, moved, "large shrink moves")

	assert.Zero(t, b.Realloc(moved, 0, 0))
	assert.NotZero(t, b.Realloc(0, 8, 0))
	b.Free(q)
}

func TestWasteTracksLiveBlocks(t *testing.T) {
	b := New()
	block := b.QuantizeSize(9, 0)
	for range 1001 {
		b.Free(b.Malloc(9, 0))
	}
	assert.Zero(t, b.GetAllocationInfo().CPUWaste)

	p := b.Malloc(9, 0)
	assert.EqualValues(t, block-9, b.GetAllocationInfo().CPUWaste)
	require.Equal(t, p, b.Realloc(p, 12, 0))
	assert.EqualValues(t, block-12, b.GetAllocationInfo().CPUWaste)

	big := b.Malloc(100000, 0)
	assert.EqualValues(t, block-12+b.QuantizeSize(100000, 0)-100000, b.GetAllocationInfo().CPUWaste)
	b.Free(big)
	b.Free(p)
	assert.Zero(t, b.GetAllocationInfo().CPUWaste)
}

func TestFreeZeroIsNoop(t *testing.T) {
	b := New()
	b.Free(0)
	assert.Zero(t, b.GetAllocationInfo().AllocationCount)
}

func TestFatalOnBadPointer(t *testing.T) {
	b := New()
	p := b.Malloc(64, 0)
	defer b.Free(p)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		fe, ok := r.(*malloc.FatalError)
		require.True(t, ok)
		assert.Equal(t, malloc.FatalBadPointer, fe.Kind)
	}()
	b.Free(p + 8)
}

func TestFatalOnBadAlignment(t *testing.T) {
	b := New()
	defer func() {
		r := recover()
		require.NotNil(t, r)
		fe, ok := r.(*malloc.FatalError)
		require.True(t, ok)
		assert.Equal(t, malloc.FatalBadAlignment, fe.Kind)
		assert.Equal(t, "alignment 24 is not a power of two", fe.Message)
	}()
	b.Malloc(16, 24)
}

func TestPhysicalAllocations(t *testing.T) {
	b := New()
	p := b.PhysicalAlloc(1000, malloc.CacheWriteCombine)
	require.NotZero(t, p)
	assert.EqualValues(t, ospage.PageSize(), b.GetAllocationInfo().PhysicalUsed)
	b.PhysicalFree(p)
	assert.Zero(t, b.GetAllocationInfo().PhysicalUsed)
}

func TestValidateHeapCatchesCorruption(t *testing.T) {
	b := New()
	p := b.Malloc(32, 0)
	q := b.Malloc(32, 0)
	b.Free(q)
	// q heads the free list; scribble a wild link into it.
	ospage.StoreWord(q, 12345)
	assert.False(t, b.ValidateHeap())
	ospage.StoreWord(q, 0)
	b.Free(p)
}

func TestExec(t *testing.T) {
	b := New()
	p := b.Malloc(256, 0)
	defer b.Free(p)

	var out bytes.Buffer
	assert.True(t, b.Exec("heapcheck", &out))
	assert.Contains(t, out.String(), "consistent")

	out.Reset()
	assert.True(t, b.Exec("DUMPALLOCS", &out))
	assert.Contains(t, out.String(), "Block Size")
	assert.Contains(t, out.String(), "256")

	assert.False(t, b.Exec("DUMPALLOCSX", &out))
}
