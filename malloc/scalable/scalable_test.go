package scalable

import (
	"sync"
	"testing"

	"github.com/chazu/strata/internal/ospage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMallocFreeAccounting(t *testing.T) {
	a := New()
	p := a.Malloc(100, 64)
	require.NotZero(t, p)
	assert.Zero(t, p%64)
	size, ok := a.GetAllocationSize(p)
	require.True(t, ok)
	assert.EqualValues(t, 100, size)
	assert.EqualValues(t, 100, a.GetAllocationInfo().CPUUsed)
	a.Free(p)
	assert.Zero(t, a.GetAllocationInfo().CPUUsed)
	assert.Zero(t, a.GetAllocationInfo().AllocationCount)
}

func TestReallocInPlaceWhenRoomRemains(t *testing.T) {
	a := New()
	p := a.Malloc(64, 64)
	copy(ospage.Bytes(p, 4), "abcd")
	q := a.Realloc(p, 32, 0)
	assert.Equal(t, p, q)

	r := a.Realloc(q, 4096, 0)
	assert.Equal(t, []byte("abcd"), ospage.Bytes(r, 4))
	assert.EqualValues(t, 4096, a.GetAllocationInfo().CPUUsed)
	a.Free(r)
}

func TestConcurrentUse(t *testing.T) {
	a := New()
	require.True(t, a.IsInternallyThreadSafe())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				p := a.Malloc(uintptr(16+i%200), 0)
				ospage.Fill(p, 16, 1)
				a.Free(p)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, a.GetAllocationInfo().AllocationCount)
}

func TestQuantizeSize(t *testing.T) {
	a := New()
	assert.EqualValues(t, 16, a.QuantizeSize(1, 0))
	assert.EqualValues(t, 112, a.QuantizeSize(100, 0))
	assert.EqualValues(t, 40960, a.QuantizeSize(40000, 0))
}
