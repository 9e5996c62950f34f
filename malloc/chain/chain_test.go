package chain

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/chazu/strata/malloc"
	"github.com/chazu/strata/malloc/binned"
	"github.com/chazu/strata/malloc/scalable"
	"github.com/chazu/strata/mprof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFullStack(t *testing.T) {
	out := filepath.Join(t.TempDir(), "chain.mprof")
	c, err := Build(Options{
		Allocator:  Binned,
		ThreadSafe: true,
		Tracking:   TrackSection,
		Profiler:   &mprof.Options{Output: out},
	})
	require.NoError(t, err)
	require.NotNil(t, c.ThreadSafe)
	require.NotNil(t, c.Profiler)
	require.NotNil(t, c.Section)
	assert.Same(t, c.ThreadSafe, c.Top)

	b, ok := malloc.Find[*binned.Allocator](c.Top)
	require.True(t, ok)
	assert.Same(t, c.Base, b)

	restore := c.Install()
	ptr := malloc.Malloc(100, 0)
	malloc.Free(ptr)
	restore()

	var w bytes.Buffer
	assert.True(t, c.Top.Exec("DUMPSECTIONS", &w))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, toks, _, err := mprof.ReadAll(out)
	require.NoError(t, err)
	var kinds []mprof.TokenType
	for _, tok := range toks {
		if tok.Type != mprof.TypeOther {
			kinds = append(kinds, tok.Type)
		}
	}
	assert.Equal(t, []mprof.TokenType{mprof.TypeMalloc, mprof.TypeFree}, kinds)
}

func TestScalableSkipsLock(t *testing.T) {
	c, err := Build(Options{Allocator: Scalable, ThreadSafe: true})
	require.NoError(t, err)
	assert.Nil(t, c.ThreadSafe)
	_, ok := c.Top.(*scalable.Allocator)
	assert.True(t, ok)
}

func TestUnknownKinds(t *testing.T) {
	_, err := Build(Options{Allocator: "jemalloc"})
	assert.Error(t, err)
	_, err = Build(Options{Tracking: "everything"})
	assert.Error(t, err)
}
