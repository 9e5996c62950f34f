package mprof

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/strata/internal/goid"
	"github.com/chazu/strata/malloc"
	"github.com/chazu/strata/malloc/binned"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProfiler(t *testing.T, inner malloc.Allocator, opts Options) *Profiler {
	t.Helper()
	if opts.Output == "" {
		opts.Output = filepath.Join(t.TempDir(), "run.mprof")
	}
	if inner == nil {
		inner = binned.New()
	}
	p, err := New(inner, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !p.Ended() {
			p.EndProfiling()
		}
	})
	return p
}

func finish(t *testing.T, p *Profiler) (Header, []Token, *Tables) {
	t.Helper()
	require.NoError(t, p.EndProfiling())
	h, toks, tables, err := ReadAll(p.opts.Output)
	require.NoError(t, err)
	return h, toks, tables
}

// allocations drops Other tokens.
func allocations(toks []Token) []Token {
	var out []Token
	for _, tok := range toks {
		if tok.Type != TypeOther {
			out = append(out, tok)
		}
	}
	return out
}

func others(toks []Token, sub Subtype) []Token {
	var out []Token
	for _, tok := range toks {
		if tok.Type == TypeOther && tok.Subtype == sub {
			out = append(out, tok)
		}
	}
	return out
}

//go:noinline
func allocFromSiteA(p *Profiler) uintptr { return p.Malloc(16, 0) }

//go:noinline
func allocFromSiteB(p *Profiler) uintptr { return p.Malloc(16, 0) }

// ---------------------------------------------------------------------------
// Token stream
// ---------------------------------------------------------------------------

func TestTokenOrdering(t *testing.T) {
	p := newTestProfiler(t, nil, Options{})

	m1 := p.Malloc(16, 0)
	p.Free(m1)
	m2 := p.Malloc(32, 0)
	m3 := p.Realloc(m2, 5000, 0)
	p.Free(m3)
	p.Free(0)

	h, toks, _ := finish(t, p)
	assert.Equal(t, Magic, h.Magic)
	assert.Equal(t, Version, h.Version)
	assert.EqualValues(t, 1, h.NumDataFiles)

	allocs := allocations(toks)
	require.Len(t, allocs, 5)
	kinds := make([]TokenType, len(allocs))
	for i, tok := range allocs {
		kinds[i] = tok.Type
	}
	assert.Equal(t, []TokenType{TypeMalloc, TypeFree, TypeMalloc, TypeRealloc, TypeFree}, kinds)

	assert.EqualValues(t, m1, allocs[0].Pointer)
	assert.EqualValues(t, 16, allocs[0].Size)
	assert.EqualValues(t, m1, allocs[1].Pointer)
	assert.EqualValues(t, m2, allocs[3].Pointer)
	assert.EqualValues(t, m3, allocs[3].NewPointer)
	assert.EqualValues(t, 5000, allocs[3].Size)
	assert.EqualValues(t, m3, allocs[4].Pointer)

	last := toks[len(toks)-1]
	assert.Equal(t, TypeOther, last.Type)
	assert.Equal(t, SubtypeEndOfStream, last.Subtype)
}

func TestReallocEdgesBecomeMallocAndFree(t *testing.T) {
	p := newTestProfiler(t, nil, Options{})
	ptr := p.Realloc(0, 64, 0)
	p.Realloc(ptr, 0, 0)

	_, toks, _ := finish(t, p)
	allocs := allocations(toks)
	require.Len(t, allocs, 2)
	assert.Equal(t, TypeMalloc, allocs[0].Type)
	assert.Equal(t, TypeFree, allocs[1].Type)
	assert.EqualValues(t, ptr, allocs[1].Pointer)
}

func TestCallstackInterning(t *testing.T) {
	p := newTestProfiler(t, nil, Options{SerializeSymbols: true})

	var ptrs []uintptr
	for range 2 {
		ptrs = append(ptrs, allocFromSiteA(p))
	}
	ptrs = append(ptrs, allocFromSiteB(p))
	for _, ptr := range ptrs {
		p.Free(ptr)
	}

	_, toks, tables := finish(t, p)
	allocs := allocations(toks)
	require.Len(t, allocs, 6)
	assert.Equal(t, allocs[0].Callstack, allocs[1].Callstack)
	assert.NotEqual(t, allocs[0].Callstack, allocs[2].Callstack)

	require.Len(t, tables.Callstacks, 2)
	frames := strings.Join(tables.Frames(allocs[0].Callstack), "\n")
	assert.Contains(t, frames, "allocFromSiteA")
	assert.Contains(t, strings.Join(tables.Frames(allocs[2].Callstack), "\n"), "allocFromSiteB")
	for _, cs := range tables.Callstacks {
		assert.False(t, cs.Truncated)
	}
}

func TestCallstackTruncation(t *testing.T) {
	p := newTestProfiler(t, nil, Options{StackDepth: 2})
	p.Free(allocFromSiteA(p))

	_, toks, tables := finish(t, p)
	cs := tables.Callstacks[allocations(toks)[0].Callstack]
	assert.Len(t, cs.PCs, 2)
	assert.True(t, cs.Truncated)
}

func TestFileSplit(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "split.mprof")
	p := newTestProfiler(t, nil, Options{Output: out, MaxFileSize: 512})

	const n = 100
	ptrs := make([]uintptr, n)
	for i := range ptrs {
		ptrs[i] = p.Malloc(24, 0)
	}
	for _, ptr := range ptrs {
		p.Free(ptr)
	}

	h, toks, tables := finish(t, p)
	require.Greater(t, h.NumDataFiles, uint32(2))
	for i := 1; i < int(h.NumDataFiles); i++ {
		_, err := os.Stat(DataFileName(out, i))
		assert.NoError(t, err, "data file %d", i)
	}
	_, err := os.Stat(filepath.Join(dir, "split.m1"))
	assert.NoError(t, err)

	assert.Len(t, allocations(toks), 2*n)
	for i, tok := range toks {
		if tok.Type == TypeOther && tok.Subtype == SubtypeEndOfFile {
			require.Less(t, i+1, len(toks))
			assert.Equal(t, tok.File+1, toks[i+1].File)
			assert.EqualValues(t, tok.File+1, tok.Payload)
		}
	}
	assert.NotEmpty(t, tables.Callstacks)
}

func TestReentrantCallsAreNotTracked(t *testing.T) {
	inner := &reentrant{Allocator: binned.New()}
	p := newTestProfiler(t, inner, Options{})
	inner.p = p

	ptr := p.Malloc(100, 0)
	p.Free(ptr)

	_, toks, _ := finish(t, p)
	allocs := allocations(toks)
	require.Len(t, allocs, 2)
	assert.EqualValues(t, 100, allocs[0].Size)
	assert.Equal(t, 1, inner.nested)
}

type reentrant struct {
	malloc.Allocator
	p      *Profiler
	nested int
}

func (r *reentrant) Malloc(size uintptr, alignment uint32) uintptr {
	if size == 100 {
		r.nested++
		r.p.Free(r.p.Malloc(8, 0))
	}
	return r.Allocator.Malloc(size, alignment)
}

// ---------------------------------------------------------------------------
// Markers and commands
// ---------------------------------------------------------------------------

func TestExecCommands(t *testing.T) {
	p := newTestProfiler(t, nil, Options{})
	p.SetLoadedLevels(func() []string { return []string{"Entry", "Arena"} })

	var out bytes.Buffer
	assert.True(t, p.Exec("MPROF START", &out))
	assert.True(t, p.Exec("MPROF MARK BeforeLoad", &out))
	assert.True(t, p.Exec("SNAPSHOTMEMORY AfterLoad", &out))
	assert.True(t, p.Exec("MPROF SNAPSHOTMEMORYFRAME", &out))
	p.Tick(0.5)
	p.Snapshot(SnapshotGCStart, "")
	p.TextMarker("hello")
	assert.True(t, p.Exec("MPROF STOP", &out))
	assert.Contains(t, out.String(), "Memory profile written")
	assert.True(t, p.Ended())

	// Forwarded to the binned allocator.
	out.Reset()
	assert.True(t, p.Exec("HEAPCHECK", &out))
	assert.False(t, p.Exec("NOSUCHCOMMAND", &out))

	// Operations after the end are forwarded but not recorded.
	p.Free(p.Malloc(8, 0))

	_, toks, tables, err := ReadAll(p.opts.Output)
	require.NoError(t, err)
	assert.Empty(t, allocations(toks))

	snaps := others(toks, SubtypeSnapshot)
	require.Len(t, snaps, 3)
	assert.Equal(t, "BeforeLoad", snaps[0].Text)
	assert.EqualValues(t, SnapshotMark, snaps[0].Payload)
	assert.Equal(t, []string{"Entry", "Arena"}, snaps[0].Levels)
	assert.Equal(t, "AfterLoad", snaps[1].Text)
	assert.EqualValues(t, SnapshotGCStart, snaps[2].Payload)

	frames := others(toks, SubtypeFrameTime)
	require.Len(t, frames, 2)
	assert.InDelta(t, 0.5, frames[1].FrameTime(), 1e-6)

	text := others(toks, SubtypeTextMarker)
	require.Len(t, text, 1)
	assert.Equal(t, "hello", tables.Names[text[0].Payload])
}

func TestDumpAllocsToFileEndsProfiling(t *testing.T) {
	p := newTestProfiler(t, nil, Options{})
	var out bytes.Buffer
	require.True(t, p.Exec("DUMPALLOCSTOFILE", &out))
	assert.True(t, p.Ended())
	assert.ErrorIs(t, p.EndProfiling(), ErrEnded)
}

func TestPeriodicStats(t *testing.T) {
	p := newTestProfiler(t, nil, Options{StatsInterval: 4})
	for range 4 {
		p.Free(p.Malloc(48, 0))
	}
	_, toks, _ := finish(t, p)
	stats := others(toks, SubtypeAllocationStats)
	require.Len(t, stats, 2)
	assert.Len(t, stats[0].Stats, numAllocationStats)
}

func TestPanicDumpFinalisesStream(t *testing.T) {
	p := newTestProfiler(t, nil, Options{})
	ptr := p.Malloc(64, 0)

	func() {
		defer func() {
			r := recover()
			require.IsType(t, &malloc.FatalError{}, r)
		}()
		p.Free(ptr + 8)
	}()
	require.True(t, p.Ended())

	_, toks, tables, err := ReadAll(p.opts.Output)
	require.NoError(t, err)
	assert.Len(t, allocations(toks), 1)
	text := others(toks, SubtypeTextMarker)
	require.Len(t, text, 1)
	assert.Contains(t, tables.Names[text[0].Payload], "BadPointer")
}

func TestModulesCarryGUIDs(t *testing.T) {
	p := newTestProfiler(t, nil, Options{})
	_, _, tables := finish(t, p)
	for _, m := range tables.Modules {
		assert.NotZero(t, m.GUID, m.Name)
	}
}

// ---------------------------------------------------------------------------
// Script callstacks
// ---------------------------------------------------------------------------

type fakeFrame struct {
	fn, class, pkg string
	caller         *fakeFrame
}

func (f *fakeFrame) FunctionName() string { return f.fn }
func (f *fakeFrame) ClassName() string    { return f.class }
func (f *fakeFrame) PackageName() string  { return f.pkg }
func (f *fakeFrame) CallerFrame() ScriptFrame {
	if f.caller == nil {
		return nil
	}
	return f.caller
}

func TestScriptCallstacks(t *testing.T) {
	goid.SetGameThread()
	defer goid.SetGameThreadID(0)

	p := newTestProfiler(t, nil, Options{ScriptCallstacks: true})
	tr := p.ScriptTracker()
	require.NotNil(t, tr)

	outer := &fakeFrame{fn: "Tick", class: "Pawn", pkg: "Engine"}
	inner := &fakeFrame{fn: "Fire", class: "Weapon", pkg: "Game", caller: outer}

	tr.EnterFunction(outer)
	a := p.Malloc(16, 0)
	tr.EnterFunction(inner)
	b := p.Malloc(16, 0)
	tr.BeginAllocateObject("Projectile")
	c := p.Malloc(128, 0)
	tr.EndAllocateObject()
	tr.ExitFunction(inner)
	d := p.Malloc(16, 0)
	tr.ExitFunction(outer)
	assert.Zero(t, tr.Depth())

	done := make(chan uintptr)
	go func() { done <- p.Malloc(16, 0) }()
	e := <-done

	for _, ptr := range []uintptr{a, b, c, d, e} {
		p.Free(ptr)
	}

	_, toks, tables := finish(t, p)
	allocs := allocations(toks)
	require.Len(t, allocs, 10)

	assert.EqualValues(t, 0, allocs[0].ScriptCallstack)
	assert.EqualValues(t, 1, allocs[1].ScriptCallstack)
	assert.EqualValues(t, 1|ScriptCallstackObjectBit, allocs[2].ScriptCallstack)
	assert.Equal(t, "Projectile", tables.ScriptNames[allocs[2].ScriptClass])
	assert.EqualValues(t, 0, allocs[3].ScriptCallstack)
	assert.Equal(t, ScriptCallstackNone, allocs[4].ScriptCallstack)

	require.Len(t, tables.ScriptCallstacks, 2)
	top := tables.ScriptCallstacks[1][0]
	assert.Equal(t, "Fire", tables.ScriptNames[top.Function])
	assert.Equal(t, "Weapon", tables.ScriptNames[top.Class])
	assert.Equal(t, "Game", tables.ScriptNames[top.Package])
}
