package mprof

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/chazu/strata/internal/goid"
	"github.com/chazu/strata/malloc"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("mprof")

// Options configures a Profiler.
type Options struct {
	Output           string // path of file #0
	MaxFileSize      int64  // split ceiling, DefaultMaxFileSize when zero
	StackDepth       int    // native frames per callstack, 75 when zero
	SkipFrames       int    // extra frames to skip above the profiler
	StatsInterval    int    // operations between stats tokens, 1024 when zero
	SerializeSymbols bool
	ScriptCallstacks bool
	Executable       string // defaults to the running binary's name
}

func (o *Options) setDefaults() {
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.StackDepth == 0 {
		o.StackDepth = 75
	}
	if o.StatsInterval == 0 {
		o.StatsInterval = 1024
	}
	if o.Executable == "" {
		o.Executable = filepath.Base(os.Args[0])
	}
}

// Profiler records allocator traffic into a .mprof stream.
//
// Every tracked call takes mu. A goroutine already inside the profiler,
// for example through an allocation made while a token is being recorded,
// is let through to the inner allocator untracked; owner and depth form
// that reentry guard.
type Profiler struct {
	inner malloc.Allocator
	opts  Options

	mu    sync.Mutex
	owner atomic.Int64
	depth int

	out    *stream
	header Header
	ended  bool
	enc    encoder
	eofEnc encoder
	names  *nameTable
	pcs    *pcTable
	stacks *callstackTable
	script *ScriptTracker
	pcbuf  []uintptr
	ops    uint64
	levels func() []string
	frames bool
	lastDt float64
	unhook func()
}

var _ malloc.Proxy = (*Profiler)(nil)

// New starts profiling into opts.Output. Tracking begins immediately.
func New(inner malloc.Allocator, opts Options) (*Profiler, error) {
	opts.setDefaults()
	out, err := createStream(opts.Output, opts.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("mprof: create %s: %w", opts.Output, err)
	}
	p := &Profiler{
		inner:  inner,
		opts:   opts,
		out:    out,
		names:  newNameTable(),
		pcs:    newPCTable(),
		stacks: newCallstackTable(),
		pcbuf:  make([]uintptr, opts.StackDepth+1),
		header: Header{
			Magic:            Magic,
			Version:          Version,
			Platform:         currentPlatform(),
			SerializeSymbols: opts.SerializeSymbols,
			Executable:       opts.Executable,
		},
	}
	if opts.ScriptCallstacks {
		p.script = NewScriptTracker()
	}

	// Placeholder; the real offsets are patched in at the end.
	p.header.encode(&p.enc)
	p.out.write(p.enc.buf)
	if p.out.err != nil {
		p.out.close()
		return nil, fmt.Errorf("mprof: write header: %w", p.out.err)
	}

	p.unhook = malloc.OnFatal(p.PanicDump)
	log.Infof("profiling allocations into %s", opts.Output)
	return p, nil
}

func (p *Profiler) Inner() malloc.Allocator { return p.inner }

// ScriptTracker returns the script callstack tracker, or nil when script
// callstacks are not recorded.
func (p *Profiler) ScriptTracker() *ScriptTracker { return p.script }

// SetLoadedLevels installs the source of the level list written with each
// snapshot.
func (p *Profiler) SetLoadedLevels(fn func() []string) {
	top := p.enter()
	defer p.leave(top)
	p.levels = fn
}

// Ended reports whether the stream has been finalised.
func (p *Profiler) Ended() bool {
	top := p.enter()
	defer p.leave(top)
	return p.ended
}

// ---------------------------------------------------------------------------
// Reentry guard
// ---------------------------------------------------------------------------

// enter takes the profiler lock unless the calling goroutine already holds
// it. It reports whether this call is the outermost one.
func (p *Profiler) enter() bool {
	g := goid.Current()
	if p.owner.Load() == g {
		p.depth++
		return false
	}
	p.mu.Lock()
	p.owner.Store(g)
	p.depth = 1
	return true
}

func (p *Profiler) leave(outermost bool) {
	p.depth--
	if outermost {
		p.owner.Store(0)
		p.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Allocation tracking
// ---------------------------------------------------------------------------

func (p *Profiler) Malloc(size uintptr, alignment uint32) uintptr {
	top := p.enter()
	defer p.leave(top)
	ptr := p.inner.Malloc(size, alignment)
	if top {
		p.trackMalloc(ptr, size)
	}
	return ptr
}

func (p *Profiler) Realloc(ptr, size uintptr, alignment uint32) uintptr {
	top := p.enter()
	defer p.leave(top)
	newPtr := p.inner.Realloc(ptr, size, alignment)
	if top {
		p.trackRealloc(ptr, newPtr, size)
	}
	return newPtr
}

func (p *Profiler) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	top := p.enter()
	defer p.leave(top)
	p.inner.Free(ptr)
	if top {
		p.trackFree(ptr)
	}
}

func (p *Profiler) tracking() bool {
	return !p.ended && p.out.err == nil
}

// captureCallstack walks the native stack above the profiler entry point.
// Frames: runtime.Callers, captureCallstack, track*, Profiler.<op>.
func (p *Profiler) captureCallstack() int32 {
	n := runtime.Callers(4+p.opts.SkipFrames, p.pcbuf)
	truncated := n > p.opts.StackDepth
	if truncated {
		n = p.opts.StackDepth
	}
	return p.stacks.intern(p.pcbuf[:n], truncated, p.pcs)
}

func (p *Profiler) trackMalloc(ptr, size uintptr) {
	if ptr == 0 || !p.tracking() {
		return
	}
	cs := p.captureCallstack()
	p.enc.reset()
	p.enc.u64(uint64(ptr) | uint64(TypeMalloc))
	p.enc.i32(cs)
	p.enc.u32(uint32(size))
	p.appendScriptCallstack()
	p.emit()
	p.countOp()
}

func (p *Profiler) trackFree(ptr uintptr) {
	if !p.tracking() {
		return
	}
	p.enc.reset()
	p.enc.u64(uint64(ptr) | uint64(TypeFree))
	p.emit()
	p.countOp()
}

func (p *Profiler) trackRealloc(old, ptr, size uintptr) {
	if !p.tracking() {
		return
	}
	switch {
	case old == 0:
		if ptr == 0 {
			return
		}
		p.enc.reset()
		p.enc.u64(uint64(ptr) | uint64(TypeMalloc))
		p.enc.i32(p.captureCallstack())
		p.enc.u32(uint32(size))
	case ptr == 0:
		p.enc.reset()
		p.enc.u64(uint64(old) | uint64(TypeFree))
		p.emit()
		p.countOp()
		return
	default:
		cs := p.captureCallstack()
		p.enc.reset()
		p.enc.u64(uint64(old) | uint64(TypeRealloc))
		p.enc.u64(uint64(ptr))
		p.enc.i32(cs)
		p.enc.u32(uint32(size))
	}
	p.appendScriptCallstack()
	p.emit()
	p.countOp()
}

func (p *Profiler) appendScriptCallstack() {
	if p.script == nil {
		return
	}
	index, class := p.script.capture()
	p.enc.u16(index)
	if index&ScriptCallstackObjectBit != 0 {
		p.enc.i32(class)
	}
}

func (p *Profiler) emit() {
	p.out.writeToken(p.enc.buf, p.endOfFile)
	p.checkIO()
}

func (p *Profiler) endOfFile(next int) []byte {
	p.eofEnc.reset()
	p.eofEnc.u64(uint64(TypeOther))
	p.eofEnc.i32(int32(SubtypeEndOfFile))
	p.eofEnc.u32(uint32(next))
	return p.eofEnc.buf
}

// checkIO stops tracking after the first write failure.
func (p *Profiler) checkIO() {
	if p.out.err != nil && !p.ended {
		log.Errorf("stream %s: %v; profiling stopped", p.opts.Output, p.out.err)
		p.ended = true
		p.out.close()
	}
}

func (p *Profiler) countOp() {
	p.ops++
	if p.ops%uint64(p.opts.StatsInterval) == 0 {
		p.writeStats()
	}
}

// ---------------------------------------------------------------------------
// Other tokens
// ---------------------------------------------------------------------------

func (p *Profiler) beginOther(sub Subtype, payload uint32) {
	p.enc.reset()
	p.enc.u64(uint64(TypeOther))
	p.enc.i32(int32(sub))
	p.enc.u32(payload)
}

func (p *Profiler) writeStats() {
	info := p.inner.GetAllocationInfo()
	p.beginOther(SubtypeAllocationStats, numAllocationStats)
	for _, v := range []uint64{
		info.OSReportedUsed, info.OSReportedFree, info.OSOverhead,
		info.CPUUsed, info.CPUSlack, info.CPUWaste,
		info.PhysicalUsed, info.TotalAllocatedFromOS, info.AllocationCount,
	} {
		p.enc.u64(v)
	}
	p.emit()
}

// Snapshot emits a snapshot marker.
func (p *Profiler) Snapshot(kind SnapshotType, name string) {
	top := p.enter()
	defer p.leave(top)
	if !p.tracking() {
		return
	}
	var levels []string
	if p.levels != nil {
		levels = p.levels()
	}
	p.beginOther(SubtypeSnapshot, uint32(kind))
	p.enc.str(name)
	p.enc.u32(uint32(len(levels)))
	for _, l := range levels {
		p.enc.str(l)
	}
	p.emit()
}

// TextMarker emits a free-form marker; the text goes to the name table.
func (p *Profiler) TextMarker(text string) {
	top := p.enter()
	defer p.leave(top)
	if !p.tracking() {
		return
	}
	p.beginOther(SubtypeTextMarker, uint32(p.names.intern(text)))
	p.emit()
}

// FrameMarker emits a frame-time marker for a frame of dt seconds.
func (p *Profiler) FrameMarker(dt float64) {
	top := p.enter()
	defer p.leave(top)
	if !p.tracking() {
		return
	}
	p.beginOther(SubtypeFrameTime, math.Float32bits(float32(dt)))
	p.emit()
}

// ---------------------------------------------------------------------------
// End of run
// ---------------------------------------------------------------------------

// EndProfiling writes the end-of-stream marker and the tail tables, patches
// the header and closes the files. Later operations are forwarded but not
// recorded.
func (p *Profiler) EndProfiling() error {
	top := p.enter()
	defer p.leave(top)
	return p.endLocked()
}

func (p *Profiler) endLocked() error {
	if p.ended {
		return ErrEnded
	}
	p.ended = true
	if p.unhook != nil {
		p.unhook()
		p.unhook = nil
	}

	p.beginOther(SubtypeEndOfStream, 0)
	p.out.write(p.enc.buf)
	p.out.finishTokens()

	if p.opts.SerializeSymbols {
		p.resolveSymbols()
	}
	modules := buildModules()

	h := &p.header
	h.NumDataFiles = uint32(p.out.index + 1)

	h.Names = p.writeTable(len(p.names.names), func(e *encoder) {
		for _, n := range p.names.names {
			e.str(n)
		}
	})
	h.PCs = p.writeTable(len(p.pcs.pcs), func(e *encoder) {
		for _, pc := range p.pcs.pcs {
			e.u64(pc.pc)
			if p.opts.SerializeSymbols {
				e.i32(pc.file)
				e.i32(pc.function)
				e.i32(pc.line)
			}
		}
	})
	h.Callstacks = p.writeTable(len(p.stacks.stacks), func(e *encoder) {
		for _, cs := range p.stacks.stacks {
			e.u32(cs.crc)
			for _, i := range cs.indices {
				e.i32(i)
			}
			if cs.truncated {
				e.i32(CallstackTruncated)
			} else {
				e.i32(CallstackEnd)
			}
		}
	})
	h.Modules = p.writeTable(len(modules), func(e *encoder) {
		for _, m := range modules {
			m.encode(e)
		}
	})
	if p.script != nil {
		h.ScriptCallstacks = p.writeTable(0, p.script.encodeCallstacks).Offset
		h.ScriptNames = p.writeTable(0, p.script.encodeNames).Offset
	}

	p.enc.reset()
	h.encode(&p.enc)
	p.out.patch(p.enc.buf)

	err := p.out.err
	if cerr := p.out.close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Errorf("finishing %s: %v", p.opts.Output, err)
		return fmt.Errorf("mprof: finish %s: %w", p.opts.Output, err)
	}
	log.Infof("wrote %s: %d data files, %d callstacks, %d names",
		p.opts.Output, h.NumDataFiles, len(p.stacks.stacks), len(p.names.names))
	return nil
}

func (p *Profiler) writeTable(entries int, fill func(*encoder)) TableRef {
	ref := TableRef{Offset: p.out.offset(), Entries: uint32(entries)}
	p.enc.reset()
	fill(&p.enc)
	p.out.write(p.enc.buf)
	return ref
}

// PanicDump is registered as a fatal hook: it records the fault as a text
// marker and finalises the stream so the run up to the crash stays readable.
func (p *Profiler) PanicDump(err *malloc.FatalError) {
	top := p.enter()
	defer p.leave(top)
	if p.ended {
		return
	}
	if p.tracking() {
		p.beginOther(SubtypeTextMarker, uint32(p.names.intern("Fatal: "+err.Error())))
		p.emit()
	}
	p.endLocked()
}

// ---------------------------------------------------------------------------
// Forwarded calls
// ---------------------------------------------------------------------------

func (p *Profiler) Tick(deltaSeconds float64) {
	p.inner.Tick(deltaSeconds)
	top := p.enter()
	p.lastDt = deltaSeconds
	frames := p.frames
	p.leave(top)
	if frames {
		p.FrameMarker(deltaSeconds)
	}
}

// Exec handles the profiler console commands and forwards the rest.
func (p *Profiler) Exec(cmd string, w io.Writer) bool {
	switch {
	case malloc.ParseCommand(&cmd, "MPROF"):
		switch {
		case malloc.ParseCommand(&cmd, "START"):
			fmt.Fprintln(w, "Memory profiling started at process start")
		case malloc.ParseCommand(&cmd, "STOP"):
			p.stop(w)
		case malloc.ParseCommand(&cmd, "MARK"):
			p.Snapshot(SnapshotMark, cmd)
		case malloc.ParseCommand(&cmd, "SNAPSHOTMEMORYFRAME"):
			top := p.enter()
			p.frames = !p.frames
			dt := p.lastDt
			p.leave(top)
			p.FrameMarker(dt)
		default:
			fmt.Fprintln(w, "usage: MPROF START|STOP|MARK <name>|SNAPSHOTMEMORYFRAME")
		}
		return true
	case malloc.ParseCommand(&cmd, "DUMPALLOCSTOFILE"):
		p.stop(w)
		return true
	case malloc.ParseCommand(&cmd, "SNAPSHOTMEMORY"):
		p.Snapshot(SnapshotMark, cmd)
		return true
	}
	return p.inner.Exec(cmd, w)
}

func (p *Profiler) stop(w io.Writer) {
	if err := p.EndProfiling(); err != nil {
		fmt.Fprintf(w, "%v\n", err)
		return
	}
	fmt.Fprintf(w, "Memory profile written to %s\n", p.opts.Output)
}

func (p *Profiler) PhysicalAlloc(size uintptr, cache malloc.CacheBehavior) uintptr {
	return p.inner.PhysicalAlloc(size, cache)
}
func (p *Profiler) PhysicalFree(ptr uintptr) { p.inner.PhysicalFree(ptr) }
func (p *Profiler) QuantizeSize(size uintptr, alignment uint32) uintptr {
	return p.inner.QuantizeSize(size, alignment)
}
func (p *Profiler) GetAllocationInfo() malloc.AllocationInfo { return p.inner.GetAllocationInfo() }
func (p *Profiler) GetAllocationSize(ptr uintptr) (uintptr, bool) {
	return p.inner.GetAllocationSize(ptr)
}
func (p *Profiler) ValidateHeap() bool           { return p.inner.ValidateHeap() }
func (p *Profiler) DumpAllocations(w io.Writer)  { p.inner.DumpAllocations(w) }
func (p *Profiler) IsInternallyThreadSafe() bool { return p.inner.IsInternallyThreadSafe() }
