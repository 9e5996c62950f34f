package mprof

import (
	"slices"

	"github.com/chazu/strata/internal/goid"
)

// ScriptFrame is what the tracker needs from an interpreter frame.
// CallerFrame must return a nil interface at the bottom of the stack.
type ScriptFrame interface {
	FunctionName() string
	ClassName() string
	PackageName() string
	CallerFrame() ScriptFrame
}

// ScriptFrameInfo is one frame of a recorded script callstack, as indices
// into the script name table.
type ScriptFrameInfo struct {
	Function int32
	Class    int32
	Package  int32
}

// ScriptTracker follows the interpreter's logical callstack so allocations
// can be attributed to script functions. Enter/Exit and allocation capture
// all happen on the game thread; captures from other goroutines record the
// ScriptCallstackNone sentinel without looking at the frame chain.
type ScriptTracker struct {
	top   ScriptFrame
	depth int

	allocating bool
	allocClass string

	callstacks [][]ScriptFrameInfo
	names      *nameTable
	scratch    []ScriptFrameInfo
}

func NewScriptTracker() *ScriptTracker {
	return &ScriptTracker{names: newNameTable()}
}

// EnterFunction records f as the innermost running script frame.
func (t *ScriptTracker) EnterFunction(f ScriptFrame) {
	t.top = f
	t.depth++
}

// ExitFunction pops f; its caller becomes the innermost frame.
func (t *ScriptTracker) ExitFunction(f ScriptFrame) {
	t.depth--
	if t.depth <= 0 {
		t.depth = 0
		t.top = nil
		return
	}
	t.top = f.CallerFrame()
}

// Depth returns the number of script frames currently entered.
func (t *ScriptTracker) Depth() int { return t.depth }

// BeginAllocateObject marks that allocations until EndAllocateObject belong
// to constructing an object of class.
func (t *ScriptTracker) BeginAllocateObject(class string) {
	t.allocating = true
	t.allocClass = class
}

func (t *ScriptTracker) EndAllocateObject() {
	t.allocating = false
	t.allocClass = ""
}

// capture returns the index to write after a token and, when the object
// bit is set, the class name index that follows it.
func (t *ScriptTracker) capture() (index uint16, className int32) {
	if !goid.IsInGameThread() {
		return ScriptCallstackNone, -1
	}
	index = ScriptCallstackNone
	if t.top != nil {
		index = t.intern()
	}
	if t.allocating {
		return index | ScriptCallstackObjectBit, t.names.intern(t.allocClass)
	}
	return index, -1
}

func (t *ScriptTracker) intern() uint16 {
	t.scratch = t.scratch[:0]
	for f := t.top; f != nil; f = f.CallerFrame() {
		t.scratch = append(t.scratch, ScriptFrameInfo{
			Function: t.names.intern(f.FunctionName()),
			Class:    t.names.intern(f.ClassName()),
			Package:  t.names.intern(f.PackageName()),
		})
	}
	for i, cs := range t.callstacks {
		if slices.Equal(cs, t.scratch) {
			return uint16(i)
		}
	}
	if len(t.callstacks) >= maxScriptCallstacks {
		return ScriptCallstackNone
	}
	t.callstacks = append(t.callstacks, slices.Clone(t.scratch))
	return uint16(len(t.callstacks) - 1)
}

// Callstacks returns the recorded script callstacks.
func (t *ScriptTracker) Callstacks() [][]ScriptFrameInfo { return t.callstacks }

// Names returns the script name table.
func (t *ScriptTracker) Names() []string { return t.names.names }

func (t *ScriptTracker) encodeCallstacks(e *encoder) {
	e.u32(uint32(len(t.callstacks)))
	for _, cs := range t.callstacks {
		e.u32(uint32(len(cs)))
		for _, f := range cs {
			e.i32(f.Function)
			e.i32(f.Class)
			e.i32(f.Package)
		}
	}
}

func (t *ScriptTracker) encodeNames(e *encoder) {
	e.u32(uint32(len(t.names.names)))
	for _, n := range t.names.names {
		e.str(n)
	}
}
