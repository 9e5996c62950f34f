package vm

import (
	"fmt"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Debugger hook
// ---------------------------------------------------------------------------

// Debugger receives DebugInfo tokens and script diagnostics. Calls come from
// the game thread while the frame is live; a debugger may block to pause
// execution.
type Debugger interface {
	DebugInfo(f *Frame, line, pos int, token byte)
	NotifyAccessedNone(f *Frame)
	NotifyAssertionFailed(f *Frame, line int)
	NotifyInfiniteLoop(f *Frame)
	NotifyGotoState(obj *Object)
}

// ---------------------------------------------------------------------------
// DebugServer: breakpoints, stepping and inspection
// ---------------------------------------------------------------------------

// DebugServer is a Debugger for remote clients. It supports breakpoints,
// pause/resume, stepping, and variable inspection of the paused frame.
type DebugServer struct {
	vm          *VM
	active      bool
	breakpoints map[breakpointKey]bool
	pauseChan   chan string
	resumeChan  chan struct{}
	eventChan   chan DebugEvent
	mu          sync.Mutex

	stepMode  StepMode
	stepDepth int
	stepLine  int

	paused      bool
	pauseReason string
	current     *Frame
}

// breakpointKey names a line in a function or state. Matching is case
// insensitive, like script names.
type breakpointKey struct {
	class    string
	function string
	line     int
}

func newBreakpointKey(class, function string, line int) breakpointKey {
	return breakpointKey{strings.ToLower(class), strings.ToLower(function), line}
}

// StepMode indicates the current stepping mode.
type StepMode int

const (
	StepNone StepMode = iota
	StepOver
	StepInto
	StepOut
)

// DebugEvent is sent to clients when execution stops or continues.
type DebugEvent struct {
	Type     string // "stopped", "continued", "breakpointHit", "accessedNone", "assertion", "runaway", "state"
	Reason   string
	Location *SourceLocation
}

// SourceLocation is a position in script code.
type SourceLocation struct {
	Class    string
	Function string
	Line     int
	Offset   int
}

// StackFrame describes one frame of a paused call stack.
type StackFrame struct {
	ID       int
	Class    string
	Function string
	Object   string
	Line     int
	Offset   int
	State    bool
}

// Variable is a variable rendered for inspection.
type Variable struct {
	Name  string
	Value string
	Type  string
}

// Breakpoint is a breakpoint as listed to clients.
type Breakpoint struct {
	Class    string
	Function string
	Line     int
	Active   bool
}

// NewDebugServer creates a debug server and attaches it to vm.
func NewDebugServer(vm *VM) *DebugServer {
	d := &DebugServer{
		vm:          vm,
		breakpoints: map[breakpointKey]bool{},
		pauseChan:   make(chan string, 1),
		resumeChan:  make(chan struct{}, 1),
		eventChan:   make(chan DebugEvent, 16),
	}
	if vm != nil {
		vm.Debugger = d
	}
	return d
}

func (d *DebugServer) Activate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = true
}

// Deactivate turns the server off and clears every breakpoint. A paused
// game thread is released.
func (d *DebugServer) Deactivate() {
	d.mu.Lock()
	d.active = false
	d.breakpoints = map[breakpointKey]bool{}
	d.stepMode = StepNone
	wasPaused := d.paused
	d.mu.Unlock()
	if wasPaused {
		d.Resume()
	}
}

func (d *DebugServer) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Events returns the channel events are delivered on. Events are dropped
// when the channel is full.
func (d *DebugServer) Events() <-chan DebugEvent { return d.eventChan }

// ---------------------------------------------------------------------------
// Breakpoint management
// ---------------------------------------------------------------------------

// SetBreakpoint sets a breakpoint on a line of Class.Function. function may
// name a state to break in state code. The class must be loaded.
func (d *DebugServer) SetBreakpoint(class, function string, line int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vm != nil && d.vm.FindClass(Name(class)) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	d.breakpoints[newBreakpointKey(class, function, line)] = true
	return nil
}

func (d *DebugServer) RemoveBreakpoint(class, function string, line int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := newBreakpointKey(class, function, line)
	if _, ok := d.breakpoints[k]; !ok {
		return fmt.Errorf("no breakpoint at %s.%s line %d", class, function, line)
	}
	delete(d.breakpoints, k)
	return nil
}

// EnableBreakpoint enables or disables a breakpoint without removing it.
func (d *DebugServer) EnableBreakpoint(class, function string, line int, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := newBreakpointKey(class, function, line)
	if _, ok := d.breakpoints[k]; !ok {
		return fmt.Errorf("no breakpoint at %s.%s line %d", class, function, line)
	}
	d.breakpoints[k] = on
	return nil
}

func (d *DebugServer) HasBreakpoint(class, function string, line int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.breakpoints[newBreakpointKey(class, function, line)]
}

func (d *DebugServer) ListBreakpoints() []Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Breakpoint, 0, len(d.breakpoints))
	for k, on := range d.breakpoints {
		out = append(out, Breakpoint{Class: k.class, Function: k.function, Line: k.line, Active: on})
	}
	return out
}

func (d *DebugServer) ClearAllBreakpoints() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakpoints = map[breakpointKey]bool{}
}

// ---------------------------------------------------------------------------
// Execution control
// ---------------------------------------------------------------------------

// Pause stops the game thread at the next DebugInfo token.
func (d *DebugServer) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return
	}
	select {
	case d.pauseChan <- "user request":
	default:
	}
}

// Resume continues a paused game thread.
func (d *DebugServer) Resume() {
	d.mu.Lock()
	d.stepMode = StepNone
	d.mu.Unlock()
	d.release()
	d.sendEvent(DebugEvent{Type: "continued", Reason: "resume"})
}

// StepOver resumes and stops at the next line of the paused frame or one of
// its callers.
func (d *DebugServer) StepOver() { d.step(StepOver) }

// StepInto resumes and stops at the next line anywhere.
func (d *DebugServer) StepInto() { d.step(StepInto) }

// StepOut resumes and stops once the paused frame has returned.
func (d *DebugServer) StepOut() { d.step(StepOut) }

func (d *DebugServer) step(mode StepMode) {
	d.mu.Lock()
	d.stepMode = mode
	if d.current != nil {
		d.stepDepth = d.current.Depth()
		d.stepLine = d.current.Line
	}
	d.mu.Unlock()
	d.release()
}

// release wakes a paused game thread. It does nothing when not paused.
func (d *DebugServer) release() {
	if !d.IsPaused() {
		return
	}
	select {
	case d.resumeChan <- struct{}{}:
	default:
	}
}

func (d *DebugServer) IsPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// PauseReason returns why execution last stopped.
func (d *DebugServer) PauseReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pauseReason
}

// shouldBreak decides whether to stop at a line of f.
func (d *DebugServer) shouldBreak(f *Frame, line int) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return false, ""
	}
	select {
	case reason := <-d.pauseChan:
		return true, reason
	default:
	}
	if d.breakpoints[newBreakpointKey(f.ClassName(), f.FunctionName(), line)] {
		return true, "breakpoint"
	}
	depth := f.Depth()
	switch d.stepMode {
	case StepInto:
		if line != d.stepLine || depth != d.stepDepth {
			return true, "step"
		}
	case StepOver:
		if depth < d.stepDepth || depth == d.stepDepth && line != d.stepLine {
			return true, "step"
		}
	case StepOut:
		if depth < d.stepDepth {
			return true, "step"
		}
	}
	return false, ""
}

// ---------------------------------------------------------------------------
// Debugger implementation
// ---------------------------------------------------------------------------

// DebugInfo stops the game thread when a breakpoint, step or pause request
// matches, and blocks until a client resumes it.
func (d *DebugServer) DebugInfo(f *Frame, line, pos int, token byte) {
	stop, reason := d.shouldBreak(f, line)
	if !stop {
		return
	}
	d.mu.Lock()
	d.paused = true
	d.pauseReason = reason
	d.stepMode = StepNone
	d.current = f
	d.mu.Unlock()

	typ := "stopped"
	if reason == "breakpoint" {
		typ = "breakpointHit"
	}
	log.Debugf("paused in %s line %d: %s", f.Location(), line, reason)
	d.sendEvent(DebugEvent{Type: typ, Reason: reason, Location: location(f)})
	<-d.resumeChan

	d.mu.Lock()
	d.paused = false
	d.current = nil
	d.mu.Unlock()
}

func (d *DebugServer) NotifyAccessedNone(f *Frame) {
	d.sendEvent(DebugEvent{Type: "accessedNone", Reason: "Accessed None", Location: location(f)})
}

func (d *DebugServer) NotifyAssertionFailed(f *Frame, line int) {
	loc := location(f)
	loc.Line = line
	d.sendEvent(DebugEvent{Type: "assertion", Reason: fmt.Sprintf("Assertion failed, line %d", line), Location: loc})
}

func (d *DebugServer) NotifyInfiniteLoop(f *Frame) {
	d.sendEvent(DebugEvent{Type: "runaway", Reason: "Runaway loop detected", Location: location(f)})
}

func (d *DebugServer) NotifyGotoState(obj *Object) {
	d.sendEvent(DebugEvent{Type: "state", Reason: fmt.Sprintf("%s entered %s", obj.Name, obj.StateName())})
}

func (d *DebugServer) sendEvent(e DebugEvent) {
	if !d.IsActive() {
		return
	}
	select {
	case d.eventChan <- e:
	default:
	}
}

func location(f *Frame) *SourceLocation {
	return &SourceLocation{Class: f.ClassName(), Function: f.FunctionName(), Line: f.Line, Offset: f.IP}
}

// ---------------------------------------------------------------------------
// Inspection of the paused frame
// ---------------------------------------------------------------------------

// CallStack lists the frames of the paused game thread, innermost first.
// It returns nil when execution is not paused.
func (d *DebugServer) CallStack() []StackFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil
	}
	var out []StackFrame
	id := 0
	for f := d.current; f != nil; f = f.Previous {
		sf := StackFrame{
			ID:       id,
			Class:    f.ClassName(),
			Function: f.FunctionName(),
			Line:     f.Line,
			Offset:   f.IP,
			State:    f.Func == nil,
		}
		if f.Object != nil {
			sf.Object = string(f.Object.Name)
		}
		out = append(out, sf)
		id++
	}
	return out
}

// Variables renders the parameters, locals and instance variables visible
// in frame id of the paused stack.
func (d *DebugServer) Variables(id int) []Variable {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.current
	for i := 0; f != nil && i < id; i++ {
		f = f.Previous
	}
	if f == nil {
		return nil
	}
	var out []Variable
	add := func(prefix string, p *Property, slots []Value) {
		if p.Offset >= len(slots) {
			return
		}
		v := p.Load(slots[p.Offset])
		out = append(out, Variable{Name: prefix + string(p.Name), Value: FormatValue(v), Type: p.TypeName()})
	}
	if f.Object != nil {
		out = append(out, Variable{Name: "self", Value: f.Object.FullName(), Type: string(f.Object.Class.Name)})
	}
	switch {
	case f.Func != nil:
		for _, p := range f.Func.Locals {
			add("", p, f.Locals)
		}
	case f.State != nil:
		for st := f.State; st != nil; st = st.Super {
			for _, p := range st.Locals {
				add("", p, f.Locals)
			}
		}
	}
	if f.Object != nil {
		for c := f.Object.Class; c != nil; c = c.Super {
			for _, p := range c.Properties {
				add("self.", p, f.Object.Slots)
			}
		}
	}
	return out
}
