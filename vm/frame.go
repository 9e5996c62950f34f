package vm

import (
	"fmt"

	"github.com/chazu/strata/mprof"
)

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Frame is the runtime record of one script function call, or of an
// object's state code. It owns the instruction pointer into Code.
type Frame struct {
	BytecodeReader

	vm       *VM
	Object   *Object
	Func     *Function
	State    *State
	Locals   []Value
	OutParms []OutParm
	Previous *Frame

	// Line is the last line reported by a DebugInfo token.
	Line int

	omitted uint64
}

// OutParm records where an out parameter is copied back to on return.
type OutParm struct {
	Property *Property
	Addr     Addr
	Target   *Property
}

func (vm *VM) newFrame(obj *Object, fn *Function, caller *Frame) *Frame {
	f := &Frame{
		BytecodeReader: BytecodeReader{Code: fn.Code},
		vm:             vm,
		Object:         obj,
		Func:           fn,
		Previous:       caller,
	}
	if fn.NumSlots > 0 {
		f.Locals = make([]Value, fn.NumSlots)
		initSlots(f.Locals, fn.Locals)
	}
	return f
}

// VM returns the machine running the frame.
func (f *Frame) VM() *VM { return f.vm }

// FunctionName names the function, or the state for state code.
func (f *Frame) FunctionName() string {
	switch {
	case f.Func != nil:
		return string(f.Func.Name)
	case f.State != nil:
		return string(f.State.Name)
	}
	return ""
}

// ClassName names the class declaring the running code.
func (f *Frame) ClassName() string {
	switch {
	case f.Func != nil && f.Func.Class != nil:
		return string(f.Func.Class.Name)
	case f.State != nil && f.State.Class != nil:
		return string(f.State.Class.Name)
	case f.Object != nil:
		return string(f.Object.Class.Name)
	}
	return ""
}

// PackageName names the package of the running code.
func (f *Frame) PackageName() string {
	if p := f.pkg(); p != nil {
		return string(p.Name)
	}
	return ""
}

// CallerFrame returns the calling frame, or a nil interface at the bottom.
func (f *Frame) CallerFrame() mprof.ScriptFrame {
	if f.Previous == nil {
		return nil
	}
	return f.Previous
}

// Depth counts the frames below and including f.
func (f *Frame) Depth() int {
	n := 0
	for fr := f; fr != nil; fr = fr.Previous {
		n++
	}
	return n
}

// Location is Class.Function, or Class.State for state code.
func (f *Frame) Location() string {
	switch {
	case f.Func != nil:
		return f.Func.FullName()
	case f.State != nil:
		return f.State.FullName()
	}
	return "native"
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s:%04X", f.Location(), f.IP)
}

func (f *Frame) pkg() *Package {
	switch {
	case f.Func != nil:
		return f.Func.pkg()
	case f.State != nil && f.State.Class != nil:
		return f.State.Class.Package
	}
	return nil
}

// isStateCode reports whether f runs its object's state code.
func (f *Frame) isStateCode() bool {
	return f.Func == nil && f.Object != nil && f.Object.StateFrame != nil && f == &f.Object.StateFrame.Frame
}

func (f *Frame) omit(i int) {
	if i < 64 {
		f.omitted |= 1 << uint(i)
	}
}

// Omitted reports whether optional parameter p was left out by the caller.
func (f *Frame) Omitted(p *Property) bool {
	if f.Func == nil {
		return false
	}
	for i, q := range f.Func.Params {
		if q == p {
			return i < 64 && f.omitted&(1<<uint(i)) != 0
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Typed operands
// ---------------------------------------------------------------------------

// ReadName reads a name operand.
func (f *Frame) ReadName() Name {
	i := f.ReadUint32()
	if p := f.pkg(); p != nil {
		return p.NameAt(i)
	}
	return NameNone
}

// ReadRef reads a reference operand.
func (f *Frame) ReadRef() any {
	i := f.ReadUint32()
	if p := f.pkg(); p != nil {
		return p.Ref(i)
	}
	return nil
}

// ReadProperty reads a property reference.
func (f *Frame) ReadProperty() *Property {
	p, _ := f.ReadRef().(*Property)
	return p
}

// ReadFunction reads a function reference.
func (f *Frame) ReadFunction() *Function {
	fn, _ := f.ReadRef().(*Function)
	return fn
}

// ReadClass reads a class reference.
func (f *Frame) ReadClass() *Class {
	c, _ := f.ReadRef().(*Class)
	return c
}

// ReadStruct reads a struct reference.
func (f *Frame) ReadStruct() *Struct {
	s, _ := f.ReadRef().(*Struct)
	return s
}

// ReadObject reads an object or class constant.
func (f *Frame) ReadObject() Value {
	switch x := f.ReadRef().(type) {
	case *Object:
		return objectValue(x)
	case *Class:
		return classValue(x)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parameter evaluation for natives
// ---------------------------------------------------------------------------

// EvalValue evaluates the next parameter in the caller's context.
func (f *Frame) EvalValue() Value {
	var v Value
	f.Step(f.Object, &v)
	return v
}

func (f *Frame) EvalByte() uint8        { return asByte(f.EvalValue()) }
func (f *Frame) EvalInt() int32         { return asInt(f.EvalValue()) }
func (f *Frame) EvalFloat() float32     { return asFloat(f.EvalValue()) }
func (f *Frame) EvalBool() bool         { return asBool(f.EvalValue()) }
func (f *Frame) EvalString() string     { return asString(f.EvalValue()) }
func (f *Frame) EvalName() Name         { return asName(f.EvalValue()) }
func (f *Frame) EvalObject() *Object    { return asObject(f.EvalValue()) }
func (f *Frame) EvalClass() *Class      { return asClass(f.EvalValue()) }
func (f *Frame) EvalVector() Vector     { return ToVector(f.EvalValue()) }
func (f *Frame) EvalRotator() Rotator   { return ToRotator(f.EvalValue()) }
func (f *Frame) EvalDelegate() Delegate { return asDelegate(f.EvalValue()) }

// EvalOptional evaluates an optional parameter. ok is false when the caller
// left it out.
func (f *Frame) EvalOptional() (v Value, ok bool) {
	switch f.PeekOpcode() {
	case OpEndFunctionParms:
		return nil, false
	case OpEmptyParmValue:
		f.IP++
		return nil, false
	}
	return f.EvalValue(), true
}

// EvalRef evaluates an out parameter and returns its address. The address
// is invalid when the expression went through None.
func (f *Frame) EvalRef() (Addr, *Property) {
	vm := f.vm
	vm.addr, vm.prop = Addr{}, nil
	f.Step(f.Object, nil)
	return vm.addr, vm.prop
}

// Finish consumes the EndFunctionParms token that closes a native call.
func (f *Frame) Finish() {
	f.expect(OpEndFunctionParms)
}

func (f *Frame) expect(op Opcode) {
	if got := Opcode(f.ReadByte()); got != op {
		f.Fatalf(ErrBadBytecode, "expected %s, found %s", op, got)
	}
}

// skipParms evaluates and discards the parameters of a call that cannot be
// made, then zeroes the result.
func (f *Frame) skipParms(result *Value) {
	for f.PeekOpcode() != OpEndFunctionParms {
		var scratch Value
		f.Step(f.Object, &scratch)
	}
	f.IP++
	set(result, nil)
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// Warnf reports a script warning at the current position.
func (f *Frame) Warnf(format string, args ...any) {
	f.vm.warn(ScriptWarning{
		Message:  fmt.Sprintf(format, args...),
		Function: f.Location(),
		Offset:   f.IP,
	})
}

// Fatalf aborts script execution back to the VM entry point.
func (f *Frame) Fatalf(kind ErrorKind, format string, args ...any) {
	panic(&ScriptError{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Function: f.Location(),
		Offset:   f.IP,
		Stack:    f.Backtrace(),
	})
}

// Backtrace lists the frames from f down to the bottom of the stack.
func (f *Frame) Backtrace() []string {
	var out []string
	for fr := f; fr != nil; fr = fr.Previous {
		out = append(out, fr.String())
	}
	return out
}

func set(result *Value, v Value) {
	if result != nil {
		*result = v
	}
}
