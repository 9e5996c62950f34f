package vm

import "fmt"

// ---------------------------------------------------------------------------
// Native table
// ---------------------------------------------------------------------------

// GNatives maps token bytes and native indices to their handlers. Entries
// below OpExtendedNative are expression tokens; 0x60..0x6F decode an
// extended index; the rest are native functions. The table is filled by
// init functions and read-only afterwards.
var GNatives [MaxNatives]NativeFunc

var nativeNames [MaxNatives]string

// RegisterNative installs fn at index. Registering an index twice panics.
func RegisterNative(index int, name string, fn NativeFunc) {
	if index < 0 || index >= MaxNatives {
		panic(fmt.Sprintf("native index %d out of range", index))
	}
	if GNatives[index] != nil {
		panic(fmt.Sprintf("native %d (%s) already registered as %s", index, name, nativeNames[index]))
	}
	GNatives[index] = fn
	nativeNames[index] = name
}

// NativeName returns the registered name of a native index.
func NativeName(index int) string {
	if index >= 0 && index < MaxNatives && nativeNames[index] != "" {
		return nativeNames[index]
	}
	return fmt.Sprintf("Native_%03X", index)
}

func init() {
	for hi := range 16 {
		RegisterNative(int(OpExtendedNative)+hi, "ExtendedNative", func(ctx *Object, f *Frame, result *Value) {
			f.callNative(hi<<8|int(f.ReadByte()), ctx, result)
		})
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// Step evaluates the next expression with ctx as the context object and
// writes its value into result. A nil result asks variable tokens for their
// address only.
func (f *Frame) Step(ctx *Object, result *Value) {
	op := f.ReadByte()
	fn := GNatives[op]
	if fn == nil {
		f.IP--
		f.Fatalf(ErrUnknownToken, "Unknown code token %02X", op)
	}
	fn(ctx, f, result)
}

func (f *Frame) callNative(index int, ctx *Object, result *Value) {
	fn := GNatives[index]
	if fn == nil || index < int(OpFirstNative) {
		f.Fatalf(ErrUnknownToken, "Bad native function %d", index)
	}
	fn(ctx, f, result)
}

// callFunction calls fn on ctx. Parameters are read from f.
func (f *Frame) callFunction(ctx *Object, fn *Function, result *Value) {
	switch {
	case fn.Impl != nil:
		fn.Impl(ctx, f, result)
		return
	case fn.Native != 0:
		f.callNative(int(fn.Native), ctx, result)
		return
	case len(fn.Code) == 0:
		f.skipParms(result)
		set(result, zeroOf(fn.Return))
		return
	}
	nf := f.vm.newFrame(ctx, fn, f)
	f.readParms(nf)
	nf.execute(result)
}

// readParms evaluates call arguments into the callee's locals. Out
// parameters are evaluated for their address and copied back on return.
func (f *Frame) readParms(nf *Frame) {
	vm := f.vm
	params := nf.Func.Params
	for i, p := range params {
		switch f.PeekOpcode() {
		case OpEndFunctionParms:
			for j := i; j < len(params); j++ {
				nf.omit(j)
			}
			f.IP++
			return
		case OpEmptyParmValue:
			f.IP++
			nf.omit(i)
			continue
		}
		cell := &nf.Locals[p.Offset]
		if p.IsOut() {
			vm.addr, vm.prop = Addr{}, nil
			f.Step(f.Object, nil)
			addr, target := vm.addr, vm.prop
			if addr.Valid() {
				p.Store(cell, load(addr, target))
			}
			nf.OutParms = append(nf.OutParms, OutParm{Property: p, Addr: addr, Target: target})
			continue
		}
		var v Value
		f.Step(f.Object, &v)
		p.Store(cell, v)
	}
	f.Finish()
}

func load(addr Addr, p *Property) Value {
	if p == nil {
		return addr.Load()
	}
	return p.Load(addr.Load())
}

// execute runs a script function body to its Return token.
func (f *Frame) execute(result *Value) {
	vm := f.vm
	if vm.depth >= vm.MaxRecursion {
		f.Fatalf(ErrRecursion, "Infinite script recursion (%d calls) detected", vm.MaxRecursion)
	}
	vm.depth++
	prevTop := vm.top
	vm.top = f
	if vm.Tracker != nil {
		vm.Tracker.EnterFunction(f)
	}
	defer func() {
		vm.depth--
		vm.top = prevTop
		if vm.Tracker != nil {
			vm.Tracker.ExitFunction(f)
		}
	}()

	for {
		if f.IP >= len(f.Code) {
			f.Fatalf(ErrEndOfScript, "Execution beyond end of script in %s", f.Location())
		}
		if Opcode(f.Code[f.IP]) == OpReturn {
			f.IP++
			f.Step(f.Object, result)
			break
		}
		f.Step(f.Object, nil)
	}

	for _, o := range f.OutParms {
		if !o.Addr.Valid() {
			continue
		}
		v := o.Property.Load(f.Locals[o.Property.Offset])
		if o.Target != nil {
			o.Target.Store(o.Addr.Ptr(), v)
		} else {
			*o.Addr.Ptr() = CopyValue(v)
		}
	}
}
