package vm

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(int(OpVirtualFunction), "VirtualFunction", execVirtualFunction)
	RegisterNative(int(OpFinalFunction), "FinalFunction", execFinalFunction)
	RegisterNative(int(OpGlobalFunction), "GlobalFunction", execGlobalFunction)
	RegisterNative(int(OpDelegateFunction), "DelegateFunction", execDelegateFunction)
}

// execVirtualFunction calls a function by name, looked up on the context
// object's current state first.
func execVirtualFunction(ctx *Object, f *Frame, result *Value) {
	name := f.ReadName()
	fn := ctx.FindFunction(name)
	if fn == nil {
		f.Warnf("Failed to find function %s in %s", name, ctx.FullName())
		f.skipParms(result)
		return
	}
	f.callFunction(ctx, fn, result)
}

func execFinalFunction(ctx *Object, f *Frame, result *Value) {
	fn := f.ReadFunction()
	if fn == nil {
		f.Fatalf(ErrBadBytecode, "final function call without function")
	}
	f.callFunction(ctx, fn, result)
}

// execGlobalFunction calls the class version of a function, skipping state
// overrides.
func execGlobalFunction(ctx *Object, f *Frame, result *Value) {
	name := f.ReadName()
	fn := ctx.Class.FindFunction(name)
	if fn == nil {
		f.Warnf("Failed to find global function %s in %s", name, ctx.FullName())
		f.skipParms(result)
		return
	}
	f.callFunction(ctx, fn, result)
}

// execDelegateFunction calls through a delegate variable. A delegate with
// no function falls back to the body declared with the delegate, if any.
func execDelegateFunction(ctx *Object, f *Frame, result *Value) {
	local := f.ReadByte() != 0
	p := f.ReadProperty()
	name := f.ReadName()

	var d Delegate
	if p != nil {
		if local {
			d = asDelegate(f.Locals[p.Offset])
		} else {
			d = asDelegate(ctx.Slots[p.Offset])
		}
	}
	if d.Object != nil && d.Object.IsPendingKill() {
		d = Delegate{}
	}

	target, fname := d.Object, d.Function
	if target == nil {
		target = ctx
	}
	if fname.IsNone() {
		if fn := ctx.FindFunction(name); fn != nil && fn.HasBody() {
			f.callFunction(ctx, fn, result)
			return
		}
		f.Warnf("Attempt to call None through delegate property '%s'", name)
		f.skipParms(result)
		return
	}
	fn := target.FindFunction(fname)
	if fn == nil {
		f.Warnf("Failed to find function %s in %s", fname, target.FullName())
		f.skipParms(result)
		return
	}
	f.callFunction(target, fn, result)
}

// ---------------------------------------------------------------------------
// Delegate values
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(int(OpDelegateProperty), "DelegateProperty", execDelegateProperty)
	RegisterNative(int(OpInstanceDelegate), "InstanceDelegate", execInstanceDelegate)
	RegisterNative(int(OpEqualEqualDelDel), "EqualEqual_DelDel", execDelegateCompare(true))
	RegisterNative(int(OpNotEqualDelDel), "NotEqual_DelDel", execDelegateCompare(false))
	RegisterNative(int(OpEqualEqualDelFunc), "EqualEqual_DelFunc", execDelegateCompare(true))
	RegisterNative(int(OpNotEqualDelFunc), "NotEqual_DelFunc", execDelegateCompare(false))
}

// execDelegateProperty yields a delegate bound to the context object, or a
// copy of the source delegate property when one is given.
func execDelegateProperty(ctx *Object, f *Frame, result *Value) {
	name := f.ReadName()
	p := f.ReadProperty()
	if p != nil {
		set(result, asDelegate(ctx.Slots[p.Offset]))
		return
	}
	set(result, bindDelegate(ctx, name))
}

func execInstanceDelegate(ctx *Object, f *Frame, result *Value) {
	set(result, bindDelegate(ctx, f.ReadName()))
}

func bindDelegate(obj *Object, name Name) Delegate {
	if name.IsNone() {
		return Delegate{}
	}
	return Delegate{Object: obj, Function: name}
}

// execDelegateCompare compares two delegates. Unbound delegates are taken
// to be bound to the calling object.
func execDelegateCompare(equal bool) NativeFunc {
	return func(ctx *Object, f *Frame, result *Value) {
		a := f.EvalDelegate()
		b := f.EvalDelegate()
		f.Finish()
		set(result, sameDelegate(a, b, f.Object) == equal)
	}
}

func sameDelegate(a, b Delegate, self *Object) bool {
	if a.IsNone() || b.IsNone() {
		return a.IsNone() && b.IsNone()
	}
	if a.Object == nil {
		a.Object = self
	}
	if b.Object == nil {
		b.Object = self
	}
	return a.Object == b.Object && a.Function.Equal(b.Function)
}
