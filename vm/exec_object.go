package vm

// ---------------------------------------------------------------------------
// Objects and contexts
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(int(OpSelf), "Self", execSelf)
	RegisterNative(int(OpContext), "Context", execContext)
	RegisterNative(int(OpClassContext), "ClassContext", execClassContext)
	RegisterNative(int(OpInterfaceContext), "InterfaceContext", execInterfaceContext)
	RegisterNative(int(OpDynamicCast), "DynamicCast", execDynamicCast)
	RegisterNative(int(OpMetaCast), "MetaCast", execMetaCast)
	RegisterNative(int(OpInterfaceCast), "InterfaceCast", execInterfaceCast)
	RegisterNative(int(OpPrimitiveCast), "PrimitiveCast", execPrimitiveCast)
	RegisterNative(int(OpStructCmpEq), "StructCmpEq", execStructCmp(true))
	RegisterNative(int(OpStructCmpNe), "StructCmpNe", execStructCmp(false))
	RegisterNative(int(OpNew), "New", execNew)
}

func execSelf(ctx *Object, f *Frame, result *Value) {
	set(result, objectValue(ctx))
}

// execContext evaluates the inner expression with another object as its
// context. Through None, the inner expression is skipped and yields zero.
func execContext(ctx *Object, f *Frame, result *Value) {
	var v Value
	f.Step(ctx, &v)
	f.runInContext(asObject(v), result)
}

// execClassContext runs the inner expression on a class's default object.
func execClassContext(ctx *Object, f *Frame, result *Value) {
	var v Value
	f.Step(ctx, &v)
	var obj *Object
	if c := asClass(v); c != nil {
		c.Link()
		obj = c.Default
	}
	f.runInContext(obj, result)
}

func (f *Frame) runInContext(obj *Object, result *Value) {
	skip := f.ReadCodeSkipCount()
	p := f.ReadProperty()
	f.ReadVariableSize()
	if obj != nil {
		f.Step(obj, result)
		return
	}
	if p != nil {
		f.Warnf("Accessed None '%s'", p.Name)
	} else {
		f.Warnf("Accessed None")
	}
	f.vm.accessedNone = true
	if f.vm.Debugger != nil {
		f.vm.Debugger.NotifyAccessedNone(f)
	}
	f.IP += skip
	f.vm.variable(Addr{}, p, result)
}

func execInterfaceContext(ctx *Object, f *Frame, result *Value) {
	var v Value
	f.Step(ctx, &v)
	set(result, objectValue(asObject(v)))
}

// execDynamicCast yields the object when it is an instance of the class or
// implements the interface, None otherwise.
func execDynamicCast(ctx *Object, f *Frame, result *Value) {
	c := f.ReadClass()
	var v Value
	f.Step(ctx, &v)
	obj := asObject(v)
	switch {
	case obj == nil || c == nil:
		set(result, nil)
	case c.IsInterface():
		if obj.Class.Implements(c) {
			set(result, obj)
		} else {
			set(result, nil)
		}
	case obj.IsA(c):
		set(result, obj)
	default:
		set(result, nil)
	}
}

// execMetaCast narrows a class reference.
func execMetaCast(ctx *Object, f *Frame, result *Value) {
	c := f.ReadClass()
	var v Value
	f.Step(ctx, &v)
	if cl := asClass(v); cl != nil && cl.IsChildOf(c) {
		set(result, cl)
		return
	}
	set(result, nil)
}

func execInterfaceCast(ctx *Object, f *Frame, result *Value) {
	c := f.ReadClass()
	var v Value
	f.Step(ctx, &v)
	set(result, toInterface(asObject(v), c))
}

func execPrimitiveCast(ctx *Object, f *Frame, result *Value) {
	token := CastToken(f.ReadByte())
	fn := GCasts[token]
	if fn == nil {
		f.IP--
		f.Fatalf(ErrUnknownToken, "Unknown cast token %02X", byte(token))
	}
	fn(ctx, f, result)
}

func execStructCmp(equal bool) NativeFunc {
	return func(ctx *Object, f *Frame, result *Value) {
		st := f.ReadStruct()
		var a, b Value
		f.Step(ctx, &a)
		f.Step(ctx, &b)
		x, y := asStruct(a), asStruct(b)
		if x == nil && st != nil {
			x = st.New()
		}
		if y == nil && st != nil {
			y = st.New()
		}
		set(result, structEqual(x, y) == equal)
	}
}

// execNew constructs an object. A None class warns and yields None.
func execNew(ctx *Object, f *Frame, result *Value) {
	var outer, name, class Value
	f.Step(ctx, &outer)
	f.Step(ctx, &name)
	f.Step(ctx, &class)
	c := asClass(class)
	switch {
	case c == nil:
		f.Warnf("new: class is None")
		set(result, nil)
		return
	case c.Flags&(ClassAbstract|ClassInterface) != 0:
		f.Warnf("new: cannot construct abstract class %s", c.Name)
		set(result, nil)
		return
	}
	n := asName(name)
	if !n.IsNone() && f.vm.FindObject(n) != nil {
		f.Warnf("new: object %s already exists", n)
		set(result, nil)
		return
	}
	if o := asObject(outer); o == nil {
		outer = ctx
	}
	set(result, f.vm.newObject(c, asObject(outer), n))
}
