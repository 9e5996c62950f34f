package vm

// ---------------------------------------------------------------------------
// Core package
// ---------------------------------------------------------------------------

// Core is the package every VM loads first. It declares the root Object
// class with its native functions and events, and the Vector and Rotator
// structs.
var (
	Core          = NewPackage("Core")
	VectorStruct  = Core.AddStruct(coreStruct("Vector", KindFloat, "X", "Y", "Z"))
	RotatorStruct = Core.AddStruct(coreStruct("Rotator", KindInt, "Pitch", "Yaw", "Roll"))
	ObjectClass   = Core.AddClass(newObjectClass())
)

func coreStruct(name Name, kind PropertyKind, fields ...Name) *Struct {
	s := NewStruct(name, nil)
	for _, f := range fields {
		s.AddField(NewProperty(f, kind))
	}
	return s
}

// Native indices of the Object class.
const (
	nativeGotoState       = 113
	nativeEnable          = 117
	nativeDisable         = 118
	nativeLog             = 231
	nativeWarn            = 232
	nativeSleep           = 256
	nativeClassIsChildOf  = 258
	nativeDestroy         = 279
	nativeIsInState       = 281
	nativeGetStateName    = 284
	nativeIsA             = 303
	nativePushState       = 0x300
	nativePopState        = 0x301
	nativeIsPendingKill   = 0x302
	nativeGetFuncName     = 0x303
	nativeScriptTrace     = 0x304
	nativeGetStateDepth   = 0x305
	nativeFindObjectNamed = 0x306
)

func init() {
	RegisterNative(nativeGotoState, "GotoState", execGotoState)
	RegisterNative(nativeEnable, "Enable", execEnable(true))
	RegisterNative(nativeDisable, "Disable", execEnable(false))
	RegisterNative(nativeLog, "Log", execLog)
	RegisterNative(nativeWarn, "Warn", execWarn)
	RegisterNative(nativeSleep, "Sleep", execSleep)
	RegisterNative(nativeClassIsChildOf, "ClassIsChildOf", execClassIsChildOf)
	RegisterNative(nativeDestroy, "Destroy", execDestroy)
	RegisterNative(nativeIsInState, "IsInState", execIsInState)
	RegisterNative(nativeGetStateName, "GetStateName", execGetStateName)
	RegisterNative(nativeIsA, "IsA", execIsA)
	RegisterNative(nativePushState, "PushState", execPushState)
	RegisterNative(nativePopState, "PopState", execPopState)
	RegisterNative(nativeIsPendingKill, "IsPendingKill", execIsPendingKill)
	RegisterNative(nativeGetFuncName, "GetFuncName", execGetFuncName)
	RegisterNative(nativeScriptTrace, "ScriptTrace", execScriptTrace)
	RegisterNative(nativeGetStateDepth, "GetStateDepth", execGetStateDepth)
	RegisterNative(nativeFindObjectNamed, "FindObjectNamed", execFindObjectNamed)
}

func newObjectClass() *Class {
	c := NewClass("Object", nil)
	c.Flags |= ClassAbstract | ClassNative

	native := func(index int, name Name, ret *Property, params ...*Property) *Function {
		fn := NewFunction(name, FuncNative|FuncFinal)
		fn.Native = uint16(index)
		for _, p := range params {
			fn.AddParam(p)
		}
		if ret != nil {
			fn.SetReturn(ret)
		}
		return c.AddFunction(fn)
	}
	event := func(name Name, params ...*Property) *Function {
		fn := NewFunction(name, FuncEvent)
		for _, p := range params {
			fn.AddParam(p)
		}
		return c.AddFunction(fn)
	}

	native(nativeGotoState, "GotoState", nil,
		NewProperty("NewState", KindName).Optional(),
		NewProperty("Label", KindName).Optional(),
		NewProperty("bForceEvents", KindBool).Optional(),
		NewProperty("bKeepStack", KindBool).Optional())
	native(nativeEnable, "Enable", nil, NewProperty("ProbeFunc", KindName))
	native(nativeDisable, "Disable", nil, NewProperty("ProbeFunc", KindName))
	native(nativeLog, "Log", nil, NewProperty("S", KindString), NewProperty("Tag", KindName).Optional())
	native(nativeWarn, "Warn", nil, NewProperty("S", KindString))
	native(nativeSleep, "Sleep", nil, NewProperty("Seconds", KindFloat)).Flags |= FuncLatent
	native(nativeClassIsChildOf, "ClassIsChildOf", NewProperty("ReturnValue", KindBool),
		ClassProperty("TestClass", c), ClassProperty("ParentClass", c)).Flags |= FuncStatic
	native(nativeDestroy, "Destroy", NewProperty("ReturnValue", KindBool))
	native(nativeIsInState, "IsInState", NewProperty("ReturnValue", KindBool),
		NewProperty("TestState", KindName), NewProperty("bTestStateStack", KindBool).Optional())
	native(nativeGetStateName, "GetStateName", NewProperty("ReturnValue", KindName))
	native(nativeIsA, "IsA", NewProperty("ReturnValue", KindBool), NewProperty("ClassName", KindName))
	native(nativePushState, "PushState", nil,
		NewProperty("NewState", KindName), NewProperty("NewLabel", KindName).Optional())
	native(nativePopState, "PopState", nil, NewProperty("bPopAll", KindBool).Optional())
	native(nativeIsPendingKill, "IsPendingKill", NewProperty("ReturnValue", KindBool))
	native(nativeGetFuncName, "GetFuncName", NewProperty("ReturnValue", KindName))
	native(nativeScriptTrace, "ScriptTrace", nil)
	native(nativeGetStateDepth, "GetStateDepth", NewProperty("ReturnValue", KindInt))
	native(nativeFindObjectNamed, "FindObjectNamed", ObjectProperty("ReturnValue", c),
		NewProperty("ObjectName", KindName)).Flags |= FuncStatic

	event("BeginState", NewProperty("PreviousStateName", KindName))
	event("EndState", NewProperty("NextStateName", KindName))
	event("PushedState")
	event("PoppedState")
	event("PausedState")
	event("ContinuedState")
	event("Tick", NewProperty("DeltaTime", KindFloat))
	event("Timer")
	event("Destroyed")
	return c
}

// ---------------------------------------------------------------------------
// Object natives
// ---------------------------------------------------------------------------

func optName(f *Frame) Name {
	v, _ := f.EvalOptional()
	return asName(v)
}

func optBool(f *Frame) bool {
	v, _ := f.EvalOptional()
	return asBool(v)
}

// execGotoState changes state. A None state with a label jumps within the
// current state.
func execGotoState(ctx *Object, f *Frame, result *Value) {
	name := optName(f)
	label := optName(f)
	force := optBool(f)
	keep := optBool(f)
	f.Finish()
	if ctx.StateFrame == nil {
		f.Warnf("GotoState (%s): %s has no states", name, ctx.FullName())
		return
	}
	if name.IsNone() && !label.IsNone() {
		name = ctx.StateName()
	}
	if f.vm.gotoState(ctx, name, label, force, keep) == GotoNotFound {
		f.Warnf("GotoState (%s %s): State not found", name, label)
	}
}

func execPushState(ctx *Object, f *Frame, result *Value) {
	name := f.EvalName()
	label := optName(f)
	f.Finish()
	if ctx.StateFrame == nil || f.vm.pushState(ctx, name, label) == GotoNotFound {
		f.Warnf("PushState (%s %s): State not found", name, label)
	}
}

func execPopState(ctx *Object, f *Frame, result *Value) {
	all := optBool(f)
	f.Finish()
	if !f.vm.popState(ctx, all) {
		f.Warnf("PopState with an empty state stack")
	}
}

func execIsInState(ctx *Object, f *Frame, result *Value) {
	name := f.EvalName()
	stack := optBool(f)
	f.Finish()
	set(result, f.vm.IsInState(ctx, name, stack))
}

func execGetStateName(ctx *Object, f *Frame, result *Value) {
	f.Finish()
	set(result, ctx.StateName())
}

func execGetStateDepth(ctx *Object, f *Frame, result *Value) {
	f.Finish()
	n := int32(0)
	if ctx.StateFrame != nil {
		n = int32(ctx.StateFrame.StateDepth())
	}
	set(result, n)
}

// execEnable turns a probe notification on or off for the object.
func execEnable(on bool) NativeFunc {
	return func(ctx *Object, f *Frame, result *Value) {
		name := f.EvalName()
		f.Finish()
		bit, ok := probeBit(name)
		if !ok {
			f.Warnf("%s is not a probe function", name)
			return
		}
		if ctx.StateFrame == nil {
			ctx.StateFrame = newStateFrame(f.vm, ctx)
		}
		if on {
			ctx.StateFrame.ProbeMask |= bit
		} else {
			ctx.StateFrame.ProbeMask &^= bit
		}
	}
}

func execSleep(ctx *Object, f *Frame, result *Value) {
	seconds := f.EvalFloat()
	f.Finish()
	f.sleep(seconds)
}

func execLog(ctx *Object, f *Frame, result *Value) {
	s := f.EvalString()
	tag := optName(f)
	f.Finish()
	if tag.IsNone() {
		tag = "ScriptLog"
	}
	scriptLog.Infof("%s: %s", tag, s)
}

func execWarn(ctx *Object, f *Frame, result *Value) {
	s := f.EvalString()
	f.Finish()
	f.Warnf("%s", s)
}

func execScriptTrace(ctx *Object, f *Frame, result *Value) {
	f.Finish()
	for _, line := range f.Backtrace() {
		scriptLog.Infof("  %s", line)
	}
}

func execGetFuncName(ctx *Object, f *Frame, result *Value) {
	f.Finish()
	set(result, Name(f.FunctionName()))
}

func execIsA(ctx *Object, f *Frame, result *Value) {
	name := f.EvalName()
	f.Finish()
	for c := ctx.Class; c != nil; c = c.Super {
		if c.Name.Equal(name) {
			set(result, true)
			return
		}
	}
	set(result, false)
}

func execClassIsChildOf(ctx *Object, f *Frame, result *Value) {
	a := f.EvalClass()
	b := f.EvalClass()
	f.Finish()
	set(result, a != nil && a.IsChildOf(b))
}

func execIsPendingKill(ctx *Object, f *Frame, result *Value) {
	f.Finish()
	set(result, ctx.IsPendingKill())
}

func execFindObjectNamed(ctx *Object, f *Frame, result *Value) {
	name := f.EvalName()
	f.Finish()
	set(result, objectValue(f.vm.FindObject(name)))
}

// execDestroy destroys the context object. The current state code stops.
func execDestroy(ctx *Object, f *Frame, result *Value) {
	f.Finish()
	if ctx.Flags&ObjectDefault != 0 {
		f.Warnf("Attempt to destroy default object %s", ctx.Name)
		set(result, false)
		return
	}
	f.vm.destroy(ctx)
	set(result, true)
}
