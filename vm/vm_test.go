package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// TestArithmeticPrecedence assigns a = 7 + 3 * 2 through nested native
// calls.
func TestArithmeticPrecedence(t *testing.T) {
	fx := newFixture(t)
	a := NewProperty("a", KindInt)
	fn := fx.function("Compute", NewProperty("ReturnValue", KindInt), nil, []*Property{a}, func(b *Builder, _ *Function) {
		b.Let().LocalVariable(a)
		binOp(b, 146, intConst(b, 7), func() {
			binOp(b, 144, intConst(b, 3), intConst(b, 2))
		})
		b.Return().LocalVariable(a)
	})
	obj := fx.spawn()

	if got := AsInt(fx.call(obj, fn)); got != 13 {
		t.Errorf("Expected 13, got %d", got)
	}
	fx.expectNoWarnings()
}

func TestDivideByZero(t *testing.T) {
	fx := newFixture(t)
	obj := fx.spawn()

	v := fx.eval(obj, func(b *Builder) {
		binOp(b, 145, intConst(b, 10), intConst(b, 0))
	})
	if got := AsInt(v); got != 0 {
		t.Errorf("Expected 0, got %d", got)
	}
	fx.expectWarning("Divide by zero")
}

func TestShortCircuit(t *testing.T) {
	fx := newFixture(t)
	hits := fx.class.AddProperty(NewProperty("Hits", KindInt))
	touch := fx.function("Touch", NewProperty("ReturnValue", KindBool), nil, nil, func(b *Builder, _ *Function) {
		b.Let().InstanceVariable(hits)
		binOp(b, 146, func() { b.InstanceVariable(hits) }, func() { b.IntOne() })
		b.Return().True()
	})
	obj := fx.spawn()

	v := fx.eval(obj, func(b *Builder) {
		b.AndAnd(func() { b.False() }, func() { b.FinalFunction(touch).EndFunctionParms() })
	})
	if AsBool(v) {
		t.Error("false && x should be false")
	}
	if got := AsInt(obj.Get("Hits")); got != 0 {
		t.Errorf("&& evaluated its right operand %d times", got)
	}

	v = fx.eval(obj, func(b *Builder) {
		b.OrOr(func() { b.False() }, func() { b.FinalFunction(touch).EndFunctionParms() })
	})
	if !AsBool(v) {
		t.Error("false || true should be true")
	}
	if got := AsInt(obj.Get("Hits")); got != 1 {
		t.Errorf("Expected 1 evaluation of the right operand, got %d", got)
	}
}

func TestConditional(t *testing.T) {
	fx := newFixture(t)
	flag := NewProperty("bFlag", KindBool)
	fn := fx.function("Pick", NewProperty("ReturnValue", KindString), []*Property{flag}, nil, func(b *Builder, _ *Function) {
		b.Return().Conditional(
			func() { b.LocalVariable(flag) },
			func() { b.StringConst("yes") },
			func() { b.StringConst("no") })
	})
	obj := fx.spawn()

	if got := AsString(fx.call(obj, fn, true)); got != "yes" {
		t.Errorf("Expected yes, got %q", got)
	}
	if got := AsString(fx.call(obj, fn, false)); got != "no" {
		t.Errorf("Expected no, got %q", got)
	}
}

func TestSwitch(t *testing.T) {
	fx := newFixture(t)
	v := NewProperty("V", KindInt)
	fn := fx.function("Describe", NewProperty("ReturnValue", KindString), []*Property{v}, nil, func(b *Builder, _ *Function) {
		two, other := b.NewLabel(), b.NewLabel()
		b.Switch().LocalVariable(v)
		b.Case(two).Int(1)
		b.Return().StringConst("one")
		b.Mark(two).Case(other).Int(2)
		b.Return().StringConst("two")
		b.Mark(other).CaseDefault()
		b.Return().StringConst("other")
	})
	obj := fx.spawn()

	for in, want := range map[int32]string{1: "one", 2: "two", 3: "other"} {
		if got := AsString(fx.call(obj, fn, in)); got != want {
			t.Errorf("switch(%d): expected %q, got %q", in, want, got)
		}
	}
}

func TestDefaultParmValue(t *testing.T) {
	fx := newFixture(t)
	a := NewProperty("A", KindInt)
	c := NewProperty("C", KindInt).Optional()
	fn := fx.function("Sum", NewProperty("ReturnValue", KindInt), []*Property{a, c}, nil, func(b *Builder, _ *Function) {
		b.DefaultParmValue(c, func() { b.Int(10) })
		b.Return()
		binOp(b, 146, func() { b.LocalVariable(a) }, func() { b.LocalVariable(c) })
	})
	obj := fx.spawn()

	if got := AsInt(fx.call(obj, fn, int32(1))); got != 11 {
		t.Errorf("Expected 11 with the default, got %d", got)
	}
	if got := AsInt(fx.call(obj, fn, int32(1), int32(2))); got != 3 {
		t.Errorf("Expected 3, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

func TestStaticArrayOutOfBounds(t *testing.T) {
	fx := newFixture(t)
	s := fx.class.AddProperty(NewProperty("S", KindInt).Static(8))
	x := fx.class.AddProperty(NewProperty("X", KindInt))
	read := fx.function("Read", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Let().InstanceVariable(x)
		b.ArrayElement().Int(9).InstanceVariable(s)
		b.Return().Nothing()
	})
	write := fx.function("Write", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Let().ArrayElement().Int(3).InstanceVariable(s)
		b.Int(4)
		b.Return().Nothing()
	})
	obj := fx.spawn()
	obj.Set("X", int32(5))

	fx.call(obj, read)
	if got := AsInt(obj.Get("X")); got != 0 {
		t.Errorf("Expected x == 0 after an out of bounds read, got %d", got)
	}
	fx.expectWarning("out of bounds (9/8)")

	fx.call(obj, write)
	if got := AsInt(obj.GetIndex("S", 3)); got != 4 {
		t.Errorf("Expected s[3] == 4, got %d", got)
	}
}

func TestDynamicArrayGrowsOnWrite(t *testing.T) {
	fx := newFixture(t)
	d := fx.class.AddProperty(ArrayProperty("D", NewProperty("", KindInt)))
	x := fx.class.AddProperty(NewProperty("X", KindInt))
	write := fx.function("Write", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Let().DynArrayElement().Int(9).InstanceVariable(d)
		b.IntOne()
		b.Return().Nothing()
	})
	read := fx.function("Read", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Let().InstanceVariable(x)
		b.DynArrayElement().Int(20).InstanceVariable(d)
		b.Return().Nothing()
	})
	obj := fx.spawn()

	fx.call(obj, write)
	arr := AsArray(obj.Get("D"))
	if len(arr) != 10 {
		t.Fatalf("Expected length 10, got %d", len(arr))
	}
	if AsInt(arr[9]) != 1 || AsInt(arr[0]) != 0 {
		t.Errorf("Unexpected contents %v", arr)
	}
	fx.expectNoWarnings()

	obj.Set("X", int32(5))
	fx.call(obj, read)
	if got := AsInt(obj.Get("X")); got != 0 {
		t.Errorf("Expected 0 from an out of bounds read, got %d", got)
	}
	if n := len(AsArray(obj.Get("D"))); n != 10 {
		t.Errorf("An r-value read resized the array to %d", n)
	}
	fx.expectWarning("out of bounds (20/10)")
}

func TestDynamicArrayIntrinsics(t *testing.T) {
	fx := newFixture(t)
	d := fx.class.AddProperty(ArrayProperty("D", NewProperty("", KindInt)))
	array := func(b *Builder) func() { return func() { b.InstanceVariable(d) } }
	obj := fx.spawn()

	for _, v := range []int32{5, 7, 9} {
		idx := fx.eval(obj, func(b *Builder) {
			b.DynArrayItem(OpDynArrayAddItem, array(b), func() { b.Int(v) })
		})
		if AsInt(idx) != int32(len(AsArray(obj.Get("D")))-1) {
			t.Errorf("AddItem(%d) returned %v", v, idx)
		}
	}
	found := fx.eval(obj, func(b *Builder) {
		b.DynArrayItem(OpDynArrayFind, array(b), func() { b.Int(7) })
	})
	if AsInt(found) != 1 {
		t.Errorf("Find(7): expected 1, got %v", found)
	}
	fx.eval(obj, func(b *Builder) {
		b.DynArrayItem(OpDynArrayRemoveItem, array(b), func() { b.Int(5) })
	})
	n := fx.eval(obj, func(b *Builder) {
		b.DynArrayLength().InstanceVariable(d)
	})
	if AsInt(n) != 2 {
		t.Errorf("Expected length 2 after RemoveItem, got %v", n)
	}
	missing := fx.eval(obj, func(b *Builder) {
		b.DynArrayItem(OpDynArrayFind, array(b), func() { b.Int(5) })
	})
	if AsInt(missing) != -1 {
		t.Errorf("Find of a removed item: expected -1, got %v", missing)
	}
}

func TestDynamicArraySort(t *testing.T) {
	fx := newFixture(t)
	d := fx.class.AddProperty(ArrayProperty("D", NewProperty("", KindInt)))
	a, c := NewProperty("A", KindInt), NewProperty("B", KindInt)
	fx.function("Compare", NewProperty("ReturnValue", KindInt), []*Property{a, c}, nil, func(b *Builder, _ *Function) {
		b.Return()
		binOp(b, 147, func() { b.LocalVariable(c) }, func() { b.LocalVariable(a) })
	})
	obj := fx.spawn()
	obj.Set("D", []Value{int32(3), int32(1), int32(2)})

	fx.eval(obj, func(b *Builder) {
		b.DynArrayItem(OpDynArraySort, func() { b.InstanceVariable(d) }, func() { b.InstanceDelegate("Compare") })
	})
	got := AsArray(obj.Get("D"))
	for i, want := range []int32{1, 2, 3} {
		if AsInt(got[i]) != want {
			t.Fatalf("Expected [1 2 3], got %v", got)
		}
	}
}

// ---------------------------------------------------------------------------
// Returns and calls
// ---------------------------------------------------------------------------

// TestReturnNothing falls off the end of a non-void function.
func TestReturnNothing(t *testing.T) {
	fx := newFixture(t)
	x := fx.class.AddProperty(NewProperty("X", KindInt))
	ret := NewProperty("ReturnValue", KindInt)
	f := fx.function("F", ret, nil, nil, func(b *Builder, _ *Function) {
		end := b.NewLabel()
		b.JumpIfNot(end).False()
		b.Return().IntOne()
		b.Mark(end)
		b.Return().ReturnNothing(ret)
	})
	caller := fx.function("Caller", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Let().InstanceVariable(x)
		b.FinalFunction(f).EndFunctionParms()
		b.Return().Nothing()
	})
	obj := fx.spawn()
	obj.Set("X", int32(5))

	fx.call(obj, caller)
	if got := AsInt(obj.Get("X")); got != 0 {
		t.Errorf("Expected x == 0, got %d", got)
	}
	fx.expectWarning("control reached end of non-void function")
}

// TestAccessedNone calls through a None object reference and checks that
// the statement after the call still runs.
func TestAccessedNone(t *testing.T) {
	fx := newFixture(t)
	target := fx.pkg.AddClass(NewClass("Target", ObjectClass))
	hits := target.AddProperty(NewProperty("Hits", KindInt))
	foo := target.AddFunction(NewFunction("Foo", 0))
	b := NewBuilder(fx.pkg)
	b.Let().InstanceVariable(hits)
	binOp(b, 146, func() { b.InstanceVariable(hits) }, func() { b.IntOne() })
	b.Return().Nothing()
	b.BuildFunction(foo)

	o := fx.class.AddProperty(ObjectProperty("O", target))
	after := fx.class.AddProperty(NewProperty("After", KindInt))
	run := fx.function("Run", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Context(func() { b.InstanceVariable(o) }, nil, func() {
			b.VirtualFunction("Foo").EndFunctionParms()
		})
		b.Let().InstanceVariable(after)
		binOp(b, 146, func() { b.InstanceVariable(after) }, func() { b.IntOne() })
		b.Return().Nothing()
	})
	obj := fx.spawn()

	fx.call(obj, run)
	fx.expectWarning("Accessed None")
	if got := AsInt(obj.Get("After")); got != 1 {
		t.Errorf("Execution did not continue past the call: After = %d", got)
	}

	other, err := fx.vm.NewObject(target, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	obj.Set("O", other)
	fx.warnings = nil
	fx.call(obj, run)
	fx.expectNoWarnings()
	if got := AsInt(other.Get("Hits")); got != 1 {
		t.Errorf("Expected Foo to run once on the target, got %d", got)
	}
}

func TestAssignThroughNone(t *testing.T) {
	fx := newFixture(t)
	o := fx.class.AddProperty(ObjectProperty("O", fx.class))
	x := fx.class.AddProperty(NewProperty("X", KindInt))
	fn := fx.function("Run", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Let().Context(func() { b.InstanceVariable(o) }, x, func() { b.InstanceVariable(x) })
		b.Int(3)
		b.Return().Nothing()
	})
	obj := fx.spawn()

	fx.call(obj, fn)
	fx.expectWarning("Accessed None 'X'")
	if len(fx.warnings) != 1 {
		t.Errorf("Expected one warning for an assignment through None, got %v", fx.warnings)
	}
}

func TestNoneDelegateCall(t *testing.T) {
	fx := newFixture(t)
	sig := NewFunction("OnHit", FuncDelegate)
	d := fx.class.AddProperty(DelegateProperty("D", sig))
	hits := fx.class.AddProperty(NewProperty("Hits", KindInt))
	after := fx.class.AddProperty(NewProperty("After", KindInt))
	fx.function("Hit", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Let().InstanceVariable(hits)
		binOp(b, 146, func() { b.InstanceVariable(hits) }, func() { b.IntOne() })
		b.Return().Nothing()
	})
	callNone := fx.function("CallNone", nil, nil, nil, func(b *Builder, _ *Function) {
		b.LetDelegate().InstanceVariable(d).EmptyDelegate()
		b.DelegateFunction(false, d, "D").EndFunctionParms()
		b.Let().InstanceVariable(after).IntOne()
		b.Return().Nothing()
	})
	callBound := fx.function("CallBound", nil, nil, nil, func(b *Builder, _ *Function) {
		b.LetDelegate().InstanceVariable(d).InstanceDelegate("Hit")
		b.DelegateFunction(false, d, "D").EndFunctionParms()
		b.Return().Nothing()
	})
	obj := fx.spawn()

	fx.call(obj, callNone)
	fx.expectWarning("Attempt to call None through delegate")
	if got := AsInt(obj.Get("After")); got != 1 {
		t.Errorf("Execution did not continue past the delegate call")
	}

	fx.call(obj, callBound)
	if got := AsInt(obj.Get("Hits")); got != 1 {
		t.Errorf("Expected the bound delegate to run once, got %d", got)
	}
	if got := AsDelegate(obj.Get("D")); got.Object != obj || got.Function != "Hit" {
		t.Errorf("Unexpected delegate value %v", got)
	}
}

func TestVirtualFunctionNotFound(t *testing.T) {
	fx := newFixture(t)
	obj := fx.spawn()

	v := fx.eval(obj, func(b *Builder) {
		b.VirtualFunction("Missing").Int(4).EndFunctionParms()
	})
	if v != nil {
		t.Errorf("Expected no result, got %v", v)
	}
	fx.expectWarning("Failed to find function Missing")
}

// ---------------------------------------------------------------------------
// Fatal errors
// ---------------------------------------------------------------------------

func TestRunawayLoop(t *testing.T) {
	fx := newFixture(t)
	fx.vm.MaxRunaway = 100
	fn := fx.function("Spin", nil, nil, nil, func(b *Builder, _ *Function) {
		loop := b.NewLabel()
		b.Mark(loop).Jump(loop)
	})
	obj := fx.spawn()

	_, err := fx.vm.ExecuteFunction(obj, fn)
	var se *ScriptError
	if !errors.As(err, &se) || se.Kind != ErrRunaway {
		t.Fatalf("Expected a runaway error, got %v", err)
	}
	if se.Function != "Actor.Spin" {
		t.Errorf("Unexpected location %q", se.Function)
	}
}

func TestInfiniteRecursion(t *testing.T) {
	fx := newFixture(t)
	fn := fx.function("Recurse", nil, nil, nil, func(b *Builder, fn *Function) {
		b.FinalFunction(fn).EndFunctionParms()
		b.Return().Nothing()
	})
	obj := fx.spawn()

	_, err := fx.vm.ExecuteFunction(obj, fn)
	var se *ScriptError
	if !errors.As(err, &se) || se.Kind != ErrRecursion {
		t.Fatalf("Expected a recursion error, got %v", err)
	}
	if len(se.Stack) < 2 {
		t.Errorf("Expected a backtrace, got %v", se.Stack)
	}

	// The VM recovers: a later call runs normally.
	ok := fx.eval(obj, func(b *Builder) { b.Int(1) })
	if AsInt(ok) != 1 {
		t.Errorf("VM did not recover after a fatal error")
	}
}

func TestTreatWarningsAsErrors(t *testing.T) {
	fx := newFixture(t)
	fx.vm.TreatWarningsAsErrors = true
	obj := fx.spawn()

	fn := fx.function("Div", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Return()
		binOp(b, 145, intConst(b, 1), intConst(b, 0))
	})
	_, err := fx.vm.ExecuteFunction(obj, fn)
	var se *ScriptError
	if !errors.As(err, &se) || se.Kind != ErrWarningAsError {
		t.Fatalf("Expected a warning error, got %v", err)
	}
}

func TestAssert(t *testing.T) {
	fx := newFixture(t)
	soft := fx.function("Soft", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Assert(12, false).False()
		b.Return().Nothing()
	})
	hard := fx.function("Hard", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Assert(13, true).False()
		b.Return().Nothing()
	})
	obj := fx.spawn()

	fx.call(obj, soft)
	fx.expectWarning("Assertion failed, line 12")

	_, err := fx.vm.ExecuteFunction(obj, hard)
	var se *ScriptError
	if !errors.As(err, &se) || se.Kind != ErrAssertion {
		t.Fatalf("Expected an assertion error, got %v", err)
	}
}

func TestNewObjectAbstract(t *testing.T) {
	vm := New(Config{})
	if _, err := vm.NewObject(ObjectClass, nil, ""); !errors.Is(err, ErrAbstractClass) {
		t.Errorf("Expected ErrAbstractClass, got %v", err)
	}
}

func TestObjectNaming(t *testing.T) {
	fx := newFixture(t)
	a := fx.spawn()
	b, err := fx.vm.NewObject(fx.class, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if a.Name != "Actor_0" || b.Name != "Actor_1" {
		t.Errorf("Unexpected names %s, %s", a.Name, b.Name)
	}
	if fx.vm.FindObject("actor_1") != b {
		t.Error("FindObject should ignore case")
	}
	if err := fx.vm.Destroy(b); err != nil {
		t.Fatal(err)
	}
	if !b.IsPendingKill() || fx.vm.FindObject("Actor_1") != nil {
		t.Error("Destroyed object is still reachable")
	}
	if len(fx.vm.Objects()) != 1 {
		t.Errorf("Expected 1 live object, got %d", len(fx.vm.Objects()))
	}
}

// ---------------------------------------------------------------------------
// Casts
// ---------------------------------------------------------------------------

func TestStringCastsParsePrefix(t *testing.T) {
	fx := newFixture(t)
	obj := fx.spawn()

	v := fx.eval(obj, func(b *Builder) { b.PrimitiveCast(CastStringToInt).StringConst("  -12abc") })
	if got := AsInt(v); got != -12 {
		t.Errorf("StringToInt(\"  -12abc\") = %d, want -12", got)
	}
	v = fx.eval(obj, func(b *Builder) { b.PrimitiveCast(CastStringToInt).StringConst("abc") })
	if got := AsInt(v); got != 0 {
		t.Errorf("StringToInt(\"abc\") = %d, want 0", got)
	}
	v = fx.eval(obj, func(b *Builder) { b.PrimitiveCast(CastStringToFloat).StringConst("3.5xyz") })
	if got := AsFloat(v); got != 3.5 {
		t.Errorf("StringToFloat(\"3.5xyz\") = %v, want 3.5", got)
	}
	v = fx.eval(obj, func(b *Builder) {
		b.PrimitiveCast(CastIntToString)
		b.PrimitiveCast(CastStringToInt).StringConst("42")
	})
	if got := AsString(v); got != "42" {
		t.Errorf("IntToString(StringToInt(\"42\")) = %q", got)
	}
	fx.expectNoWarnings()
}

func TestObjectToBool(t *testing.T) {
	fx := newFixture(t)
	obj := fx.spawn()

	if AsBool(fx.eval(obj, func(b *Builder) { b.PrimitiveCast(CastObjectToBool).NoObject() })) {
		t.Error("None should cast to false")
	}
	if !AsBool(fx.eval(obj, func(b *Builder) { b.PrimitiveCast(CastObjectToBool).Self() })) {
		t.Error("self should cast to true")
	}
}

// interfaceFixture declares interface IUsable, implemented by the fixture
// class, and a class Crate that does not implement it.
func interfaceFixture(t *testing.T) (*fixture, *Class, *Class) {
	fx := newFixture(t)
	iface := fx.pkg.AddClass(NewClass("IUsable", ObjectClass))
	iface.Flags |= ClassInterface
	fx.class.Interfaces = append(fx.class.Interfaces, iface)
	crate := fx.pkg.AddClass(NewClass("Crate", ObjectClass))
	return fx, iface, crate
}

func TestObjectToInterface(t *testing.T) {
	fx, iface, crate := interfaceFixture(t)
	other := fx.class.AddProperty(ObjectProperty("Other", crate))
	obj := fx.spawn()
	c, err := fx.vm.NewObject(crate, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	obj.Set("Other", c)

	v := fx.eval(obj, func(b *Builder) { b.ObjectToInterface(iface).Self() })
	i, ok := v.(Interface)
	if !ok || i.Object != obj || i.Iface != iface {
		t.Errorf("Expected self as IUsable, got %#v", v)
	}

	v = fx.eval(obj, func(b *Builder) { b.ObjectToInterface(iface).InstanceVariable(other) })
	if i, ok := v.(Interface); !ok || i.Object != nil {
		t.Errorf("Expected a null interface for a non-implementer, got %#v", v)
	}

	v = fx.eval(obj, func(b *Builder) {
		b.PrimitiveCast(CastInterfaceToObject)
		b.ObjectToInterface(iface).Self()
	})
	if AsObject(v) != obj {
		t.Errorf("InterfaceToObject round trip gave %v", v)
	}
	v = fx.eval(obj, func(b *Builder) {
		b.PrimitiveCast(CastInterfaceToObject)
		b.ObjectToInterface(iface).InstanceVariable(other)
	})
	if v != nil {
		t.Errorf("Expected None from a null interface, got %v", v)
	}
	fx.expectNoWarnings()
}

func TestInterfaceContext(t *testing.T) {
	fx, iface, _ := interfaceFixture(t)
	health := fx.class.AddProperty(NewProperty("Health", KindInt))
	user := fx.class.AddProperty(InterfaceProperty("User", iface))
	obj := fx.spawn()
	target, err := fx.vm.NewObject(fx.class, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	target.Set("Health", int32(9))
	obj.Set("User", Interface{Object: target, Iface: iface})

	v := fx.eval(obj, func(b *Builder) {
		b.Context(func() { b.InterfaceContext().InstanceVariable(user) }, health, func() {
			b.InstanceVariable(health)
		})
	})
	if got := AsInt(v); got != 9 {
		t.Errorf("Expected 9 through the interface, got %d", got)
	}
	fx.expectNoWarnings()
}

// ---------------------------------------------------------------------------
// Structs and bools
// ---------------------------------------------------------------------------

// pairFixture declares struct Pair { int A = 42; bool B; } and gives the
// fixture class two Pair variables and an array of Pairs.
func pairFixture(t *testing.T) (*fixture, *Struct, *Property) {
	fx := newFixture(t)
	st := fx.pkg.AddStruct(NewStruct("Pair", nil))
	a := st.AddField(NewProperty("A", KindInt))
	st.AddField(NewProperty("B", KindBool))
	st.SetDefault("A", int32(42))
	fx.class.AddProperty(StructProperty("P", st))
	fx.class.AddProperty(StructProperty("Q", st))
	fx.class.AddProperty(ArrayProperty("D", StructProperty("", st)))
	return fx, st, a
}

func TestArrayLengthBuildsStructDefaults(t *testing.T) {
	fx, _, _ := pairFixture(t)
	d := fx.class.FindProperty("D")
	grow := fx.function("Grow", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Let().DynArrayLength().InstanceVariable(d)
		b.Int(3)
		b.Return().Nothing()
	})
	obj := fx.spawn()

	fx.call(obj, grow)
	arr := AsArray(obj.Get("D"))
	if len(arr) != 3 {
		t.Fatalf("Expected 3 elements, got %d", len(arr))
	}
	if got := FormatValue(arr[2]); got != "(A=42,B=False)" {
		t.Errorf("D[2] = %s, want (A=42,B=False)", got)
	}
	if arr[0] == arr[1] {
		t.Error("Elements share one struct value")
	}
	fx.expectNoWarnings()
}

func TestStructCompare(t *testing.T) {
	fx, st, a := pairFixture(t)
	p, q := fx.class.FindProperty("P"), fx.class.FindProperty("Q")
	cmp := func(b *Builder, eq bool) {
		if eq {
			b.StructCmpEq(st)
		} else {
			b.StructCmpNe(st)
		}
		b.InstanceVariable(p)
		b.InstanceVariable(q)
	}
	bump := fx.function("Bump", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Let().StructMember(a, st, false).InstanceVariable(q)
		b.Int(7)
		b.Return().Nothing()
	})
	obj := fx.spawn()

	if !AsBool(fx.eval(obj, func(b *Builder) { cmp(b, true) })) {
		t.Error("Two default structs should compare equal")
	}
	fx.call(obj, bump)
	if !AsBool(fx.eval(obj, func(b *Builder) { cmp(b, false) })) {
		t.Error("Structs should differ after assigning Q.A")
	}
	if AsBool(fx.eval(obj, func(b *Builder) { cmp(b, true) })) {
		t.Error("StructCmpEq should be false after assigning Q.A")
	}
	if got := FormatValue(obj.Get("P")); got != "(A=42,B=False)" {
		t.Errorf("P changed to %s", got)
	}
}

func TestStructMemberCopy(t *testing.T) {
	fx, st, a := pairFixture(t)
	q := fx.class.FindProperty("Q")
	obj := fx.spawn()
	obj.Get("Q").(*StructValue).Fields[a.Offset] = int32(5)

	v := fx.eval(obj, func(b *Builder) { b.StructMember(a, st, true).InstanceVariable(q) })
	if got := AsInt(v); got != 5 {
		t.Errorf("Expected Q.A = 5, got %d", got)
	}
	v = fx.eval(obj, func(b *Builder) { b.StructMember(a, st, true).NoObject() })
	if got := AsInt(v); got != 42 {
		t.Errorf("A None struct should read the default 42, got %d", got)
	}
}

func TestBoolVariableMasks(t *testing.T) {
	fx := newFixture(t)
	first := fx.class.AddProperty(NewProperty("bFirst", KindBool))
	second := fx.class.AddProperty(NewProperty("bSecond", KindBool))
	third := fx.class.AddProperty(NewProperty("bThird", KindBool))
	if first.Offset != second.Offset || second.Offset != third.Offset {
		t.Fatalf("Expected packed bools, got offsets %d %d %d", first.Offset, second.Offset, third.Offset)
	}
	set := func(p *Property, v bool) *Function {
		return fx.function(Name("Set"+string(p.Name)+boolString(v)), nil, nil, nil, func(b *Builder, _ *Function) {
			b.LetBool().BoolVariable().InstanceVariable(p)
			if v {
				b.True()
			} else {
				b.False()
			}
			b.Return().Nothing()
		})
	}
	setSecond, setThird, clearSecond := set(second, true), set(third, true), set(second, false)
	obj := fx.spawn()

	fx.call(obj, setSecond)
	if got := obj.Slots[first.Offset]; got != uint32(2) {
		t.Errorf("Expected cell 2 after setting bSecond, got %v", got)
	}
	if AsBool(obj.Get("bFirst")) || !AsBool(obj.Get("bSecond")) || AsBool(obj.Get("bThird")) {
		t.Error("Setting bSecond touched its neighbours")
	}
	if !AsBool(fx.eval(obj, func(b *Builder) { b.BoolVariable().InstanceVariable(second) })) {
		t.Error("BoolVariable should read bSecond as true")
	}
	if AsBool(fx.eval(obj, func(b *Builder) { b.BoolVariable().InstanceVariable(first) })) {
		t.Error("BoolVariable should read bFirst as false")
	}

	fx.call(obj, setThird)
	fx.call(obj, clearSecond)
	if got := obj.Slots[first.Offset]; got != uint32(4) {
		t.Errorf("Expected cell 4, got %v", got)
	}
	fx.expectNoWarnings()
}
