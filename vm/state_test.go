package vm

import (
	"fmt"
	"slices"
	"testing"
)

// stateFixture declares Idle (auto), Combat and Attacking extends Combat.
// BeginState and EndState are recorded in order.
type stateFixture struct {
	*fixture
	events []string
	woke   *Property
}

func newStateFixture(t *testing.T) *stateFixture {
	sx := &stateFixture{fixture: newFixture(t)}
	c := sx.class

	record := func(tag string) NativeFunc {
		return func(ctx *Object, f *Frame, result *Value) {
			other := f.EvalName()
			f.Finish()
			sx.events = append(sx.events, fmt.Sprintf("%s %s %s", tag, ctx.StateName(), other))
		}
	}
	begin := NewFunction("BeginState", FuncEvent)
	begin.AddParam(NewProperty("PreviousStateName", KindName))
	begin.Impl = record("BeginState")
	c.AddFunction(begin)
	end := NewFunction("EndState", FuncEvent)
	end.AddParam(NewProperty("NextStateName", KindName))
	end.Impl = record("EndState")
	c.AddFunction(end)

	sx.woke = c.AddProperty(NewProperty("Woke", KindInt))

	idle := NewState("Idle", nil)
	idle.Auto = true
	c.AddState(idle)
	combat := c.AddState(NewState("Combat", nil))
	attacking := c.AddState(NewState("Attacking", combat))

	// Attacking: Begin: Sleep(1.0); Woke = 1; Stop;
	b := NewBuilder(sx.pkg)
	b.Mark(b.NamedLabel("Begin"))
	b.Call(ObjectClass.FindFunction("Sleep")).FloatConst(1).EndFunctionParms()
	b.Let().InstanceVariable(sx.woke).IntOne()
	b.Stop()
	b.BuildState(attacking)
	return sx
}

func TestAutoState(t *testing.T) {
	sx := newStateFixture(t)
	obj := sx.spawn()

	if obj.StateName() != "Idle" {
		t.Fatalf("Expected the auto state Idle, got %s", obj.StateName())
	}
	if !slices.Equal(sx.events, []string{"BeginState Idle None"}) {
		t.Errorf("Unexpected events %v", sx.events)
	}
}

// TestGotoStateExtends moves into a state that extends another.
func TestGotoStateExtends(t *testing.T) {
	sx := newStateFixture(t)
	obj := sx.spawn()
	sx.events = nil

	res, err := sx.vm.GotoState(obj, "Attacking", "")
	if err != nil || res != GotoSuccess {
		t.Fatalf("GotoState: %v, %v", res, err)
	}
	if !sx.vm.IsInState(obj, "Attacking", false) {
		t.Error("IsInState('Attacking') should be true")
	}
	if !sx.vm.IsInState(obj, "Combat", false) {
		t.Error("IsInState('Combat') should be true")
	}
	if sx.vm.IsInState(obj, "Idle", false) {
		t.Error("IsInState('Idle') should be false")
	}
	want := []string{"EndState Idle Attacking", "BeginState Attacking Idle"}
	if !slices.Equal(sx.events, want) {
		t.Errorf("Expected %v, got %v", want, sx.events)
	}
	if obj.LatentAction() != 0 {
		t.Errorf("Expected no latent action, got %d", obj.LatentAction())
	}
	sx.expectNoWarnings()
}

func TestGotoSameStateSkipsEvents(t *testing.T) {
	sx := newStateFixture(t)
	obj := sx.spawn()
	sx.events = nil

	if res, _ := sx.vm.GotoState(obj, "Idle", ""); res != GotoSuccess {
		t.Fatalf("GotoState: %v", res)
	}
	if len(sx.events) != 0 {
		t.Errorf("Re-entering the current state fired %v", sx.events)
	}
}

func TestGotoStateNotFound(t *testing.T) {
	sx := newStateFixture(t)
	obj := sx.spawn()

	res, err := sx.vm.GotoState(obj, "Fleeing", "")
	if err != nil {
		t.Fatal(err)
	}
	if res != GotoNotFound {
		t.Errorf("Expected not found, got %v", res)
	}
	if obj.StateName() != "Idle" {
		t.Errorf("A failed GotoState changed the state to %s", obj.StateName())
	}
}

func TestStateCodeSleep(t *testing.T) {
	sx := newStateFixture(t)
	obj := sx.spawn()
	if _, err := sx.vm.GotoState(obj, "Attacking", ""); err != nil {
		t.Fatal(err)
	}

	if err := sx.vm.Tick(0.1); err != nil {
		t.Fatal(err)
	}
	if obj.LatentAction() != latentSleep {
		t.Fatalf("Expected Sleep to be pending, got %d", obj.LatentAction())
	}
	if AsInt(obj.Get("Woke")) != 0 {
		t.Error("State code ran past Sleep")
	}

	if err := sx.vm.Tick(1.0); err != nil {
		t.Fatal(err)
	}
	if obj.LatentAction() != 0 {
		t.Errorf("Sleep did not expire")
	}
	if AsInt(obj.Get("Woke")) != 1 {
		t.Error("State code did not resume after Sleep")
	}

	// Stop ended the code; further ticks are no-ops.
	if err := sx.vm.Tick(1.0); err != nil {
		t.Fatal(err)
	}
}

func TestPushPopState(t *testing.T) {
	sx := newStateFixture(t)
	obj := sx.spawn()
	push := ObjectClass.FindFunction("PushState")
	pop := ObjectClass.FindFunction("PopState")

	sx.eval(obj, func(b *Builder) {
		b.Call(push).NameConst("Combat").EndFunctionParms()
	})
	if obj.StateName() != "Combat" || obj.StateFrame.StateDepth() != 1 {
		t.Fatalf("PushState: state %s depth %d", obj.StateName(), obj.StateFrame.StateDepth())
	}
	if sx.vm.IsInState(obj, "Idle", false) {
		t.Error("Idle is only on the stack")
	}
	if !sx.vm.IsInState(obj, "Idle", true) {
		t.Error("Idle should be found on the stack")
	}

	sx.eval(obj, func(b *Builder) {
		b.Call(pop).EndFunctionParms()
	})
	if obj.StateName() != "Idle" || obj.StateFrame.StateDepth() != 0 {
		t.Errorf("PopState: state %s depth %d", obj.StateName(), obj.StateFrame.StateDepth())
	}

	sx.eval(obj, func(b *Builder) {
		b.Call(pop).EndFunctionParms()
	})
	sx.expectWarning("PopState with an empty state stack")
}

func TestIsInStateNative(t *testing.T) {
	sx := newStateFixture(t)
	obj := sx.spawn()
	isInState := ObjectClass.FindFunction("IsInState")
	if _, err := sx.vm.GotoState(obj, "Attacking", ""); err != nil {
		t.Fatal(err)
	}

	v := sx.eval(obj, func(b *Builder) {
		b.Call(isInState).NameConst("Combat").EndFunctionParms()
	})
	if !AsBool(v) {
		t.Error("IsInState('Combat') from script should be true")
	}
}
