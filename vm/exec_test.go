package vm

import (
	"strings"
	"testing"
)

func execString(t *testing.T, vm *VM, cmd string) string {
	t.Helper()
	var sb strings.Builder
	if !vm.Exec(cmd, &sb) {
		t.Fatalf("%q was not recognised", cmd)
	}
	return sb.String()
}

func TestExecObjList(t *testing.T) {
	sx := newStateFixture(t)
	sx.spawn()
	if _, err := sx.vm.NewObject(sx.class, nil, "Sentry"); err != nil {
		t.Fatal(err)
	}

	out := execString(t, sx.vm, "obj list")
	if !strings.Contains(out, "Sentry") || !strings.Contains(out, "state Idle") {
		t.Errorf("Unexpected listing:\n%s", out)
	}
	if !strings.HasSuffix(out, "2 objects\n") {
		t.Errorf("Expected 2 objects:\n%s", out)
	}

	out = execString(t, sx.vm, "OBJ LIST Nothing")
	if !strings.Contains(out, "Unknown class Nothing") {
		t.Errorf("Expected an unknown class message, got %q", out)
	}
}

func TestExecObjDump(t *testing.T) {
	fx := newFixture(t)
	fx.class.AddProperty(NewProperty("Health", KindInt))
	fx.class.AddProperty(NewProperty("Slots", KindByte).Static(2))
	obj := fx.spawn()
	obj.Set("Health", int32(42))

	out := execString(t, fx.vm, "OBJ DUMP "+string(obj.Name))
	for _, want := range []string{"Health=42", "Slots[1]=0"} {
		if !strings.Contains(out, want) {
			t.Errorf("Dump lacks %q:\n%s", want, out)
		}
	}
}

func TestExecGotoState(t *testing.T) {
	sx := newStateFixture(t)
	obj := sx.spawn()

	out := execString(t, sx.vm, "GOTOSTATE "+string(obj.Name)+" Attacking")
	if out != string(obj.Name)+": success\n" {
		t.Errorf("Unexpected output %q", out)
	}
	if obj.StateName() != "Attacking" {
		t.Errorf("Expected Attacking, got %s", obj.StateName())
	}
	out = execString(t, sx.vm, "GOTOSTATE "+string(obj.Name)+" Fleeing")
	if !strings.Contains(out, "not found") {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestExecCallEvent(t *testing.T) {
	fx := newFixture(t)
	hits := fx.class.AddProperty(NewProperty("Hits", KindInt))
	fx.function("Ping", nil, nil, nil, func(b *Builder, _ *Function) {
		b.Let().InstanceVariable(hits)
		binOp(b, 146, func() { b.InstanceVariable(hits) }, func() { b.IntOne() })
		b.Return().Nothing()
	})
	a := fx.spawn()
	b, err := fx.vm.NewObject(fx.class, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	if out := execString(t, fx.vm, "CE Ping"); out != "Called Ping on 2 objects\n" {
		t.Errorf("Unexpected output %q", out)
	}
	if out := execString(t, fx.vm, "CE Ping "+string(b.Name)); out != "Called Ping on 1 objects\n" {
		t.Errorf("Unexpected output %q", out)
	}
	if AsInt(a.Get("Hits")) != 1 || AsInt(b.Get("Hits")) != 2 {
		t.Errorf("Unexpected hit counts %v, %v", a.Get("Hits"), b.Get("Hits"))
	}
}

func TestExecDisasm(t *testing.T) {
	sx := newStateFixture(t)
	sx.spawn()

	out := execString(t, sx.vm, "DISASM Actor.Attacking")
	if !strings.HasPrefix(out, "state Actor.Attacking\n") || !strings.Contains(out, "Sleep") {
		t.Errorf("Unexpected state listing:\n%s", out)
	}
	out = execString(t, sx.vm, "DISASM Actor.BeginState")
	if !strings.Contains(out, "has no bytecode") {
		t.Errorf("Expected a native function message, got %q", out)
	}
}

func TestExecScriptWarnings(t *testing.T) {
	fx := newFixture(t)
	obj := fx.spawn()
	fx.eval(obj, func(b *Builder) {
		binOp(b, 145, intConst(b, 1), intConst(b, 0))
	})
	if out := execString(t, fx.vm, "SCRIPT WARNINGS"); out != "1 script warnings\n" {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestExecUnknown(t *testing.T) {
	vm := New(Config{})
	var sb strings.Builder
	for _, cmd := range []string{"MEMSTATS", "OBJ FROB", "SCRIPTING"} {
		if vm.Exec(cmd, &sb) {
			t.Errorf("%q should not be recognised", cmd)
		}
	}
}
