package vm

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

// patrolPackage builds a package exercising properties, defaults, a
// function and labelled state code.
func patrolPackage(t *testing.T) (*fixture, *Function) {
	fx := newFixture(t)
	fx.class.AddProperty(NewProperty("Health", KindInt))
	fx.class.AddProperty(ArrayProperty("Tags", NewProperty("", KindName)))
	woke := fx.class.AddProperty(NewProperty("Woke", KindInt))
	fx.class.AddProperty(NewProperty("bAlert", KindBool))

	a := NewProperty("a", KindInt)
	compute := fx.function("Compute", NewProperty("ReturnValue", KindInt), nil, []*Property{a}, func(b *Builder, _ *Function) {
		b.Let().LocalVariable(a)
		binOp(b, 146, intConst(b, 7), func() {
			binOp(b, 144, intConst(b, 3), intConst(b, 2))
		})
		b.Return().LocalVariable(a)
	})

	patrol := NewState("Patrol", nil)
	patrol.Auto = true
	fx.class.AddState(patrol)
	b := NewBuilder(fx.pkg)
	b.Mark(b.NamedLabel("Begin"))
	b.Let().InstanceVariable(woke).IntOne()
	b.Stop()
	b.BuildState(patrol)

	fx.class.SetDefault("Health", int32(100))
	fx.class.SetDefault("Tags", []Value{Name("Guard"), Name("Night")})
	fx.class.SetDefault("bAlert", true)
	return fx, compute
}

func TestPackageRoundTrip(t *testing.T) {
	fx, compute := patrolPackage(t)
	data, err := MarshalPackage(fx.pkg)
	if err != nil {
		t.Fatalf("MarshalPackage: %v", err)
	}

	p, err := UnmarshalPackage(data)
	if err != nil {
		t.Fatalf("UnmarshalPackage: %v", err)
	}
	vm := New(Config{})
	vm.AddPackage(p)
	c := vm.FindClass("Actor")
	if c == nil || c.Package != p {
		t.Fatal("Actor not found in the decoded package")
	}
	if c.Super != ObjectClass {
		t.Errorf("Expected Actor to extend Core.Object, got %v", c.Super)
	}

	obj, err := vm.NewObject(c, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := AsInt(obj.Get("Health")); got != 100 {
		t.Errorf("Expected Health 100, got %d", got)
	}
	if got := AsArray(obj.Get("Tags")); len(got) != 2 || AsName(got[1]) != "Night" {
		t.Errorf("Unexpected Tags %v", got)
	}
	if !AsBool(obj.Get("bAlert")) {
		t.Error("bAlert default was lost")
	}
	if obj.StateName() != "Patrol" {
		t.Errorf("Expected the auto state Patrol, got %s", obj.StateName())
	}
	if err := vm.Tick(0); err != nil {
		t.Fatal(err)
	}
	if AsInt(obj.Get("Woke")) != 1 {
		t.Error("Decoded state code did not run")
	}

	fn := c.FindFunction("Compute")
	v, err := vm.ExecuteFunction(obj, fn)
	if err != nil {
		t.Fatal(err)
	}
	if AsInt(v) != 13 {
		t.Errorf("Expected 13, got %v", v)
	}
	if DisassembleFunction(fn) != DisassembleFunction(compute) {
		t.Errorf("Listings differ:\n%s\n---\n%s", DisassembleFunction(fn), DisassembleFunction(compute))
	}
}

func TestPackageEncodingIsDeterministic(t *testing.T) {
	fx, _ := patrolPackage(t)
	a, err := MarshalPackage(fx.pkg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalPackage(fx.pkg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("Encoding the same package twice gave different bytes")
	}
}

func TestPackageFile(t *testing.T) {
	fx, _ := patrolPackage(t)
	path := filepath.Join(t.TempDir(), "Test.spk")
	if err := WritePackageFile(path, fx.pkg); err != nil {
		t.Fatal(err)
	}
	p, err := ReadPackageFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Test" || p.FindClass("Actor") == nil {
		t.Errorf("Unexpected package %v", p)
	}
}

func TestLoadPackageResolvesDependencies(t *testing.T) {
	fx, _ := patrolPackage(t)
	base, err := MarshalPackage(fx.pkg)
	if err != nil {
		t.Fatal(err)
	}

	game := NewPackage("Game")
	guard := game.AddClass(NewClass("Guard", fx.class))
	guard.AddProperty(NewProperty("Rank", KindInt))
	data, err := MarshalPackage(game, fx.pkg)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := UnmarshalPackage(data); !errors.Is(err, ErrUnresolvedRef) {
		t.Errorf("Expected ErrUnresolvedRef without the base package, got %v", err)
	}

	vm := New(Config{})
	if _, err := vm.LoadPackage(bytes.NewReader(base)); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.LoadPackage(bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	c := vm.FindClass("Guard")
	if c == nil || c.Super != vm.FindClass("Actor") {
		t.Fatal("Guard does not extend the loaded Actor")
	}
	obj, err := vm.NewObject(c, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if AsInt(obj.Get("Health")) != 100 {
		t.Error("Inherited default was lost")
	}
	if obj.StateName() != "Patrol" {
		t.Errorf("Expected the inherited auto state, got %s", obj.StateName())
	}
}

func TestUnmarshalBadPackage(t *testing.T) {
	if _, err := UnmarshalPackage([]byte("not cbor")); !errors.Is(err, ErrBadPackageFile) {
		t.Errorf("Expected ErrBadPackageFile, got %v", err)
	}

	data, err := cbor.Marshal(map[int]any{1: "XYZ", 2: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalPackage(data); !errors.Is(err, ErrBadPackageFile) {
		t.Errorf("Expected ErrBadPackageFile for a bad magic, got %v", err)
	}
}
