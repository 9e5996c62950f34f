package vm

import (
	"fmt"
	"strings"
	"testing"
)

// fixture is a package with one concrete class, and a VM that records the
// script warnings it raises.
type fixture struct {
	t        *testing.T
	vm       *VM
	pkg      *Package
	class    *Class
	warnings []ScriptWarning
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{t: t, pkg: NewPackage("Test")}
	fx.class = fx.pkg.AddClass(NewClass("Actor", ObjectClass))
	fx.vm = New(Config{})
	fx.vm.OnWarning = func(w ScriptWarning) {
		fx.warnings = append(fx.warnings, w)
	}
	return fx
}

// function declares a function on the fixture class and builds its body.
// Parameters and locals are declared before build runs.
func (fx *fixture) function(name Name, ret *Property, params, locals []*Property, build func(b *Builder, fn *Function)) *Function {
	fn := NewFunction(name, 0)
	for _, p := range params {
		fn.AddParam(p)
	}
	for _, p := range locals {
		fn.AddLocal(p)
	}
	if ret != nil {
		fn.SetReturn(ret)
	}
	fx.class.AddFunction(fn)
	b := NewBuilder(fx.pkg)
	build(b, fn)
	b.BuildFunction(fn)
	return fn
}

// spawn links the package and creates an instance of the fixture class.
func (fx *fixture) spawn() *Object {
	fx.t.Helper()
	fx.vm.AddPackage(fx.pkg)
	obj, err := fx.vm.NewObject(fx.class, nil, "")
	if err != nil {
		fx.t.Fatalf("NewObject failed: %v", err)
	}
	return obj
}

func (fx *fixture) call(obj *Object, fn *Function, args ...Value) Value {
	fx.t.Helper()
	v, err := fx.vm.ExecuteFunction(obj, fn, args...)
	if err != nil {
		fx.t.Fatalf("%s failed: %v", fn.FullName(), err)
	}
	return v
}

// eval runs expr as the returned expression of a new function on obj.
func (fx *fixture) eval(obj *Object, expr func(b *Builder)) Value {
	fx.t.Helper()
	name := Name(fmt.Sprintf("Eval%d", len(fx.class.Functions)))
	fn := fx.function(name, nil, nil, nil, func(b *Builder, _ *Function) {
		b.Return()
		expr(b)
	})
	return fx.call(obj, fn)
}

// expectWarning fails unless a recorded warning contains text.
func (fx *fixture) expectWarning(text string) {
	fx.t.Helper()
	for _, w := range fx.warnings {
		if strings.Contains(w.Message, text) {
			return
		}
	}
	fx.t.Errorf("no warning containing %q; got %v", text, fx.warnings)
}

func (fx *fixture) expectNoWarnings() {
	fx.t.Helper()
	if len(fx.warnings) != 0 {
		fx.t.Errorf("unexpected warnings: %v", fx.warnings)
	}
}

// binOp emits a two-operand native call.
func binOp(b *Builder, native int, a, c func()) {
	b.Native(native)
	a()
	c()
	b.EndFunctionParms()
}

func intConst(b *Builder, v int32) func() {
	return func() { b.Int(v) }
}
