package vm

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/chazu/strata/malloc"
	"github.com/chazu/strata/mprof"
	"github.com/tliron/commonlog"
)

var (
	log       = commonlog.GetLogger("vm")
	scriptLog = commonlog.GetLogger("script")
)

// ---------------------------------------------------------------------------
// VM: the script virtual machine
// ---------------------------------------------------------------------------

// Config holds the interpreter limits and modes.
type Config struct {
	// MaxRecursion caps nested script calls.
	MaxRecursion int
	// MaxRunaway caps backward jumps between ticks.
	MaxRunaway int
	// TreatWarningsAsErrors turns every script warning into a fatal error.
	TreatWarningsAsErrors bool
	// DebugAsserts makes every failed assertion fatal.
	DebugAsserts bool
	// Seed seeds the script random number generator.
	Seed uint64
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxRecursion: 250,
		MaxRunaway:   1000000,
	}
}

// VM runs script objects. It is not safe for concurrent use: all calls come
// from the game thread.
type VM struct {
	Config

	// Debugger, when set, receives DebugInfo tokens and diagnostics.
	Debugger Debugger
	// Tracker attributes allocations to script callstacks.
	Tracker *mprof.ScriptTracker
	// OnWarning observes script warnings after they are logged.
	OnWarning func(ScriptWarning)

	packages   []*Package
	objects    []*Object
	byName     map[string]*Object
	nameCounts map[string]int

	warnings int
	depth    int
	runaway  int
	top      *Frame
	rng      *rand.Rand

	// addr and prop are set by variable tokens: the location and type of
	// the last variable evaluated.
	addr Addr
	prop *Property
	// arrayLength marks that the last l-value was an array's Length.
	arrayLength bool
	// accessedNone marks that a context expression hit None and warned.
	accessedNone bool
	// readOnly keeps dynamic array reads made for struct members from
	// growing the array.
	readOnly bool
}

// New creates a VM with the core package loaded.
func New(cfg Config) *VM {
	def := DefaultConfig()
	if cfg.MaxRecursion <= 0 {
		cfg.MaxRecursion = def.MaxRecursion
	}
	if cfg.MaxRunaway <= 0 {
		cfg.MaxRunaway = def.MaxRunaway
	}
	vm := &VM{
		Config:     cfg,
		byName:     map[string]*Object{},
		nameCounts: map[string]int{},
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	vm.packages = append(vm.packages, Core)
	return vm
}

// AddPackage links p and makes its classes available.
func (vm *VM) AddPackage(p *Package) {
	p.Link()
	vm.packages = append(vm.packages, p)
	log.Infof("loaded package %s: %d classes, %d structs", p.Name, len(p.Classes), len(p.Structs))
}

// Packages returns the loaded packages, core first.
func (vm *VM) Packages() []*Package { return vm.packages }

// FindClass finds a class in any loaded package.
func (vm *VM) FindClass(name Name) *Class {
	for _, p := range vm.packages {
		if c := p.FindClass(name); c != nil {
			return c
		}
	}
	return nil
}

// FindFunction resolves "Class.Function" or "Class.State.Function".
func (vm *VM) FindFunction(path string) (*Function, error) {
	parts := splitPath(path)
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, path)
	}
	c := vm.FindClass(Name(parts[0]))
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, parts[0])
	}
	var fn *Function
	if len(parts) == 3 {
		s := c.FindState(Name(parts[1]))
		if s == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownState, parts[0], parts[1])
		}
		fn = s.FindFunction(Name(parts[2]))
	} else {
		fn = c.FindFunction(Name(parts[1]))
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, path)
	}
	return fn, nil
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}

// Warnings returns the number of script warnings reported so far.
func (vm *VM) Warnings() int { return vm.warnings }

// Rand returns the script random number generator.
func (vm *VM) Rand() *rand.Rand { return vm.rng }

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// Objects returns the live objects in creation order.
func (vm *VM) Objects() []*Object { return vm.objects }

// FindObject finds a live object by name.
func (vm *VM) FindObject(name Name) *Object { return vm.byName[key(name)] }

// NewObject creates an instance of class. A None name is generated from the
// class name. Entering the auto state can run script, so errors from it are
// returned.
func (vm *VM) NewObject(class *Class, outer *Object, name Name) (obj *Object, err error) {
	if class == nil {
		return nil, ErrUnknownClass
	}
	if class.Flags&(ClassAbstract|ClassInterface) != 0 {
		return nil, fmt.Errorf("%w: %s", ErrAbstractClass, class.Name)
	}
	defer vm.guard(&err)
	return vm.newObject(class, outer, name), nil
}

func (vm *VM) newObject(class *Class, outer *Object, name Name) *Object {
	class.Link()
	if name.IsNone() {
		k := key(class.Name)
		name = Name(fmt.Sprintf("%s_%d", class.Name, vm.nameCounts[k]))
		vm.nameCounts[k]++
	}
	obj := &Object{
		Name:  name,
		Class: class,
		Outer: outer,
		Slots: make([]Value, class.NumSlots),
	}
	for i, v := range class.Default.Slots {
		obj.Slots[i] = CopyValue(v)
	}

	if vm.Tracker != nil {
		vm.Tracker.BeginAllocateObject(string(class.Name))
	}
	if class.NativeSize > 0 && malloc.GMalloc() != nil {
		obj.Native = malloc.Malloc(class.NativeSize, malloc.DefaultAlignment)
	}
	if vm.Tracker != nil {
		vm.Tracker.EndAllocateObject()
	}

	if class.HasStates() {
		obj.StateFrame = newStateFrame(vm, obj)
	}
	vm.objects = append(vm.objects, obj)
	vm.byName[key(name)] = obj

	if !class.AutoState.IsNone() {
		vm.gotoState(obj, class.AutoState, "Begin", false, false)
	}
	return obj
}

// Destroy fires Destroyed, releases the native block and removes the
// object from the VM. References to it read as pending kill.
func (vm *VM) Destroy(obj *Object) (err error) {
	if obj == nil || obj.IsPendingKill() {
		return nil
	}
	defer vm.guard(&err)
	vm.destroy(obj)
	return nil
}

func (vm *VM) destroy(obj *Object) {
	if obj.IsPendingKill() {
		return
	}
	vm.event(obj, "Destroyed")
	obj.Flags |= ObjectPendingKill
	if sf := obj.StateFrame; sf != nil {
		sf.Code, sf.IP = nil, 0
	}
	if obj.Native != 0 {
		malloc.Free(obj.Native)
		obj.Native = 0
	}
	if i := slices.Index(vm.objects, obj); i >= 0 {
		vm.objects = slices.Delete(vm.objects, i, i+1)
	}
	if vm.byName[key(obj.Name)] == obj {
		delete(vm.byName, key(obj.Name))
	}
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// ProcessEvent calls the named function on obj with args. Probe
// notifications the object has disabled, and functions it does not have,
// are silently skipped.
func (vm *VM) ProcessEvent(obj *Object, name Name, args ...Value) (result Value, err error) {
	if obj == nil || obj.IsPendingKill() {
		return nil, nil
	}
	defer vm.guard(&err)
	return vm.event(obj, name, args...), nil
}

// ExecuteFunction calls fn on obj with args.
func (vm *VM) ExecuteFunction(obj *Object, fn *Function, args ...Value) (result Value, err error) {
	if fn == nil {
		return nil, ErrUnknownFunction
	}
	defer vm.guard(&err)
	if vm.depth == 0 {
		vm.runaway = 0
	}
	return vm.invoke(obj, fn, args, nil), nil
}

// Tick runs Tick notifications, polls latent actions and resumes state
// code for every object.
func (vm *VM) Tick(deltaSeconds float32) (err error) {
	defer vm.guard(&err)
	vm.runaway = 0
	for _, obj := range slices.Clone(vm.objects) {
		if obj.IsPendingKill() {
			continue
		}
		vm.event(obj, "Tick", deltaSeconds)
		vm.processState(obj, deltaSeconds)
	}
	return nil
}

// event dispatches a notification without recovering.
func (vm *VM) event(obj *Object, name Name, args ...Value) Value {
	if !obj.IsProbing(name) {
		return nil
	}
	fn := obj.FindFunction(name)
	if fn == nil || !fn.HasBody() {
		return nil
	}
	if vm.depth == 0 {
		vm.runaway = 0
	}
	return vm.invoke(obj, fn, args, vm.top)
}

// invoke calls fn with Go arguments. Missing trailing arguments are left
// out as optional parameters.
func (vm *VM) invoke(obj *Object, fn *Function, args []Value, caller *Frame) Value {
	var result Value
	if fn.IsNative() {
		f := vm.nativeStub(obj, fn, args, caller)
		f.callFunction(obj, fn, &result)
		return result
	}
	f := vm.newFrame(obj, fn, caller)
	for i, p := range fn.Params {
		if i < len(args) {
			p.Store(&f.Locals[p.Offset], args[i])
		} else {
			f.omit(i)
		}
	}
	f.execute(&result)
	return result
}

// nativeStub builds a frame whose code passes args to a native function
// through NativeParm tokens. The code is cached per argument count.
func (vm *VM) nativeStub(obj *Object, fn *Function, args []Value, caller *Frame) *Frame {
	n := min(len(args), len(fn.Params))
	code, ok := fn.stubs[n]
	if !ok {
		pkg := fn.pkg()
		if pkg == nil {
			pkg = Core
		}
		b := NewBuilder(pkg)
		for i, p := range fn.Params {
			if i < n {
				b.NativeParm(p)
			} else {
				b.EmptyParmValue()
			}
		}
		b.EndFunctionParms()
		code = b.Bytes()
		if fn.stubs == nil {
			fn.stubs = map[int][]byte{}
		}
		fn.stubs[n] = code
	}
	f := vm.newFrame(obj, fn, caller)
	f.Code = code
	for i, p := range fn.Params[:n] {
		p.Store(&f.Locals[p.Offset], args[i])
	}
	return f
}

// guard recovers a ScriptError raised below an entry point.
func (vm *VM) guard(err *error) {
	r := recover()
	if r == nil {
		return
	}
	var se *ScriptError
	switch x := r.(type) {
	case *ScriptError:
		se = x
	case string:
		if x != "bytecode underflow" {
			panic(r)
		}
		se = &ScriptError{Kind: ErrBadBytecode, Message: x}
		if vm.top != nil {
			se.Function, se.Offset, se.Stack = vm.top.Location(), vm.top.IP, vm.top.Backtrace()
		}
	default:
		panic(r)
	}
	vm.addr, vm.prop, vm.arrayLength, vm.readOnly, vm.accessedNone = Addr{}, nil, false, false, false
	scriptLog.Errorf("%s", se.Error())
	*err = se
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func (vm *VM) warn(w ScriptWarning) {
	vm.warnings++
	scriptLog.Warningf("%s", w.String())
	if vm.OnWarning != nil {
		vm.OnWarning(w)
	}
	if vm.TreatWarningsAsErrors {
		panic(&ScriptError{Kind: ErrWarningAsError, Message: w.Message, Function: w.Function, Offset: w.Offset})
	}
}

func (vm *VM) checkRunaway(f *Frame) {
	vm.runaway++
	if vm.runaway <= vm.MaxRunaway {
		return
	}
	vm.runaway = 0
	if vm.Debugger != nil {
		vm.Debugger.NotifyInfiniteLoop(f)
	}
	f.Fatalf(ErrRunaway, "Runaway loop detected (over %d iterations)", vm.MaxRunaway)
}
