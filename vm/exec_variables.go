package vm

// ---------------------------------------------------------------------------
// Variable access
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(int(OpLocalVariable), "LocalVariable", execLocalVariable)
	RegisterNative(int(OpLocalOutVariable), "LocalOutVariable", execLocalVariable)
	RegisterNative(int(OpNativeParm), "NativeParm", execLocalVariable)
	RegisterNative(int(OpInstanceVariable), "InstanceVariable", execInstanceVariable)
	RegisterNative(int(OpDefaultVariable), "DefaultVariable", execDefaultVariable)
	RegisterNative(int(OpStateVariable), "StateVariable", execStateVariable)
	RegisterNative(int(OpBoolVariable), "BoolVariable", execBoolVariable)
	RegisterNative(int(OpStructMember), "StructMember", execStructMember)
	RegisterNative(int(OpArrayElement), "ArrayElement", execArrayElement)
	RegisterNative(int(OpDynArrayElement), "DynArrayElement", execDynArrayElement)

	RegisterNative(int(OpLet), "Let", execLet)
	RegisterNative(int(OpLetBool), "LetBool", execLet)
	RegisterNative(int(OpLetDelegate), "LetDelegate", execLet)
}

// variable publishes the address of a variable and reads it when a result
// is wanted.
func (vm *VM) variable(addr Addr, p *Property, result *Value) {
	vm.addr, vm.prop = addr, p
	if result == nil {
		return
	}
	if !addr.Valid() || p == nil {
		*result = zeroOf(p)
		return
	}
	*result = p.Load(addr.Load())
}

// zeroOf is what a read through None yields for p.
func zeroOf(p *Property) Value {
	if p == nil {
		return nil
	}
	return p.Load(p.Zero())
}

func execLocalVariable(ctx *Object, f *Frame, result *Value) {
	p := f.ReadProperty()
	if p == nil {
		f.Fatalf(ErrBadBytecode, "local variable without property")
	}
	f.vm.variable(Addr{f.Locals, p.Offset}, p, result)
}

func execInstanceVariable(ctx *Object, f *Frame, result *Value) {
	p := f.ReadProperty()
	if p == nil {
		f.Fatalf(ErrBadBytecode, "instance variable without property")
	}
	f.vm.variable(Addr{ctx.Slots, p.Offset}, p, result)
}

func execDefaultVariable(ctx *Object, f *Frame, result *Value) {
	p := f.ReadProperty()
	if p == nil {
		f.Fatalf(ErrBadBytecode, "default variable without property")
	}
	ctx.Class.Link()
	f.vm.variable(Addr{ctx.Class.Default.Slots, p.Offset}, p, result)
}

func execStateVariable(ctx *Object, f *Frame, result *Value) {
	p := f.ReadProperty()
	sf := ctx.StateFrame
	if sf == nil || p == nil || p.Offset >= len(sf.Locals) {
		f.Warnf("Accessed state variable '%s' outside its state", p)
		f.vm.variable(Addr{}, p, result)
		return
	}
	f.vm.variable(Addr{sf.Locals, p.Offset}, p, result)
}

// execBoolVariable reads a bool through its bit mask. The inner token
// supplies the cell.
func execBoolVariable(ctx *Object, f *Frame, result *Value) {
	vm := f.vm
	f.Step(ctx, nil)
	if result == nil {
		return
	}
	if !vm.addr.Valid() || vm.prop == nil {
		*result = false
		return
	}
	*result = vm.prop.Load(vm.addr.Load())
}

// execStructMember addresses a field of a struct. With the copy flag the
// struct expression is evaluated as an r-value and the member is read from
// that copy.
func execStructMember(ctx *Object, f *Frame, result *Value) {
	vm := f.vm
	member := f.ReadProperty()
	st := f.ReadStruct()
	copyStruct := f.ReadByte() != 0
	f.ReadByte() // modifies

	if copyStruct {
		var v Value
		f.Step(ctx, &v)
		s := asStruct(v)
		if s == nil {
			s = st.New()
		}
		vm.variable(Addr{s.Fields, member.Offset}, member, result)
		return
	}

	readOnly := vm.readOnly
	if result != nil {
		vm.readOnly = true
	}
	vm.addr, vm.prop = Addr{}, nil
	f.Step(ctx, nil)
	vm.readOnly = readOnly

	addr := vm.addr
	if !addr.Valid() {
		vm.variable(Addr{}, member, result)
		return
	}
	s := asStruct(addr.Load())
	if s == nil {
		s = st.New()
		if result == nil {
			*addr.Ptr() = s
		}
	}
	vm.variable(Addr{s.Fields, member.Offset}, member, result)
}

// execArrayElement indexes a static array. Out of range accesses warn and
// address nothing.
func execArrayElement(ctx *Object, f *Frame, result *Value) {
	vm := f.vm
	var idx Value
	readOnly := vm.readOnly
	vm.readOnly = false
	f.Step(f.Object, &idx)
	vm.readOnly = readOnly

	vm.addr, vm.prop = Addr{}, nil
	f.Step(ctx, nil)
	addr, p := vm.addr, vm.prop
	if !addr.Valid() || p == nil {
		vm.variable(Addr{}, p, result)
		return
	}
	i := int(asInt(idx))
	if i < 0 || i >= p.Dim() {
		f.Warnf("Accessed array '%s' out of bounds (%d/%d)", p.Name, i, p.Dim())
		vm.variable(Addr{}, p, result)
		return
	}
	vm.variable(addr.Offset(i), p, result)
}

// execDynArrayElement indexes a dynamic array. Writes past the end grow the
// array; reads past the end warn and yield zero.
func execDynArrayElement(ctx *Object, f *Frame, result *Value) {
	vm := f.vm
	var idx Value
	readOnly := vm.readOnly
	vm.readOnly = false
	f.Step(f.Object, &idx)

	vm.addr, vm.prop = Addr{}, nil
	f.Step(ctx, nil)
	vm.readOnly = readOnly
	addr, p := vm.addr, vm.prop
	var inner *Property
	if p != nil {
		inner = p.Inner
	}
	if !addr.Valid() || inner == nil {
		vm.variable(Addr{}, inner, result)
		return
	}

	arr := asArray(addr.Load())
	i := int(asInt(idx))
	if i >= len(arr) && i >= 0 && result == nil && !readOnly {
		arr = resize(arr, i+1, inner)
		*addr.Ptr() = arr
	}
	if i < 0 || i >= len(arr) {
		f.Warnf("Accessed array '%s' out of bounds (%d/%d)", p.Name, i, len(arr))
		vm.variable(Addr{}, inner, result)
		return
	}
	vm.variable(Addr{arr, i}, inner, result)
}

// ---------------------------------------------------------------------------
// Assignment
// ---------------------------------------------------------------------------

// execLet assigns the right-hand value to the left-hand variable. It serves
// Let, LetBool and LetDelegate: the property decides how the cell is
// written. Assigning to an array's Length resizes the array.
func execLet(ctx *Object, f *Frame, result *Value) {
	vm := f.vm
	vm.addr, vm.prop, vm.arrayLength, vm.accessedNone = Addr{}, nil, false, false
	f.Step(ctx, nil)
	addr, p, setLength, reported := vm.addr, vm.prop, vm.arrayLength, vm.accessedNone
	vm.arrayLength = false

	var v Value
	f.Step(ctx, &v)

	if !addr.Valid() {
		if !reported {
			f.Warnf("Attempt to assign variable through None")
		}
		return
	}
	switch {
	case setLength:
		n := int(asInt(v))
		if n < 0 {
			f.Warnf("Attempt to set array '%s' to negative length %d", p.Name, n)
			n = 0
		}
		*addr.Ptr() = resize(asArray(addr.Load()), n, p.Inner)
	case p != nil:
		p.Store(addr.Ptr(), v)
	default:
		*addr.Ptr() = CopyValue(v)
	}
}

// resize sets the length of arr. New elements are constructed from inner's
// defaults; removed ones are cleared so they can be collected.
func resize(arr []Value, n int, inner *Property) []Value {
	if n <= len(arr) {
		clear(arr[n:])
		return arr[:n]
	}
	for len(arr) < n {
		var v Value
		if inner != nil {
			v = inner.Zero()
		}
		arr = append(arr, v)
	}
	return arr
}
