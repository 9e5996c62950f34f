package vm

import "slices"

// ---------------------------------------------------------------------------
// Dynamic arrays
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(int(OpDynArrayLength), "DynArrayLength", execDynArrayLength)
	RegisterNative(int(OpDynArrayInsert), "DynArrayInsert", execDynArrayInsert)
	RegisterNative(int(OpDynArrayRemove), "DynArrayRemove", execDynArrayRemove)
	RegisterNative(int(OpDynArrayAdd), "DynArrayAdd", execDynArrayAdd)
	RegisterNative(int(OpDynArrayAddItem), "DynArrayAddItem", execDynArrayAddItem)
	RegisterNative(int(OpDynArrayInsertItem), "DynArrayInsertItem", execDynArrayInsertItem)
	RegisterNative(int(OpDynArrayRemoveItem), "DynArrayRemoveItem", execDynArrayRemoveItem)
	RegisterNative(int(OpDynArrayFind), "DynArrayFind", execDynArrayFind)
	RegisterNative(int(OpDynArrayFindStruct), "DynArrayFindStruct", execDynArrayFindStruct)
	RegisterNative(int(OpDynArraySort), "DynArraySort", execDynArraySort)
}

// arrayRef evaluates an array expression for its address. inner is nil when
// the expression is not a dynamic array.
func (f *Frame) arrayRef(ctx *Object) (addr Addr, p *Property, inner *Property) {
	vm := f.vm
	vm.addr, vm.prop = Addr{}, nil
	f.Step(ctx, nil)
	addr, p = vm.addr, vm.prop
	if p != nil {
		inner = p.Inner
	}
	return addr, p, inner
}

// execDynArrayLength reads an array's length. As an l-value it marks the
// array so that assignment resizes it.
func execDynArrayLength(ctx *Object, f *Frame, result *Value) {
	vm := f.vm
	if result == nil {
		addr, p, _ := f.arrayRef(ctx)
		vm.addr, vm.prop, vm.arrayLength = addr, p, true
		return
	}
	var v Value
	f.Step(ctx, &v)
	*result = int32(len(asArray(v)))
}

func execDynArrayInsert(ctx *Object, f *Frame, result *Value) {
	addr, p, inner := f.arrayRef(ctx)
	index := int(f.EvalInt())
	count := int(f.EvalInt())
	f.Finish()
	if !addr.Valid() || inner == nil {
		return
	}
	arr := asArray(addr.Load())
	if index < 0 || index > len(arr) || count < 0 {
		f.Warnf("Attempt to insert %d elements at %d in array '%s' of %d elements", count, index, p.Name, len(arr))
		return
	}
	items := make([]Value, count)
	for i := range items {
		items[i] = inner.Zero()
	}
	*addr.Ptr() = slices.Insert(arr, index, items...)
}

func execDynArrayRemove(ctx *Object, f *Frame, result *Value) {
	addr, p, inner := f.arrayRef(ctx)
	index := int(f.EvalInt())
	count := int(f.EvalInt())
	f.Finish()
	if !addr.Valid() || inner == nil {
		return
	}
	arr := asArray(addr.Load())
	if index < 0 || count < 0 || index+count > len(arr) {
		f.Warnf("Attempt to remove %d elements at %d from array '%s' of %d elements", count, index, p.Name, len(arr))
		return
	}
	*addr.Ptr() = slices.Delete(arr, index, index+count)
}

// execDynArrayAdd appends count zero elements and yields the old length.
func execDynArrayAdd(ctx *Object, f *Frame, result *Value) {
	addr, p, inner := f.arrayRef(ctx)
	count := int(f.EvalInt())
	f.Finish()
	if !addr.Valid() || inner == nil {
		set(result, int32(0))
		return
	}
	arr := asArray(addr.Load())
	n := len(arr)
	if count < 0 {
		f.Warnf("Attempt to add %d elements to array '%s'", count, p.Name)
		set(result, int32(n))
		return
	}
	*addr.Ptr() = resize(arr, n+count, inner)
	set(result, int32(n))
}

// itemOp evaluates the array of an item intrinsic. When the array cannot be
// addressed the remaining operands are skipped and ok is false.
func (f *Frame) itemOp(ctx *Object) (addr Addr, p, inner *Property, ok bool) {
	addr, p, inner = f.arrayRef(ctx)
	skip := f.ReadCodeSkipCount()
	if !addr.Valid() || inner == nil {
		f.IP += skip
		return addr, p, inner, false
	}
	return addr, p, inner, true
}

// execDynArrayAddItem appends an item and yields its index.
func execDynArrayAddItem(ctx *Object, f *Frame, result *Value) {
	addr, _, inner, ok := f.itemOp(ctx)
	if !ok {
		set(result, int32(-1))
		return
	}
	item := f.EvalValue()
	f.Finish()
	arr := asArray(addr.Load())
	var cell Value = inner.Zero()
	inner.Store(&cell, item)
	*addr.Ptr() = append(arr, cell)
	set(result, int32(len(arr)))
}

func execDynArrayInsertItem(ctx *Object, f *Frame, result *Value) {
	addr, p, inner, ok := f.itemOp(ctx)
	if !ok {
		set(result, int32(-1))
		return
	}
	index := int(f.EvalInt())
	item := f.EvalValue()
	f.Finish()
	arr := asArray(addr.Load())
	if index < 0 || index > len(arr) {
		f.Warnf("Attempt to insert item at %d in array '%s' of %d elements", index, p.Name, len(arr))
		set(result, int32(-1))
		return
	}
	var cell Value = inner.Zero()
	inner.Store(&cell, item)
	*addr.Ptr() = slices.Insert(arr, index, cell)
	set(result, int32(index))
}

// execDynArrayRemoveItem removes every element identical to the item.
func execDynArrayRemoveItem(ctx *Object, f *Frame, result *Value) {
	addr, _, inner, ok := f.itemOp(ctx)
	if !ok {
		return
	}
	item := f.EvalValue()
	f.Finish()
	arr := asArray(addr.Load())
	*addr.Ptr() = slices.DeleteFunc(arr, func(e Value) bool {
		return Identical(inner.Load(e), item)
	})
}

// execDynArrayFind yields the index of the first identical element, or -1.
func execDynArrayFind(ctx *Object, f *Frame, result *Value) {
	addr, _, inner, ok := f.itemOp(ctx)
	if !ok {
		set(result, int32(-1))
		return
	}
	item := f.EvalValue()
	f.Finish()
	arr := asArray(addr.Load())
	set(result, int32(slices.IndexFunc(arr, func(e Value) bool {
		return Identical(inner.Load(e), item)
	})))
}

// execDynArrayFindStruct yields the index of the first struct element whose
// member equals the value, or -1.
func execDynArrayFindStruct(ctx *Object, f *Frame, result *Value) {
	addr, p, inner, ok := f.itemOp(ctx)
	if !ok {
		set(result, int32(-1))
		return
	}
	member := f.ReadName()
	item := f.EvalValue()
	f.Finish()
	if inner.Struct == nil {
		f.Warnf("Find by member on array '%s' of non-struct elements", p.Name)
		set(result, int32(-1))
		return
	}
	field := inner.Struct.Field(member)
	if field == nil {
		f.Warnf("Struct %s has no member %s", inner.Struct.Name, member)
		set(result, int32(-1))
		return
	}
	arr := asArray(addr.Load())
	set(result, int32(slices.IndexFunc(arr, func(e Value) bool {
		s := asStruct(e)
		return s != nil && Identical(field.Load(s.Fields[field.Offset]), item)
	})))
}

// execDynArraySort bubble-sorts the array in place. The comparator
// delegate is called with adjacent elements and a negative result swaps
// them, so equal elements keep their order.
func execDynArraySort(ctx *Object, f *Frame, result *Value) {
	addr, p, inner, ok := f.itemOp(ctx)
	if !ok {
		return
	}
	d := f.EvalDelegate()
	f.Finish()

	target := d.Object
	if target == nil {
		target = f.Object
	}
	if d.IsNone() {
		f.Warnf("Attempt to sort array '%s' with a None comparator", p.Name)
		return
	}
	fn := target.FindFunction(d.Function)
	if fn == nil {
		f.Warnf("Failed to find function %s in %s", d.Function, target.FullName())
		return
	}

	arr := asArray(addr.Load())
	for i := len(arr) - 1; i > 0; i-- {
		swapped := false
		for j := 0; j < i; j++ {
			r := f.vm.invoke(target, fn, []Value{inner.Load(arr[j]), inner.Load(arr[j+1])}, f)
			if asInt(r) < 0 {
				arr[j], arr[j+1] = arr[j+1], arr[j]
				swapped = true
			}
		}
		if !swapped {
			break
		}
	}
	if addr.Valid() {
		*addr.Ptr() = arr
	}
}
