package vm

import "math"

// ---------------------------------------------------------------------------
// Operator helpers
// ---------------------------------------------------------------------------

// op1 adapts a unary operator.
func op1[A any](as func(Value) A, op func(f *Frame, a A) Value) NativeFunc {
	return func(ctx *Object, f *Frame, result *Value) {
		a := as(f.EvalValue())
		f.Finish()
		set(result, op(f, a))
	}
}

// op2 adapts a binary operator.
func op2[A, B any](asA func(Value) A, asB func(Value) B, op func(f *Frame, a A, b B) Value) NativeFunc {
	return func(ctx *Object, f *Frame, result *Value) {
		a := asA(f.EvalValue())
		b := asB(f.EvalValue())
		f.Finish()
		set(result, op(f, a, b))
	}
}

// opAssign adapts a compound assignment: the left operand is an out
// parameter that receives the result, which is also the value of the
// expression.
func opAssign[A, B any](asA func(Value) A, asB func(Value) B, op func(f *Frame, a A, b B) Value) NativeFunc {
	return func(ctx *Object, f *Frame, result *Value) {
		addr, p := f.EvalRef()
		b := asB(f.EvalValue())
		f.Finish()
		if !addr.Valid() {
			set(result, nil)
			return
		}
		v := op(f, asA(load(addr, p)), b)
		storeAt(addr, p, v)
		set(result, v)
	}
}

// opStep adapts ++ and --. Post forms yield the old value.
func opStep[A any](as func(Value) A, op func(a A) Value, post bool) NativeFunc {
	return func(ctx *Object, f *Frame, result *Value) {
		addr, p := f.EvalRef()
		f.Finish()
		if !addr.Valid() {
			set(result, nil)
			return
		}
		old := load(addr, p)
		v := op(as(old))
		storeAt(addr, p, v)
		if post {
			set(result, old)
		} else {
			set(result, v)
		}
	}
}

func storeAt(addr Addr, p *Property, v Value) {
	if p != nil {
		p.Store(addr.Ptr(), v)
		return
	}
	*addr.Ptr() = CopyValue(v)
}

// shortCircuit adapts && and ||. The right operand is wrapped in a Skip so
// it can be passed over without evaluation.
func shortCircuit(and bool) NativeFunc {
	return func(ctx *Object, f *Frame, result *Value) {
		a := f.EvalBool()
		f.expect(OpSkip)
		skip := f.ReadCodeSkipCount()
		v := a
		if a == and {
			v = f.EvalBool()
		} else {
			f.IP += skip
		}
		f.Finish()
		set(result, v)
	}
}

func divByZero(f *Frame, op string) {
	f.Warnf("Divide by zero in '%s'", op)
}

// ---------------------------------------------------------------------------
// Bool operators
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(129, "Not_PreBool", op1(asBool, func(f *Frame, a bool) Value { return !a }))
	RegisterNative(130, "AndAnd_BoolBool", shortCircuit(true))
	RegisterNative(131, "XorXor_BoolBool", op2(asBool, asBool, func(f *Frame, a, b bool) Value { return a != b }))
	RegisterNative(132, "OrOr_BoolBool", shortCircuit(false))
	RegisterNative(242, "EqualEqual_BoolBool", op2(asBool, asBool, func(f *Frame, a, b bool) Value { return a == b }))
	RegisterNative(243, "NotEqual_BoolBool", op2(asBool, asBool, func(f *Frame, a, b bool) Value { return a != b }))
}

// ---------------------------------------------------------------------------
// Byte operators
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(133, "MultiplyEqual_ByteByte", opAssign(asByte, asByte, func(f *Frame, a, b uint8) Value { return a * b }))
	RegisterNative(134, "DivideEqual_ByteByte", opAssign(asByte, asByte, func(f *Frame, a, b uint8) Value {
		if b == 0 {
			divByZero(f, "/=")
			return uint8(0)
		}
		return a / b
	}))
	RegisterNative(135, "AddEqual_ByteByte", opAssign(asByte, asByte, func(f *Frame, a, b uint8) Value { return a + b }))
	RegisterNative(136, "SubtractEqual_ByteByte", opAssign(asByte, asByte, func(f *Frame, a, b uint8) Value { return a - b }))
	RegisterNative(137, "AddAdd_PreByte", opStep(asByte, func(a uint8) Value { return a + 1 }, false))
	RegisterNative(138, "SubtractSubtract_PreByte", opStep(asByte, func(a uint8) Value { return a - 1 }, false))
	RegisterNative(139, "AddAdd_Byte", opStep(asByte, func(a uint8) Value { return a + 1 }, true))
	RegisterNative(140, "SubtractSubtract_Byte", opStep(asByte, func(a uint8) Value { return a - 1 }, true))
}

// ---------------------------------------------------------------------------
// Int operators
// ---------------------------------------------------------------------------

func intDiv(f *Frame, a, b int32) Value {
	if b == 0 {
		divByZero(f, "/")
		return int32(0)
	}
	if a == math.MinInt32 && b == -1 {
		return a
	}
	return a / b
}

func intMod(f *Frame, a, b int32) Value {
	if b == 0 {
		divByZero(f, "%")
		return int32(0)
	}
	if b == -1 {
		return int32(0)
	}
	return a % b
}

func init() {
	RegisterNative(141, "Complement_PreInt", op1(asInt, func(f *Frame, a int32) Value { return ^a }))
	RegisterNative(143, "Subtract_PreInt", op1(asInt, func(f *Frame, a int32) Value { return -a }))
	RegisterNative(144, "Multiply_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a * b }))
	RegisterNative(145, "Divide_IntInt", op2(asInt, asInt, intDiv))
	RegisterNative(146, "Add_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a + b }))
	RegisterNative(147, "Subtract_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a - b }))
	RegisterNative(148, "LessLess_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a << (uint32(b) & 31) }))
	RegisterNative(149, "GreaterGreater_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a >> (uint32(b) & 31) }))
	RegisterNative(196, "GreaterGreaterGreater_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value {
		return int32(uint32(a) >> (uint32(b) & 31))
	}))
	RegisterNative(150, "Less_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a < b }))
	RegisterNative(151, "Greater_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a > b }))
	RegisterNative(152, "LessEqual_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a <= b }))
	RegisterNative(153, "GreaterEqual_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a >= b }))
	RegisterNative(154, "EqualEqual_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a == b }))
	RegisterNative(155, "NotEqual_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a != b }))
	RegisterNative(156, "And_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a & b }))
	RegisterNative(157, "Xor_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a ^ b }))
	RegisterNative(158, "Or_IntInt", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return a | b }))
	RegisterNative(159, "MultiplyEqual_IntFloat", opAssign(asInt, asFloat, func(f *Frame, a int32, b float32) Value {
		return int32(float32(a) * b)
	}))
	RegisterNative(160, "DivideEqual_IntFloat", opAssign(asInt, asFloat, func(f *Frame, a int32, b float32) Value {
		if b == 0 {
			divByZero(f, "/=")
			return int32(0)
		}
		return int32(float32(a) / b)
	}))
	RegisterNative(161, "AddEqual_IntInt", opAssign(asInt, asInt, func(f *Frame, a, b int32) Value { return a + b }))
	RegisterNative(162, "SubtractEqual_IntInt", opAssign(asInt, asInt, func(f *Frame, a, b int32) Value { return a - b }))
	RegisterNative(163, "AddAdd_PreInt", opStep(asInt, func(a int32) Value { return a + 1 }, false))
	RegisterNative(164, "SubtractSubtract_PreInt", opStep(asInt, func(a int32) Value { return a - 1 }, false))
	RegisterNative(165, "AddAdd_Int", opStep(asInt, func(a int32) Value { return a + 1 }, true))
	RegisterNative(166, "SubtractSubtract_Int", opStep(asInt, func(a int32) Value { return a - 1 }, true))
	RegisterNative(167, "Rand", op1(asInt, func(f *Frame, n int32) Value {
		if n <= 0 {
			return int32(0)
		}
		return f.vm.rng.Int32N(n)
	}))
	RegisterNative(253, "Percent_IntInt", op2(asInt, asInt, intMod))
	RegisterNative(249, "Min", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return min(a, b) }))
	RegisterNative(250, "Max", op2(asInt, asInt, func(f *Frame, a, b int32) Value { return max(a, b) }))
	RegisterNative(251, "Clamp", clampInt)
}

func clampInt(ctx *Object, f *Frame, result *Value) {
	v := f.EvalInt()
	lo := f.EvalInt()
	hi := f.EvalInt()
	f.Finish()
	set(result, max(lo, min(v, hi)))
}

// ---------------------------------------------------------------------------
// Float operators and math
// ---------------------------------------------------------------------------

func float1(fn func(float64) float64) NativeFunc {
	return op1(asFloat, func(f *Frame, a float32) Value { return float32(fn(float64(a))) })
}

func floatDiv(f *Frame, a, b float32) Value {
	if b == 0 {
		divByZero(f, "/")
		return float32(0)
	}
	return a / b
}

func floatMod(f *Frame, a, b float32) Value {
	if b == 0 {
		divByZero(f, "%")
		return float32(0)
	}
	return float32(math.Mod(float64(a), float64(b)))
}

func init() {
	RegisterNative(169, "Subtract_PreFloat", op1(asFloat, func(f *Frame, a float32) Value { return -a }))
	RegisterNative(170, "MultiplyMultiply_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value {
		return float32(math.Pow(float64(a), float64(b)))
	}))
	RegisterNative(171, "Multiply_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a * b }))
	RegisterNative(172, "Divide_FloatFloat", op2(asFloat, asFloat, floatDiv))
	RegisterNative(173, "Percent_FloatFloat", op2(asFloat, asFloat, floatMod))
	RegisterNative(174, "Add_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a + b }))
	RegisterNative(175, "Subtract_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a - b }))
	RegisterNative(176, "Less_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a < b }))
	RegisterNative(177, "Greater_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a > b }))
	RegisterNative(178, "LessEqual_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a <= b }))
	RegisterNative(179, "GreaterEqual_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a >= b }))
	RegisterNative(180, "EqualEqual_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a == b }))
	RegisterNative(181, "NotEqual_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a != b }))
	RegisterNative(210, "ComplementEqual_FloatFloat", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value {
		return math.Abs(float64(a-b)) < 1e-4
	}))
	RegisterNative(182, "MultiplyEqual_FloatFloat", opAssign(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a * b }))
	RegisterNative(183, "DivideEqual_FloatFloat", opAssign(asFloat, asFloat, floatDiv))
	RegisterNative(184, "AddEqual_FloatFloat", opAssign(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a + b }))
	RegisterNative(185, "SubtractEqual_FloatFloat", opAssign(asFloat, asFloat, func(f *Frame, a, b float32) Value { return a - b }))

	RegisterNative(186, "Abs", float1(math.Abs))
	RegisterNative(187, "Sin", float1(math.Sin))
	RegisterNative(188, "Cos", float1(math.Cos))
	RegisterNative(189, "Tan", float1(math.Tan))
	RegisterNative(190, "Atan", float1(math.Atan))
	RegisterNative(191, "Exp", float1(math.Exp))
	RegisterNative(192, "Loge", float1(math.Log))
	RegisterNative(193, "Sqrt", float1(math.Sqrt))
	RegisterNative(194, "Square", float1(func(x float64) float64 { return x * x }))
	RegisterNative(195, "FRand", func(ctx *Object, f *Frame, result *Value) {
		f.Finish()
		set(result, f.vm.rng.Float32())
	})
	RegisterNative(0x200, "Asin", float1(math.Asin))
	RegisterNative(0x201, "Acos", float1(math.Acos))
	RegisterNative(0x202, "Atan2", op2(asFloat, asFloat, func(f *Frame, y, x float32) Value {
		return float32(math.Atan2(float64(y), float64(x)))
	}))
	RegisterNative(0x203, "FCeil", op1(asFloat, func(f *Frame, a float32) Value { return int32(math.Ceil(float64(a))) }))
	RegisterNative(0x204, "FFloor", op1(asFloat, func(f *Frame, a float32) Value { return int32(math.Floor(float64(a))) }))
	RegisterNative(0x205, "Round", op1(asFloat, func(f *Frame, a float32) Value { return int32(math.Round(float64(a))) }))
	RegisterNative(0x206, "RandRange", op2(asFloat, asFloat, func(f *Frame, lo, hi float32) Value {
		return lo + (hi-lo)*f.vm.rng.Float32()
	}))

	RegisterNative(244, "FMin", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return min(a, b) }))
	RegisterNative(245, "FMax", op2(asFloat, asFloat, func(f *Frame, a, b float32) Value { return max(a, b) }))
	RegisterNative(246, "FClamp", func(ctx *Object, f *Frame, result *Value) {
		v := f.EvalFloat()
		lo := f.EvalFloat()
		hi := f.EvalFloat()
		f.Finish()
		set(result, max(lo, min(v, hi)))
	})
	RegisterNative(247, "Lerp", func(ctx *Object, f *Frame, result *Value) {
		a := f.EvalFloat()
		b := f.EvalFloat()
		alpha := f.EvalFloat()
		f.Finish()
		set(result, a+alpha*(b-a))
	})
}

// ---------------------------------------------------------------------------
// Vector operators and helpers
// ---------------------------------------------------------------------------

func vec(v Vector) Value { return VectorValue(v) }

func init() {
	RegisterNative(211, "Subtract_PreVector", op1(ToVector, func(f *Frame, a Vector) Value { return vec(a.Scale(-1)) }))
	RegisterNative(212, "Multiply_VectorFloat", op2(ToVector, asFloat, func(f *Frame, a Vector, b float32) Value { return vec(a.Scale(b)) }))
	RegisterNative(213, "Multiply_FloatVector", op2(asFloat, ToVector, func(f *Frame, a float32, b Vector) Value { return vec(b.Scale(a)) }))
	RegisterNative(296, "Multiply_VectorVector", op2(ToVector, ToVector, func(f *Frame, a, b Vector) Value { return vec(a.Mul(b)) }))
	RegisterNative(214, "Divide_VectorFloat", op2(ToVector, asFloat, vectorDiv))
	RegisterNative(215, "Add_VectorVector", op2(ToVector, ToVector, func(f *Frame, a, b Vector) Value { return vec(a.Add(b)) }))
	RegisterNative(216, "Subtract_VectorVector", op2(ToVector, ToVector, func(f *Frame, a, b Vector) Value { return vec(a.Sub(b)) }))
	RegisterNative(275, "LessLess_VectorRotator", op2(ToVector, ToRotator, func(f *Frame, a Vector, r Rotator) Value {
		return vec(unrotate(a, r))
	}))
	RegisterNative(276, "GreaterGreater_VectorRotator", op2(ToVector, ToRotator, func(f *Frame, a Vector, r Rotator) Value {
		return vec(rotate(a, r))
	}))
	RegisterNative(217, "EqualEqual_VectorVector", op2(ToVector, ToVector, func(f *Frame, a, b Vector) Value { return a == b }))
	RegisterNative(218, "NotEqual_VectorVector", op2(ToVector, ToVector, func(f *Frame, a, b Vector) Value { return a != b }))
	RegisterNative(219, "Dot_VectorVector", op2(ToVector, ToVector, func(f *Frame, a, b Vector) Value { return a.Dot(b) }))
	RegisterNative(220, "Cross_VectorVector", op2(ToVector, ToVector, func(f *Frame, a, b Vector) Value { return vec(a.Cross(b)) }))
	RegisterNative(221, "MultiplyEqual_VectorFloat", opAssign(ToVector, asFloat, func(f *Frame, a Vector, b float32) Value { return vec(a.Scale(b)) }))
	RegisterNative(297, "MultiplyEqual_VectorVector", opAssign(ToVector, ToVector, func(f *Frame, a, b Vector) Value { return vec(a.Mul(b)) }))
	RegisterNative(222, "DivideEqual_VectorFloat", opAssign(ToVector, asFloat, vectorDiv))
	RegisterNative(223, "AddEqual_VectorVector", opAssign(ToVector, ToVector, func(f *Frame, a, b Vector) Value { return vec(a.Add(b)) }))
	RegisterNative(224, "SubtractEqual_VectorVector", opAssign(ToVector, ToVector, func(f *Frame, a, b Vector) Value { return vec(a.Sub(b)) }))

	RegisterNative(225, "VSize", op1(ToVector, func(f *Frame, a Vector) Value { return a.Size() }))
	RegisterNative(0x217, "VSizeSq", op1(ToVector, func(f *Frame, a Vector) Value { return a.SizeSquared() }))
	RegisterNative(0x218, "VSize2D", op1(ToVector, func(f *Frame, a Vector) Value {
		return float32(math.Hypot(float64(a.X), float64(a.Y)))
	}))
	RegisterNative(226, "Normal", op1(ToVector, func(f *Frame, a Vector) Value { return vec(a.Normal()) }))
	RegisterNative(252, "VRand", func(ctx *Object, f *Frame, result *Value) {
		f.Finish()
		set(result, vec(randUnitVector(f.vm)))
	})
	RegisterNative(300, "MirrorVectorByNormal", op2(ToVector, ToVector, func(f *Frame, v, n Vector) Value {
		n = n.Normal()
		return vec(v.Sub(n.Scale(2 * v.Dot(n))))
	}))
	RegisterNative(0x210, "VLerp", func(ctx *Object, f *Frame, result *Value) {
		a := f.EvalVector()
		b := f.EvalVector()
		alpha := f.EvalFloat()
		f.Finish()
		set(result, vec(a.Add(b.Sub(a).Scale(alpha))))
	})
	RegisterNative(0x211, "VRandCone", func(ctx *Object, f *Frame, result *Value) {
		dir := f.EvalVector()
		yaw := f.EvalFloat()
		pitch, ok := f.EvalOptional()
		f.Finish()
		hp := yaw
		if ok {
			hp = asFloat(pitch)
		}
		set(result, vec(randCone(f.vm, dir, yaw, hp)))
	})
	RegisterNative(0x212, "PointDistToLine", execPointDistToLine)
	RegisterNative(0x213, "PointDistToSegment", execPointDistToSegment)
	RegisterNative(0x214, "PointProjectToPlane", func(ctx *Object, f *Frame, result *Value) {
		p := f.EvalVector()
		a := f.EvalVector()
		b := f.EvalVector()
		c := f.EvalVector()
		f.Finish()
		n := b.Sub(a).Cross(c.Sub(a)).Normal()
		set(result, vec(p.Sub(n.Scale(p.Sub(a).Dot(n)))))
	})
	RegisterNative(0x215, "GetDotDistance", execGetDotDistance)
	RegisterNative(0x216, "GetAngularDistance", execGetAngularDistance)
	RegisterNative(0x219, "ClampLength", op2(ToVector, asFloat, func(f *Frame, v Vector, limit float32) Value {
		if s := v.Size(); s > limit && s > 0 {
			return vec(v.Scale(limit / s))
		}
		return vec(v)
	}))
}

func vectorDiv(f *Frame, a Vector, b float32) Value {
	if b == 0 {
		divByZero(f, "/")
		return vec(Vector{})
	}
	return vec(a.Scale(1 / b))
}

// rotate transforms a from the rotator's local space to world space.
func rotate(a Vector, r Rotator) Vector {
	x, y, z := axes(r)
	return x.Scale(a.X).Add(y.Scale(a.Y)).Add(z.Scale(a.Z))
}

// unrotate is the inverse of rotate.
func unrotate(a Vector, r Rotator) Vector {
	x, y, z := axes(r)
	return Vector{a.Dot(x), a.Dot(y), a.Dot(z)}
}

// axes returns the unit axes of the rotation matrix for r.
func axes(r Rotator) (x, y, z Vector) {
	sp, cp := math.Sincos(float64(r.Pitch&0xffff) * rotatorUnitsToRadians)
	sy, cy := math.Sincos(float64(r.Yaw&0xffff) * rotatorUnitsToRadians)
	sr, cr := math.Sincos(float64(r.Roll&0xffff) * rotatorUnitsToRadians)
	x = Vector{float32(cp * cy), float32(cp * sy), float32(sp)}
	y = Vector{float32(sr*sp*cy - cr*sy), float32(sr*sp*sy + cr*cy), float32(-sr * cp)}
	z = Vector{float32(-(cr*sp*cy + sr*sy)), float32(cy*sr - cr*sp*sy), float32(cr * cp)}
	return x, y, z
}

func randUnitVector(vm *VM) Vector {
	for {
		v := Vector{
			vm.rng.Float32()*2 - 1,
			vm.rng.Float32()*2 - 1,
			vm.rng.Float32()*2 - 1,
		}
		if sq := v.SizeSquared(); sq > 1e-4 && sq <= 1 {
			return v.Normal()
		}
	}
}

// randCone returns a random unit vector within the cone around dir with the
// given half angles in radians.
func randCone(vm *VM, dir Vector, yaw, pitch float32) Vector {
	d := dir.Normal()
	if d.IsZero() {
		return randUnitVector(vm)
	}
	up := Vector{0, 0, 1}
	if math.Abs(float64(d.Z)) > 0.99 {
		up = Vector{1, 0, 0}
	}
	right := d.Cross(up).Normal()
	up = right.Cross(d).Normal()
	a := float64(yaw) * float64(vm.rng.Float32()*2-1)
	b := float64(pitch) * float64(vm.rng.Float32()*2-1)
	out := d.Scale(float32(math.Cos(a) * math.Cos(b))).
		Add(right.Scale(float32(math.Sin(a) * math.Cos(b)))).
		Add(up.Scale(float32(math.Sin(b))))
	return out.Normal()
}

// execPointDistToLine returns the distance from a point to an infinite line
// and writes the closest point to an optional out parameter.
func execPointDistToLine(ctx *Object, f *Frame, result *Value) {
	p := f.EvalVector()
	dir := f.EvalVector()
	origin := f.EvalVector()
	var out Addr
	var outProp *Property
	if f.PeekOpcode() != OpEndFunctionParms {
		out, outProp = f.EvalRef()
	}
	f.Finish()
	d := dir.Normal()
	closest := origin.Add(d.Scale(p.Sub(origin).Dot(d)))
	if out.Valid() {
		storeAt(out, outProp, vec(closest))
	}
	set(result, p.Sub(closest).Size())
}

func execPointDistToSegment(ctx *Object, f *Frame, result *Value) {
	p := f.EvalVector()
	start := f.EvalVector()
	end := f.EvalVector()
	var out Addr
	var outProp *Property
	if f.PeekOpcode() != OpEndFunctionParms {
		out, outProp = f.EvalRef()
	}
	f.Finish()
	seg := end.Sub(start)
	closest := start
	if sq := seg.SizeSquared(); sq > 0 {
		t := p.Sub(start).Dot(seg) / sq
		t = max(0, min(1, t))
		closest = start.Add(seg.Scale(t))
	}
	if out.Valid() {
		storeAt(out, outProp, vec(closest))
	}
	set(result, p.Sub(closest).Size())
}

// execGetDotDistance splits the direction to a point into its dot products
// with the X and Y axes of a frame. It yields false when the point lies
// behind the frame.
func execGetDotDistance(ctx *Object, f *Frame, result *Value) {
	outAddr, outProp := f.EvalRef()
	dir := f.EvalVector()
	ax := f.EvalVector()
	ay := f.EvalVector()
	az := f.EvalVector()
	f.Finish()
	n := dir.Normal()
	dx, dy, dz := n.Dot(ax), n.Dot(ay), n.Dot(az)
	if outAddr.Valid() {
		storeAt(outAddr, outProp, &StructValue{Type: VectorStruct, Fields: []Value{dy, dz, float32(0)}})
	}
	set(result, dx >= 0)
}

// execGetAngularDistance is GetDotDistance with the dot products turned
// into angles in radians.
func execGetAngularDistance(ctx *Object, f *Frame, result *Value) {
	outAddr, outProp := f.EvalRef()
	dir := f.EvalVector()
	ax := f.EvalVector()
	ay := f.EvalVector()
	az := f.EvalVector()
	f.Finish()
	n := dir.Normal()
	dx, dy, dz := n.Dot(ax), n.Dot(ay), n.Dot(az)
	yaw := float32(math.Atan2(float64(dy), float64(dx)))
	pitch := float32(math.Asin(clamp1(float64(dz))))
	if outAddr.Valid() {
		storeAt(outAddr, outProp, &StructValue{Type: VectorStruct, Fields: []Value{yaw, pitch, float32(0)}})
	}
	set(result, dx >= 0)
}

func clamp1(x float64) float64 { return math.Max(-1, math.Min(1, x)) }

// ---------------------------------------------------------------------------
// Rotator operators
// ---------------------------------------------------------------------------

func rot(r Rotator) Value { return RotatorValue(r) }

func rotatorDiv(f *Frame, a Rotator, b float32) Value {
	if b == 0 {
		divByZero(f, "/")
		return rot(Rotator{})
	}
	return rot(a.Scale(1 / b))
}

// normalizeAxis maps an angle to -32768..32767.
func normalizeAxis(a int32) int32 {
	a &= 0xffff
	if a > 32767 {
		a -= 65536
	}
	return a
}

func init() {
	RegisterNative(142, "EqualEqual_RotatorRotator", op2(ToRotator, ToRotator, func(f *Frame, a, b Rotator) Value { return a == b }))
	RegisterNative(203, "NotEqual_RotatorRotator", op2(ToRotator, ToRotator, func(f *Frame, a, b Rotator) Value { return a != b }))
	RegisterNative(287, "Multiply_RotatorFloat", op2(ToRotator, asFloat, func(f *Frame, a Rotator, b float32) Value { return rot(a.Scale(b)) }))
	RegisterNative(288, "Multiply_FloatRotator", op2(asFloat, ToRotator, func(f *Frame, a float32, b Rotator) Value { return rot(b.Scale(a)) }))
	RegisterNative(289, "Divide_RotatorFloat", op2(ToRotator, asFloat, rotatorDiv))
	RegisterNative(290, "MultiplyEqual_RotatorFloat", opAssign(ToRotator, asFloat, func(f *Frame, a Rotator, b float32) Value { return rot(a.Scale(b)) }))
	RegisterNative(291, "DivideEqual_RotatorFloat", opAssign(ToRotator, asFloat, rotatorDiv))
	RegisterNative(316, "Add_RotatorRotator", op2(ToRotator, ToRotator, func(f *Frame, a, b Rotator) Value { return rot(a.Add(b)) }))
	RegisterNative(317, "Subtract_RotatorRotator", op2(ToRotator, ToRotator, func(f *Frame, a, b Rotator) Value { return rot(a.Sub(b)) }))
	RegisterNative(318, "AddEqual_RotatorRotator", opAssign(ToRotator, ToRotator, func(f *Frame, a, b Rotator) Value { return rot(a.Add(b)) }))
	RegisterNative(319, "SubtractEqual_RotatorRotator", opAssign(ToRotator, ToRotator, func(f *Frame, a, b Rotator) Value { return rot(a.Sub(b)) }))
	RegisterNative(320, "RotRand", func(ctx *Object, f *Frame, result *Value) {
		roll := optBool(f)
		f.Finish()
		r := Rotator{Pitch: f.vm.rng.Int32N(65536), Yaw: f.vm.rng.Int32N(65536)}
		if roll {
			r.Roll = f.vm.rng.Int32N(65536)
		}
		set(result, rot(r))
	})
	RegisterNative(0x220, "Normalize", op1(ToRotator, func(f *Frame, a Rotator) Value {
		return rot(Rotator{normalizeAxis(a.Pitch), normalizeAxis(a.Yaw), normalizeAxis(a.Roll)})
	}))
	RegisterNative(0x221, "RLerp", func(ctx *Object, f *Frame, result *Value) {
		a := f.EvalRotator()
		b := f.EvalRotator()
		alpha := f.EvalFloat()
		short := optBool(f)
		f.Finish()
		d := b.Sub(a)
		if short {
			d = Rotator{normalizeAxis(d.Pitch), normalizeAxis(d.Yaw), normalizeAxis(d.Roll)}
		}
		set(result, rot(a.Add(d.Scale(alpha))))
	})
}

// ---------------------------------------------------------------------------
// Object, name and interface comparisons
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(114, "EqualEqual_ObjectObject", op2(identity, identity, func(f *Frame, a, b Value) Value { return sameObject(a, b) }))
	RegisterNative(119, "NotEqual_ObjectObject", op2(identity, identity, func(f *Frame, a, b Value) Value { return !sameObject(a, b) }))
	RegisterNative(254, "EqualEqual_NameName", op2(asName, asName, func(f *Frame, a, b Name) Value { return a.Equal(b) }))
	RegisterNative(255, "NotEqual_NameName", op2(asName, asName, func(f *Frame, a, b Name) Value { return !a.Equal(b) }))
	RegisterNative(0x230, "EqualEqual_InterfaceInterface", op2(asObject, asObject, func(f *Frame, a, b *Object) Value { return a == b }))
	RegisterNative(0x231, "NotEqual_InterfaceInterface", op2(asObject, asObject, func(f *Frame, a, b *Object) Value { return a != b }))
}

func identity(v Value) Value { return v }

// sameObject compares object or class references.
func sameObject(a, b Value) bool {
	if c := asClass(a); c != nil {
		return c == asClass(b)
	}
	if asClass(b) != nil {
		return false
	}
	return asObject(a) == asObject(b)
}
