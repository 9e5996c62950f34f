package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
)

// ---------------------------------------------------------------------------
// Builder: helper for constructing bytecode
// ---------------------------------------------------------------------------

// Builder emits bytecode for one function or state. Names and references
// are interned into the package the code belongs to. Expression operands
// are emitted by the calls that follow a token; operands that need a skip
// count take their sub-expressions as callbacks.
type Builder struct {
	pkg    *Package
	bytes  []byte
	labels []*Label
}

// NewBuilder creates a builder for code of pkg.
func NewBuilder(pkg *Package) *Builder {
	return &Builder{pkg: pkg, bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *Builder) Bytes() []byte {
	for _, l := range b.labels {
		if !l.resolved {
			panic(fmt.Sprintf("label %s used but never marked", l))
		}
	}
	return b.bytes
}

// Len returns the current length.
func (b *Builder) Len() int { return len(b.bytes) }

// Package returns the package names and references are interned in.
func (b *Builder) Package() *Package { return b.pkg }

// ---------------------------------------------------------------------------
// Raw operands
// ---------------------------------------------------------------------------

func (b *Builder) Emit(op Opcode) *Builder {
	b.bytes = append(b.bytes, byte(op))
	return b
}

func (b *Builder) EmitByte(v byte) *Builder {
	b.bytes = append(b.bytes, v)
	return b
}

func (b *Builder) EmitWord(v uint16) *Builder {
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, v)
	return b
}

func (b *Builder) EmitInt(v int32) *Builder {
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(v))
	return b
}

func (b *Builder) EmitFloat(v float32) *Builder {
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, math.Float32bits(v))
	return b
}

func (b *Builder) EmitName(n Name) *Builder {
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, b.pkg.NameIndex(n))
	return b
}

func (b *Builder) EmitRef(r any) *Builder {
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, b.pkg.RefIndex(r))
	return b
}

// skip emits a skip count covering whatever body writes.
func (b *Builder) skip(body func()) {
	at := len(b.bytes)
	b.bytes = append(b.bytes, 0, 0)
	body()
	n := len(b.bytes) - (at + 2)
	if n > 0xFFFF {
		panic("skip count overflow")
	}
	binary.LittleEndian.PutUint16(b.bytes[at:], uint16(n))
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// Label is a jump target. Targets are absolute offsets into the code.
// Named labels go into the label table of state code.
type Label struct {
	Name     Name
	resolved bool
	position int
	refs     []int
}

func (l *Label) String() string {
	if l.Name.IsNone() {
		return "(anonymous)"
	}
	return string(l.Name)
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// NamedLabel creates a label that GotoLabel and GotoState can reach.
func (b *Builder) NamedLabel(name Name) *Label {
	l := b.NewLabel()
	l.Name = name
	return l
}

// Mark resolves a label to the current position.
func (b *Builder) Mark(l *Label) *Builder {
	if l.resolved {
		panic(fmt.Sprintf("label %s already marked", l))
	}
	l.resolved = true
	l.position = len(b.bytes)
	for _, ref := range l.refs {
		binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(l.position))
	}
	l.refs = nil
	return b
}

func (b *Builder) target(l *Label) {
	if l.resolved {
		b.EmitWord(uint16(l.position))
		return
	}
	l.refs = append(l.refs, len(b.bytes))
	b.EmitWord(0)
}

// ---------------------------------------------------------------------------
// Variables and assignment
// ---------------------------------------------------------------------------

func (b *Builder) LocalVariable(p *Property) *Builder    { return b.Emit(OpLocalVariable).EmitRef(p) }
func (b *Builder) LocalOutVariable(p *Property) *Builder { return b.Emit(OpLocalOutVariable).EmitRef(p) }
func (b *Builder) InstanceVariable(p *Property) *Builder { return b.Emit(OpInstanceVariable).EmitRef(p) }
func (b *Builder) DefaultVariable(p *Property) *Builder  { return b.Emit(OpDefaultVariable).EmitRef(p) }
func (b *Builder) StateVariable(p *Property) *Builder    { return b.Emit(OpStateVariable).EmitRef(p) }
func (b *Builder) NativeParm(p *Property) *Builder       { return b.Emit(OpNativeParm).EmitRef(p) }

// BoolVariable wraps the bool variable that follows.
func (b *Builder) BoolVariable() *Builder { return b.Emit(OpBoolVariable) }

// StructMember addresses member of the struct expression that follows.
func (b *Builder) StructMember(member *Property, st *Struct, copyStruct bool) *Builder {
	b.Emit(OpStructMember).EmitRef(member).EmitRef(st)
	if copyStruct {
		b.EmitByte(1)
	} else {
		b.EmitByte(0)
	}
	return b.EmitByte(0)
}

// ArrayElement is followed by the index and then the array.
func (b *Builder) ArrayElement() *Builder    { return b.Emit(OpArrayElement) }
func (b *Builder) DynArrayElement() *Builder { return b.Emit(OpDynArrayElement) }

// Let is followed by the variable and the value.
func (b *Builder) Let() *Builder         { return b.Emit(OpLet) }
func (b *Builder) LetBool() *Builder     { return b.Emit(OpLetBool) }
func (b *Builder) LetDelegate() *Builder { return b.Emit(OpLetDelegate) }

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

func (b *Builder) IntConst(v int32) *Builder     { return b.Emit(OpIntConst).EmitInt(v) }
func (b *Builder) FloatConst(v float32) *Builder { return b.Emit(OpFloatConst).EmitFloat(v) }
func (b *Builder) ByteConst(v byte) *Builder     { return b.Emit(OpByteConst).EmitByte(v) }
func (b *Builder) IntConstByte(v byte) *Builder  { return b.Emit(OpIntConstByte).EmitByte(v) }
func (b *Builder) NameConst(n Name) *Builder     { return b.Emit(OpNameConst).EmitName(n) }
func (b *Builder) ObjectConst(r any) *Builder    { return b.Emit(OpObjectConst).EmitRef(r) }
func (b *Builder) IntZero() *Builder             { return b.Emit(OpIntZero) }
func (b *Builder) IntOne() *Builder              { return b.Emit(OpIntOne) }
func (b *Builder) True() *Builder                { return b.Emit(OpTrue) }
func (b *Builder) False() *Builder               { return b.Emit(OpFalse) }
func (b *Builder) NoObject() *Builder            { return b.Emit(OpNoObject) }
func (b *Builder) EmptyDelegate() *Builder       { return b.Emit(OpEmptyDelegate) }
func (b *Builder) Self() *Builder                { return b.Emit(OpSelf) }
func (b *Builder) Nothing() *Builder             { return b.Emit(OpNothing) }

// Int emits the shortest constant token for v.
func (b *Builder) Int(v int32) *Builder {
	switch {
	case v == 0:
		return b.IntZero()
	case v == 1:
		return b.IntOne()
	case v > 1 && v < 256:
		return b.IntConstByte(byte(v))
	}
	return b.IntConst(v)
}

// StringConst emits an ANSI constant, or a Unicode one when s has
// characters outside the ANSI code page.
func (b *Builder) StringConst(s string) *Builder {
	if !isANSI(s) {
		return b.UnicodeStringConst(s)
	}
	b.Emit(OpStringConst)
	b.bytes = append(b.bytes, encodeANSI(s)...)
	return b.EmitByte(0)
}

func (b *Builder) UnicodeStringConst(s string) *Builder {
	b.Emit(OpUnicodeStringConst)
	for _, u := range utf16.Encode([]rune(s)) {
		if u == 0 {
			break
		}
		b.EmitWord(u)
	}
	return b.EmitWord(0)
}

func (b *Builder) VectorConst(v Vector) *Builder {
	return b.Emit(OpVectorConst).EmitFloat(v.X).EmitFloat(v.Y).EmitFloat(v.Z)
}

func (b *Builder) RotationConst(r Rotator) *Builder {
	return b.Emit(OpRotationConst).EmitInt(r.Pitch).EmitInt(r.Yaw).EmitInt(r.Roll)
}

// ---------------------------------------------------------------------------
// Flow control
// ---------------------------------------------------------------------------

func (b *Builder) Jump(l *Label) *Builder {
	b.Emit(OpJump)
	b.target(l)
	return b
}

// JumpIfNot is followed by the condition.
func (b *Builder) JumpIfNot(l *Label) *Builder {
	b.Emit(OpJumpIfNot)
	b.target(l)
	return b
}

// Return is followed by the returned expression, Nothing for none.
func (b *Builder) Return() *Builder { return b.Emit(OpReturn) }

// ReturnNothing closes a non-void function whose code can reach its end.
func (b *Builder) ReturnNothing(ret *Property) *Builder {
	return b.Emit(OpReturnNothing).EmitRef(ret)
}

// Switch is followed by the switch value and then a chain of Case labels.
func (b *Builder) Switch() *Builder { return b.Emit(OpSwitch) }

// Case starts a case label that is followed by its value. next is the
// following case label.
func (b *Builder) Case(next *Label) *Builder {
	b.Emit(OpCase)
	b.target(next)
	return b
}

// CaseDefault starts the default label.
func (b *Builder) CaseDefault() *Builder { return b.Emit(OpCase).EmitWord(CaseDefault) }

func (b *Builder) Stop() *Builder { return b.Emit(OpStop) }

// Assert is followed by the condition.
func (b *Builder) Assert(line uint16, debug bool) *Builder {
	b.Emit(OpAssert).EmitWord(line)
	if debug {
		return b.EmitByte(1)
	}
	return b.EmitByte(0)
}

// GotoLabel is followed by the label name expression.
func (b *Builder) GotoLabel() *Builder { return b.Emit(OpGotoLabel) }

// EatReturnValue is followed by a call whose result is discarded.
func (b *Builder) EatReturnValue(ret *Property) *Builder {
	return b.Emit(OpEatReturnValue).EmitRef(ret)
}

func (b *Builder) DebugInfo(line, pos int32, token byte) *Builder {
	return b.Emit(OpDebugInfo).EmitInt(line).EmitInt(pos).EmitByte(token)
}

func (b *Builder) EndOfScript() *Builder { return b.Emit(OpEndOfScript) }

// Skip wraps an expression that may be passed over.
func (b *Builder) Skip(expr func()) *Builder {
	b.Emit(OpSkip)
	b.skip(expr)
	return b
}

// Conditional emits cond ? a : c.
func (b *Builder) Conditional(cond, a, c func()) *Builder {
	b.Emit(OpConditional)
	cond()
	b.skip(a)
	b.skip(c)
	return b
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// VirtualFunction, FinalFunction and friends are followed by the arguments
// and EndFunctionParms.
func (b *Builder) VirtualFunction(name Name) *Builder {
	return b.Emit(OpVirtualFunction).EmitName(name)
}

func (b *Builder) FinalFunction(fn *Function) *Builder {
	return b.Emit(OpFinalFunction).EmitRef(fn)
}

func (b *Builder) GlobalFunction(name Name) *Builder {
	return b.Emit(OpGlobalFunction).EmitName(name)
}

func (b *Builder) DelegateFunction(local bool, p *Property, name Name) *Builder {
	b.Emit(OpDelegateFunction)
	if local {
		b.EmitByte(1)
	} else {
		b.EmitByte(0)
	}
	return b.EmitRef(p).EmitName(name)
}

// Native emits a native call token: one byte for indices from 0x70 to
// 0xFF, an extended prefix and a low byte otherwise.
func (b *Builder) Native(index int) *Builder {
	switch {
	case index >= int(OpFirstNative) && index < 0x100:
		return b.EmitByte(byte(index))
	case index >= 0x100 && index < MaxNatives:
		return b.EmitByte(byte(OpExtendedNative) | byte(index>>8)).EmitByte(byte(index))
	}
	panic(fmt.Sprintf("native index %d cannot be encoded", index))
}

// Call emits a direct call of fn, through its native index when it has
// one.
func (b *Builder) Call(fn *Function) *Builder {
	if fn.Native != 0 {
		return b.Native(int(fn.Native))
	}
	return b.FinalFunction(fn)
}

func (b *Builder) EndFunctionParms() *Builder { return b.Emit(OpEndFunctionParms) }
func (b *Builder) EmptyParmValue() *Builder   { return b.Emit(OpEmptyParmValue) }
func (b *Builder) EndParmValue() *Builder     { return b.Emit(OpEndParmValue) }

// DefaultParmValue fills optional parameter p with expr when the caller
// left it out.
func (b *Builder) DefaultParmValue(p *Property, expr func()) *Builder {
	b.Emit(OpDefaultParmValue).EmitRef(p)
	b.skip(func() {
		expr()
		b.EndParmValue()
	})
	return b
}

// AndAnd emits a && c with short-circuit evaluation.
func (b *Builder) AndAnd(a, c func()) *Builder {
	b.Native(130)
	a()
	b.Skip(c)
	return b.EndFunctionParms()
}

// OrOr emits a || c with short-circuit evaluation.
func (b *Builder) OrOr(a, c func()) *Builder {
	b.Native(132)
	a()
	b.Skip(c)
	return b.EndFunctionParms()
}

// ---------------------------------------------------------------------------
// Delegates
// ---------------------------------------------------------------------------

func (b *Builder) DelegateProperty(name Name, source *Property) *Builder {
	return b.Emit(OpDelegateProperty).EmitName(name).EmitRef(source)
}

func (b *Builder) InstanceDelegate(name Name) *Builder {
	return b.Emit(OpInstanceDelegate).EmitName(name)
}

// ---------------------------------------------------------------------------
// Objects and contexts
// ---------------------------------------------------------------------------

// Context evaluates inner on the object obj yields. p names the property
// reported when obj is None.
func (b *Builder) Context(obj func(), p *Property, inner func()) *Builder {
	return b.context(OpContext, obj, p, inner)
}

// ClassContext evaluates inner on the default object of a class.
func (b *Builder) ClassContext(class func(), p *Property, inner func()) *Builder {
	return b.context(OpClassContext, class, p, inner)
}

func (b *Builder) context(op Opcode, obj func(), p *Property, inner func()) *Builder {
	b.Emit(op)
	obj()
	at := len(b.bytes)
	b.bytes = append(b.bytes, 0, 0)
	b.EmitRef(p).EmitByte(0)
	start := len(b.bytes)
	inner()
	binary.LittleEndian.PutUint16(b.bytes[at:], uint16(len(b.bytes)-start))
	return b
}

// The casts are followed by their operand.
func (b *Builder) InterfaceContext() *Builder         { return b.Emit(OpInterfaceContext) }
func (b *Builder) DynamicCast(c *Class) *Builder      { return b.Emit(OpDynamicCast).EmitRef(c) }
func (b *Builder) MetaCast(c *Class) *Builder         { return b.Emit(OpMetaCast).EmitRef(c) }
func (b *Builder) InterfaceCast(c *Class) *Builder    { return b.Emit(OpInterfaceCast).EmitRef(c) }
func (b *Builder) PrimitiveCast(t CastToken) *Builder { return b.Emit(OpPrimitiveCast).EmitByte(byte(t)) }

// ObjectToInterface is the primitive cast of an object to iface.
func (b *Builder) ObjectToInterface(iface *Class) *Builder {
	return b.PrimitiveCast(CastObjectToInterface).EmitRef(iface)
}

// StructCmpEq is followed by the two structs.
func (b *Builder) StructCmpEq(s *Struct) *Builder { return b.Emit(OpStructCmpEq).EmitRef(s) }
func (b *Builder) StructCmpNe(s *Struct) *Builder { return b.Emit(OpStructCmpNe).EmitRef(s) }

// New is followed by the outer, name and class expressions.
func (b *Builder) New() *Builder { return b.Emit(OpNew) }

// ---------------------------------------------------------------------------
// Dynamic arrays
// ---------------------------------------------------------------------------

// DynArrayLength is followed by the array.
func (b *Builder) DynArrayLength() *Builder { return b.Emit(OpDynArrayLength) }

// DynArrayInsert, DynArrayRemove and DynArrayAdd are followed by the array,
// their arguments and EndFunctionParms.
func (b *Builder) DynArrayInsert() *Builder { return b.Emit(OpDynArrayInsert) }
func (b *Builder) DynArrayRemove() *Builder { return b.Emit(OpDynArrayRemove) }
func (b *Builder) DynArrayAdd() *Builder    { return b.Emit(OpDynArrayAdd) }

// DynArrayItem emits an item intrinsic: op is one of the AddItem,
// InsertItem, RemoveItem, Find and Sort tokens. args writes the arguments;
// EndFunctionParms is added.
func (b *Builder) DynArrayItem(op Opcode, array, args func()) *Builder {
	b.Emit(op)
	array()
	b.skip(func() {
		args()
		b.EndFunctionParms()
	})
	return b
}

// DynArrayFindStruct finds the element whose member equals value.
func (b *Builder) DynArrayFindStruct(array func(), member Name, value func()) *Builder {
	b.Emit(OpDynArrayFindStruct)
	array()
	b.skip(func() {
		b.EmitName(member)
		value()
		b.EndFunctionParms()
	})
	return b
}

// ---------------------------------------------------------------------------
// Finishing
// ---------------------------------------------------------------------------

// LabelTable appends the table of named labels and returns its offset.
func (b *Builder) LabelTable() int {
	off := len(b.bytes)
	b.Emit(OpLabelTable)
	for _, l := range b.labels {
		if l.Name.IsNone() {
			continue
		}
		if !l.resolved {
			panic(fmt.Sprintf("label %s used but never marked", l))
		}
		b.EmitName(l.Name)
		b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(l.position))
	}
	b.EmitName(NameNone)
	return off
}

// BuildFunction installs the code as the body of fn.
func (b *Builder) BuildFunction(fn *Function) *Function {
	fn.Code = b.Bytes()
	return fn
}

// BuildState appends the label table and installs the code as the state
// code of st.
func (b *Builder) BuildState(st *State) *State {
	st.LabelTableOffset = b.LabelTable()
	st.Code = b.Bytes()
	return st
}
