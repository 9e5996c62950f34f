package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is an expression token. Every token is followed by its operands,
// which may themselves be expressions.
type Opcode byte

// Variables
const (
	OpLocalVariable    Opcode = 0x00 // <ref property>
	OpInstanceVariable Opcode = 0x01 // <ref property>
	OpDefaultVariable  Opcode = 0x02 // <ref property>
	OpStateVariable    Opcode = 0x03 // <ref property>
	OpLocalOutVariable Opcode = 0x48 // <ref property>
	OpBoolVariable     Opcode = 0x2D // <expr>
	OpStructMember     Opcode = 0x35 // <ref member> <ref struct> <byte copy> <byte modifies> <expr>
	OpArrayElement     Opcode = 0x1A // <expr index> <expr array>
	OpDynArrayElement  Opcode = 0x10 // <expr index> <expr array>
	OpNativeParm       Opcode = 0x29 // <ref property>
)

// Flow control
const (
	OpReturn         Opcode = 0x04 // <expr>
	OpSwitch         Opcode = 0x05 // <expr>
	OpJump           Opcode = 0x06 // <word target>
	OpJumpIfNot      Opcode = 0x07 // <word target> <expr>
	OpStop           Opcode = 0x08
	OpAssert         Opcode = 0x09 // <word line> <byte debug> <expr>
	OpCase           Opcode = 0x0A // <word next> [<expr>]; next 0xFFFF is default
	OpNothing        Opcode = 0x0B
	OpLabelTable     Opcode = 0x0C // (<name> <int offset>)* <name None>
	OpGotoLabel      Opcode = 0x0D // <expr name>
	OpEatReturnValue Opcode = 0x0E // <ref property> <expr>
	OpSkip           Opcode = 0x18 // <skip> <expr>
	OpConditional    Opcode = 0x45 // <expr> <skip> <expr> <skip> <expr>
	OpReturnNothing  Opcode = 0x3A // <ref return property>
	OpDebugInfo      Opcode = 0x41 // <int line> <int pos> <byte token>
	OpEndOfScript    Opcode = 0x53
)

// Assignment
const (
	OpLet         Opcode = 0x0F // <expr lhs> <expr rhs>
	OpLetBool     Opcode = 0x14 // <expr lhs> <expr rhs>
	OpLetDelegate Opcode = 0x44 // <expr lhs> <expr rhs>
)

// Objects and contexts
const (
	OpNew              Opcode = 0x11 // <expr outer> <expr name> <expr class>
	OpClassContext     Opcode = 0x12 // <expr class> <skip> <ref property> <byte size> <expr>
	OpMetaCast         Opcode = 0x13 // <ref class> <expr>
	OpSelf             Opcode = 0x17
	OpContext          Opcode = 0x19 // <expr object> <skip> <ref property> <byte size> <expr>
	OpDynamicCast      Opcode = 0x2E // <ref class> <expr>
	OpInterfaceContext Opcode = 0x51 // <expr>
	OpInterfaceCast    Opcode = 0x52 // <ref class> <expr>
	OpStructCmpEq      Opcode = 0x32 // <ref struct> <expr> <expr>
	OpStructCmpNe      Opcode = 0x33 // <ref struct> <expr> <expr>
	OpPrimitiveCast    Opcode = 0x38 // <byte cast> <expr>
)

// Calls
const (
	OpEndParmValue     Opcode = 0x15
	OpEndFunctionParms Opcode = 0x16
	OpVirtualFunction  Opcode = 0x1B // <name> <parms>
	OpFinalFunction    Opcode = 0x1C // <ref function> <parms>
	OpGlobalFunction   Opcode = 0x37 // <name> <parms>
	OpDelegateFunction Opcode = 0x42 // <byte local> <ref property> <name> <parms>
	OpDefaultParmValue Opcode = 0x49 // <ref property> <skip> <expr>
	OpEmptyParmValue   Opcode = 0x4A
)

// Constants
const (
	OpIntConst           Opcode = 0x1D // <int>
	OpFloatConst         Opcode = 0x1E // <float>
	OpStringConst        Opcode = 0x1F // <zero-terminated ANSI>
	OpObjectConst        Opcode = 0x20 // <ref object or class>
	OpNameConst          Opcode = 0x21 // <name>
	OpRotationConst      Opcode = 0x22 // <int> <int> <int>
	OpVectorConst        Opcode = 0x23 // <float> <float> <float>
	OpByteConst          Opcode = 0x24 // <byte>
	OpIntZero            Opcode = 0x25
	OpIntOne             Opcode = 0x26
	OpTrue               Opcode = 0x27
	OpFalse              Opcode = 0x28
	OpNoObject           Opcode = 0x2A
	OpIntConstByte       Opcode = 0x2C // <byte>
	OpUnicodeStringConst Opcode = 0x34 // <zero-terminated UTF-16>
	OpEmptyDelegate      Opcode = 0x3F
)

// Delegates
const (
	OpEqualEqualDelDel  Opcode = 0x3B // <expr> <expr> <end>
	OpNotEqualDelDel    Opcode = 0x3C // <expr> <expr> <end>
	OpEqualEqualDelFunc Opcode = 0x3D // <expr> <expr> <end>
	OpNotEqualDelFunc   Opcode = 0x3E // <expr> <expr> <end>
	OpDelegateProperty  Opcode = 0x43 // <name> <ref property>
	OpInstanceDelegate  Opcode = 0x4B // <name>
)

// Dynamic arrays
const (
	OpDynArrayLength     Opcode = 0x36 // <expr>
	OpDynArrayInsert     Opcode = 0x39 // <expr array> <expr index> <expr count> <end>
	OpDynArrayRemove     Opcode = 0x40 // <expr array> <expr index> <expr count> <end>
	OpDynArrayFind       Opcode = 0x46 // <expr array> <skip> <expr> <end>
	OpDynArrayFindStruct Opcode = 0x47 // <expr array> <skip> <name member> <expr> <end>
	OpDynArrayAdd        Opcode = 0x54 // <expr array> <expr count> <end>
	OpDynArrayAddItem    Opcode = 0x55 // <expr array> <skip> <expr> <end>
	OpDynArrayRemoveItem Opcode = 0x56 // <expr array> <skip> <expr> <end>
	OpDynArrayInsertItem Opcode = 0x57 // <expr array> <skip> <expr index> <expr> <end>
	OpDynArraySort       Opcode = 0x59 // <expr array> <skip> <expr delegate> <end>
)

// Natives
const (
	OpExtendedNative Opcode = 0x60 // 0x60..0x6F: <byte low> <parms>
	OpFirstNative    Opcode = 0x70 // 0x70..0xFF: <parms>
)

// MaxNatives is the size of the native function table. Extended natives
// encode a 12-bit index.
const MaxNatives = 0x1000

// CaseDefault marks the default label of a switch.
const CaseDefault = 0xFFFF

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Operand describes one operand of a token.
type Operand uint8

const (
	OperandByte    Operand = iota // 8-bit value
	OperandWord                   // 16-bit absolute code offset or line
	OperandSkip                   // 16-bit relative skip count
	OperandInt                    // 32-bit signed integer
	OperandFloat                  // 32-bit float
	OperandName                   // 32-bit name index
	OperandRef                    // 32-bit reference index
	OperandString                 // zero-terminated ANSI string
	OperandUnicode                // zero-terminated UTF-16 string
	OperandExpr                   // nested expression
	OperandParms                  // expressions up to EndFunctionParms
	OperandCast                   // cast token followed by an expression
)

// OpcodeInfo holds metadata about a token.
type OpcodeInfo struct {
	Name     string
	Operands []Operand
}

var (
	opsNone = []Operand{}
	opsRef  = []Operand{OperandRef}
	opsExpr = []Operand{OperandExpr}
	opsTwo  = []Operand{OperandExpr, OperandExpr}
	opsCtx  = []Operand{OperandExpr, OperandSkip, OperandRef, OperandByte, OperandExpr}
	opsItem = []Operand{OperandExpr, OperandSkip, OperandParms}
)

var opcodeTable = map[Opcode]OpcodeInfo{
	OpLocalVariable:    {"LocalVariable", opsRef},
	OpInstanceVariable: {"InstanceVariable", opsRef},
	OpDefaultVariable:  {"DefaultVariable", opsRef},
	OpStateVariable:    {"StateVariable", opsRef},
	OpLocalOutVariable: {"LocalOutVariable", opsRef},
	OpBoolVariable:     {"BoolVariable", opsExpr},
	OpStructMember:     {"StructMember", []Operand{OperandRef, OperandRef, OperandByte, OperandByte, OperandExpr}},
	OpArrayElement:     {"ArrayElement", opsTwo},
	OpDynArrayElement:  {"DynArrayElement", opsTwo},
	OpNativeParm:       {"NativeParm", opsRef},

	OpReturn:         {"Return", opsExpr},
	OpSwitch:         {"Switch", opsExpr},
	OpJump:           {"Jump", []Operand{OperandWord}},
	OpJumpIfNot:      {"JumpIfNot", []Operand{OperandWord, OperandExpr}},
	OpStop:           {"Stop", opsNone},
	OpAssert:         {"Assert", []Operand{OperandWord, OperandByte, OperandExpr}},
	OpCase:           {"Case", []Operand{OperandWord}},
	OpNothing:        {"Nothing", opsNone},
	OpLabelTable:     {"LabelTable", opsNone},
	OpGotoLabel:      {"GotoLabel", opsExpr},
	OpEatReturnValue: {"EatReturnValue", []Operand{OperandRef, OperandExpr}},
	OpSkip:           {"Skip", []Operand{OperandSkip, OperandExpr}},
	OpConditional:    {"Conditional", []Operand{OperandExpr, OperandSkip, OperandExpr, OperandSkip, OperandExpr}},
	OpReturnNothing:  {"ReturnNothing", opsRef},
	OpDebugInfo:      {"DebugInfo", []Operand{OperandInt, OperandInt, OperandByte}},
	OpEndOfScript:    {"EndOfScript", opsNone},

	OpLet:         {"Let", opsTwo},
	OpLetBool:     {"LetBool", opsTwo},
	OpLetDelegate: {"LetDelegate", opsTwo},

	OpNew:              {"New", []Operand{OperandExpr, OperandExpr, OperandExpr}},
	OpClassContext:     {"ClassContext", opsCtx},
	OpMetaCast:         {"MetaCast", []Operand{OperandRef, OperandExpr}},
	OpSelf:             {"Self", opsNone},
	OpContext:          {"Context", opsCtx},
	OpDynamicCast:      {"DynamicCast", []Operand{OperandRef, OperandExpr}},
	OpInterfaceContext: {"InterfaceContext", opsExpr},
	OpInterfaceCast:    {"InterfaceCast", []Operand{OperandRef, OperandExpr}},
	OpStructCmpEq:      {"StructCmpEq", []Operand{OperandRef, OperandExpr, OperandExpr}},
	OpStructCmpNe:      {"StructCmpNe", []Operand{OperandRef, OperandExpr, OperandExpr}},
	OpPrimitiveCast:    {"PrimitiveCast", []Operand{OperandCast}},

	OpEndParmValue:     {"EndParmValue", opsNone},
	OpEndFunctionParms: {"EndFunctionParms", opsNone},
	OpVirtualFunction:  {"VirtualFunction", []Operand{OperandName, OperandParms}},
	OpFinalFunction:    {"FinalFunction", []Operand{OperandRef, OperandParms}},
	OpGlobalFunction:   {"GlobalFunction", []Operand{OperandName, OperandParms}},
	OpDelegateFunction: {"DelegateFunction", []Operand{OperandByte, OperandRef, OperandName, OperandParms}},
	OpDefaultParmValue: {"DefaultParmValue", []Operand{OperandRef, OperandSkip, OperandExpr}},
	OpEmptyParmValue:   {"EmptyParmValue", opsNone},

	OpIntConst:           {"IntConst", []Operand{OperandInt}},
	OpFloatConst:         {"FloatConst", []Operand{OperandFloat}},
	OpStringConst:        {"StringConst", []Operand{OperandString}},
	OpObjectConst:        {"ObjectConst", opsRef},
	OpNameConst:          {"NameConst", []Operand{OperandName}},
	OpRotationConst:      {"RotationConst", []Operand{OperandInt, OperandInt, OperandInt}},
	OpVectorConst:        {"VectorConst", []Operand{OperandFloat, OperandFloat, OperandFloat}},
	OpByteConst:          {"ByteConst", []Operand{OperandByte}},
	OpIntZero:            {"IntZero", opsNone},
	OpIntOne:             {"IntOne", opsNone},
	OpTrue:               {"True", opsNone},
	OpFalse:              {"False", opsNone},
	OpNoObject:           {"NoObject", opsNone},
	OpIntConstByte:       {"IntConstByte", []Operand{OperandByte}},
	OpUnicodeStringConst: {"UnicodeStringConst", []Operand{OperandUnicode}},
	OpEmptyDelegate:      {"EmptyDelegate", opsNone},

	OpEqualEqualDelDel:  {"EqualEqual_DelDel", []Operand{OperandParms}},
	OpNotEqualDelDel:    {"NotEqual_DelDel", []Operand{OperandParms}},
	OpEqualEqualDelFunc: {"EqualEqual_DelFunc", []Operand{OperandParms}},
	OpNotEqualDelFunc:   {"NotEqual_DelFunc", []Operand{OperandParms}},
	OpDelegateProperty:  {"DelegateProperty", []Operand{OperandName, OperandRef}},
	OpInstanceDelegate:  {"InstanceDelegate", []Operand{OperandName}},

	OpDynArrayLength:     {"DynArrayLength", opsExpr},
	OpDynArrayInsert:     {"DynArrayInsert", []Operand{OperandParms}},
	OpDynArrayRemove:     {"DynArrayRemove", []Operand{OperandParms}},
	OpDynArrayFind:       {"DynArrayFind", opsItem},
	OpDynArrayFindStruct: {"DynArrayFindStruct", []Operand{OperandExpr, OperandSkip, OperandName, OperandParms}},
	OpDynArrayAdd:        {"DynArrayAdd", []Operand{OperandParms}},
	OpDynArrayAddItem:    {"DynArrayAddItem", opsItem},
	OpDynArrayRemoveItem: {"DynArrayRemoveItem", opsItem},
	OpDynArrayInsertItem: {"DynArrayInsertItem", opsItem},
	OpDynArraySort:       {"DynArraySort", opsItem},
}

// Info returns metadata about the opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	if op >= OpExtendedNative {
		return OpcodeInfo{Name: fmt.Sprintf("Native_%02X", byte(op)), Operands: []Operand{OperandParms}}
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the mnemonic for the opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// IsNative reports whether the token calls an entry of the native table.
func (op Opcode) IsNative() bool { return op >= OpExtendedNative }

func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Bytecode reader
// ---------------------------------------------------------------------------

// BytecodeReader reads operands from a token stream. Multi-byte operands
// are little-endian and need no alignment.
type BytecodeReader struct {
	Code []byte
	IP   int
}

// NewBytecodeReader creates a reader positioned at the start of code.
func NewBytecodeReader(code []byte) *BytecodeReader {
	return &BytecodeReader{Code: code}
}

// HasMore reports whether bytes remain.
func (r *BytecodeReader) HasMore() bool {
	return r.IP < len(r.Code)
}

func (r *BytecodeReader) need(n int) {
	if r.IP+n > len(r.Code) {
		panic("bytecode underflow")
	}
}

// ReadByte reads one byte.
func (r *BytecodeReader) ReadByte() byte {
	r.need(1)
	b := r.Code[r.IP]
	r.IP++
	return b
}

// PeekOpcode returns the next token without consuming it.
func (r *BytecodeReader) PeekOpcode() Opcode {
	r.need(1)
	return Opcode(r.Code[r.IP])
}

// ReadWord reads a 16-bit code offset.
func (r *BytecodeReader) ReadWord() uint16 {
	r.need(2)
	v := binary.LittleEndian.Uint16(r.Code[r.IP:])
	r.IP += 2
	return v
}

// ReadCodeSkipCount reads a relative skip count.
func (r *BytecodeReader) ReadCodeSkipCount() int {
	return int(r.ReadWord())
}

// ReadVariableSize reads the byte size of the variable a context
// expression yields.
func (r *BytecodeReader) ReadVariableSize() int {
	return int(r.ReadByte())
}

// ReadUint32 reads an unsigned 32-bit value.
func (r *BytecodeReader) ReadUint32() uint32 {
	r.need(4)
	v := binary.LittleEndian.Uint32(r.Code[r.IP:])
	r.IP += 4
	return v
}

// ReadInt reads a signed 32-bit value.
func (r *BytecodeReader) ReadInt() int32 {
	return int32(r.ReadUint32())
}

// ReadFloat reads a 32-bit float.
func (r *BytecodeReader) ReadFloat() float32 {
	return math.Float32frombits(r.ReadUint32())
}

// ReadCString reads a zero-terminated byte string.
func (r *BytecodeReader) ReadCString() []byte {
	start := r.IP
	for {
		if r.ReadByte() == 0 {
			return r.Code[start : r.IP-1]
		}
	}
}

// ReadUnicode reads a zero-terminated UTF-16 string.
func (r *BytecodeReader) ReadUnicode() string {
	var units []uint16
	for {
		u := r.ReadWord()
		if u == 0 {
			return string(utf16.Decode(units))
		}
		units = append(units, u)
	}
}
