package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Cast tokens
// ---------------------------------------------------------------------------

// CastToken selects a conversion of the PrimitiveCast token.
type CastToken byte

const (
	CastInterfaceToObject CastToken = 0x36
	CastInterfaceToString CastToken = 0x37
	CastInterfaceToBool   CastToken = 0x38
	CastRotatorToVector   CastToken = 0x39
	CastByteToInt         CastToken = 0x3A
	CastByteToBool        CastToken = 0x3B
	CastByteToFloat       CastToken = 0x3C
	CastIntToByte         CastToken = 0x3D
	CastIntToBool         CastToken = 0x3E
	CastIntToFloat        CastToken = 0x3F
	CastBoolToByte        CastToken = 0x40
	CastBoolToInt         CastToken = 0x41
	CastBoolToFloat       CastToken = 0x42
	CastFloatToByte       CastToken = 0x43
	CastFloatToInt        CastToken = 0x44
	CastFloatToBool       CastToken = 0x45
	CastObjectToInterface CastToken = 0x46 // followed by <ref interface class>
	CastObjectToBool      CastToken = 0x47
	CastNameToBool        CastToken = 0x48
	CastStringToByte      CastToken = 0x49
	CastStringToInt       CastToken = 0x4A
	CastStringToBool      CastToken = 0x4B
	CastStringToFloat     CastToken = 0x4C
	CastStringToVector    CastToken = 0x4D
	CastStringToRotator   CastToken = 0x4E
	CastVectorToBool      CastToken = 0x4F
	CastVectorToRotator   CastToken = 0x50
	CastRotatorToBool     CastToken = 0x51
	CastByteToString      CastToken = 0x52
	CastIntToString       CastToken = 0x53
	CastBoolToString      CastToken = 0x54
	CastFloatToString     CastToken = 0x55
	CastObjectToString    CastToken = 0x56
	CastNameToString      CastToken = 0x57
	CastVectorToString    CastToken = 0x58
	CastRotatorToString   CastToken = 0x59
	CastDelegateToString  CastToken = 0x5A
	CastStringToName      CastToken = 0x60
)

// GCasts is the cast table. Each entry evaluates its own operand.
var GCasts [256]NativeFunc

var castNames [256]string

func (c CastToken) String() string {
	if n := castNames[c]; n != "" {
		return n
	}
	return fmt.Sprintf("Cast_%02X", byte(c))
}

func registerCast(token CastToken, name string, fn NativeFunc) {
	if GCasts[token] != nil {
		panic(fmt.Sprintf("cast %02X registered twice", byte(token)))
	}
	GCasts[token] = fn
	castNames[token] = name
}

// conv adapts a pure conversion to a cast table entry.
func conv(fn func(Value) Value) NativeFunc {
	return func(ctx *Object, f *Frame, result *Value) {
		var v Value
		f.Step(f.Object, &v)
		set(result, fn(v))
	}
}

func init() {
	registerCast(CastInterfaceToObject, "InterfaceToObject", conv(func(v Value) Value { return objectValue(asObject(v)) }))
	registerCast(CastInterfaceToString, "InterfaceToString", conv(func(v Value) Value { return asObject(v).String() }))
	registerCast(CastInterfaceToBool, "InterfaceToBool", conv(func(v Value) Value { return asObject(v) != nil }))
	registerCast(CastRotatorToVector, "RotatorToVector", conv(func(v Value) Value { return VectorValue(ToRotator(v).Vector()) }))
	registerCast(CastByteToInt, "ByteToInt", conv(func(v Value) Value { return int32(asByte(v)) }))
	registerCast(CastByteToBool, "ByteToBool", conv(func(v Value) Value { return asByte(v) != 0 }))
	registerCast(CastByteToFloat, "ByteToFloat", conv(func(v Value) Value { return float32(asByte(v)) }))
	registerCast(CastIntToByte, "IntToByte", conv(func(v Value) Value { return uint8(asInt(v)) }))
	registerCast(CastIntToBool, "IntToBool", conv(func(v Value) Value { return asInt(v) != 0 }))
	registerCast(CastIntToFloat, "IntToFloat", conv(func(v Value) Value { return float32(asInt(v)) }))
	registerCast(CastBoolToByte, "BoolToByte", conv(func(v Value) Value { return uint8(boolInt(asBool(v))) }))
	registerCast(CastBoolToInt, "BoolToInt", conv(func(v Value) Value { return boolInt(asBool(v)) }))
	registerCast(CastBoolToFloat, "BoolToFloat", conv(func(v Value) Value { return float32(boolInt(asBool(v))) }))
	registerCast(CastFloatToByte, "FloatToByte", conv(func(v Value) Value { return uint8(int32(asFloat(v))) }))
	registerCast(CastFloatToInt, "FloatToInt", conv(func(v Value) Value { return int32(asFloat(v)) }))
	registerCast(CastFloatToBool, "FloatToBool", conv(func(v Value) Value { return asFloat(v) != 0 }))
	registerCast(CastObjectToInterface, "ObjectToInterface", execObjectToInterface)
	registerCast(CastObjectToBool, "ObjectToBool", conv(func(v Value) Value { return asObject(v) != nil }))
	registerCast(CastNameToBool, "NameToBool", conv(func(v Value) Value { return !asName(v).IsNone() }))
	registerCast(CastStringToByte, "StringToByte", conv(func(v Value) Value { return uint8(Atoi(asString(v))) }))
	registerCast(CastStringToInt, "StringToInt", conv(func(v Value) Value { return Atoi(asString(v)) }))
	registerCast(CastStringToBool, "StringToBool", conv(func(v Value) Value { return stringToBool(asString(v)) }))
	registerCast(CastStringToFloat, "StringToFloat", conv(func(v Value) Value { return Atof(asString(v)) }))
	registerCast(CastStringToVector, "StringToVector", conv(func(v Value) Value { return VectorValue(stringToVector(asString(v))) }))
	registerCast(CastStringToRotator, "StringToRotator", conv(func(v Value) Value { return RotatorValue(stringToRotator(asString(v))) }))
	registerCast(CastVectorToBool, "VectorToBool", conv(func(v Value) Value { return !ToVector(v).IsZero() }))
	registerCast(CastVectorToRotator, "VectorToRotator", conv(func(v Value) Value { return RotatorValue(ToVector(v).Rotator()) }))
	registerCast(CastRotatorToBool, "RotatorToBool", conv(func(v Value) Value { return !ToRotator(v).IsZero() }))
	registerCast(CastByteToString, "ByteToString", conv(func(v Value) Value { return strconv.Itoa(int(asByte(v))) }))
	registerCast(CastIntToString, "IntToString", conv(func(v Value) Value { return strconv.Itoa(int(asInt(v))) }))
	registerCast(CastBoolToString, "BoolToString", conv(func(v Value) Value { return boolString(asBool(v)) }))
	registerCast(CastFloatToString, "FloatToString", conv(func(v Value) Value { return FloatString(asFloat(v)) }))
	registerCast(CastObjectToString, "ObjectToString", conv(func(v Value) Value { return objectString(v) }))
	registerCast(CastNameToString, "NameToString", conv(func(v Value) Value { return asName(v).String() }))
	registerCast(CastVectorToString, "VectorToString", conv(func(v Value) Value { return vectorString(ToVector(v)) }))
	registerCast(CastRotatorToString, "RotatorToString", conv(func(v Value) Value { return rotatorString(ToRotator(v)) }))
	registerCast(CastDelegateToString, "DelegateToString", conv(func(v Value) Value { return delegateString(asDelegate(v)) }))
	registerCast(CastStringToName, "StringToName", conv(func(v Value) Value { return Name(asString(v)) }))
}

func execObjectToInterface(ctx *Object, f *Frame, result *Value) {
	iface := f.ReadClass()
	var v Value
	f.Step(f.Object, &v)
	set(result, toInterface(asObject(v), iface))
}

// toInterface yields a null interface when obj does not implement iface.
func toInterface(obj *Object, iface *Class) Value {
	if obj == nil || iface == nil || !obj.Class.Implements(iface) {
		return Interface{}
	}
	return Interface{Object: obj, Iface: iface}
}

// ---------------------------------------------------------------------------
// Text conversions
// ---------------------------------------------------------------------------

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func boolString(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// FloatString formats a float the way script string conversion does.
func FloatString(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', 2, 32)
}

func vectorString(v Vector) string {
	return FloatString(v.X) + "," + FloatString(v.Y) + "," + FloatString(v.Z)
}

func rotatorString(r Rotator) string {
	return fmt.Sprintf("%d,%d,%d", r.Pitch, r.Yaw, r.Roll)
}

func objectString(v Value) string {
	if o := asObject(v); o != nil {
		return string(o.Name)
	}
	if c := asClass(v); c != nil {
		return string(c.Name)
	}
	return "None"
}

func delegateString(d Delegate) string {
	if d.IsNone() {
		return "None"
	}
	if d.Object != nil {
		return string(d.Object.Name) + "." + string(d.Function)
	}
	return string(d.Function)
}

func stringToBool(s string) bool {
	t := strings.TrimSpace(s)
	return strings.EqualFold(t, "True") || strings.EqualFold(t, "Yes") || Atoi(t) != 0
}

// Atoi converts the leading integer of s like the C library does: leading
// space is skipped, an optional sign is accepted and conversion stops at
// the first non-digit. No digits converts to zero.
func Atoi(s string) int32 {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	var n int64
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int64(s[i]-'0')
		if n > 1<<32 {
			n = 1 << 32
		}
	}
	if neg {
		n = -n
	}
	return int32(n)
}

// Atof converts the longest float prefix of s, zero when there is none.
func Atof(s string) float32 {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	start := i
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for ; i < len(s) && isDigit(s[i]); i++ {
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for ; i < len(s) && isDigit(s[i]); i++ {
			digits++
		}
	}
	if digits == 0 {
		return 0
	}
	end := i
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			end = j
		}
	}
	// Out of range input yields ±Inf alongside the error, as strtod does.
	f, _ := strconv.ParseFloat(s[start:end], 32)
	return float32(f)
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func stringToVector(s string) Vector {
	var v Vector
	parts := strings.SplitN(s, ",", 3)
	if len(parts) > 0 {
		v.X = Atof(parts[0])
	}
	if len(parts) > 1 {
		v.Y = Atof(parts[1])
	}
	if len(parts) > 2 {
		v.Z = Atof(parts[2])
	}
	return v
}

func stringToRotator(s string) Rotator {
	var r Rotator
	parts := strings.SplitN(s, ",", 3)
	if len(parts) > 0 {
		r.Pitch = Atoi(parts[0])
	}
	if len(parts) > 1 {
		r.Yaw = Atoi(parts[1])
	}
	if len(parts) > 2 {
		r.Roll = Atoi(parts[2])
	}
	return r
}

// FormatValue renders a value for consoles and the debugger. Strings are
// quoted; structs and arrays list their elements.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case uint8:
		return strconv.Itoa(int(x))
	case int32:
		return strconv.Itoa(int(x))
	case bool:
		return boolString(x)
	case float32:
		return FloatString(x)
	case string:
		return strconv.Quote(x)
	case Name:
		return "'" + string(x) + "'"
	case *Object, *Class:
		return objectString(x)
	case Delegate:
		return delegateString(x)
	case Interface:
		return objectString(x.Object)
	case *StructValue:
		if x == nil {
			return "None"
		}
		if x.Type == nil {
			return FormatValue(x.Fields)
		}
		parts := make([]string, 0, len(x.Type.Fields))
		for _, p := range x.Type.Fields {
			if p.Offset < len(x.Fields) {
				parts = append(parts, string(p.Name)+"="+FormatValue(p.Load(x.Fields[p.Offset])))
			}
		}
		return "(" + strings.Join(parts, ",") + ")"
	case []Value:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = FormatValue(e)
		}
		return "(" + strings.Join(parts, ",") + ")"
	}
	return fmt.Sprint(v)
}
