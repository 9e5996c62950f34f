package vm

import (
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

// Value is a script value. The dynamic type follows the property kind it was
// read from:
//
//	byte      uint8
//	int       int32
//	bool      bool (property cells hold uint32 bit sets, see Property.BitMask)
//	float     float32
//	string    string
//	name      Name
//	object    *Object
//	class     *Class
//	delegate  Delegate
//	interface Interface
//	struct    *StructValue (vectors and rotators included)
//	array     []Value
//
// nil is the zero value of every kind.
type Value any

// Name is a case-insensitive identifier. The empty name and "None" are the
// same name.
type Name string

// NameNone is the null name.
const NameNone Name = ""

// IsNone reports whether n is the null name.
func (n Name) IsNone() bool {
	return n == "" || strings.EqualFold(string(n), "None")
}

// Equal compares names ignoring case.
func (n Name) Equal(o Name) bool {
	if n.IsNone() || o.IsNone() {
		return n.IsNone() && o.IsNone()
	}
	return strings.EqualFold(string(n), string(o))
}

func (n Name) String() string {
	if n.IsNone() {
		return "None"
	}
	return string(n)
}

// Delegate is a dynamic function reference. A nil Object means the function
// is resolved on the object that calls the delegate.
type Delegate struct {
	Object   *Object
	Function Name
}

// IsNone reports whether the delegate has nothing to call.
func (d Delegate) IsNone() bool { return d.Function.IsNone() }

// Interface is an object reference viewed through an interface class.
type Interface struct {
	Object *Object
	Iface  *Class
}

// StructValue is an instance of a script struct.
type StructValue struct {
	Type   *Struct
	Fields []Value
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func asByte(v Value) uint8 {
	b, _ := v.(uint8)
	return b
}

func asInt(v Value) int32 {
	i, _ := v.(int32)
	return i
}

func asFloat(v Value) float32 {
	f, _ := v.(float32)
	return f
}

func asBool(v Value) bool {
	b, _ := v.(bool)
	return b
}

func asString(v Value) string {
	s, _ := v.(string)
	return s
}

func asName(v Value) Name {
	n, _ := v.(Name)
	return n
}

func asObject(v Value) *Object {
	switch x := v.(type) {
	case *Object:
		return x
	case Interface:
		return x.Object
	}
	return nil
}

func asClass(v Value) *Class {
	c, _ := v.(*Class)
	return c
}

func asDelegate(v Value) Delegate {
	d, _ := v.(Delegate)
	return d
}

func asInterface(v Value) Interface {
	i, _ := v.(Interface)
	return i
}

func asStruct(v Value) *StructValue {
	s, _ := v.(*StructValue)
	return s
}

func asArray(v Value) []Value {
	a, _ := v.([]Value)
	return a
}

// objectValue keeps a nil *Object from turning into a non-nil interface.
func objectValue(o *Object) Value {
	if o == nil {
		return nil
	}
	return o
}

func classValue(c *Class) Value {
	if c == nil {
		return nil
	}
	return c
}

// AsInt, AsFloat and friends expose the conversions to natives written
// outside the package.
func AsInt(v Value) int32         { return asInt(v) }
func AsFloat(v Value) float32     { return asFloat(v) }
func AsBool(v Value) bool         { return asBool(v) }
func AsString(v Value) string     { return asString(v) }
func AsName(v Value) Name         { return asName(v) }
func AsObject(v Value) *Object    { return asObject(v) }
func AsArray(v Value) []Value     { return asArray(v) }
func AsDelegate(v Value) Delegate { return asDelegate(v) }

// ---------------------------------------------------------------------------
// Copy and compare
// ---------------------------------------------------------------------------

// CopyValue returns a copy of v that shares no mutable storage with it.
// Structs and arrays are copied deeply; everything else is immutable.
func CopyValue(v Value) Value {
	switch x := v.(type) {
	case *StructValue:
		if x == nil {
			return nil
		}
		return x.Clone()
	case []Value:
		if x == nil {
			return nil
		}
		out := make([]Value, len(x))
		for i, e := range x {
			out[i] = CopyValue(e)
		}
		return out
	}
	return v
}

// Clone deep-copies a struct value.
func (s *StructValue) Clone() *StructValue {
	out := &StructValue{Type: s.Type, Fields: make([]Value, len(s.Fields))}
	for i, f := range s.Fields {
		out.Fields[i] = CopyValue(f)
	}
	return out
}

// Identical compares two values of the same kind. nil equals the zero value
// of any kind. Strings compare exactly, names ignore case.
func Identical(a, b Value) bool {
	if a == nil {
		return isZero(b)
	}
	if b == nil {
		return isZero(a)
	}
	switch x := a.(type) {
	case Name:
		return x.Equal(asName(b))
	case *StructValue:
		return structEqual(x, asStruct(b))
	case []Value:
		y := asArray(b)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Identical(x[i], y[i]) {
				return false
			}
		}
		return true
	case Delegate:
		y := asDelegate(b)
		return x.Object == y.Object && x.Function.Equal(y.Function)
	case Interface:
		return x.Object == asObject(b)
	case *Object:
		return x == asObject(b)
	}
	return a == b
}

func structEqual(a, b *StructValue) bool {
	if a == nil || b == nil {
		return isZero(a) && isZero(b)
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if !Identical(a.Fields[i], b.Fields[i]) {
			return false
		}
	}
	return true
}

func isZero(v Value) bool {
	switch x := v.(type) {
	case nil:
		return true
	case uint8:
		return x == 0
	case int32:
		return x == 0
	case uint32:
		return x == 0
	case float32:
		return x == 0
	case bool:
		return !x
	case string:
		return x == ""
	case Name:
		return x.IsNone()
	case *Object:
		return x == nil
	case *Class:
		return x == nil
	case Delegate:
		return x.Object == nil && x.Function.IsNone()
	case Interface:
		return x.Object == nil
	case *StructValue:
		if x == nil {
			return true
		}
		for _, f := range x.Fields {
			if !isZero(f) {
				return false
			}
		}
		return true
	case []Value:
		return len(x) == 0
	}
	return false
}

// ---------------------------------------------------------------------------
// Vectors and rotators
// ---------------------------------------------------------------------------

// Vector is the native form of the core Vector struct.
type Vector struct{ X, Y, Z float32 }

// Rotator is the native form of the core Rotator struct. Angles use 65536
// units per full turn.
type Rotator struct{ Pitch, Yaw, Roll int32 }

// VectorValue wraps v as a core Vector struct value.
func VectorValue(v Vector) *StructValue {
	return &StructValue{Type: VectorStruct, Fields: []Value{v.X, v.Y, v.Z}}
}

// RotatorValue wraps r as a core Rotator struct value.
func RotatorValue(r Rotator) *StructValue {
	return &StructValue{Type: RotatorStruct, Fields: []Value{r.Pitch, r.Yaw, r.Roll}}
}

// ToVector reads a Vector struct value. Anything else is the zero vector.
func ToVector(v Value) Vector {
	s := asStruct(v)
	if s == nil || len(s.Fields) < 3 {
		return Vector{}
	}
	return Vector{asFloat(s.Fields[0]), asFloat(s.Fields[1]), asFloat(s.Fields[2])}
}

// ToRotator reads a Rotator struct value.
func ToRotator(v Value) Rotator {
	s := asStruct(v)
	if s == nil || len(s.Fields) < 3 {
		return Rotator{}
	}
	return Rotator{asInt(s.Fields[0]), asInt(s.Fields[1]), asInt(s.Fields[2])}
}

func (v Vector) Add(o Vector) Vector    { return Vector{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vector) Sub(o Vector) Vector    { return Vector{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vector) Mul(o Vector) Vector    { return Vector{v.X * o.X, v.Y * o.Y, v.Z * o.Z} }
func (v Vector) Scale(s float32) Vector { return Vector{v.X * s, v.Y * s, v.Z * s} }
func (v Vector) Dot(o Vector) float32   { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vector) SizeSquared() float32   { return v.Dot(v) }
func (v Vector) Size() float32          { return float32(math.Sqrt(float64(v.SizeSquared()))) }
func (v Vector) IsZero() bool           { return v.X == 0 && v.Y == 0 && v.Z == 0 }

func (v Vector) Cross(o Vector) Vector {
	return Vector{v.Y*o.Z - v.Z*o.Y, v.Z*o.X - v.X*o.Z, v.X*o.Y - v.Y*o.X}
}

// Normal returns v scaled to unit length, or the zero vector.
func (v Vector) Normal() Vector {
	sq := v.SizeSquared()
	if sq < 1e-8 {
		return Vector{}
	}
	return v.Scale(float32(1 / math.Sqrt(float64(sq))))
}

const rotatorUnitsToRadians = math.Pi / 32768

// Rotator converts a direction to pitch and yaw.
func (v Vector) Rotator() Rotator {
	yaw := math.Atan2(float64(v.Y), float64(v.X))
	pitch := math.Atan2(float64(v.Z), math.Hypot(float64(v.X), float64(v.Y)))
	return Rotator{
		Pitch: int32(pitch/rotatorUnitsToRadians) & 0xffff,
		Yaw:   int32(yaw/rotatorUnitsToRadians) & 0xffff,
	}
}

// Vector returns the unit direction the rotator faces.
func (r Rotator) Vector() Vector {
	p := float64(r.Pitch&0xffff) * rotatorUnitsToRadians
	y := float64(r.Yaw&0xffff) * rotatorUnitsToRadians
	cp := math.Cos(p)
	return Vector{float32(cp * math.Cos(y)), float32(cp * math.Sin(y)), float32(math.Sin(p))}
}

func (r Rotator) Add(o Rotator) Rotator {
	return Rotator{r.Pitch + o.Pitch, r.Yaw + o.Yaw, r.Roll + o.Roll}
}

func (r Rotator) Sub(o Rotator) Rotator {
	return Rotator{r.Pitch - o.Pitch, r.Yaw - o.Yaw, r.Roll - o.Roll}
}

func (r Rotator) Scale(s float32) Rotator {
	return Rotator{int32(float32(r.Pitch) * s), int32(float32(r.Yaw) * s), int32(float32(r.Roll) * s)}
}

func (r Rotator) IsZero() bool { return r.Pitch == 0 && r.Yaw == 0 && r.Roll == 0 }
