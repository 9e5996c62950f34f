package vm

import "fmt"

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

// PropertyKind is the storage type of a property.
type PropertyKind uint8

const (
	KindByte PropertyKind = iota
	KindInt
	KindBool
	KindFloat
	KindString
	KindName
	KindObject
	KindClass
	KindDelegate
	KindInterface
	KindStruct
	KindArray
)

var kindNames = [...]string{
	KindByte:      "byte",
	KindInt:       "int",
	KindBool:      "bool",
	KindFloat:     "float",
	KindString:    "string",
	KindName:      "name",
	KindObject:    "object",
	KindClass:     "class",
	KindDelegate:  "delegate",
	KindInterface: "interface",
	KindStruct:    "struct",
	KindArray:     "array",
}

func (k PropertyKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// PropertyFlags describe how a property is used.
type PropertyFlags uint32

const (
	PropParm PropertyFlags = 1 << iota
	PropOutParm
	PropReturnParm
	PropOptionalParm
	PropConst
	PropTransient
	PropNative
)

// Property describes one variable of a struct, class, state or function.
// Offset is the slot index inside the owning container; static arrays
// occupy ArrayDim consecutive slots.
type Property struct {
	Name     Name
	Kind     PropertyKind
	Offset   int
	ArrayDim int
	Flags    PropertyFlags

	// BitMask selects this bool inside its uint32 cell. Several bool
	// properties of a class share one cell.
	BitMask uint32

	Struct    *Struct   // KindStruct
	Inner     *Property // KindArray element
	Class     *Class    // KindObject, KindInterface, and the meta class of KindClass
	Signature *Function // KindDelegate

	Outer Name // owning container, for diagnostics
}

// NewProperty declares a property of a primitive kind.
func NewProperty(name Name, kind PropertyKind) *Property {
	return &Property{Name: name, Kind: kind}
}

func StructProperty(name Name, s *Struct) *Property {
	return &Property{Name: name, Kind: KindStruct, Struct: s}
}

func ObjectProperty(name Name, class *Class) *Property {
	return &Property{Name: name, Kind: KindObject, Class: class}
}

func ClassProperty(name Name, meta *Class) *Property {
	return &Property{Name: name, Kind: KindClass, Class: meta}
}

func InterfaceProperty(name Name, iface *Class) *Property {
	return &Property{Name: name, Kind: KindInterface, Class: iface}
}

func DelegateProperty(name Name, sig *Function) *Property {
	return &Property{Name: name, Kind: KindDelegate, Signature: sig}
}

// ArrayProperty declares a dynamic array of inner elements.
func ArrayProperty(name Name, inner *Property) *Property {
	return &Property{Name: name, Kind: KindArray, Inner: inner}
}

// Out marks p as an out parameter.
func (p *Property) Out() *Property {
	p.Flags |= PropOutParm
	return p
}

// Optional marks p as an optional parameter.
func (p *Property) Optional() *Property {
	p.Flags |= PropOptionalParm
	return p
}

// Static makes p a static array of dim elements.
func (p *Property) Static(dim int) *Property {
	p.ArrayDim = dim
	return p
}

// Dim returns the number of slots the property occupies.
func (p *Property) Dim() int {
	if p.ArrayDim < 1 {
		return 1
	}
	return p.ArrayDim
}

func (p *Property) IsOut() bool { return p.Flags&PropOutParm != 0 }

func (p *Property) IsParm() bool { return p.Flags&PropParm != 0 }

// Zero returns a freshly constructed default for one element of p. Struct
// properties get a copy of the struct's defaults.
func (p *Property) Zero() Value {
	switch p.Kind {
	case KindByte:
		return uint8(0)
	case KindInt:
		return int32(0)
	case KindBool:
		return uint32(0)
	case KindFloat:
		return float32(0)
	case KindString:
		return ""
	case KindName:
		return NameNone
	case KindDelegate:
		return Delegate{}
	case KindStruct:
		if p.Struct != nil {
			return p.Struct.New()
		}
	}
	return nil
}

// Load converts a stored cell into the value a reader sees. Bool cells are
// reduced to a bool through the bit mask.
func (p *Property) Load(cell Value) Value {
	if p.Kind != KindBool {
		return cell
	}
	switch x := cell.(type) {
	case uint32:
		return x&p.mask() != 0
	case bool:
		return x
	}
	return false
}

// Store writes v into cell following p's storage rules.
func (p *Property) Store(cell *Value, v Value) {
	if p.Kind != KindBool {
		*cell = CopyValue(v)
		return
	}
	bits, _ := (*cell).(uint32)
	if truthy(v) {
		bits |= p.mask()
	} else {
		bits &^= p.mask()
	}
	*cell = bits
}

func (p *Property) mask() uint32 {
	if p.BitMask == 0 {
		return 1
	}
	return p.BitMask
}

// truthy interprets bool-ish values written to a bool cell.
func truthy(v Value) bool {
	switch x := v.(type) {
	case bool:
		return x
	case uint32:
		return x != 0
	}
	return false
}

// TypeName spells the property type the way a declaration would.
func (p *Property) TypeName() string {
	var t string
	switch p.Kind {
	case KindStruct:
		t = "struct"
		if p.Struct != nil {
			t = string(p.Struct.Name)
		}
	case KindObject, KindInterface:
		t = "Object"
		if p.Class != nil {
			t = string(p.Class.Name)
		}
	case KindClass:
		t = "class"
		if p.Class != nil {
			t = "class<" + string(p.Class.Name) + ">"
		}
	case KindArray:
		t = "array<?>"
		if p.Inner != nil {
			t = "array<" + p.Inner.TypeName() + ">"
		}
	default:
		t = p.Kind.String()
	}
	if p.ArrayDim > 1 {
		t = fmt.Sprintf("%s[%d]", t, p.ArrayDim)
	}
	return t
}

func (p *Property) String() string {
	if p == nil {
		return "None"
	}
	if p.Outer.IsNone() {
		return string(p.Name)
	}
	return string(p.Outer) + "." + string(p.Name)
}

// ---------------------------------------------------------------------------
// Addresses
// ---------------------------------------------------------------------------

// Addr is the location of a property cell: a slot in a container. The zero
// Addr refers to nothing, which is what an access through None produces.
type Addr struct {
	Slots []Value
	Index int
}

func (a Addr) Valid() bool { return a.Slots != nil && a.Index >= 0 && a.Index < len(a.Slots) }

func (a Addr) Ptr() *Value { return &a.Slots[a.Index] }

func (a Addr) Load() Value { return a.Slots[a.Index] }

// Offset returns the address n slots further on, used by static arrays.
func (a Addr) Offset(n int) Addr { return Addr{a.Slots, a.Index + n} }

// initSlots fills slots with the zero values of props.
func initSlots(slots []Value, props []*Property) {
	for _, p := range props {
		for i := 0; i < p.Dim(); i++ {
			slots[p.Offset+i] = p.Zero()
		}
	}
}
