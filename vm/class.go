package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Layout
// ---------------------------------------------------------------------------

// key folds a name for map lookups.
func key(n Name) string { return strings.ToLower(string(n)) }

// layout assigns slots to properties as they are declared.
type layout struct {
	props     []*Property
	numSlots  int
	packBools bool
	lastBool  *Property
}

func (l *layout) add(outer Name, p *Property) *Property {
	p.Outer = outer
	if p.Kind == KindBool && p.Dim() == 1 && l.packBools {
		if prev := l.lastBool; prev != nil && prev.mask() < 1<<31 {
			p.Offset = prev.Offset
			p.BitMask = prev.mask() << 1
			l.lastBool = p
			l.props = append(l.props, p)
			return p
		}
		p.BitMask = 1
		l.lastBool = p
	} else if p.Kind == KindBool && p.BitMask == 0 {
		p.BitMask = 1
	}
	p.Offset = l.numSlots
	l.numSlots += p.Dim()
	l.props = append(l.props, p)
	return p
}

func findProperty(props []*Property, name Name) *Property {
	for _, p := range props {
		if p.Name.Equal(name) {
			return p
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Structs
// ---------------------------------------------------------------------------

// Struct is a script struct type. Fields includes inherited fields.
type Struct struct {
	Name     Name
	Super    *Struct
	Package  *Package
	Fields   []*Property
	NumSlots int
	Defaults []Value

	layout layout
}

// NewStruct declares a struct. Fields of super come first.
func NewStruct(name Name, super *Struct) *Struct {
	s := &Struct{Name: name, Super: super}
	if super != nil {
		s.layout.numSlots = super.NumSlots
		s.layout.props = append(s.layout.props, super.Fields...)
		s.Defaults = append(s.Defaults, super.Defaults...)
	}
	s.Fields = s.layout.props
	s.NumSlots = s.layout.numSlots
	return s
}

// AddField declares a field and gives it its zero default.
func (s *Struct) AddField(p *Property) *Property {
	s.layout.add(s.Name, p)
	s.Fields = s.layout.props
	s.NumSlots = s.layout.numSlots
	for len(s.Defaults) < s.NumSlots {
		s.Defaults = append(s.Defaults, nil)
	}
	for i := 0; i < p.Dim(); i++ {
		if p.Kind == KindBool {
			if s.Defaults[p.Offset] == nil {
				s.Defaults[p.Offset] = uint32(0)
			}
			continue
		}
		s.Defaults[p.Offset+i] = p.Zero()
	}
	return p
}

// Field finds a field by name.
func (s *Struct) Field(name Name) *Property { return findProperty(s.Fields, name) }

// SetDefault sets the default value of a field.
func (s *Struct) SetDefault(name Name, v Value) {
	p := s.Field(name)
	if p == nil {
		panic(fmt.Sprintf("struct %s has no field %s", s.Name, name))
	}
	p.Store(&s.Defaults[p.Offset], v)
}

// New constructs an instance holding a copy of the defaults.
func (s *Struct) New() *StructValue {
	v := &StructValue{Type: s, Fields: make([]Value, s.NumSlots)}
	for i, d := range s.Defaults {
		v.Fields[i] = CopyValue(d)
	}
	return v
}

// IsChildOf reports whether s is o or derives from it.
func (s *Struct) IsChildOf(o *Struct) bool {
	for c := s; c != nil; c = c.Super {
		if c == o {
			return true
		}
	}
	return false
}

func (s *Struct) String() string { return string(s.Name) }

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

// FunctionFlags describe a function declaration.
type FunctionFlags uint32

const (
	FuncFinal FunctionFlags = 1 << iota
	FuncNative
	FuncEvent
	FuncLatent
	FuncStatic
	FuncDelegate
	FuncSimulated
	FuncOperator
)

// NativeFunc implements a native opcode or native function. Parameters are
// read from the caller's frame with the Frame.Eval helpers, and the call
// must end with Frame.Finish.
type NativeFunc func(ctx *Object, f *Frame, result *Value)

// Function is a script function, event, delegate signature or native.
// Return has no slot; its value goes straight into the caller's result.
type Function struct {
	Name     Name
	Class    *Class
	State    *State
	Super    *Function
	Flags    FunctionFlags
	Params   []*Property
	Return   *Property
	Locals   []*Property
	NumSlots int
	Code     []byte

	// Native is the index of the native table entry implementing the
	// function, or zero. Impl overrides the table.
	Native uint16
	Impl   NativeFunc

	layout layout
	stubs  map[int][]byte
}

// NewFunction declares a function with no parameters.
func NewFunction(name Name, flags FunctionFlags) *Function {
	return &Function{Name: name, Flags: flags}
}

// AddParam declares the next parameter.
func (fn *Function) AddParam(p *Property) *Property {
	p.Flags |= PropParm
	fn.layout.add(fn.Name, p)
	fn.Params = append(fn.Params, p)
	fn.Locals = fn.layout.props
	fn.NumSlots = fn.layout.numSlots
	return p
}

// AddLocal declares a local variable.
func (fn *Function) AddLocal(p *Property) *Property {
	fn.layout.add(fn.Name, p)
	fn.Locals = fn.layout.props
	fn.NumSlots = fn.layout.numSlots
	return p
}

// SetReturn declares the return type.
func (fn *Function) SetReturn(p *Property) *Property {
	p.Flags |= PropParm | PropReturnParm
	p.Outer = fn.Name
	p.Offset = -1
	fn.Return = p
	return p
}

// Local finds a parameter or local by name.
func (fn *Function) Local(name Name) *Property { return findProperty(fn.Locals, name) }

func (fn *Function) IsNative() bool { return fn.Impl != nil || fn.Native != 0 }

// HasBody reports whether calling the function runs anything.
func (fn *Function) HasBody() bool { return fn.IsNative() || len(fn.Code) > 0 }

// Owner names the class or state that declares fn.
func (fn *Function) Owner() string {
	switch {
	case fn.State != nil:
		return fn.State.FullName()
	case fn.Class != nil:
		return string(fn.Class.Name)
	}
	return ""
}

// FullName is Class.Function or Class.State.Function.
func (fn *Function) FullName() string {
	if o := fn.Owner(); o != "" {
		return o + "." + string(fn.Name)
	}
	return string(fn.Name)
}

func (fn *Function) String() string { return fn.FullName() }

func (fn *Function) pkg() *Package {
	if fn.Class != nil {
		return fn.Class.Package
	}
	if fn.State != nil && fn.State.Class != nil {
		return fn.State.Class.Package
	}
	return nil
}

// ---------------------------------------------------------------------------
// States
// ---------------------------------------------------------------------------

// State is a named region of bytecode and function overrides attached to a
// class. A state's Super is the state it extends.
type State struct {
	Name      Name
	Class     *Class
	Super     *State
	Functions map[string]*Function
	Ignores   []Name
	Auto      bool

	// Code holds the state's labelled code. LabelTableOffset points at the
	// LabelTable token inside Code, or is -1.
	Code             []byte
	LabelTableOffset int

	Locals   []*Property
	NumSlots int

	ProbeMask  uint64
	IgnoreMask uint64

	layout layout
}

// NewState declares a state. super may be nil.
func NewState(name Name, super *State) *State {
	return &State{Name: name, Super: super, Functions: map[string]*Function{}, LabelTableOffset: -1}
}

// AddFunction attaches fn to the state.
func (s *State) AddFunction(fn *Function) *Function {
	fn.State = s
	fn.Class = s.Class
	s.Functions[key(fn.Name)] = fn
	return fn
}

// AddLocal declares a state local.
func (s *State) AddLocal(p *Property) *Property {
	s.layout.add(s.Name, p)
	s.Locals = s.layout.props
	s.NumSlots = s.layout.numSlots
	return p
}

// FindFunction looks name up in s and the states it extends.
func (s *State) FindFunction(name Name) *Function {
	k := key(name)
	for st := s; st != nil; st = st.Super {
		if fn, ok := st.Functions[k]; ok {
			return fn
		}
	}
	return nil
}

// IsChildOf reports whether s is o or extends it.
func (s *State) IsChildOf(name Name) bool {
	for st := s; st != nil; st = st.Super {
		if st.Name.Equal(name) {
			return true
		}
	}
	return false
}

// FindLabel returns the state whose code holds label, and the offset of
// the label in that code. The label table of s is searched before those of
// the states it extends.
func (s *State) FindLabel(label Name) (*State, int, bool) {
	for st := s; st != nil; st = st.Super {
		if st.LabelTableOffset < 0 || st.Class == nil || st.Class.Package == nil {
			continue
		}
		r := &BytecodeReader{Code: st.Code, IP: st.LabelTableOffset}
		if Opcode(r.ReadByte()) != OpLabelTable {
			continue
		}
		for {
			n := st.Class.Package.NameAt(r.ReadUint32())
			if n.IsNone() {
				break
			}
			off := int(r.ReadUint32())
			if n.Equal(label) {
				return st, off, true
			}
		}
	}
	return nil, 0, false
}

// FullName is Class.State.
func (s *State) FullName() string {
	if s.Class == nil {
		return string(s.Name)
	}
	return string(s.Class.Name) + "." + string(s.Name)
}

func (s *State) String() string { return s.FullName() }

func (s *State) ignoreMask() uint64 {
	var m uint64
	for st := s; st != nil; st = st.Super {
		m |= st.IgnoreMask
	}
	return m
}

// ---------------------------------------------------------------------------
// Classes
// ---------------------------------------------------------------------------

// ClassFlags describe a class declaration.
type ClassFlags uint32

const (
	ClassInterface ClassFlags = 1 << iota
	ClassAbstract
	ClassNative
	ClassTransient
)

// Class is a script class. NumSlots counts inherited properties.
type Class struct {
	Name       Name
	Super      *Class
	Package    *Package
	Flags      ClassFlags
	Properties []*Property
	NumSlots   int
	Functions  map[string]*Function
	States     map[string]*State
	AutoState  Name
	Interfaces []*Class

	// NativeSize is the size of the native block allocated through GMalloc
	// for every instance; zero for pure script classes.
	NativeSize uintptr

	ProbeMask uint64
	Default   *Object

	layout layout
	linked bool
}

// NewClass declares a class deriving from super.
func NewClass(name Name, super *Class) *Class {
	c := &Class{
		Name:      name,
		Super:     super,
		Functions: map[string]*Function{},
		States:    map[string]*State{},
		layout:    layout{packBools: true},
	}
	if super != nil {
		c.layout.numSlots = super.NumSlots
		c.NumSlots = super.NumSlots
		c.NativeSize = super.NativeSize
	}
	return c
}

// AddProperty declares an instance variable.
func (c *Class) AddProperty(p *Property) *Property {
	c.layout.add(c.Name, p)
	c.Properties = append(c.Properties, p)
	c.NumSlots = c.layout.numSlots
	return p
}

// AddFunction declares a function of the class.
func (c *Class) AddFunction(fn *Function) *Function {
	fn.Class = c
	c.Functions[key(fn.Name)] = fn
	return fn
}

// AddState declares a state of the class. A state with no explicit super
// extends the same-named state of the superclass, if any.
func (c *Class) AddState(s *State) *State {
	s.Class = c
	for _, fn := range s.Functions {
		fn.Class = c
	}
	c.States[key(s.Name)] = s
	return s
}

// FindProperty finds an instance variable declared by c or a superclass.
func (c *Class) FindProperty(name Name) *Property {
	for cl := c; cl != nil; cl = cl.Super {
		if p := findProperty(cl.Properties, name); p != nil {
			return p
		}
	}
	return nil
}

// FindFunction finds a function declared by c or a superclass, ignoring
// states.
func (c *Class) FindFunction(name Name) *Function {
	k := key(name)
	for cl := c; cl != nil; cl = cl.Super {
		if fn, ok := cl.Functions[k]; ok {
			return fn
		}
	}
	return nil
}

// FindState finds a state declared by c or a superclass.
func (c *Class) FindState(name Name) *State {
	k := key(name)
	for cl := c; cl != nil; cl = cl.Super {
		if s, ok := cl.States[k]; ok {
			return s
		}
	}
	return nil
}

// IsChildOf reports whether c is o or derives from it.
func (c *Class) IsChildOf(o *Class) bool {
	if o == nil {
		return false
	}
	for cl := c; cl != nil; cl = cl.Super {
		if cl == o {
			return true
		}
	}
	return false
}

// Implements reports whether c or a superclass implements iface.
func (c *Class) Implements(iface *Class) bool {
	if iface == nil {
		return false
	}
	for cl := c; cl != nil; cl = cl.Super {
		for _, i := range cl.Interfaces {
			if i.IsChildOf(iface) {
				return true
			}
		}
	}
	return false
}

func (c *Class) IsInterface() bool { return c.Flags&ClassInterface != 0 }

// HasStates reports whether instances need a state frame.
func (c *Class) HasStates() bool {
	for cl := c; cl != nil; cl = cl.Super {
		if len(cl.States) > 0 {
			return true
		}
	}
	return false
}

func (c *Class) String() string {
	if c == nil {
		return "None"
	}
	return string(c.Name)
}

// Link resolves super functions and states, computes probe masks and builds
// the default object. It is idempotent and links superclasses first.
func (c *Class) Link() {
	if c.linked {
		return
	}
	if c.Super != nil {
		c.Super.Link()
	}
	c.linked = true

	for _, fn := range c.Functions {
		if fn.Super == nil && c.Super != nil {
			fn.Super = c.Super.FindFunction(fn.Name)
		}
	}
	for _, s := range c.States {
		if s.Super == nil && c.Super != nil {
			s.Super = c.Super.FindState(s.Name)
		}
		s.ProbeMask = 0
		for st := s; st != nil; st = st.Super {
			for _, fn := range st.Functions {
				if fn.Super == nil {
					if inherited := c.FindFunction(fn.Name); inherited != nil && inherited != fn {
						fn.Super = inherited
					}
				}
				if bit, ok := probeBit(fn.Name); ok && fn.HasBody() {
					s.ProbeMask |= bit
				}
			}
			for _, n := range st.Ignores {
				if bit, ok := probeBit(n); ok {
					st.IgnoreMask |= bit
				}
			}
		}
		if s.Auto {
			c.AutoState = s.Name
		}
	}
	if c.AutoState.IsNone() && c.Super != nil {
		c.AutoState = c.Super.AutoState
	}

	c.ProbeMask = 0
	for cl := c; cl != nil; cl = cl.Super {
		for _, fn := range cl.Functions {
			if bit, ok := probeBit(fn.Name); ok && fn.HasBody() {
				c.ProbeMask |= bit
			}
		}
	}

	def := &Object{Name: Name("Default__" + string(c.Name)), Class: c, Slots: make([]Value, c.NumSlots), Flags: ObjectDefault}
	if c.Super != nil && c.Super.Default != nil {
		copy(def.Slots, c.Super.Default.Slots)
		for i := range c.Super.NumSlots {
			def.Slots[i] = CopyValue(def.Slots[i])
		}
	}
	initSlots(def.Slots, c.Properties)
	if c.Default != nil {
		// Defaults set before linking survive.
		for i, v := range c.Default.Slots {
			if i < len(def.Slots) && v != nil {
				def.Slots[i] = v
			}
		}
	}
	c.Default = def
}

// SetDefault sets the default value of an instance variable. It links the
// class if needed.
func (c *Class) SetDefault(name Name, v Value) {
	c.Link()
	p := c.FindProperty(name)
	if p == nil {
		panic(fmt.Sprintf("class %s has no property %s", c.Name, name))
	}
	p.Store(&c.Default.Slots[p.Offset], v)
}

// ---------------------------------------------------------------------------
// Probes
// ---------------------------------------------------------------------------

// probeNames lists the notifications gated by the probe mask, in bit order.
var probeNames = []Name{
	"Tick", "Timer", "BeginState", "EndState",
	"PushedState", "PoppedState", "PausedState", "ContinuedState",
	"Touch", "UnTouch", "Bump", "HitWall",
	"Landed", "Destroyed", "Trigger", "UnTrigger",
	"Spawned", "SeePlayer", "HearNoise", "EnemyNotVisible",
}

func probeBit(name Name) (uint64, bool) {
	for i, n := range probeNames {
		if n.Equal(name) {
			return 1 << uint(i), true
		}
	}
	return 0, false
}
