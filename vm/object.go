package vm

import "fmt"

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// ObjectFlags mark object lifecycle state.
type ObjectFlags uint32

const (
	ObjectPendingKill ObjectFlags = 1 << iota
	ObjectDefault
)

// Object is a script object instance. Slots hold the instance variables in
// the class layout; StateFrame is non-nil for classes that declare states.
type Object struct {
	Name       Name
	Class      *Class
	Outer      *Object
	Slots      []Value
	StateFrame *StateFrame
	Flags      ObjectFlags

	// Native is the GMalloc block backing native class data, or zero.
	Native uintptr
}

// IsA reports whether the object's class is c or derives from it.
func (o *Object) IsA(c *Class) bool {
	return o != nil && o.Class.IsChildOf(c)
}

// IsPendingKill reports whether the object has been destroyed.
func (o *Object) IsPendingKill() bool { return o.Flags&ObjectPendingKill != 0 }

func (o *Object) String() string {
	if o == nil {
		return "None"
	}
	return string(o.Name)
}

// FullName is "Class Name".
func (o *Object) FullName() string {
	if o == nil {
		return "None"
	}
	return fmt.Sprintf("%s %s", o.Class.Name, o.Name)
}

// Addr returns the address of property p in the object.
func (o *Object) Addr(p *Property) Addr { return Addr{o.Slots, p.Offset} }

// Get reads an instance variable by name. Unknown names read as nil.
func (o *Object) Get(name Name) Value {
	p := o.Class.FindProperty(name)
	if p == nil {
		return nil
	}
	return p.Load(o.Slots[p.Offset])
}

// GetIndex reads element i of a static array instance variable.
func (o *Object) GetIndex(name Name, i int) Value {
	p := o.Class.FindProperty(name)
	if p == nil || i < 0 || i >= p.Dim() {
		return nil
	}
	return p.Load(o.Slots[p.Offset+i])
}

// Set writes an instance variable by name.
func (o *Object) Set(name Name, v Value) {
	p := o.Class.FindProperty(name)
	if p == nil {
		panic(fmt.Sprintf("%s has no property %s", o.Class.Name, name))
	}
	p.Store(&o.Slots[p.Offset], v)
}

// FindFunction looks a function up the way a virtual call does: the
// current state and the states it extends first, then the class chain.
func (o *Object) FindFunction(name Name) *Function {
	if sf := o.StateFrame; sf != nil && sf.State != nil {
		if fn := sf.State.FindFunction(name); fn != nil {
			return fn
		}
	}
	return o.Class.FindFunction(name)
}

// IsProbing reports whether a notification is enabled for the object. Names
// that are not probes are always enabled.
func (o *Object) IsProbing(name Name) bool {
	bit, ok := probeBit(name)
	if !ok {
		return true
	}
	if o.StateFrame == nil {
		return o.Class.ProbeMask&bit != 0
	}
	return o.StateFrame.ProbeMask&bit != 0
}

// StateName returns the name of the current state, or None.
func (o *Object) StateName() Name {
	if o.StateFrame == nil || o.StateFrame.State == nil {
		return NameNone
	}
	return o.StateFrame.State.Name
}

// LatentAction returns the pending latent action, zero when none.
func (o *Object) LatentAction() int {
	if o.StateFrame == nil {
		return 0
	}
	return o.StateFrame.LatentAction
}
