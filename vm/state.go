package vm

// ---------------------------------------------------------------------------
// State frames
// ---------------------------------------------------------------------------

// StateFrame is the state machine of an object. The embedded Frame runs the
// current state's code; its State field is the current state and its
// Locals are the state locals.
type StateFrame struct {
	Frame

	// LatentAction is the native index of the pending latent function, or
	// zero when state code may run.
	LatentAction int
	LatentTime   float32

	ProbeMask uint64
	Stack     []StateStackEntry
}

// StateStackEntry is a state suspended by PushState.
type StateStackEntry struct {
	State     *State
	Code      []byte
	IP        int
	Locals    []Value
	ProbeMask uint64
}

func newStateFrame(vm *VM, obj *Object) *StateFrame {
	sf := &StateFrame{ProbeMask: obj.Class.ProbeMask}
	sf.vm = vm
	sf.Object = obj
	return sf
}

// StateDepth is the number of pushed states below the current one.
func (sf *StateFrame) StateDepth() int { return len(sf.Stack) }

// stateLocals allocates the locals of st and the states it extends.
func stateLocals(st *State) []Value {
	n := 0
	for s := st; s != nil; s = s.Super {
		n = max(n, s.NumSlots)
	}
	if n == 0 {
		return nil
	}
	locals := make([]Value, n)
	for s := st; s != nil; s = s.Super {
		initSlots(locals, s.Locals)
	}
	return locals
}

func (sf *StateFrame) enter(obj *Object, st *State) {
	sf.State = st
	sf.LatentAction, sf.LatentTime = 0, 0
	sf.ProbeMask = obj.Class.ProbeMask
	if st != nil {
		sf.ProbeMask = (obj.Class.ProbeMask | st.ProbeMask) &^ st.ignoreMask()
	}
	sf.Code, sf.IP = nil, 0
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// GotoResult is the outcome of a state change.
type GotoResult int

const (
	GotoSuccess GotoResult = iota
	GotoNotFound
	GotoPreempted
)

func (r GotoResult) String() string {
	switch r {
	case GotoSuccess:
		return "success"
	case GotoNotFound:
		return "not found"
	case GotoPreempted:
		return "preempted"
	}
	return "unknown"
}

// GotoState changes the state of obj and starts its code at label. A None
// name leaves every state.
func (vm *VM) GotoState(obj *Object, name, label Name) (res GotoResult, err error) {
	defer vm.guard(&err)
	return vm.gotoState(obj, name, label, false, false), nil
}

// gotoState fires EndState on the old state and BeginState on the new one
// when the state changes or events are forced. A notification that itself
// changes state preempts the transition.
func (vm *VM) gotoState(obj *Object, name, label Name, forceEvents, keepStack bool) GotoResult {
	sf := obj.StateFrame
	if sf == nil {
		return GotoNotFound
	}
	var st *State
	if !name.IsNone() {
		if st = obj.Class.FindState(name); st == nil {
			log.Warningf("%s: state %s not found", obj.FullName(), name)
			return GotoNotFound
		}
	}
	old := sf.State
	changed := st != old

	if old != nil && (changed || forceEvents) {
		vm.event(obj, "EndState", stateName(st))
		if sf.State != old {
			return GotoPreempted
		}
	}
	if !keepStack {
		sf.Stack = nil
	}
	sf.enter(obj, st)
	if changed {
		sf.Locals = stateLocals(st)
	}
	if st != nil && (changed || forceEvents) {
		vm.event(obj, "BeginState", stateName(old))
		if sf.State != st {
			return GotoPreempted
		}
	}
	if st != nil {
		if label.IsNone() {
			label = "Begin"
			vm.gotoLabel(obj, label)
		} else if !vm.gotoLabel(obj, label) {
			log.Warningf("%s: label %s not found in state %s", obj.FullName(), label, st.Name)
		}
	}
	if vm.Debugger != nil {
		vm.Debugger.NotifyGotoState(obj)
	}
	return GotoSuccess
}

func stateName(st *State) Name {
	if st == nil {
		return NameNone
	}
	return st.Name
}

// gotoLabel points the state code of obj at label. Labels of the states the
// current state extends are found too.
func (vm *VM) gotoLabel(obj *Object, label Name) bool {
	sf := obj.StateFrame
	if sf == nil || sf.State == nil {
		return false
	}
	owner, off, ok := sf.State.FindLabel(label)
	if !ok {
		return false
	}
	if sf.Code != nil {
		vm.checkRunaway(&sf.Frame)
	}
	sf.Code, sf.IP = owner.Code, off
	sf.LatentAction = 0
	return true
}

// pushState suspends the current state and enters name at label.
func (vm *VM) pushState(obj *Object, name, label Name) GotoResult {
	sf := obj.StateFrame
	if sf == nil {
		return GotoNotFound
	}
	st := obj.Class.FindState(name)
	if st == nil {
		log.Warningf("%s: state %s not found", obj.FullName(), name)
		return GotoNotFound
	}
	old := sf.State
	sf.Stack = append(sf.Stack, StateStackEntry{
		State:     old,
		Code:      sf.Code,
		IP:        sf.IP,
		Locals:    sf.Locals,
		ProbeMask: sf.ProbeMask,
	})
	if old != nil {
		vm.event(obj, "PausedState")
	}
	sf.enter(obj, st)
	sf.Locals = stateLocals(st)
	vm.event(obj, "PushedState")
	if sf.State != st {
		return GotoPreempted
	}
	if label.IsNone() {
		label = "Begin"
	}
	vm.gotoLabel(obj, label)
	if vm.Debugger != nil {
		vm.Debugger.NotifyGotoState(obj)
	}
	return GotoSuccess
}

// popState returns to the state below the current one, or to the bottom of
// the stack when all is set.
func (vm *VM) popState(obj *Object, all bool) bool {
	sf := obj.StateFrame
	if sf == nil || len(sf.Stack) == 0 {
		return false
	}
	vm.event(obj, "PoppedState")
	n := len(sf.Stack) - 1
	if all {
		n = 0
	}
	e := sf.Stack[n]
	sf.Stack = sf.Stack[:n]
	sf.State = e.State
	sf.Code, sf.IP = e.Code, e.IP
	sf.Locals = e.Locals
	sf.ProbeMask = e.ProbeMask
	sf.LatentAction, sf.LatentTime = 0, 0
	vm.event(obj, "ContinuedState")
	if vm.Debugger != nil {
		vm.Debugger.NotifyGotoState(obj)
	}
	return true
}

// IsInState reports whether obj is in the named state or one extending
// it. With testStack the pushed states are tested too.
func (vm *VM) IsInState(obj *Object, name Name, testStack bool) bool {
	sf := obj.StateFrame
	if sf == nil {
		return false
	}
	if sf.State != nil && sf.State.IsChildOf(name) {
		return true
	}
	if testStack {
		for _, e := range sf.Stack {
			if e.State != nil && e.State.IsChildOf(name) {
				return true
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// State code
// ---------------------------------------------------------------------------

// latentSleep is the latent action index of Sleep.
const latentSleep = nativeSleep

// processState polls the pending latent action of obj and runs its state
// code until the code stops or waits again.
func (vm *VM) processState(obj *Object, deltaSeconds float32) {
	sf := obj.StateFrame
	if sf == nil || sf.State == nil {
		return
	}
	if sf.LatentAction == latentSleep {
		sf.LatentTime -= deltaSeconds
		if sf.LatentTime <= 0 {
			sf.LatentAction, sf.LatentTime = 0, 0
		}
	}
	for sf.Code != nil && sf.LatentAction == 0 && !obj.IsPendingKill() {
		if sf.IP >= len(sf.Code) {
			sf.Fatalf(ErrEndOfScript, "Execution beyond end of script in %s", sf.Location())
		}
		sf.Frame.Step(obj, nil)
	}
}

// sleep starts the Sleep latent action. It only has an effect in state
// code.
func (f *Frame) sleep(seconds float32) {
	if !f.isStateCode() {
		f.Warnf("Sleep called outside state code")
		return
	}
	sf := f.Object.StateFrame
	sf.LatentAction = latentSleep
	sf.LatentTime = seconds
}
