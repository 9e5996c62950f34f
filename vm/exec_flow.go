package vm

// ---------------------------------------------------------------------------
// Flow control
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(int(OpReturn), "Return", execReturn)
	RegisterNative(int(OpJump), "Jump", execJump)
	RegisterNative(int(OpJumpIfNot), "JumpIfNot", execJumpIfNot)
	RegisterNative(int(OpSwitch), "Switch", execSwitch)
	RegisterNative(int(OpCase), "Case", execCase)
	RegisterNative(int(OpStop), "Stop", execStop)
	RegisterNative(int(OpAssert), "Assert", execAssert)
	RegisterNative(int(OpNothing), "Nothing", execNothing)
	RegisterNative(int(OpEndParmValue), "EndParmValue", execNothing)
	RegisterNative(int(OpEndFunctionParms), "EndFunctionParms", execNothing)
	RegisterNative(int(OpLabelTable), "LabelTable", execLabelTable)
	RegisterNative(int(OpGotoLabel), "GotoLabel", execGotoLabel)
	RegisterNative(int(OpEatReturnValue), "EatReturnValue", execEatReturnValue)
	RegisterNative(int(OpSkip), "Skip", execSkip)
	RegisterNative(int(OpConditional), "Conditional", execConditional)
	RegisterNative(int(OpReturnNothing), "ReturnNothing", execReturnNothing)
	RegisterNative(int(OpDebugInfo), "DebugInfo", execDebugInfo)
	RegisterNative(int(OpEndOfScript), "EndOfScript", execEndOfScript)
	RegisterNative(int(OpDefaultParmValue), "DefaultParmValue", execDefaultParmValue)
	RegisterNative(int(OpEmptyParmValue), "EmptyParmValue", execNothing)
}

// execReturn is only reached when Return is nested in an expression; the
// execution loop handles statement-level returns.
func execReturn(ctx *Object, f *Frame, result *Value) {
	f.Fatalf(ErrBadBytecode, "Return inside an expression")
}

func execNothing(ctx *Object, f *Frame, result *Value) {}

func (f *Frame) jump(target int) {
	if target <= f.IP {
		f.vm.checkRunaway(f)
	}
	f.IP = target
}

func execJump(ctx *Object, f *Frame, result *Value) {
	f.jump(int(f.ReadWord()))
}

func execJumpIfNot(ctx *Object, f *Frame, result *Value) {
	target := int(f.ReadWord())
	var cond Value
	f.Step(ctx, &cond)
	if !asBool(cond) {
		f.jump(target)
	}
}

// execSwitch evaluates the switch value, then walks the Case chain. A
// matching case leaves the instruction pointer at the start of its body.
func execSwitch(ctx *Object, f *Frame, result *Value) {
	var v Value
	f.Step(ctx, &v)
	for {
		if Opcode(f.ReadByte()) != OpCase {
			f.IP--
			f.Fatalf(ErrBadBytecode, "Switch not followed by Case")
		}
		next := f.ReadWord()
		if next == CaseDefault {
			return
		}
		var c Value
		f.Step(ctx, &c)
		if switchEqual(v, c) {
			return
		}
		f.IP = int(next)
	}
}

// switchEqual compares a switch value with a case label. Byte and int
// labels are interchangeable; strings compare exactly, names ignore case.
func switchEqual(a, b Value) bool {
	if x, ok := numeric(a); ok {
		if y, ok := numeric(b); ok {
			return x == y
		}
	}
	return Identical(a, b)
}

func numeric(v Value) (int64, bool) {
	switch x := v.(type) {
	case uint8:
		return int64(x), true
	case int32:
		return int64(x), true
	}
	return 0, false
}

// execCase is reached when a case body falls through into the next label.
// The label is skipped.
func execCase(ctx *Object, f *Frame, result *Value) {
	if f.ReadWord() != CaseDefault {
		var scratch Value
		f.Step(ctx, &scratch)
	}
}

// execStop ends state code.
func execStop(ctx *Object, f *Frame, result *Value) {
	if !f.isStateCode() {
		f.Fatalf(ErrBadBytecode, "Stop outside state code")
	}
	f.Code, f.IP = nil, 0
}

func execAssert(ctx *Object, f *Frame, result *Value) {
	line := int(f.ReadWord())
	debug := f.ReadByte() != 0
	var cond Value
	f.Step(ctx, &cond)
	if asBool(cond) {
		return
	}
	if f.vm.Debugger != nil {
		f.vm.Debugger.NotifyAssertionFailed(f, line)
	}
	if debug || f.vm.DebugAsserts {
		f.Fatalf(ErrAssertion, "Assertion failed, line %d", line)
	}
	f.Warnf("Assertion failed, line %d", line)
}

func execLabelTable(ctx *Object, f *Frame, result *Value) {
	f.IP--
	f.Fatalf(ErrBadBytecode, "LabelTable is not executable")
}

func execGotoLabel(ctx *Object, f *Frame, result *Value) {
	var label Value
	f.Step(ctx, &label)
	name := asName(label)
	if !f.vm.gotoLabel(ctx, name) {
		f.Warnf("GotoLabel (%s): Label not found", name)
	}
}

func execEatReturnValue(ctx *Object, f *Frame, result *Value) {
	f.ReadProperty()
	var scratch Value
	f.Step(ctx, &scratch)
}

// execSkip evaluates its operand; natives that short-circuit read the skip
// count themselves instead of stepping into this token.
func execSkip(ctx *Object, f *Frame, result *Value) {
	f.ReadCodeSkipCount()
	f.Step(ctx, result)
}

func execConditional(ctx *Object, f *Frame, result *Value) {
	var cond Value
	f.Step(ctx, &cond)
	skip := f.ReadCodeSkipCount()
	if asBool(cond) {
		f.Step(ctx, result)
		skip = f.ReadCodeSkipCount()
		f.IP += skip
		return
	}
	f.IP += skip
	f.ReadCodeSkipCount()
	f.Step(ctx, result)
}

// execReturnNothing zero-fills the result of a non-void function whose
// code ran off its end.
func execReturnNothing(ctx *Object, f *Frame, result *Value) {
	p := f.ReadProperty()
	f.Warnf("control reached end of non-void function (%s)", f.Location())
	set(result, zeroOf(p))
}

func execDebugInfo(ctx *Object, f *Frame, result *Value) {
	line := int(f.ReadInt())
	pos := int(f.ReadInt())
	token := f.ReadByte()
	f.Line = line
	if f.vm.Debugger != nil {
		f.vm.Debugger.DebugInfo(f, line, pos, token)
	}
}

func execEndOfScript(ctx *Object, f *Frame, result *Value) {
	f.IP--
	f.Fatalf(ErrEndOfScript, "Execution beyond end of script in %s", f.Location())
}

// execDefaultParmValue fills an optional parameter the caller left out.
func execDefaultParmValue(ctx *Object, f *Frame, result *Value) {
	p := f.ReadProperty()
	skip := f.ReadCodeSkipCount()
	if p == nil || !f.Omitted(p) {
		f.IP += skip
		return
	}
	var v Value
	f.Step(ctx, &v)
	p.Store(&f.Locals[p.Offset], v)
}
