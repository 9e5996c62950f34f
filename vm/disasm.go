package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// disassembler renders one token per line, indenting nested expressions
// under the token that consumes them.
type disassembler struct {
	r     BytecodeReader
	pkg   *Package
	out   strings.Builder
	depth int
}

// Disassemble returns a listing of code. Names and references are resolved
// through pkg, which may be nil. Truncated code ends the listing with a
// marker instead of failing.
func Disassemble(pkg *Package, code []byte) string {
	d := &disassembler{r: BytecodeReader{Code: code}, pkg: pkg}
	d.run()
	return strings.TrimSuffix(d.out.String(), "\n")
}

// DisassembleFunction lists the code of fn.
func DisassembleFunction(fn *Function) string {
	return Disassemble(fn.pkg(), fn.Code)
}

// DisassembleState lists the code of st, label table included.
func DisassembleState(st *State) string {
	var pkg *Package
	if st.Class != nil {
		pkg = st.Class.Package
	}
	return Disassemble(pkg, st.Code)
}

func (d *disassembler) run() {
	defer func() {
		if r := recover(); r != nil {
			if r != "bytecode underflow" {
				panic(r)
			}
			d.line(d.r.IP, "<truncated>")
		}
	}()
	for d.r.HasMore() {
		d.expr()
	}
}

func (d *disassembler) line(pos int, format string, args ...any) {
	fmt.Fprintf(&d.out, "%04X  %s", pos, strings.Repeat("  ", d.depth))
	fmt.Fprintf(&d.out, format, args...)
	d.out.WriteByte('\n')
}

func (d *disassembler) name(i uint32) string {
	if d.pkg == nil {
		return fmt.Sprintf("name#%d", i)
	}
	return string(d.pkg.NameAt(i))
}

func (d *disassembler) ref(i uint32) string {
	if d.pkg == nil {
		return fmt.Sprintf("ref#%d", i)
	}
	switch x := d.pkg.Ref(i).(type) {
	case nil:
		return "None"
	case *Property:
		return x.String()
	case *Function:
		return x.FullName()
	case *Class:
		return "class " + string(x.Name)
	case *Struct:
		return "struct " + string(x.Name)
	case *State:
		return "state " + x.FullName()
	case *Object:
		return x.FullName()
	default:
		return fmt.Sprint(x)
	}
}

// nested disassembles one expression one level deeper.
func (d *disassembler) nested() {
	d.depth++
	d.expr()
	d.depth--
}

// parms disassembles expressions up to and including EndFunctionParms.
func (d *disassembler) parms() {
	d.depth++
	for {
		op := d.r.PeekOpcode()
		d.expr()
		if op == OpEndFunctionParms {
			break
		}
	}
	d.depth--
}

func (d *disassembler) expr() {
	pos := d.r.IP
	op := Opcode(d.r.ReadByte())

	switch {
	case op >= OpFirstNative:
		d.line(pos, "%s", NativeName(int(op)))
		d.parms()
		return
	case op >= OpExtendedNative:
		index := int(op-OpExtendedNative)<<8 | int(d.r.ReadByte())
		d.line(pos, "%s [%03X]", NativeName(index), index)
		d.parms()
		return
	}

	switch op {
	case OpLabelTable:
		d.line(pos, "LabelTable")
		for {
			n := d.r.ReadUint32()
			if n == 0 {
				break
			}
			off := d.r.ReadUint32()
			d.line(d.r.IP-8, "  %s -> %04X", d.name(n), off)
		}
		return
	case OpCase:
		next := d.r.ReadWord()
		if next == CaseDefault {
			d.line(pos, "Case default")
			return
		}
		d.line(pos, "Case (next %04X)", next)
		d.nested()
		return
	case OpPrimitiveCast:
		t := CastToken(d.r.ReadByte())
		if t == CastObjectToInterface {
			d.line(pos, "PrimitiveCast %s %s", t, d.ref(d.r.ReadUint32()))
		} else {
			d.line(pos, "PrimitiveCast %s", t)
		}
		d.nested()
		return
	}

	info, ok := opcodeTable[op]
	if !ok {
		d.line(pos, "%s", op.Name())
		d.r.IP = len(d.r.Code)
		return
	}

	// Immediate operands render on the token's line; expressions follow.
	var text []string
	rest := info.Operands
	for len(rest) > 0 {
		o := rest[0]
		if o == OperandExpr || o == OperandParms {
			break
		}
		rest = rest[1:]
		switch o {
		case OperandByte:
			text = append(text, strconv.Itoa(int(d.r.ReadByte())))
		case OperandWord:
			text = append(text, fmt.Sprintf("%04X", d.r.ReadWord()))
		case OperandSkip:
			n := d.r.ReadCodeSkipCount()
			text = append(text, fmt.Sprintf("skip %d", n))
		case OperandInt:
			text = append(text, strconv.Itoa(int(d.r.ReadInt())))
		case OperandFloat:
			text = append(text, FloatString(d.r.ReadFloat()))
		case OperandName:
			text = append(text, "'"+d.name(d.r.ReadUint32())+"'")
		case OperandRef:
			text = append(text, d.ref(d.r.ReadUint32()))
		case OperandString:
			text = append(text, strconv.Quote(decodeANSI(d.r.ReadCString())))
		case OperandUnicode:
			text = append(text, strconv.Quote(d.r.ReadUnicode()))
		}
	}
	if len(text) > 0 {
		d.line(pos, "%s %s", info.Name, strings.Join(text, " "))
	} else {
		d.line(pos, "%s", info.Name)
	}

	// Remaining operands interleave expressions with skips and names.
	d.depth++
	for _, o := range rest {
		at := d.r.IP
		switch o {
		case OperandExpr:
			d.expr()
		case OperandParms:
			d.depth--
			d.parms()
			d.depth++
		case OperandSkip:
			d.line(at, "skip %d", d.r.ReadCodeSkipCount())
		case OperandRef:
			d.line(at, "%s", d.ref(d.r.ReadUint32()))
		case OperandName:
			d.line(at, "'%s'", d.name(d.r.ReadUint32()))
		case OperandByte:
			d.line(at, "%d", d.r.ReadByte())
		}
	}
	d.depth--
}
