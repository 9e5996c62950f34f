package vm

import (
	"bytes"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

func TestBuilderIntEncoding(t *testing.T) {
	tests := []struct {
		v    int32
		want []byte
	}{
		{0, []byte{byte(OpIntZero)}},
		{1, []byte{byte(OpIntOne)}},
		{7, []byte{byte(OpIntConstByte), 7}},
		{255, []byte{byte(OpIntConstByte), 255}},
		{256, []byte{byte(OpIntConst), 0, 1, 0, 0}},
		{-1, []byte{byte(OpIntConst), 0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, tt := range tests {
		b := NewBuilder(NewPackage("Test"))
		if got := b.Int(tt.v).Bytes(); !bytes.Equal(got, tt.want) {
			t.Errorf("Int(%d): expected % X, got % X", tt.v, tt.want, got)
		}
	}
}

func TestBuilderNativeEncoding(t *testing.T) {
	b := NewBuilder(NewPackage("Test"))
	b.Native(146).Native(0x256)
	want := []byte{146, byte(OpExtendedNative) | 2, 0x56}
	if got := b.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Expected % X, got % X", want, got)
	}
}

func TestBuilderForwardLabel(t *testing.T) {
	b := NewBuilder(NewPackage("Test"))
	l := b.NewLabel()
	b.Jump(l)
	b.Nothing()
	b.Mark(l)
	b.Stop()

	code := b.Bytes()
	r := BytecodeReader{Code: code, IP: 1}
	if got := r.ReadWord(); got != 4 {
		t.Errorf("Expected the jump to target 4, got %d", got)
	}
}

func TestBuilderUnmarkedLabelPanics(t *testing.T) {
	b := NewBuilder(NewPackage("Test"))
	b.Jump(b.NewLabel())
	defer func() {
		if recover() == nil {
			t.Error("Bytes should panic on an unmarked label")
		}
	}()
	b.Bytes()
}

func TestBuilderSkipCount(t *testing.T) {
	b := NewBuilder(NewPackage("Test"))
	b.Skip(func() { b.IntConst(5) })
	code := b.Bytes()
	r := BytecodeReader{Code: code, IP: 1}
	if got := r.ReadCodeSkipCount(); got != 5 {
		t.Errorf("Expected skip 5, got %d", got)
	}
}

func TestBuilderLabelTable(t *testing.T) {
	fx := newFixture(t)
	st := fx.class.AddState(NewState("Patrol", nil))
	b := NewBuilder(fx.pkg)
	b.Mark(b.NamedLabel("Begin"))
	b.Nothing()
	b.Mark(b.NamedLabel("Loop"))
	b.Stop()
	b.BuildState(st)

	if st.LabelTableOffset != 2 {
		t.Errorf("Expected the label table at 2, got %d", st.LabelTableOffset)
	}
	for label, want := range map[Name]int{"Begin": 0, "loop": 1} {
		owner, off, ok := st.FindLabel(label)
		if !ok || owner != st || off != want {
			t.Errorf("FindLabel(%s) = %v, %d, %v", label, owner, off, ok)
		}
	}
	if _, _, ok := st.FindLabel("Missing"); ok {
		t.Error("FindLabel found a label that does not exist")
	}
}

func TestStringConstFallsBackToUnicode(t *testing.T) {
	b := NewBuilder(NewPackage("Test"))
	b.StringConst("héllo")
	if Opcode(b.Bytes()[0]) != OpStringConst {
		t.Errorf("Latin-1 text should stay ANSI")
	}

	b = NewBuilder(NewPackage("Test"))
	b.StringConst("日本")
	if Opcode(b.Bytes()[0]) != OpUnicodeStringConst {
		t.Errorf("Text outside the code page should be Unicode")
	}
}

func TestStringConstRoundTrip(t *testing.T) {
	fx := newFixture(t)
	obj := fx.spawn()
	for _, s := range []string{"plain", "héllo", "日本"} {
		v := fx.eval(obj, func(b *Builder) { b.StringConst(s) })
		if AsString(v) != s {
			t.Errorf("Expected %q, got %q", s, AsString(v))
		}
	}
}

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

func TestDisassembleFunction(t *testing.T) {
	fx := newFixture(t)
	a := NewProperty("a", KindInt)
	fn := fx.function("Compute", nil, nil, []*Property{a}, func(b *Builder, _ *Function) {
		b.Let().LocalVariable(a)
		binOp(b, 146, intConst(b, 7), func() {
			binOp(b, 144, intConst(b, 3), intConst(b, 2))
		})
		b.Return().LocalVariable(a)
	})

	want := strings.Join([]string{
		"0000  Let",
		"0001    LocalVariable Compute.a",
		"0006    Add_IntInt",
		"0007      IntConstByte 7",
		"0009      Multiply_IntInt",
		"000A        IntConstByte 3",
		"000C        IntConstByte 2",
		"000E        EndFunctionParms",
		"000F      EndFunctionParms",
		"0010  Return",
		"0011    LocalVariable Compute.a",
	}, "\n")
	if got := DisassembleFunction(fn); got != want {
		t.Errorf("Unexpected listing:\n%s\nwant:\n%s", got, want)
	}
}

func TestDisassembleState(t *testing.T) {
	fx := newFixture(t)
	st := fx.class.AddState(NewState("Patrol", nil))
	b := NewBuilder(fx.pkg)
	b.Mark(b.NamedLabel("Begin"))
	b.Stop()
	b.BuildState(st)

	got := DisassembleState(st)
	for _, line := range []string{"0000  Stop", "0001  LabelTable", "Begin -> 0000"} {
		if !strings.Contains(got, line) {
			t.Errorf("Listing lacks %q:\n%s", line, got)
		}
	}
}

func TestDisassembleTruncated(t *testing.T) {
	code := []byte{byte(OpIntConst), 1, 2}
	got := Disassemble(nil, code)
	if !strings.Contains(got, "<truncated>") {
		t.Errorf("Expected a truncation marker, got:\n%s", got)
	}
}

func TestDisassembleWithoutPackage(t *testing.T) {
	b := NewBuilder(NewPackage("Test"))
	b.NameConst("Idle")
	got := Disassemble(nil, b.Bytes())
	if got != "0000  NameConst 'name#1'" {
		t.Errorf("Unexpected listing %q", got)
	}
}
