package vm

import "golang.org/x/text/encoding/charmap"

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(int(OpIntConst), "IntConst", func(ctx *Object, f *Frame, result *Value) {
		set(result, f.ReadInt())
	})
	RegisterNative(int(OpFloatConst), "FloatConst", func(ctx *Object, f *Frame, result *Value) {
		set(result, f.ReadFloat())
	})
	RegisterNative(int(OpStringConst), "StringConst", func(ctx *Object, f *Frame, result *Value) {
		set(result, decodeANSI(f.ReadCString()))
	})
	RegisterNative(int(OpUnicodeStringConst), "UnicodeStringConst", func(ctx *Object, f *Frame, result *Value) {
		set(result, f.ReadUnicode())
	})
	RegisterNative(int(OpObjectConst), "ObjectConst", func(ctx *Object, f *Frame, result *Value) {
		set(result, f.ReadObject())
	})
	RegisterNative(int(OpNameConst), "NameConst", func(ctx *Object, f *Frame, result *Value) {
		set(result, f.ReadName())
	})
	RegisterNative(int(OpRotationConst), "RotationConst", func(ctx *Object, f *Frame, result *Value) {
		r := Rotator{Pitch: f.ReadInt(), Yaw: f.ReadInt(), Roll: f.ReadInt()}
		set(result, RotatorValue(r))
	})
	RegisterNative(int(OpVectorConst), "VectorConst", func(ctx *Object, f *Frame, result *Value) {
		v := Vector{X: f.ReadFloat(), Y: f.ReadFloat(), Z: f.ReadFloat()}
		set(result, VectorValue(v))
	})
	RegisterNative(int(OpByteConst), "ByteConst", func(ctx *Object, f *Frame, result *Value) {
		set(result, f.ReadByte())
	})
	RegisterNative(int(OpIntConstByte), "IntConstByte", func(ctx *Object, f *Frame, result *Value) {
		set(result, int32(f.ReadByte()))
	})
	RegisterNative(int(OpIntZero), "IntZero", func(ctx *Object, f *Frame, result *Value) {
		set(result, int32(0))
	})
	RegisterNative(int(OpIntOne), "IntOne", func(ctx *Object, f *Frame, result *Value) {
		set(result, int32(1))
	})
	RegisterNative(int(OpTrue), "True", func(ctx *Object, f *Frame, result *Value) {
		set(result, true)
	})
	RegisterNative(int(OpFalse), "False", func(ctx *Object, f *Frame, result *Value) {
		set(result, false)
	})
	RegisterNative(int(OpNoObject), "NoObject", func(ctx *Object, f *Frame, result *Value) {
		set(result, nil)
	})
	RegisterNative(int(OpEmptyDelegate), "EmptyDelegate", func(ctx *Object, f *Frame, result *Value) {
		set(result, Delegate{})
	})
}

// decodeANSI converts a string constant from the Windows-1252 code page.
func decodeANSI(b []byte) string {
	ascii := true
	for _, c := range b {
		if c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b)
	}
	s, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// encodeANSI converts s to Windows-1252. Characters outside the code page
// become '?'.
func encodeANSI(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := charmap.Windows1252.EncodeRune(r); ok {
			out = append(out, b)
		} else {
			out = append(out, '?')
		}
	}
	return out
}

// isANSI reports whether s survives a round trip through the ANSI code page.
func isANSI(s string) bool {
	for _, r := range s {
		if _, ok := charmap.Windows1252.EncodeRune(r); !ok || r == 0 {
			return false
		}
	}
	return true
}
