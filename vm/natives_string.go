package vm

import (
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// String operators and functions
// ---------------------------------------------------------------------------

func init() {
	RegisterNative(112, "Concat_StrStr", op2(asString, asString, func(f *Frame, a, b string) Value { return a + b }))
	RegisterNative(168, "At_StrStr", op2(asString, asString, func(f *Frame, a, b string) Value { return a + " " + b }))
	RegisterNative(115, "Less_StrStr", op2(asString, asString, func(f *Frame, a, b string) Value { return a < b }))
	RegisterNative(116, "Greater_StrStr", op2(asString, asString, func(f *Frame, a, b string) Value { return a > b }))
	RegisterNative(120, "LessEqual_StrStr", op2(asString, asString, func(f *Frame, a, b string) Value { return a <= b }))
	RegisterNative(121, "GreaterEqual_StrStr", op2(asString, asString, func(f *Frame, a, b string) Value { return a >= b }))
	RegisterNative(122, "EqualEqual_StrStr", op2(asString, asString, func(f *Frame, a, b string) Value { return a == b }))
	RegisterNative(123, "NotEqual_StrStr", op2(asString, asString, func(f *Frame, a, b string) Value { return a != b }))
	RegisterNative(124, "ComplementEqual_StrStr", op2(asString, asString, func(f *Frame, a, b string) Value {
		return strings.EqualFold(a, b)
	}))
	RegisterNative(322, "ConcatEqual_StrStr", opAssign(asString, asString, func(f *Frame, a, b string) Value { return a + b }))
	RegisterNative(323, "AtEqual_StrStr", opAssign(asString, asString, func(f *Frame, a, b string) Value { return a + " " + b }))
	RegisterNative(324, "SubtractEqual_StrStr", opAssign(asString, asString, func(f *Frame, a, b string) Value {
		if b == "" {
			return a
		}
		return strings.ReplaceAll(a, b, "")
	}))

	RegisterNative(125, "Len", op1(asString, func(f *Frame, s string) Value { return int32(utf8.RuneCountInString(s)) }))
	RegisterNative(126, "InStr", execInStr)
	RegisterNative(127, "Mid", execMid)
	RegisterNative(128, "Left", op2(asString, asInt, func(f *Frame, s string, n int32) Value { return substr(s, 0, int(n)) }))
	RegisterNative(234, "Right", op2(asString, asInt, func(f *Frame, s string, n int32) Value {
		l := utf8.RuneCountInString(s)
		return substr(s, l-int(n), int(n))
	}))
	RegisterNative(235, "Caps", op1(asString, func(f *Frame, s string) Value { return strings.ToUpper(s) }))
	RegisterNative(238, "Locs", op1(asString, func(f *Frame, s string) Value { return strings.ToLower(s) }))
	RegisterNative(236, "Chr", op1(asInt, func(f *Frame, c int32) Value {
		if c <= 0 || !utf8.ValidRune(rune(c)) {
			return ""
		}
		return string(rune(c))
	}))
	RegisterNative(237, "Asc", op1(asString, func(f *Frame, s string) Value {
		r, _ := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError {
			return int32(0)
		}
		return int32(r)
	}))
	RegisterNative(0x240, "Repl", execRepl)
	RegisterNative(0x241, "ParseStringIntoArray", execParseStringIntoArray)
	RegisterNative(0x242, "JoinArray", execJoinArray)
}

// substr returns count characters of s starting at character start. Out of
// range bounds are clipped.
func substr(s string, start, count int) string {
	runes := []rune(s)
	if start < 0 {
		count += start
		start = 0
	}
	if start >= len(runes) || count <= 0 {
		return ""
	}
	end := min(len(runes), start+count)
	return string(runes[start:end])
}

// execInStr yields the character index of the first occurrence of t in s,
// or -1. Optional arguments search from the right and ignore case.
func execInStr(ctx *Object, f *Frame, result *Value) {
	s := f.EvalString()
	t := f.EvalString()
	fromRight := optBool(f)
	ignoreCase := optBool(f)
	f.Finish()
	hay, needle := s, t
	if ignoreCase {
		hay, needle = strings.ToLower(s), strings.ToLower(t)
	}
	var i int
	if fromRight {
		i = strings.LastIndex(hay, needle)
	} else {
		i = strings.Index(hay, needle)
	}
	if i < 0 {
		set(result, int32(-1))
		return
	}
	set(result, int32(utf8.RuneCountInString(hay[:i])))
}

func execMid(ctx *Object, f *Frame, result *Value) {
	s := f.EvalString()
	start := int(f.EvalInt())
	count := utf8.RuneCountInString(s)
	if v, ok := f.EvalOptional(); ok {
		count = int(asInt(v))
	}
	f.Finish()
	set(result, substr(s, start, count))
}

func execRepl(ctx *Object, f *Frame, result *Value) {
	s := f.EvalString()
	match := f.EvalString()
	with := f.EvalString()
	caseSensitive := optBool(f)
	f.Finish()
	if match == "" {
		set(result, s)
		return
	}
	if caseSensitive {
		set(result, strings.ReplaceAll(s, match, with))
		return
	}
	var b strings.Builder
	lower, lm := strings.ToLower(s), strings.ToLower(match)
	for {
		i := strings.Index(lower, lm)
		if i < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(with)
		s, lower = s[i+len(match):], lower[i+len(lm):]
	}
	b.WriteString(s)
	set(result, b.String())
}

// execParseStringIntoArray splits s on a delimiter into an out array of
// strings.
func execParseStringIntoArray(ctx *Object, f *Frame, result *Value) {
	s := f.EvalString()
	addr, p := f.EvalRef()
	delim := f.EvalString()
	cullEmpty := f.EvalBool()
	f.Finish()
	if !addr.Valid() {
		return
	}
	var parts []string
	if delim == "" {
		parts = []string{s}
	} else {
		parts = strings.Split(s, delim)
	}
	out := make([]Value, 0, len(parts))
	for _, part := range parts {
		if cullEmpty && part == "" {
			continue
		}
		out = append(out, part)
	}
	storeAt(addr, p, out)
}

// execJoinArray joins an array of strings into an out string.
func execJoinArray(ctx *Object, f *Frame, result *Value) {
	arr := asArray(f.EvalValue())
	addr, p := f.EvalRef()
	delim := ","
	if v, ok := f.EvalOptional(); ok {
		delim = asString(v)
	}
	ignoreBlanks := true
	if v, ok := f.EvalOptional(); ok {
		ignoreBlanks = asBool(v)
	}
	f.Finish()
	parts := make([]string, 0, len(arr))
	for _, e := range arr {
		s := asString(e)
		if ignoreBlanks && s == "" {
			continue
		}
		parts = append(parts, s)
	}
	if addr.Valid() {
		storeAt(addr, p, strings.Join(parts, delim))
	}
}
