package mprof

import (
	"runtime"
	"runtime/debug"

	"github.com/google/uuid"
)

// resolveSymbols fills in file, function and line for every interned PC.
func (p *Profiler) resolveSymbols() {
	for i := range p.pcs.pcs {
		info := &p.pcs.pcs[i]
		frames := runtime.CallersFrames([]uintptr{uintptr(info.pc)})
		frame, _ := frames.Next()
		if frame.Function == "" {
			continue
		}
		info.function = p.names.intern(frame.Function)
		info.file = p.names.intern(frame.File)
		info.line = int32(frame.Line)
	}
}

// Module describes one build module of the profiled binary.
type Module struct {
	Base      uint64
	Size      uint32
	Timestamp uint32
	GUID      uuid.UUID
	Age       uint32
	Name      string
	Path      string
}

func (m *Module) encode(e *encoder) {
	e.u64(m.Base)
	e.u32(m.Size)
	e.u32(m.Timestamp)
	e.bytes(m.GUID[:])
	e.u32(m.Age)
	e.str(m.Name)
	e.str(m.Path)
}

func (m *Module) decode(d *decoder) {
	m.Base = d.u64()
	m.Size = d.u32()
	m.Timestamp = d.u32()
	for i := range m.GUID {
		m.GUID[i] = d.u8()
	}
	m.Age = d.u32()
	m.Name = d.str()
	m.Path = d.str()
}

// moduleNamespace seeds the name-based GUIDs of build modules.
var moduleNamespace = uuid.MustParse("6f1c3a52-3c0e-4f4e-9a57-6d2f8e1c7b90")

// buildModules lists the main module and its dependencies. Go binaries carry
// no per-module image base, so Base and Size stay zero; the GUID is derived
// from path, version and checksum so identical builds agree.
func buildModules() []Module {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	mods := make([]Module, 0, len(bi.Deps)+1)
	add := func(m *debug.Module) {
		if m == nil || m.Path == "" {
			return
		}
		if m.Replace != nil {
			m = m.Replace
		}
		id := m.Path + "@" + m.Version + " " + m.Sum
		mods = append(mods, Module{
			GUID: uuid.NewSHA1(moduleNamespace, []byte(id)),
			Age:  1,
			Name: m.Path,
			Path: m.Path + "@" + m.Version,
		})
	}
	add(&bi.Main)
	for _, dep := range bi.Deps {
		add(dep)
	}
	return mods
}
