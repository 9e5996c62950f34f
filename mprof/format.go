// Package mprof implements the memory profiler. It sits in the allocator
// chain as a proxy, records every Malloc, Free and Realloc as a token in a
// binary .mprof stream together with an interned native callstack, and at
// the end of a run appends the symbol tables and back-patches the header.
//
// Stream layout
//
//	header                  fixed size, rewritten at the end of the run
//	token*                  malloc, free, realloc or other
//	name table              interned strings
//	pc table                program counters with optional symbol indices
//	callstack table         crc + pc indices + terminator
//	module table            build modules with synthetic GUIDs
//	script callstack table  optional
//	script name table       optional
//
// Tokens may continue in <base>.m1, <base>.m2, ... once a file grows past
// the configured ceiling. The tail tables always live in file #0.
package mprof

import (
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
)

const (
	Magic   uint32 = 0xDA15F7D8
	Version uint32 = 3

	// DefaultMaxFileSize is the split ceiling of one stream file.
	DefaultMaxFileSize = 1 << 30
)

// Platform identifies the capturing host in the header.
type Platform uint8

const (
	PlatformUnknown Platform = iota
	PlatformLinux
	PlatformWindows
	PlatformDarwin
)

func (p Platform) String() string {
	switch p {
	case PlatformLinux:
		return "linux"
	case PlatformWindows:
		return "windows"
	case PlatformDarwin:
		return "darwin"
	}
	return "unknown"
}

func currentPlatform() Platform {
	switch runtime.GOOS {
	case "linux":
		return PlatformLinux
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformDarwin
	}
	return PlatformUnknown
}

// TokenType is stored in the two low bits of a token's pointer word.
type TokenType uint8

const (
	TypeMalloc TokenType = iota
	TypeFree
	TypeRealloc
	TypeOther

	typeMask = 3
)

func (t TokenType) String() string {
	switch t {
	case TypeMalloc:
		return "Malloc"
	case TypeFree:
		return "Free"
	case TypeRealloc:
		return "Realloc"
	case TypeOther:
		return "Other"
	}
	return fmt.Sprintf("TokenType(%d)", uint8(t))
}

// Subtype classifies TypeOther tokens.
type Subtype int32

const (
	SubtypeEndOfStream Subtype = iota
	SubtypeEndOfFile
	SubtypeSnapshot
	SubtypeFrameTime
	SubtypeTextMarker
	SubtypeAllocationStats
)

func (s Subtype) String() string {
	switch s {
	case SubtypeEndOfStream:
		return "EndOfStream"
	case SubtypeEndOfFile:
		return "EndOfFile"
	case SubtypeSnapshot:
		return "Snapshot"
	case SubtypeFrameTime:
		return "FrameTime"
	case SubtypeTextMarker:
		return "TextMarker"
	case SubtypeAllocationStats:
		return "AllocationStats"
	}
	return fmt.Sprintf("Subtype(%d)", int32(s))
}

// SnapshotType is the payload of a snapshot token.
type SnapshotType uint32

const (
	SnapshotLoadMapStart SnapshotType = iota
	SnapshotLoadMapMid
	SnapshotLoadMapEnd
	SnapshotGCStart
	SnapshotGCEnd
	SnapshotLevelStreamStart
	SnapshotLevelStreamEnd
	SnapshotMark
)

var snapshotNames = [...]string{
	"LoadMapStart", "LoadMapMid", "LoadMapEnd",
	"GCStart", "GCEnd",
	"LevelStreamStart", "LevelStreamEnd",
	"Mark",
}

func (s SnapshotType) String() string {
	if int(s) < len(snapshotNames) {
		return snapshotNames[s]
	}
	return fmt.Sprintf("SnapshotType(%d)", uint32(s))
}

// Callstack terminators.
const (
	CallstackEnd       int32 = -1
	CallstackTruncated int32 = -2
)

// Script callstack index sentinels.
const (
	ScriptCallstackNone      uint16 = 0x7fff // off the game thread or no frame
	ScriptCallstackObjectBit uint16 = 0x8000 // a 32-bit class name index follows
	maxScriptCallstacks             = 0x7fff
)

// numAllocationStats is the number of u64 values in a stats token.
const numAllocationStats = 9

// ---------------------------------------------------------------------------
// Header
// ---------------------------------------------------------------------------

// TableRef locates one tail table in file #0.
type TableRef struct {
	Offset  uint64
	Entries uint32
}

// Header is the fixed block at offset 0 of file #0.
type Header struct {
	Magic            uint32
	Version          uint32
	Platform         Platform
	SerializeSymbols bool
	Names            TableRef
	PCs              TableRef
	Callstacks       TableRef
	Modules          TableRef
	NumDataFiles     uint32
	ScriptCallstacks uint64 // offset, 0 when absent
	ScriptNames      uint64 // offset, 0 when absent
	Executable       string
}

func (h *Header) encode(e *encoder) {
	e.u32(h.Magic)
	e.u32(h.Version)
	e.u8(uint8(h.Platform))
	e.bool(h.SerializeSymbols)
	for _, t := range []TableRef{h.Names, h.PCs, h.Callstacks, h.Modules} {
		e.u64(t.Offset)
		e.u32(t.Entries)
	}
	e.u32(h.NumDataFiles)
	e.u64(h.ScriptCallstacks)
	e.u64(h.ScriptNames)
	e.str(h.Executable)
}

func (h *Header) decode(d *decoder) error {
	h.Magic = d.u32()
	if d.err == nil && h.Magic != Magic {
		return fmt.Errorf("%w: %#08x", ErrBadMagic, h.Magic)
	}
	h.Version = d.u32()
	h.Platform = Platform(d.u8())
	h.SerializeSymbols = d.u8() != 0
	for _, t := range []*TableRef{&h.Names, &h.PCs, &h.Callstacks, &h.Modules} {
		t.Offset = d.u64()
		t.Entries = d.u32()
	}
	h.NumDataFiles = d.u32()
	h.ScriptCallstacks = d.u64()
	h.ScriptNames = d.u64()
	h.Executable = d.str()
	return d.err
}

// ---------------------------------------------------------------------------
// Little-endian encoding
// ---------------------------------------------------------------------------

type encoder struct {
	buf []byte
}

func (e *encoder) reset()         { e.buf = e.buf[:0] }
func (e *encoder) u8(v uint8)     { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16)   { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32)   { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) i32(v int32)    { e.u32(uint32(v)) }
func (e *encoder) u64(v uint64)   { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) bytes(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

// str writes a length-prefixed string.
func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// decoder reads from r and latches the first error.
type decoder struct {
	r   io.Reader
	err error
	tmp [8]byte
	n   int64
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.tmp[:n:n]
	}
	_, d.err = io.ReadFull(d.r, d.tmp[:n])
	d.n += int64(n)
	return d.tmp[:n]
}

func (d *decoder) u8() uint8   { return d.read(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.read(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }
func (d *decoder) i32() int32  { return int32(d.u32()) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.read(8)) }

// maxStringLen guards against reading garbage as a huge length.
const maxStringLen = 1 << 20

func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil {
		return ""
	}
	if n > maxStringLen {
		d.err = fmt.Errorf("%w: string of %d bytes", ErrCorrupt, n)
		return ""
	}
	b := make([]byte, n)
	_, d.err = io.ReadFull(d.r, b)
	d.n += int64(n)
	return string(b)
}
