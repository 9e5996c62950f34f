package mprof

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
)

// Token is one decoded stream record.
type Token struct {
	Type TokenType
	File int // data file the token was read from

	Pointer    uint64 // tag bits cleared
	NewPointer uint64 // Realloc only
	Callstack  int32
	Size       uint32

	// Set when the stream carries script callstacks.
	ScriptCallstack uint16
	ScriptClass     int32

	// Other tokens.
	Subtype Subtype
	Payload uint32
	Text    string   // snapshot name
	Levels  []string // snapshot level list
	Stats   []uint64 // allocation stats
}

// FrameTime returns the seconds carried by a frame-time marker.
func (t *Token) FrameTime() float32 {
	return math.Float32frombits(t.Payload)
}

// Reader scans a stream forward across its split files.
type Reader struct {
	path   string
	header Header
	script bool

	first *os.File
	cur   *os.File
	d     decoder
	file  int
	done  bool
}

// Open reads the header of the stream at path and positions the reader at
// the first token.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{path: path, first: f, cur: f}
	r.d.r = bufio.NewReader(f)
	if err := r.header.decode(&r.d); err != nil {
		f.Close()
		return nil, fmt.Errorf("mprof: %s: %w", path, err)
	}
	if r.header.Version != Version {
		f.Close()
		return nil, fmt.Errorf("%w: %d", ErrVersion, r.header.Version)
	}
	r.script = r.header.ScriptCallstacks != 0
	return r, nil
}

func (r *Reader) Header() Header { return r.header }

// Next returns the next token. End-of-file markers are returned as tokens
// and the reader continues in the next file; after the end-of-stream
// marker Next returns io.EOF.
func (r *Reader) Next() (Token, error) {
	if r.done {
		return Token{}, io.EOF
	}
	d := &r.d
	word := d.u64()
	tok := Token{Type: TokenType(word & typeMask), Pointer: word &^ typeMask, File: r.file}
	switch tok.Type {
	case TypeMalloc:
		tok.Callstack = d.i32()
		tok.Size = d.u32()
		r.readScript(&tok)
	case TypeFree:
	case TypeRealloc:
		tok.NewPointer = d.u64()
		tok.Callstack = d.i32()
		tok.Size = d.u32()
		r.readScript(&tok)
	case TypeOther:
		tok.Subtype = Subtype(d.i32())
		tok.Payload = d.u32()
		r.readOther(&tok)
	}
	if d.err != nil {
		if d.err == io.EOF || d.err == io.ErrUnexpectedEOF {
			return Token{}, fmt.Errorf("%w: stream ends without an end-of-stream marker", ErrCorrupt)
		}
		return Token{}, d.err
	}
	if tok.Type == TypeOther {
		switch tok.Subtype {
		case SubtypeEndOfStream:
			r.done = true
		case SubtypeEndOfFile:
			if err := r.openData(int(tok.Payload)); err != nil {
				return Token{}, err
			}
		}
	}
	return tok, nil
}

func (r *Reader) readScript(tok *Token) {
	tok.ScriptClass = -1
	if !r.script {
		return
	}
	tok.ScriptCallstack = r.d.u16()
	if tok.ScriptCallstack&ScriptCallstackObjectBit != 0 {
		tok.ScriptClass = r.d.i32()
	}
}

func (r *Reader) readOther(tok *Token) {
	d := &r.d
	switch tok.Subtype {
	case SubtypeSnapshot:
		tok.Text = d.str()
		n := d.u32()
		if n > maxStringLen {
			d.err = fmt.Errorf("%w: %d levels", ErrCorrupt, n)
			return
		}
		for range n {
			tok.Levels = append(tok.Levels, d.str())
		}
	case SubtypeAllocationStats:
		if tok.Payload > 64 {
			d.err = fmt.Errorf("%w: %d stats", ErrCorrupt, tok.Payload)
			return
		}
		tok.Stats = make([]uint64, tok.Payload)
		for i := range tok.Stats {
			tok.Stats[i] = d.u64()
		}
	case SubtypeEndOfStream, SubtypeEndOfFile, SubtypeFrameTime, SubtypeTextMarker:
	default:
		d.err = fmt.Errorf("%w: unknown subtype %d", ErrCorrupt, tok.Subtype)
	}
}

func (r *Reader) openData(n int) error {
	f, err := os.Open(DataFileName(r.path, n))
	if err != nil {
		return fmt.Errorf("mprof: data file %d: %w", n, err)
	}
	if r.cur != r.first {
		r.cur.Close()
	}
	r.cur = f
	r.file = n
	r.d = decoder{r: bufio.NewReader(f)}
	return nil
}

// ---------------------------------------------------------------------------
// Tail tables
// ---------------------------------------------------------------------------

// PC is one entry of the program-counter table. File and Function index the
// name table and are -1 when symbols were not serialised.
type PC struct {
	Address  uint64
	File     int32
	Function int32
	Line     int32
}

// Callstack is one entry of the callstack table.
type Callstack struct {
	CRC       uint32
	PCs       []int32
	Truncated bool
}

// Tables holds the decoded tail tables of file #0.
type Tables struct {
	Names            []string
	PCs              []PC
	Callstacks       []Callstack
	Modules          []Module
	ScriptCallstacks [][]ScriptFrameInfo
	ScriptNames      []string
}

// Frames resolves callstack i to function names, innermost first. PCs
// without symbols are rendered as addresses.
func (t *Tables) Frames(i int32) []string {
	if i < 0 || int(i) >= len(t.Callstacks) {
		return nil
	}
	var out []string
	for _, pi := range t.Callstacks[i].PCs {
		pc := t.PCs[pi]
		if pc.Function >= 0 && int(pc.Function) < len(t.Names) {
			out = append(out, t.Names[pc.Function])
		} else {
			out = append(out, fmt.Sprintf("%#x", pc.Address))
		}
	}
	return out
}

func (r *Reader) section(off uint64) *decoder {
	return &decoder{r: bufio.NewReader(io.NewSectionReader(r.first, int64(off), math.MaxInt64-int64(off)))}
}

// Tables decodes the tail tables. It does not disturb the token scan.
func (r *Reader) Tables() (*Tables, error) {
	h := &r.header
	t := &Tables{}

	d := r.section(h.Names.Offset)
	for range h.Names.Entries {
		t.Names = append(t.Names, d.str())
	}
	if d.err != nil {
		return nil, fmt.Errorf("mprof: name table: %w", d.err)
	}

	d = r.section(h.PCs.Offset)
	for range h.PCs.Entries {
		pc := PC{Address: d.u64(), File: -1, Function: -1}
		if h.SerializeSymbols {
			pc.File, pc.Function, pc.Line = d.i32(), d.i32(), d.i32()
		}
		t.PCs = append(t.PCs, pc)
		if d.err != nil {
			break
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("mprof: pc table: %w", d.err)
	}

	d = r.section(h.Callstacks.Offset)
	for range h.Callstacks.Entries {
		cs := Callstack{CRC: d.u32()}
		for d.err == nil {
			i := d.i32()
			if i == CallstackEnd || i == CallstackTruncated {
				cs.Truncated = i == CallstackTruncated
				break
			}
			if i < 0 || uint32(i) >= h.PCs.Entries {
				return nil, fmt.Errorf("%w: callstack references pc %d", ErrCorrupt, i)
			}
			cs.PCs = append(cs.PCs, i)
		}
		t.Callstacks = append(t.Callstacks, cs)
	}
	if d.err != nil {
		return nil, fmt.Errorf("mprof: callstack table: %w", d.err)
	}

	d = r.section(h.Modules.Offset)
	for range h.Modules.Entries {
		var m Module
		m.decode(d)
		t.Modules = append(t.Modules, m)
	}
	if d.err != nil {
		return nil, fmt.Errorf("mprof: module table: %w", d.err)
	}

	if h.ScriptCallstacks != 0 {
		d = r.section(h.ScriptCallstacks)
		n := d.u32()
		for i := uint32(0); i < n && d.err == nil; i++ {
			depth := d.u32()
			if depth > maxStringLen {
				return nil, fmt.Errorf("%w: script callstack of %d frames", ErrCorrupt, depth)
			}
			frames := make([]ScriptFrameInfo, depth)
			for j := range frames {
				frames[j] = ScriptFrameInfo{Function: d.i32(), Class: d.i32(), Package: d.i32()}
			}
			t.ScriptCallstacks = append(t.ScriptCallstacks, frames)
		}
		d2 := r.section(h.ScriptNames)
		n = d2.u32()
		for i := uint32(0); i < n && d2.err == nil; i++ {
			t.ScriptNames = append(t.ScriptNames, d2.str())
		}
		if d.err != nil || d2.err != nil {
			return nil, fmt.Errorf("%w: script tables", ErrCorrupt)
		}
	}
	return t, nil
}

func (r *Reader) Close() error {
	var err error
	if r.cur != nil && r.cur != r.first {
		err = r.cur.Close()
	}
	if cerr := r.first.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadAll decodes every token and the tail tables of the stream at path.
func ReadAll(path string) (Header, []Token, *Tables, error) {
	r, err := Open(path)
	if err != nil {
		return Header{}, nil, nil, err
	}
	defer r.Close()
	var toks []Token
	for {
		tok, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.header, toks, nil, err
		}
		toks = append(toks, tok)
	}
	tables, err := r.Tables()
	return r.header, toks, tables, err
}
