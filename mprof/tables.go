package mprof

import (
	"encoding/binary"
	"hash/crc32"
	"slices"
)

// nameTable interns strings in insertion order.
type nameTable struct {
	index map[string]int32
	names []string
}

func newNameTable() *nameTable {
	return &nameTable{index: make(map[string]int32)}
}

func (t *nameTable) intern(s string) int32 {
	if i, ok := t.index[s]; ok {
		return i
	}
	i := int32(len(t.names))
	t.names = append(t.names, s)
	t.index[s] = i
	return i
}

// pcInfo is one interned program counter. The symbol fields are filled in
// when the stream is finalised.
type pcInfo struct {
	pc       uint64
	file     int32
	function int32
	line     int32
}

type pcTable struct {
	index map[uintptr]int32
	pcs   []pcInfo
}

func newPCTable() *pcTable {
	return &pcTable{index: make(map[uintptr]int32)}
}

func (t *pcTable) intern(pc uintptr) int32 {
	if i, ok := t.index[pc]; ok {
		return i
	}
	i := int32(len(t.pcs))
	t.pcs = append(t.pcs, pcInfo{pc: uint64(pc), file: -1, function: -1, line: 0})
	t.index[pc] = i
	return i
}

type callstack struct {
	crc       uint32
	pcs       []uintptr
	indices   []int32
	truncated bool
}

// callstackTable interns callstacks keyed by the CRC of their PC array.
// Entries sharing a CRC are told apart by comparing the PCs.
type callstackTable struct {
	byCRC   map[uint32][]int32
	stacks  []callstack
	scratch []byte
}

func newCallstackTable() *callstackTable {
	return &callstackTable{byCRC: make(map[uint32][]int32)}
}

func (t *callstackTable) crc(pcs []uintptr) uint32 {
	t.scratch = t.scratch[:0]
	for _, pc := range pcs {
		t.scratch = binary.LittleEndian.AppendUint64(t.scratch, uint64(pc))
	}
	return crc32.ChecksumIEEE(t.scratch)
}

func (t *callstackTable) intern(pcs []uintptr, truncated bool, pcTab *pcTable) int32 {
	crc := t.crc(pcs)
	for _, i := range t.byCRC[crc] {
		if s := &t.stacks[i]; s.truncated == truncated && slices.Equal(s.pcs, pcs) {
			return i
		}
	}
	s := callstack{
		crc:       crc,
		pcs:       slices.Clone(pcs),
		indices:   make([]int32, len(pcs)),
		truncated: truncated,
	}
	for j, pc := range pcs {
		s.indices[j] = pcTab.intern(pc)
	}
	i := int32(len(t.stacks))
	t.stacks = append(t.stacks, s)
	t.byCRC[crc] = append(t.byCRC[crc], i)
	return i
}
