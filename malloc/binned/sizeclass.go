package binned

// NumPoolTables is the number of size classes served from pools.
const NumPoolTables = 42

// MaxPooledSize is the largest request served from a pool. Anything larger
// goes straight to the OS table.
const MaxPooledSize = 32 << 10

// blockSizes interleaves doubling with intermediate steps so rounding waste
// stays bounded. Every entry is a multiple of 8.
var blockSizes = [NumPoolTables]uint32{
	8, 16, 32, 48, 64, 80, 96, 112,
	128, 160, 192, 224, 256, 288, 320, 384,
	448, 512, 576, 640, 704, 768, 896, 1024,
	1168, 1360, 1632, 2048, 2336, 2720, 3264, 4096,
	4672, 5456, 6544, 8192, 9360, 10912, 13104, 16384,
	21840, 32768,
}

// BlockSize returns the block size of size class i.
func BlockSize(i int) uint32 {
	return blockSizes[i]
}

// sizeLookup is MemSizeToPoolTable: the smallest class per byte size.
type sizeLookup [MaxPooledSize + 1]uint8

func newSizeLookup() *sizeLookup {
	var l sizeLookup
	class := 0
	for size := 0; size <= MaxPooledSize; size++ {
		for uint32(size) > blockSizes[class] {
			class++
		}
		l[size] = uint8(class)
	}
	return &l
}

// classFor returns the class serving size at alignment, or -1 when the
// request must go to the OS. A class qualifies when its block size is a
// multiple of the alignment, which keeps every block in a 64 KiB-aligned
// pool aligned as well.
func (l *sizeLookup) classFor(size, alignment uintptr) int {
	if size > MaxPooledSize {
		return -1
	}
	for class := int(l[size]); class < NumPoolTables; class++ {
		if uintptr(blockSizes[class])%alignment == 0 {
			return class
		}
	}
	return -1
}
