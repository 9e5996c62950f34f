//go:build !linux && !darwin && !windows

package ospage

import (
	"sync"
	"unsafe"
)

// Platforms without a supported mapping call borrow pinned slices from the
// Go heap. The slices stay reachable from pinned until freed.
var (
	pinnedMu sync.Mutex
	pinned   = map[uintptr][]byte{}
)

func osAlloc(size uintptr) (uintptr, error) {
	return osAllocAligned(size, pageSize)
}

func osAllocAligned(size, align uintptr) (uintptr, error) {
	buf := make([]byte, size+align)
	base := Align(uintptr(unsafe.Pointer(&buf[0])), align)
	pinnedMu.Lock()
	pinned[base] = buf
	pinnedMu.Unlock()
	return base, nil
}

func osFree(addr, size uintptr) error {
	pinnedMu.Lock()
	delete(pinned, addr)
	pinnedMu.Unlock()
	return nil
}
