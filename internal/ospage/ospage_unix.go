//go:build linux || darwin

package ospage

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func osAlloc(size uintptr) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfMemory, size, err)
	}
	return uintptr(p), nil
}

// osAllocAligned over-reserves by align and unmaps the misaligned head and
// tail so the surviving mapping starts on an align boundary.
func osAllocAligned(size, align uintptr) (uintptr, error) {
	raw, err := osAlloc(size + align)
	if err != nil {
		return 0, err
	}
	base := Align(raw, align)
	if head := base - raw; head > 0 {
		if err := unix.MunmapPtr(unsafe.Pointer(raw), head); err != nil {
			return 0, fmt.Errorf("ospage: trim head: %w", err)
		}
	}
	if tail := raw + size + align - (base + size); tail > 0 {
		if err := unix.MunmapPtr(unsafe.Pointer(base+size), tail); err != nil {
			return 0, fmt.Errorf("ospage: trim tail: %w", err)
		}
	}
	return base, nil
}

func osFree(addr, size uintptr) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), size)
}
