//go:build windows

package ospage

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func osAlloc(size uintptr) (uintptr, error) {
	p, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return 0, fmt.Errorf("%w: VirtualAlloc %d bytes: %v", ErrOutOfMemory, size, err)
	}
	return p, nil
}

// osAllocAligned reserves an oversized range to find an aligned address,
// releases it, then claims the aligned address. Another thread may take the
// range in between, so the sequence is retried a few times.
func osAllocAligned(size, align uintptr) (uintptr, error) {
	for attempt := 0; attempt < 8; attempt++ {
		probe, err := windows.VirtualAlloc(0, size+align, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
		if err != nil {
			return 0, fmt.Errorf("%w: VirtualAlloc probe: %v", ErrOutOfMemory, err)
		}
		base := Align(probe, align)
		if err := windows.VirtualFree(probe, 0, windows.MEM_RELEASE); err != nil {
			return 0, fmt.Errorf("ospage: release probe: %w", err)
		}
		p, err := windows.VirtualAlloc(base, size, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
		if err == nil {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: no aligned range of %d bytes", ErrOutOfMemory, size)
}

func osFree(addr, size uintptr) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
