// Package ospage is the OS glue underneath the allocators: page-granular
// reservation of address space outside the Go heap, alignment trimming, and
// the process / machine memory figures reported by GetAllocationInfo.
package ospage

import (
	"errors"
	"os"
	"unsafe"

	"github.com/pbnjay/memory"
)

// ErrOutOfMemory is returned when the OS refuses a reservation.
var ErrOutOfMemory = errors.New("ospage: out of memory")

var pageSize = uintptr(os.Getpagesize())

// PageSize returns the OS page size.
func PageSize() uintptr { return pageSize }

// Align rounds n up to a multiple of align, which must be a power of two.
func Align(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// Alloc reserves and commits size bytes rounded up to the page size.
func Alloc(size uintptr) (uintptr, error) {
	return osAlloc(Align(size, pageSize))
}

// AllocAligned reserves size bytes whose base is a multiple of align.
// align must be a power of two no smaller than the page size.
func AllocAligned(size, align uintptr) (uintptr, error) {
	size = Align(size, pageSize)
	if align <= pageSize {
		return osAlloc(size)
	}
	return osAllocAligned(size, align)
}

// Free returns a reservation made by Alloc or AllocAligned.
func Free(addr, size uintptr) error {
	return osFree(addr, Align(size, pageSize))
}

// Pointer converts an address returned by this package into a pointer.
// The memory lives outside the Go heap so the conversion is stable.
func Pointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// Bytes views n bytes at addr as a slice.
func Bytes(addr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(Pointer(addr)), n)
}

// LoadWord reads the pointer-sized word stored at addr.
func LoadWord(addr uintptr) uintptr {
	return *(*uintptr)(Pointer(addr))
}

// StoreWord writes a pointer-sized word at addr.
func StoreWord(addr, v uintptr) {
	*(*uintptr)(Pointer(addr)) = v
}

// Copy moves n bytes from src to dst. The ranges may overlap.
func Copy(dst, src, n uintptr) {
	if n == 0 {
		return
	}
	copy(Bytes(dst, n), Bytes(src, n))
}

// Fill sets n bytes at addr to b.
func Fill(addr, n uintptr, b byte) {
	buf := Bytes(addr, n)
	for i := range buf {
		buf[i] = b
	}
}

// AvailablePhysical returns the free physical memory of the machine.
func AvailablePhysical() uint64 {
	return memory.FreeMemory()
}

// TotalPhysical returns the installed physical memory of the machine.
func TotalPhysical() uint64 {
	return memory.TotalMemory()
}
