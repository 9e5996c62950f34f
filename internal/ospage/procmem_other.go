//go:build !linux

package ospage

import "runtime"

// ProcessWorkingSet approximates the resident set with the bytes the Go
// runtime obtained from the OS.
func ProcessWorkingSet() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}
