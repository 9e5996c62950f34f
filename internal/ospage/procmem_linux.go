//go:build linux

package ospage

import (
	"runtime"

	"github.com/prometheus/procfs"
)

// ProcessWorkingSet returns the resident set size of this process.
func ProcessWorkingSet() uint64 {
	p, err := procfs.Self()
	if err == nil {
		if stat, err := p.Stat(); err == nil {
			return uint64(stat.ResidentMemory())
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}
