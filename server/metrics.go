package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazu/strata/malloc"
	"github.com/chazu/strata/vm"
)

// Metrics exports allocator and VM figures to Prometheus. Gauges are read
// on the game thread at scrape time.
type Metrics struct {
	worker   *Worker
	commands *prometheus.CounterVec

	allocDescs []allocDesc
	objects    *prometheus.Desc
	warnings   *prometheus.Desc
	frames     *prometheus.Desc
}

type allocDesc struct {
	desc  *prometheus.Desc
	value func(malloc.AllocationInfo) uint64
}

// snapshot is what one scrape reads on the game thread.
type snapshot struct {
	alloc    malloc.AllocationInfo
	hasAlloc bool
	objects  int
	warnings int
	frames   uint64
}

func newAllocDesc(name, help string, value func(malloc.AllocationInfo) uint64) allocDesc {
	return allocDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName("strata", "memory", name), help, nil, nil),
		value: value,
	}
}

// NewMetrics creates the collector for worker and registers it with reg.
func NewMetrics(worker *Worker, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		worker: worker,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "console",
			Name:      "commands_total",
			Help:      "Console commands by result.",
		}, []string{"result"}),
		allocDescs: []allocDesc{
			newAllocDesc("os_used_bytes", "Process working set reported by the OS.",
				func(i malloc.AllocationInfo) uint64 { return i.OSReportedUsed }),
			newAllocDesc("os_free_bytes", "Free physical memory reported by the OS.",
				func(i malloc.AllocationInfo) uint64 { return i.OSReportedFree }),
			newAllocDesc("os_overhead_bytes", "Allocator bookkeeping obtained from the OS.",
				func(i malloc.AllocationInfo) uint64 { return i.OSOverhead }),
			newAllocDesc("cpu_used_bytes", "Bytes in live allocations after size-class rounding.",
				func(i malloc.AllocationInfo) uint64 { return i.CPUUsed }),
			newAllocDesc("cpu_slack_bytes", "Free bytes held in partially used pools.",
				func(i malloc.AllocationInfo) uint64 { return i.CPUSlack }),
			newAllocDesc("cpu_waste_bytes", "Bytes lost to rounding and headers.",
				func(i malloc.AllocationInfo) uint64 { return i.CPUWaste }),
			newAllocDesc("physical_used_bytes", "Bytes in live physical allocations.",
				func(i malloc.AllocationInfo) uint64 { return i.PhysicalUsed }),
			newAllocDesc("allocated_from_os_bytes", "Pool and large-allocation bytes mapped from the OS.",
				func(i malloc.AllocationInfo) uint64 { return i.TotalAllocatedFromOS }),
			newAllocDesc("allocations", "Live allocations.",
				func(i malloc.AllocationInfo) uint64 { return i.AllocationCount }),
		},
		objects:  prometheus.NewDesc("strata_script_objects", "Live script objects.", nil, nil),
		warnings: prometheus.NewDesc("strata_script_warnings_total", "Script warnings raised.", nil, nil),
		frames:   prometheus.NewDesc("strata_frames_total", "Frames ticked by the game thread.", nil, nil),
	}
	for _, c := range []prometheus.Collector{m, m.commands} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range m.allocDescs {
		ch <- d.desc
	}
	ch <- m.objects
	ch <- m.warnings
	ch <- m.frames
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	v, err := m.worker.Do(func(v *vm.VM) (any, error) {
		s := snapshot{
			objects:  len(v.Objects()),
			warnings: v.Warnings(),
			frames:   m.worker.Frames(),
		}
		if malloc.GMalloc() != nil {
			s.alloc = malloc.GetAllocationInfo()
			s.hasAlloc = true
		}
		return s, nil
	})
	if err != nil {
		log.Warningf("metrics: %s", err)
		return
	}
	s := v.(snapshot)
	if s.hasAlloc {
		for _, d := range m.allocDescs {
			ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, float64(d.value(s.alloc)))
		}
	}
	ch <- prometheus.MustNewConstMetric(m.objects, prometheus.GaugeValue, float64(s.objects))
	ch <- prometheus.MustNewConstMetric(m.warnings, prometheus.CounterValue, float64(s.warnings))
	ch <- prometheus.MustNewConstMetric(m.frames, prometheus.CounterValue, float64(s.frames))
}

func (m *Metrics) observeCommand(err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrUnknownCommand):
		result = "unknown"
	case err != nil:
		result = "error"
	}
	m.commands.WithLabelValues(result).Inc()
}
