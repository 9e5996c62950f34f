// Package chain assembles the allocator stack from configuration:
//
//	ThreadSafe -> Profiler -> Tag | Section -> Binned | Guarded | Scalable
package chain

import (
	"fmt"

	"github.com/chazu/strata/malloc"
	"github.com/chazu/strata/malloc/binned"
	"github.com/chazu/strata/malloc/guarded"
	"github.com/chazu/strata/malloc/proxy"
	"github.com/chazu/strata/malloc/scalable"
	"github.com/chazu/strata/mprof"
)

// Base allocator kinds.
const (
	Binned   = "binned"
	Debug    = "debug"
	Scalable = "scalable"
)

// Tracking proxy kinds.
const (
	TrackNone    = ""
	TrackTags    = "tag"
	TrackSection = "section"
)

type Options struct {
	Allocator       string
	ThreadSafe      bool
	DetectDeadlocks bool
	Tracking        string
	Profiler        *mprof.Options // nil disables profiling
}

// Chain is a built allocator stack. Top is what GMalloc should point at;
// the other fields give direct access to optional layers and are nil when
// the layer is absent.
type Chain struct {
	Top        malloc.Allocator
	Base       malloc.Allocator
	ThreadSafe *proxy.ThreadSafe
	Profiler   *mprof.Profiler
	Tag        *proxy.Tag
	Section    *proxy.Section
}

// Build composes the layers named by opts.
func Build(opts Options) (*Chain, error) {
	c := &Chain{}
	switch opts.Allocator {
	case Binned, "":
		c.Base = binned.New()
	case Debug:
		c.Base = guarded.New()
	case Scalable:
		c.Base = scalable.New()
	default:
		return nil, fmt.Errorf("chain: unknown allocator %q", opts.Allocator)
	}
	top := c.Base

	switch opts.Tracking {
	case TrackNone:
	case TrackTags:
		c.Tag = proxy.NewTag(top)
		top = c.Tag
	case TrackSection:
		c.Section = proxy.NewSection(top)
		top = c.Section
	default:
		return nil, fmt.Errorf("chain: unknown tracking proxy %q", opts.Tracking)
	}

	if opts.Profiler != nil {
		p, err := mprof.New(top, *opts.Profiler)
		if err != nil {
			return nil, err
		}
		c.Profiler = p
		top = p
	}

	// Tracking proxies keep unsynchronised maps, so any stack carrying one
	// is locked even over a thread-safe base.
	needsLock := !c.Base.IsInternallyThreadSafe() || c.Tag != nil || c.Section != nil
	if opts.ThreadSafe && needsLock {
		c.ThreadSafe = proxy.NewThreadSafe(top, opts.DetectDeadlocks)
		top = c.ThreadSafe
	}
	c.Top = top
	return c, nil
}

// Install makes the chain the process-wide allocator. The returned func
// reinstalls the previous one.
func (c *Chain) Install() (restore func()) {
	prev := malloc.Install(c.Top)
	return func() { malloc.Install(prev) }
}

// Close finalises the profile if one is being recorded.
func (c *Chain) Close() error {
	if c.Profiler != nil && !c.Profiler.Ended() {
		return c.Profiler.EndProfiling()
	}
	return nil
}
