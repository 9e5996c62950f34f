package main

import (
	"fmt"

	"github.com/chazu/strata/malloc/chain"
	"github.com/chazu/strata/manifest"
	"github.com/chazu/strata/vm"
)

// engine is the allocator stack and VM assembled from engine.toml.
type engine struct {
	cfg     *manifest.Config
	chain   *chain.Chain
	vm      *vm.VM
	restore func()
}

// newEngine builds and installs the allocator chain, then creates the VM
// and loads the configured packages followed by extra package files.
func newEngine(cfg *manifest.Config, extra []string) (*engine, error) {
	c, err := chain.Build(cfg.ChainOptions())
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg, chain: c, restore: c.Install()}

	e.vm = vm.New(cfg.VMConfig())
	if c.Profiler != nil {
		e.vm.Tracker = c.Profiler.ScriptTracker()
		c.Profiler.SetLoadedLevels(e.levels)
	}

	if _, err := manifest.NewResolver(cfg).Load(e.vm); err != nil {
		e.close()
		return nil, err
	}
	for _, path := range extra {
		p, err := vm.ReadPackageFile(path, e.vm.Packages()...)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		e.vm.AddPackage(p)
	}
	return e, nil
}

// levels reports the loaded packages as the profiler's level list.
func (e *engine) levels() []string {
	var out []string
	for _, p := range e.vm.Packages() {
		out = append(out, string(p.Name))
	}
	return out
}

// close finalises the profile and reinstalls the previous allocator.
func (e *engine) close() error {
	err := e.chain.Close()
	e.restore()
	return err
}
