// Package manifest handles engine.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/strata/malloc/chain"
	"github.com/chazu/strata/mprof"
	"github.com/chazu/strata/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "engine.toml"

// Config represents an engine.toml configuration.
type Config struct {
	Memory   Memory   `toml:"memory" json:"memory"`
	Profiler Profiler `toml:"profiler" json:"profiler"`
	Script   Script   `toml:"script" json:"script"`
	Console  Console  `toml:"console" json:"console"`
	Log      Log      `toml:"log" json:"log"`

	// Dir is the directory containing the engine.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Memory selects and layers the allocator.
type Memory struct {
	Allocator       string `toml:"allocator" json:"allocator"`
	ThreadSafe      bool   `toml:"thread_safe" json:"thread_safe"`
	DetectDeadlocks bool   `toml:"detect_deadlocks" json:"detect_deadlocks"`
	Tracking        string `toml:"tracking" json:"tracking"`
}

// Profiler configures the memory profiler proxy.
type Profiler struct {
	Enabled          bool   `toml:"enabled" json:"enabled"`
	Output           string `toml:"output" json:"output"`
	MaxFileSize      int64  `toml:"max_file_size" json:"max_file_size"`
	StackDepth       int    `toml:"stack_depth" json:"stack_depth"`
	SkipFrames       int    `toml:"skip_frames" json:"skip_frames"`
	StatsInterval    int    `toml:"stats_interval" json:"stats_interval"`
	SerializeSymbols bool   `toml:"serialize_symbols" json:"serialize_symbols"`
	ScriptCallstacks bool   `toml:"script_callstacks" json:"script_callstacks"`
}

// Script configures the VM and the packages it loads.
type Script struct {
	MaxRecursion          int      `toml:"max_recursion" json:"max_recursion"`
	MaxRunaway            int      `toml:"max_runaway" json:"max_runaway"`
	TreatWarningsAsErrors bool     `toml:"treat_warnings_as_errors" json:"treat_warnings_as_errors"`
	DebugAsserts          bool     `toml:"debug_asserts" json:"debug_asserts"`
	Seed                  uint64   `toml:"seed" json:"seed"`
	Search                []string `toml:"search" json:"search"`
	Packages              []string `toml:"packages" json:"packages"`
	Entry                 string   `toml:"entry" json:"entry"`
}

// Console configures the remote console server.
type Console struct {
	Addr string `toml:"addr" json:"addr"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Default returns the configuration used when no engine.toml exists.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load parses the engine.toml file in the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// Parse decodes and validates an engine.toml document.
func Parse(data []byte) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}

	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find an engine.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) setDefaults() {
	if c.Memory.Allocator == "" {
		c.Memory.Allocator = chain.Binned
	}
	if c.Profiler.Output == "" {
		c.Profiler.Output = "profile.mprof"
	}
	if c.Profiler.MaxFileSize == 0 {
		c.Profiler.MaxFileSize = mprof.DefaultMaxFileSize
	}
	if c.Profiler.StackDepth == 0 {
		c.Profiler.StackDepth = 75
	}
	if c.Profiler.StatsInterval == 0 {
		c.Profiler.StatsInterval = 1024
	}
	def := vm.DefaultConfig()
	if c.Script.MaxRecursion == 0 {
		c.Script.MaxRecursion = def.MaxRecursion
	}
	if c.Script.MaxRunaway == 0 {
		c.Script.MaxRunaway = def.MaxRunaway
	}
	if len(c.Script.Search) == 0 {
		c.Script.Search = []string{"packages"}
	}
	if c.Console.Addr == "" {
		c.Console.Addr = "localhost:7077"
	}
}

// path resolves p against the configuration directory.
func (c *Config) path(p string) string {
	if filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// SearchDirPaths returns absolute paths for the package search directories.
func (c *Config) SearchDirPaths() []string {
	var paths []string
	for _, d := range c.Script.Search {
		paths = append(paths, c.path(d))
	}
	return paths
}

// ChainOptions translates [memory] and [profiler] into allocator stack options.
func (c *Config) ChainOptions() chain.Options {
	opts := chain.Options{
		Allocator:       c.Memory.Allocator,
		ThreadSafe:      c.Memory.ThreadSafe,
		DetectDeadlocks: c.Memory.DetectDeadlocks,
		Tracking:        c.Memory.Tracking,
	}
	if c.Profiler.Enabled {
		opts.Profiler = &mprof.Options{
			Output:           c.path(c.Profiler.Output),
			MaxFileSize:      c.Profiler.MaxFileSize,
			StackDepth:       c.Profiler.StackDepth,
			SkipFrames:       c.Profiler.SkipFrames,
			StatsInterval:    c.Profiler.StatsInterval,
			SerializeSymbols: c.Profiler.SerializeSymbols,
			ScriptCallstacks: c.Profiler.ScriptCallstacks,
		}
	}
	return opts
}

// VMConfig translates [script] into VM limits.
func (c *Config) VMConfig() vm.Config {
	return vm.Config{
		MaxRecursion:          c.Script.MaxRecursion,
		MaxRunaway:            c.Script.MaxRunaway,
		TreatWarningsAsErrors: c.Script.TreatWarningsAsErrors,
		DebugAsserts:          c.Script.DebugAsserts,
		Seed:                  c.Script.Seed,
	}
}
