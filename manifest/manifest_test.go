package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/strata/malloc/chain"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[memory]
allocator = "debug"
thread_safe = true
detect_deadlocks = true
tracking = "section"

[profiler]
enabled = true
output = "out/game.mprof"
stack_depth = 32
script_callstacks = true

[script]
max_recursion = 100
treat_warnings_as_errors = true
seed = 7
packages = ["Base", "mods/extra.spk"]
entry = "Game.Main"

[console]
addr = ":9000"

[log]
verbosity = 2
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.Memory.Allocator != "debug" || !c.Memory.ThreadSafe || c.Memory.Tracking != "section" {
		t.Errorf("memory = %+v", c.Memory)
	}
	if !c.Profiler.Enabled || c.Profiler.StackDepth != 32 {
		t.Errorf("profiler = %+v", c.Profiler)
	}
	if c.Profiler.StatsInterval != 1024 {
		t.Errorf("stats_interval default = %d, want 1024", c.Profiler.StatsInterval)
	}
	if c.Script.MaxRecursion != 100 || c.Script.MaxRunaway != 1000000 {
		t.Errorf("script limits = %d, %d", c.Script.MaxRecursion, c.Script.MaxRunaway)
	}
	if len(c.Script.Packages) != 2 || c.Script.Entry != "Game.Main" {
		t.Errorf("script = %+v", c.Script)
	}
	if c.Console.Addr != ":9000" {
		t.Errorf("console addr = %q, want :9000", c.Console.Addr)
	}

	opts := c.ChainOptions()
	if opts.Allocator != chain.Debug || !opts.DetectDeadlocks || opts.Tracking != chain.TrackSection {
		t.Errorf("chain options = %+v", opts)
	}
	if opts.Profiler == nil {
		t.Fatal("profiler options missing")
	}
	if want := filepath.Join(c.Dir, "out/game.mprof"); opts.Profiler.Output != want {
		t.Errorf("profiler output = %q, want %q", opts.Profiler.Output, want)
	}

	vc := c.VMConfig()
	if vc.MaxRecursion != 100 || !vc.TreatWarningsAsErrors || vc.Seed != 7 {
		t.Errorf("vm config = %+v", vc)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[memory]\nthread_safe = true\n")

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Memory.Allocator != chain.Binned {
		t.Errorf("default allocator = %q, want binned", c.Memory.Allocator)
	}
	if len(c.Script.Search) != 1 || c.Script.Search[0] != "packages" {
		t.Errorf("default search = %v, want [packages]", c.Script.Search)
	}
	if c.ChainOptions().Profiler != nil {
		t.Error("profiler should be disabled by default")
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
}

func TestSchemaRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown allocator", "[memory]\nallocator = \"jemalloc\"\n"},
		{"unknown tracking", "[memory]\ntracking = \"stats\"\n"},
		{"stack depth", "[profiler]\nstack_depth = 1000\n"},
		{"split too small", "[profiler]\nmax_file_size = 4096\n"},
		{"empty output", "[profiler]\nenabled = true\noutput = \" \"\n"},
		{"negative recursion", "[script]\nmax_recursion = -1\n"},
		{"bad entry", "[script]\nentry = \"not a path\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestUnknownKey(t *testing.T) {
	_, err := Parse([]byte("[memory]\nallocater = \"binned\"\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for a misspelt key, got %v", err)
	}
}

func TestParseError(t *testing.T) {
	if _, err := Parse([]byte("[memory\n")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, dir, "[console]\naddr = \"found:1\"\n")

	c, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if c.Console.Addr != "found:1" {
		t.Errorf("console addr = %q, want found:1", c.Console.Addr)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	c, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if c != nil {
		t.Error("expected nil config when no engine.toml exists")
	}
}

func TestSearchDirPaths(t *testing.T) {
	c := &Config{
		Dir:    "/game",
		Script: Script{Search: []string{"packages", "/opt/mods"}},
	}

	paths := c.SearchDirPaths()
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(paths))
	}
	if paths[0] != "/game/packages" {
		t.Errorf("paths[0] = %q, want /game/packages", paths[0])
	}
	if paths[1] != "/opt/mods" {
		t.Errorf("paths[1] = %q, want /opt/mods", paths[1])
	}
}
