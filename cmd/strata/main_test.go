package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/strata/malloc/chain"
	"github.com/chazu/strata/mprof"
	"github.com/chazu/strata/vm"
)

// captureOutput redirects command output while running fn.
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	orig := stdout
	stdout = &buf
	defer func() { stdout = orig }()
	err := fn()
	return buf.String(), err
}

// writeGamePackage writes Game.spk into dir: class Actor with
// "int Compute() { return 7 + 3 * 2; }".
func writeGamePackage(t *testing.T, dir string) string {
	t.Helper()
	pkg := vm.NewPackage("Game")
	actor := pkg.AddClass(vm.NewClass("Actor", vm.ObjectClass))
	actor.AddProperty(vm.NewProperty("Health", vm.KindInt))
	compute := vm.NewFunction("Compute", 0)
	compute.SetReturn(vm.NewProperty("ReturnValue", vm.KindInt))
	actor.AddFunction(compute)

	b := vm.NewBuilder(pkg)
	b.Return()
	b.Native(146)
	b.Int(7)
	b.Native(144)
	b.Int(3)
	b.Int(2)
	b.EndFunctionParms()
	b.EndFunctionParms()
	b.BuildFunction(compute)
	pkg.Link()

	path := filepath.Join(dir, "Game.spk")
	if err := vm.WritePackageFile(path, pkg); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeProfile records two allocations, a free and a snapshot.
func writeProfile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mprof")
	c, err := chain.Build(chain.Options{
		Allocator: chain.Binned,
		Profiler:  &mprof.Options{Output: path},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := c.Top.Malloc(64, 0)
	c.Top.Malloc(128, 0)
	c.Top.Free(p)
	c.Profiler.Snapshot(mprof.SnapshotMark, "mid")
	c.Profiler.TextMarker("loaded")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func withConfigDir(t *testing.T, dir string) {
	t.Helper()
	orig := configDir
	configDir = dir
	t.Cleanup(func() { configDir = orig })
}

func withJSON(t *testing.T) {
	t.Helper()
	jsonOut = true
	t.Cleanup(func() { jsonOut = false })
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func TestRunEntry(t *testing.T) {
	dir := t.TempDir()
	writeGamePackage(t, dir)
	config := `
[script]
search = ["."]
packages = ["Game"]
entry = "Actor.Compute"
`
	if err := os.WriteFile(filepath.Join(dir, "engine.toml"), []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	withConfigDir(t, dir)

	out, err := captureOutput(t, func() error {
		return runRun(nil, runOptions{frames: 3, dt: 0.016})
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := "Actor.Compute returned 13\n3 frames, 1 objects, 0 script warnings\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestRunPackageArgument(t *testing.T) {
	dir := t.TempDir()
	path := writeGamePackage(t, dir)
	withConfigDir(t, t.TempDir())
	withJSON(t)

	out, err := captureOutput(t, func() error {
		return runRun([]string{path}, runOptions{entry: "Actor.Compute"})
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	var res runResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if res.Result != "13" || res.Objects != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRunUnknownEntry(t *testing.T) {
	path := writeGamePackage(t, t.TempDir())
	withConfigDir(t, t.TempDir())

	_, err := captureOutput(t, func() error {
		return runRun([]string{path}, runOptions{entry: "Actor.Missing"})
	})
	if err == nil {
		t.Error("expected an error for an unknown entry function")
	}
}

// ---------------------------------------------------------------------------
// pkg disasm
// ---------------------------------------------------------------------------

func TestPkgDisasm(t *testing.T) {
	path := writeGamePackage(t, t.TempDir())

	out, err := captureOutput(t, func() error {
		return runPkgDisasm(path, nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"package Game: 1 classes",
		"class Actor extends Object",
		"  var int Health",
		"function Actor.Compute",
		"0000  Return",
		"IntConstByte 7",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing lacks %q:\n%s", want, out)
		}
	}
}

func TestPkgDisasmMissingFile(t *testing.T) {
	if err := runPkgDisasm(filepath.Join(t.TempDir(), "nope.spk"), nil); err == nil {
		t.Error("expected an error for a missing file")
	}
}

// ---------------------------------------------------------------------------
// mprof
// ---------------------------------------------------------------------------

func TestMprofInfo(t *testing.T) {
	path := writeProfile(t)

	info, err := summarise(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Tokens["Malloc"] != 2 || info.Tokens["Free"] != 1 {
		t.Errorf("unexpected token counts %v", info.Tokens)
	}
	if info.LiveAllocations != 1 || info.LiveBytes != 128 {
		t.Errorf("live = %d allocations, %d bytes; want 1, 128", info.LiveAllocations, info.LiveBytes)
	}
	if info.PeakBytes != 192 {
		t.Errorf("peak = %d, want 192", info.PeakBytes)
	}
	if len(info.Snapshots) != 1 || info.Snapshots[0] != "mid" {
		t.Errorf("snapshots = %v, want [mid]", info.Snapshots)
	}

	out, err := captureOutput(t, func() error { return runMprofInfo(path) })
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Live: 1 allocations, 128 B") {
		t.Errorf("unexpected info output:\n%s", out)
	}
}

func TestMprofDump(t *testing.T) {
	path := writeProfile(t)

	out, err := captureOutput(t, func() error { return runMprofDump(path, 0, false) })
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Malloc", "size=128", "Free", `Snapshot Mark "mid"`, `TextMarker "loaded"`} {
		if !strings.Contains(out, want) {
			t.Errorf("dump lacks %q:\n%s", want, out)
		}
	}

	out, err = captureOutput(t, func() error { return runMprofDump(path, 1, false) })
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("--limit 1 printed %q", out)
	}
}

func TestMprofImport(t *testing.T) {
	path := writeProfile(t)
	db := filepath.Join(t.TempDir(), "profile.db")

	out, err := captureOutput(t, func() error {
		return runMprofImport(context.Background(), path, db, 5)
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Live: 1 allocations, 128 B") {
		t.Errorf("unexpected import output:\n%s", out)
	}
}
