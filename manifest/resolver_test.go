package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/strata/vm"
)

// writePackages writes Base (Actor) and Game (Guard extends Actor) into
// dir/packages.
func writePackages(t *testing.T, dir string) {
	t.Helper()
	pkgDir := filepath.Join(dir, "packages")
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatal(err)
	}

	base := vm.NewPackage("Base")
	actor := base.AddClass(vm.NewClass("Actor", vm.ObjectClass))
	actor.AddProperty(vm.NewProperty("Health", vm.KindInt))
	base.Link()
	if err := vm.WritePackageFile(filepath.Join(pkgDir, "Base.spk"), base); err != nil {
		t.Fatal(err)
	}

	game := vm.NewPackage("Game")
	game.AddClass(vm.NewClass("Guard", actor))
	game.Link()
	if err := vm.WritePackageFile(filepath.Join(pkgDir, "Game.spk"), game, base); err != nil {
		t.Fatal(err)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	writePackages(t, dir)
	c := Default()
	c.Dir = dir
	c.Script.Packages = []string{"Game", "packages/Base.spk", "Base"}

	resolved, err := NewResolver(c).Resolve()
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("expected 2 packages after dedup, got %d: %+v", len(resolved), resolved)
	}
	if resolved[0].Name != "Game" || resolved[1].Name != "Base" {
		t.Errorf("unexpected names %q, %q", resolved[0].Name, resolved[1].Name)
	}
	if resolved[1].Path != filepath.Join(dir, "packages", "Base.spk") {
		t.Errorf("unexpected path %q", resolved[1].Path)
	}
}

func TestResolveErrors(t *testing.T) {
	dir := t.TempDir()
	c := Default()
	c.Dir = dir

	c.Script.Packages = []string{"Missing"}
	if _, err := NewResolver(c).Resolve(); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected a not found error, got %v", err)
	}

	c.Script.Packages = []string{"core"}
	if _, err := NewResolver(c).Resolve(); err == nil || !strings.Contains(err.Error(), "reserved") {
		t.Errorf("expected a reserved name error, got %v", err)
	}
}

func TestLoadOrdersDependencies(t *testing.T) {
	dir := t.TempDir()
	writePackages(t, dir)
	c := Default()
	c.Dir = dir
	c.Script.Packages = []string{"Game", "Base"}

	v := vm.New(c.VMConfig())
	loaded, err := NewResolver(c).Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Name != "Base" || loaded[1].Name != "Game" {
		t.Fatalf("expected Base then Game, got %v", loaded)
	}
	guard := v.FindClass("Guard")
	if guard == nil || guard.Super != v.FindClass("Actor") {
		t.Fatal("Guard does not extend the loaded Actor")
	}
}

func TestLoadUnresolved(t *testing.T) {
	dir := t.TempDir()
	writePackages(t, dir)
	c := Default()
	c.Dir = dir
	c.Script.Packages = []string{"Game"}

	if _, err := NewResolver(c).Load(vm.New(c.VMConfig())); err == nil {
		t.Error("expected an error when a dependency is not configured")
	}
}
