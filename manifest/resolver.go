package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/strata/vm"
)

var log = commonlog.GetLogger("manifest")

// ResolvedPackage is a [script] packages entry resolved to a file.
type ResolvedPackage struct {
	Entry string // as written in engine.toml
	Name  string // expected package name
	Path  string // absolute file path
}

// Resolver maps package entries to files and loads them into a VM.
type Resolver struct {
	config *Config
}

// NewResolver creates a resolver for c.
func NewResolver(c *Config) *Resolver {
	return &Resolver{config: c}
}

// Resolve resolves every [script] packages entry. Entries containing a path
// separator or ending in .spk are relative to the configuration directory;
// bare names are looked up in the search directories.
func (r *Resolver) Resolve() ([]ResolvedPackage, error) {
	var out []ResolvedPackage
	seen := make(map[string]bool)
	for _, entry := range r.config.Script.Packages {
		rp, err := r.resolveOne(entry)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", entry, err)
		}
		if seen[rp.Path] {
			continue
		}
		seen[rp.Path] = true
		out = append(out, rp)
	}
	return out, nil
}

func (r *Resolver) resolveOne(entry string) (ResolvedPackage, error) {
	name := PackageName(entry)
	if IsReservedPackage(name) {
		return ResolvedPackage{}, fmt.Errorf("package %q uses the reserved name %s", entry, name)
	}

	if strings.ContainsRune(entry, '/') || strings.ContainsRune(entry, filepath.Separator) || strings.HasSuffix(entry, PackageExt) {
		path, err := filepath.Abs(r.config.path(entry))
		if err != nil {
			return ResolvedPackage{}, err
		}
		if _, err := os.Stat(path); err != nil {
			return ResolvedPackage{}, fmt.Errorf("package file not found: %w", err)
		}
		return ResolvedPackage{Entry: entry, Name: name, Path: path}, nil
	}

	for _, dir := range r.config.SearchDirPaths() {
		path := filepath.Join(dir, entry+PackageExt)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return ResolvedPackage{}, err
			}
			return ResolvedPackage{Entry: entry, Name: name, Path: abs}, nil
		}
	}
	return ResolvedPackage{}, fmt.Errorf("package %s not found in %v", entry, r.config.Script.Search)
}

// Load resolves the configured packages and adds them to v, dependencies
// before dependents. A package whose references cannot be resolved yet is
// retried once more packages are loaded.
func (r *Resolver) Load(v *vm.VM) ([]*vm.Package, error) {
	resolved, err := r.Resolve()
	if err != nil {
		return nil, err
	}

	type pending struct {
		ResolvedPackage
		data []byte
		err  error
	}
	var queue []*pending
	for _, rp := range resolved {
		data, err := os.ReadFile(rp.Path)
		if err != nil {
			return nil, err
		}
		queue = append(queue, &pending{ResolvedPackage: rp, data: data})
	}

	var loaded []*vm.Package
	for len(queue) > 0 {
		var retry []*pending
		for _, p := range queue {
			pkg, err := v.LoadPackage(bytes.NewReader(p.data))
			switch {
			case errors.Is(err, vm.ErrUnresolvedRef):
				p.err = err
				retry = append(retry, p)
				continue
			case err != nil:
				return loaded, fmt.Errorf("%s: %w", p.Path, err)
			}
			if !strings.EqualFold(string(pkg.Name), p.Name) {
				log.Warningf("%s holds package %s", p.Path, pkg.Name)
			}
			loaded = append(loaded, pkg)
		}
		if len(retry) == len(queue) {
			return loaded, fmt.Errorf("%s: %w", retry[0].Path, retry[0].err)
		}
		queue = retry
	}
	return loaded, nil
}
