package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/strata/vm"
)

func init() {
	rootCmd.AddCommand(newPkgCmd())
}

func newPkgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkg",
		Short: "Inspect compiled script packages",
	}
	cmd.AddCommand(newPkgDisasmCmd())
	return cmd
}

func newPkgDisasmCmd() *cobra.Command {
	var deps []string
	cmd := &cobra.Command{
		Use:   "disasm <file.spk>",
		Short: "Disassemble every function and state of a package",
		Long: `The disasm command decodes a package file and prints the bytecode of
every function and state code block, class by class. Packages the file
refers to must be given with --dep, dependencies first.

Example:
  strata pkg disasm Base.spk
  strata pkg disasm Game.spk --dep Base.spk`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPkgDisasm(args[0], deps)
		},
	}
	cmd.Flags().StringSliceVar(&deps, "dep", nil, "Package files the package refers to")
	return cmd
}

func runPkgDisasm(path string, depPaths []string) error {
	var deps []*vm.Package
	for _, dp := range depPaths {
		d, err := vm.ReadPackageFile(dp, deps...)
		if err != nil {
			return fmt.Errorf("%s: %w", dp, err)
		}
		deps = append(deps, d)
	}
	p, err := vm.ReadPackageFile(path, deps...)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	printInfo("%s", disassemblePackage(p))
	return nil
}

// disassemblePackage lists p's classes with their functions and states in
// name order.
func disassemblePackage(p *vm.Package) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "package %s: %d classes, %d structs, %d names\n", p.Name, len(p.Classes), len(p.Structs), len(p.Names))
	for _, c := range p.Classes {
		super := "None"
		if c.Super != nil {
			super = string(c.Super.Name)
		}
		fmt.Fprintf(&sb, "\nclass %s extends %s\n", c.Name, super)
		for _, prop := range c.Properties {
			fmt.Fprintf(&sb, "  var %s %s\n", prop.TypeName(), prop.Name)
		}
		for _, k := range slices.Sorted(maps.Keys(c.Functions)) {
			fn := c.Functions[k]
			if fn.Class != c {
				continue
			}
			writeFunction(&sb, fn)
		}
		for _, k := range slices.Sorted(maps.Keys(c.States)) {
			st := c.States[k]
			if st.Class != c {
				continue
			}
			auto := ""
			if st.Auto {
				auto = "auto "
			}
			fmt.Fprintf(&sb, "\n%sstate %s\n", auto, st.FullName())
			for _, fk := range slices.Sorted(maps.Keys(st.Functions)) {
				writeFunction(&sb, st.Functions[fk])
			}
			if len(st.Code) > 0 {
				fmt.Fprintf(&sb, "%s\n", vm.DisassembleState(st))
			}
		}
	}
	return sb.String()
}

func writeFunction(sb *strings.Builder, fn *vm.Function) {
	if len(fn.Code) == 0 {
		fmt.Fprintf(sb, "\nfunction %s (native)\n", fn.FullName())
		return
	}
	fmt.Fprintf(sb, "\nfunction %s\n%s\n", fn.FullName(), vm.DisassembleFunction(fn))
}
