package vm

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/chazu/strata/malloc"
)

// ---------------------------------------------------------------------------
// Console commands
// ---------------------------------------------------------------------------

// Exec runs a console command addressed to the VM and reports whether it
// recognised the command. Output goes to w.
//
//	OBJ LIST [class]          live objects, optionally of one class
//	OBJ DUMP <object>         instance variables of an object
//	SCRIPT WARNINGS           warning count
//	GOTOSTATE <object> <state> [label]
//	CE <function> [object]    call a function without arguments on one or all objects
//	DISASM <Class.Function | Class.State>
func (vm *VM) Exec(cmd string, w io.Writer) bool {
	switch {
	case malloc.ParseCommand(&cmd, "OBJ"):
		switch {
		case malloc.ParseCommand(&cmd, "LIST"):
			vm.execObjList(malloc.ParseToken(&cmd), w)
			return true
		case malloc.ParseCommand(&cmd, "DUMP"):
			vm.execObjDump(malloc.ParseToken(&cmd), w)
			return true
		}
		return false
	case malloc.ParseCommand(&cmd, "SCRIPT"):
		if malloc.ParseCommand(&cmd, "WARNINGS") {
			fmt.Fprintf(w, "%d script warnings\n", vm.warnings)
			return true
		}
		return false
	case malloc.ParseCommand(&cmd, "GOTOSTATE"):
		vm.execGotoState(cmd, w)
		return true
	case malloc.ParseCommand(&cmd, "CE"):
		vm.execCallEvent(cmd, w)
		return true
	case malloc.ParseCommand(&cmd, "DISASM"):
		vm.execDisasm(malloc.ParseToken(&cmd), w)
		return true
	}
	return false
}

func (vm *VM) execObjList(class string, w io.Writer) {
	var filter *Class
	if class != "" {
		if filter = vm.FindClass(Name(class)); filter == nil {
			fmt.Fprintf(w, "Unknown class %s\n", class)
			return
		}
	}
	n := 0
	for _, obj := range vm.objects {
		if filter != nil && !obj.IsA(filter) {
			continue
		}
		if st := obj.StateName(); !st.IsNone() {
			fmt.Fprintf(w, "%-24s %-20s state %s\n", obj.Name, obj.Class.Name, st)
		} else {
			fmt.Fprintf(w, "%-24s %s\n", obj.Name, obj.Class.Name)
		}
		n++
	}
	fmt.Fprintf(w, "%d objects\n", n)
}

func (vm *VM) execObjDump(name string, w io.Writer) {
	obj := vm.FindObject(Name(name))
	if obj == nil {
		fmt.Fprintf(w, "Unknown object %s\n", name)
		return
	}
	fmt.Fprintf(w, "%s\n", obj.FullName())
	var classes []*Class
	for c := obj.Class; c != nil; c = c.Super {
		classes = append(classes, c)
	}
	slices.Reverse(classes)
	for _, c := range classes {
		for _, p := range c.Properties {
			for i := range p.Dim() {
				label := string(p.Name)
				if p.Dim() > 1 {
					label = fmt.Sprintf("%s[%d]", p.Name, i)
				}
				fmt.Fprintf(w, "  %s=%s\n", label, FormatValue(p.Load(obj.Slots[p.Offset+i])))
			}
		}
	}
}

func (vm *VM) execGotoState(cmd string, w io.Writer) {
	name := malloc.ParseToken(&cmd)
	state := malloc.ParseToken(&cmd)
	label := malloc.ParseToken(&cmd)
	obj := vm.FindObject(Name(name))
	if obj == nil {
		fmt.Fprintf(w, "Unknown object %s\n", name)
		return
	}
	res, err := vm.GotoState(obj, Name(state), Name(label))
	if err != nil {
		fmt.Fprintf(w, "GotoState failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", obj.Name, res)
}

func (vm *VM) execCallEvent(cmd string, w io.Writer) {
	fn := Name(malloc.ParseToken(&cmd))
	target := malloc.ParseToken(&cmd)
	if fn.IsNone() {
		fmt.Fprintln(w, "CE needs a function name")
		return
	}
	targets := slices.Clone(vm.objects)
	if target != "" {
		obj := vm.FindObject(Name(target))
		if obj == nil {
			fmt.Fprintf(w, "Unknown object %s\n", target)
			return
		}
		targets = []*Object{obj}
	}
	n := 0
	for _, obj := range targets {
		f := obj.FindFunction(fn)
		if f == nil || obj.IsPendingKill() {
			continue
		}
		if _, err := vm.ExecuteFunction(obj, f); err != nil {
			fmt.Fprintf(w, "%s.%s: %v\n", obj.Name, fn, err)
		}
		n++
	}
	fmt.Fprintf(w, "Called %s on %d objects\n", fn, n)
}

func (vm *VM) execDisasm(path string, w io.Writer) {
	parts := strings.Split(path, ".")
	if len(parts) == 2 {
		if c := vm.FindClass(Name(parts[0])); c != nil {
			if st := c.FindState(Name(parts[1])); st != nil && len(st.Code) > 0 {
				fmt.Fprintf(w, "state %s\n%s\n", st.FullName(), DisassembleState(st))
				return
			}
		}
	}
	fn, err := vm.FindFunction(path)
	if err != nil {
		fmt.Fprintf(w, "%v\n", err)
		return
	}
	if len(fn.Code) == 0 {
		fmt.Fprintf(w, "%s has no bytecode\n", fn.FullName())
		return
	}
	fmt.Fprintf(w, "function %s\n%s\n", fn.FullName(), DisassembleFunction(fn))
}
