package vm

import "fmt"

// ---------------------------------------------------------------------------
// Packages
// ---------------------------------------------------------------------------

// Package groups classes and structs with the name and reference tables
// their bytecode indexes into. Index 0 of both tables is None.
type Package struct {
	Name    Name
	Names   []Name
	Refs    []any
	Classes []*Class
	Structs []*Struct

	nameIndex map[string]uint32
	refIndex  map[any]uint32
}

// NewPackage creates an empty package.
func NewPackage(name Name) *Package {
	return &Package{
		Name:      name,
		Names:     []Name{NameNone},
		Refs:      []any{nil},
		nameIndex: map[string]uint32{"": 0, "none": 0},
		refIndex:  map[any]uint32{},
	}
}

// NameIndex interns n and returns its index.
func (p *Package) NameIndex(n Name) uint32 {
	if n.IsNone() {
		return 0
	}
	k := key(n)
	if i, ok := p.nameIndex[k]; ok {
		return i
	}
	i := uint32(len(p.Names))
	p.Names = append(p.Names, n)
	p.nameIndex[k] = i
	return i
}

// NameAt returns the name at index i, None when out of range.
func (p *Package) NameAt(i uint32) Name {
	if int(i) >= len(p.Names) {
		return NameNone
	}
	return p.Names[i]
}

// RefIndex interns a reference to a property, function, class, struct,
// state or object and returns its index. nil is index 0.
func (p *Package) RefIndex(r any) uint32 {
	if r == nil || isNilRef(r) {
		return 0
	}
	if i, ok := p.refIndex[r]; ok {
		return i
	}
	i := uint32(len(p.Refs))
	p.Refs = append(p.Refs, r)
	p.refIndex[r] = i
	return i
}

func isNilRef(r any) bool {
	switch x := r.(type) {
	case *Property:
		return x == nil
	case *Function:
		return x == nil
	case *Class:
		return x == nil
	case *Struct:
		return x == nil
	case *State:
		return x == nil
	case *Object:
		return x == nil
	}
	return false
}

// Ref returns the reference at index i, nil when out of range.
func (p *Package) Ref(i uint32) any {
	if int(i) >= len(p.Refs) {
		return nil
	}
	return p.Refs[i]
}

// AddClass registers c with the package.
func (p *Package) AddClass(c *Class) *Class {
	c.Package = p
	p.Classes = append(p.Classes, c)
	return c
}

// AddStruct registers s with the package.
func (p *Package) AddStruct(s *Struct) *Struct {
	s.Package = p
	p.Structs = append(p.Structs, s)
	return s
}

// FindClass finds a class of the package by name.
func (p *Package) FindClass(name Name) *Class {
	for _, c := range p.Classes {
		if c.Name.Equal(name) {
			return c
		}
	}
	return nil
}

// FindStruct finds a struct of the package by name.
func (p *Package) FindStruct(name Name) *Struct {
	for _, s := range p.Structs {
		if s.Name.Equal(name) {
			return s
		}
	}
	return nil
}

// Link links every class of the package.
func (p *Package) Link() {
	for _, c := range p.Classes {
		c.Link()
	}
}

func (p *Package) String() string { return fmt.Sprintf("package %s", p.Name) }
