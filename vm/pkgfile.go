package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Package files
// ---------------------------------------------------------------------------

// A package file (.spk) is the CBOR encoding of a compiled package: its
// name table, structs, classes with their functions and states, default
// values and the reference table its bytecode indexes into. References
// are stored as paths and resolved against the loaded packages.

const (
	packageMagic   = "SPK"
	packageVersion = 1
)

var (
	ErrBadPackageFile = errors.New("bad package file")
	ErrUnresolvedRef  = errors.New("unresolved reference")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type packageRecord struct {
	Magic   string         `cbor:"1,keyasint"`
	Version int            `cbor:"2,keyasint"`
	Name    string         `cbor:"3,keyasint"`
	Names   []string       `cbor:"4,keyasint"`
	Structs []structRecord `cbor:"5,keyasint,omitempty"`
	Classes []classRecord  `cbor:"6,keyasint,omitempty"`
	Refs    []refRecord    `cbor:"7,keyasint"`
}

type structRecord struct {
	Name     string         `cbor:"1,keyasint"`
	Super    *refRecord     `cbor:"2,keyasint,omitempty"`
	Fields   []propRecord   `cbor:"3,keyasint,omitempty"`
	Defaults []valueRecord  `cbor:"4,keyasint,omitempty"`
}

type classRecord struct {
	Name       string           `cbor:"1,keyasint"`
	Super      *refRecord       `cbor:"2,keyasint,omitempty"`
	Flags      uint32           `cbor:"3,keyasint,omitempty"`
	NativeSize uint64           `cbor:"4,keyasint,omitempty"`
	Interfaces []refRecord      `cbor:"5,keyasint,omitempty"`
	Properties []propRecord     `cbor:"6,keyasint,omitempty"`
	Functions  []functionRecord `cbor:"7,keyasint,omitempty"`
	States     []stateRecord    `cbor:"8,keyasint,omitempty"`
	Defaults   []valueRecord    `cbor:"9,keyasint,omitempty"`
}

type functionRecord struct {
	Name   string       `cbor:"1,keyasint"`
	Flags  uint32       `cbor:"2,keyasint,omitempty"`
	Native uint16       `cbor:"3,keyasint,omitempty"`
	Locals []propRecord `cbor:"4,keyasint,omitempty"` // parameters and locals in declaration order
	Return *propRecord  `cbor:"5,keyasint,omitempty"`
	Code   []byte       `cbor:"6,keyasint,omitempty"`
}

type stateRecord struct {
	Name             string           `cbor:"1,keyasint"`
	Super            *refRecord       `cbor:"2,keyasint,omitempty"`
	Auto             bool             `cbor:"3,keyasint,omitempty"`
	Ignores          []string         `cbor:"4,keyasint,omitempty"`
	Locals           []propRecord     `cbor:"5,keyasint,omitempty"`
	Functions        []functionRecord `cbor:"6,keyasint,omitempty"`
	Code             []byte           `cbor:"7,keyasint,omitempty"`
	LabelTableOffset int              `cbor:"8,keyasint"`
}

type propRecord struct {
	Name      string      `cbor:"1,keyasint"`
	Kind      uint8       `cbor:"2,keyasint"`
	ArrayDim  int         `cbor:"3,keyasint,omitempty"`
	Flags     uint32      `cbor:"4,keyasint,omitempty"`
	Struct    *refRecord  `cbor:"5,keyasint,omitempty"`
	Class     *refRecord  `cbor:"6,keyasint,omitempty"`
	Signature *refRecord  `cbor:"7,keyasint,omitempty"`
	Inner     *propRecord `cbor:"8,keyasint,omitempty"`
}

// refKind tells how a reference path is resolved.
type refKind uint8

const (
	refNone refKind = iota
	refClass
	refStruct
	refState
	refFunction
	refProperty
	refReturn
	refDefaultObject
)

// refRecord is a path to a declaration: package, class or struct, then
// optionally a state, a function and a property.
type refRecord struct {
	Kind refKind  `cbor:"1,keyasint"`
	Path []string `cbor:"2,keyasint,omitempty"`
}

// valueTag identifies the dynamic type of an encoded value.
type valueTag uint8

const (
	valNil valueTag = iota
	valByte
	valInt
	valBool
	valBits
	valFloat
	valString
	valName
	valObject
	valClass
	valDelegate
	valInterface
	valStruct
	valArray
)

type valueRecord struct {
	T     valueTag      `cbor:"1,keyasint"`
	I     int64         `cbor:"2,keyasint,omitempty"`
	F     float32       `cbor:"3,keyasint,omitempty"`
	S     string        `cbor:"4,keyasint,omitempty"`
	Ref   *refRecord    `cbor:"5,keyasint,omitempty"`
	Ref2  *refRecord    `cbor:"6,keyasint,omitempty"`
	Elems []valueRecord `cbor:"7,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type pkgEncoder struct {
	pkg      *Package
	propRefs map[*Property]refRecord
}

// MarshalPackage encodes p. deps are the packages p's references may point
// into; Core is always included.
func MarshalPackage(p *Package, deps ...*Package) ([]byte, error) {
	e := &pkgEncoder{pkg: p, propRefs: map[*Property]refRecord{}}
	for _, dep := range append([]*Package{Core, p}, deps...) {
		e.indexProperties(dep)
	}
	rec, err := e.encode()
	if err != nil {
		return nil, fmt.Errorf("encode package %s: %w", p.Name, err)
	}
	return cborEncMode.Marshal(rec)
}

// WritePackageFile writes p to path.
func WritePackageFile(path string, p *Package, deps ...*Package) error {
	data, err := MarshalPackage(p, deps...)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (e *pkgEncoder) indexProperties(p *Package) {
	pk := string(p.Name)
	add := func(kind refKind, prop *Property, path ...string) {
		if _, ok := e.propRefs[prop]; !ok {
			e.propRefs[prop] = refRecord{Kind: kind, Path: append(path, string(prop.Name))}
		}
	}
	addFunc := func(fn *Function, path ...string) {
		for _, l := range fn.Locals {
			add(refProperty, l, path...)
		}
		if fn.Return != nil {
			add(refReturn, fn.Return, path...)
		}
	}
	for _, s := range p.Structs {
		for _, f := range s.Fields {
			add(refProperty, f, pk, string(s.Name))
		}
	}
	for _, c := range p.Classes {
		cn := string(c.Name)
		for _, prop := range c.Properties {
			add(refProperty, prop, pk, cn)
		}
		for _, fn := range c.Functions {
			addFunc(fn, pk, cn, "", string(fn.Name))
		}
		for _, st := range c.States {
			for _, l := range st.Locals {
				add(refProperty, l, pk, cn, string(st.Name), "")
			}
			for _, fn := range st.Functions {
				addFunc(fn, pk, cn, string(st.Name), string(fn.Name))
			}
		}
	}
}

func (e *pkgEncoder) encode() (*packageRecord, error) {
	p := e.pkg
	rec := &packageRecord{Magic: packageMagic, Version: packageVersion, Name: string(p.Name)}
	for _, n := range p.Names {
		rec.Names = append(rec.Names, string(n))
	}
	for _, s := range sortStructs(p.Structs) {
		sr, err := e.structRecord(s)
		if err != nil {
			return nil, err
		}
		rec.Structs = append(rec.Structs, sr)
	}
	for _, c := range sortClasses(p.Classes) {
		cr, err := e.classRecord(c)
		if err != nil {
			return nil, err
		}
		rec.Classes = append(rec.Classes, cr)
	}
	for i, r := range p.Refs {
		if i == 0 {
			rec.Refs = append(rec.Refs, refRecord{})
			continue
		}
		rr, err := e.ref(r)
		if err != nil {
			return nil, err
		}
		rec.Refs = append(rec.Refs, rr)
	}
	return rec, nil
}

// sortStructs orders structs so that a super struct of the same package
// precedes the structs that extend it.
func sortStructs(in []*Struct) []*Struct {
	var out []*Struct
	done := map[*Struct]bool{}
	var visit func(s *Struct)
	visit = func(s *Struct) {
		if done[s] {
			return
		}
		done[s] = true
		if s.Super != nil && slices.Contains(in, s.Super) {
			visit(s.Super)
		}
		out = append(out, s)
	}
	for _, s := range in {
		visit(s)
	}
	return out
}

func sortClasses(in []*Class) []*Class {
	var out []*Class
	done := map[*Class]bool{}
	var visit func(c *Class)
	visit = func(c *Class) {
		if done[c] {
			return
		}
		done[c] = true
		if c.Super != nil && slices.Contains(in, c.Super) {
			visit(c.Super)
		}
		out = append(out, c)
	}
	for _, c := range in {
		visit(c)
	}
	return out
}

func (e *pkgEncoder) optRef(r any) (*refRecord, error) {
	if r == nil || isNilRef(r) {
		return nil, nil
	}
	rr, err := e.ref(r)
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

func (e *pkgEncoder) ref(r any) (refRecord, error) {
	switch x := r.(type) {
	case nil:
		return refRecord{}, nil
	case *Class:
		if x == nil {
			return refRecord{}, nil
		}
		if x.Package == nil {
			return refRecord{}, fmt.Errorf("%w: class %s has no package", ErrUnresolvedRef, x.Name)
		}
		return refRecord{Kind: refClass, Path: []string{string(x.Package.Name), string(x.Name)}}, nil
	case *Struct:
		if x.Package == nil {
			return refRecord{}, fmt.Errorf("%w: struct %s has no package", ErrUnresolvedRef, x.Name)
		}
		return refRecord{Kind: refStruct, Path: []string{string(x.Package.Name), string(x.Name)}}, nil
	case *State:
		if x.Class == nil || x.Class.Package == nil {
			return refRecord{}, fmt.Errorf("%w: state %s", ErrUnresolvedRef, x.Name)
		}
		return refRecord{Kind: refState, Path: []string{string(x.Class.Package.Name), string(x.Class.Name), string(x.Name)}}, nil
	case *Function:
		if x.Class == nil || x.Class.Package == nil {
			return refRecord{}, fmt.Errorf("%w: function %s", ErrUnresolvedRef, x.Name)
		}
		st := ""
		if x.State != nil {
			st = string(x.State.Name)
		}
		return refRecord{Kind: refFunction, Path: []string{string(x.Class.Package.Name), string(x.Class.Name), st, string(x.Name)}}, nil
	case *Property:
		if rr, ok := e.propRefs[x]; ok {
			return rr, nil
		}
		return refRecord{}, fmt.Errorf("%w: property %s", ErrUnresolvedRef, x)
	case *Object:
		if x.Flags&ObjectDefault == 0 || x.Class.Package == nil {
			return refRecord{}, fmt.Errorf("%w: object %s is not a default object", ErrUnresolvedRef, x.Name)
		}
		return refRecord{Kind: refDefaultObject, Path: []string{string(x.Class.Package.Name), string(x.Class.Name)}}, nil
	}
	return refRecord{}, fmt.Errorf("%w: %T", ErrUnresolvedRef, r)
}

func (e *pkgEncoder) prop(p *Property) (propRecord, error) {
	pr := propRecord{Name: string(p.Name), Kind: uint8(p.Kind), ArrayDim: p.ArrayDim, Flags: uint32(p.Flags)}
	var err error
	if pr.Struct, err = e.optRef(p.Struct); err != nil {
		return pr, err
	}
	if pr.Class, err = e.optRef(p.Class); err != nil {
		return pr, err
	}
	if pr.Signature, err = e.optRef(p.Signature); err != nil {
		return pr, err
	}
	if p.Inner != nil {
		inner, err := e.prop(p.Inner)
		if err != nil {
			return pr, err
		}
		pr.Inner = &inner
	}
	return pr, nil
}

func (e *pkgEncoder) props(ps []*Property) ([]propRecord, error) {
	out := make([]propRecord, 0, len(ps))
	for _, p := range ps {
		pr, err := e.prop(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}

func (e *pkgEncoder) values(vs []Value) ([]valueRecord, error) {
	out := make([]valueRecord, 0, len(vs))
	for _, v := range vs {
		vr, err := e.value(v)
		if err != nil {
			return nil, err
		}
		out = append(out, vr)
	}
	return out, nil
}

func (e *pkgEncoder) value(v Value) (valueRecord, error) {
	switch x := v.(type) {
	case nil:
		return valueRecord{T: valNil}, nil
	case uint8:
		return valueRecord{T: valByte, I: int64(x)}, nil
	case int32:
		return valueRecord{T: valInt, I: int64(x)}, nil
	case bool:
		return valueRecord{T: valBool, I: int64(boolInt(x))}, nil
	case uint32:
		return valueRecord{T: valBits, I: int64(x)}, nil
	case float32:
		return valueRecord{T: valFloat, F: x}, nil
	case string:
		return valueRecord{T: valString, S: x}, nil
	case Name:
		return valueRecord{T: valName, S: string(x)}, nil
	case *Object:
		r, err := e.optRef(x)
		return valueRecord{T: valObject, Ref: r}, err
	case *Class:
		r, err := e.optRef(x)
		return valueRecord{T: valClass, Ref: r}, err
	case Delegate:
		r, err := e.optRef(x.Object)
		return valueRecord{T: valDelegate, S: string(x.Function), Ref: r}, err
	case Interface:
		r, err := e.optRef(x.Object)
		if err != nil {
			return valueRecord{}, err
		}
		r2, err := e.optRef(x.Iface)
		return valueRecord{T: valInterface, Ref: r, Ref2: r2}, err
	case *StructValue:
		if x == nil {
			return valueRecord{T: valNil}, nil
		}
		r, err := e.optRef(x.Type)
		if err != nil {
			return valueRecord{}, err
		}
		elems, err := e.values(x.Fields)
		return valueRecord{T: valStruct, Ref: r, Elems: elems}, err
	case []Value:
		elems, err := e.values(x)
		return valueRecord{T: valArray, Elems: elems}, err
	}
	return valueRecord{}, fmt.Errorf("%w: value of type %T", ErrBadPackageFile, v)
}

func (e *pkgEncoder) structRecord(s *Struct) (structRecord, error) {
	sr := structRecord{Name: string(s.Name)}
	var err error
	if sr.Super, err = e.optRef(s.Super); err != nil {
		return sr, err
	}
	own := s.Fields
	if s.Super != nil {
		own = own[len(s.Super.Fields):]
	}
	if sr.Fields, err = e.props(own); err != nil {
		return sr, err
	}
	sr.Defaults, err = e.values(s.Defaults)
	return sr, err
}

func (e *pkgEncoder) function(fn *Function) (functionRecord, error) {
	fr := functionRecord{Name: string(fn.Name), Flags: uint32(fn.Flags), Native: fn.Native, Code: fn.Code}
	var err error
	if fr.Locals, err = e.props(fn.Locals); err != nil {
		return fr, err
	}
	if fn.Return != nil {
		ret, err := e.prop(fn.Return)
		if err != nil {
			return fr, err
		}
		fr.Return = &ret
	}
	return fr, nil
}

func (e *pkgEncoder) functions(m map[string]*Function) ([]functionRecord, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var out []functionRecord
	for _, k := range keys {
		fr, err := e.function(m[k])
		if err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, nil
}

func (e *pkgEncoder) classRecord(c *Class) (classRecord, error) {
	cr := classRecord{Name: string(c.Name), Flags: uint32(c.Flags), NativeSize: uint64(c.NativeSize)}
	if c.Super != nil {
		cr.NativeSize -= uint64(c.Super.NativeSize)
	}
	var err error
	if cr.Super, err = e.optRef(c.Super); err != nil {
		return cr, err
	}
	for _, i := range c.Interfaces {
		rr, err := e.ref(i)
		if err != nil {
			return cr, err
		}
		cr.Interfaces = append(cr.Interfaces, rr)
	}
	if cr.Properties, err = e.props(c.Properties); err != nil {
		return cr, err
	}
	if cr.Functions, err = e.functions(c.Functions); err != nil {
		return cr, err
	}
	keys := make([]string, 0, len(c.States))
	for k := range c.States {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		st := c.States[k]
		sr := stateRecord{Name: string(st.Name), Auto: st.Auto, Code: st.Code, LabelTableOffset: st.LabelTableOffset}
		// A super of the same name in the superclass is found again on link.
		if st.Super != nil && !(st.Super.Class != c && st.Super.Name.Equal(st.Name)) {
			if sr.Super, err = e.optRef(st.Super); err != nil {
				return cr, err
			}
		}
		for _, n := range st.Ignores {
			sr.Ignores = append(sr.Ignores, string(n))
		}
		if sr.Locals, err = e.props(st.Locals); err != nil {
			return cr, err
		}
		if sr.Functions, err = e.functions(st.Functions); err != nil {
			return cr, err
		}
		cr.States = append(cr.States, sr)
	}
	if c.Default != nil {
		if cr.Defaults, err = e.values(c.Default.Slots); err != nil {
			return cr, err
		}
	}
	return cr, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

type pkgDecoder struct {
	pkg      *Package
	packages map[string]*Package
	fixups   []func() error
	// declared is set once every declaration of pkg is complete; default
	// objects of pkg can be referenced only then.
	declared bool
}

// UnmarshalPackage decodes a package. References resolve against deps, Core
// and the package itself. The package is returned unlinked.
func UnmarshalPackage(data []byte, deps ...*Package) (*Package, error) {
	var rec packageRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPackageFile, err)
	}
	if rec.Magic != packageMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadPackageFile, rec.Magic)
	}
	if rec.Version != packageVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadPackageFile, rec.Version)
	}
	d := &pkgDecoder{pkg: NewPackage(Name(rec.Name)), packages: map[string]*Package{}}
	for _, p := range append([]*Package{Core}, deps...) {
		d.packages[key(p.Name)] = p
	}
	d.packages[key(d.pkg.Name)] = d.pkg
	if err := d.decode(&rec); err != nil {
		return nil, fmt.Errorf("decode package %s: %w", rec.Name, err)
	}
	return d.pkg, nil
}

// ReadPackageFile reads and decodes the package file at path.
func ReadPackageFile(path string, deps ...*Package) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalPackage(data, deps...)
}

// LoadPackage reads a package from r, resolving references against the
// loaded packages, and adds it to the VM.
func (vm *VM) LoadPackage(r io.Reader) (*Package, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	p, err := UnmarshalPackage(data, vm.packages...)
	if err != nil {
		return nil, err
	}
	vm.AddPackage(p)
	return p, nil
}

func (d *pkgDecoder) decode(rec *packageRecord) error {
	p := d.pkg
	for _, n := range rec.Names[min(1, len(rec.Names)):] {
		p.NameIndex(Name(n))
	}
	if len(p.Names) != max(1, len(rec.Names)) {
		return fmt.Errorf("%w: duplicate names in name table", ErrBadPackageFile)
	}

	// Declare everything first so that records can refer forward.
	for _, sr := range rec.Structs {
		p.AddStruct(NewStruct(Name(sr.Name), nil))
	}
	for _, cr := range rec.Classes {
		c := p.AddClass(NewClass(Name(cr.Name), nil))
		c.Flags = ClassFlags(cr.Flags)
		for _, fr := range cr.Functions {
			c.AddFunction(NewFunction(Name(fr.Name), FunctionFlags(fr.Flags)))
		}
		for _, sr := range cr.States {
			st := c.AddState(NewState(Name(sr.Name), nil))
			st.Auto = sr.Auto
			for _, fr := range sr.Functions {
				st.AddFunction(NewFunction(Name(fr.Name), FunctionFlags(fr.Flags)))
			}
		}
	}

	for i, sr := range rec.Structs {
		if err := d.fillStruct(p.Structs[i], &sr); err != nil {
			return err
		}
	}
	for i, cr := range rec.Classes {
		if err := d.fillClass(p.Classes[i], &cr); err != nil {
			return err
		}
	}
	for _, fix := range d.fixups {
		if err := fix(); err != nil {
			return err
		}
	}

	d.declared = true
	for i, rr := range rec.Refs[min(1, len(rec.Refs)):] {
		r, err := d.resolve(rr)
		if err != nil {
			return err
		}
		if p.RefIndex(r) != uint32(i+1) {
			return fmt.Errorf("%w: duplicate reference %v", ErrBadPackageFile, rr.Path)
		}
	}
	return nil
}

func (d *pkgDecoder) fillStruct(s *Struct, sr *structRecord) error {
	if sr.Super != nil {
		super, err := d.resolve(*sr.Super)
		if err != nil {
			return err
		}
		sup, ok := super.(*Struct)
		if !ok {
			return fmt.Errorf("%w: struct %s super is %T", ErrBadPackageFile, s.Name, super)
		}
		*s = *NewStruct(s.Name, sup)
		s.Package = d.pkg
	}
	for _, fr := range sr.Fields {
		p, err := d.prop(&fr)
		if err != nil {
			return err
		}
		s.AddField(p)
	}
	if len(sr.Defaults) > 0 {
		vals, err := d.values(sr.Defaults)
		if err != nil {
			return err
		}
		if len(vals) != s.NumSlots {
			return fmt.Errorf("%w: struct %s has %d defaults for %d slots", ErrBadPackageFile, s.Name, len(vals), s.NumSlots)
		}
		s.Defaults = vals
	}
	return nil
}

func (d *pkgDecoder) fillClass(c *Class, cr *classRecord) error {
	if cr.Super != nil {
		super, err := d.resolve(*cr.Super)
		if err != nil {
			return err
		}
		sup, ok := super.(*Class)
		if !ok {
			return fmt.Errorf("%w: class %s super is %T", ErrBadPackageFile, c.Name, super)
		}
		c.Super = sup
		c.layout.numSlots = sup.NumSlots
		c.NumSlots = sup.NumSlots
		c.NativeSize = sup.NativeSize
	}
	c.NativeSize += uintptr(cr.NativeSize)
	for _, ir := range cr.Interfaces {
		i, err := d.resolve(ir)
		if err != nil {
			return err
		}
		iface, ok := i.(*Class)
		if !ok {
			return fmt.Errorf("%w: class %s implements %T", ErrBadPackageFile, c.Name, i)
		}
		c.Interfaces = append(c.Interfaces, iface)
	}
	for _, pr := range cr.Properties {
		p, err := d.prop(&pr)
		if err != nil {
			return err
		}
		c.AddProperty(p)
	}
	for _, fr := range cr.Functions {
		if err := d.fillFunction(c.Functions[key(Name(fr.Name))], &fr); err != nil {
			return err
		}
	}
	for _, sr := range cr.States {
		st := c.States[key(Name(sr.Name))]
		st.Code = sr.Code
		st.LabelTableOffset = sr.LabelTableOffset
		for _, n := range sr.Ignores {
			st.Ignores = append(st.Ignores, Name(n))
		}
		for _, pr := range sr.Locals {
			p, err := d.prop(&pr)
			if err != nil {
				return err
			}
			st.AddLocal(p)
		}
		for _, fr := range sr.Functions {
			if err := d.fillFunction(st.Functions[key(Name(fr.Name))], &fr); err != nil {
				return err
			}
		}
		if sr.Super != nil {
			super := *sr.Super
			d.fixups = append(d.fixups, func() error {
				r, err := d.resolve(super)
				if err != nil {
					return err
				}
				sup, ok := r.(*State)
				if !ok {
					return fmt.Errorf("%w: state %s super is %T", ErrBadPackageFile, st.Name, r)
				}
				st.Super = sup
				return nil
			})
		}
	}
	if len(cr.Defaults) > 0 {
		vals, err := d.values(cr.Defaults)
		if err != nil {
			return err
		}
		if len(vals) != c.NumSlots {
			return fmt.Errorf("%w: class %s has %d defaults for %d slots", ErrBadPackageFile, c.Name, len(vals), c.NumSlots)
		}
		c.Default = &Object{Name: Name("Default__" + string(c.Name)), Class: c, Slots: vals, Flags: ObjectDefault}
	}
	return nil
}

func (d *pkgDecoder) fillFunction(fn *Function, fr *functionRecord) error {
	fn.Native = fr.Native
	fn.Code = fr.Code
	for _, pr := range fr.Locals {
		p, err := d.prop(&pr)
		if err != nil {
			return err
		}
		if p.IsParm() {
			fn.AddParam(p)
		} else {
			fn.AddLocal(p)
		}
	}
	if fr.Return != nil {
		p, err := d.prop(fr.Return)
		if err != nil {
			return err
		}
		fn.SetReturn(p)
	}
	return nil
}

// prop decodes a property. Delegate signatures are resolved once every
// function is declared.
func (d *pkgDecoder) prop(pr *propRecord) (*Property, error) {
	p := &Property{Name: Name(pr.Name), Kind: PropertyKind(pr.Kind), ArrayDim: pr.ArrayDim, Flags: PropertyFlags(pr.Flags)}
	if pr.Struct != nil {
		r, err := d.resolve(*pr.Struct)
		if err != nil {
			return nil, err
		}
		s, ok := r.(*Struct)
		if !ok {
			return nil, fmt.Errorf("%w: property %s struct is %T", ErrBadPackageFile, p.Name, r)
		}
		p.Struct = s
	}
	if pr.Class != nil {
		r, err := d.resolve(*pr.Class)
		if err != nil {
			return nil, err
		}
		c, ok := r.(*Class)
		if !ok {
			return nil, fmt.Errorf("%w: property %s class is %T", ErrBadPackageFile, p.Name, r)
		}
		p.Class = c
	}
	if pr.Signature != nil {
		sig := *pr.Signature
		d.fixups = append(d.fixups, func() error {
			r, err := d.resolve(sig)
			if err != nil {
				return err
			}
			fn, ok := r.(*Function)
			if !ok {
				return fmt.Errorf("%w: delegate %s signature is %T", ErrBadPackageFile, p.Name, r)
			}
			p.Signature = fn
			return nil
		})
	}
	if pr.Inner != nil {
		inner, err := d.prop(pr.Inner)
		if err != nil {
			return nil, err
		}
		p.Inner = inner
	}
	return p, nil
}

func (d *pkgDecoder) values(vrs []valueRecord) ([]Value, error) {
	out := make([]Value, len(vrs))
	for i := range vrs {
		v, err := d.value(&vrs[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *pkgDecoder) optRef(rr *refRecord) (any, error) {
	if rr == nil {
		return nil, nil
	}
	return d.resolve(*rr)
}

func (d *pkgDecoder) value(vr *valueRecord) (Value, error) {
	switch vr.T {
	case valNil:
		return nil, nil
	case valByte:
		return uint8(vr.I), nil
	case valInt:
		return int32(vr.I), nil
	case valBool:
		return vr.I != 0, nil
	case valBits:
		return uint32(vr.I), nil
	case valFloat:
		return vr.F, nil
	case valString:
		return vr.S, nil
	case valName:
		return Name(vr.S), nil
	case valObject, valClass:
		r, err := d.optRef(vr.Ref)
		if err != nil || r == nil {
			return nil, err
		}
		return r, nil
	case valDelegate:
		r, err := d.optRef(vr.Ref)
		if err != nil {
			return nil, err
		}
		obj, _ := r.(*Object)
		return Delegate{Object: obj, Function: Name(vr.S)}, nil
	case valInterface:
		r, err := d.optRef(vr.Ref)
		if err != nil {
			return nil, err
		}
		r2, err := d.optRef(vr.Ref2)
		if err != nil {
			return nil, err
		}
		obj, _ := r.(*Object)
		iface, _ := r2.(*Class)
		return Interface{Object: obj, Iface: iface}, nil
	case valStruct:
		r, err := d.optRef(vr.Ref)
		if err != nil {
			return nil, err
		}
		s, _ := r.(*Struct)
		fields, err := d.values(vr.Elems)
		if err != nil {
			return nil, err
		}
		return &StructValue{Type: s, Fields: fields}, nil
	case valArray:
		return d.values(vr.Elems)
	}
	return nil, fmt.Errorf("%w: value tag %d", ErrBadPackageFile, vr.T)
}

// resolve finds the declaration a reference path names.
func (d *pkgDecoder) resolve(rr refRecord) (any, error) {
	fail := func() (any, error) {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvedRef, rr.Path)
	}
	if rr.Kind == refNone {
		return nil, nil
	}
	if len(rr.Path) < 2 {
		return fail()
	}
	pkg := d.packages[key(Name(rr.Path[0]))]
	if pkg == nil {
		return fail()
	}
	owner := Name(rr.Path[1])

	switch rr.Kind {
	case refClass, refDefaultObject:
		c := pkg.FindClass(owner)
		if c == nil {
			return fail()
		}
		if rr.Kind == refDefaultObject {
			if pkg == d.pkg && !d.declared {
				return nil, fmt.Errorf("%w: default object of %s referenced before declaration", ErrUnresolvedRef, c.Name)
			}
			c.Link()
			return c.Default, nil
		}
		return c, nil
	case refStruct:
		if s := pkg.FindStruct(owner); s != nil {
			return s, nil
		}
		return fail()
	}

	c := pkg.FindClass(owner)
	if c == nil {
		// Struct fields are the only properties outside classes.
		s := pkg.FindStruct(owner)
		if s == nil || rr.Kind != refProperty || len(rr.Path) != 3 {
			return fail()
		}
		if f := s.Field(Name(rr.Path[2])); f != nil {
			return f, nil
		}
		return fail()
	}
	switch rr.Kind {
	case refState:
		if len(rr.Path) == 3 {
			if st, ok := c.States[key(Name(rr.Path[2]))]; ok {
				return st, nil
			}
		}
	case refFunction:
		if len(rr.Path) == 4 {
			if fn := ownFunction(c, rr.Path[2], rr.Path[3]); fn != nil {
				return fn, nil
			}
		}
	case refProperty, refReturn:
		switch len(rr.Path) {
		case 3:
			if p := findProperty(c.Properties, Name(rr.Path[2])); p != nil {
				return p, nil
			}
		case 5:
			name := Name(rr.Path[4])
			if rr.Path[3] == "" {
				// State local.
				if st, ok := c.States[key(Name(rr.Path[2]))]; ok {
					if p := findProperty(st.Locals, name); p != nil {
						return p, nil
					}
				}
				break
			}
			fn := ownFunction(c, rr.Path[2], rr.Path[3])
			if fn == nil {
				break
			}
			if rr.Kind == refReturn {
				if fn.Return != nil {
					return fn.Return, nil
				}
				break
			}
			if p := fn.Local(name); p != nil {
				return p, nil
			}
		}
	}
	return fail()
}

// ownFunction finds a function declared directly by c, or by its state
// when state is not empty.
func ownFunction(c *Class, state, name string) *Function {
	if state == "" {
		return c.Functions[key(Name(name))]
	}
	st, ok := c.States[key(Name(state))]
	if !ok {
		return nil
	}
	return st.Functions[key(Name(name))]
}
