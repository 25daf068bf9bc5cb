// Package rustgen emits Rust type declarations and accessor functions for a
// layout IR.
package rustgen

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/abikit/abikit/abigen"
	"github.com/abikit/abikit/layout"
	"github.com/abikit/abikit/schema"
)

func init() {
	abigen.Register("rust", func() abigen.Emitter { return &Emitter{} })
}

// Emitter is the Rust backend. Output goes into a single module file with
// declarations first and functions after, mirroring the C backend's split.
type Emitter struct{}

func (*Emitter) Target() string { return "rust" }

func (e *Emitter) Emit(u *abigen.Unit) ([]abigen.File, error) {
	g := &gen{unit: u}
	content, err := g.module()
	if err != nil {
		return nil, err
	}
	return []abigen.File{{Path: "rust/types.rs", Content: content}}, nil
}

type gen struct {
	unit *abigen.Unit
}

func (g *gen) module() ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "// Generated by abikit for package %s. Do not edit.\n\n", g.unit.Package)
	b.WriteString("#![allow(dead_code)]\n#![allow(unused_parens)]\n\n")
	b.WriteString(rustHelpers)

	for _, name := range g.unit.IR.Names() {
		l, _ := g.unit.IR.Lookup(name)
		if err := g.typeDecl(&b, name, l); err != nil {
			return nil, err
		}
	}
	for _, name := range g.unit.IR.Names() {
		l, _ := g.unit.IR.Lookup(name)
		if err := g.typeImpl(&b, name, l); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

const rustHelpers = `const ABI_FOOTPRINT_ERR: u64 = u64::MAX;

fn abi_align_up(v: u64, a: u64) -> u64 {
    (v + a - 1) & !(a - 1)
}

fn abi_pow(base: u64, exp: u64) -> u64 {
    base.wrapping_pow(exp as u32)
}

fn abi_popcount(x: u64) -> u64 {
    x.count_ones() as u64
}

fn abi_load(buf: &[u8], offset: usize, width: usize) -> u64 {
    let mut v: u64 = 0;
    let mut i = width;
    while i > 0 {
        i -= 1;
        v = (v << 8) | buf[offset + i] as u64;
    }
    v
}

`

func (g *gen) typeDecl(b *bytes.Buffer, name string, l *layout.Layout) error {
	sn := strings.ToUpper(snake(name))
	if l.Size.IsConst() {
		fmt.Fprintf(b, "pub const %s_SIZE: u64 = %d;\n", sn, l.Size.Bytes)
	}
	fmt.Fprintf(b, "pub const %s_ALIGN: u64 = %d;\n\n", sn, l.Alignment)

	// Only plain constant structs and arrays get a repr(C) declaration.
	// Unions, enums, and variable layouts stay behind accessors.
	switch l.Kind {
	case schema.KindStruct:
		if !constStruct(l) {
			return nil
		}
		b.WriteString("#[repr(C")
		if l.Packed {
			b.WriteString(", packed")
		}
		b.WriteString(")]\n#[derive(Clone, Copy)]\n")
		fmt.Fprintf(b, "pub struct %s {\n", name)
		for _, f := range l.Fields {
			ft, ok := rustField(f.Type)
			if !ok {
				continue
			}
			fmt.Fprintf(b, "    pub %s: %s,\n", snake(f.Name), ft)
		}
		b.WriteString("}\n\n")
	case schema.KindArray:
		if ft, ok := rustField(l); ok {
			fmt.Fprintf(b, "pub type %s = %s;\n\n", name, ft)
		}
	case schema.KindPrimitive:
		fmt.Fprintf(b, "pub type %s = %s;\n\n", name, primRust(l.Prim))
	case schema.KindTypeRef:
		fmt.Fprintf(b, "pub type %s = %s;\n\n", name, l.Ref)
	}
	return nil
}

func constStruct(l *layout.Layout) bool {
	if !l.Size.IsConst() {
		return false
	}
	for _, f := range l.Fields {
		if _, ok := rustField(f.Type); !ok {
			return false
		}
	}
	return true
}

func rustField(l *layout.Layout) (string, bool) {
	switch l.Kind {
	case schema.KindPrimitive:
		return primRust(l.Prim), true
	case schema.KindTypeRef:
		return l.Ref, true
	case schema.KindArray:
		if l.Jagged || !l.Size.IsConst() || !l.Elem.Size.IsConst() || l.Elem.Size.Bytes == 0 {
			return "", false
		}
		elem, ok := rustField(l.Elem)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("[%s; %d]", elem, l.Size.Bytes/l.Elem.Size.Bytes), true
	}
	if l.Size.IsConst() {
		return fmt.Sprintf("[u8; %d]", l.Size.Bytes), true
	}
	return "", false
}

func (g *gen) typeImpl(b *bytes.Buffer, name string, l *layout.Layout) error {
	fn := snake(name)

	fmt.Fprintf(b, "pub fn %s_size() -> u64 {\n    %d\n}\n\n", fn, abigen.FixedPrefix(l))
	fmt.Fprintf(b, "pub fn %s_init(buf: &mut [u8]) {\n    buf.fill(0);\n}\n\n", fn)

	if err := g.footprintImpl(b, fn, name, l); err != nil {
		return err
	}
	if err := g.validateImpl(b, fn, name, l); err != nil {
		return err
	}
	g.viewImpl(b, fn, name)
	g.accessorImpl(b, fn, l)
	return nil
}

func (g *gen) footprintImpl(b *bytes.Buffer, fn, name string, l *layout.Layout) error {
	fmt.Fprintf(b, "pub fn %s_footprint(buf: &[u8]) -> Option<u64> {\n", fn)
	switch {
	case l.Size.IsConst():
		fmt.Fprintf(b, "    let _ = buf;\n    Some(%d)\n}\n\n", l.Size.Bytes)
		return nil
	case l.Kind == schema.KindSizeUnion:
		fmt.Fprintf(b, "    Some(buf.len() as u64)\n}\n\n")
		return nil
	case l.Kind == schema.KindTypeRef:
		fmt.Fprintf(b, "    %s_footprint(buf)\n}\n\n", snake(l.Ref))
		return nil
	case l.Kind == schema.KindStruct:
		plan, err := abigen.BuildFootprintPlan("rust", name, l)
		if err != nil {
			return err
		}
		g.planBody(b, plan)
		b.WriteString("}\n\n")
		return nil
	}
	return &abigen.UnsupportedTypeForTargetError{
		Target:   "rust",
		TypeName: name,
		Reason:   "variable-size " + l.Kind.String() + " has no static footprint recipe",
	}
}

func (g *gen) planBody(b *bytes.Buffer, plan *abigen.FootprintPlan) {
	b.WriteString("    let len = buf.len() as u64;\n")
	g.emitLoads(b, planLoads(plan), "return None")
	b.WriteString("    let mut off: u64 = 0;\n")
	for _, s := range plan.Steps {
		switch s.Kind {
		case abigen.StepSkip:
			fmt.Fprintf(b, "    off += %d;\n", s.Bytes)
		case abigen.StepAlign:
			fmt.Fprintf(b, "    off = abi_align_up(off, %d);\n", s.Bytes)
		case abigen.StepArray:
			count := abigen.RenderExpr(s.Count, false)
			fmt.Fprintf(b, "    if off > len || (%s) > (len - off) / %d {\n        return None;\n    }\n", count, s.ElemSize)
			fmt.Fprintf(b, "    off += (%s) * %d;\n", count, s.ElemSize)
		case abigen.StepEnum:
			fmt.Fprintf(b, "    match %s {\n", abigen.RenderExpr(s.TagRef, true))
			for _, v := range s.Variants {
				fmt.Fprintf(b, "        %d => off += %d,\n", v.Tag, v.Type.Size.Bytes)
			}
			b.WriteString("        _ => return None,\n    }\n")
		}
	}
	b.WriteString("    if off > len {\n        return None;\n    }\n")
	b.WriteString("    Some(off)\n")
}

func (g *gen) emitLoads(b *bytes.Buffer, loads []abigen.Load, fail string) {
	maxEnd := uint64(0)
	for _, ld := range loads {
		if end := ld.Offset + ld.Prim.Width(); end > maxEnd {
			maxEnd = end
		}
	}
	if maxEnd > 0 {
		fmt.Fprintf(b, "    if len < %d {\n        %s;\n    }\n", maxEnd, fail)
	}
	for _, ld := range loads {
		fmt.Fprintf(b, "    let %s = abi_load(buf, %d, %d);\n", ld.Name, ld.Offset, ld.Prim.Width())
	}
}

func planLoads(plan *abigen.FootprintPlan) []abigen.Load {
	var out []abigen.Load
	seen := map[string]bool{}
	for _, s := range plan.Steps {
		for _, ld := range s.Loads {
			if !seen[ld.Name] {
				seen[ld.Name] = true
				out = append(out, ld)
			}
		}
	}
	return out
}

func (g *gen) validateImpl(b *bytes.Buffer, fn, name string, l *layout.Layout) error {
	fmt.Fprintf(b, "pub fn %s_validate(buf: &[u8]) -> bool {\n", fn)

	if l.Kind == schema.KindSizeUnion {
		b.WriteString("    matches!(buf.len() as u64, ")
		for i, v := range l.Variants {
			if i > 0 {
				b.WriteString(" | ")
			}
			fmt.Fprintf(b, "%d", v.ExpectedSize)
		}
		b.WriteString(")\n}\n\n")
		return nil
	}

	b.WriteString("    let len = buf.len() as u64;\n")
	if l.Size.IsConst() {
		fmt.Fprintf(b, "    if len < %d {\n        return false;\n    }\n", l.Size.Bytes)
	} else {
		fmt.Fprintf(b, "    match %s_footprint(buf) {\n", fn)
		b.WriteString("        Some(fp) if fp <= len => {}\n        _ => return false,\n    }\n")
	}

	if l.Kind == schema.KindStruct {
		for _, f := range l.Fields {
			ft := chase(f.Type)
			if ft.Kind != schema.KindEnum || !ft.Size.IsConst() || !f.OffsetKnown {
				continue
			}
			loads, err := abigen.ResolveTagLoads("rust", name, l, ft.TagRef)
			if err != nil {
				continue
			}
			g.emitLoads(b, loads, "return false")
			fmt.Fprintf(b, "    match %s {\n", abigen.RenderExpr(ft.TagRef, true))
			b.WriteString("        ")
			for i, v := range ft.Variants {
				if i > 0 {
					b.WriteString(" | ")
				}
				fmt.Fprintf(b, "%d", v.Tag)
			}
			b.WriteString(" => {}\n        _ => return false,\n    }\n")
		}
	}
	b.WriteString("    true\n}\n\n")
	return nil
}

func (g *gen) viewImpl(b *bytes.Buffer, fn, name string) {
	fmt.Fprintf(b, "pub struct %sView<'a> {\n    pub buf: &'a [u8],\n}\n\n", name)
	fmt.Fprintf(b, "impl<'a> %sView<'a> {\n", name)
	fmt.Fprintf(b, "    pub fn new(buf: &'a [u8]) -> Option<Self> {\n")
	fmt.Fprintf(b, "        if %s_validate(buf) {\n            Some(Self { buf })\n        } else {\n            None\n        }\n    }\n}\n\n", fn)
}

func (g *gen) accessorImpl(b *bytes.Buffer, fn string, l *layout.Layout) {
	if l.Kind != schema.KindStruct {
		return
	}
	for _, f := range l.Fields {
		if !f.OffsetKnown {
			continue
		}
		ft := chase(f.Type)
		fname := snake(f.Name)
		if ft.Kind == schema.KindPrimitive {
			rt := primRust(ft.Prim)
			w := ft.Prim.Width()
			fmt.Fprintf(b, "pub fn %s_get_%s(buf: &[u8]) -> Option<%s> {\n", fn, fname, rt)
			fmt.Fprintf(b, "    let raw: [u8; %d] = buf.get(%d..%d)?.try_into().ok()?;\n", w, f.Offset, f.Offset+w)
			fmt.Fprintf(b, "    Some(%s::from_le_bytes(raw))\n}\n\n", rt)
			fmt.Fprintf(b, "pub fn %s_set_%s(buf: &mut [u8], v: %s) -> bool {\n", fn, fname, rt)
			fmt.Fprintf(b, "    match buf.get_mut(%d..%d) {\n", f.Offset, f.Offset+w)
			b.WriteString("        Some(dst) => {\n            dst.copy_from_slice(&v.to_le_bytes());\n            true\n        }\n        None => false,\n    }\n}\n\n")
		} else if ft.Size.IsConst() {
			fmt.Fprintf(b, "pub fn %s_get_%s(buf: &[u8]) -> Option<&[u8]> {\n", fn, fname)
			fmt.Fprintf(b, "    buf.get(%d..%d)\n}\n\n", f.Offset, f.Offset+ft.Size.Bytes)
		}
	}
}

func chase(l *layout.Layout) *layout.Layout {
	for l.Kind == schema.KindTypeRef && l.Target != nil {
		l = l.Target
	}
	return l
}

func primRust(p schema.PrimKind) string {
	switch p {
	case schema.U8:
		return "u8"
	case schema.U16:
		return "u16"
	case schema.U32:
		return "u32"
	case schema.U64:
		return "u64"
	case schema.I8:
		return "i8"
	case schema.I16:
		return "i16"
	case schema.I32:
		return "i32"
	case schema.I64:
		return "i64"
	case schema.F16:
		return "u16"
	case schema.F32:
		return "f32"
	case schema.F64:
		return "f64"
	}
	return "u8"
}

// snake converts CamelCase type names to snake_case function prefixes.
func snake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
