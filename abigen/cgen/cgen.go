// Package cgen emits C headers and accessor functions for a layout IR.
package cgen

import (
	"bytes"
	"fmt"

	"github.com/abikit/abikit/abigen"
	"github.com/abikit/abikit/layout"
	"github.com/abikit/abikit/schema"
)

func init() {
	abigen.Register("c", func() abigen.Emitter { return &Emitter{} })
}

// Emitter is the C backend. It writes types.h with type declarations and
// prototypes, and functions.c with the implementations.
type Emitter struct{}

func (*Emitter) Target() string { return "c" }

func (e *Emitter) Emit(u *Unit) ([]abigen.File, error) {
	g := &gen{unit: u}
	header, err := g.header()
	if err != nil {
		return nil, err
	}
	impl, err := g.impl()
	if err != nil {
		return nil, err
	}
	return []abigen.File{
		{Path: "c/types.h", Content: header},
		{Path: "c/functions.c", Content: impl},
	}, nil
}

// Unit aliases the shared generation input.
type Unit = abigen.Unit

type gen struct {
	unit *Unit
}

func (g *gen) header() ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "/* Generated by abikit for package %s. Do not edit. */\n", g.unit.Package)
	b.WriteString("#ifndef ABIKIT_TYPES_H\n#define ABIKIT_TYPES_H\n\n")
	b.WriteString("#include <stdint.h>\n#include <stddef.h>\n\n")

	for _, name := range g.unit.IR.Names() {
		l, _ := g.unit.IR.Lookup(name)
		if err := g.typeDecl(&b, name, l); err != nil {
			return nil, err
		}
	}

	b.WriteString("\n")
	for _, name := range g.unit.IR.Names() {
		l, _ := g.unit.IR.Lookup(name)
		g.prototypes(&b, name, l)
	}

	b.WriteString("\n#endif /* ABIKIT_TYPES_H */\n")
	return b.Bytes(), nil
}

func (g *gen) typeDecl(b *bytes.Buffer, name string, l *layout.Layout) error {
	if l.Size.IsConst() {
		fmt.Fprintf(b, "#define %s_SIZE %dUL\n", name, l.Size.Bytes)
	}
	fmt.Fprintf(b, "#define %s_ALIGN %dUL\n", name, l.Alignment)

	// Validated read-only window over a populated buffer.
	fmt.Fprintf(b, "typedef struct { uint8_t const * buf; uint64_t len; } %s_view_t;\n", name)

	if !concreteDecl(l) {
		// Variable layout: the type is exposed only through accessors.
		fmt.Fprintf(b, "typedef struct %s %s_t;\n\n", name, name)
		return nil
	}

	switch l.Kind {
	case schema.KindPrimitive:
		fmt.Fprintf(b, "typedef %s %s_t;\n\n", primC(l.Prim), name)
	case schema.KindTypeRef:
		fmt.Fprintf(b, "typedef %s_t %s_t;\n\n", l.Ref, name)
	case schema.KindArray:
		count := l.Size.Bytes / l.Elem.Size.Bytes
		elem, suffix, err := g.fieldC(l.Elem, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "typedef %s %s_t[%d]%s;\n\n", elem, name, count, suffix)
	case schema.KindStruct:
		b.WriteString("typedef struct ")
		if l.Packed {
			b.WriteString("__attribute__((packed)) ")
		}
		b.WriteString("{\n")
		for _, f := range l.Fields {
			decl, suffix, err := g.fieldC(f.Type, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(b, "  %s %s%s;\n", decl, f.Name, suffix)
		}
		fmt.Fprintf(b, "} %s_t;\n\n", name)
	case schema.KindUnion:
		b.WriteString("typedef union {\n")
		for _, v := range l.Variants {
			decl, suffix, err := g.fieldC(v.Type, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(b, "  %s %s%s;\n", decl, v.Name, suffix)
		}
		fmt.Fprintf(b, "} %s_t;\n\n", name)
	default:
		// Constant-size enums still select their payload at runtime.
		fmt.Fprintf(b, "typedef struct %s %s_t;\n\n", name, name)
	}
	return nil
}

// concreteDecl reports whether the layout can be spelled as a plain C type.
func concreteDecl(l *layout.Layout) bool {
	if !l.Size.IsConst() {
		return false
	}
	switch l.Kind {
	case schema.KindPrimitive, schema.KindTypeRef:
		return true
	case schema.KindArray:
		return !l.Jagged && l.Elem.Size.IsConst() && l.Elem.Size.Bytes > 0 && concreteDecl(l.Elem)
	case schema.KindStruct:
		for _, f := range l.Fields {
			if !f.OffsetKnown || !concreteDecl(f.Type) {
				return false
			}
		}
		return true
	case schema.KindUnion:
		for _, v := range l.Variants {
			if !concreteDecl(v.Type) {
				return false
			}
		}
		return true
	}
	return false
}

// fieldC renders a member type as a C declaration split around the member
// name: "uint32_t" with no suffix, or "uint8_t" with "[32]" for arrays.
func (g *gen) fieldC(l *layout.Layout, owner string) (string, string, error) {
	switch l.Kind {
	case schema.KindPrimitive:
		return primC(l.Prim), "", nil
	case schema.KindTypeRef:
		return l.Ref + "_t", "", nil
	case schema.KindArray:
		if !l.Size.IsConst() || !l.Elem.Size.IsConst() || l.Elem.Size.Bytes == 0 {
			return "", "", &abigen.UnsupportedTypeForTargetError{
				Target:   "c",
				TypeName: owner,
				Reason:   "array member without a constant element size",
			}
		}
		elem, suffix, err := g.fieldC(l.Elem, owner)
		if err != nil {
			return "", "", err
		}
		count := l.Size.Bytes / l.Elem.Size.Bytes
		return elem, fmt.Sprintf("[%d]%s", count, suffix), nil
	}
	// Inline composite members are exposed as raw bytes; named accessors
	// live on the named type.
	if l.Size.IsConst() {
		return "uint8_t", fmt.Sprintf("[%d]", l.Size.Bytes), nil
	}
	return "", "", &abigen.UnsupportedTypeForTargetError{
		Target:   "c",
		TypeName: owner,
		Reason:   "variable-size inline member",
	}
}

func (g *gen) prototypes(b *bytes.Buffer, name string, l *layout.Layout) {
	fmt.Fprintf(b, "uint64_t %s_size(void);\n", name)
	if l.Size.IsConst() {
		fmt.Fprintf(b, "void %s_init(uint8_t * buf);\n", name)
	} else {
		fmt.Fprintf(b, "void %s_init(uint8_t * buf, uint64_t len);\n", name)
	}
	fmt.Fprintf(b, "uint64_t %s_footprint(uint8_t const * buf, uint64_t len);\n", name)
	fmt.Fprintf(b, "int %s_validate(uint8_t const * buf, uint64_t len);\n", name)
	fmt.Fprintf(b, "%s_view_t %s_view(uint8_t const * buf, uint64_t len);\n", name, name)
	if l.Kind == schema.KindStruct {
		for _, f := range l.Fields {
			if !f.OffsetKnown {
				continue
			}
			ft := chase(f.Type)
			if ft.Kind == schema.KindPrimitive {
				ct := primC(ft.Prim)
				fmt.Fprintf(b, "int %s_get_%s(uint8_t const * buf, uint64_t len, %s * out);\n", name, f.Name, ct)
				fmt.Fprintf(b, "int %s_set_%s(uint8_t * buf, uint64_t len, %s v);\n", name, f.Name, ct)
			} else if ft.Size.IsConst() {
				fmt.Fprintf(b, "uint8_t const * %s_get_%s(uint8_t const * buf, uint64_t len);\n", name, f.Name)
			}
		}
	}
	b.WriteString("\n")
}

func (g *gen) impl() ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "/* Generated by abikit for package %s. Do not edit. */\n", g.unit.Package)
	b.WriteString("#include \"types.h\"\n#include <string.h>\n\n")
	b.WriteString(cHelpers)

	for _, name := range g.unit.IR.Names() {
		l, _ := g.unit.IR.Lookup(name)
		if err := g.typeImpl(&b, name, l); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

const cHelpers = `#define ABI_FOOTPRINT_ERR UINT64_MAX

static inline uint64_t abi_align_up(uint64_t v, uint64_t a) {
  return (v + a - 1) & ~(a - 1);
}

static inline uint64_t abi_pow(uint64_t base, uint64_t exp) {
  uint64_t r = 1;
  while (exp--) r *= base;
  return r;
}

static inline uint64_t abi_popcount(uint64_t x) {
  uint64_t n = 0;
  while (x) { n += x & 1; x >>= 1; }
  return n;
}

static inline uint64_t abi_load(uint8_t const * p, uint64_t width) {
  uint64_t v = 0;
  uint64_t i = width;
  while (i > 0) {
    i--;
    v = (v << 8) | (uint64_t)p[i];
  }
  return v;
}

static inline void abi_store(uint8_t * p, uint64_t width, uint64_t v) {
  for (uint64_t i = 0; i < width; i++) {
    p[i] = (uint8_t)(v >> (8 * i));
  }
}

`

func (g *gen) typeImpl(b *bytes.Buffer, name string, l *layout.Layout) error {
	// size: the fixed portion.
	fmt.Fprintf(b, "uint64_t %s_size(void) {\n  return %dUL;\n}\n\n", name, abigen.FixedPrefix(l))

	// init: zero-populate.
	if l.Size.IsConst() {
		fmt.Fprintf(b, "void %s_init(uint8_t * buf) {\n  memset(buf, 0, %s_SIZE);\n}\n\n", name, name)
	} else {
		fmt.Fprintf(b, "void %s_init(uint8_t * buf, uint64_t len) {\n  memset(buf, 0, len);\n}\n\n", name)
	}

	if err := g.footprintImpl(b, name, l); err != nil {
		return err
	}
	if err := g.validateImpl(b, name, l); err != nil {
		return err
	}
	g.viewImpl(b, name)
	g.accessorImpl(b, name, l)
	return nil
}

func (g *gen) footprintImpl(b *bytes.Buffer, name string, l *layout.Layout) error {
	fmt.Fprintf(b, "uint64_t %s_footprint(uint8_t const * buf, uint64_t len) {\n", name)
	switch {
	case l.Size.IsConst():
		fmt.Fprintf(b, "  (void)buf; (void)len;\n  return %s_SIZE;\n}\n\n", name)
		return nil
	case l.Kind == schema.KindSizeUnion:
		// The active variant is chosen by buffer length.
		fmt.Fprintf(b, "  (void)buf;\n  return len;\n}\n\n")
		return nil
	case l.Kind == schema.KindTypeRef:
		fmt.Fprintf(b, "  return %s_footprint(buf, len);\n}\n\n", l.Ref)
		return nil
	case l.Kind == schema.KindStruct:
		plan, err := abigen.BuildFootprintPlan("c", name, l)
		if err != nil {
			return err
		}
		g.planBody(b, plan)
		b.WriteString("}\n\n")
		return nil
	}
	return &abigen.UnsupportedTypeForTargetError{
		Target:   "c",
		TypeName: name,
		Reason:   "variable-size " + l.Kind.String() + " has no static footprint recipe",
	}
}

func (g *gen) planBody(b *bytes.Buffer, plan *abigen.FootprintPlan) {
	g.emitLoads(b, planLoads(plan))
	b.WriteString("  uint64_t off = 0;\n")
	for _, s := range plan.Steps {
		switch s.Kind {
		case abigen.StepSkip:
			fmt.Fprintf(b, "  off += %dUL;\n", s.Bytes)
		case abigen.StepAlign:
			fmt.Fprintf(b, "  off = abi_align_up(off, %dUL);\n", s.Bytes)
		case abigen.StepArray:
			count := abigen.RenderExpr(s.Count, false)
			fmt.Fprintf(b, "  if (off > len || (%s) > (len - off) / %dUL) return ABI_FOOTPRINT_ERR;\n", count, s.ElemSize)
			fmt.Fprintf(b, "  off += (%s) * %dUL;\n", count, s.ElemSize)
		case abigen.StepEnum:
			fmt.Fprintf(b, "  switch (%s) {\n", abigen.RenderExpr(s.TagRef, true))
			for _, v := range s.Variants {
				fmt.Fprintf(b, "  case %dUL: off += %dUL; break;\n", v.Tag, v.Type.Size.Bytes)
			}
			b.WriteString("  default: return ABI_FOOTPRINT_ERR;\n  }\n")
		}
	}
	b.WriteString("  if (off > len) return ABI_FOOTPRINT_ERR;\n")
	b.WriteString("  return off;\n")
}

func (g *gen) emitLoads(b *bytes.Buffer, loads []abigen.Load) {
	maxEnd := uint64(0)
	for _, ld := range loads {
		if end := ld.Offset + ld.Prim.Width(); end > maxEnd {
			maxEnd = end
		}
	}
	if maxEnd > 0 {
		fmt.Fprintf(b, "  if (len < %dUL) return ABI_FOOTPRINT_ERR;\n", maxEnd)
	}
	for _, ld := range loads {
		fmt.Fprintf(b, "  uint64_t %s = abi_load(buf + %dUL, %dUL);\n", ld.Name, ld.Offset, ld.Prim.Width())
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

func (g *gen) validateImpl(b *bytes.Buffer, name string, l *layout.Layout) error {
	fmt.Fprintf(b, "int %s_validate(uint8_t const * buf, uint64_t len) {\n", name)

	if l.Kind == schema.KindSizeUnion {
		b.WriteString("  (void)buf;\n  switch (len) {\n")
		for _, v := range l.Variants {
			fmt.Fprintf(b, "  case %dUL:\n", v.ExpectedSize)
		}
		b.WriteString("    return 0;\n  default:\n    return -1;\n  }\n}\n\n")
		return nil
	}

	if l.Size.IsConst() {
		fmt.Fprintf(b, "  if (len < %s_SIZE) return -1;\n", name)
	} else {
		fmt.Fprintf(b, "  uint64_t fp = %s_footprint(buf, len);\n", name)
		b.WriteString("  if (fp == ABI_FOOTPRINT_ERR || fp > len) return -1;\n")
	}

	// Discriminants of constant-size enum members still need to name a
	// known variant.
	if l.Kind == schema.KindStruct {
		for _, f := range l.Fields {
			ft := chase(f.Type)
			if ft.Kind != schema.KindEnum || !ft.Size.IsConst() || !f.OffsetKnown {
				continue
			}
			loads, err := abigen.ResolveTagLoads("c", name, l, ft.TagRef)
			if err != nil {
				// Tag not loadable at a static offset; footprint coverage
				// already bounds the buffer.
				continue
			}
			g.emitTagCheck(b, ft, loads)
		}
	}
	b.WriteString("  return 0;\n}\n\n")
	return nil
}

func (g *gen) emitTagCheck(b *bytes.Buffer, enum *layout.Layout, loads []abigen.Load) {
	g.emitLoadsValidate(b, loads)
	fmt.Fprintf(b, "  switch (%s) {\n", abigen.RenderExpr(enum.TagRef, true))
	for _, v := range enum.Variants {
		fmt.Fprintf(b, "  case %dUL:\n", v.Tag)
	}
	b.WriteString("    break;\n  default:\n    return -1;\n  }\n")
}

func (g *gen) emitLoadsValidate(b *bytes.Buffer, loads []abigen.Load) {
	for _, ld := range loads {
		fmt.Fprintf(b, "  if (len < %dUL) return -1;\n", ld.Offset+ld.Prim.Width())
		fmt.Fprintf(b, "  uint64_t %s = abi_load(buf + %dUL, %dUL);\n", ld.Name, ld.Offset, ld.Prim.Width())
	}
}

func (g *gen) viewImpl(b *bytes.Buffer, name string) {
	fmt.Fprintf(b, "%s_view_t %s_view(uint8_t const * buf, uint64_t len) {\n", name, name)
	fmt.Fprintf(b, "  %s_view_t v = { NULL, 0 };\n", name)
	fmt.Fprintf(b, "  if (%s_validate(buf, len) == 0) { v.buf = buf; v.len = len; }\n", name)
	b.WriteString("  return v;\n}\n\n")
}

func (g *gen) accessorImpl(b *bytes.Buffer, name string, l *layout.Layout) {
	if l.Kind != schema.KindStruct {
		return
	}
	for _, f := range l.Fields {
		if !f.OffsetKnown {
			continue
		}
		ft := chase(f.Type)
		if ft.Kind == schema.KindPrimitive {
			ct := primC(ft.Prim)
			w := ft.Prim.Width()
			// Wire order is little-endian regardless of the host, so
			// values go through abi_load/abi_store rather than memcpy.
			fmt.Fprintf(b, "int %s_get_%s(uint8_t const * buf, uint64_t len, %s * out) {\n", name, f.Name, ct)
			fmt.Fprintf(b, "  if (len < %dUL) return -1;\n", f.Offset+w)
			switch ft.Prim {
			case schema.F32:
				fmt.Fprintf(b, "  uint32_t raw = (uint32_t)abi_load(buf + %dUL, 4UL);\n", f.Offset)
				b.WriteString("  memcpy(out, &raw, 4UL);\n  return 0;\n}\n\n")
			case schema.F64:
				fmt.Fprintf(b, "  uint64_t raw = abi_load(buf + %dUL, 8UL);\n", f.Offset)
				b.WriteString("  memcpy(out, &raw, 8UL);\n  return 0;\n}\n\n")
			default:
				fmt.Fprintf(b, "  *out = (%s)abi_load(buf + %dUL, %dUL);\n  return 0;\n}\n\n", ct, f.Offset, w)
			}
			fmt.Fprintf(b, "int %s_set_%s(uint8_t * buf, uint64_t len, %s v) {\n", name, f.Name, ct)
			fmt.Fprintf(b, "  if (len < %dUL) return -1;\n", f.Offset+w)
			switch ft.Prim {
			case schema.F32:
				b.WriteString("  uint32_t raw;\n  memcpy(&raw, &v, 4UL);\n")
				fmt.Fprintf(b, "  abi_store(buf + %dUL, 4UL, (uint64_t)raw);\n  return 0;\n}\n\n", f.Offset)
			case schema.F64:
				b.WriteString("  uint64_t raw;\n  memcpy(&raw, &v, 8UL);\n")
				fmt.Fprintf(b, "  abi_store(buf + %dUL, 8UL, raw);\n  return 0;\n}\n\n", f.Offset)
			default:
				fmt.Fprintf(b, "  abi_store(buf + %dUL, %dUL, (uint64_t)v);\n  return 0;\n}\n\n", f.Offset, w)
			}
		} else if ft.Size.IsConst() {
			fmt.Fprintf(b, "uint8_t const * %s_get_%s(uint8_t const * buf, uint64_t len) {\n", name, f.Name)
			fmt.Fprintf(b, "  if (len < %dUL) return NULL;\n", f.Offset+ft.Size.Bytes)
			fmt.Fprintf(b, "  return buf + %dUL;\n}\n\n", f.Offset)
		}
	}
}

func chase(l *layout.Layout) *layout.Layout {
	for l.Kind == schema.KindTypeRef && l.Target != nil {
		l = l.Target
	}
	return l
}

func primC(p schema.PrimKind) string {
	switch p {
	case schema.U8:
		return "uint8_t"
	case schema.U16:
		return "uint16_t"
	case schema.U32:
		return "uint32_t"
	case schema.U64:
		return "uint64_t"
	case schema.I8:
		return "int8_t"
	case schema.I16:
		return "int16_t"
	case schema.I32:
		return "int32_t"
	case schema.I64:
		return "int64_t"
	case schema.F16:
		return "uint16_t"
	case schema.F32:
		return "float"
	case schema.F64:
		return "double"
	}
	return "uint8_t"
}
