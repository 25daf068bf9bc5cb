// Package tsgen emits TypeScript interfaces and accessor functions for a
// layout IR.
package tsgen

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/abikit/abikit/abigen"
	"github.com/abikit/abikit/layout"
	"github.com/abikit/abikit/schema"
)

func init() {
	abigen.Register("typescript", func() abigen.Emitter { return &Emitter{} })
}

// Emitter is the TypeScript backend. Accessors operate on Uint8Array buffers
// through DataView; multi-byte values are little-endian. 64-bit fields read
// and write as bigint, while size arithmetic stays in number space.
type Emitter struct{}

func (*Emitter) Target() string { return "typescript" }

func (e *Emitter) Emit(u *abigen.Unit) ([]abigen.File, error) {
	g := &gen{unit: u}
	content, err := g.module()
	if err != nil {
		return nil, err
	}
	return []abigen.File{{Path: "typescript/types.ts", Content: content}}, nil
}

type gen struct {
	unit *abigen.Unit
}

func (g *gen) module() ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "// Generated by abikit for package %s. Do not edit.\n\n", g.unit.Package)
	b.WriteString(tsHelpers)

	for _, name := range g.unit.IR.Names() {
		l, _ := g.unit.IR.Lookup(name)
		g.typeDecl(&b, name, l)
	}
	for _, name := range g.unit.IR.Names() {
		l, _ := g.unit.IR.Lookup(name)
		if err := g.typeImpl(&b, name, l); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

const tsHelpers = `const ABI_FOOTPRINT_ERR = -1;

function abi_align_up(v: number, a: number): number {
  return Math.ceil(v / a) * a;
}

function abi_pow(base: number, exp: number): number {
  let r = 1;
  for (let i = 0; i < exp; i++) r *= base;
  return r;
}

function abi_popcount(x: number): number {
  let n = 0;
  while (x > 0) {
    n += x & 1;
    x = Math.floor(x / 2);
  }
  return n;
}

function abi_load(buf: Uint8Array, offset: number, width: number): number {
  let v = 0;
  for (let i = width - 1; i >= 0; i--) {
    v = v * 256 + buf[offset + i];
  }
  return v;
}

function abi_view(buf: Uint8Array): DataView {
  return new DataView(buf.buffer, buf.byteOffset, buf.byteLength);
}

`

func (g *gen) typeDecl(b *bytes.Buffer, name string, l *layout.Layout) {
	up := strings.ToUpper(snake(name))
	if l.Size.IsConst() {
		fmt.Fprintf(b, "export const %s_SIZE = %d;\n", up, l.Size.Bytes)
	}
	fmt.Fprintf(b, "export const %s_ALIGN = %d;\n\n", up, l.Alignment)

	switch l.Kind {
	case schema.KindStruct:
		fmt.Fprintf(b, "export interface %s {\n", name)
		for _, f := range l.Fields {
			fmt.Fprintf(b, "  %s: %s;\n", camel(f.Name), tsType(f.Type))
		}
		b.WriteString("}\n\n")
	case schema.KindPrimitive, schema.KindArray:
		fmt.Fprintf(b, "export type %s = %s;\n\n", name, tsType(l))
	case schema.KindTypeRef:
		fmt.Fprintf(b, "export type %s = %s;\n\n", name, l.Ref)
	case schema.KindEnum, schema.KindUnion, schema.KindSizeUnion:
		fmt.Fprintf(b, "export interface %s {\n  variant: string;\n  value: unknown;\n}\n\n", name)
	}
}

func tsType(l *layout.Layout) string {
	switch l.Kind {
	case schema.KindPrimitive:
		return primTS(l.Prim)
	case schema.KindTypeRef:
		return l.Ref
	case schema.KindArray:
		if l.Elem.Kind == schema.KindPrimitive && l.Elem.Prim == schema.U8 {
			return "Uint8Array"
		}
		return tsType(l.Elem) + "[]"
	}
	return "Uint8Array"
}

func (g *gen) typeImpl(b *bytes.Buffer, name string, l *layout.Layout) error {
	fn := camel(name)

	fmt.Fprintf(b, "export function %sSize(): number {\n  return %d;\n}\n\n", fn, abigen.FixedPrefix(l))
	fmt.Fprintf(b, "export function %sInit(buf: Uint8Array): void {\n  buf.fill(0);\n}\n\n", fn)

	if err := g.footprintImpl(b, fn, name, l); err != nil {
		return err
	}
	if err := g.validateImpl(b, fn, name, l); err != nil {
		return err
	}
	g.guardImpl(b, fn, name)
	g.viewImpl(b, fn, name)
	g.accessorImpl(b, fn, l)
	return nil
}

func (g *gen) footprintImpl(b *bytes.Buffer, fn, name string, l *layout.Layout) error {
	fmt.Fprintf(b, "export function %sFootprint(buf: Uint8Array): number {\n", fn)
	switch {
	case l.Size.IsConst():
		fmt.Fprintf(b, "  void buf;\n  return %d;\n}\n\n", l.Size.Bytes)
		return nil
	case l.Kind == schema.KindSizeUnion:
		b.WriteString("  return buf.length;\n}\n\n")
		return nil
	case l.Kind == schema.KindTypeRef:
		fmt.Fprintf(b, "  return %sFootprint(buf);\n}\n\n", camel(l.Ref))
		return nil
	case l.Kind == schema.KindStruct:
		plan, err := abigen.BuildFootprintPlan("typescript", name, l)
		if err != nil {
			return err
		}
		g.planBody(b, plan)
		b.WriteString("}\n\n")
		return nil
	}
	return &abigen.UnsupportedTypeForTargetError{
		Target:   "typescript",
		TypeName: name,
		Reason:   "variable-size " + l.Kind.String() + " has no static footprint recipe",
	}
}

func (g *gen) planBody(b *bytes.Buffer, plan *abigen.FootprintPlan) {
	b.WriteString("  const len = buf.length;\n")
	g.emitLoads(b, planLoads(plan), "ABI_FOOTPRINT_ERR")
	b.WriteString("  let off = 0;\n")
	for _, s := range plan.Steps {
		switch s.Kind {
		case abigen.StepSkip:
			fmt.Fprintf(b, "  off += %d;\n", s.Bytes)
		case abigen.StepAlign:
			fmt.Fprintf(b, "  off = abi_align_up(off, %d);\n", s.Bytes)
		case abigen.StepArray:
			count := abigen.RenderExpr(s.Count, false)
			fmt.Fprintf(b, "  if (off > len || (%s) > Math.floor((len - off) / %d)) return ABI_FOOTPRINT_ERR;\n", count, s.ElemSize)
			fmt.Fprintf(b, "  off += (%s) * %d;\n", count, s.ElemSize)
		case abigen.StepEnum:
			fmt.Fprintf(b, "  switch (%s) {\n", abigen.RenderExpr(s.TagRef, true))
			for _, v := range s.Variants {
				fmt.Fprintf(b, "    case %d:\n      off += %d;\n      break;\n", v.Tag, v.Type.Size.Bytes)
			}
			b.WriteString("    default:\n      return ABI_FOOTPRINT_ERR;\n  }\n")
		}
	}
	b.WriteString("  if (off > len) return ABI_FOOTPRINT_ERR;\n")
	b.WriteString("  return off;\n")
}

func (g *gen) emitLoads(b *bytes.Buffer, loads []abigen.Load, fail string) {
	maxEnd := uint64(0)
	for _, ld := range loads {
		if end := ld.Offset + ld.Prim.Width(); end > maxEnd {
			maxEnd = end
		}
	}
	if maxEnd > 0 {
		fmt.Fprintf(b, "  if (len < %d) return %s;\n", maxEnd, fail)
	}
	for _, ld := range loads {
		fmt.Fprintf(b, "  const %s = abi_load(buf, %d, %d);\n", ld.Name, ld.Offset, ld.Prim.Width())
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
	fmt.Fprintf(b, "export function %sValidate(buf: Uint8Array): boolean {\n", fn)

	if l.Kind == schema.KindSizeUnion {
		b.WriteString("  switch (buf.length) {\n")
		for _, v := range l.Variants {
			fmt.Fprintf(b, "    case %d:\n", v.ExpectedSize)
		}
		b.WriteString("      return true;\n    default:\n      return false;\n  }\n}\n\n")
		return nil
	}

	b.WriteString("  const len = buf.length;\n")
	if l.Size.IsConst() {
		fmt.Fprintf(b, "  if (len < %d) return false;\n", l.Size.Bytes)
	} else {
		fmt.Fprintf(b, "  const fp = %sFootprint(buf);\n", fn)
		b.WriteString("  if (fp === ABI_FOOTPRINT_ERR || fp > len) return false;\n")
	}

	if l.Kind == schema.KindStruct {
		for _, f := range l.Fields {
			ft := chase(f.Type)
			if ft.Kind != schema.KindEnum || !ft.Size.IsConst() || !f.OffsetKnown {
				continue
			}
			loads, err := abigen.ResolveTagLoads("typescript", name, l, ft.TagRef)
			if err != nil {
				continue
			}
			g.emitLoads(b, loads, "false")
			fmt.Fprintf(b, "  switch (%s) {\n", abigen.RenderExpr(ft.TagRef, true))
			for _, v := range ft.Variants {
				fmt.Fprintf(b, "    case %d:\n", v.Tag)
			}
			b.WriteString("      break;\n    default:\n      return false;\n  }\n")
		}
	}
	b.WriteString("  return true;\n}\n\n")
	return nil
}

// guardImpl emits a type guard so callers can narrow a raw buffer to a
// branded view type in one conditional.
func (g *gen) guardImpl(b *bytes.Buffer, fn, name string) {
	fmt.Fprintf(b, "export type %sBuffer = Uint8Array & { readonly __%s: unique symbol };\n\n", name, snake(name))
	fmt.Fprintf(b, "export function is%s(buf: Uint8Array): buf is %sBuffer {\n", name, name)
	fmt.Fprintf(b, "  return %sValidate(buf);\n}\n\n", fn)
}

func (g *gen) viewImpl(b *bytes.Buffer, fn, name string) {
	fmt.Fprintf(b, "export class %sView {\n", name)
	b.WriteString("  private constructor(readonly buf: Uint8Array) {}\n\n")
	fmt.Fprintf(b, "  static from(buf: Uint8Array): %sView | null {\n", name)
	fmt.Fprintf(b, "    return %sValidate(buf) ? new %sView(buf) : null;\n  }\n}\n\n", fn, name)
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
		fname := exported(camel(f.Name))
		if ft.Kind == schema.KindPrimitive {
			tt := primTS(ft.Prim)
			w := ft.Prim.Width()
			le := ", true"
			if w == 1 {
				// Single-byte DataView accessors take no endianness flag.
				le = ""
			}
			fmt.Fprintf(b, "export function %sGet%s(buf: Uint8Array): %s | null {\n", fn, fname, tt)
			fmt.Fprintf(b, "  if (buf.length < %d) return null;\n", f.Offset+w)
			fmt.Fprintf(b, "  return abi_view(buf).%s(%d%s);\n}\n\n", dvGet(ft.Prim), f.Offset, le)
			fmt.Fprintf(b, "export function %sSet%s(buf: Uint8Array, v: %s): boolean {\n", fn, fname, tt)
			fmt.Fprintf(b, "  if (buf.length < %d) return false;\n", f.Offset+w)
			fmt.Fprintf(b, "  abi_view(buf).%s(%d, v%s);\n  return true;\n}\n\n", dvSet(ft.Prim), f.Offset, le)
		} else if ft.Size.IsConst() {
			fmt.Fprintf(b, "export function %sGet%s(buf: Uint8Array): Uint8Array | null {\n", fn, fname)
			fmt.Fprintf(b, "  if (buf.length < %d) return null;\n", f.Offset+ft.Size.Bytes)
			fmt.Fprintf(b, "  return buf.subarray(%d, %d);\n}\n\n", f.Offset, f.Offset+ft.Size.Bytes)
		}
	}
}

func chase(l *layout.Layout) *layout.Layout {
	for l.Kind == schema.KindTypeRef && l.Target != nil {
		l = l.Target
	}
	return l
}

func primTS(p schema.PrimKind) string {
	switch p {
	case schema.U64, schema.I64:
		return "bigint"
	}
	return "number"
}

func dvGet(p schema.PrimKind) string {
	switch p {
	case schema.U8:
		return "getUint8"
	case schema.U16, schema.F16:
		return "getUint16"
	case schema.U32:
		return "getUint32"
	case schema.U64:
		return "getBigUint64"
	case schema.I8:
		return "getInt8"
	case schema.I16:
		return "getInt16"
	case schema.I32:
		return "getInt32"
	case schema.I64:
		return "getBigInt64"
	case schema.F32:
		return "getFloat32"
	case schema.F64:
		return "getFloat64"
	}
	return "getUint8"
}

func dvSet(p schema.PrimKind) string {
	return "s" + dvGet(p)[1:]
}

// snake converts CamelCase to snake_case.
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

// camel lower-cases the first rune, turning a type name into a function
// prefix and a snake_case field into a property name.
func camel(name string) string {
	parts := strings.Split(name, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(strings.ToLower(p[:1]) + p[1:])
		} else {
			b.WriteString(strings.ToUpper(p[:1]) + p[1:])
		}
	}
	return b.String()
}

func exported(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
