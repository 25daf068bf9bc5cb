package tsgen

import (
	"strings"
	"testing"

	"github.com/abikit/abikit/abigen"
	"github.com/abikit/abikit/layout"
	"github.com/abikit/abikit/schema"
)

func emit(t *testing.T, defs ...schema.TypeDef) string {
	t.Helper()
	ir, err := layout.Build(defs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	files, err := (&Emitter{}).Emit(&abigen.Unit{Package: "test", IR: ir})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(files) != 1 || files[0].Path != "typescript/types.ts" {
		t.Fatalf("unexpected files: %+v", files)
	}
	return string(files[0].Content)
}

func wantContains(t *testing.T, src string, wants ...string) {
	t.Helper()
	for _, w := range wants {
		if !strings.Contains(src, w) {
			t.Errorf("output is missing %q", w)
		}
	}
}

func prim(p schema.PrimKind) *schema.Primitive { return &schema.Primitive{Prim: p} }

func fref(path ...string) schema.Expr { return &schema.FieldRef{Path: path} }

func TestEmit_ConstStruct(t *testing.T) {
	src := emit(t, schema.TypeDef{Name: "Point", Type: &schema.Struct{
		Fields: []schema.StructField{
			{Name: "x", Type: prim(schema.I32)},
			{Name: "y", Type: prim(schema.I32)},
		},
	}})

	wantContains(t, src,
		"export const POINT_SIZE = 8;",
		"export const POINT_ALIGN = 4;",
		"export interface Point {\n  x: number;\n  y: number;\n}",
		"export function pointGetX(buf: Uint8Array): number | null {",
		"return abi_view(buf).getInt32(0, true);",
		"export function pointSetY(buf: Uint8Array, v: number): boolean {",
		"abi_view(buf).setInt32(4, v, true);",
		"export function isPoint(buf: Uint8Array): buf is PointBuffer {",
		"export class PointView {",
	)
}

func TestEmit_SingleByteAccessorHasNoEndianFlag(t *testing.T) {
	src := emit(t, schema.TypeDef{Name: "Flag", Type: &schema.Struct{
		Fields: []schema.StructField{
			{Name: "on", Type: prim(schema.U8)},
		},
	}})

	wantContains(t, src, "return abi_view(buf).getUint8(0);")
	if strings.Contains(src, "getUint8(0, true)") {
		t.Error("single-byte accessor carries an endianness flag")
	}
}

func TestEmit_BigIntFor64Bit(t *testing.T) {
	src := emit(t, schema.TypeDef{Name: "Counter", Type: &schema.Struct{
		Fields: []schema.StructField{
			{Name: "total", Type: prim(schema.U64)},
		},
	}})

	wantContains(t, src,
		"export function counterGetTotal(buf: Uint8Array): bigint | null {",
		"return abi_view(buf).getBigUint64(0, true);",
		"export interface Counter {\n  total: bigint;\n}",
	)
}

func TestEmit_VariableStructFootprint(t *testing.T) {
	src := emit(t, schema.TypeDef{Name: "Header", Type: &schema.Struct{
		Fields: []schema.StructField{
			{Name: "magic", Type: prim(schema.U32)},
			{Name: "count", Type: prim(schema.U32)},
			{Name: "data", Type: &schema.Array{Count: fref("count"), Element: prim(schema.U8)}},
		},
	}})

	if strings.Contains(src, "HEADER_SIZE") {
		t.Error("variable type has a SIZE constant")
	}
	wantContains(t, src,
		"export function headerFootprint(buf: Uint8Array): number {",
		"const count = abi_load(buf, 4, 4);",
		"off += 8;",
		"if (off > len || (count) > Math.floor((len - off) / 1)) return ABI_FOOTPRINT_ERR;",
		"off += (count) * 1;",
		"off = abi_align_up(off, 4);",
		"if (off > len) return ABI_FOOTPRINT_ERR;",
		"const fp = headerFootprint(buf);",
		"data: Uint8Array;",
	)
}

func TestEmit_EnumFootprintSwitch(t *testing.T) {
	src := emit(t, schema.TypeDef{Name: "Message", Type: &schema.Struct{
		Fields: []schema.StructField{
			{Name: "kind", Type: prim(schema.U8)},
			{Name: "body", Type: &schema.Enum{
				TagRef: fref("..", "kind"),
				Variants: []schema.EnumVariant{
					{Name: "small", Tag: 0, Type: prim(schema.U32)},
					{Name: "big", Tag: 1, Type: prim(schema.U64)},
				},
			}},
		},
	}})

	wantContains(t, src,
		"const kind = abi_load(buf, 0, 1);",
		"switch (kind) {",
		"case 0:\n      off += 4;",
		"case 1:\n      off += 8;",
		"return ABI_FOOTPRINT_ERR;",
	)
}

func TestEmit_SizeUnionValidate(t *testing.T) {
	src := emit(t, schema.TypeDef{Name: "Packet", Type: &schema.SizeUnion{
		Variants: []schema.SizeVariant{
			{Name: "short", ExpectedSize: 4, Type: prim(schema.U32)},
			{Name: "long", ExpectedSize: 8, Type: prim(schema.U64)},
		},
	}})

	wantContains(t, src,
		"export function packetValidate(buf: Uint8Array): boolean {",
		"switch (buf.length) {",
		"case 4:",
		"case 8:",
		"return buf.length;",
	)
}

func TestCamel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Point", "point"},
		{"data_size", "dataSize"},
		{"BlockHeader", "blockHeader"},
	}
	for _, tt := range tests {
		if got := camel(tt.in); got != tt.want {
			t.Errorf("camel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
