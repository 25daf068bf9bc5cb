package cgen

import (
	"strings"
	"testing"

	"github.com/abikit/abikit/abigen"
	"github.com/abikit/abikit/layout"
	"github.com/abikit/abikit/schema"
)

func emit(t *testing.T, defs ...schema.TypeDef) (header, impl string) {
	t.Helper()
	ir, err := layout.Build(defs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	files, err := (&Emitter{}).Emit(&abigen.Unit{Package: "test", IR: ir})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(files) != 2 || files[0].Path != "c/types.h" || files[1].Path != "c/functions.c" {
		t.Fatalf("unexpected files: %+v", files)
	}
	return string(files[0].Content), string(files[1].Content)
}

func wantContains(t *testing.T, src, label string, wants ...string) {
	t.Helper()
	for _, w := range wants {
		if !strings.Contains(src, w) {
			t.Errorf("%s is missing %q", label, w)
		}
	}
}

func prim(p schema.PrimKind) *schema.Primitive { return &schema.Primitive{Prim: p} }

func fref(path ...string) schema.Expr { return &schema.FieldRef{Path: path} }

func TestEmit_ConstStruct(t *testing.T) {
	header, impl := emit(t, schema.TypeDef{Name: "Point", Type: &schema.Struct{
		Fields: []schema.StructField{
			{Name: "x", Type: prim(schema.I32)},
			{Name: "y", Type: prim(schema.I32)},
		},
	}})

	wantContains(t, header, "types.h",
		"#define Point_SIZE 8UL",
		"#define Point_ALIGN 4UL",
		"typedef struct { uint8_t const * buf; uint64_t len; } Point_view_t;",
		"int32_t x;",
		"int32_t y;",
		"} Point_t;",
		"int Point_get_x(uint8_t const * buf, uint64_t len, int32_t * out);",
		"int Point_set_y(uint8_t * buf, uint64_t len, int32_t v);",
	)
	wantContains(t, impl, "functions.c",
		"uint64_t Point_size(void) {\n  return 8UL;\n}",
		"memset(buf, 0, Point_SIZE);",
		"return Point_SIZE;",
		"*out = (int32_t)abi_load(buf + 4UL, 4UL);",
		"abi_store(buf + 4UL, 4UL, (uint64_t)v);",
	)
}

// Generated C must read and write wire bytes explicitly so it behaves the
// same on big-endian hosts.
func TestEmit_EndianIndependentHelpers(t *testing.T) {
	_, impl := emit(t, schema.TypeDef{Name: "Sample", Type: &schema.Struct{
		Fields: []schema.StructField{
			{Name: "n", Type: prim(schema.U32)},
			{Name: "ratio", Type: prim(schema.F64)},
		},
	}})

	wantContains(t, impl, "functions.c",
		"v = (v << 8) | (uint64_t)p[i];",
		"p[i] = (uint8_t)(v >> (8 * i));",
		"uint64_t raw = abi_load(buf + 8UL, 8UL);",
		"memcpy(out, &raw, 8UL);",
		"memcpy(&raw, &v, 8UL);",
		"abi_store(buf + 8UL, 8UL, raw);",
	)
	if strings.Contains(impl, "memcpy(out, buf") {
		t.Error("accessor copies host-order bytes straight from the buffer")
	}
	if strings.Contains(impl, "memcpy(&v, p,") {
		t.Error("abi_load copies host-order bytes")
	}
}

func TestEmit_PackedStruct(t *testing.T) {
	s := &schema.Struct{Fields: []schema.StructField{
		{Name: "a", Type: prim(schema.U8)},
		{Name: "b", Type: prim(schema.U64)},
	}}
	s.Attributes = schema.ContainerAttributes{Packed: true}
	header, _ := emit(t, schema.TypeDef{Name: "Tight", Type: s})

	wantContains(t, header, "types.h",
		"__attribute__((packed))",
		"#define Tight_SIZE 9UL",
	)
}

func TestEmit_VariableStructFootprint(t *testing.T) {
	header, impl := emit(t, schema.TypeDef{Name: "Header", Type: &schema.Struct{
		Fields: []schema.StructField{
			{Name: "magic", Type: prim(schema.U32)},
			{Name: "count", Type: prim(schema.U32)},
			{Name: "data", Type: &schema.Array{Count: fref("count"), Element: prim(schema.U8)}},
		},
	}})

	// Variable types get only an opaque declaration.
	wantContains(t, header, "types.h", "typedef struct Header Header_t;")
	if strings.Contains(header, "Header_SIZE") {
		t.Error("variable type has a SIZE macro")
	}

	wantContains(t, impl, "functions.c",
		"uint64_t Header_footprint(uint8_t const * buf, uint64_t len) {",
		"if (len < 8UL) return ABI_FOOTPRINT_ERR;",
		"uint64_t count = abi_load(buf + 4UL, 4UL);",
		"off += 8UL;",
		"if (off > len || (count) > (len - off) / 1UL) return ABI_FOOTPRINT_ERR;",
		"off += (count) * 1UL;",
		"off = abi_align_up(off, 4UL);",
		"if (off > len) return ABI_FOOTPRINT_ERR;",
	)
	// The fixed prefix is still addressable.
	wantContains(t, impl, "functions.c", "uint64_t Header_size(void) {\n  return 8UL;\n}")
}

func TestEmit_EnumFootprintSwitch(t *testing.T) {
	_, impl := emit(t, schema.TypeDef{Name: "Message", Type: &schema.Struct{
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

	wantContains(t, impl, "functions.c",
		"uint64_t kind = abi_load(buf + 0UL, 1UL);",
		"switch (kind) {",
		"case 0UL: off += 4UL; break;",
		"case 1UL: off += 8UL; break;",
		"default: return ABI_FOOTPRINT_ERR;",
	)
}

func TestEmit_ConstEnumTagValidated(t *testing.T) {
	_, impl := emit(t, schema.TypeDef{Name: "Choice", Type: &schema.Struct{
		Fields: []schema.StructField{
			{Name: "kind", Type: prim(schema.U8)},
			{Name: "body", Type: &schema.Enum{
				TagRef: fref("..", "kind"),
				Variants: []schema.EnumVariant{
					{Name: "a", Tag: 0, Type: prim(schema.U32)},
					{Name: "b", Tag: 1, Type: prim(schema.U32)},
				},
			}},
		},
	}})

	wantContains(t, impl, "functions.c",
		"int Choice_validate(uint8_t const * buf, uint64_t len) {",
		"if (len < Choice_SIZE) return -1;",
		"case 0UL:",
		"case 1UL:",
		"default:\n    return -1;",
	)
}

func TestEmit_SizeUnionValidate(t *testing.T) {
	_, impl := emit(t, schema.TypeDef{Name: "Packet", Type: &schema.SizeUnion{
		Variants: []schema.SizeVariant{
			{Name: "short", ExpectedSize: 4, Type: prim(schema.U32)},
			{Name: "long", ExpectedSize: 8, Type: prim(schema.U64)},
		},
	}})

	wantContains(t, impl, "functions.c",
		"int Packet_validate(uint8_t const * buf, uint64_t len) {",
		"case 4UL:",
		"case 8UL:",
		"return 0;",
		"uint64_t Packet_footprint(uint8_t const * buf, uint64_t len) {\n  (void)buf;\n  return len;\n}",
	)
}

func TestEmit_ConstByteArrayMember(t *testing.T) {
	header, impl := emit(t, schema.TypeDef{Name: "Record", Type: &schema.Struct{
		Fields: []schema.StructField{
			{Name: "id", Type: &schema.Array{Count: &schema.Literal{Value: 16}, Element: prim(schema.U8)}},
			{Name: "score", Type: prim(schema.U32)},
		},
	}})

	wantContains(t, header, "types.h",
		"uint8_t id[16];",
		"uint8_t const * Record_get_id(uint8_t const * buf, uint64_t len);",
	)
	wantContains(t, impl, "functions.c",
		"return buf + 0UL;",
	)
}
