package layout

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-multierror"

	"github.com/abikit/abikit/schema"
)

func prim(p schema.PrimKind) *schema.Primitive { return &schema.Primitive{Prim: p} }

func ref(name string) *schema.TypeRef { return &schema.TypeRef{Name: name} }

func lit(v uint64) schema.Expr { return &schema.Literal{Value: v} }

func mustBuild(t *testing.T, defs ...schema.TypeDef) *IR {
	t.Helper()
	ir, err := Build(defs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return ir
}

func mustLookup(t *testing.T, ir *IR, name string) *Layout {
	t.Helper()
	l, ok := ir.Lookup(name)
	if !ok {
		t.Fatalf("type %q missing from IR", name)
	}
	return l
}

func buildErr(t *testing.T, defs ...schema.TypeDef) *SchemaError {
	t.Helper()
	_, err := Build(defs)
	if err == nil {
		t.Fatal("Build succeeded, want error")
	}
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("error %v is not a SchemaError", err)
	}
	return se
}

func TestBuild_StructOffsets(t *testing.T) {
	tests := []struct {
		name    string
		fields  []schema.StructField
		attrs   schema.ContainerAttributes
		offsets []uint64
		size    uint64
		align   uint64
	}{
		{
			name: "natural padding",
			fields: []schema.StructField{
				{Name: "a", Type: prim(schema.U8)},
				{Name: "b", Type: prim(schema.U32)},
				{Name: "c", Type: prim(schema.U16)},
			},
			offsets: []uint64{0, 4, 8},
			size:    12, // trailing padding keeps size a multiple of alignment
			align:   4,
		},
		{
			name: "packed removes padding",
			fields: []schema.StructField{
				{Name: "a", Type: prim(schema.U8)},
				{Name: "b", Type: prim(schema.U64)},
			},
			attrs:   schema.ContainerAttributes{Packed: true},
			offsets: []uint64{0, 1},
			size:    9,
			align:   1,
		},
		{
			name: "aligned raises alignment and size",
			fields: []schema.StructField{
				{Name: "a", Type: prim(schema.U16)},
			},
			attrs:   schema.ContainerAttributes{Aligned: 8},
			offsets: []uint64{0},
			size:    8,
			align:   8,
		},
		{
			name:  "empty struct",
			size:  0,
			align: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &schema.Struct{Fields: tt.fields}
			s.Attributes = tt.attrs
			ir := mustBuild(t, schema.TypeDef{Name: "T", Type: s})
			l := mustLookup(t, ir, "T")

			if !l.Size.IsConst() || l.Size.Bytes != tt.size {
				t.Errorf("size = %s, want %d", l.Size, tt.size)
			}
			if l.Alignment != tt.align {
				t.Errorf("alignment = %d, want %d", l.Alignment, tt.align)
			}
			if l.Size.Bytes%l.Alignment != 0 {
				t.Errorf("size %d is not a multiple of alignment %d", l.Size.Bytes, l.Alignment)
			}
			for i, want := range tt.offsets {
				f := l.Fields[i]
				if !f.OffsetKnown || f.Offset != want {
					t.Errorf("field %q offset = %d (known=%v), want %d", f.Name, f.Offset, f.OffsetKnown, want)
				}
			}
		})
	}
}

func TestBuild_VariableFieldStopsOffsets(t *testing.T) {
	// A jagged array has no static size; offsets after it are unknown.
	s := &schema.Struct{Fields: []schema.StructField{
		{Name: "len", Type: prim(schema.U32)},
		{Name: "items", Type: &schema.Array{
			Count:   &schema.FieldRef{Path: []string{"len"}},
			Element: prim(schema.U8),
			Jagged:  true,
		}},
		{Name: "crc", Type: prim(schema.U32)},
	}}
	ir := mustBuild(t, schema.TypeDef{Name: "Packet", Type: s})
	l := mustLookup(t, ir, "Packet")

	if l.Size.IsConst() {
		t.Fatalf("size = %s, want variable", l.Size)
	}
	if f, _ := l.FieldByName("items"); !f.OffsetKnown || f.Offset != 4 {
		t.Errorf("items offset = %d (known=%v), want 4", f.Offset, f.OffsetKnown)
	}
	if f, _ := l.FieldByName("crc"); f.OffsetKnown {
		t.Error("crc offset is marked known after a variable-size field")
	}
}

func TestBuild_ConstArraySize(t *testing.T) {
	a := &schema.Array{Count: lit(16), Element: prim(schema.U32)}
	ir := mustBuild(t, schema.TypeDef{Name: "Block", Type: a})
	l := mustLookup(t, ir, "Block")

	if !l.Size.IsConst() || l.Size.Bytes != 64 {
		t.Errorf("size = %s, want 64", l.Size)
	}
	if l.Alignment != 4 {
		t.Errorf("alignment = %d, want 4", l.Alignment)
	}
}

func TestBuild_UnionMaxSize(t *testing.T) {
	u := &schema.Union{Variants: []schema.UnionVariant{
		{Name: "small", Type: prim(schema.U16)},
		{Name: "big", Type: prim(schema.U64)},
	}}
	ir := mustBuild(t, schema.TypeDef{Name: "Either", Type: u})
	l := mustLookup(t, ir, "Either")

	if !l.Size.IsConst() || l.Size.Bytes != 8 {
		t.Errorf("size = %s, want 8", l.Size)
	}
	if l.Alignment != 8 {
		t.Errorf("alignment = %d, want 8", l.Alignment)
	}
}

func TestBuild_EnumSizes(t *testing.T) {
	tag := &schema.FieldRef{Path: []string{"..", "kind"}}

	uniform := &schema.Enum{TagRef: tag, Variants: []schema.EnumVariant{
		{Name: "a", Tag: 0, Type: prim(schema.U32)},
		{Name: "b", Tag: 1, Type: prim(schema.F32)},
	}}
	ir := mustBuild(t, schema.TypeDef{Name: "E", Type: uniform})
	if l := mustLookup(t, ir, "E"); !l.Size.IsConst() || l.Size.Bytes != 4 {
		t.Errorf("uniform enum size = %s, want 4", l.Size)
	}

	mixed := &schema.Enum{TagRef: tag, Variants: []schema.EnumVariant{
		{Name: "a", Tag: 0, Type: prim(schema.U8)},
		{Name: "b", Tag: 1, Type: prim(schema.U64)},
	}}
	ir = mustBuild(t, schema.TypeDef{Name: "E", Type: mixed})
	if l := mustLookup(t, ir, "E"); l.Size.IsConst() {
		t.Errorf("mixed enum size = %s, want variable", l.Size)
	}
}

func TestBuild_DuplicateDiscriminant(t *testing.T) {
	tag := &schema.FieldRef{Path: []string{"..", "kind"}}
	e := &schema.Enum{TagRef: tag, Variants: []schema.EnumVariant{
		{Name: "first", Tag: 7, Type: prim(schema.U8)},
		{Name: "second", Tag: 7, Type: prim(schema.U16)},
	}}

	se := buildErr(t, schema.TypeDef{Name: "E", Type: e})
	if se.Code != CodeDuplicateDiscriminant {
		t.Errorf("code = %s, want %s", se.Code, CodeDuplicateDiscriminant)
	}
}

func TestBuild_DuplicateSizeDiscriminant(t *testing.T) {
	su := &schema.SizeUnion{Variants: []schema.SizeVariant{
		{Name: "v1", ExpectedSize: 32, Type: &schema.Array{Count: lit(32), Element: prim(schema.U8)}},
		{Name: "v2", ExpectedSize: 32, Type: &schema.Array{Count: lit(8), Element: prim(schema.U32)}},
	}}

	se := buildErr(t, schema.TypeDef{Name: "SU", Type: su})
	if se.Code != CodeDuplicateDiscriminant {
		t.Errorf("code = %s, want %s", se.Code, CodeDuplicateDiscriminant)
	}
}

func TestBuild_DuplicateTypeName(t *testing.T) {
	se := buildErr(t,
		schema.TypeDef{Name: "T", Type: prim(schema.U8)},
		schema.TypeDef{Name: "T", Type: prim(schema.U16)},
	)
	if se.Code != CodeDuplicateType {
		t.Errorf("code = %s, want %s", se.Code, CodeDuplicateType)
	}
}

func TestBuild_AlignmentMustBePowerOfTwo(t *testing.T) {
	s := &schema.Struct{}
	s.Attributes = schema.ContainerAttributes{Aligned: 3}
	se := buildErr(t, schema.TypeDef{Name: "T", Type: s})
	if se.Code != CodeAlignmentConflict {
		t.Errorf("code = %s, want %s", se.Code, CodeAlignmentConflict)
	}
}

func TestBuild_AlignmentBelowNatural(t *testing.T) {
	s := &schema.Struct{Fields: []schema.StructField{
		{Name: "x", Type: prim(schema.U64)},
	}}
	s.Attributes = schema.ContainerAttributes{Aligned: 2}
	se := buildErr(t, schema.TypeDef{Name: "T", Type: s})
	if se.Code != CodeAlignmentConflict {
		t.Errorf("code = %s, want %s", se.Code, CodeAlignmentConflict)
	}
}

func TestBuild_UnresolvedReference(t *testing.T) {
	s := &schema.Struct{Fields: []schema.StructField{
		{Name: "x", Type: ref("Missing")},
	}}
	se := buildErr(t, schema.TypeDef{Name: "T", Type: s})
	if se.Code != CodeUnresolvedReference {
		t.Errorf("code = %s, want %s", se.Code, CodeUnresolvedReference)
	}
}

func TestBuild_UnboundedRecursionRejected(t *testing.T) {
	// A struct that embeds itself through a plain field can never have a
	// finite layout.
	node := &schema.Struct{Fields: []schema.StructField{
		{Name: "next", Type: ref("Node")},
	}}
	se := buildErr(t, schema.TypeDef{Name: "Node", Type: node})
	if se.Code != CodeUnboundedRecursion {
		t.Errorf("code = %s, want %s", se.Code, CodeUnboundedRecursion)
	}
}

func TestBuild_BoundedRecursionAllowed(t *testing.T) {
	// Self-reference through an enum variant is bounded: the discriminant
	// decides at runtime whether the nested instance is present.
	tree := &schema.Struct{Fields: []schema.StructField{
		{Name: "kind", Type: prim(schema.U8)},
		{Name: "child", Type: &schema.Enum{
			TagRef: &schema.FieldRef{Path: []string{"..", "kind"}},
			Variants: []schema.EnumVariant{
				{Name: "leaf", Tag: 0, Type: &schema.Struct{}},
				{Name: "node", Tag: 1, Type: ref("Tree")},
			},
		}},
	}}

	ir := mustBuild(t, schema.TypeDef{Name: "Tree", Type: tree})
	l := mustLookup(t, ir, "Tree")
	if l.Size.IsConst() {
		t.Errorf("size = %s, want variable", l.Size)
	}
}

func TestBuild_DependencyOrder(t *testing.T) {
	inner := &schema.Struct{Fields: []schema.StructField{
		{Name: "v", Type: prim(schema.U32)},
	}}
	outer := &schema.Struct{Fields: []schema.StructField{
		{Name: "in", Type: ref("Inner")},
	}}

	ir := mustBuild(t,
		schema.TypeDef{Name: "Outer", Type: outer},
		schema.TypeDef{Name: "Inner", Type: inner},
	)

	names := ir.Names()
	if len(names) != 2 || names[0] != "Inner" || names[1] != "Outer" {
		t.Errorf("order = %v, want [Inner Outer]", names)
	}
}

func TestBuild_ReportsAllErrors(t *testing.T) {
	bad1 := &schema.Struct{Fields: []schema.StructField{{Name: "x", Type: ref("Nope")}}}
	bad2 := &schema.Struct{}
	bad2.Attributes = schema.ContainerAttributes{Aligned: 5}

	_, err := Build([]schema.TypeDef{
		{Name: "A", Type: bad1},
		{Name: "B", Type: bad2},
	})
	if err == nil {
		t.Fatal("Build succeeded, want two errors")
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("error %v is not aggregated", err)
	}
	for _, code := range []ErrorCode{CodeUnresolvedReference, CodeAlignmentConflict} {
		found := false
		for _, sub := range merr.Errors {
			var se *SchemaError
			if errors.As(sub, &se) && se.Code == code {
				found = true
			}
		}
		if !found {
			t.Errorf("aggregated error is missing code %s: %v", code, err)
		}
	}
}

func TestFootprint(t *testing.T) {
	fixed := &schema.Struct{Fields: []schema.StructField{
		{Name: "a", Type: prim(schema.U32)},
		{Name: "b", Type: prim(schema.U64)},
	}}
	varLen := &schema.Struct{Fields: []schema.StructField{
		{Name: "len", Type: prim(schema.U32)},
		{Name: "data", Type: &schema.Array{
			Count:   &schema.FieldRef{Path: []string{"len"}},
			Element: prim(schema.U8),
		}},
	}}
	ir := mustBuild(t,
		schema.TypeDef{Name: "Fixed", Type: fixed},
		schema.TypeDef{Name: "VarLen", Type: varLen},
	)

	n, err := ir.Footprint("Fixed", nil)
	if err != nil {
		t.Fatalf("Footprint(Fixed): %v", err)
	}
	if want := mustLookup(t, ir, "Fixed").Size.Bytes; n != want {
		t.Errorf("fixed footprint = %d, want size %d", n, want)
	}

	_, err = ir.Footprint("VarLen", nil)
	var se *SchemaError
	if !errors.As(err, &se) || se.Code != CodeVariableFootprint {
		t.Errorf("Footprint(VarLen, nil) = %v, want %s", err, CodeVariableFootprint)
	}

	n, err = ir.Footprint("VarLen", envFunc(func(path []string) (uint64, error) {
		if len(path) == 1 && path[0] == "len" {
			return 10, nil
		}
		return 0, &schema.UnresolvedReferenceError{Ref: path[0]}
	}))
	if err != nil {
		t.Fatalf("Footprint(VarLen, env): %v", err)
	}
	// 4-byte length field plus ten one-byte elements.
	if n != 14 {
		t.Errorf("variable footprint = %d, want 14", n)
	}
}

func TestBuild_RuntimeArrayOfZeroSizeElements(t *testing.T) {
	// A buffer-supplied count over elements that consume nothing would let
	// a four-byte buffer demand billions of elements.
	se := buildErr(t, schema.TypeDef{Name: "Bomb", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "n", Type: prim(schema.U32)},
		{Name: "items", Type: &schema.Array{
			Count:   &schema.FieldRef{Path: []string{"n"}},
			Element: &schema.Struct{},
		}},
	}}})
	if se.Code != CodeInvalidSizeExpr {
		t.Errorf("code = %s, want %s", se.Code, CodeInvalidSizeExpr)
	}

	// A constant count keeps the element total schema-controlled and stays
	// legal.
	ir := mustBuild(t, schema.TypeDef{Name: "Padding", Type: &schema.Array{
		Count:   lit(4),
		Element: &schema.Struct{},
	}})
	if l := mustLookup(t, ir, "Padding"); !l.Size.IsConst() || l.Size.Bytes != 0 {
		t.Errorf("size = %v, want const 0", l.Size)
	}
}

func TestFootprint_ArrayProductOverflowRejected(t *testing.T) {
	varLen := &schema.Struct{Fields: []schema.StructField{
		{Name: "len", Type: prim(schema.U64)},
		{Name: "data", Type: &schema.Array{
			Count:   &schema.FieldRef{Path: []string{"len"}},
			Element: prim(schema.U64),
		}},
	}}
	ir := mustBuild(t, schema.TypeDef{Name: "VarLen", Type: varLen})

	// count * 8 wraps uint64; the footprint must fail rather than report a
	// tiny total.
	_, err := ir.Footprint("VarLen", envFunc(func(path []string) (uint64, error) {
		return 1 << 61, nil
	}))
	var se *SchemaError
	if !errors.As(err, &se) || se.Code != CodeInvalidSizeExpr {
		t.Errorf("Footprint = %v, want %s", err, CodeInvalidSizeExpr)
	}
}

func TestMetaEnv(t *testing.T) {
	ir := mustBuild(t, schema.TypeDef{Name: "P", Type: prim(schema.U64)})
	env := ir.MetaEnv()

	got, err := schema.Eval(&schema.Sizeof{TypeName: "P"}, env)
	if err != nil {
		t.Fatalf("Eval(sizeof): %v", err)
	}
	if n, _ := got.AsUint(schema.OpSizeof); n != 8 {
		t.Errorf("sizeof(P) = %d, want 8", n)
	}

	_, err = schema.Eval(&schema.FieldRef{Path: []string{"x"}}, env)
	var unres *schema.UnresolvedReferenceError
	if !errors.As(err, &unres) {
		t.Errorf("field reference in meta env = %v, want UnresolvedReferenceError", err)
	}
}

// envFunc adapts a field lookup function into a full Env.
type envFunc func(path []string) (uint64, error)

func (f envFunc) FieldValue(path []string) (uint64, error) { return f(path) }
func (f envFunc) TypeSize(name string) (uint64, error) {
	return 0, &schema.UnresolvedReferenceError{Ref: name}
}
func (f envFunc) TypeAlign(name string) (uint64, error) {
	return 0, &schema.UnresolvedReferenceError{Ref: name}
}
