package abikit

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/abikit/abikit/layout"
	"github.com/abikit/abikit/schema"
)

func buildIR(t *testing.T, defs ...schema.TypeDef) *layout.IR {
	t.Helper()
	ir, err := layout.Build(defs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return ir
}

func u8Prim() *schema.Primitive  { return &schema.Primitive{Prim: schema.U8} }
func u32Prim() *schema.Primitive { return &schema.Primitive{Prim: schema.U32} }

func hashDef() schema.TypeDef {
	return schema.TypeDef{Name: "Hash", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "bytes", Type: &schema.Array{
			Count:   &schema.Literal{Value: 32},
			Element: u8Prim(),
		}},
	}}}
}

func TestDecode_Primitives(t *testing.T) {
	tests := []struct {
		name string
		prim schema.PrimKind
		buf  []byte
		want func(*Value) bool
	}{
		{"u8", schema.U8, []byte{0xab}, func(v *Value) bool { return v.Uint == 0xab }},
		{"u32 little endian", schema.U32, []byte{0x78, 0x56, 0x34, 0x12}, func(v *Value) bool { return v.Uint == 0x12345678 }},
		{"i16 sign extension", schema.I16, []byte{0xfe, 0xff}, func(v *Value) bool { return v.Int == -2 }},
		{"i8 negative", schema.I8, []byte{0x80}, func(v *Value) bool { return v.Int == -128 }},
		{"f64", schema.F64, le64(math.Float64bits(1.5)), func(v *Value) bool { return v.Float == 1.5 }},
		{"f16 raw bits", schema.F16, []byte{0x00, 0x3c}, func(v *Value) bool { return v.Uint == 0x3c00 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ir := buildIR(t, schema.TypeDef{Name: "P", Type: &schema.Primitive{Prim: tt.prim}})
			v, err := NewDecoder(ir).Decode("P", tt.buf)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !tt.want(v) {
				t.Errorf("unexpected value %+v", v)
			}
		})
	}
}

func TestDecode_StructDeclarationOrder(t *testing.T) {
	ir := buildIR(t, schema.TypeDef{Name: "Pair", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "first", Type: u8Prim()},
		{Name: "second", Type: u32Prim()},
	}}})

	buf := []byte{0x01, 0, 0, 0, 0x02, 0x00, 0x00, 0x00}
	v, err := NewDecoder(ir).Decode("Pair", buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(v.Fields) != 2 || v.Fields[0].Name != "first" || v.Fields[1].Name != "second" {
		t.Fatalf("fields out of order: %+v", v.Fields)
	}
	// second sits at offset 4 after alignment padding.
	if second, _ := v.Field("second"); second.Uint != 2 {
		t.Errorf("second = %d, want 2", second.Uint)
	}
}

func TestDecode_LengthFromSibling(t *testing.T) {
	packet := schema.TypeDef{Name: "Packet", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "len", Type: u32Prim()},
		{Name: "payload", Type: &schema.Array{
			Count:   &schema.FieldRef{Path: []string{"len"}},
			Element: u8Prim(),
		}},
	}}}
	ir := buildIR(t, packet)

	buf := append(le32(3), 0xaa, 0xbb, 0xcc)
	v, err := NewDecoder(ir).Decode("Packet", buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	payload, _ := v.Field("payload")
	b, ok := payload.Bytes()
	if !ok || len(b) != 3 || b[0] != 0xaa || b[2] != 0xcc {
		t.Errorf("payload = %x, want aabbcc", b)
	}
}

func TestDecode_BufferTooShortNamesField(t *testing.T) {
	// The length field declares more payload bytes than the buffer holds.
	packet := schema.TypeDef{Name: "Packet", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "len", Type: u32Prim()},
		{Name: "payload", Type: &schema.Array{
			Count:   &schema.FieldRef{Path: []string{"len"}},
			Element: u8Prim(),
		}},
	}}}
	ir := buildIR(t, packet)

	buf := append(le32(10), 0x01, 0x02, 0x03)
	_, err := NewDecoder(ir).Decode("Packet", buf)

	var short *BufferTooShortError
	if !errors.As(err, &short) {
		t.Fatalf("error = %v, want BufferTooShortError", err)
	}
	if !strings.Contains(short.Path, "payload") {
		t.Errorf("path %q does not name the payload field", short.Path)
	}
}

func TestDecode_HostileCountRejectedUpFront(t *testing.T) {
	// The count is bounded against the buffer before any element value is
	// materialized, so a length field near 2^32 fails immediately instead
	// of allocating per element.
	packet := schema.TypeDef{Name: "Packet", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "len", Type: u32Prim()},
		{Name: "payload", Type: &schema.Array{
			Count:   &schema.FieldRef{Path: []string{"len"}},
			Element: u8Prim(),
		}},
	}}}
	ir := buildIR(t, packet)

	buf := append(le32(0xFFFFFFFF), 0x01)
	_, err := NewDecoder(ir).Decode("Packet", buf)

	var short *BufferTooShortError
	if !errors.As(err, &short) {
		t.Fatalf("error = %v, want BufferTooShortError", err)
	}
	if short.Requested != 0xFFFFFFFF {
		t.Errorf("requested = %d, want the declared byte total", short.Requested)
	}
}

func TestDecode_CountByteTotalCannotWrap(t *testing.T) {
	// count * elemSize overflowing uint64 must fail, not wrap to a small
	// total that slips past the bounds check.
	packet := schema.TypeDef{Name: "Wide", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "len", Type: &schema.Primitive{Prim: schema.U64}},
		{Name: "data", Type: &schema.Array{
			Count:   &schema.FieldRef{Path: []string{"len"}},
			Element: &schema.Primitive{Prim: schema.U64},
		}},
	}}}
	ir := buildIR(t, packet)

	// 2^61 elements of 8 bytes wraps the product to zero.
	buf := append(le64(1<<61), make([]byte, 16)...)
	_, err := NewDecoder(ir).Decode("Wide", buf)

	var short *BufferTooShortError
	if !errors.As(err, &short) {
		t.Fatalf("error = %v, want BufferTooShortError", err)
	}
}

func TestDecode_EnumTagFromParent(t *testing.T) {
	msg := schema.TypeDef{Name: "Message", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "kind", Type: u8Prim()},
		{Name: "body", Type: &schema.Enum{
			TagRef: &schema.FieldRef{Path: []string{"..", "kind"}},
			Variants: []schema.EnumVariant{
				{Name: "ping", Tag: 0, Type: u32Prim()},
				{Name: "pong", Tag: 1, Type: &schema.Primitive{Prim: schema.U64}},
			},
		}},
	}}}
	ir := buildIR(t, msg)

	buf := make([]byte, 16)
	buf[0] = 1 // kind selects pong; body is aligned to offset 8
	binary.LittleEndian.PutUint64(buf[8:], 42)

	v, err := NewDecoder(ir).Decode("Message", buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	body, _ := v.Field("body")
	if body.Variant != "pong" || body.Tag != 1 {
		t.Fatalf("variant = %s tag = %d, want pong 1", body.Variant, body.Tag)
	}
	if body.Inner.Uint != 42 {
		t.Errorf("body value = %d, want 42", body.Inner.Uint)
	}

	buf[0] = 9
	_, err = NewDecoder(ir).Decode("Message", buf)
	var unknown *UnknownDiscriminantError
	if !errors.As(err, &unknown) || unknown.Value != 9 {
		t.Errorf("error = %v, want UnknownDiscriminantError with value 9", err)
	}
}

func TestDecode_SizeUnionExactMatch(t *testing.T) {
	su := schema.TypeDef{Name: "Key", Type: &schema.SizeUnion{Variants: []schema.SizeVariant{
		{Name: "short", ExpectedSize: 4, Type: u32Prim()},
		{Name: "long", ExpectedSize: 8, Type: &schema.Primitive{Prim: schema.U64}},
	}}}
	ir := buildIR(t, su)

	v, err := NewDecoder(ir).Decode("Key", le64(7))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.Variant != "long" || v.Inner.Uint != 7 {
		t.Errorf("variant = %s value = %d, want long 7", v.Variant, v.Inner.Uint)
	}

	_, err = NewDecoder(ir).Decode("Key", []byte{1, 2, 3, 4, 5})
	var unknown *UnknownDiscriminantError
	if !errors.As(err, &unknown) || unknown.Value != 5 {
		t.Errorf("error = %v, want UnknownDiscriminantError with value 5", err)
	}
}

func TestDecode_TypeRef(t *testing.T) {
	inner := schema.TypeDef{Name: "Inner", Type: u32Prim()}
	outer := schema.TypeDef{Name: "Outer", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "v", Type: &schema.TypeRef{Name: "Inner"}},
	}}}
	ir := buildIR(t, inner, outer)

	v, err := NewDecoder(ir).Decode("Outer", le32(5))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	f, _ := v.Field("v")
	if f.Kind != schema.KindTypeRef || f.TypeName != "Inner" || f.Inner.Uint != 5 {
		t.Errorf("unexpected typeref value %+v", f)
	}
}

func TestDecode_PackedStruct(t *testing.T) {
	s := &schema.Struct{Fields: []schema.StructField{
		{Name: "a", Type: u8Prim()},
		{Name: "b", Type: u32Prim()},
	}}
	s.Attributes = schema.ContainerAttributes{Packed: true}
	ir := buildIR(t, schema.TypeDef{Name: "P", Type: s})

	buf := []byte{0x01, 0x02, 0x00, 0x00, 0x00}
	v, err := NewDecoder(ir).Decode("P", buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b, _ := v.Field("b"); b.Uint != 2 {
		t.Errorf("b = %d, want 2 (no padding between packed fields)", b.Uint)
	}
}

func TestDecode_IsDeterministic(t *testing.T) {
	ir := buildIR(t, hashDef())
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = byte(i)
	}

	first, err := NewDecoder(ir).Decode("Hash", buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	firstJSON, err := first.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := NewDecoder(ir).Decode("Hash", buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		againJSON, err := again.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON: %v", err)
		}
		if string(firstJSON) != string(againJSON) {
			t.Fatal("repeated parses are not byte-identical")
		}
	}
}

func TestValue_MarshalJSON(t *testing.T) {
	ir := buildIR(t, schema.TypeDef{Name: "Pair", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "x", Type: u8Prim()},
		{Name: "y", Type: u8Prim()},
	}}})
	v, err := NewDecoder(ir).Decode("Pair", []byte{1, 2})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := v.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	want := `{"x":{"type":"u8","value":1},"y":{"type":"u8","value":2}}`
	if string(got) != want {
		t.Errorf("json = %s, want %s", got, want)
	}
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
