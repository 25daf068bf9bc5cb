// Package abikit parses raw byte buffers against a layout IR into generic
// value trees, with optional enrichment of well-known type shapes for
// presentation. No generated code is involved; the decoder makes the same
// layout decisions as the code generators it accompanies.
package abikit

import (
	"bytes"
	"encoding/json"

	"github.com/abikit/abikit/schema"
)

// Value is a parsed value mirroring the schema shape. It is a tagged struct
// rather than an interface so callers can traverse it without type switches.
type Value struct {
	Kind schema.Kind

	// TypeName is the schema name this value was parsed as, when it came
	// through a named definition or a type reference.
	TypeName string

	// Prim and one of Uint, Int, Float are set for KindPrimitive. F16 is
	// carried as its raw bits in Uint.
	Prim  schema.PrimKind
	Uint  uint64
	Int   int64
	Float float64

	// Fields is set for KindStruct, in declaration order.
	Fields []FieldValue

	// Variant and Inner are set for KindUnion, KindEnum, and
	// KindSizeUnion; Tag additionally for KindEnum.
	Variant string
	Tag     uint64
	Inner   *Value

	// Elems is set for KindArray.
	Elems []*Value
}

// FieldValue is one named struct member.
type FieldValue struct {
	Name  string
	Value *Value
}

// Field returns the named struct member.
func (v *Value) Field(name string) (*Value, bool) {
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// UintValue returns the value widened to uint64 for integer primitives.
// Signed values are reinterpreted as their unsigned bit pattern.
func (v *Value) UintValue() (uint64, bool) {
	if v.Kind != schema.KindPrimitive || v.Prim.Float() {
		return 0, false
	}
	if v.Prim.Signed() {
		return uint64(v.Int), true
	}
	return v.Uint, true
}

// IntValue returns the value widened to int64 for integer primitives.
func (v *Value) IntValue() (int64, bool) {
	if v.Kind != schema.KindPrimitive || v.Prim.Float() {
		return 0, false
	}
	if v.Prim.Signed() {
		return v.Int, true
	}
	return int64(v.Uint), true
}

// FloatValue returns the value for f32/f64 primitives.
func (v *Value) FloatValue() (float64, bool) {
	if v.Kind != schema.KindPrimitive || !v.Prim.Float() || v.Prim == schema.F16 {
		return 0, false
	}
	return v.Float, true
}

// Bytes returns the contents of a u8 array.
func (v *Value) Bytes() ([]byte, bool) {
	if v.Kind != schema.KindArray {
		return nil, false
	}
	out := make([]byte, len(v.Elems))
	for i, e := range v.Elems {
		if e.Kind != schema.KindPrimitive || e.Prim != schema.U8 {
			return nil, false
		}
		out[i] = byte(e.Uint)
	}
	return out, true
}

// MarshalJSON renders the raw parsed value without enrichment. Struct fields
// are emitted in declaration order; primitives carry their type name
// alongside the value.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) writeJSON(buf *bytes.Buffer) error {
	switch v.Kind {
	case schema.KindPrimitive:
		buf.WriteString(`{"type":`)
		writeJSONString(buf, v.Prim.String())
		buf.WriteString(`,"value":`)
		if err := writeJSONValue(buf, v.primValue()); err != nil {
			return err
		}
		buf.WriteByte('}')

	case schema.KindStruct:
		buf.WriteByte('{')
		for i, f := range v.Fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, f.Name)
			buf.WriteByte(':')
			if err := f.Value.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	case schema.KindArray:
		buf.WriteByte('[')
		for i, e := range v.Elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	case schema.KindEnum:
		buf.WriteString(`{"variant":`)
		writeJSONString(buf, v.Variant)
		buf.WriteString(`,"tag":`)
		if err := writeJSONValue(buf, v.Tag); err != nil {
			return err
		}
		buf.WriteString(`,"value":`)
		if err := v.Inner.writeJSON(buf); err != nil {
			return err
		}
		buf.WriteByte('}')

	case schema.KindUnion, schema.KindSizeUnion:
		buf.WriteString(`{"variant":`)
		writeJSONString(buf, v.Variant)
		buf.WriteString(`,"value":`)
		if err := v.Inner.writeJSON(buf); err != nil {
			return err
		}
		buf.WriteByte('}')

	case schema.KindTypeRef:
		buf.WriteString(`{"type":`)
		writeJSONString(buf, v.TypeName)
		buf.WriteString(`,"value":`)
		if err := v.Inner.writeJSON(buf); err != nil {
			return err
		}
		buf.WriteByte('}')
	}
	return nil
}

func (v *Value) primValue() any {
	switch {
	case v.Prim == schema.F16:
		return v.Uint
	case v.Prim.Float():
		return v.Float
	case v.Prim.Signed():
		return v.Int
	default:
		return v.Uint
	}
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
