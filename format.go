package abikit

import (
	"bytes"
	"encoding/json"

	"github.com/abikit/abikit/schema"
)

// Formatter renders value trees as JSON, applying well-known enrichment.
// Enrichment is a presentation concern: the Value itself is never modified,
// and a handler that cannot process its input leaves the output untouched.
type Formatter struct {
	Registry *Registry
}

// Format renders the value. Struct values parsed under a schema name are
// offered to the registry; an enriching handler's keys are appended after the
// raw fields, a replacing handler's output stands in for the whole value.
func (f *Formatter) Format(v *Value) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := f.write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Formatter) write(buf *bytes.Buffer, v *Value) error {
	switch v.Kind {
	case schema.KindStruct:
		return f.writeStruct(buf, v, v.TypeName)

	case schema.KindArray:
		buf.WriteByte('[')
		for i, e := range v.Elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := f.write(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case schema.KindEnum:
		buf.WriteString(`{"variant":`)
		writeJSONString(buf, v.Variant)
		buf.WriteString(`,"tag":`)
		if err := writeJSONValue(buf, v.Tag); err != nil {
			return err
		}
		buf.WriteString(`,"value":`)
		if err := f.write(buf, v.Inner); err != nil {
			return err
		}
		buf.WriteByte('}')
		return nil

	case schema.KindUnion, schema.KindSizeUnion:
		buf.WriteString(`{"variant":`)
		writeJSONString(buf, v.Variant)
		buf.WriteString(`,"value":`)
		if err := f.write(buf, v.Inner); err != nil {
			return err
		}
		buf.WriteByte('}')
		return nil

	case schema.KindTypeRef:
		inner := v.Inner
		for inner.Kind == schema.KindTypeRef {
			inner = inner.Inner
		}
		if inner.Kind == schema.KindStruct {
			return f.writeStruct(buf, inner, v.TypeName)
		}
		return f.write(buf, inner)

	default:
		return v.writeJSON(buf)
	}
}

func (f *Formatter) writeStruct(buf *bytes.Buffer, v *Value, typeName string) error {
	outcome := Decline()
	if typeName != "" {
		outcome = f.Registry.Apply(&Context{TypeName: typeName, Value: v, Fields: v.Fields})
	}

	if outcome.kind == outcomeReplace {
		buf.Write(outcome.replacement)
		return nil
	}

	buf.WriteByte('{')
	for i, fv := range v.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, fv.Name)
		buf.WriteByte(':')
		if err := f.write(buf, fv.Value); err != nil {
			return err
		}
	}
	if outcome.kind == outcomeEnrich {
		needComma := len(v.Fields) > 0
		for _, extra := range outcome.extras {
			if needComma {
				buf.WriteByte(',')
			}
			needComma = true
			writeJSONString(buf, extra.Key)
			buf.WriteByte(':')
			if err := writeJSONValue(buf, extra.Value); err != nil {
				return err
			}
		}
	}
	buf.WriteByte('}')
	return nil
}
