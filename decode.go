package abikit

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/abikit/abikit/layout"
	"github.com/abikit/abikit/schema"
)

// Decoder parses byte buffers against a layout IR. A Decoder is read-only
// and safe for concurrent use; independent parses share no state.
type Decoder struct {
	ir *layout.IR
}

// NewDecoder returns a Decoder over the given IR.
func NewDecoder(ir *layout.IR) *Decoder {
	return &Decoder{ir: ir}
}

// Decode parses buf as an instance of the named type. Fields are parsed in
// declaration order; a length expression on a later field may reference any
// earlier sibling. Decode never panics on malformed input.
func (d *Decoder) Decode(typeName string, buf []byte) (*Value, error) {
	l, ok := d.ir.Lookup(typeName)
	if !ok {
		return nil, &layout.SchemaError{Code: layout.CodeUnresolvedReference, TypeName: typeName, Message: "unknown type"}
	}
	v, _, err := d.parse(l, buf, fieldPath{typeName}, nil)
	if err != nil {
		return nil, err
	}
	v.TypeName = typeName
	return v, nil
}

// fieldPath is the dotted location of the value being parsed, for errors.
type fieldPath []string

func (p fieldPath) push(seg string) fieldPath {
	out := make(fieldPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

func (p fieldPath) String() string { return strings.Join(p, ".") }

// parseScope holds the already-parsed fields of one struct level, so that
// length and discriminant expressions can reference earlier siblings, and
// ".." segments can reach enclosing structs.
type parseScope struct {
	parent *parseScope
	fields map[string]*Value
}

func (s *parseScope) lookup(path []string) (*Value, error) {
	cur := s
	i := 0
	for i < len(path) && path[i] == ".." {
		if cur == nil || cur.parent == nil {
			return nil, &schema.UnresolvedReferenceError{Ref: strings.Join(path, "/")}
		}
		cur = cur.parent
		i++
	}
	if cur == nil || i == len(path) {
		return nil, &schema.UnresolvedReferenceError{Ref: strings.Join(path, "/")}
	}
	v, ok := cur.fields[path[i]]
	if !ok {
		return nil, &schema.UnresolvedReferenceError{Ref: strings.Join(path, "/")}
	}
	for _, seg := range path[i+1:] {
		for v.Kind == schema.KindTypeRef {
			v = v.Inner
		}
		child, ok := v.Field(seg)
		if !ok {
			return nil, &schema.UnresolvedReferenceError{Ref: strings.Join(path, "/")}
		}
		v = child
	}
	return v, nil
}

// scopeEnv evaluates expressions during a parse: field references resolve
// against parsed siblings, sizeof/alignof against the IR.
type scopeEnv struct {
	ir    *layout.IR
	scope *parseScope
}

func (e *scopeEnv) FieldValue(path []string) (uint64, error) {
	if e.scope == nil {
		return 0, &schema.UnresolvedReferenceError{Ref: strings.Join(path, "/")}
	}
	v, err := e.scope.lookup(path)
	if err != nil {
		return 0, err
	}
	n, ok := v.UintValue()
	if !ok {
		return 0, &schema.UnresolvedReferenceError{Ref: strings.Join(path, "/")}
	}
	return n, nil
}

func (e *scopeEnv) TypeSize(name string) (uint64, error)  { return e.ir.MetaEnv().TypeSize(name) }
func (e *scopeEnv) TypeAlign(name string) (uint64, error) { return e.ir.MetaEnv().TypeAlign(name) }

// parse decodes one value from the front of buf and reports how many bytes
// it consumed.
func (d *Decoder) parse(l *layout.Layout, buf []byte, path fieldPath, scope *parseScope) (*Value, uint64, error) {
	switch l.Kind {
	case schema.KindPrimitive:
		return d.parsePrimitive(l, buf, path)
	case schema.KindStruct:
		return d.parseStruct(l, buf, path, scope)
	case schema.KindArray:
		return d.parseArray(l, buf, path, scope)
	case schema.KindEnum:
		return d.parseEnum(l, buf, path, scope)
	case schema.KindUnion:
		return d.parseUnion(l, buf, path, scope)
	case schema.KindSizeUnion:
		return d.parseSizeUnion(l, buf, path, scope)
	case schema.KindTypeRef:
		target, err := d.ir.Resolve(l)
		if err != nil {
			return nil, 0, err
		}
		inner, n, err := d.parse(target, buf, path, scope)
		if err != nil {
			return nil, 0, err
		}
		inner.TypeName = l.Ref
		return &Value{Kind: schema.KindTypeRef, TypeName: l.Ref, Inner: inner}, n, nil
	}
	return nil, 0, fmt.Errorf("cannot parse %s value at %s", l.Kind, path)
}

func (d *Decoder) parsePrimitive(l *layout.Layout, buf []byte, path fieldPath) (*Value, uint64, error) {
	w := l.Prim.Width()
	if uint64(len(buf)) < w {
		return nil, 0, &BufferTooShortError{Path: path.String(), Requested: w, Available: uint64(len(buf))}
	}

	v := &Value{Kind: schema.KindPrimitive, Prim: l.Prim}
	var raw uint64
	switch w {
	case 1:
		raw = uint64(buf[0])
	case 2:
		raw = uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		raw = uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		raw = binary.LittleEndian.Uint64(buf)
	}

	switch {
	case l.Prim == schema.F16:
		// No native half type; carried as raw bits.
		v.Uint = raw
	case l.Prim == schema.F32:
		v.Float = float64(math.Float32frombits(uint32(raw)))
	case l.Prim == schema.F64:
		v.Float = math.Float64frombits(raw)
	case l.Prim.Signed():
		// Sign-extend from the primitive's width.
		shift := 64 - 8*w
		v.Int = int64(raw<<shift) >> shift
	default:
		v.Uint = raw
	}
	return v, w, nil
}

func (d *Decoder) parseStruct(l *layout.Layout, buf []byte, path fieldPath, scope *parseScope) (*Value, uint64, error) {
	local := &parseScope{parent: scope, fields: make(map[string]*Value, len(l.Fields))}
	v := &Value{Kind: schema.KindStruct, Fields: make([]FieldValue, 0, len(l.Fields))}

	offset := uint64(0)
	for _, f := range l.Fields {
		if !l.Packed {
			offset = alignUp(offset, f.Type.Alignment)
		}
		if offset > uint64(len(buf)) {
			return nil, 0, &BufferTooShortError{
				Path:      path.push(f.Name).String(),
				Requested: offset,
				Available: uint64(len(buf)),
			}
		}
		fv, n, err := d.parse(f.Type, buf[offset:], path.push(f.Name), local)
		if err != nil {
			return nil, 0, err
		}
		v.Fields = append(v.Fields, FieldValue{Name: f.Name, Value: fv})
		local.fields[f.Name] = fv
		offset += n
	}

	if !l.Packed {
		offset = alignUp(offset, l.Alignment)
		if offset > uint64(len(buf)) {
			return nil, 0, &BufferTooShortError{Path: path.String(), Requested: offset, Available: uint64(len(buf))}
		}
	}
	return v, offset, nil
}

func (d *Decoder) parseArray(l *layout.Layout, buf []byte, path fieldPath, scope *parseScope) (*Value, uint64, error) {
	count, err := evalUint(l.Count, &scopeEnv{ir: d.ir, scope: scope})
	if err != nil {
		return nil, 0, fmt.Errorf("array length at %s: %w", path, err)
	}

	// Bound the count against the buffer before materializing anything, so
	// a hostile length can neither wrap the byte total nor drive the
	// element loop past what the buffer could ever hold.
	avail := uint64(len(buf))
	if l.Elem.Size.IsConst() {
		hi, need := bits.Mul64(count, l.Elem.Size.Bytes)
		if hi != 0 {
			need = math.MaxUint64
		}
		if hi != 0 || need > avail {
			return nil, 0, &BufferTooShortError{Path: path.String(), Requested: need, Available: avail}
		}
	} else if count > avail {
		// Variable-size elements consume at least one byte each.
		return nil, 0, &BufferTooShortError{Path: path.String(), Requested: count, Available: avail}
	}

	v := &Value{Kind: schema.KindArray}
	offset := uint64(0)
	for i := uint64(0); i < count; i++ {
		e, n, err := d.parse(l.Elem, buf[offset:], path.push(fmt.Sprintf("[%d]", i)), scope)
		if err != nil {
			return nil, 0, err
		}
		v.Elems = append(v.Elems, e)
		offset += n
	}
	return v, offset, nil
}

func (d *Decoder) parseEnum(l *layout.Layout, buf []byte, path fieldPath, scope *parseScope) (*Value, uint64, error) {
	// The tag expression is written from the enum's own level, so parent
	// navigation starts one scope above the enclosing struct's fields.
	env := &scopeEnv{ir: d.ir, scope: &parseScope{parent: scope}}
	tag, err := evalUint(l.TagRef, env)
	if err != nil {
		return nil, 0, fmt.Errorf("enum tag at %s: %w", path, err)
	}

	variant, ok := l.VariantByTag(tag)
	if !ok {
		return nil, 0, &UnknownDiscriminantError{Path: path.String(), Value: tag}
	}
	inner, n, err := d.parse(variant.Type, buf, path.push(variant.Name), scope)
	if err != nil {
		return nil, 0, err
	}
	return &Value{Kind: schema.KindEnum, Variant: variant.Name, Tag: tag, Inner: inner}, n, nil
}

// parseUnion decodes a tagless union as its first declared variant. Without
// an external discriminant there is nothing else to go on.
func (d *Decoder) parseUnion(l *layout.Layout, buf []byte, path fieldPath, scope *parseScope) (*Value, uint64, error) {
	if len(l.Variants) == 0 {
		return nil, 0, fmt.Errorf("union at %s has no variants", path)
	}
	variant := l.Variants[0]
	inner, _, err := d.parse(variant.Type, buf, path.push(variant.Name), scope)
	if err != nil {
		return nil, 0, err
	}
	// The union still occupies its full size regardless of the variant read.
	n := uint64(len(buf))
	if l.Size.IsConst() {
		if l.Size.Bytes > n {
			return nil, 0, &BufferTooShortError{Path: path.String(), Requested: l.Size.Bytes, Available: n}
		}
		n = l.Size.Bytes
	}
	return &Value{Kind: schema.KindUnion, Variant: variant.Name, Inner: inner}, n, nil
}

func (d *Decoder) parseSizeUnion(l *layout.Layout, buf []byte, path fieldPath, scope *parseScope) (*Value, uint64, error) {
	// The declared expected size is authoritative: the variant is chosen
	// by exact match against the remaining buffer length.
	size := uint64(len(buf))
	variant, ok := l.VariantBySize(size)
	if !ok {
		return nil, 0, &UnknownDiscriminantError{Path: path.String(), Value: size}
	}
	inner, _, err := d.parse(variant.Type, buf, path.push(variant.Name), scope)
	if err != nil {
		return nil, 0, err
	}
	return &Value{Kind: schema.KindSizeUnion, Variant: variant.Name, Inner: inner}, size, nil
}

func evalUint(e schema.Expr, env schema.Env) (uint64, error) {
	s, err := schema.Eval(e, env)
	if err != nil {
		return 0, err
	}
	return s.AsUint(e.Op())
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
