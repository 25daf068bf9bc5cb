// Package layout computes the layout intermediate representation for a
// resolved schema: per-type size, alignment, field offsets, and footprint.
// The IR is built once per type graph and is immutable afterwards; it may be
// shared by reference across concurrent consumers.
package layout

import (
	"fmt"
	"math/bits"

	"github.com/abikit/abikit/schema"
)

// Size is a byte size that is either constant or only determined at runtime
// from parsed field values.
type Size struct {
	Variable bool
	Bytes    uint64
}

// Const returns a fixed size.
func Const(n uint64) Size { return Size{Bytes: n} }

// VariableSize returns a runtime-determined size.
func VariableSize() Size { return Size{Variable: true} }

// IsConst reports whether the size is fixed.
func (s Size) IsConst() bool { return !s.Variable }

func (s Size) String() string {
	if s.Variable {
		return "variable"
	}
	return fmt.Sprintf("%d", s.Bytes)
}

// Field is a struct field with its computed offset. Offsets are only
// meaningful for the fixed prefix of a struct: once a variable-size field
// occurs, later offsets depend on parsed values and OffsetKnown is false.
type Field struct {
	Name        string
	Offset      uint64
	OffsetKnown bool
	Type        *Layout
}

// Variant is one alternative of a union, enum, or size-discriminated union.
// Tag is the discriminant for enums; ExpectedSize is the authoritative
// payload size for size-discriminated unions.
type Variant struct {
	Name         string
	Tag          uint64
	ExpectedSize uint64
	Type         *Layout
}

// Layout is the computed layout of one type expression.
type Layout struct {
	Kind      schema.Kind
	Size      Size
	Alignment uint64
	Packed    bool

	// Prim is set for KindPrimitive.
	Prim schema.PrimKind

	// Fields is set for KindStruct, in declaration order.
	Fields []Field

	// Variants is set for KindUnion, KindEnum, and KindSizeUnion.
	Variants []Variant

	// TagRef is the discriminant expression for KindEnum.
	TagRef schema.Expr

	// Elem, Count and Jagged describe KindArray.
	Elem   *Layout
	Count  schema.Expr
	Jagged bool

	// Ref names the target for KindTypeRef. Target is nil when the
	// reference participates in a bounded cycle; resolve it through the
	// IR by name in that case.
	Ref    string
	Target *Layout
}

// FieldByName returns the named struct field.
func (l *Layout) FieldByName(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// VariantByTag returns the enum variant with the given discriminant.
func (l *Layout) VariantByTag(tag uint64) (Variant, bool) {
	for _, v := range l.Variants {
		if v.Tag == tag {
			return v, true
		}
	}
	return Variant{}, false
}

// VariantBySize returns the size-discriminated variant matching the exact
// payload size.
func (l *Layout) VariantBySize(size uint64) (Variant, bool) {
	for _, v := range l.Variants {
		if v.ExpectedSize == size {
			return v, true
		}
	}
	return Variant{}, false
}

// IR is the layout of a complete resolved type graph, keyed by type name.
type IR struct {
	types map[string]*Layout
	order []string
}

// Lookup returns the layout of a named type.
func (ir *IR) Lookup(name string) (*Layout, bool) {
	l, ok := ir.types[name]
	return l, ok
}

// Names returns the type names in dependency order: depended-upon types
// before their dependents.
func (ir *IR) Names() []string {
	out := make([]string, len(ir.order))
	copy(out, ir.order)
	return out
}

// Resolve follows TypeRef layouts to the underlying definition.
func (ir *IR) Resolve(l *Layout) (*Layout, error) {
	for l.Kind == schema.KindTypeRef {
		if l.Target != nil {
			l = l.Target
			continue
		}
		target, ok := ir.types[l.Ref]
		if !ok {
			return nil, &SchemaError{Code: CodeUnresolvedReference, TypeName: l.Ref, Message: "reference to unknown type"}
		}
		l = target
	}
	return l, nil
}

// MetaEnv returns an expression environment over type metadata only:
// sizeof/alignof resolve against the IR, field references fail. This is the
// generation-time environment; reflection supplies field values instead.
func (ir *IR) MetaEnv() schema.Env {
	return &metaEnv{ir: ir}
}

type metaEnv struct {
	ir *IR
}

func (e *metaEnv) FieldValue(path []string) (uint64, error) {
	ref := ""
	for i, seg := range path {
		if i > 0 {
			ref += "/"
		}
		ref += seg
	}
	return 0, &schema.UnresolvedReferenceError{Ref: ref}
}

func (e *metaEnv) TypeSize(name string) (uint64, error) {
	l, ok := e.ir.Lookup(name)
	if !ok {
		return 0, &schema.UnresolvedReferenceError{Ref: name}
	}
	if !l.Size.IsConst() {
		return 0, &schema.UnsupportedOperationError{Operator: schema.OpSizeof, Reason: "type " + name + " has no constant size"}
	}
	return l.Size.Bytes, nil
}

func (e *metaEnv) TypeAlign(name string) (uint64, error) {
	l, ok := e.ir.Lookup(name)
	if !ok {
		return 0, &schema.UnresolvedReferenceError{Ref: name}
	}
	return l.Alignment, nil
}

// Footprint computes the total bytes a fully populated instance of the named
// type occupies. For fixed-size types this equals the size and needs no
// environment. Types with variable-length members need field values supplied
// through env; without them the computation is rejected.
func (ir *IR) Footprint(name string, env schema.Env) (uint64, error) {
	l, ok := ir.Lookup(name)
	if !ok {
		return 0, &SchemaError{Code: CodeUnresolvedReference, TypeName: name, Message: "unknown type"}
	}
	return ir.footprint(l, name, env)
}

func (ir *IR) footprint(l *Layout, name string, env schema.Env) (uint64, error) {
	if l.Size.IsConst() {
		return l.Size.Bytes, nil
	}
	if env == nil {
		return 0, &SchemaError{
			Code:     CodeVariableFootprint,
			TypeName: name,
			Message:  "footprint of a variable-size type requires field values",
		}
	}

	switch l.Kind {
	case schema.KindTypeRef:
		target, err := ir.Resolve(l)
		if err != nil {
			return 0, err
		}
		return ir.footprint(target, l.Ref, env)

	case schema.KindStruct:
		offset := uint64(0)
		for _, f := range l.Fields {
			if !l.Packed {
				offset = alignUp(offset, f.Type.Alignment)
			}
			n, err := ir.footprint(f.Type, name+"."+f.Name, env)
			if err != nil {
				return 0, err
			}
			offset += n
		}
		if !l.Packed {
			offset = alignUp(offset, l.Alignment)
		}
		return offset, nil

	case schema.KindArray:
		count, err := schema.Eval(l.Count, env)
		if err != nil {
			return 0, err
		}
		n, err := count.AsUint(schema.OpMul)
		if err != nil {
			return 0, err
		}
		if l.Jagged {
			return 0, &SchemaError{
				Code:     CodeVariableFootprint,
				TypeName: name,
				Message:  "jagged array footprint requires per-element sizes from a buffer",
			}
		}
		elem, err := ir.footprint(l.Elem, name+"[]", env)
		if err != nil {
			return 0, err
		}
		hi, total := bits.Mul64(n, elem)
		if hi != 0 {
			return 0, &SchemaError{Code: CodeInvalidSizeExpr, TypeName: name, Message: "array footprint overflows"}
		}
		return total, nil

	case schema.KindEnum:
		tag, err := schema.Eval(l.TagRef, env)
		if err != nil {
			return 0, err
		}
		t, err := tag.AsUint(schema.OpEq)
		if err != nil {
			return 0, err
		}
		v, ok := l.VariantByTag(t)
		if !ok {
			return 0, &SchemaError{Code: CodeUnknownDiscriminant, TypeName: name, Message: fmt.Sprintf("no variant with tag %d", t)}
		}
		return ir.footprint(v.Type, name+"."+v.Name, env)
	}

	return 0, &SchemaError{
		Code:     CodeVariableFootprint,
		TypeName: name,
		Message:  "footprint requires a parsed buffer for " + l.Kind.String(),
	}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
