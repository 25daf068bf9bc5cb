package layout

import (
	"fmt"
	"math/bits"

	"github.com/hashicorp/go-multierror"

	"github.com/abikit/abikit/schema"
)

// Build computes the layout IR for a resolved (flattened) set of type
// definitions. Types are visited in dependency order; every error found is
// reported, not just the first.
func Build(defs []schema.TypeDef) (*IR, error) {
	b := &builder{
		defs:  make(map[string]schema.Type, len(defs)),
		ir:    &IR{types: make(map[string]*Layout, len(defs))},
		state: make(map[string]visitState, len(defs)),
	}

	var errs *multierror.Error
	for _, td := range defs {
		if _, dup := b.defs[td.Name]; dup {
			errs = multierror.Append(errs, &SchemaError{
				Code:     CodeDuplicateType,
				TypeName: td.Name,
				Message:  "type defined more than once",
			})
			continue
		}
		b.defs[td.Name] = td.Type
	}

	for _, td := range defs {
		if _, err := b.resolveNamed(td.Name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return b.ir, nil
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	done
)

type builder struct {
	defs  map[string]schema.Type
	ir    *IR
	state map[string]visitState

	// bounded is true while descending through a field whose extent is
	// limited by a length mechanism (expression-sized array, enum
	// variant, size-discriminated variant). Cycles through such fields
	// are permitted; unconditional fixed-size cycles are not.
	bounded bool
}

func (b *builder) resolveNamed(name string) (*Layout, error) {
	switch b.state[name] {
	case done:
		return b.ir.types[name], nil
	case visiting:
		if b.bounded {
			// Bounded self-reference: resolved lazily by name.
			return &Layout{
				Kind:      schema.KindTypeRef,
				Ref:       name,
				Size:      VariableSize(),
				Alignment: 1,
			}, nil
		}
		return nil, &SchemaError{
			Code:     CodeUnboundedRecursion,
			TypeName: name,
			Message:  "type embeds itself without a bounding length mechanism",
		}
	}

	def, ok := b.defs[name]
	if !ok {
		return nil, &SchemaError{Code: CodeUnresolvedReference, TypeName: name, Message: "reference to unknown type"}
	}

	b.state[name] = visiting
	l, err := b.build(def, name)
	if err != nil {
		// Reset to unvisited so repeated references rebuild and report
		// the error again rather than reading a half-built layout.
		b.state[name] = unvisited
		return nil, err
	}
	b.state[name] = done
	b.ir.types[name] = l
	b.ir.order = append(b.ir.order, name)
	return l, nil
}

func (b *builder) build(t schema.Type, name string) (*Layout, error) {
	switch x := t.(type) {
	case *schema.Primitive:
		w := x.Prim.Width()
		return &Layout{
			Kind:      schema.KindPrimitive,
			Prim:      x.Prim,
			Size:      Const(w),
			Alignment: w,
		}, nil

	case *schema.TypeRef:
		target, err := b.resolveNamed(x.Name)
		if err != nil {
			return nil, err
		}
		l := &Layout{
			Kind:      schema.KindTypeRef,
			Ref:       x.Name,
			Size:      target.Size,
			Alignment: target.Alignment,
		}
		if target.Kind != schema.KindTypeRef || target.Ref != x.Name {
			l.Target = target
		}
		return l, nil

	case *schema.Struct:
		return b.buildStruct(x, name)

	case *schema.Union:
		return b.buildUnion(x, name)

	case *schema.Enum:
		return b.buildEnum(x, name)

	case *schema.Array:
		return b.buildArray(x, name)

	case *schema.SizeUnion:
		return b.buildSizeUnion(x, name)
	}
	return nil, &SchemaError{Code: CodeInvalidSizeExpr, TypeName: name, Message: "unknown type kind"}
}

func (b *builder) buildStruct(s *schema.Struct, name string) (*Layout, error) {
	packed, custom, err := containerLayout(s.Attributes, name)
	if err != nil {
		return nil, err
	}

	l := &Layout{Kind: schema.KindStruct, Packed: packed}
	offset := uint64(0)
	maxAlign := uint64(1)
	offsetKnown := true

	for _, f := range s.Fields {
		ft, err := b.build(f.Type, name+"."+f.Name)
		if err != nil {
			return nil, err
		}
		if !packed {
			offset = alignUp(offset, ft.Alignment)
			maxAlign = max(maxAlign, ft.Alignment)
		}
		l.Fields = append(l.Fields, Field{
			Name:        f.Name,
			Offset:      offset,
			OffsetKnown: offsetKnown,
			Type:        ft,
		})
		if ft.Size.IsConst() && offsetKnown {
			offset += ft.Size.Bytes
		} else {
			offsetKnown = false
		}
	}

	align := maxAlign
	if packed {
		align = 1
	}
	if custom != 0 {
		if !packed && custom < maxAlign {
			return nil, &SchemaError{
				Code:     CodeAlignmentConflict,
				TypeName: name,
				Message:  fmt.Sprintf("declared alignment %d is below the natural alignment %d", custom, maxAlign),
			}
		}
		align = custom
	}
	l.Alignment = align

	if offsetKnown {
		end := offset
		if !packed {
			end = alignUp(end, align)
		}
		l.Size = Const(end)
	} else {
		l.Size = VariableSize()
	}
	return l, nil
}

func (b *builder) buildUnion(u *schema.Union, name string) (*Layout, error) {
	packed, custom, err := containerLayout(u.Attributes, name)
	if err != nil {
		return nil, err
	}

	l := &Layout{Kind: schema.KindUnion, Packed: packed}
	maxSize := uint64(0)
	maxAlign := uint64(1)
	constSize := true
	seen := map[string]bool{}

	for _, v := range u.Variants {
		if seen[v.Name] {
			return nil, &SchemaError{
				Code:     CodeDuplicateDiscriminant,
				TypeName: name,
				Message:  fmt.Sprintf("variant %q declared more than once", v.Name),
			}
		}
		seen[v.Name] = true

		vt, err := b.build(v.Type, name+"."+v.Name)
		if err != nil {
			return nil, err
		}
		if vt.Size.IsConst() {
			maxSize = max(maxSize, vt.Size.Bytes)
		} else {
			constSize = false
		}
		if !packed {
			maxAlign = max(maxAlign, vt.Alignment)
		}
		l.Variants = append(l.Variants, Variant{Name: v.Name, Type: vt})
	}

	align := maxAlign
	if packed {
		align = 1
	}
	if custom != 0 {
		if !packed && custom < maxAlign {
			return nil, &SchemaError{
				Code:     CodeAlignmentConflict,
				TypeName: name,
				Message:  fmt.Sprintf("declared alignment %d is below the natural alignment %d", custom, maxAlign),
			}
		}
		align = custom
	}
	l.Alignment = align

	if constSize {
		size := maxSize
		if !packed {
			size = alignUp(size, align)
		}
		l.Size = Const(size)
	} else {
		l.Size = VariableSize()
	}
	return l, nil
}

func (b *builder) buildEnum(e *schema.Enum, name string) (*Layout, error) {
	_, custom, err := containerLayout(e.Attributes, name)
	if err != nil {
		return nil, err
	}
	if e.TagRef == nil {
		return nil, &SchemaError{Code: CodeInvalidSizeExpr, TypeName: name, Message: "enum has no tag expression"}
	}

	l := &Layout{Kind: schema.KindEnum, TagRef: e.TagRef}
	maxAlign := uint64(1)
	seen := map[uint64]string{}
	allConst := true
	commonSize := uint64(0)
	first := true

	for _, v := range e.Variants {
		if prev, dup := seen[v.Tag]; dup {
			return nil, &SchemaError{
				Code:     CodeDuplicateDiscriminant,
				TypeName: name,
				Message:  fmt.Sprintf("variants %q and %q share discriminant %d", prev, v.Name, v.Tag),
			}
		}
		seen[v.Tag] = v.Name

		vt, err := b.buildBounded(v.Type, name+"."+v.Name)
		if err != nil {
			return nil, err
		}
		maxAlign = max(maxAlign, vt.Alignment)
		if vt.Size.IsConst() {
			if first {
				commonSize = vt.Size.Bytes
				first = false
			} else if vt.Size.Bytes != commonSize {
				allConst = false
			}
		} else {
			allConst = false
		}
		l.Variants = append(l.Variants, Variant{Name: v.Name, Tag: v.Tag, Type: vt})
	}

	l.Alignment = maxAlign
	if custom != 0 {
		l.Alignment = custom
	}
	// An enum has a constant size only when every variant occupies the
	// same number of bytes; otherwise the extent follows the active
	// variant at runtime.
	if allConst && !first {
		l.Size = Const(commonSize)
	} else if first {
		l.Size = Const(0)
	} else {
		l.Size = VariableSize()
	}
	return l, nil
}

func (b *builder) buildArray(a *schema.Array, name string) (*Layout, error) {
	_, custom, err := containerLayout(a.Attributes, name)
	if err != nil {
		return nil, err
	}
	if a.Count == nil {
		return nil, &SchemaError{Code: CodeInvalidSizeExpr, TypeName: name, Message: "array has no size expression"}
	}

	count, countConst := schema.TryConstant(a.Count)

	var elem *Layout
	if countConst && !a.Jagged {
		// A constant-length array embeds its element unconditionally, so
		// recursion through it would expand without bound.
		elem, err = b.build(a.Element, name+"[]")
	} else {
		elem, err = b.buildBounded(a.Element, name+"[]")
	}
	if err != nil {
		return nil, err
	}

	// A runtime count over zero-size elements would let a buffer demand
	// arbitrarily many elements that consume nothing.
	if !countConst && elem.Size.IsConst() && elem.Size.Bytes == 0 {
		return nil, &SchemaError{
			Code:     CodeInvalidSizeExpr,
			TypeName: name,
			Message:  "runtime-sized array of zero-size elements",
		}
	}

	l := &Layout{
		Kind:      schema.KindArray,
		Elem:      elem,
		Count:     a.Count,
		Jagged:    a.Jagged,
		Alignment: elem.Alignment,
	}
	if custom != 0 {
		l.Alignment = custom
	}

	if countConst && !a.Jagged && elem.Size.IsConst() {
		hi, total := bits.Mul64(count, elem.Size.Bytes)
		if hi != 0 {
			return nil, &SchemaError{Code: CodeInvalidSizeExpr, TypeName: name, Message: "array size overflows"}
		}
		l.Size = Const(total)
	} else {
		l.Size = VariableSize()
	}
	return l, nil
}

func (b *builder) buildSizeUnion(su *schema.SizeUnion, name string) (*Layout, error) {
	_, custom, err := containerLayout(su.Attributes, name)
	if err != nil {
		return nil, err
	}

	l := &Layout{Kind: schema.KindSizeUnion}
	maxAlign := uint64(1)
	seen := map[uint64]string{}

	for _, v := range su.Variants {
		if prev, dup := seen[v.ExpectedSize]; dup {
			return nil, &SchemaError{
				Code:     CodeDuplicateDiscriminant,
				TypeName: name,
				Message:  fmt.Sprintf("variants %q and %q share expected size %d", prev, v.Name, v.ExpectedSize),
			}
		}
		seen[v.ExpectedSize] = v.Name

		vt, err := b.buildBounded(v.Type, name+"."+v.Name)
		if err != nil {
			return nil, err
		}
		maxAlign = max(maxAlign, vt.Alignment)
		l.Variants = append(l.Variants, Variant{Name: v.Name, ExpectedSize: v.ExpectedSize, Type: vt})
	}

	l.Alignment = maxAlign
	if custom != 0 {
		l.Alignment = custom
	}
	// The active variant is chosen by buffer length, so the union's own
	// extent is never constant.
	l.Size = VariableSize()
	return l, nil
}

// buildBounded builds a nested type with the bounded-recursion flag set:
// the surrounding construct limits the nested type's extent, so cycles
// through it are permitted.
func (b *builder) buildBounded(t schema.Type, name string) (*Layout, error) {
	prev := b.bounded
	b.bounded = true
	l, err := b.build(t, name)
	b.bounded = prev
	return l, err
}

func containerLayout(attrs schema.ContainerAttributes, name string) (packed bool, custom uint64, err error) {
	if attrs.Aligned != 0 && bits.OnesCount64(attrs.Aligned) != 1 {
		return false, 0, &SchemaError{
			Code:     CodeAlignmentConflict,
			TypeName: name,
			Message:  fmt.Sprintf("alignment %d is not a power of two", attrs.Aligned),
		}
	}
	return attrs.Packed, attrs.Aligned, nil
}
