package abigen

import (
	"strconv"
	"strings"

	"github.com/abikit/abikit/layout"
	"github.com/abikit/abikit/schema"
)

// Load is a primitive read from a populated buffer that a runtime expression
// needs: the field at Offset, decoded as Prim, bound to Name in the emitted
// code. Loads are shared across targets so the computations they feed are
// textually identical too.
type Load struct {
	Name   string
	Offset uint64
	Prim   schema.PrimKind
}

// StepKind classifies one step of a footprint computation.
type StepKind int

const (
	// StepSkip advances the offset by a constant number of bytes.
	StepSkip StepKind = iota
	// StepAlign rounds the offset up to a boundary.
	StepAlign
	// StepArray advances by count times element size, count evaluated at
	// runtime.
	StepArray
	// StepEnum advances by the size of the variant selected by a runtime
	// tag.
	StepEnum
)

// Step is one target-independent instruction of a FootprintPlan.
type Step struct {
	Kind  StepKind
	Field string

	// Bytes is the advance for StepSkip and the boundary for StepAlign.
	Bytes uint64

	// Count and ElemSize describe StepArray.
	Count    schema.Expr
	ElemSize uint64

	// TagRef and Variants describe StepEnum. Every variant size is
	// constant.
	TagRef   schema.Expr
	Variants []layout.Variant

	// Loads are the buffer reads the step's expression depends on.
	Loads []Load
}

// FootprintPlan is the recipe for computing a struct's runtime footprint
// from a populated buffer. Backends translate it into target syntax; the
// arithmetic is fixed here so every target computes the same bytes.
type FootprintPlan struct {
	TypeName string
	Steps    []Step
}

// NeedsRuntime reports whether any step reads the buffer.
func (p *FootprintPlan) NeedsRuntime() bool {
	for _, s := range p.Steps {
		if s.Kind == StepArray || s.Kind == StepEnum {
			return true
		}
	}
	return false
}

// BuildFootprintPlan derives the footprint computation for a struct layout.
// Shapes whose extent cannot be computed from field loads at known offsets
// fail with UnsupportedTypeForTargetError.
func BuildFootprintPlan(target, name string, l *layout.Layout) (*FootprintPlan, error) {
	plan := &FootprintPlan{TypeName: name}
	pending := uint64(0)
	offsetKnown := true

	flush := func() {
		if pending > 0 {
			plan.Steps = append(plan.Steps, Step{Kind: StepSkip, Bytes: pending})
			pending = 0
		}
	}

	for _, f := range l.Fields {
		if offsetKnown && f.OffsetKnown {
			if f.Type.Size.IsConst() {
				// Builder offsets already account for padding.
				pending = f.Offset + f.Type.Size.Bytes
				continue
			}
			pending = f.Offset
		} else {
			if !l.Packed && f.Type.Alignment > 1 {
				flush()
				plan.Steps = append(plan.Steps, Step{Kind: StepAlign, Field: f.Name, Bytes: f.Type.Alignment})
			}
			if f.Type.Size.IsConst() {
				pending += f.Type.Size.Bytes
				continue
			}
		}

		step, err := variableStep(target, name, l, f)
		if err != nil {
			return nil, err
		}
		flush()
		plan.Steps = append(plan.Steps, step)
		offsetKnown = false
	}

	flush()
	if !l.Packed && l.Alignment > 1 && !offsetKnown {
		plan.Steps = append(plan.Steps, Step{Kind: StepAlign, Bytes: l.Alignment})
	}
	return plan, nil
}

// FixedPrefix returns the size of a type's fixed portion: the whole size for
// constant types, otherwise the bytes up to the first variable-size member.
func FixedPrefix(l *layout.Layout) uint64 {
	if l.Size.IsConst() {
		return l.Size.Bytes
	}
	if l.Kind != schema.KindStruct {
		return 0
	}
	end := uint64(0)
	for _, f := range l.Fields {
		if !f.OffsetKnown {
			break
		}
		if !f.Type.Size.IsConst() {
			return f.Offset
		}
		end = f.Offset + f.Type.Size.Bytes
	}
	return end
}

func variableStep(target, name string, l *layout.Layout, f layout.Field) (Step, error) {
	switch f.Type.Kind {
	case schema.KindArray:
		if f.Type.Jagged {
			return Step{}, &UnsupportedTypeForTargetError{
				Target:   target,
				TypeName: name,
				Reason:   "jagged array field " + f.Name + " needs per-element scanning",
			}
		}
		if !f.Type.Elem.Size.IsConst() {
			return Step{}, &UnsupportedTypeForTargetError{
				Target:   target,
				TypeName: name,
				Reason:   "array field " + f.Name + " has variable-size elements",
			}
		}
		loads, err := resolveLoads(target, name, l, f.Type.Count, false)
		if err != nil {
			return Step{}, err
		}
		return Step{
			Kind:     StepArray,
			Field:    f.Name,
			Count:    f.Type.Count,
			ElemSize: f.Type.Elem.Size.Bytes,
			Loads:    loads,
		}, nil

	case schema.KindEnum:
		for _, v := range f.Type.Variants {
			if !v.Type.Size.IsConst() {
				return Step{}, &UnsupportedTypeForTargetError{
					Target:   target,
					TypeName: name,
					Reason:   "enum field " + f.Name + " has variable-size variant " + v.Name,
				}
			}
		}
		loads, err := resolveLoads(target, name, l, f.Type.TagRef, true)
		if err != nil {
			return Step{}, err
		}
		return Step{
			Kind:     StepEnum,
			Field:    f.Name,
			TagRef:   f.Type.TagRef,
			Variants: f.Type.Variants,
			Loads:    loads,
		}, nil
	}

	return Step{}, &UnsupportedTypeForTargetError{
		Target:   target,
		TypeName: name,
		Reason:   "field " + f.Name + " has a variable-size " + f.Type.Kind.String() + " type",
	}
}

// resolveLoads maps every field reference in an expression to a load at a
// known offset within the struct. fromMember strips the leading parent
// segment of references written from a member's own level.
func resolveLoads(target, typeName string, l *layout.Layout, e schema.Expr, fromMember bool) ([]Load, error) {
	var loads []Load
	var firstErr error
	seen := map[string]bool{}

	walkExprRefs(e, func(path []string) {
		if firstErr != nil {
			return
		}
		ld, err := resolveRef(l, refSegments(path, fromMember))
		if err != nil {
			firstErr = &UnsupportedTypeForTargetError{
				Target:   target,
				TypeName: typeName,
				Reason:   "reference " + strings.Join(path, "/") + " cannot be loaded at a static offset",
			}
			return
		}
		if !seen[ld.Name] {
			seen[ld.Name] = true
			loads = append(loads, ld)
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return loads, nil
}

// ResolveTagLoads resolves the loads an enum tag expression needs, relative
// to the enclosing struct layout. Tag expressions are written from the enum
// member's level, so leading parent segments are stripped.
func ResolveTagLoads(target, typeName string, l *layout.Layout, tagRef schema.Expr) ([]Load, error) {
	return resolveLoads(target, typeName, l, tagRef, true)
}

func refSegments(path []string, fromMember bool) []string {
	if fromMember && len(path) > 0 && path[0] == ".." {
		return path[1:]
	}
	return path
}

// resolveRef walks a reference path through const-offset struct members down
// to an integer primitive field.
func resolveRef(l *layout.Layout, path []string) (Load, error) {
	if len(path) == 0 {
		return Load{}, errBadRef
	}
	offset := uint64(0)
	cur := l
	for i, seg := range path {
		cur = chaseRef(cur)
		if cur.Kind != schema.KindStruct {
			return Load{}, errBadRef
		}
		f, ok := cur.FieldByName(seg)
		if !ok || !f.OffsetKnown {
			return Load{}, errBadRef
		}
		offset += f.Offset
		cur = f.Type
		if i == len(path)-1 {
			cur = chaseRef(cur)
			if cur.Kind != schema.KindPrimitive || cur.Prim.Float() {
				return Load{}, errBadRef
			}
			return Load{Name: strings.Join(path, "_"), Offset: offset, Prim: cur.Prim}, nil
		}
	}
	return Load{}, errBadRef
}

func chaseRef(l *layout.Layout) *layout.Layout {
	for l.Kind == schema.KindTypeRef && l.Target != nil {
		l = l.Target
	}
	return l
}

var errBadRef = &UnsupportedTypeForTargetError{Reason: "unresolvable reference"}

func walkExprRefs(e schema.Expr, visit func(path []string)) {
	switch x := e.(type) {
	case *schema.FieldRef:
		visit(x.Path)
	case *schema.Unary:
		walkExprRefs(x.Operand, visit)
	case *schema.Binary:
		walkExprRefs(x.Left, visit)
		walkExprRefs(x.Right, visit)
	}
}

// RenderExpr renders an expression in the shared C-style surface used by
// every backend. Field references become their load names; pow and popcount
// become calls to the abi_pow and abi_popcount helpers every backend
// defines. fromMember matches the resolveLoads flag.
func RenderExpr(e schema.Expr, fromMember bool) string {
	switch x := e.(type) {
	case *schema.Literal:
		return strconv.FormatUint(x.Value, 10)
	case *schema.FieldRef:
		return strings.Join(refSegments(x.Path, fromMember), "_")
	case *schema.Unary:
		if x.Operator == schema.OpPopcount {
			return "abi_popcount(" + RenderExpr(x.Operand, fromMember) + ")"
		}
		return schema.CString(&schema.Unary{Operator: x.Operator, Operand: rawRef(RenderExpr(x.Operand, fromMember))})
	case *schema.Binary:
		if x.Operator == schema.OpPow {
			return "abi_pow(" + RenderExpr(x.Left, fromMember) + "," + RenderExpr(x.Right, fromMember) + ")"
		}
		if sym, ok := schema.CSymbol(x.Operator); ok {
			return "(" + RenderExpr(x.Left, fromMember) + sym + RenderExpr(x.Right, fromMember) + ")"
		}
	}
	return schema.CString(e)
}

// rawRef smuggles already-rendered text through CString's field-ref case.
func rawRef(text string) schema.Expr {
	return &schema.FieldRef{Path: []string{text}}
}
