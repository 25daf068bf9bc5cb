package schema

import (
	"strconv"
	"strings"
)

// Op identifies an expression operator.
type Op int

const (
	OpLiteral Op = iota
	OpFieldRef
	OpSizeof
	OpAlignof

	// Binary arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow

	// Bitwise
	OpBitAnd
	OpBitOr
	OpBitXor
	OpShl
	OpShr

	// Unary
	OpBitNot
	OpNeg
	OpNot
	OpPopcount

	// Comparison
	OpEq
	OpNe
	OpLt
	OpGt
	OpLe
	OpGe

	// Logical
	OpAnd
	OpOr
	OpXor
)

var opNames = map[Op]string{
	OpLiteral: "literal", OpFieldRef: "field-ref", OpSizeof: "sizeof", OpAlignof: "alignof",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod", OpPow: "pow",
	OpBitAnd: "bit-and", OpBitOr: "bit-or", OpBitXor: "bit-xor", OpShl: "left-shift", OpShr: "right-shift",
	OpBitNot: "bit-not", OpNeg: "neg", OpNot: "not", OpPopcount: "popcount",
	OpEq: "eq", OpNe: "ne", OpLt: "lt", OpGt: "gt", OpLe: "le", OpGe: "ge",
	OpAnd: "and", OpOr: "or", OpXor: "xor",
}

// String returns the schema-level operator name.
func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "unknown"
}

// Expr is a constant expression node. Expressions compute array lengths,
// discriminant values, and validation bounds. They are evaluated either
// statically (generation time) or against parsed sibling field values
// (reflection time).
type Expr interface {
	Op() Op
	sealedExpr()
}

// Literal is an unsigned integer constant. Negative constants are expressed
// as Neg(Literal).
type Literal struct {
	Value uint64
}

func (*Literal) Op() Op      { return OpLiteral }
func (*Literal) sealedExpr() {}

// FieldRef references a field by path. Segments may use ".." to navigate to
// the parent scope, e.g. {"../len"} reads the sibling field "len" of the
// enclosing struct.
type FieldRef struct {
	Path []string
}

func (*FieldRef) Op() Op      { return OpFieldRef }
func (*FieldRef) sealedExpr() {}

// Sizeof yields the fixed size in bytes of the named type.
type Sizeof struct {
	TypeName string
}

func (*Sizeof) Op() Op      { return OpSizeof }
func (*Sizeof) sealedExpr() {}

// Alignof yields the alignment in bytes of the named type.
type Alignof struct {
	TypeName string
}

func (*Alignof) Op() Op      { return OpAlignof }
func (*Alignof) sealedExpr() {}

// Binary is a two-operand expression.
type Binary struct {
	Operator    Op
	Left, Right Expr
}

func (b *Binary) Op() Op    { return b.Operator }
func (*Binary) sealedExpr() {}

// Unary is a one-operand expression.
type Unary struct {
	Operator Op
	Operand  Expr
}

func (u *Unary) Op() Op    { return u.Operator }
func (*Unary) sealedExpr() {}

// IsConstant reports whether the expression can be evaluated without any
// parsed field values. Sizeof and alignof count as constant: they resolve
// once the type graph is resolved.
func IsConstant(e Expr) bool {
	switch x := e.(type) {
	case *Literal, *Sizeof, *Alignof:
		return true
	case *FieldRef:
		return false
	case *Binary:
		return IsConstant(x.Left) && IsConstant(x.Right)
	case *Unary:
		return IsConstant(x.Operand)
	}
	return false
}

// CString renders the expression as a C-style expression. The rendering is
// shared by all code generation targets so emitted runtime computations are
// textually identical across languages.
func CString(e Expr) string {
	switch x := e.(type) {
	case *Literal:
		return strconv.FormatUint(x.Value, 10)
	case *FieldRef:
		return strings.Join(x.Path, ".")
	case *Sizeof:
		return "sizeof(" + x.TypeName + ")"
	case *Alignof:
		return "alignof(" + x.TypeName + ")"
	case *Unary:
		switch x.Operator {
		case OpBitNot:
			return "~(" + CString(x.Operand) + ")"
		case OpNeg:
			return "-(" + CString(x.Operand) + ")"
		case OpNot:
			return "!(" + CString(x.Operand) + ")"
		case OpPopcount:
			return "popcount(" + CString(x.Operand) + ")"
		}
	case *Binary:
		if x.Operator == OpPow {
			return "pow(" + CString(x.Left) + "," + CString(x.Right) + ")"
		}
		if op, ok := cOperators[x.Operator]; ok {
			return "(" + CString(x.Left) + op + CString(x.Right) + ")"
		}
	}
	return ""
}

// CSymbol returns the C operator symbol for a binary operator, when one
// exists. Pow has no infix form and renders as a call instead.
func CSymbol(op Op) (string, bool) {
	s, ok := cOperators[op]
	return s, ok
}

var cOperators = map[Op]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%",
	OpBitAnd: "&", OpBitOr: "|", OpBitXor: "^", OpShl: "<<", OpShr: ">>",
	OpEq: "==", OpNe: "!=", OpLt: "<", OpGt: ">", OpLe: "<=", OpGe: ">=",
	OpAnd: "&&", OpOr: "||", OpXor: "^",
}
