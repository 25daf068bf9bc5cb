package schema

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// Env supplies the values an expression may reference during evaluation.
// Generation-time evaluation uses a type-metadata-only environment;
// reflection-time evaluation additionally resolves field references against
// already-parsed sibling values.
type Env interface {
	// FieldValue resolves a field reference path to an unsigned scalar.
	FieldValue(path []string) (uint64, error)

	// TypeSize returns the fixed size in bytes of the named type.
	TypeSize(name string) (uint64, error)

	// TypeAlign returns the alignment in bytes of the named type.
	TypeAlign(name string) (uint64, error)
}

// UnresolvedReferenceError reports a field or type reference that is not
// present in the evaluation environment.
type UnresolvedReferenceError struct {
	Ref string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference: %s", e.Ref)
}

// UnsupportedOperationError reports an evaluation step that has no defined
// result, such as division by zero or popcount of a boolean.
type UnsupportedOperationError struct {
	Operator Op
	Reason   string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported operation %s: %s", e.Operator, e.Reason)
}

// Scalar is the result of evaluating an expression: an unsigned integer or a
// boolean. Arithmetic over booleans and logic over integers are rejected.
type Scalar struct {
	IsBool bool
	Uint   uint64
	Bool   bool
}

// UintScalar wraps an unsigned value.
func UintScalar(v uint64) Scalar { return Scalar{Uint: v} }

// BoolScalar wraps a boolean value.
func BoolScalar(v bool) Scalar { return Scalar{IsBool: true, Bool: v} }

// AsUint returns the integer value, failing for booleans.
func (s Scalar) AsUint(op Op) (uint64, error) {
	if s.IsBool {
		return 0, &UnsupportedOperationError{Operator: op, Reason: "boolean operand in arithmetic context"}
	}
	return s.Uint, nil
}

// AsBool returns the boolean value, failing for integers.
func (s Scalar) AsBool(op Op) (bool, error) {
	if !s.IsBool {
		return false, &UnsupportedOperationError{Operator: op, Reason: "integer operand in logical context"}
	}
	return s.Bool, nil
}

// Eval evaluates an expression against the environment. Evaluation is pure:
// identical inputs produce identical results and no state is mutated.
// Arithmetic is checked u64; overflow, division by zero, oversized shifts,
// and negative results are errors, never silent wraparound.
func Eval(e Expr, env Env) (Scalar, error) {
	switch x := e.(type) {
	case *Literal:
		return UintScalar(x.Value), nil

	case *FieldRef:
		if env == nil {
			return Scalar{}, &UnresolvedReferenceError{Ref: strings.Join(x.Path, "/")}
		}
		v, err := env.FieldValue(x.Path)
		if err != nil {
			return Scalar{}, err
		}
		return UintScalar(v), nil

	case *Sizeof:
		if env == nil {
			return Scalar{}, &UnresolvedReferenceError{Ref: x.TypeName}
		}
		v, err := env.TypeSize(x.TypeName)
		if err != nil {
			return Scalar{}, err
		}
		return UintScalar(v), nil

	case *Alignof:
		if env == nil {
			return Scalar{}, &UnresolvedReferenceError{Ref: x.TypeName}
		}
		v, err := env.TypeAlign(x.TypeName)
		if err != nil {
			return Scalar{}, err
		}
		return UintScalar(v), nil

	case *Unary:
		return evalUnary(x, env)

	case *Binary:
		return evalBinary(x, env)
	}
	return Scalar{}, &UnsupportedOperationError{Operator: e.Op(), Reason: "unknown expression node"}
}

// TryConstant evaluates the expression without an environment and reports
// whether a constant value was obtained. Field, sizeof and alignof
// references make an expression non-constant here; callers with a resolved
// type graph should use Eval with a metadata environment instead.
func TryConstant(e Expr) (uint64, bool) {
	s, err := Eval(e, nil)
	if err != nil || s.IsBool {
		return 0, false
	}
	return s.Uint, true
}

func evalUnary(x *Unary, env Env) (Scalar, error) {
	inner, err := Eval(x.Operand, env)
	if err != nil {
		return Scalar{}, err
	}
	switch x.Operator {
	case OpBitNot:
		v, err := inner.AsUint(x.Operator)
		if err != nil {
			return Scalar{}, err
		}
		return UintScalar(^v), nil
	case OpNeg:
		v, err := inner.AsUint(x.Operator)
		if err != nil {
			return Scalar{}, err
		}
		// Negation must land back in the unsigned domain; only zero does.
		if v != 0 {
			return Scalar{}, &UnsupportedOperationError{Operator: x.Operator, Reason: "negative result in unsigned context"}
		}
		return UintScalar(0), nil
	case OpNot:
		v, err := inner.AsBool(x.Operator)
		if err != nil {
			return Scalar{}, err
		}
		return BoolScalar(!v), nil
	case OpPopcount:
		v, err := inner.AsUint(x.Operator)
		if err != nil {
			return Scalar{}, err
		}
		return UintScalar(uint64(bits.OnesCount64(v))), nil
	}
	return Scalar{}, &UnsupportedOperationError{Operator: x.Operator, Reason: "unknown unary operator"}
}

func evalBinary(x *Binary, env Env) (Scalar, error) {
	left, err := Eval(x.Left, env)
	if err != nil {
		return Scalar{}, err
	}
	right, err := Eval(x.Right, env)
	if err != nil {
		return Scalar{}, err
	}

	switch x.Operator {
	case OpAnd, OpOr, OpXor:
		l, err := left.AsBool(x.Operator)
		if err != nil {
			return Scalar{}, err
		}
		r, err := right.AsBool(x.Operator)
		if err != nil {
			return Scalar{}, err
		}
		switch x.Operator {
		case OpAnd:
			return BoolScalar(l && r), nil
		case OpOr:
			return BoolScalar(l || r), nil
		default:
			return BoolScalar(l != r), nil
		}
	}

	l, err := left.AsUint(x.Operator)
	if err != nil {
		return Scalar{}, err
	}
	r, err := right.AsUint(x.Operator)
	if err != nil {
		return Scalar{}, err
	}

	switch x.Operator {
	case OpAdd:
		sum, carry := bits.Add64(l, r, 0)
		if carry != 0 {
			return Scalar{}, overflow(x.Operator)
		}
		return UintScalar(sum), nil
	case OpSub:
		diff, borrow := bits.Sub64(l, r, 0)
		if borrow != 0 {
			return Scalar{}, &UnsupportedOperationError{Operator: x.Operator, Reason: "negative result in unsigned context"}
		}
		return UintScalar(diff), nil
	case OpMul:
		hi, lo := bits.Mul64(l, r)
		if hi != 0 {
			return Scalar{}, overflow(x.Operator)
		}
		return UintScalar(lo), nil
	case OpDiv:
		if r == 0 {
			return Scalar{}, &UnsupportedOperationError{Operator: x.Operator, Reason: "division by zero"}
		}
		return UintScalar(l / r), nil
	case OpMod:
		if r == 0 {
			return Scalar{}, &UnsupportedOperationError{Operator: x.Operator, Reason: "modulo by zero"}
		}
		return UintScalar(l % r), nil
	case OpPow:
		return evalPow(l, r, x.Operator)
	case OpBitAnd:
		return UintScalar(l & r), nil
	case OpBitOr:
		return UintScalar(l | r), nil
	case OpBitXor:
		return UintScalar(l ^ r), nil
	case OpShl:
		if r >= 64 {
			return Scalar{}, &UnsupportedOperationError{Operator: x.Operator, Reason: "shift amount out of range"}
		}
		if r != 0 && l>>(64-r) != 0 {
			return Scalar{}, overflow(x.Operator)
		}
		return UintScalar(l << r), nil
	case OpShr:
		if r >= 64 {
			return Scalar{}, &UnsupportedOperationError{Operator: x.Operator, Reason: "shift amount out of range"}
		}
		return UintScalar(l >> r), nil
	case OpEq:
		return BoolScalar(l == r), nil
	case OpNe:
		return BoolScalar(l != r), nil
	case OpLt:
		return BoolScalar(l < r), nil
	case OpGt:
		return BoolScalar(l > r), nil
	case OpLe:
		return BoolScalar(l <= r), nil
	case OpGe:
		return BoolScalar(l >= r), nil
	}
	return Scalar{}, &UnsupportedOperationError{Operator: x.Operator, Reason: "unknown binary operator"}
}

func evalPow(base, exp uint64, op Op) (Scalar, error) {
	if exp > math.MaxUint32 {
		return Scalar{}, &UnsupportedOperationError{Operator: op, Reason: "exponent out of range"}
	}
	// Square-and-multiply: O(log exp) even for buffer-supplied exponents.
	// A squared base that overflows is only an error while exponent bits
	// remain to consume it.
	result := uint64(1)
	for exp > 0 {
		if exp&1 == 1 {
			hi, lo := bits.Mul64(result, base)
			if hi != 0 {
				return Scalar{}, overflow(op)
			}
			result = lo
		}
		exp >>= 1
		if exp == 0 {
			break
		}
		hi, lo := bits.Mul64(base, base)
		if hi != 0 {
			return Scalar{}, overflow(op)
		}
		base = lo
	}
	return UintScalar(result), nil
}

func overflow(op Op) error {
	return &UnsupportedOperationError{Operator: op, Reason: "arithmetic overflow"}
}
