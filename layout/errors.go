package layout

import "fmt"

// ErrorCode is a machine-readable schema error class.
type ErrorCode string

const (
	CodeDuplicateType         ErrorCode = "duplicate_type"
	CodeDuplicateDiscriminant ErrorCode = "duplicate_discriminant"
	CodeUnresolvedReference   ErrorCode = "unresolved_reference"
	CodeUnboundedRecursion    ErrorCode = "unbounded_recursion"
	CodeAlignmentConflict     ErrorCode = "alignment_conflict"
	CodeInvalidSizeExpr       ErrorCode = "invalid_size_expression"
	CodeVariableFootprint     ErrorCode = "variable_footprint"
	CodeUnknownDiscriminant   ErrorCode = "unknown_discriminant"
)

// SchemaError is a fatal layout-time error naming the offending type.
type SchemaError struct {
	Code     ErrorCode
	TypeName string
	Message  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: type %q: %s", e.Code, e.TypeName, e.Message)
}
