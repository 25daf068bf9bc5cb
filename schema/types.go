// Package schema defines the data model for ABI type definitions: the type
// kinds that describe binary layouts (structs, unions, enums, arrays,
// size-discriminated unions, primitives, references) and the constant
// expressions that drive array lengths and discriminant selection.
//
// Types in this package are pure data. Layout computation lives in the layout
// package; import resolution lives in the resolve package.
package schema

// Kind identifies the category of a type.
type Kind int

const (
	KindStruct Kind = iota // Ordered sequence of named fields
	KindUnion              // Tagless union; size is the max over variants
	KindEnum               // Tagged union; active variant selected by a tag expression
	KindArray              // Element type repeated Count times
	KindSizeUnion          // Union discriminated by payload size, not a tag
	KindPrimitive          // Fixed-width integral or floating-point scalar
	KindTypeRef            // Named reference to another type definition
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindSizeUnion:
		return "size-discriminated-union"
	case KindPrimitive:
		return "primitive"
	case KindTypeRef:
		return "type-ref"
	default:
		return "unknown"
	}
}

// ContainerAttributes carry packing and alignment overrides for composite
// types. The zero value means natural layout.
type ContainerAttributes struct {
	// Packed disables inter-field padding. A packed composite has
	// alignment 1 unless Aligned overrides it.
	Packed bool `yaml:"packed,omitempty"`

	// Aligned overrides the natural alignment. Must be a power of two;
	// zero means no override.
	Aligned uint64 `yaml:"aligned,omitempty"`

	// Comment is carried through to generated code.
	Comment string `yaml:"comment,omitempty"`
}

// Type is the interface implemented by all type expressions.
type Type interface {
	// Kind returns the type kind for switching.
	Kind() Kind

	// Attrs returns the container attributes. Zero for primitives and
	// references, which cannot carry layout overrides.
	Attrs() ContainerAttributes

	sealed()
}

// attrBase provides attribute storage for composite types.
type attrBase struct {
	Attributes ContainerAttributes
}

func (b attrBase) Attrs() ContainerAttributes { return b.Attributes }
func (b attrBase) sealed()                    {}

// StructField is one named field of a struct.
type StructField struct {
	Name string
	Type Type
}

// Struct is an ordered sequence of named fields.
type Struct struct {
	attrBase
	Fields []StructField
}

func (*Struct) Kind() Kind { return KindStruct }

// UnionVariant is one alternative of a tagless union.
type UnionVariant struct {
	Name string
	Type Type
}

// Union is a tagless union: all variants share offset zero and the union
// occupies the largest variant.
type Union struct {
	attrBase
	Variants []UnionVariant
}

func (*Union) Kind() Kind { return KindUnion }

// EnumVariant is one alternative of a tagged union, selected when the tag
// expression evaluates to Tag.
type EnumVariant struct {
	Name string
	Tag  uint64
	Type Type
}

// Enum is a tagged union. TagRef locates the discriminant, typically a
// sibling field reference (e.g. ../tag); it is evaluated against
// already-parsed values at reflection time and rendered into accessor code
// at generation time.
type Enum struct {
	attrBase
	TagRef   Expr
	Variants []EnumVariant
}

func (*Enum) Kind() Kind { return KindEnum }

// Array is Element repeated Count times. Count may reference sibling fields,
// in which case the array's extent is only known with parsed values in hand.
type Array struct {
	attrBase
	Count   Expr
	Element Type

	// Jagged permits variable-size elements. Element access becomes
	// sequential and the array never has a constant size.
	Jagged bool
}

func (*Array) Kind() Kind { return KindArray }

// SizeVariant is one alternative of a size-discriminated union. ExpectedSize
// is authoritative: the variant is selected by exact buffer-length match and
// the declared size is never inferred from the payload type.
type SizeVariant struct {
	Name         string
	ExpectedSize uint64
	Type         Type
}

// SizeUnion is a union whose active variant is selected by payload size.
type SizeUnion struct {
	attrBase
	Variants []SizeVariant
}

func (*SizeUnion) Kind() Kind { return KindSizeUnion }

// PrimKind identifies a primitive scalar type.
type PrimKind int

const (
	U8 PrimKind = iota
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	F16
	F32
	F64
)

// String returns the schema-level name of the primitive.
func (p PrimKind) String() string {
	switch p {
	case U8:
		return "u8"
	case U16:
		return "u16"
	case U32:
		return "u32"
	case U64:
		return "u64"
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F16:
		return "f16"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return "unknown"
	}
}

// Width returns the storage width in bytes.
func (p PrimKind) Width() uint64 {
	switch p {
	case U8, I8:
		return 1
	case U16, I16, F16:
		return 2
	case U32, I32, F32:
		return 4
	case U64, I64, F64:
		return 8
	default:
		return 0
	}
}

// Signed reports whether the primitive is a signed integer.
func (p PrimKind) Signed() bool {
	switch p {
	case I8, I16, I32, I64:
		return true
	}
	return false
}

// Float reports whether the primitive is a floating-point type.
func (p PrimKind) Float() bool {
	switch p {
	case F16, F32, F64:
		return true
	}
	return false
}

// Primitive is a fixed-width scalar, always little-endian on the wire.
type Primitive struct {
	Prim PrimKind
}

func (*Primitive) Kind() Kind                 { return KindPrimitive }
func (*Primitive) Attrs() ContainerAttributes { return ContainerAttributes{} }
func (*Primitive) sealed()                    {}

// TypeRef is a by-name reference to another type definition, resolved by the
// resolve package.
type TypeRef struct {
	Name    string
	Comment string
}

func (*TypeRef) Kind() Kind                 { return KindTypeRef }
func (*TypeRef) Attrs() ContainerAttributes { return ContainerAttributes{} }
func (*TypeRef) sealed()                    {}

// TypeDef is a named top-level type definition.
type TypeDef struct {
	Name string
	Type Type
}

// PrimByName maps a schema-level primitive name (e.g. "u32") to its kind.
func PrimByName(name string) (PrimKind, bool) {
	switch name {
	case "u8":
		return U8, true
	case "u16":
		return U16, true
	case "u32":
		return U32, true
	case "u64":
		return U64, true
	case "i8":
		return I8, true
	case "i16":
		return I16, true
	case "i32":
		return I32, true
	case "i64":
		return I64, true
	case "f16":
		return F16, true
	case "f32":
		return F32, true
	case "f64":
		return F64, true
	}
	return 0, false
}
