package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Document is one schema file: a header naming the package and its imports,
// followed by the type definitions.
type Document struct {
	Header Header    `yaml:"abi" validate:"required"`
	Types  []TypeDef `yaml:"types" validate:"dive"`
}

// Header carries package metadata and import declarations.
type Header struct {
	Package        string   `yaml:"package" validate:"required"`
	ABIVersion     int      `yaml:"abi-version" validate:"gte=1"`
	PackageVersion string   `yaml:"package-version,omitempty"`
	Description    string   `yaml:"description,omitempty"`
	Imports        []Import `yaml:"imports,omitempty" validate:"dive"`
}

// Import references another schema file by path, resolved against the
// configured include directories in order.
type Import struct {
	Path string `yaml:"path" validate:"required"`
}

var documentValidator = validator.New(validator.WithRequiredStructEnabled())

// DecodeDocument parses and validates a schema document.
func DecodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode schema document: %w", err)
	}
	if err := documentValidator.Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid schema document: %w", err)
	}
	seen := make(map[string]bool, len(doc.Types))
	for _, td := range doc.Types {
		if td.Name == "" {
			return nil, fmt.Errorf("invalid schema document: type with empty name")
		}
		if seen[td.Name] {
			return nil, fmt.Errorf("invalid schema document: duplicate type %q", td.Name)
		}
		seen[td.Name] = true
	}
	return &doc, nil
}

// Encode serializes the document. Encoding is deterministic: the same
// document always produces byte-identical output.
func (d *Document) Encode() ([]byte, error) {
	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encode schema document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// UnmarshalYAML decodes a type definition of the form
//
//	name: Foo
//	kind:
//	  struct:
//	    fields: ...
func (td *TypeDef) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name string    `yaml:"name"`
		Kind yaml.Node `yaml:"kind"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	td.Name = raw.Name
	if raw.Kind.Kind == 0 {
		return fmt.Errorf("type %q: missing kind", raw.Name)
	}
	t, err := decodeType(&raw.Kind)
	if err != nil {
		return fmt.Errorf("type %q: %w", raw.Name, err)
	}
	td.Type = t
	return nil
}

// MarshalYAML is the inverse of UnmarshalYAML.
func (td TypeDef) MarshalYAML() (any, error) {
	kind, err := encodeType(td.Type)
	if err != nil {
		return nil, fmt.Errorf("type %q: %w", td.Name, err)
	}
	return mapping(
		scalar("name"), scalar(td.Name),
		scalar("kind"), kind,
	), nil
}

func decodeType(node *yaml.Node) (Type, error) {
	node = deref(node)
	// Primitives may appear as a bare scalar.
	if node.Kind == yaml.ScalarNode {
		if p, ok := PrimByName(node.Value); ok {
			return &Primitive{Prim: p}, nil
		}
		return nil, fmt.Errorf("unknown primitive type %q", node.Value)
	}
	key, body, err := singleKey(node)
	if err != nil {
		return nil, err
	}
	switch key {
	case "primitive":
		if body.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("primitive: expected scalar type name")
		}
		p, ok := PrimByName(body.Value)
		if !ok {
			return nil, fmt.Errorf("unknown primitive type %q", body.Value)
		}
		return &Primitive{Prim: p}, nil

	case "type-ref":
		if body.Kind == yaml.ScalarNode {
			return &TypeRef{Name: body.Value}, nil
		}
		var ref struct {
			Name    string `yaml:"name"`
			Comment string `yaml:"comment"`
		}
		if err := body.Decode(&ref); err != nil {
			return nil, fmt.Errorf("type-ref: %w", err)
		}
		if ref.Name == "" {
			return nil, fmt.Errorf("type-ref: missing name")
		}
		return &TypeRef{Name: ref.Name, Comment: ref.Comment}, nil

	case "struct":
		var raw struct {
			ContainerAttributes `yaml:",inline"`
			Fields              []struct {
				Name      string    `yaml:"name"`
				FieldType yaml.Node `yaml:"field-type"`
			} `yaml:"fields"`
		}
		if err := body.Decode(&raw); err != nil {
			return nil, fmt.Errorf("struct: %w", err)
		}
		s := &Struct{attrBase: attrBase{Attributes: raw.ContainerAttributes}}
		for _, f := range raw.Fields {
			ft, err := decodeType(&f.FieldType)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			s.Fields = append(s.Fields, StructField{Name: f.Name, Type: ft})
		}
		return s, nil

	case "union":
		var raw struct {
			ContainerAttributes `yaml:",inline"`
			Variants            []struct {
				Name        string    `yaml:"name"`
				VariantType yaml.Node `yaml:"variant-type"`
			} `yaml:"variants"`
		}
		if err := body.Decode(&raw); err != nil {
			return nil, fmt.Errorf("union: %w", err)
		}
		u := &Union{attrBase: attrBase{Attributes: raw.ContainerAttributes}}
		for _, v := range raw.Variants {
			vt, err := decodeType(&v.VariantType)
			if err != nil {
				return nil, fmt.Errorf("variant %q: %w", v.Name, err)
			}
			u.Variants = append(u.Variants, UnionVariant{Name: v.Name, Type: vt})
		}
		return u, nil

	case "enum":
		var raw struct {
			ContainerAttributes `yaml:",inline"`
			TagRef              yaml.Node `yaml:"tag-ref"`
			Variants            []struct {
				Name        string    `yaml:"name"`
				TagValue    uint64    `yaml:"tag-value"`
				VariantType yaml.Node `yaml:"variant-type"`
			} `yaml:"variants"`
		}
		if err := body.Decode(&raw); err != nil {
			return nil, fmt.Errorf("enum: %w", err)
		}
		if raw.TagRef.Kind == 0 {
			return nil, fmt.Errorf("enum: missing tag-ref")
		}
		tag, err := decodeExpr(&raw.TagRef)
		if err != nil {
			return nil, fmt.Errorf("enum tag-ref: %w", err)
		}
		e := &Enum{attrBase: attrBase{Attributes: raw.ContainerAttributes}, TagRef: tag}
		for _, v := range raw.Variants {
			vt, err := decodeType(&v.VariantType)
			if err != nil {
				return nil, fmt.Errorf("variant %q: %w", v.Name, err)
			}
			e.Variants = append(e.Variants, EnumVariant{Name: v.Name, Tag: v.TagValue, Type: vt})
		}
		return e, nil

	case "array":
		var raw struct {
			ContainerAttributes `yaml:",inline"`
			Size                yaml.Node `yaml:"size"`
			ElementType         yaml.Node `yaml:"element-type"`
			Jagged              bool      `yaml:"jagged"`
		}
		if err := body.Decode(&raw); err != nil {
			return nil, fmt.Errorf("array: %w", err)
		}
		if raw.Size.Kind == 0 {
			return nil, fmt.Errorf("array: missing size")
		}
		count, err := decodeExpr(&raw.Size)
		if err != nil {
			return nil, fmt.Errorf("array size: %w", err)
		}
		if raw.ElementType.Kind == 0 {
			return nil, fmt.Errorf("array: missing element-type")
		}
		elem, err := decodeType(&raw.ElementType)
		if err != nil {
			return nil, fmt.Errorf("array element: %w", err)
		}
		return &Array{
			attrBase: attrBase{Attributes: raw.ContainerAttributes},
			Count:    count,
			Element:  elem,
			Jagged:   raw.Jagged,
		}, nil

	case "size-discriminated-union":
		var raw struct {
			ContainerAttributes `yaml:",inline"`
			Variants            []struct {
				Name         string    `yaml:"name"`
				ExpectedSize uint64    `yaml:"expected-size"`
				VariantType  yaml.Node `yaml:"variant-type"`
			} `yaml:"variants"`
		}
		if err := body.Decode(&raw); err != nil {
			return nil, fmt.Errorf("size-discriminated-union: %w", err)
		}
		su := &SizeUnion{attrBase: attrBase{Attributes: raw.ContainerAttributes}}
		for _, v := range raw.Variants {
			vt, err := decodeType(&v.VariantType)
			if err != nil {
				return nil, fmt.Errorf("variant %q: %w", v.Name, err)
			}
			su.Variants = append(su.Variants, SizeVariant{Name: v.Name, ExpectedSize: v.ExpectedSize, Type: vt})
		}
		return su, nil
	}
	return nil, fmt.Errorf("unknown type kind %q", key)
}

func encodeType(t Type) (*yaml.Node, error) {
	switch x := t.(type) {
	case *Primitive:
		return mapping(scalar("primitive"), scalar(x.Prim.String())), nil

	case *TypeRef:
		pairs := []*yaml.Node{scalar("name"), scalar(x.Name)}
		if x.Comment != "" {
			pairs = append(pairs, scalar("comment"), scalar(x.Comment))
		}
		return mapping(scalar("type-ref"), mapping(pairs...)), nil

	case *Struct:
		fields := &yaml.Node{Kind: yaml.SequenceNode}
		for _, f := range x.Fields {
			ft, err := encodeType(f.Type)
			if err != nil {
				return nil, err
			}
			fields.Content = append(fields.Content, mapping(
				scalar("name"), scalar(f.Name),
				scalar("field-type"), ft,
			))
		}
		body := attrPairs(x.Attributes)
		body = append(body, scalar("fields"), fields)
		return mapping(scalar("struct"), mapping(body...)), nil

	case *Union:
		variants := &yaml.Node{Kind: yaml.SequenceNode}
		for _, v := range x.Variants {
			vt, err := encodeType(v.Type)
			if err != nil {
				return nil, err
			}
			variants.Content = append(variants.Content, mapping(
				scalar("name"), scalar(v.Name),
				scalar("variant-type"), vt,
			))
		}
		body := attrPairs(x.Attributes)
		body = append(body, scalar("variants"), variants)
		return mapping(scalar("union"), mapping(body...)), nil

	case *Enum:
		tag, err := encodeExpr(x.TagRef)
		if err != nil {
			return nil, err
		}
		variants := &yaml.Node{Kind: yaml.SequenceNode}
		for _, v := range x.Variants {
			vt, err := encodeType(v.Type)
			if err != nil {
				return nil, err
			}
			variants.Content = append(variants.Content, mapping(
				scalar("name"), scalar(v.Name),
				scalar("tag-value"), uintScalar(v.Tag),
				scalar("variant-type"), vt,
			))
		}
		body := attrPairs(x.Attributes)
		body = append(body, scalar("tag-ref"), tag, scalar("variants"), variants)
		return mapping(scalar("enum"), mapping(body...)), nil

	case *Array:
		count, err := encodeExpr(x.Count)
		if err != nil {
			return nil, err
		}
		elem, err := encodeType(x.Element)
		if err != nil {
			return nil, err
		}
		body := attrPairs(x.Attributes)
		body = append(body, scalar("size"), count, scalar("element-type"), elem)
		if x.Jagged {
			body = append(body, scalar("jagged"), boolScalar(true))
		}
		return mapping(scalar("array"), mapping(body...)), nil

	case *SizeUnion:
		variants := &yaml.Node{Kind: yaml.SequenceNode}
		for _, v := range x.Variants {
			vt, err := encodeType(v.Type)
			if err != nil {
				return nil, err
			}
			variants.Content = append(variants.Content, mapping(
				scalar("name"), scalar(v.Name),
				scalar("expected-size"), uintScalar(v.ExpectedSize),
				scalar("variant-type"), vt,
			))
		}
		body := attrPairs(x.Attributes)
		body = append(body, scalar("variants"), variants)
		return mapping(scalar("size-discriminated-union"), mapping(body...)), nil
	}
	return nil, fmt.Errorf("cannot encode type of kind %v", t.Kind())
}

func decodeExpr(node *yaml.Node) (Expr, error) {
	node = deref(node)
	// Bare integers are literal shorthand.
	if node.Kind == yaml.ScalarNode {
		return decodeLiteral(node)
	}
	key, body, err := singleKey(node)
	if err != nil {
		return nil, err
	}
	switch key {
	case "literal":
		return decodeLiteral(body)

	case "field-ref":
		if body.Kind == yaml.SequenceNode {
			return decodeFieldPath(body)
		}
		var raw struct {
			Path yaml.Node `yaml:"path"`
		}
		if err := body.Decode(&raw); err != nil {
			return nil, fmt.Errorf("field-ref: %w", err)
		}
		return decodeFieldPath(&raw.Path)

	case "sizeof", "alignof":
		name := ""
		if body.Kind == yaml.ScalarNode {
			name = body.Value
		} else {
			var raw struct {
				TypeName string `yaml:"type-name"`
			}
			if err := body.Decode(&raw); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			name = raw.TypeName
		}
		if name == "" {
			return nil, fmt.Errorf("%s: missing type-name", key)
		}
		if key == "sizeof" {
			return &Sizeof{TypeName: name}, nil
		}
		return &Alignof{TypeName: name}, nil
	}

	if op, ok := unaryOps[key]; ok {
		var raw struct {
			Operand yaml.Node `yaml:"operand"`
		}
		if err := body.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		operand, err := decodeExpr(&raw.Operand)
		if err != nil {
			return nil, fmt.Errorf("%s operand: %w", key, err)
		}
		return &Unary{Operator: op, Operand: operand}, nil
	}

	if op, ok := binaryOps[key]; ok {
		var raw struct {
			Left  yaml.Node `yaml:"left"`
			Right yaml.Node `yaml:"right"`
		}
		if err := body.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		left, err := decodeExpr(&raw.Left)
		if err != nil {
			return nil, fmt.Errorf("%s left: %w", key, err)
		}
		right, err := decodeExpr(&raw.Right)
		if err != nil {
			return nil, fmt.Errorf("%s right: %w", key, err)
		}
		return &Binary{Operator: op, Left: left, Right: right}, nil
	}

	return nil, fmt.Errorf("unknown expression %q", key)
}

var unaryOps = map[string]Op{
	"bit-not": OpBitNot, "neg": OpNeg, "not": OpNot, "popcount": OpPopcount,
}

var binaryOps = map[string]Op{
	"add": OpAdd, "sub": OpSub, "mul": OpMul, "div": OpDiv, "mod": OpMod, "pow": OpPow,
	"bit-and": OpBitAnd, "bit-or": OpBitOr, "bit-xor": OpBitXor,
	"left-shift": OpShl, "right-shift": OpShr,
	"eq": OpEq, "ne": OpNe, "lt": OpLt, "gt": OpGt, "le": OpLe, "ge": OpGe,
	"and": OpAnd, "or": OpOr, "xor": OpXor,
}

func decodeLiteral(node *yaml.Node) (Expr, error) {
	if node.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("literal: expected integer scalar")
	}
	if strings.HasPrefix(node.Value, "-") {
		v, err := strconv.ParseInt(node.Value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("literal %q: %w", node.Value, err)
		}
		return &Unary{Operator: OpNeg, Operand: &Literal{Value: uint64(-v)}}, nil
	}
	v, err := strconv.ParseUint(node.Value, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("literal %q: %w", node.Value, err)
	}
	return &Literal{Value: v}, nil
}

func decodeFieldPath(node *yaml.Node) (Expr, error) {
	node = deref(node)
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("field-ref: path must be a sequence")
	}
	var path []string
	for _, seg := range node.Content {
		if seg.Kind != yaml.ScalarNode || seg.Value == "" {
			return nil, fmt.Errorf("field-ref: path segments must be non-empty scalars")
		}
		// Segments may pack several steps with '/', e.g. "../hdr/tag".
		for _, part := range strings.Split(seg.Value, "/") {
			if part != "" {
				path = append(path, part)
			}
		}
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("field-ref: empty path")
	}
	return &FieldRef{Path: path}, nil
}

func encodeExpr(e Expr) (*yaml.Node, error) {
	switch x := e.(type) {
	case *Literal:
		return mapping(scalar("literal"), uintScalar(x.Value)), nil
	case *FieldRef:
		path := &yaml.Node{Kind: yaml.SequenceNode}
		for _, seg := range x.Path {
			path.Content = append(path.Content, scalar(seg))
		}
		return mapping(scalar("field-ref"), mapping(scalar("path"), path)), nil
	case *Sizeof:
		return mapping(scalar("sizeof"), mapping(scalar("type-name"), scalar(x.TypeName))), nil
	case *Alignof:
		return mapping(scalar("alignof"), mapping(scalar("type-name"), scalar(x.TypeName))), nil
	case *Unary:
		operand, err := encodeExpr(x.Operand)
		if err != nil {
			return nil, err
		}
		return mapping(scalar(x.Operator.String()), mapping(scalar("operand"), operand)), nil
	case *Binary:
		left, err := encodeExpr(x.Left)
		if err != nil {
			return nil, err
		}
		right, err := encodeExpr(x.Right)
		if err != nil {
			return nil, err
		}
		return mapping(scalar(x.Operator.String()), mapping(
			scalar("left"), left,
			scalar("right"), right,
		)), nil
	}
	return nil, fmt.Errorf("cannot encode expression of op %v", e.Op())
}

func attrPairs(a ContainerAttributes) []*yaml.Node {
	var pairs []*yaml.Node
	if a.Packed {
		pairs = append(pairs, scalar("packed"), boolScalar(true))
	}
	if a.Aligned != 0 {
		pairs = append(pairs, scalar("aligned"), uintScalar(a.Aligned))
	}
	if a.Comment != "" {
		pairs = append(pairs, scalar("comment"), scalar(a.Comment))
	}
	return pairs
}

// singleKey unwraps a mapping node that must contain exactly one key.
func singleKey(node *yaml.Node) (string, *yaml.Node, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return "", nil, fmt.Errorf("expected a single-key mapping")
	}
	return node.Content[0].Value, deref(node.Content[1]), nil
}

func deref(node *yaml.Node) *yaml.Node {
	for node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}

func uintScalar(v uint64) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: strconv.FormatUint(v, 10)}
}

func boolScalar(v bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: strconv.FormatBool(v)}
}

func mapping(pairs ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Content: pairs}
}
