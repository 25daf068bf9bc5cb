// Package resolve loads a root schema document, resolves its imports across
// an ordered list of include directories, and flattens the result into a
// single self-contained document.
package resolve

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/abikit/abikit/schema"
)

// ImportNotFoundError reports an import path or type reference that no
// include directory satisfies.
type ImportNotFoundError struct {
	Name     string
	Searched []string
}

func (e *ImportNotFoundError) Error() string {
	return fmt.Sprintf("import %q not found (searched: %s)", e.Name, strings.Join(e.Searched, ", "))
}

// CyclicImportError reports a cycle in file-level imports. This is distinct
// from type-level self-reference, which the layout builder permits when the
// recursion is bounded.
type CyclicImportError struct {
	Path []string
}

func (e *CyclicImportError) Error() string {
	return fmt.Sprintf("cyclic import: %s", strings.Join(e.Path, " -> "))
}

// Resolver flattens schema documents. Include directories are searched in
// order and the first match wins; order is significant and preserved.
type Resolver struct {
	// IncludeDirs are searched in order for imported files.
	IncludeDirs []string

	// Logger receives verbose progress. Nil disables logging.
	Logger *slog.Logger
}

// NewResolver returns a Resolver over the given include directories.
func NewResolver(includeDirs ...string) *Resolver {
	return &Resolver{IncludeDirs: includeDirs}
}

// Flatten loads the root document, inlines every transitively imported type
// definition, and returns a single document with no import declarations.
// Flattening is deterministic: identical inputs produce an identical
// document, and encoding it twice is byte-identical.
func (r *Resolver) Flatten(rootPath string) (*schema.Document, error) {
	root, err := loadDocument(rootPath)
	if err != nil {
		return nil, err
	}
	r.logf("loaded root document", "path", rootPath, "types", len(root.Types))

	// The root file's directory is the implicit first include directory.
	searchDirs := append([]string{filepath.Dir(rootPath)}, r.IncludeDirs...)

	state := &flattenState{
		resolver:   r,
		searchDirs: searchDirs,
		visiting:   map[string]bool{},
		loaded:     map[string]bool{},
		seenTypes:  map[string]bool{},
	}

	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, err
	}
	state.visiting[absRoot] = true
	state.stack = []string{rootPath}

	var types []schema.TypeDef
	for _, td := range root.Types {
		if !state.seenTypes[td.Name] {
			state.seenTypes[td.Name] = true
			types = append(types, td)
		}
	}
	imported, err := state.collectImports(root)
	if err != nil {
		return nil, err
	}
	types = append(types, imported...)

	flat := &schema.Document{
		Header: schema.Header{
			Package:        root.Header.Package,
			ABIVersion:     root.Header.ABIVersion,
			PackageVersion: root.Header.PackageVersion,
			Description:    root.Header.Description,
			// Imports are gone: the document is self-contained.
		},
		Types: types,
	}

	if err := checkReferences(flat, searchDirs); err != nil {
		return nil, err
	}
	return flat, nil
}

type flattenState struct {
	resolver   *Resolver
	searchDirs []string
	visiting   map[string]bool // absolute paths on the current import chain
	loaded     map[string]bool // absolute paths already inlined
	seenTypes  map[string]bool
	stack      []string // display paths for cycle reporting
}

// collectImports inlines the document's imports depth-first, in declaration
// order. A type name already seen is skipped: the first definition wins.
func (s *flattenState) collectImports(doc *schema.Document) ([]schema.TypeDef, error) {
	var types []schema.TypeDef
	for _, imp := range doc.Header.Imports {
		path, err := s.locate(imp.Path)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		if s.visiting[abs] {
			return nil, &CyclicImportError{Path: append(append([]string{}, s.stack...), imp.Path)}
		}
		if s.loaded[abs] {
			continue
		}

		child, err := loadDocument(path)
		if err != nil {
			return nil, fmt.Errorf("import %q: %w", imp.Path, err)
		}
		s.resolver.logf("inlined import", "path", path, "types", len(child.Types))

		s.visiting[abs] = true
		s.stack = append(s.stack, imp.Path)

		for _, td := range child.Types {
			if !s.seenTypes[td.Name] {
				s.seenTypes[td.Name] = true
				types = append(types, td)
			}
		}
		nested, err := s.collectImports(child)
		if err != nil {
			return nil, err
		}
		types = append(types, nested...)

		s.stack = s.stack[:len(s.stack)-1]
		delete(s.visiting, abs)
		s.loaded[abs] = true
	}
	return types, nil
}

// locate searches the include directories in order for the import path and
// returns the first match.
func (s *flattenState) locate(importPath string) (string, error) {
	for _, dir := range s.searchDirs {
		candidate := filepath.Join(dir, filepath.FromSlash(importPath))
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", &ImportNotFoundError{Name: importPath, Searched: s.searchDirs}
}

func loadDocument(path string) (*schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	doc, err := schema.DecodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// checkReferences verifies every TypeRef in the flattened document resolves
// to a definition in the same document.
func checkReferences(doc *schema.Document, searched []string) error {
	defined := make(map[string]bool, len(doc.Types))
	for _, td := range doc.Types {
		defined[td.Name] = true
	}
	for _, td := range doc.Types {
		if err := walkRefs(td.Type, func(name string) error {
			if !defined[name] {
				return &ImportNotFoundError{Name: name, Searched: searched}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("type %q: %w", td.Name, err)
		}
	}
	return nil
}

func walkRefs(t schema.Type, visit func(name string) error) error {
	switch x := t.(type) {
	case *schema.TypeRef:
		return visit(x.Name)
	case *schema.Struct:
		for _, f := range x.Fields {
			if err := walkRefs(f.Type, visit); err != nil {
				return err
			}
		}
	case *schema.Union:
		for _, v := range x.Variants {
			if err := walkRefs(v.Type, visit); err != nil {
				return err
			}
		}
	case *schema.Enum:
		for _, v := range x.Variants {
			if err := walkRefs(v.Type, visit); err != nil {
				return err
			}
		}
	case *schema.SizeUnion:
		for _, v := range x.Variants {
			if err := walkRefs(v.Type, visit); err != nil {
				return err
			}
		}
	case *schema.Array:
		return walkRefs(x.Element, visit)
	}
	return nil
}

func (r *Resolver) logf(msg string, args ...any) {
	if r.Logger != nil {
		r.Logger.Info(msg, args...)
	}
}
