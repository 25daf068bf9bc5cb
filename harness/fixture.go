package harness

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/tools/txtar"

	"github.com/abikit/abikit/schema"
)

// Fixture bundles everything one compliance run needs in a single txtar
// archive: the schema document, the case list, and optionally a golden
// result.
//
//	-- schema.yaml --
//	abi:
//	  package: demo
//	...
//	-- cases.yaml --
//	cases:
//	  - name: basic
//	...
//	-- golden.json --
//	{"size": 8, ...}
type Fixture struct {
	Schema *schema.Document
	Cases  []Case
	Golden json.RawMessage
}

// LoadFixture reads a txtar fixture archive from disk.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes a txtar fixture archive.
func ParseFixture(data []byte) (*Fixture, error) {
	arc := txtar.Parse(data)
	fx := &Fixture{}
	for _, f := range arc.Files {
		switch f.Name {
		case "schema.yaml":
			doc, err := schema.DecodeDocument(f.Data)
			if err != nil {
				return nil, fmt.Errorf("fixture schema.yaml: %w", err)
			}
			fx.Schema = doc
		case "cases.yaml":
			cases, err := LoadCases(f.Data)
			if err != nil {
				return nil, fmt.Errorf("fixture cases.yaml: %w", err)
			}
			fx.Cases = cases
		case "golden.json":
			if !json.Valid(f.Data) {
				return nil, fmt.Errorf("fixture golden.json is not valid JSON")
			}
			fx.Golden = json.RawMessage(f.Data)
		default:
			return nil, fmt.Errorf("fixture has unexpected file %q", f.Name)
		}
	}
	if fx.Schema == nil {
		return nil, fmt.Errorf("fixture is missing schema.yaml")
	}
	if len(fx.Cases) == 0 {
		return nil, fmt.Errorf("fixture is missing cases.yaml or it has no cases")
	}
	return fx, nil
}
