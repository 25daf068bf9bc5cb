// Package harness drives generated code from every target language against
// shared binary fixtures and asserts that all targets agree on size,
// footprint, validation outcome, and field values.
package harness

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/abikit/abikit/layout"
	"github.com/abikit/abikit/schema"
)

// Case is one compliance test case: a schema, a root type, and a binary
// buffer to run every target against.
type Case struct {
	Name        string   `yaml:"name" validate:"required"`
	SchemaFile  string   `yaml:"schema" validate:"required"`
	TypeName    string   `yaml:"type" validate:"required"`
	BinaryHex   string   `yaml:"binary-hex" validate:"required"`
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

var caseValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadCases parses a YAML case list and validates every entry.
func LoadCases(data []byte) ([]Case, error) {
	var doc struct {
		Cases []Case `yaml:"cases"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode case file: %w", err)
	}
	seen := make(map[string]bool, len(doc.Cases))
	for i, c := range doc.Cases {
		if err := caseValidator.Struct(&c); err != nil {
			return nil, fmt.Errorf("invalid case %d: %w", i, err)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate case name %q", c.Name)
		}
		seen[c.Name] = true
		if _, err := c.Buffer(); err != nil {
			return nil, fmt.Errorf("case %q: %w", c.Name, err)
		}
	}
	return doc.Cases, nil
}

// Buffer decodes the case's binary fixture. Whitespace in the hex string is
// ignored so fixtures can be wrapped for readability.
func (c *Case) Buffer() ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, c.BinaryHex)
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode binary-hex: %w", err)
	}
	return buf, nil
}

// Result is one target's structured output for a case.
type Result struct {
	Target    string          `json:"target"`
	Size      uint64          `json:"size"`
	Footprint uint64          `json:"footprint"`
	Valid     bool            `json:"valid"`
	Values    json.RawMessage `json:"values,omitempty"`
}

// Mismatch records one disagreement between two targets or between a target
// and the golden fixture.
type Mismatch struct {
	Field string
	A, B  string
	AVal  string
	BVal  string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s=%s, %s=%s", m.Field, m.A, m.AVal, m.B, m.BVal)
}

// Compare checks all results pairwise. Identical targets are required to
// agree on every structured field; value trees are compared as canonical
// JSON.
func Compare(results []Result) []Mismatch {
	var out []Mismatch
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			out = append(out, comparePair(results[i], results[j])...)
		}
	}
	return out
}

// CompareGolden checks one result against the expected golden values.
func CompareGolden(r Result, golden Result) []Mismatch {
	golden.Target = "golden"
	return comparePair(r, golden)
}

func comparePair(a, b Result) []Mismatch {
	var out []Mismatch
	if a.Size != b.Size {
		out = append(out, Mismatch{Field: "size", A: a.Target, B: b.Target,
			AVal: fmt.Sprint(a.Size), BVal: fmt.Sprint(b.Size)})
	}
	if a.Footprint != b.Footprint {
		out = append(out, Mismatch{Field: "footprint", A: a.Target, B: b.Target,
			AVal: fmt.Sprint(a.Footprint), BVal: fmt.Sprint(b.Footprint)})
	}
	if a.Valid != b.Valid {
		out = append(out, Mismatch{Field: "valid", A: a.Target, B: b.Target,
			AVal: fmt.Sprint(a.Valid), BVal: fmt.Sprint(b.Valid)})
	}
	av, aok := canonicalJSON(a.Values)
	bv, bok := canonicalJSON(b.Values)
	if aok && bok && av != bv {
		out = append(out, Mismatch{Field: "values", A: a.Target, B: b.Target, AVal: av, BVal: bv})
	}
	return out
}

// canonicalJSON re-marshals a JSON document so formatting differences between
// targets do not count as mismatches. Key order inside objects is preserved
// only through value comparison of the decoded form.
func canonicalJSON(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw), true
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw), true
	}
	return string(out), true
}

// Options configure a harness run.
type Options struct {
	// WorkDir is the parent for per-run scratch directories. Empty means
	// the system temp directory.
	WorkDir string

	// NoCleanup retains scratch directories after each run for debugging.
	NoCleanup bool

	// Verbose streams target toolchain output instead of capturing it
	// silently.
	Verbose bool

	// Version is stamped into every report.
	Version string

	// Logger receives run progress. Nil disables logging.
	Logger *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

// CaseReport is the outcome of running one case across targets.
type CaseReport struct {
	Case       string
	Version    string
	Results    []Result
	Mismatches []Mismatch
}

// Passed reports whether every target agreed.
func (r *CaseReport) Passed() bool { return len(r.Mismatches) == 0 }

// Harness runs compliance cases.
type Harness struct {
	opts Options
}

// New returns a harness with the given options.
func New(opts Options) *Harness {
	return &Harness{opts: opts}
}

// RunCase resolves the case's schema, then runs every requested target
// concurrently in its own scratch directory and compares the results
// pairwise and, when the fixture carries one, against the golden result.
func (h *Harness) RunCase(ctx context.Context, fx *Fixture, c Case, targets []string) (*CaseReport, error) {
	runners := make([]Runner, 0, len(targets))
	for _, name := range targets {
		r, err := RunnerFor(name)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}

	ir, err := layout.Build(fx.Schema.Types)
	if err != nil {
		return nil, fmt.Errorf("case %q: %w", c.Name, err)
	}
	buf, err := c.Buffer()
	if err != nil {
		return nil, fmt.Errorf("case %q: %w", c.Name, err)
	}
	run := &Run{
		Case:    c,
		Schema:  fx.Schema,
		IR:      ir,
		Buffer:  buf,
		Options: &h.opts,
	}

	log := h.opts.logger()
	results := make([]Result, len(runners))
	errs := make([]error, len(runners))
	var wg sync.WaitGroup
	for i, r := range runners {
		wg.Add(1)
		go func(i int, r Runner) {
			defer wg.Done()
			log.Info("running target", slog.String("case", c.Name), slog.String("target", r.Target()))
			res, err := r.Run(ctx, run)
			if err != nil {
				errs[i] = fmt.Errorf("target %s: %w", r.Target(), err)
				return
			}
			results[i] = *res
		}(i, r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("case %q: %w", c.Name, err)
		}
	}

	report := &CaseReport{
		Case:       c.Name,
		Version:    h.opts.Version,
		Results:    results,
		Mismatches: Compare(results),
	}
	if len(fx.Golden) > 0 {
		var golden Result
		if err := json.Unmarshal(fx.Golden, &golden); err != nil {
			return nil, fmt.Errorf("case %q: decode golden: %w", c.Name, err)
		}
		for _, r := range results {
			report.Mismatches = append(report.Mismatches, CompareGolden(r, golden)...)
		}
	}
	return report, nil
}

// Run is the shared input handed to every target runner.
type Run struct {
	Case    Case
	Schema  *schema.Document
	IR      *layout.IR
	Buffer  []byte
	Options *Options
}
