package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/abikit/abikit"
	"github.com/abikit/abikit/abigen"
)

// Runner executes one target against a run input and reports its structured
// result.
type Runner interface {
	// Target is the canonical lower-case target name.
	Target() string

	// Run executes the target for one case. Implementations own their
	// scratch directory and must not share it with concurrent runs.
	Run(ctx context.Context, run *Run) (*Result, error)
}

// TargetSelectionError reports a runner name outside the fixed set.
type TargetSelectionError struct {
	Name  string
	Known []string
}

func (e *TargetSelectionError) Error() string {
	return fmt.Sprintf("unknown harness target %q (known: %s)", e.Name, strings.Join(e.Known, ", "))
}

// RunnerTargets lists the fixed runner set: the three code generation targets
// plus the in-process reflection reference.
func RunnerTargets() []string {
	return []string{"c", "reflect", "rust", "typescript"}
}

// RunnerFor selects a runner by name, case-insensitively. "ts" is accepted as
// an alias for "typescript". Selection fails before any execution.
func RunnerFor(name string) (Runner, error) {
	switch strings.ToLower(name) {
	case "reflect":
		return &ReflectRunner{}, nil
	case "c":
		return &ExecRunner{target: "c"}, nil
	case "rust":
		return &ExecRunner{target: "rust"}, nil
	case "typescript", "ts":
		return &ExecRunner{target: "typescript"}, nil
	}
	return nil, &TargetSelectionError{Name: name, Known: RunnerTargets()}
}

// Scratch is an isolated per-run working directory.
type Scratch struct {
	Dir  string
	keep bool
	log  *slog.Logger
}

// NewScratch creates a uniquely named scratch directory under root (the
// system temp directory when root is empty). With keep set, Close leaves the
// directory in place for debugging.
func NewScratch(root string, keep bool, log *slog.Logger) (*Scratch, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "abikit-run-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	return &Scratch{Dir: dir, keep: keep, log: log}, nil
}

// Close removes the scratch directory unless it was created with keep.
func (s *Scratch) Close() error {
	if s.keep {
		if s.log != nil {
			s.log.Info("retaining scratch directory", slog.String("dir", s.Dir))
		}
		return nil
	}
	return os.RemoveAll(s.Dir)
}

// ReflectRunner evaluates a case with the in-process reflection engine. It
// needs no toolchain and serves as the reference the generated targets are
// held against.
type ReflectRunner struct{}

func (*ReflectRunner) Target() string { return "reflect" }

func (r *ReflectRunner) Run(ctx context.Context, run *Run) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, ok := run.IR.Lookup(run.Case.TypeName)
	if !ok {
		return nil, fmt.Errorf("type %q not in schema", run.Case.TypeName)
	}

	// Size matches the generated targets' size function: the fixed prefix,
	// which is the whole size for constant types.
	res := &Result{Target: "reflect", Size: abigen.FixedPrefix(l)}

	dec := abikit.NewDecoder(run.IR)
	v, err := dec.Decode(run.Case.TypeName, run.Buffer)
	if err != nil {
		// A parse failure is a structured result, not a harness error:
		// targets must agree on rejection too.
		res.Valid = false
		return res, nil
	}
	res.Valid = true

	fp, err := run.IR.Footprint(run.Case.TypeName, valueEnv(v, run))
	if err == nil {
		res.Footprint = fp
	} else if l.Size.IsConst() {
		res.Footprint = l.Size.Bytes
	} else {
		// Size-discriminated layouts take their footprint from the
		// matched buffer.
		res.Footprint = uint64(len(run.Buffer))
	}

	f := &abikit.Formatter{Registry: abikit.DefaultRegistry()}
	raw, err := f.Format(v)
	if err != nil {
		return nil, fmt.Errorf("format value: %w", err)
	}
	res.Values = raw
	return res, nil
}

// valueEnv adapts a decoded value tree to the expression environment the
// footprint computation wants: top-level field references resolve against the
// parsed root value.
func valueEnv(v *abikit.Value, run *Run) *decodedEnv {
	return &decodedEnv{root: v, run: run}
}

type decodedEnv struct {
	root *abikit.Value
	run  *Run
}

func (e *decodedEnv) FieldValue(path []string) (uint64, error) {
	v := e.root
	for _, seg := range path {
		if seg == ".." {
			continue
		}
		f, ok := v.Field(seg)
		if !ok {
			return 0, fmt.Errorf("field %q not present in decoded value", seg)
		}
		v = f
	}
	n, ok := v.UintValue()
	if !ok {
		return 0, fmt.Errorf("field %q is not an unsigned integer", strings.Join(path, "/"))
	}
	return n, nil
}

func (e *decodedEnv) TypeSize(name string) (uint64, error) {
	return e.run.IR.MetaEnv().TypeSize(name)
}

func (e *decodedEnv) TypeAlign(name string) (uint64, error) {
	return e.run.IR.MetaEnv().TypeAlign(name)
}
