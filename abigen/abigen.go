// Package abigen emits accessor and validator code for layout IRs across
// multiple target languages. Targets differ only in surface syntax: size,
// footprint, and offset computations are shared so every backend agrees
// bit for bit.
package abigen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/abikit/abikit/abigen/sink"
	"github.com/abikit/abikit/layout"
)

// File is one generated source file, with a path relative to the output
// directory.
type File struct {
	Path    string
	Content []byte
}

// Unit is the input to code generation: a resolved type graph and its
// package name.
type Unit struct {
	Package string
	IR      *layout.IR
}

// Emitter produces one target's source files for a unit.
type Emitter interface {
	// Target is the canonical lower-case target name.
	Target() string

	// Emit renders every type in the unit. It fails with
	// UnsupportedTypeForTargetError rather than emit partial output.
	Emit(u *Unit) ([]File, error)
}

// UnsupportedTypeForTargetError reports a type shape a target cannot emit.
type UnsupportedTypeForTargetError struct {
	Target   string
	TypeName string
	Reason   string
}

func (e *UnsupportedTypeForTargetError) Error() string {
	return fmt.Sprintf("target %s cannot emit type %q: %s", e.Target, e.TypeName, e.Reason)
}

// UnknownTargetError reports a target name outside the fixed set.
type UnknownTargetError struct {
	Name  string
	Known []string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target %q (known: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Targets returns the canonical names of all registered targets.
func Targets() []string {
	return []string{"c", "rust", "typescript"}
}

var newEmitters = map[string]func() Emitter{}

// Register installs a backend constructor under its canonical name. Backends
// call it from init; importing a backend package makes its target available.
func Register(name string, mk func() Emitter) {
	newEmitters[strings.ToLower(name)] = mk
}

// EmitterFor selects a target by name, case-insensitively. "ts" is accepted
// as an alias for "typescript".
func EmitterFor(name string) (Emitter, error) {
	key := strings.ToLower(name)
	if key == "ts" {
		key = "typescript"
	}
	if mk, ok := newEmitters[key]; ok {
		return mk(), nil
	}
	return nil, &UnknownTargetError{Name: name, Known: Targets()}
}

// Config controls code generation.
type Config struct {
	// OutDir is the directory generated files are written to.
	OutDir string

	// Targets selects backends by name; empty means all.
	Targets []string

	// Logger receives per-file progress. Nil disables logging.
	Logger *slog.Logger
}

// Generate runs the selected backends over the unit and writes their output
// beneath cfg.OutDir. Any backend failure aborts the whole run; no partial
// target output is kept ahead of the failing one.
func Generate(ctx context.Context, u *Unit, cfg *Config) error {
	if cfg.OutDir == "" {
		return fmt.Errorf("OutDir is required")
	}
	targets := cfg.Targets
	if len(targets) == 0 {
		targets = Targets()
	}

	out := sink.NewFilesystemSink(cfg.OutDir)
	for _, name := range targets {
		em, err := EmitterFor(name)
		if err != nil {
			return err
		}
		files, err := em.Emit(u)
		if err != nil {
			return fmt.Errorf("target %s: %w", em.Target(), err)
		}
		for _, f := range files {
			if err := out.WriteFile(ctx, f.Path, f.Content); err != nil {
				return fmt.Errorf("target %s: write %s: %w", em.Target(), f.Path, err)
			}
			if cfg.Logger != nil {
				cfg.Logger.Info("wrote generated file",
					slog.String("target", em.Target()),
					slog.String("path", f.Path),
					slog.Int("bytes", len(f.Content)))
			}
		}
	}
	return nil
}
