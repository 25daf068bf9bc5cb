package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/abikit/abikit/abigen"
)

// ExecRunner generates one target's code into a scratch directory, compiles
// it together with a small driver program, executes the driver against the
// case buffer, and decodes the driver's JSON report.
type ExecRunner struct {
	target string
}

func (r *ExecRunner) Target() string { return r.target }

func (r *ExecRunner) Run(ctx context.Context, run *Run) (*Result, error) {
	log := run.Options.logger()
	scratch, err := NewScratch(run.Options.WorkDir, run.Options.NoCleanup, log)
	if err != nil {
		return nil, err
	}
	defer scratch.Close()
	log.Info("scratch directory ready",
		slog.String("target", r.target), slog.String("dir", scratch.Dir))

	em, err := abigen.EmitterFor(r.target)
	if err != nil {
		return nil, err
	}
	files, err := em.Emit(&abigen.Unit{Package: run.Schema.Header.Package, IR: run.IR})
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		path := filepath.Join(scratch.Dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("write generated code: %w", err)
		}
		if err := os.WriteFile(path, f.Content, 0o644); err != nil {
			return nil, fmt.Errorf("write generated code: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(scratch.Dir, "buffer.bin"), run.Buffer, 0o644); err != nil {
		return nil, fmt.Errorf("write fixture buffer: %w", err)
	}

	var steps [][]string
	switch r.target {
	case "c":
		if err := os.WriteFile(filepath.Join(scratch.Dir, "main.c"), cDriver(run.Case.TypeName), 0o644); err != nil {
			return nil, err
		}
		steps = [][]string{
			{"cc", "-I", "c", "-o", "driver", "main.c", "c/functions.c"},
			{"./driver"},
		}
	case "rust":
		if err := os.WriteFile(filepath.Join(scratch.Dir, "main.rs"), rustDriver(run.Case.TypeName), 0o644); err != nil {
			return nil, err
		}
		// rustc resolves `mod types;` against the crate root directory.
		if err := os.Rename(filepath.Join(scratch.Dir, "rust", "types.rs"), filepath.Join(scratch.Dir, "types.rs")); err != nil {
			return nil, err
		}
		steps = [][]string{
			{"rustc", "--edition", "2021", "-O", "-o", "driver", "main.rs"},
			{"./driver"},
		}
	case "typescript":
		if err := os.WriteFile(filepath.Join(scratch.Dir, "main.ts"), tsDriver(run.Case.TypeName), 0o644); err != nil {
			return nil, err
		}
		steps = [][]string{
			{"node", "--experimental-strip-types", "main.ts"},
		}
	default:
		return nil, &TargetSelectionError{Name: r.target, Known: RunnerTargets()}
	}

	var stdout bytes.Buffer
	for i, argv := range steps {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = scratch.Dir
		last := i == len(steps)-1
		if last {
			cmd.Stdout = &stdout
		}
		var stderr io.Writer = &bytes.Buffer{}
		if run.Options.Verbose {
			stderr = os.Stderr
			if !last {
				cmd.Stdout = os.Stderr
			}
		}
		cmd.Stderr = stderr
		log.Info("executing", slog.String("target", r.target), slog.String("cmd", strings.Join(argv, " ")))
		if err := cmd.Run(); err != nil {
			detail := ""
			if buf, ok := stderr.(*bytes.Buffer); ok {
				detail = strings.TrimSpace(buf.String())
			}
			if detail != "" {
				return nil, fmt.Errorf("run %q: %w: %s", strings.Join(argv, " "), err, detail)
			}
			return nil, fmt.Errorf("run %q: %w", strings.Join(argv, " "), err)
		}
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("decode driver output: %w", err)
	}
	res.Target = r.target
	return &res, nil
}

func cDriver(typeName string) []byte {
	var b bytes.Buffer
	b.WriteString("#include \"types.h\"\n#include <stdio.h>\n#include <stdlib.h>\n\n")
	b.WriteString("int main(void) {\n")
	b.WriteString("  FILE * f = fopen(\"buffer.bin\", \"rb\");\n")
	b.WriteString("  if (!f) return 1;\n")
	b.WriteString("  fseek(f, 0, SEEK_END);\n  long n = ftell(f);\n  fseek(f, 0, SEEK_SET);\n")
	b.WriteString("  uint8_t * buf = malloc(n > 0 ? n : 1);\n")
	b.WriteString("  if (fread(buf, 1, n, f) != (size_t)n) return 1;\n  fclose(f);\n")
	fmt.Fprintf(&b, "  uint64_t size = %s_size();\n", typeName)
	fmt.Fprintf(&b, "  uint64_t fp = %s_footprint(buf, (uint64_t)n);\n", typeName)
	fmt.Fprintf(&b, "  int valid = %s_validate(buf, (uint64_t)n) == 0;\n", typeName)
	b.WriteString("  if (fp == ABI_FOOTPRINT_ERR) fp = 0;\n")
	b.WriteString("  printf(\"{\\\"size\\\":%llu,\\\"footprint\\\":%llu,\\\"valid\\\":%s}\\n\",\n")
	b.WriteString("         (unsigned long long)size, (unsigned long long)fp, valid ? \"true\" : \"false\");\n")
	b.WriteString("  free(buf);\n  return 0;\n}\n")
	return b.Bytes()
}

func rustDriver(typeName string) []byte {
	fn := rustSnake(typeName)
	var b bytes.Buffer
	b.WriteString("mod types;\nuse types::*;\n\n")
	b.WriteString("fn main() {\n")
	b.WriteString("    let buf = std::fs::read(\"buffer.bin\").expect(\"read buffer.bin\");\n")
	fmt.Fprintf(&b, "    let size = %s_size();\n", fn)
	fmt.Fprintf(&b, "    let fp = %s_footprint(&buf).unwrap_or(0);\n", fn)
	fmt.Fprintf(&b, "    let valid = %s_validate(&buf);\n", fn)
	b.WriteString("    println!(\"{{\\\"size\\\":{},\\\"footprint\\\":{},\\\"valid\\\":{}}}\", size, fp, valid);\n")
	b.WriteString("}\n")
	return b.Bytes()
}

func tsDriver(typeName string) []byte {
	fn := tsCamel(typeName)
	var b bytes.Buffer
	b.WriteString("import * as fs from 'node:fs';\n")
	fmt.Fprintf(&b, "import { %sSize, %sFootprint, %sValidate } from './typescript/types.ts';\n\n", fn, fn, fn)
	b.WriteString("const buf = new Uint8Array(fs.readFileSync('buffer.bin'));\n")
	fmt.Fprintf(&b, "const size = %sSize();\n", fn)
	fmt.Fprintf(&b, "let fp = %sFootprint(buf);\nif (fp < 0) fp = 0;\n", fn)
	fmt.Fprintf(&b, "const valid = %sValidate(buf);\n", fn)
	b.WriteString("console.log(JSON.stringify({ size, footprint: fp, valid }));\n")
	return b.Bytes()
}

func rustSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func tsCamel(name string) string {
	if name == "" {
		return name
	}
	return strings.ToLower(name[:1]) + name[1:]
}
