package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/abikit/abikit"
	"github.com/abikit/abikit/abigen"
	_ "github.com/abikit/abikit/abigen/cgen"
	_ "github.com/abikit/abikit/abigen/rustgen"
	_ "github.com/abikit/abikit/abigen/tsgen"
	"github.com/abikit/abikit/harness"
	"github.com/abikit/abikit/layout"
	"github.com/abikit/abikit/resolve"
)

type CLI struct {
	Version VersionCmd `cmd:"" help:"Print version information."`
	Flatten FlattenCmd `cmd:"" help:"Inline all imports into one self-contained schema document."`
	Gen     GenCmd     `cmd:"" help:"Generate accessor code for the configured targets."`
	Reflect ReflectCmd `cmd:"" help:"Parse a binary buffer against a schema and print the value tree."`
	Comply  ComplyCmd  `cmd:"" help:"Run a compliance fixture across targets and compare results."`

	Verbose bool `help:"Enable verbose logging." short:"v"`
}

func (c *CLI) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(Version())
	return nil
}

type FlattenCmd struct {
	Schema  string   `arg:"" help:"Root schema file."`
	Include []string `help:"Include directories, searched in order." short:"I" name:"include"`
	Out     string   `help:"Output file (default stdout)." short:"o"`
}

func (c *FlattenCmd) Run(cli *CLI) error {
	r := resolve.NewResolver(c.Include...)
	doc, err := r.Flatten(c.Schema)
	if err != nil {
		return err
	}
	out, err := doc.Encode()
	if err != nil {
		return err
	}
	if c.Out == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	return os.WriteFile(c.Out, out, 0o644)
}

type GenCmd struct {
	Schema  string   `arg:"" help:"Root schema file."`
	Out     string   `arg:"" help:"Output directory for generated files."`
	Include []string `help:"Include directories, searched in order." short:"I" name:"include"`
	Target  []string `help:"Targets to generate (default all: c, rust, typescript)." short:"t"`
}

func (c *GenCmd) Run(cli *CLI) error {
	log := cli.logger()
	r := resolve.NewResolver(c.Include...)
	doc, err := r.Flatten(c.Schema)
	if err != nil {
		return err
	}
	ir, err := layout.Build(doc.Types)
	if err != nil {
		return err
	}
	log.Info("schema resolved",
		slog.String("package", doc.Header.Package),
		slog.Int("types", len(doc.Types)))

	unit := &abigen.Unit{Package: doc.Header.Package, IR: ir}
	cfg := &abigen.Config{OutDir: c.Out, Targets: c.Target, Logger: log}
	return abigen.Generate(context.Background(), unit, cfg)
}

type ReflectCmd struct {
	Schema  string   `arg:"" help:"Root schema file."`
	Type    string   `arg:"" help:"Root type name to parse."`
	Buffer  string   `arg:"" optional:"" help:"Binary file to parse; with --hex, a hex string instead."`
	Include []string `help:"Include directories, searched in order." short:"I" name:"include"`
	Hex     bool     `help:"Treat the buffer argument as a hex string."`

	Pretty       bool `help:"Indent the JSON output."`
	ValuesOnly   bool `help:"Print raw values without well-known enrichment." name:"values-only"`
	ValidateOnly bool `help:"Parse and report success without printing values." name:"validate-only"`
}

func (c *ReflectCmd) Run(cli *CLI) error {
	r := resolve.NewResolver(c.Include...)
	doc, err := r.Flatten(c.Schema)
	if err != nil {
		return err
	}
	ir, err := layout.Build(doc.Types)
	if err != nil {
		return err
	}

	var buf []byte
	if c.Hex {
		clean := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
				return -1
			}
			return r
		}, c.Buffer)
		buf, err = hex.DecodeString(clean)
	} else {
		buf, err = os.ReadFile(c.Buffer)
	}
	if err != nil {
		return fmt.Errorf("read buffer: %w", err)
	}

	dec := abikit.NewDecoder(ir)
	v, err := dec.Decode(c.Type, buf)
	if err != nil {
		return err
	}
	if c.ValidateOnly {
		fmt.Printf("%s: ok (%d bytes)\n", c.Type, len(buf))
		return nil
	}

	f := &abikit.Formatter{}
	if !c.ValuesOnly {
		f.Registry = abikit.DefaultRegistry()
	}
	raw, err := f.Format(v)
	if err != nil {
		return err
	}
	if c.Pretty {
		var indented bytes.Buffer
		if err := json.Indent(&indented, raw, "", "  "); err != nil {
			return err
		}
		fmt.Println(indented.String())
		return nil
	}
	fmt.Println(string(raw))
	return nil
}

type ComplyCmd struct {
	Fixture   string   `arg:"" help:"Compliance fixture archive (txtar)."`
	Target    []string `help:"Targets to run (default: reflect, c, rust, typescript)." short:"t"`
	WorkDir   string   `help:"Parent directory for scratch directories." name:"work-dir"`
	NoCleanup bool     `help:"Retain scratch directories for debugging." name:"no-cleanup"`
}

func (c *ComplyCmd) Run(cli *CLI) error {
	fx, err := harness.LoadFixture(c.Fixture)
	if err != nil {
		return err
	}
	targets := c.Target
	if len(targets) == 0 {
		targets = harness.RunnerTargets()
	}

	h := harness.New(harness.Options{
		WorkDir:   c.WorkDir,
		NoCleanup: c.NoCleanup,
		Verbose:   cli.Verbose,
		Version:   Version(),
		Logger:    cli.logger(),
	})

	failed := 0
	for _, tc := range fx.Cases {
		report, err := h.RunCase(context.Background(), fx, tc, targets)
		if err != nil {
			return err
		}
		if report.Passed() {
			fmt.Printf("PASS %s\n", tc.Name)
			continue
		}
		failed++
		fmt.Printf("FAIL %s\n", tc.Name)
		for _, m := range report.Mismatches {
			fmt.Printf("  %s\n", m)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cases failed", failed, len(fx.Cases))
	}
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("abikit"),
		kong.Description("ABI schema compiler: flatten imports, generate accessors, reflect binary buffers."),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}
