// gen-diagrams renders every example blueprint as ASCII, Mermaid and SVG
// for the README.
// Run: go run ./cmd/gen-diagrams [-in examples] [-out docs/diagrams]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rendis/cmdengine/internal/actions"
	"github.com/rendis/cmdengine/internal/blueprint"
	"github.com/rendis/cmdengine/internal/diagram"
	"github.com/rendis/cmdengine/internal/expressions"
)

func main() {
	in := flag.String("in", "examples", "directory of blueprint files")
	out := flag.String("out", filepath.Join("docs", "diagrams"), "output directory")
	flag.Parse()

	if err := run(context.Background(), *in, *out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, in, out string) error {
	engines, err := expressions.NewEngines()
	if err != nil {
		return err
	}
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, actions.BuiltinConfig{Engines: engines}); err != nil {
		return err
	}
	schemas, err := blueprint.NewSchemaValidator()
	if err != nil {
		return err
	}
	loader := blueprint.NewLoader(schemas)
	builder := blueprint.NewBuilder(blueprint.Deps{Registry: reg, Engines: engines, Schemas: schemas})

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(in, pattern))
		if err != nil {
			return err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return fmt.Errorf("no blueprints in %s", in)
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	for _, f := range files {
		bp, err := loader.Load(f)
		if err != nil {
			return err
		}
		tree, err := builder.Build(bp)
		if err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		model := diagram.Build(bp.Name, tree.Root)

		svg, err := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		outputs := map[string][]byte{
			bp.Name + ".txt": []byte(diagram.RenderASCII(model)),
			bp.Name + ".mmd": []byte(diagram.RenderMermaid(model)),
			bp.Name + ".svg": svg,
		}
		for name, data := range outputs {
			path := filepath.Join(out, name)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
		}
	}
	return nil
}
