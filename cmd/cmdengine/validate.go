package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/cmdengine/internal/actions"
	"github.com/rendis/cmdengine/internal/blueprint"
	"github.com/rendis/cmdengine/internal/expressions"
	"github.com/rendis/cmdengine/pkg/schema"
)

func newValidateCommand(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <blueprint>...",
		Short: "Check blueprints without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, builder, err := newBlueprintTools()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				issues := validateFile(loader, builder, path)
				if len(issues) == 0 {
					fmt.Fprintf(out, "ok    %s\n", path)
					continue
				}
				failed++
				fmt.Fprintf(out, "FAIL  %s\n", path)
				for _, issue := range issues {
					fmt.Fprintf(out, "      %s\n", issue)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d blueprints are invalid", failed, len(args))
			}
			return nil
		},
	}
}

// newBlueprintTools wires a loader and builder without an executor.
func newBlueprintTools() (*blueprint.Loader, *blueprint.Builder, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, nil, err
	}
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, actions.BuiltinConfig{Engines: engines}); err != nil {
		return nil, nil, err
	}
	schemas, err := blueprint.NewSchemaValidator()
	if err != nil {
		return nil, nil, err
	}
	return blueprint.NewLoader(schemas), blueprint.NewBuilder(blueprint.Deps{
		Registry: reg,
		Engines:  engines,
		Schemas:  schemas,
	}), nil
}

// validateFile returns the problems found in the blueprint at path.
func validateFile(loader *blueprint.Loader, builder *blueprint.Builder, path string) []string {
	bp, err := loader.Load(path)
	if err != nil {
		return errorLines(err)
	}
	if result := builder.Validate(bp); !result.Valid() {
		lines := make([]string, len(result.Issues))
		for i, issue := range result.Issues {
			lines[i] = issue.String()
		}
		return lines
	}
	if _, err := builder.Build(bp); err != nil {
		return errorLines(err)
	}
	return nil
}

func errorLines(err error) []string {
	var opErr *schema.OpError
	if errors.As(err, &opErr) {
		if issues, ok := opErr.Details["issues"].([]schema.ValidationIssue); ok && len(issues) > 0 {
			lines := make([]string, len(issues))
			for i, issue := range issues {
				lines[i] = issue.String()
			}
			return lines
		}
	}
	return []string{err.Error()}
}
