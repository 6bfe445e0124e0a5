package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/cmdengine/internal/diagram"
)

func newDiagramCommand(_ *rootOptions) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "diagram <blueprint>",
		Short: "Draw the command tree of a blueprint",
		Long: `Draw the command tree of a blueprint without running it.

Formats: ascii and mermaid print text; dot and svg print graphviz output;
png and jpg need --output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, builder, err := newBlueprintTools()
			if err != nil {
				return err
			}
			bp, err := loader.Load(args[0])
			if err != nil {
				return err
			}
			tree, err := builder.Build(bp)
			if err != nil {
				return err
			}
			model := diagram.Build(bp.Name, tree.Root)

			var data []byte
			switch format {
			case "ascii":
				data = []byte(diagram.RenderASCII(model))
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			default:
				imgFormat, err := diagram.ParseImageFormat(format)
				if err != nil {
					return err
				}
				if output == "" && (imgFormat == diagram.FormatPNG || imgFormat == diagram.FormatJPG) {
					return fmt.Errorf("format %s needs --output", format)
				}
				if data, err = diagram.RenderImage(cmd.Context(), model, imgFormat); err != nil {
					return err
				}
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Diagram written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "ascii", "ascii, mermaid, dot, svg, png or jpg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}
