package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/cmdengine/internal/diagram"
	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/store"
	"github.com/rendis/cmdengine/pkg/schema"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		asJSON    bool
		showTree  bool
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "run <blueprint>",
		Short: "Execute a blueprint and wait for it to stop",
		Long: `Execute a blueprint file and wait for its root to reach a terminal
state. Interrupting the command cancels the run. The exit status is
non-zero unless the run completed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, appOptions{persist: !noHistory, logOut: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			name, err := a.registerFile(args[0])
			if err != nil {
				return err
			}
			res, err := a.executor.Run(ctx, name, engine.RunOptions{Trigger: store.TriggerCLI})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printRunResult(out, res)
			}
			if showTree {
				if root, err := a.executor.Inspect(res.RunID); err == nil {
					fmt.Fprintln(out)
					fmt.Fprint(out, diagram.RenderASCII(diagram.Build(name, root)))
				}
			}

			if res.State != schema.StateCompleted {
				return fmt.Errorf("run %s ended %s", res.RunID, res.State)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&showTree, "tree", false, "print the final tree with command states")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the run in the history database")
	return cmd
}

func printRunResult(w io.Writer, res *engine.RunResult) {
	fmt.Fprintf(w, "run:     %s\n", res.RunID)
	fmt.Fprintf(w, "tree:    %s\n", res.Tree)
	fmt.Fprintf(w, "state:   %s (%d%%)\n", res.State, res.Percent)
	fmt.Fprintf(w, "elapsed: %s\n", res.Elapsed)
	if res.Error != nil {
		fmt.Fprintf(w, "error:   [%d] %s\n", res.Error.Code, res.Error.Text)
	}
	if res.Fault != "" {
		fmt.Fprintf(w, "fault:   %s\n", res.Fault)
	}
}
