package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/cmdengine/internal/store"
	"github.com/rendis/cmdengine/pkg/schema"
)

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		tree   string
		state  string
		since  time.Duration
		limit  int
		runID  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, or the transitions of one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := store.NewLibSQLStore("file:" + opts.cfg.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if runID != "" {
				transitions, err := s.ListTransitions(ctx, runID, 0)
				if err != nil {
					return err
				}
				if asJSON {
					return json.NewEncoder(out).Encode(transitions)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tTIME\tCOMMAND\tKIND\tFROM\tTO\tERROR")
				for _, tr := range transitions {
					errText := ""
					if tr.Error != nil {
						errText = fmt.Sprintf("[%d] %s", tr.Error.Code, tr.Error.Text)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", tr.Sequence, tr.Timestamp.Format(time.TimeOnly),
						tr.Command, tr.Kind, tr.From, tr.To, errText)
				}
				return tw.Flush()
			}

			filter := store.RunFilter{Tree: tree, Limit: limit}
			if state != "" {
				st, err := schema.ParseState(state)
				if err != nil {
					return err
				}
				filter.State = &st
			}
			if since > 0 {
				from := time.Now().Add(-since)
				filter.Since = &from
			}
			runs, err := s.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(out).Encode(runs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tTREE\tTRIGGER\tSTATE\tPERCENT\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\t%s\n", r.ID, r.Tree, r.Trigger, r.State, r.Percent,
					r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&tree, "tree", "", "only runs of this tree")
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs started within this window, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().StringVar(&runID, "run", "", "show the transitions of this run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
