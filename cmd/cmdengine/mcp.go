package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/cmdengine/internal/scheduler"
	mcpserver "github.com/rendis/cmdengine/pkg/mcp"
)

func newMCPCommand(opts *rootOptions) *cobra.Command {
	var withScheduler bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Long: `Serve the cmdengine MCP tools on stdin and stdout for an agent
host. Logs go to stderr. Blueprints of the blueprint directory are
registered at startup; agents can define more with cmdengine.define.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, appOptions{persist: true, logOut: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if _, err := a.registerDir(opts.cfg.BlueprintDir); err != nil {
				return err
			}

			tick, err := opts.cfg.schedulerTick()
			if err != nil {
				return err
			}
			sched := scheduler.NewScheduler(a.store, meteredRunner{Executor: a.executor, metrics: a.metrics}, tick, a.logger)
			if withScheduler {
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer func() { _ = sched.Stop() }()
			}

			srv := mcpserver.NewServer(mcpserver.ServerDeps{
				Executor:  a.executor,
				Store:     a.store,
				Registry:  a.registry,
				Loader:    a.loader,
				Builder:   a.builder,
				Scheduler: sched,
				Logger:    a.logger,
				Version:   version,
			})
			err = srv.Serve(ctx)
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&withScheduler, "scheduler", false, "also launch scheduled jobs while serving")
	return cmd
}
