package main

import (
	"github.com/spf13/cobra"
)

// rootOptions carries the global flags and the configuration they resolve to.
type rootOptions struct {
	configPath string
	logLevel   string
	dbPath     string
	cfg        Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "cmdengine",
		Short: "cmdengine - composable command trees",
		Long: `cmdengine runs trees of commands described by YAML or JSON blueprints.

Leaves perform actions; composites run their children in sequence, in
parallel, conditionally or in loops; decorators add retry, recovery,
finally blocks and abort handling. Runs can be paused, resumed and
aborted, are persisted with every state transition, and can be scheduled
with cron expressions.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = opts.dbPath
			}
			opts.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "settings file (default: ~/.cmdengine/settings.json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "run history database path")

	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newValidateCommand(opts))
	root.AddCommand(newDiagramCommand(opts))
	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newMCPCommand(opts))
	root.AddCommand(newHistoryCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}
