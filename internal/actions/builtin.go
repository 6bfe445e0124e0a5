package actions

import (
	"log/slog"

	"github.com/rendis/cmdengine/internal/expressions"
)

// BuiltinConfig carries the collaborators of the builtin actions.
type BuiltinConfig struct {
	Logger  *slog.Logger
	Engines *expressions.Engines
	Shell   ShellConfig
}

// RegisterBuiltins registers every builtin action in reg.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Engines == nil {
		engines, err := expressions.NewEngines()
		if err != nil {
			return err
		}
		cfg.Engines = engines
	}

	all := make([]Action, 0, 8)
	all = append(all, ControlActions(cfg.Logger)...)
	all = append(all, VarActions()...)
	all = append(all, ExprActions(cfg.Engines)...)
	all = append(all, ShellActions(cfg.Shell)...)

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
