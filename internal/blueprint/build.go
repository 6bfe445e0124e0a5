package blueprint

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rendis/cmdengine/internal/actions"
	"github.com/rendis/cmdengine/internal/expressions"
	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

// Tree is a command tree built from a blueprint, with the variable bag its
// leaves and predicates share.
type Tree struct {
	Blueprint *schema.Blueprint
	Root      command.Command
	Vars      *expressions.Variables
}

// Deps are the collaborators a Builder wires into the commands it creates.
type Deps struct {
	Registry *actions.Registry
	Engines  *expressions.Engines
	Schemas  *SchemaValidator

	// Launcher runs Parallel children; nil selects command.DefaultLauncher.
	Launcher command.Launcher

	// Logger reports on_abort handlers that end in a fault or failure.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Builder validates blueprints and turns them into command trees.
type Builder struct {
	deps      Deps
	validator *Validator
}

// NewBuilder creates a Builder.
func NewBuilder(deps Deps) *Builder {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Builder{
		deps:      deps,
		validator: NewValidator(deps.Registry, deps.Engines, deps.Schemas),
	}
}

// Validate runs the structural checks on bp without building it.
func (b *Builder) Validate(bp *schema.Blueprint) *schema.ValidationResult {
	return b.validator.Validate(bp)
}

// Build validates bp and creates a fresh command tree. Each call returns an
// independent tree with its own variables.
func (b *Builder) Build(bp *schema.Blueprint) (*Tree, error) {
	if err := b.validator.Validate(bp).ToError(); err != nil {
		return nil, err
	}

	t := &Tree{Blueprint: bp, Vars: expressions.NewVariables(bp.Variables)}
	root, err := b.node(t, &bp.Root)
	if err != nil {
		return nil, err
	}
	t.Root = root
	return t, nil
}

func nodeName(n *schema.NodeDef) string {
	if n.Name == "" && n.Kind == schema.KindLeaf {
		return n.Action
	}
	return n.DisplayName()
}

func (b *Builder) node(t *Tree, n *schema.NodeDef) (command.Command, error) {
	name := nodeName(n)

	switch n.Kind {
	case schema.KindLeaf:
		return b.leaf(t, n, name)

	case schema.KindSequential, schema.KindParallel:
		children := make([]command.Command, 0, len(n.Children))
		for i := range n.Children {
			c, err := b.node(t, &n.Children[i])
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if n.Kind == schema.KindSequential {
			return command.NewSequential(name, children...), nil
		}
		return command.NewParallel(name, children...).WithLauncher(b.deps.Launcher), nil

	case schema.KindConditional:
		pred, err := b.predicate(t, n.Predicate)
		if err != nil {
			return nil, err
		}
		then, err := b.node(t, n.Then)
		if err != nil {
			return nil, err
		}
		els, err := b.node(t, n.Else)
		if err != nil {
			return nil, err
		}
		return command.NewConditional(name, pred, then, els), nil

	case schema.KindWhile:
		pred, err := b.predicate(t, n.Predicate)
		if err != nil {
			return nil, err
		}
		var init command.Command
		if n.Init != nil {
			if init, err = b.node(t, n.Init); err != nil {
				return nil, err
			}
		}
		body, err := b.node(t, n.Body)
		if err != nil {
			return nil, err
		}
		return command.NewWhile(name, pred, init, body), nil

	case schema.KindRecoverable, schema.KindTryFinally:
		core, err := b.node(t, n.Core)
		if err != nil {
			return nil, err
		}
		if n.Kind == schema.KindRecoverable {
			recovery, err := b.node(t, n.Recovery)
			if err != nil {
				return nil, err
			}
			return command.NewRecoverable(name, core, recovery), nil
		}
		finally, err := b.node(t, n.Finally)
		if err != nil {
			return nil, err
		}
		return command.NewTryFinally(name, core, finally), nil
	}

	body, err := b.node(t, n.Body)
	if err != nil {
		return nil, err
	}

	switch n.Kind {
	case schema.KindCyclic:
		return command.NewCyclic(name, n.Repeat, body), nil
	case schema.KindForEach:
		return command.NewForEach[any](name, n.Items, body), nil
	case schema.KindAbortable:
		onAbort, err := b.abortCallback(t, n.OnAbort)
		if err != nil {
			return nil, err
		}
		return command.NewAbortable(name, body, onAbort), nil
	case schema.KindRetry:
		var delay time.Duration
		if n.Delay != "" {
			if delay, err = time.ParseDuration(n.Delay); err != nil {
				return nil, schema.NewOpErrorf(schema.ErrCodeValidation, "invalid delay %q", n.Delay).WithCause(err)
			}
		}
		return command.NewRetry(name, body, n.MaxAttempts, delay), nil
	}

	return nil, schema.NewOpErrorf(schema.ErrCodeValidation, "unknown kind %q", n.Kind)
}

// leaf binds an action. Outputs are stored in the tree variables under the
// node's output name when the action succeeds.
func (b *Builder) leaf(t *Tree, n *schema.NodeDef, name string) (command.Command, error) {
	action, err := b.deps.Registry.Get(n.Action)
	if err != nil {
		return nil, err
	}

	var invocations atomic.Int64
	params, output, vars := n.Params, n.Output, t.Vars

	return command.NewLeaf(name, func(ctx context.Context) error {
		out, err := action.Execute(ctx, actions.ActionInput{
			Params:     params,
			Command:    name,
			Invocation: int(invocations.Add(1)),
			Vars:       vars,
		})
		if err != nil {
			return err
		}
		if output == "" {
			return nil
		}
		value, err := out.Value()
		if err != nil {
			return fmt.Errorf("decode output of %s: %w", name, err)
		}
		vars.Set(output, value)
		return nil
	}), nil
}

func (b *Builder) predicate(t *Tree, p *schema.PredicateDef) (command.Predicate, error) {
	engine, err := b.deps.Engines.Get(p.Engine)
	if err != nil {
		return nil, err
	}
	return expressions.Predicate(engine, p.Expression, t.Vars), nil
}

// abortCallback runs the on_abort leaf to completion and logs a fault or
// failure it ends with.
func (b *Builder) abortCallback(t *Tree, n *schema.NodeDef) (func(), error) {
	if n == nil {
		return func() {}, nil
	}
	name := nodeName(n)
	cmd, err := b.leaf(t, n, name)
	if err != nil {
		return nil, err
	}
	logger := b.deps.Logger.With(slog.String("blueprint", t.Blueprint.Name), slog.String("on_abort", name))
	return func() {
		if err := cmd.Run(context.Background()); err != nil {
			logger.Error("abort handler terminated by fault", slog.String("error", err.Error()))
			return
		}
		if ce := cmd.Err(); cmd.State() == schema.StateFailed && ce != nil {
			logger.Warn("abort handler failed", slog.Int("code", ce.Code), slog.String("error", ce.Text))
		}
	}, nil
}
