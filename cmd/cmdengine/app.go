package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendis/cmdengine/internal/actions"
	"github.com/rendis/cmdengine/internal/blueprint"
	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/expressions"
	"github.com/rendis/cmdengine/internal/logging"
	"github.com/rendis/cmdengine/internal/store"
	"github.com/rendis/cmdengine/internal/streaming"
	"github.com/rendis/cmdengine/internal/telemetry"
	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

const shutdownGrace = 10 * time.Second

// appOptions selects the optional parts of an app.
type appOptions struct {
	// persist opens the run history database.
	persist bool
	// stream creates the in-memory event hub.
	stream bool
	// logOut receives process logs; stderr when nil.
	logOut io.Writer
}

// app is the wired engine shared by the subcommands.
type app struct {
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger

	store    *store.LibSQLStore
	hub      *streaming.MemoryHub
	pool     *command.Pool
	registry *actions.Registry
	loader   *blueprint.Loader
	builder  *blueprint.Builder
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	executor engine.Executor
}

func newApp(ctx context.Context, cfg Config, opts appOptions) (*app, error) {
	out := opts.logOut
	if out == nil {
		out = os.Stderr
	}
	a := &app{cfg: cfg, level: new(slog.LevelVar)}
	a.level.Set(logging.ParseLevel(cfg.LogLevel))
	a.logger = logging.NewLeveledLogger(a.level, cfg.LogFormat, out)
	a.installLogSink(out)

	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	shellTimeout, err := cfg.shellTimeout()
	if err != nil {
		return nil, err
	}
	a.registry = actions.NewRegistry()
	if err := actions.RegisterBuiltins(a.registry, actions.BuiltinConfig{
		Logger:  a.logger,
		Engines: engines,
		Shell:   actions.ShellConfig{DefaultTimeout: shellTimeout},
	}); err != nil {
		return nil, err
	}
	schemas, err := blueprint.NewSchemaValidator()
	if err != nil {
		return nil, err
	}

	deps := blueprint.Deps{Registry: a.registry, Engines: engines, Schemas: schemas, Logger: a.logger}
	a.metrics = telemetry.NewMetrics()
	if cfg.PoolSize > 0 {
		a.pool = command.NewPool(cfg.PoolSize)
		deps.Launcher = a.pool
		if err := a.metrics.RegisterPool("parallel", a.pool); err != nil {
			a.close(ctx)
			return nil, err
		}
	}
	a.loader = blueprint.NewLoader(schemas)
	a.builder = blueprint.NewBuilder(deps)
	a.tracer, err = telemetry.NewTracer(cfg.TraceExporter, "cmdengine", out)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	execCfg := engine.ExecutorConfig{
		Observers: []engine.ObserverFactory{a.metrics.Observer(), a.tracer.Observer()},
		Logger:    a.logger,
	}
	if opts.persist {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		a.store, err = store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		if err := a.store.Migrate(ctx); err != nil {
			a.close(ctx)
			return nil, err
		}
		execCfg.Store = a.store
	}
	if opts.stream {
		a.hub = streaming.NewMemoryHub()
		execCfg.Hub = a.hub
	}
	a.executor = engine.NewExecutor(execCfg)
	return a, nil
}

// installLogSink routes the messages of the commands themselves.
func (a *app) installLogSink(out io.Writer) {
	if a.cfg.LogSink == sinkZerolog {
		zl := zerolog.New(out).With().Timestamp().Logger().Level(zerologLevel(a.cfg.LogLevel))
		command.SetLogSink(logging.NewZerologSink(zl))
		return
	}
	command.SetLogSink(logging.NewSlogSink(a.logger))
}

func zerologLevel(name string) zerolog.Level {
	switch logging.ParseLevel(name) {
	case slog.LevelDebug:
		return zerolog.DebugLevel
	case slog.LevelWarn:
		return zerolog.WarnLevel
	case slog.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// historyStore returns the store as the interface the collaborators take,
// nil when persistence is off.
func (a *app) historyStore() store.Store {
	if a.store == nil {
		return nil
	}
	return a.store
}

// registerFile loads a blueprint, checks that it builds and registers it
// under its name.
func (a *app) registerFile(path string) (string, error) {
	bp, err := a.loader.Load(path)
	if err != nil {
		return "", err
	}
	if _, err := a.builder.Build(bp); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	builder := a.builder
	if err := a.executor.Register(bp.Name, func() (*blueprint.Tree, error) {
		return builder.Build(bp)
	}); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return bp.Name, nil
}

// registerDir registers every blueprint file in dir. A missing directory
// registers nothing.
func (a *app) registerDir(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	names := make([]string, 0, len(files))
	for _, f := range files {
		name, err := a.registerFile(f)
		if err != nil {
			return names, err
		}
		a.logger.Info("blueprint registered", slog.String("tree", name), slog.String("file", f))
		names = append(names, name)
	}
	return names, nil
}

// close releases everything newApp opened. Active runs get shutdownGrace
// to stop even when ctx is already cancelled.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()

	if a.executor != nil {
		if err := a.executor.Shutdown(ctx); err != nil {
			a.logger.Warn("executor shutdown", slog.String("error", err.Error()))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown", slog.String("error", err.Error()))
		}
	}
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	command.SetLogSink(nil)
}

// meteredRunner counts scheduler launches before handing them to the
// executor.
type meteredRunner struct {
	engine.Executor
	metrics *telemetry.Metrics
}

func (r meteredRunner) Run(ctx context.Context, name string, opts engine.RunOptions) (*engine.RunResult, error) {
	res, err := r.Executor.Run(ctx, name, opts)
	if err != nil {
		r.metrics.RecordScheduled(name, schema.StateFailed)
		return nil, err
	}
	r.metrics.RecordScheduled(name, res.State)
	return res, nil
}
