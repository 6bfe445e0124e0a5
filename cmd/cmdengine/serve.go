package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/cmdengine/internal/logging"
	"github.com/rendis/cmdengine/internal/panel"
	"github.com/rendis/cmdengine/internal/scheduler"
	mcpserver "github.com/rendis/cmdengine/pkg/mcp"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		listen   string
		noPanel  bool
		noSched  bool
		blueDirs []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server: web panel, MCP endpoint, metrics and scheduler",
		Long: `Run the long-lived server. It registers every blueprint of the
blueprint directory, serves the web panel and its JSON API on /, the MCP
streamable HTTP transport on /mcp and Prometheus metrics on /metrics,
and launches scheduled jobs.

SIGHUP reloads the settings file: the panel toggle and the log level
apply immediately, other changes are reported and need a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if listen != "" {
				cfg.ListenAddr = listen
			}
			if noPanel {
				cfg.Panel = false
			}
			return serve(cmd.Context(), opts, cfg, serveOptions{scheduler: !noSched, blueprintDirs: blueDirs})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "TCP listen address (default from config: :4200)")
	cmd.Flags().BoolVar(&noPanel, "no-panel", false, "do not serve the web panel")
	cmd.Flags().BoolVar(&noSched, "no-scheduler", false, "do not launch scheduled jobs")
	cmd.Flags().StringSliceVar(&blueDirs, "blueprints", nil, "extra blueprint directories to register")
	return cmd
}

type serveOptions struct {
	scheduler     bool
	blueprintDirs []string
	// ready receives the bound address once the listener is open.
	ready chan<- string
}

// server is the set of handlers serve mounts.
type server struct {
	app       *app
	scheduler *scheduler.Scheduler
	mcp       *mcpserver.Server
	panel     *panel.PanelServer
}

func serve(ctx context.Context, opts *rootOptions, cfg Config, so serveOptions) error {
	a, err := newApp(ctx, cfg, appOptions{persist: true, stream: true})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	for _, dir := range append([]string{cfg.BlueprintDir}, so.blueprintDirs...) {
		if _, err := a.registerDir(dir); err != nil {
			return err
		}
	}

	tick, err := cfg.schedulerTick()
	if err != nil {
		return err
	}
	srv := &server{app: a}
	srv.scheduler = scheduler.NewScheduler(a.store, meteredRunner{Executor: a.executor, metrics: a.metrics}, tick, a.logger)
	srv.mcp = mcpserver.NewServer(mcpserver.ServerDeps{
		Executor:  a.executor,
		Store:     a.store,
		Registry:  a.registry,
		Loader:    a.loader,
		Builder:   a.builder,
		Scheduler: srv.scheduler,
		Logger:    a.logger,
		Version:   version,
	})
	srv.panel = panel.NewPanelServer(panel.PanelDeps{
		Store:     a.store,
		Executor:  a.executor,
		Hub:       a.hub,
		Scheduler: srv.scheduler,
		Metrics:   a.metrics.Handler(),
		Logger:    a.logger,
	})

	if so.scheduler {
		if err := srv.scheduler.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = srv.scheduler.Stop() }()
	}

	handler := newLiveHandler(srv.mux(cfg.Panel))
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()
	a.logger.Info("cmdengine serving",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("panel", cfg.Panel),
		slog.Any("trees", a.executor.Trees()),
	)
	if so.ready != nil {
		so.ready <- ln.Addr().String()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	current := cfg
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-hup:
			current = srv.reload(opts, current, handler)
		}
	}
}

// reload re-reads the settings file and applies what can change live.
func (s *server) reload(opts *rootOptions, current Config, handler *liveHandler) Config {
	next, err := loadConfig(opts.configPath)
	if err != nil {
		s.app.logger.Error("config reload failed", slog.String("error", err.Error()))
		return current
	}
	// Addresses are pinned by the listener.
	next.ListenAddr = current.ListenAddr

	d := diffConfigs(current, next)
	if d.LogLevelChanged {
		s.app.level.Set(logging.ParseLevel(next.LogLevel))
		s.app.logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if d.PanelChanged {
		handler.Store(s.mux(next.Panel))
		s.app.logger.Info("panel toggled", slog.Bool("panel", next.Panel))
	}
	if len(d.RestartNeeded) > 0 {
		s.app.logger.Warn("config changes need a restart", slog.Any("fields", d.RestartNeeded))
	}
	return next
}

// mux builds the route table. Without the panel only the MCP endpoint,
// metrics and a health check are served.
func (s *server) mux(withPanel bool) http.Handler {
	mux := http.NewServeMux()
	mcpHandler := s.mcp.HTTPHandler()
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	if withPanel {
		mux.Handle("/", s.panel.Handler())
	} else {
		mux.Handle("GET /metrics", s.app.metrics.Handler())
	}
	return mux
}

// liveHandler serves through whichever handler was stored last, so reload
// can mount or drop the panel without restarting the listener.
type liveHandler struct {
	current atomic.Pointer[http.Handler]
}

func newLiveHandler(h http.Handler) *liveHandler {
	l := &liveHandler{}
	l.Store(h)
	return l
}

func (l *liveHandler) Store(h http.Handler) { l.current.Store(&h) }

func (l *liveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*l.current.Load()).ServeHTTP(w, r)
}
