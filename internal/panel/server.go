package panel

import (
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/scheduler"
	"github.com/rendis/cmdengine/internal/store"
	"github.com/rendis/cmdengine/internal/streaming"
)

//go:embed templates
var content embed.FS

// PanelDeps holds the dependencies for the panel server. Scheduler and
// Metrics are optional.
type PanelDeps struct {
	Store     store.Store
	Executor  engine.Executor
	Hub       streaming.EventHub
	Scheduler *scheduler.Scheduler
	Metrics   http.Handler
	Logger    *slog.Logger
}

// PanelServer serves the web management panel and its JSON API.
type PanelServer struct {
	deps  PanelDeps
	pages map[string]*template.Template
}

// NewPanelServer creates a new PanelServer with parsed templates.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	base := template.Must(template.New("").Funcs(templateFuncs).ParseFS(content, "templates/base.html"))

	// Each page clones the shared set so its "content" block stays private.
	pageFiles := []string{"dashboard.html", "run.html"}
	pages := make(map[string]*template.Template, len(pageFiles))
	for _, pf := range pageFiles {
		clone := template.Must(base.Clone())
		pages[pf] = template.Must(clone.ParseFS(content, "templates/"+pf))
	}

	return &PanelServer{deps: deps, pages: pages}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Pages.
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /runs/{id}", s.handleRunPage)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	// API.
	mux.HandleFunc("GET /api/trees", s.handleListTrees)
	mux.HandleFunc("GET /api/trees/{name}/diagram", s.handleTreeDiagram)
	mux.HandleFunc("POST /api/trees/{name}/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleDeleteRun)
	mux.HandleFunc("GET /api/runs/{id}/transitions", s.handleListTransitions)
	mux.HandleFunc("GET /api/runs/{id}/diagram", s.handleRunDiagram)
	mux.HandleFunc("POST /api/runs/{id}/{action}", s.handleControlRun)
	mux.HandleFunc("GET /api/scheduler", s.handleListJobs)
	mux.HandleFunc("POST /api/scheduler", s.handleCreateJob)
	mux.HandleFunc("PUT /api/scheduler/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/scheduler/{id}", s.handleDeleteJob)

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	return mux
}

// renderPage executes a page template by name.
func (s *PanelServer) renderPage(w http.ResponseWriter, page string, data any) {
	tmpl, ok := s.pages[page]
	if !ok {
		s.deps.Logger.Error("template not found", "page", page)
		http.Error(w, fmt.Sprintf("template %q not found", page), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		s.deps.Logger.Error("template render error", "page", page, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
