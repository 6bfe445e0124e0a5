package panel

import (
	"net/http"

	"github.com/rendis/cmdengine/internal/diagram"
	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/store"
)

// --- Page data types ---

type pageData struct {
	Title string
}

type dashboardData struct {
	pageData
	Trees  []string
	Active []*engine.RunStatus
	Recent []*store.Run
	Jobs   []*store.ScheduledJob
}

type runData struct {
	pageData
	Run         *engine.RunStatus
	Transitions []*store.Transition
	Diagram     string
}

// --- Page handlers ---

func (s *PanelServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recent, err := s.deps.Store.ListRuns(ctx, store.RunFilter{Limit: intQuery(r, "limit", 25)})
	if err != nil {
		s.deps.Logger.Error("list runs failed", "error", err)
	}

	var jobs []*store.ScheduledJob
	if s.deps.Scheduler != nil {
		if jobs, err = s.deps.Scheduler.List(ctx); err != nil {
			s.deps.Logger.Error("list jobs failed", "error", err)
		}
	}

	s.renderPage(w, "dashboard.html", dashboardData{
		pageData: pageData{Title: "Dashboard"},
		Trees:    s.deps.Executor.Trees(),
		Active:   s.deps.Executor.Active(),
		Recent:   recent,
		Jobs:     jobs,
	})
}

func (s *PanelServer) handleRunPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")

	st, err := s.deps.Executor.Status(ctx, runID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	transitions, err := s.deps.Store.ListTransitions(ctx, runID, 0)
	if err != nil {
		s.deps.Logger.Error("list transitions failed", "run_id", runID, "error", err)
	}

	data := runData{
		pageData:    pageData{Title: st.Tree + " " + runID},
		Run:         st,
		Transitions: transitions,
	}
	if root, err := s.deps.Executor.Inspect(runID); err == nil {
		data.Diagram = diagram.RenderASCII(diagram.Build(st.Tree, root))
	}
	s.renderPage(w, "run.html", data)
}
