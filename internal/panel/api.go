package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/cmdengine/internal/diagram"
	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/internal/store"
	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

// handleListTrees lists the registered tree names.
func (s *PanelServer) handleListTrees(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{"trees": s.deps.Executor.Trees()})
}

// handleStartRun launches a tree in the background.
func (s *PanelServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	runID, err := s.deps.Executor.Start(r.Context(), name, engine.RunOptions{Trigger: store.TriggerPanel})
	if err != nil {
		failOp(w, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"run_id": runID, "tree": name})
}

// handleListRuns lists run history, newest first.
func (s *PanelServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Tree:  r.URL.Query().Get("tree"),
		Limit: intQuery(r, "limit", 50),
	}
	if v := r.URL.Query().Get("state"); v != "" {
		st, err := schema.ParseState(v)
		if err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.State = &st
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		filter.Since = &since
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		failOp(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"runs": runs, "active": s.deps.Executor.Active()})
}

// handleGetRun reports a run, live when it is still in memory.
func (s *PanelServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Executor.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		failOp(w, err)
		return
	}
	respond(w, http.StatusOK, st)
}

// handleDeleteRun removes a finished run and its transitions.
func (s *PanelServer) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if st, err := s.deps.Executor.Status(r.Context(), runID); err == nil && st.Active {
		fail(w, http.StatusConflict, "run is still executing")
		return
	}
	if err := s.deps.Store.DeleteRun(r.Context(), runID); err != nil {
		failOp(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"ok": "true", "run_id": runID})
}

// handleListTransitions returns the persisted transitions of a run after
// the optional since sequence.
func (s *PanelServer) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	transitions, err := s.deps.Store.ListTransitions(r.Context(), runID, int64(intQuery(r, "since", 0)))
	if err != nil {
		failOp(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"run_id": runID, "transitions": transitions})
}

// handleControlRun applies pause, resume or abort to an active run.
func (s *PanelServer) handleControlRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	action := schema.ControlAction(r.PathValue("action"))
	if !action.Valid() {
		fail(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err := s.deps.Executor.Control(runID, action); err != nil {
		failOp(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"ok": "true", "run_id": runID, "action": string(action)})
}

// handleTreeDiagram draws the unstarted shape of a registered tree.
func (s *PanelServer) handleTreeDiagram(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	root, err := s.deps.Executor.Preview(name)
	if err != nil {
		failOp(w, err)
		return
	}
	s.writeDiagram(w, r, name, root)
}

// handleRunDiagram draws a run with its current states.
func (s *PanelServer) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	root, err := s.deps.Executor.Inspect(r.PathValue("id"))
	if err != nil {
		failOp(w, err)
		return
	}
	s.writeDiagram(w, r, "", root)
}

// writeDiagram renders root in the format named by the "format" query
// parameter: ascii, mermaid (default) or an image format.
func (s *PanelServer) writeDiagram(w http.ResponseWriter, r *http.Request, title string, root command.Command) {
	model := diagram.Build(title, root)
	format := r.URL.Query().Get("format")
	switch format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
		return
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderASCII(model)))
		return
	}

	imgFormat, err := diagram.ParseImageFormat(format)
	if err != nil {
		failOp(w, err)
		return
	}
	data, err := diagram.RenderImage(r.Context(), model, imgFormat)
	if err != nil {
		s.deps.Logger.Error("diagram render failed", "error", err)
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", imageContentType(imgFormat))
	_, _ = w.Write(data)
}

func imageContentType(f diagram.ImageFormat) string {
	switch f {
	case diagram.FormatSVG:
		return "image/svg+xml"
	case diagram.FormatJPG:
		return "image/jpeg"
	case diagram.FormatDOT:
		return "text/vnd.graphviz"
	default:
		return "image/png"
	}
}

// handleListJobs lists scheduled jobs.
func (s *PanelServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		fail(w, http.StatusNotImplemented, "scheduler is not enabled")
		return
	}
	jobs, err := s.deps.Scheduler.List(r.Context())
	if err != nil {
		failOp(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleCreateJob schedules a tree on a cron expression.
func (s *PanelServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		fail(w, http.StatusNotImplemented, "scheduler is not enabled")
		return
	}

	var body struct {
		Tree           string `json:"tree"`
		CronExpression string `json:"cron_expression"`
		Enabled        *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		fail(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Tree == "" || body.CronExpression == "" {
		fail(w, http.StatusBadRequest, "tree and cron_expression are required")
		return
	}

	job, err := s.deps.Scheduler.Add(r.Context(), body.Tree, body.CronExpression)
	if err != nil {
		failOp(w, err)
		return
	}
	if body.Enabled != nil && !*body.Enabled {
		if err := s.deps.Scheduler.SetEnabled(r.Context(), job.ID, false); err != nil {
			failOp(w, err)
			return
		}
		job.Enabled = false
	}
	respond(w, http.StatusCreated, job)
}

// handleUpdateJob enables or disables a scheduled job.
func (s *PanelServer) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		fail(w, http.StatusNotImplemented, "scheduler is not enabled")
		return
	}
	jobID := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		fail(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Enabled == nil {
		fail(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.deps.Scheduler.SetEnabled(r.Context(), jobID, *body.Enabled); err != nil {
		failOp(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"ok": "true", "id": jobID})
}

// handleDeleteJob deletes a scheduled job.
func (s *PanelServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		fail(w, http.StatusNotImplemented, "scheduler is not enabled")
		return
	}
	jobID := r.PathValue("id")
	if err := s.deps.Scheduler.Remove(r.Context(), jobID); err != nil {
		failOp(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"ok": "true", "id": jobID})
}
