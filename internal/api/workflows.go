package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

type workflowDTO struct {
	Name      string         `json:"name"`
	Event     string         `json:"event"`
	Site      string         `json:"site"`
	State     workflow.State `json:"state"`
	StartURLs []string       `json:"start_urls"`
	Lookback  string         `json:"lookback"`
	Policy    policyDTO      `json:"policy"`
}

type policyDTO struct {
	Concurrency      int               `json:"concurrency"`
	ExecutionTimeout string            `json:"execution_timeout"`
	ScheduleTimeout  string            `json:"schedule_timeout"`
	Retries          int               `json:"retries"`
	Labels           map[string]string `json:"labels,omitempty"`
	Proxy            bool              `json:"proxy"`
}

func toWorkflowDTO(w *workflow.Workflow) workflowDTO {
	p := w.Policy()
	return workflowDTO{
		Name:      w.Name(),
		Event:     w.Event(),
		Site:      w.Site(),
		State:     w.State(),
		StartURLs: w.StartURLs(),
		Lookback:  w.Lookback().String(),
		Policy: policyDTO{
			Concurrency:      p.Concurrency,
			ExecutionTimeout: p.ExecutionTimeout.String(),
			ScheduleTimeout:  p.ScheduleTimeout.String(),
			Retries:          p.Retries,
			Labels:           p.Labels,
			Proxy:            !p.NoProxy,
		},
	}
}

// listWorkflows handles GET /v1/workflows.
func (s *Server) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	all := s.registry.List()
	out := make([]workflowDTO, 0, len(all))
	for _, wf := range all {
		out = append(out, toWorkflowDTO(wf))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*workflow.Workflow, bool) {
	name := chi.URLParam(r, "name")
	wf, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "workflow not found")
		return nil, false
	}
	return wf, true
}

// getWorkflow handles GET /v1/workflows/{name}.
func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": toWorkflowDTO(wf)})
}

// runWorkflow handles POST /v1/workflows/{name}/run. The request itself is
// the confirmation.
func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res, err := wf.Run(r.Context(), workflow.AutoConfirm)
	switch {
	case errors.Is(err, workflow.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("run workflow failed", zap.String("workflow", wf.Name()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "run": res})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"run": res})
	}
}

type crawlRequest struct {
	URL    string         `json:"url"`
	TaskID string         `json:"task_id"`
	Extra  crawler.Record `json:"extra"`
}

// crawlURL handles POST /v1/workflows/{name}/crawl. It answers 202 when the
// URL was admitted and 200 when admission rejected it.
func (s *Server) crawlURL(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if req.TaskID == "" {
		req.TaskID = wf.NewTaskID(s.now())
	}
	admitted, err := wf.Crawl(r.Context(), req.URL, req.TaskID, req.Extra)
	if err != nil {
		s.logger.Error("crawl failed", zap.String("workflow", wf.Name()), zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to dispatch url")
		return
	}
	status := http.StatusOK
	if admitted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"admitted": admitted, "task_id": req.TaskID})
}

func (s *Server) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
