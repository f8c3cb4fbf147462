package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/admission"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	historyTimeout  = 3 * time.Second
)

type runDTO struct {
	crawler.Run
	State workflow.State `json:"state"`
}

// listRuns handles GET /v1/runs?hash=&status=&since=&limit=. Instead of hash,
// callers may pass event, url and task_id to look up an admission key.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	filter, err := parseRunFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
	defer cancel()

	runs, err := s.history.FindRuns(ctx, filter)
	if err != nil {
		s.logger.Error("find runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, runDTO{Run: run, State: workflow.StateOf(run.Status)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func parseRunFilter(r *http.Request) (crawler.RunFilter, error) {
	q := r.URL.Query()
	filter := crawler.RunFilter{Hash: strings.TrimSpace(q.Get("hash")), Limit: defaultRunLimit}

	if filter.Hash == "" {
		event, url, taskID := q.Get("event"), q.Get("url"), q.Get("task_id")
		if event != "" || url != "" || taskID != "" {
			if event == "" || url == "" || taskID == "" {
				return filter, errors.New("event, url and task_id must be given together")
			}
			filter.Hash = admission.Key(taskID, event, url)
		}
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			status, err := parseStatus(part)
			if err != nil {
				return filter, err
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("since must be RFC3339")
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = min(limit, maxRunLimit)
	}
	return filter, nil
}

func parseStatus(raw string) (crawler.RunStatus, error) {
	switch status := crawler.RunStatus(strings.ToLower(strings.TrimSpace(raw))); status {
	case crawler.RunQueued, crawler.RunRunning, crawler.RunCompleted, crawler.RunFailed:
		return status, nil
	default:
		return "", fmt.Errorf("invalid status %q", raw)
	}
}
