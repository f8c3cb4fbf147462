package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// RunStore is an in-memory crawler.RunHistory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.Run
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]crawler.Run)}
}

// RecordRun stores run unless its id is already known.
func (s *RunStore) RecordRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return nil
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRunStatus moves a run to status.
func (s *RunStore) UpdateRunStatus(_ context.Context, id string, status crawler.RunStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, crawler.ErrNotFound)
	}
	run.Status = status
	run.Error = errText
	run.UpdatedAt = time.Now().UTC()
	s.runs[id] = run
	return nil
}

// FindRuns returns matching runs, newest first.
func (s *RunStore) FindRuns(_ context.Context, filter crawler.RunFilter) ([]crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Run
	for _, run := range s.runs {
		if filter.Match(run) {
			out = append(out, run)
		}
	}
	slices.SortFunc(out, func(a, b crawler.Run) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Run returns the run stored under id.
func (s *RunStore) Run(id string) (crawler.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}
