package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const defaultRunLimit = 100

// RunStore implements crawler.RunHistory on the task_runs table.
type RunStore struct {
	db DB
}

// NewRunStore wraps db.
func NewRunStore(db DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{db: db}, nil
}

// RecordRun inserts the run. Redelivered events keep their first row.
func (s *RunStore) RecordRun(ctx context.Context, run crawler.Run) error {
	const query = `
		INSERT INTO task_runs (id, event, hash, task_id, site, url, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.db.Exec(ctx, query,
		run.ID, run.Event, run.Hash, run.TaskID, run.Site, run.URL,
		string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// UpdateRunStatus moves a run to status. An empty errText clears the error.
func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, status crawler.RunStatus, errText string) error {
	const query = `
		UPDATE task_runs
		SET status = $1, error_message = NULLIF($2, ''), updated_at = now()
		WHERE id = $3;
	`
	tag, err := s.db.Exec(ctx, query, string(status), errText, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// FindRuns returns matching runs, newest first.
func (s *RunStore) FindRuns(ctx context.Context, filter crawler.RunFilter) ([]crawler.Run, error) {
	const query = `
		SELECT id, event, hash, task_id, site, url, status, COALESCE(error_message, ''), created_at, updated_at
		FROM task_runs
		WHERE ($1 = '' OR hash = $1)
		  AND status = ANY($2)
		  AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT $4;
	`
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []crawler.RunStatus{crawler.RunQueued, crawler.RunRunning, crawler.RunCompleted, crawler.RunFailed}
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}

	rows, err := s.db.Query(ctx, query, filter.Hash, names, filter.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.Run, error) {
		var (
			run    crawler.Run
			status string
		)
		err := row.Scan(&run.ID, &run.Event, &run.Hash, &run.TaskID, &run.Site, &run.URL,
			&status, &run.Error, &run.CreatedAt, &run.UpdatedAt)
		run.Status = crawler.RunStatus(status)
		return run, err
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to scan runs: %w", err)
	}
	return runs, nil
}

// Close releases the pool.
func (s *RunStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}
