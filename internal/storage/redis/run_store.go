package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	defaultPrefix    = "crawler"
	defaultRetention = 7 * 24 * time.Hour
	defaultRunLimit  = 100
)

// RunStore implements crawler.RunHistory. Each run is a hash under
// <prefix>:run:<id>; runs sharing an admission hash are indexed in a sorted
// set under <prefix>:runs:hash:<hash> scored by creation time.
type RunStore struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
}

// Option configures a RunStore.
type Option func(*RunStore)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *RunStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRetention sets how long runs are kept. It must exceed the longest
// admission lookback.
func WithRetention(d time.Duration) Option {
	return func(s *RunStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewRunStore wraps client.
func NewRunStore(client goredis.UniversalClient, opts ...Option) (*RunStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	s := &RunStore{client: client, prefix: defaultPrefix, retention: defaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RunStore) runKey(id string) string {
	return s.prefix + ":run:" + id
}

func (s *RunStore) hashKey(hash string) string {
	return s.prefix + ":runs:hash:" + hash
}

// RecordRun stores run unless a run with the same id already exists.
func (s *RunStore) RecordRun(ctx context.Context, run crawler.Run) error {
	key := s.runKey(run.ID)
	created, err := s.client.HSetNX(ctx, key, "id", run.ID).Result()
	if err != nil {
		return fmt.Errorf("redis record run: %w", err)
	}
	if !created {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeRun(run))
		pipe.Expire(ctx, key, s.retention)
		idx := s.hashKey(run.Hash)
		pipe.ZAdd(ctx, idx, goredis.Z{Score: float64(run.CreatedAt.UnixMilli()), Member: run.ID})
		pipe.Expire(ctx, idx, s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record run: %w", err)
	}
	return nil
}

// UpdateRunStatus moves a run to status.
func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, status crawler.RunStatus, errText string) error {
	key := s.runKey(id)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, crawler.ErrNotFound)
	}
	err = s.client.HSet(ctx, key,
		"status", string(status),
		"error", errText,
		"updated_at", strconv.FormatInt(time.Now().UTC().UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis update run: %w", err)
	}
	return nil
}

// FindRuns returns matching runs, newest first. Lookups are served from the
// per-hash index, so filter.Hash is required.
func (s *RunStore) FindRuns(ctx context.Context, filter crawler.RunFilter) ([]crawler.Run, error) {
	if filter.Hash == "" {
		return nil, errors.New("redis find runs: hash is required")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	lower := "-inf"
	if !filter.Since.IsZero() {
		lower = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.hashKey(filter.Hash), &goredis.ZRangeBy{
		Min: lower,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis find runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.runKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load runs: %w", err)
	}

	var runs []crawler.Run
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// expired between the index read and the load
			continue
		}
		run := decodeRun(fields)
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, run.Status) {
			continue
		}
		runs = append(runs, run)
		if len(runs) == limit {
			break
		}
	}
	return runs, nil
}

func encodeRun(run crawler.Run) map[string]any {
	return map[string]any{
		"id":         run.ID,
		"event":      run.Event,
		"hash":       run.Hash,
		"task_id":    run.TaskID,
		"site":       run.Site,
		"url":        run.URL,
		"status":     string(run.Status),
		"error":      run.Error,
		"created_at": strconv.FormatInt(run.CreatedAt.UnixMilli(), 10),
		"updated_at": strconv.FormatInt(run.UpdatedAt.UnixMilli(), 10),
	}
}

func decodeRun(fields map[string]string) crawler.Run {
	return crawler.Run{
		ID:        fields["id"],
		Event:     fields["event"],
		Hash:      fields["hash"],
		TaskID:    fields["task_id"],
		Site:      fields["site"],
		URL:       fields["url"],
		Status:    crawler.RunStatus(fields["status"]),
		Error:     fields["error"],
		CreatedAt: millis(fields["created_at"]),
		UpdatedAt: millis(fields["updated_at"]),
	}
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
