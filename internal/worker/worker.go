// Package worker runs dispatched crawl events: it matches worker labels,
// enforces per-workflow concurrency, bounds and retries attempts, and records
// run status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/snapshot"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

// ErrLabelMismatch is returned for events whose workflow requires labels this
// worker lacks. The bus redelivers them, ideally to another worker.
var ErrLabelMismatch = errors.New("worker labels do not satisfy workflow")

var tracer = otel.Tracer("github.com/JakeFAU/catalog-crawler/internal/worker")

// Config controls Worker behavior.
type Config struct {
	Name   string
	Labels map[string]string
	// Slots caps the tasks this worker runs at once across all workflows.
	Slots int
}

// Limiter spaces navigations per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// SnapshotWriter stores raw task output.
type SnapshotWriter interface {
	Write(ctx context.Context, doc snapshot.Document) (string, error)
}

// Worker consumes events and executes the matching workflow tasks.
type Worker struct {
	consumer  crawler.Consumer
	registry  *workflow.Registry
	history   crawler.RunHistory
	browser   crawler.Browser
	limiter   Limiter
	snapshots SnapshotWriter
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	slots *semaphore.Weighted
	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Worker. limiter and snapshots may be nil.
func New(
	consumer crawler.Consumer,
	registry *workflow.Registry,
	history crawler.RunHistory,
	browser crawler.Browser,
	limiter Limiter,
	snapshots SnapshotWriter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	return &Worker{
		consumer:  consumer,
		registry:  registry,
		history:   history,
		browser:   browser,
		limiter:   limiter,
		snapshots: snapshots,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(zap.String("worker", cfg.Name)),
		slots:     semaphore.NewWeighted(int64(cfg.Slots)),
		sems:      make(map[string]*semaphore.Weighted),
		sleep:     sleepCtx,
	}
}

// Run consumes events until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.Int("slots", w.cfg.Slots), zap.Any("labels", w.cfg.Labels))
	if err := w.consumer.Consume(ctx, w.Handle); err != nil {
		return fmt.Errorf("consume events: %w", err)
	}
	return nil
}

// Handle executes one event. A non-nil error asks the bus to redeliver.
func (w *Worker) Handle(ctx context.Context, ev crawler.Event) error {
	log := w.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("event", ev.Name),
		zap.String("url", ev.Payload.URL),
	)

	wf, err := w.registry.ForEvent(ev.Name)
	if err != nil {
		log.Error("no workflow for event", zap.Error(err))
		w.setStatus(ctx, ev, crawler.RunFailed, err.Error())
		return nil
	}
	policy := wf.Policy()
	if !policy.Matches(w.cfg.Labels) {
		log.Debug("label mismatch", zap.Any("required", policy.Labels))
		return ErrLabelMismatch
	}
	if !ev.PublishedAt.IsZero() && w.clock.Now().Sub(ev.PublishedAt) > policy.ScheduleTimeout {
		log.Warn("schedule timeout exceeded", zap.Time("published_at", ev.PublishedAt))
		w.setStatus(ctx, ev, crawler.RunFailed, "schedule timeout exceeded")
		metrics.ObserveTask(wf.Name(), "schedule_timeout", 0)
		return nil
	}

	if err := w.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker slot: %w", err)
	}
	defer w.slots.Release(1)
	sem := w.semaphore(wf.Name(), policy.Concurrency)
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire %s slot: %w", wf.Name(), err)
	}
	defer sem.Release(1)

	metrics.IncActiveTasks()
	defer metrics.DecActiveTasks()
	ctx, span := tracer.Start(ctx, "task "+wf.Name(), trace.WithAttributes(
		attribute.String("crawler.event_id", ev.ID),
		attribute.String("crawler.task_id", ev.Payload.TaskID),
		attribute.String("crawler.url", ev.Payload.URL),
	))
	defer span.End()
	w.markRunning(ctx, ev)

	start := time.Now()
	out, attempts, err := w.execute(ctx, wf, ev, log)
	span.SetAttributes(attribute.Int("crawler.attempts", attempts))
	if err != nil && ctx.Err() != nil {
		// shutting down: leave the run to redelivery
		return fmt.Errorf("task interrupted: %w", ctx.Err())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		log.Error("task failed", zap.Int("attempts", attempts), zap.Error(err))
		w.setStatus(ctx, ev, crawler.RunFailed, err.Error())
		metrics.ObserveTask(wf.Name(), "failed", time.Since(start))
		return nil
	}

	log.Info("task finished", zap.String("result", string(out.Result)), zap.Int("attempts", attempts))
	w.writeSnapshot(ctx, ev, out, attempts, log)
	w.setStatus(ctx, ev, crawler.RunCompleted, "")
	metrics.ObserveTask(wf.Name(), string(out.Result), time.Since(start))
	return nil
}

// execute runs up to 1+Retries attempts, each bounded by the execution
// timeout.
func (w *Worker) execute(
	ctx context.Context,
	wf *workflow.Workflow,
	ev crawler.Event,
	log *zap.Logger,
) (crawler.Output, int, error) {
	policy := wf.Policy()
	var lastErr error
	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if attempt > 0 {
			metrics.ObserveTaskRetry(wf.Name())
			delay := policy.Backoff(attempt - 1)
			log.Debug("retrying task", zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(lastErr))
			if err := w.sleep(ctx, delay); err != nil {
				return crawler.Output{}, attempt, err
			}
		}
		out, err := w.attempt(ctx, wf, ev)
		if err == nil {
			return out, attempt + 1, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return crawler.Output{}, attempt + 1, lastErr
		}
	}
	return crawler.Output{}, policy.Retries + 1, lastErr
}

func (w *Worker) attempt(ctx context.Context, wf *workflow.Workflow, ev crawler.Event) (crawler.Output, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, wf.Policy().ExecutionTimeout)
	defer cancel()

	if w.limiter != nil {
		if err := w.limiter.Wait(attemptCtx, ev.Payload.URL); err != nil {
			return crawler.Output{}, err
		}
	}
	page, err := w.browser.NewPage(attemptCtx, wf.PageOptions())
	if err != nil {
		return crawler.Output{}, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			w.logger.Warn("close page", zap.Error(cerr))
		}
	}()

	out, err := wf.Task(attemptCtx, ev.Payload, page)
	if err == nil && attemptCtx.Err() != nil {
		err = fmt.Errorf("execution timeout: %w", attemptCtx.Err())
	}
	return out, err
}

func (w *Worker) semaphore(name string, n int) *semaphore.Weighted {
	w.mu.Lock()
	defer w.mu.Unlock()
	sem, ok := w.sems[name]
	if !ok {
		sem = semaphore.NewWeighted(int64(n))
		w.sems[name] = sem
	}
	return sem
}

// markRunning records the running transition, backfilling the run for events
// that were published without a history entry.
func (w *Worker) markRunning(ctx context.Context, ev crawler.Event) {
	err := w.history.UpdateRunStatus(ctx, ev.ID, crawler.RunRunning, "")
	if errors.Is(err, crawler.ErrNotFound) {
		run := crawler.RunFromEvent(ev)
		run.Status = crawler.RunRunning
		run.UpdatedAt = w.clock.Now()
		if run.CreatedAt.IsZero() {
			run.CreatedAt = run.UpdatedAt
		}
		err = w.history.RecordRun(ctx, run)
	}
	if err != nil {
		w.logger.Warn("record running status", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func (w *Worker) setStatus(ctx context.Context, ev crawler.Event, status crawler.RunStatus, errText string) {
	if err := w.history.UpdateRunStatus(ctx, ev.ID, status, errText); err != nil {
		w.logger.Warn("record run status",
			zap.String("event_id", ev.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (w *Worker) writeSnapshot(ctx context.Context, ev crawler.Event, out crawler.Output, attempts int, log *zap.Logger) {
	if w.snapshots == nil {
		return
	}
	_, err := w.snapshots.Write(ctx, snapshot.Document{
		RunID:      ev.ID,
		Event:      ev.Name,
		Site:       ev.Metadata.Site,
		TaskID:     ev.Payload.TaskID,
		URL:        ev.Payload.URL,
		Worker:     w.cfg.Name,
		Result:     out.Result,
		Data:       out.Data,
		Attempts:   attempts,
		CapturedAt: w.clock.Now(),
	})
	if err != nil {
		log.Warn("write snapshot", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
