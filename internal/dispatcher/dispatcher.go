// Package dispatcher builds crawl events and publishes them to the event bus,
// either one admission-gated URL at a time or as bulk seeds.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/admission"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// DefaultBatchSize bounds the events sent per PublishBatch call.
const DefaultBatchSize = 1000

// Target names the workflow an event is addressed to.
type Target struct {
	Event string
	Site  string
}

// Config controls Dispatcher behavior.
type Config struct {
	Customer  string
	BatchSize int
}

// Dispatcher publishes crawl events and records them in the run history.
type Dispatcher struct {
	bus       crawler.EventBus
	history   crawler.RunHistory
	admission *admission.Controller
	ids       crawler.IDGenerator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Dispatcher.
func New(
	bus crawler.EventBus,
	history crawler.RunHistory,
	ctrl *admission.Controller,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Dispatcher{
		bus:       bus,
		history:   history,
		admission: ctrl,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Crawl publishes a single event for url unless a run with the same
// admission key exists within lookback. It reports whether the event was
// published. Concurrent calls for one key may both publish.
func (d *Dispatcher) Crawl(
	ctx context.Context,
	target Target,
	url, taskID string,
	lookback time.Duration,
	extra crawler.Record,
) (bool, error) {
	key := admission.Key(taskID, target.Event, url)
	ok, err := d.admission.Admit(ctx, target.Event, key, lookback)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	ev, err := d.newEvent(target, url, taskID, key, extra)
	if err != nil {
		return false, err
	}
	if err := d.history.RecordRun(ctx, crawler.RunFromEvent(ev)); err != nil {
		return false, fmt.Errorf("record run: %w", err)
	}
	if err := d.bus.Publish(ctx, ev); err != nil {
		d.markFailed(ctx, []crawler.Event{ev}, err)
		return false, fmt.Errorf("publish event: %w", err)
	}
	metrics.ObservePublished(target.Event, "single", 1)
	d.logger.Debug("event published",
		zap.String("event", target.Event),
		zap.String("event_id", ev.ID),
		zap.String("url", url),
	)
	return true, nil
}

// Seed publishes one event per url in batches of Config.BatchSize, without
// admission checks. It returns how many events were published before any
// error.
func (d *Dispatcher) Seed(ctx context.Context, target Target, urls []string, taskID string) (int, error) {
	published := 0
	for start := 0; start < len(urls); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(urls))
		batch := make([]crawler.Event, 0, end-start)
		for _, url := range urls[start:end] {
			ev, err := d.newEvent(target, url, taskID, admission.Key(taskID, target.Event, url), nil)
			if err != nil {
				d.markFailed(ctx, batch, err)
				return published, err
			}
			if err := d.history.RecordRun(ctx, crawler.RunFromEvent(ev)); err != nil {
				d.markFailed(ctx, batch, err)
				return published, fmt.Errorf("record run: %w", err)
			}
			batch = append(batch, ev)
		}
		if err := d.bus.PublishBatch(ctx, batch); err != nil {
			d.markFailed(ctx, batch, err)
			return published, fmt.Errorf("publish batch at offset %d: %w", start, err)
		}
		published += len(batch)
		metrics.ObservePublished(target.Event, "batch", len(batch))
	}
	d.logger.Info("seed published",
		zap.String("event", target.Event),
		zap.String("task_id", taskID),
		zap.Int("count", published),
	)
	return published, nil
}

func (d *Dispatcher) newEvent(target Target, url, taskID, key string, extra crawler.Record) (crawler.Event, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return crawler.Event{}, fmt.Errorf("generate event id: %w", err)
	}
	return crawler.Event{
		ID:   id,
		Name: target.Event,
		Payload: crawler.TaskInput{
			URL:    url,
			TaskID: taskID,
			Extra:  extra.Clone(),
		},
		Metadata: crawler.Metadata{
			Customer: d.cfg.Customer,
			Site:     target.Site,
			URL:      url,
			Hash:     key,
			TaskID:   taskID,
		},
		PublishedAt: d.clock.Now(),
	}, nil
}

// markFailed releases the admission keys of events that never reached the
// bus.
func (d *Dispatcher) markFailed(ctx context.Context, events []crawler.Event, cause error) {
	for _, ev := range events {
		if err := d.history.UpdateRunStatus(ctx, ev.ID, crawler.RunFailed, cause.Error()); err != nil {
			d.logger.Warn("mark unpublished run failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
}
