// Package memory provides an in-process event bus for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

const defaultRedeliveryDelay = time.Second

// Bus is a bounded channel-backed event bus. Events whose handler fails are
// redelivered after a delay.
type Bus struct {
	ch              chan crawler.Event
	redeliveryDelay time.Duration
	concurrency     int
	logger          *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithRedeliveryDelay sets how long a failed event waits before it is
// delivered again.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) {
		if d >= 0 {
			b.redeliveryDelay = d
		}
	}
}

// WithConcurrency sets how many events Consume handles at once.
func WithConcurrency(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus constructs a bus holding up to capacity undelivered events.
func NewBus(capacity int, opts ...Option) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Bus{
		ch:              make(chan crawler.Event, capacity),
		redeliveryDelay: defaultRedeliveryDelay,
		concurrency:     1,
		logger:          zap.NewNop(),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues event, blocking while the bus is full.
func (b *Bus) Publish(ctx context.Context, event crawler.Event) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	case <-b.done:
		return ErrClosed
	case b.ch <- event:
		return nil
	}
}

// PublishBatch publishes events in order and stops at the first failure.
func (b *Bus) PublishBatch(ctx context.Context, events []crawler.Event) error {
	for i, ev := range events {
		if err := b.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish batch entry %d: %w", i, err)
		}
	}
	return nil
}

// Consume delivers events to handle until ctx ends or the bus is closed.
func (b *Bus) Consume(ctx context.Context, handle crawler.EventHandler) error {
	var wg sync.WaitGroup
	for range b.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consumeLoop(ctx, handle)
		}()
	}
	wg.Wait()
	return nil
}

func (b *Bus) consumeLoop(ctx context.Context, handle crawler.EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case ev := <-b.ch:
			if err := handle(ctx, ev); err != nil {
				b.logger.Debug("event nacked",
					zap.String("event_id", ev.ID),
					zap.String("event", ev.Name),
					zap.Error(err),
				)
				b.redeliver(ctx, ev)
			}
		}
	}
}

func (b *Bus) redeliver(ctx context.Context, ev crawler.Event) {
	go func() {
		timer := time.NewTimer(b.redeliveryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := b.Publish(ctx, ev); err != nil {
			b.logger.Warn("redelivery dropped", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}()
}

// Len reports the number of undelivered events.
func (b *Bus) Len() int {
	return len(b.ch)
}

// Close stops consumers and rejects further publishes.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
