// Package pubsub carries crawl events over Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Attribute keys set on every message next to the event metadata.
const (
	AttrID          = "event_id"
	AttrEvent       = "event"
	AttrPublishedAt = "published_at"
)

// Config addresses the topic and subscription.
type Config struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
	// MaxOutstanding bounds unacknowledged deliveries per consumer.
	MaxOutstanding int `mapstructure:"max_outstanding"`
}

// Bus publishes and consumes crawl events on one topic.
type Bus struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	cfg        Config
	ownsClient bool
	logger     *zap.Logger
}

// New dials Pub/Sub and checks that the topic exists. It authenticates with
// Application Default Credentials unless opts say otherwise.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Bus, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("pubsub project_id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	b := NewWithClient(client, cfg, logger)
	b.ownsClient = true

	exists, err := b.topic.Exists(ctx)
	if err == nil && !exists {
		err = fmt.Errorf("topic %q does not exist in project %q", cfg.Topic, cfg.ProjectID)
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			b.logger.Warn("close pubsub client after topic check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic: %w", err)
	}
	return b, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client *pubsub.Client, cfg Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		client: client,
		topic:  client.Topic(cfg.Topic),
		cfg:    cfg,
		logger: logger,
	}
}

// Publish sends event and waits for the server to accept it.
func (b *Bus) Publish(ctx context.Context, event crawler.Event) error {
	msg, err := encode(ctx, event)
	if err != nil {
		return err
	}
	if _, err := b.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}
	return nil
}

// PublishBatch hands every event to the client's batcher before waiting on
// the results, so a large seed goes out in few requests.
func (b *Bus) PublishBatch(ctx context.Context, events []crawler.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(events))
	for _, ev := range events {
		msg, err := encode(ctx, ev)
		if err != nil {
			return err
		}
		results = append(results, b.topic.Publish(ctx, msg))
	}
	var errs []error
	for i, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", events[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

// Consume receives from the configured subscription until ctx ends. Handler
// errors nack the message; undecodable messages are acked and dropped.
func (b *Bus) Consume(ctx context.Context, handle crawler.EventHandler) error {
	if b.cfg.Subscription == "" {
		return errors.New("pubsub subscription is required to consume")
	}
	sub := b.client.Subscription(b.cfg.Subscription)
	if b.cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = b.cfg.MaxOutstanding
	}
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		ev, err := decode(msg)
		if err != nil {
			b.logger.Error("drop undecodable message", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		ctx = otel.GetTextMapPropagator().Extract(ctx, &pubsubCarrier{attrs: msg.Attributes})
		if err := handle(ctx, ev); err != nil {
			b.logger.Debug("event nacked", zap.String("event_id", ev.ID), zap.Error(err))
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive %s: %w", b.cfg.Subscription, err)
	}
	return nil
}

// Close flushes pending publishes and releases the client if New created it.
func (b *Bus) Close() error {
	b.topic.Stop()
	if !b.ownsClient {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func encode(ctx context.Context, ev crawler.Event) (*pubsub.Message, error) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.ID, err)
	}
	attrs := ev.Metadata.Attributes()
	attrs[AttrID] = ev.ID
	attrs[AttrEvent] = ev.Name
	if !ev.PublishedAt.IsZero() {
		attrs[AttrPublishedAt] = ev.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: attrs})
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}

func decode(msg *pubsub.Message) (crawler.Event, error) {
	ev := crawler.Event{
		ID:       msg.Attributes[AttrID],
		Name:     msg.Attributes[AttrEvent],
		Metadata: crawler.MetadataFromAttributes(msg.Attributes),
	}
	if ev.ID == "" || ev.Name == "" {
		return ev, errors.New("missing event id or name attribute")
	}
	if err := json.Unmarshal(msg.Data, &ev.Payload); err != nil {
		return ev, fmt.Errorf("decode payload: %w", err)
	}
	if raw := msg.Attributes[AttrPublishedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return ev, fmt.Errorf("decode published_at: %w", err)
		}
		ev.PublishedAt = t
	} else {
		ev.PublishedAt = msg.PublishTime
	}
	return ev, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
