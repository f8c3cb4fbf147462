// Package catalog implements entity synchronization for scraped catalog
// items: normalization, idempotent create/update with scoped role
// replacement, soft deletion and append-only metric snapshots.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/normalize"
)

// ErrMissingURL is returned when a record has no identity URL.
var ErrMissingURL = errors.New("record has no url")

// Store is the entity store used by workflow handlers.
type Store struct {
	repo   crawler.CatalogRepository
	clock  crawler.Clock
	logger *zap.Logger
	dryRun bool
}

// Option customizes a Store.
type Option func(*Store)

// WithDryRun suppresses every write while keeping return values intact.
func WithDryRun(enabled bool) Option {
	return func(s *Store) {
		s.dryRun = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a Store over repo.
func New(repo crawler.CatalogRepository, clock crawler.Clock, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		clock:  clock,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DryRun reports whether writes are suppressed.
func (s *Store) DryRun() bool {
	return s.dryRun
}

// AsDryRun returns a copy of the store with writes suppressed.
func (s *Store) AsDryRun() *Store {
	cp := *s
	cp.dryRun = true
	return &cp
}

// Exists reports whether an item with url is stored.
func (s *Store) Exists(ctx context.Context, url string) (bool, error) {
	ok, err := s.repo.ItemExists(ctx, url)
	if err != nil {
		return false, fmt.Errorf("check item exists: %w", err)
	}
	return ok, nil
}

// HasCover reports whether the stored item already references a cover.
func (s *Store) HasCover(ctx context.Context, url string) (bool, error) {
	ok, err := s.repo.ItemHasCover(ctx, url)
	if err != nil {
		return false, fmt.Errorf("check item cover: %w", err)
	}
	return ok, nil
}

// Create normalizes raw and inserts it as a new item. Known URLs are left
// untouched.
func (s *Store) Create(ctx context.Context, raw crawler.Record) error {
	item, err := toItem(raw)
	if err != nil {
		return err
	}
	if s.skip("create", item.URL) {
		return nil
	}
	if err := s.repo.InsertItem(ctx, item, s.clock.Now()); err != nil {
		metrics.ObserveStoreWrite("create", "error")
		return fmt.Errorf("insert item: %w", err)
	}
	metrics.ObserveStoreWrite("create", "ok")
	return nil
}

// Update normalizes raw, clears the deletion stamp and, in one transaction,
// writes the item's fields and replaces the associations of every role list
// present in the record.
func (s *Store) Update(ctx context.Context, raw crawler.Record) error {
	item, err := toItem(raw)
	if err != nil {
		return err
	}
	if s.skip("update", item.URL) {
		return nil
	}
	if err := s.repo.SyncItem(ctx, item, s.clock.Now()); err != nil {
		metrics.ObserveStoreWrite("update", "error")
		return fmt.Errorf("sync item: %w", err)
	}
	metrics.ObserveStoreWrite("update", "ok")
	return nil
}

// MarkDeleted soft-deletes the item at url. Unknown items get a stub that
// is already deleted; deleted items keep their original timestamp.
func (s *Store) MarkDeleted(ctx context.Context, url, site string) error {
	if url == "" {
		return ErrMissingURL
	}
	if s.skip("mark_deleted", url) {
		return nil
	}
	if err := s.repo.MarkItemDeleted(ctx, url, site, s.clock.Now()); err != nil {
		metrics.ObserveStoreWrite("mark_deleted", "error")
		return fmt.Errorf("mark item deleted: %w", err)
	}
	metrics.ObserveStoreWrite("mark_deleted", "ok")
	return nil
}

// InsertMetrics converts raw metrics and appends a new snapshot.
func (s *Store) InsertMetrics(ctx context.Context, raw crawler.Record) error {
	fields := normalize.ConvertMetrics(raw)
	bookURL := fields.Str(crawler.FieldBookURL)
	if bookURL == "" {
		return fmt.Errorf("metrics: %w", ErrMissingURL)
	}
	delete(fields, crawler.FieldBookURL)
	if s.skip("insert_metrics", bookURL) {
		return nil
	}
	snapshot := crawler.MetricSnapshot{
		BookURL:    bookURL,
		Fields:     fields,
		CapturedAt: s.clock.Now(),
	}
	if err := s.repo.InsertMetrics(ctx, snapshot); err != nil {
		metrics.ObserveStoreWrite("insert_metrics", "error")
		return fmt.Errorf("insert metrics: %w", err)
	}
	metrics.ObserveStoreWrite("insert_metrics", "ok")
	return nil
}

func (s *Store) skip(op, url string) bool {
	if !s.dryRun {
		return false
	}
	s.logger.Debug("dry run, write skipped", zap.String("op", op), zap.String("url", url))
	metrics.ObserveStoreWrite(op, "dry_run")
	return true
}

// toItem cleans raw and splits role lists from plain fields.
func toItem(raw crawler.Record) (crawler.CatalogItem, error) {
	fields := normalize.Clean(raw)
	url := fields.Str(crawler.FieldURL)
	if url == "" {
		return crawler.CatalogItem{}, ErrMissingURL
	}
	item := crawler.CatalogItem{
		URL:   url,
		Site:  fields.Str(crawler.FieldSource),
		Roles: make(map[crawler.Role][]crawler.PersonRef),
	}
	delete(fields, crawler.FieldURL)
	delete(fields, crawler.FieldSource)
	// deletion is only stamped through MarkDeleted
	delete(fields, crawler.FieldDeleted)
	for _, role := range crawler.Roles {
		v, ok := fields[role.RecordKey()]
		if !ok {
			continue
		}
		delete(fields, role.RecordKey())
		if v.Kind() == crawler.KindPeople {
			item.Roles[role] = v.People()
		}
	}
	item.Fields = fields
	return item, nil
}
