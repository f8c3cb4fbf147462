package crawler

import (
	"context"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// EventBus publishes crawl events to the task queue.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	PublishBatch(ctx context.Context, events []Event) error
}

// EventHandler processes one delivered event. A non-nil error asks the queue
// to redeliver.
type EventHandler func(ctx context.Context, event Event) error

// Consumer delivers events to a handler until ctx is canceled.
type Consumer interface {
	Consume(ctx context.Context, handle EventHandler) error
}

// RunHistory records published events and answers admission lookups.
type RunHistory interface {
	RecordRun(ctx context.Context, run Run) error
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errText string) error
	FindRuns(ctx context.Context, filter RunFilter) ([]Run, error)
}

// CatalogRepository persists normalized catalog entities.
type CatalogRepository interface {
	ItemExists(ctx context.Context, url string) (bool, error)
	ItemHasCover(ctx context.Context, url string) (bool, error)
	// InsertItem inserts the item stamped at if its URL is not yet known.
	InsertItem(ctx context.Context, item CatalogItem, at time.Time) error
	// SyncItem atomically upserts the item's fields, clears its deletion
	// stamp and replaces the associations of every role present in
	// item.Roles.
	SyncItem(ctx context.Context, item CatalogItem, at time.Time) error
	// MarkItemDeleted stamps the deletion time once, creating a stub if the
	// item is unknown.
	MarkItemDeleted(ctx context.Context, url, site string, at time.Time) error
	InsertMetrics(ctx context.Context, snapshot MetricSnapshot) error
}

// BlobStore writes binary objects and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Response is the outcome of one navigation or download.
type Response struct {
	URL     string
	Status  int
	Headers http.Header
	Body    []byte
}

// OK reports whether the status is 2xx or 3xx.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 400
}

// Page is a navigable browser page with selector queries over the current
// document.
type Page interface {
	Goto(ctx context.Context, url string) (Response, error)
	URL() string
	Document() *goquery.Document
	Close() error
}

// PageOptions configure a new page.
type PageOptions struct {
	Proxy string
}

// Browser opens pages.
type Browser interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
}

// Downloader fetches a single resource outside page navigation.
type Downloader interface {
	Get(ctx context.Context, url string, headers http.Header, proxy string) (Response, error)
}

// Hasher turns bytes into a stable digest.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
