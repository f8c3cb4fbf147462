// Package snapshot writes the raw output of each finished task to the object
// store, one JSON document per run.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const contentType = "application/json"

// Document is the stored form of one task execution.
type Document struct {
	RunID      string         `json:"run_id"`
	Event      string         `json:"event"`
	Site       string         `json:"site"`
	TaskID     string         `json:"task_id"`
	URL        string         `json:"url"`
	Worker     string         `json:"worker"`
	Result     crawler.Result `json:"result"`
	Data       map[string]any `json:"data"`
	Attempts   int            `json:"attempts"`
	CapturedAt time.Time      `json:"captured_at"`
}

// Writer stores documents under <prefix>/<site>/<task_id>/<run_id>.json.
type Writer struct {
	blobs  crawler.BlobStore
	prefix string
}

// NewWriter constructs a Writer.
func NewWriter(blobs crawler.BlobStore, prefix string) *Writer {
	return &Writer{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

// Path returns the object path for doc.
func (w *Writer) Path(doc Document) string {
	return path.Join(w.prefix, segment(doc.Site), segment(doc.TaskID), segment(doc.RunID)+".json")
}

// Write stores doc with nested maps in Data flattened to key/value lists.
func (w *Writer) Write(ctx context.Context, doc Document) (string, error) {
	doc.Data = crawler.FlattenData(doc.Data)
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	uri, err := w.blobs.PutObject(ctx, w.Path(doc), contentType, body)
	if err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	return uri, nil
}

func segment(s string) string {
	s = strings.NewReplacer("/", "_", "..", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}
