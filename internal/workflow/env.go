package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Env is what a handler sees of the runtime.
type Env struct {
	Store  *catalog.Store
	Covers CoverSaver
	Logger *zap.Logger

	registry *Registry
	self     *Workflow
	debug    bool
}

// Debug reports whether the handler runs in local debug mode.
func (e *Env) Debug() bool { return e.debug }

// Crawl enqueues url for the workflow handling event, or for the calling
// workflow when event is empty. It reports whether the url was admitted. In
// debug mode nothing is dispatched.
func (e *Env) Crawl(ctx context.Context, event, url, taskID string, extra crawler.Record) (bool, error) {
	target := e.self
	if event != "" && event != e.self.def.Event {
		w, err := e.registry.ForEvent(event)
		if err != nil {
			return false, err
		}
		target = w
	}
	if e.debug {
		e.Logger.Info("debug crawl skipped", zap.String("event", target.def.Event), zap.String("url", url))
		return false, nil
	}
	return target.Crawl(ctx, url, taskID, extra)
}

// SaveCover stores the cover referenced by src on pageURL. It returns "" when
// no cover saver is configured, in debug mode, or when the image is unusable.
func (e *Env) SaveCover(ctx context.Context, pageURL, src string) string {
	if e.Covers == nil || e.debug || src == "" {
		return ""
	}
	key, err := e.Covers.Save(ctx, pageURL, src)
	if err != nil {
		e.Logger.Debug("cover skipped", zap.String("src", src), zap.Error(err))
		return ""
	}
	return key
}
