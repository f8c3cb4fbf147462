// Package admission decides whether a (task, event, url) triple may be
// dispatched again. It holds no state of its own: every decision is a point
// lookup against the run history.
package admission

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/hash/xxhash"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// blocking lists the run statuses that make a key inadmissible.
var blocking = []crawler.RunStatus{crawler.RunQueued, crawler.RunRunning, crawler.RunCompleted}

// Key returns taskID followed by the hex XXH64 digest of event+url.
func Key(taskID, event, url string) string {
	return taskID + xxhash.Strings(event, url)
}

// Controller answers admission queries.
type Controller struct {
	history crawler.RunHistory
	clock   crawler.Clock
	logger  *zap.Logger
}

// New constructs a Controller.
func New(history crawler.RunHistory, clock crawler.Clock, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{history: history, clock: clock, logger: logger}
}

// IsAdmissible reports whether no queued, running or completed run carries
// key within lookback. Failed runs do not block re-admission.
func (c *Controller) IsAdmissible(ctx context.Context, key string, lookback time.Duration) (bool, error) {
	runs, err := c.history.FindRuns(ctx, crawler.RunFilter{
		Hash:     key,
		Statuses: blocking,
		Since:    c.clock.Now().Add(-lookback),
		Limit:    1,
	})
	if err != nil {
		return false, fmt.Errorf("query run history: %w", err)
	}
	if len(runs) > 0 {
		c.logger.Debug("admission rejected",
			zap.String("hash", key),
			zap.String("run_id", runs[0].ID),
			zap.String("status", string(runs[0].Status)),
		)
		return false, nil
	}
	return true, nil
}

// Admit is IsAdmissible plus the admission metric for event.
func (c *Controller) Admit(ctx context.Context, event, key string, lookback time.Duration) (bool, error) {
	ok, err := c.IsAdmissible(ctx, key, lookback)
	if err != nil {
		return false, err
	}
	metrics.ObserveAdmission(event, ok)
	return ok, nil
}
