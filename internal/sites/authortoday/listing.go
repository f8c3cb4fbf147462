package authortoday

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/browser"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

// Output counters reported by Listing.
const (
	CountPageLinks = "new-page-links"
	CountItemLinks = "new-items-links"
)

// errNotRendered is retried: the page came back without its footer.
var errNotRendered = errors.New("page footer missing")

// Listing enqueues genre and pagination pages for itself and item pages for
// the item workflow. It reports how many links were admitted.
func Listing(ctx context.Context, env *workflow.Env, in crawler.TaskInput, page crawler.Page) (crawler.Output, error) {
	resp, err := page.Goto(ctx, in.URL)
	if err != nil {
		return crawler.Output{}, err
	}
	if !resp.OK() {
		return crawler.Output{Result: crawler.ResultError, Data: map[string]any{"status": resp.Status}}, nil
	}
	doc := page.Document()
	if doc.Find("footer.footer").Length() == 0 {
		return crawler.Output{}, errNotRendered
	}

	counts := map[string]int{CountPageLinks: 0, CountItemLinks: 0}
	crawl := func(event, url, counter string) error {
		ok, err := env.Crawl(ctx, event, url, in.TaskID, nil)
		if err != nil {
			return fmt.Errorf("crawl %s: %w", url, err)
		}
		if ok {
			counts[counter]++
		}
		return nil
	}

	for _, u := range browser.Links(doc, doc.Find("div.genre-title a")) {
		if !strings.Contains(u, "/work/genre/") {
			continue
		}
		if err := crawl("", u, CountPageLinks); err != nil {
			return crawler.Output{}, err
		}
	}
	for _, u := range browser.Links(doc, doc.Find("ul.pagination a")) {
		if !strings.Contains(u, "page=") {
			continue
		}
		if err := crawl("", u, CountPageLinks); err != nil {
			return crawler.Output{}, err
		}
	}
	for _, u := range browser.Links(doc, doc.Find(`[id*="search-results"] div.book-title > a`)) {
		if err := crawl(EventItem, u, CountItemLinks); err != nil {
			return crawler.Output{}, err
		}
	}

	env.Logger.Debug("listing crawled",
		zap.String("url", page.URL()),
		zap.Int(CountPageLinks, counts[CountPageLinks]),
		zap.Int(CountItemLinks, counts[CountItemLinks]),
	)
	return crawler.Output{Result: crawler.ResultDone, Data: map[string]any{
		CountPageLinks: counts[CountPageLinks],
		CountItemLinks: counts[CountItemLinks],
	}}, nil
}
