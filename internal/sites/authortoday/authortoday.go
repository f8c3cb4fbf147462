// Package authortoday crawls the author.today catalog: a listing workflow
// walks genres and pages, an item workflow extracts each work.
package authortoday

import (
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

// Site tag and event names.
const (
	Site         = "author.today"
	EventListing = "author-today:listing"
	EventItem    = "author-today:item"
)

// StartURL is the genre index the listing workflow is seeded with.
const StartURL = "https://author.today/work/genres"

// Definitions returns the listing and item workflows.
func Definitions() []workflow.Definition {
	return []workflow.Definition{
		{
			Name:      "author-today-listing",
			Event:     EventListing,
			Site:      Site,
			StartURLs: []string{StartURL},
			Policy: workflow.Policy{
				Concurrency:      3,
				ExecutionTimeout: 300 * time.Second,
				BackoffMax:       30 * time.Second,
				BackoffFactor:    2,
			},
			Handler: Listing,
		},
		{
			Name:  "author-today-item",
			Event: EventItem,
			Site:  Site,
			Policy: workflow.Policy{
				Concurrency: 15,
			},
			Handler: Item,
		},
	}
}
