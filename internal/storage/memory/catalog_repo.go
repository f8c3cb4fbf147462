package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// ItemRow is the stored form of a catalog item.
type ItemRow struct {
	URL       string
	Site      string
	Fields    crawler.Record
	Deleted   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PersonRow is the stored form of a person.
type PersonRow struct {
	URL    string
	Name   string
	Scrape bool
}

// CatalogRepository keeps catalog entities in memory for local runs and
// tests. A single mutex makes SyncItem atomic.
type CatalogRepository struct {
	mu      sync.RWMutex
	items   map[string]*ItemRow
	persons map[string]*PersonRow
	// item url → role → person urls
	roles   map[string]map[crawler.Role]map[string]struct{}
	metrics []crawler.MetricSnapshot
}

// NewCatalogRepository constructs an empty repository.
func NewCatalogRepository() *CatalogRepository {
	return &CatalogRepository{
		items:   make(map[string]*ItemRow),
		persons: make(map[string]*PersonRow),
		roles:   make(map[string]map[crawler.Role]map[string]struct{}),
	}
}

// ItemExists implements crawler.CatalogRepository.
func (r *CatalogRepository) ItemExists(_ context.Context, url string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[url]
	return ok, nil
}

// ItemHasCover implements crawler.CatalogRepository.
func (r *CatalogRepository) ItemHasCover(_ context.Context, url string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.items[url]
	if !ok {
		return false, nil
	}
	return row.Fields.Str(crawler.FieldCover) != "", nil
}

// InsertItem implements crawler.CatalogRepository.
func (r *CatalogRepository) InsertItem(_ context.Context, item crawler.CatalogItem, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item.URL]; ok {
		return nil
	}
	r.items[item.URL] = &ItemRow{
		URL:       item.URL,
		Site:      item.Site,
		Fields:    item.Fields.Clone(),
		CreatedAt: at,
		UpdatedAt: at,
	}
	return nil
}

// SyncItem implements crawler.CatalogRepository.
func (r *CatalogRepository) SyncItem(_ context.Context, item crawler.CatalogItem, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.items[item.URL]
	if !ok {
		row = &ItemRow{URL: item.URL, Fields: crawler.Record{}, CreatedAt: at}
		r.items[item.URL] = row
	}
	if item.Site != "" {
		row.Site = item.Site
	}
	maps.Copy(row.Fields, item.Fields)
	row.Deleted = nil
	row.UpdatedAt = at

	for _, role := range crawler.Roles {
		people, ok := item.Roles[role]
		if !ok {
			continue
		}
		assoc := make(map[string]struct{}, len(people))
		for _, p := range people {
			r.upsertPerson(p)
			assoc[p.URL] = struct{}{}
		}
		if r.roles[item.URL] == nil {
			r.roles[item.URL] = make(map[crawler.Role]map[string]struct{})
		}
		r.roles[item.URL][role] = assoc
	}
	return nil
}

func (r *CatalogRepository) upsertPerson(p crawler.PersonRef) {
	if existing, ok := r.persons[p.URL]; ok {
		existing.Name = p.Name
		return
	}
	r.persons[p.URL] = &PersonRow{URL: p.URL, Name: p.Name, Scrape: true}
}

// MarkItemDeleted implements crawler.CatalogRepository.
func (r *CatalogRepository) MarkItemDeleted(_ context.Context, url, site string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.items[url]
	if !ok {
		stamp := at
		r.items[url] = &ItemRow{
			URL:       url,
			Site:      site,
			Fields:    crawler.Record{},
			Deleted:   &stamp,
			CreatedAt: at,
			UpdatedAt: at,
		}
		return nil
	}
	if row.Deleted != nil {
		return nil
	}
	stamp := at
	row.Deleted = &stamp
	row.UpdatedAt = at
	return nil
}

// InsertMetrics implements crawler.CatalogRepository.
func (r *CatalogRepository) InsertMetrics(_ context.Context, snapshot crawler.MetricSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot.Fields = snapshot.Fields.Clone()
	r.metrics = append(r.metrics, snapshot)
	return nil
}

// Item returns a copy of the stored item.
func (r *CatalogRepository) Item(url string) (ItemRow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.items[url]
	if !ok {
		return ItemRow{}, false
	}
	cp := *row
	cp.Fields = row.Fields.Clone()
	return cp, true
}

// ItemCount returns the number of stored items.
func (r *CatalogRepository) ItemCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Persons returns every stored person ordered by URL.
func (r *CatalogRepository) Persons() []PersonRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PersonRow, 0, len(r.persons))
	for _, url := range slices.Sorted(maps.Keys(r.persons)) {
		out = append(out, *r.persons[url])
	}
	return out
}

// RolePersons returns the person URLs associated with url in role, sorted.
func (r *CatalogRepository) RolePersons(url string, role crawler.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.roles[url][role]))
}

// Metrics returns the snapshots recorded for url in insertion order.
func (r *CatalogRepository) Metrics(url string) []crawler.MetricSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []crawler.MetricSnapshot
	for _, m := range r.metrics {
		if m.BookURL == url {
			out = append(out, m)
		}
	}
	return out
}
