package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-crawler/internal/coerce"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

type columnKind int

const (
	colText columnKind = iota
	colTextArray
	colInt
	colFloat
	colTime
)

type column struct {
	name string
	kind columnKind
}

// Item columns written from record fields, in statement order. Record keys
// match column names; unknown keys are not persisted.
var itemColumns = []column{
	{"title", colText},
	{"author", colText},
	{"annotation", colText},
	{"cover_image", colText},
	{"category", colTextArray},
	{"tags", colTextArray},
	{"series", colTextArray},
	{"titles_other", colTextArray},
	{"age_rating", colInt},
	{"age_rating_str", colText},
	{"isbn", colInt},
	{"date_release", colTime},
	{"date_final", colTime},
	{"language", colText},
	{"title_original", colText},
	{"url_audio", colText},
	{"translate", colText},
	{"artwork_type", colText},
}

var metricColumns = []column{
	{"views", colInt},
	{"votes", colInt},
	{"likes", colInt},
	{"unlike", colInt},
	{"comments", colInt},
	{"pages_count", colInt},
	{"characters_count", colInt},
	{"chapters_count", colInt},
	{"added_to_lib", colInt},
	{"read_process", colInt},
	{"read_later", colInt},
	{"read_finished", colInt},
	{"downloaded", colInt},
	{"in_subscribe", colInt},
	{"price", colFloat},
	{"price_old", colFloat},
	{"price_discount", colFloat},
	{"price_audio", colFloat},
	{"rating", colFloat},
	{"site_ratings", colText},
	{"awards", colText},
	{"status_writing", colText},
	{"status_translate", colText},
	{"content_update_date", colTime},
}

// CatalogRepository persists catalog items, persons, role associations and
// metric snapshots.
type CatalogRepository struct {
	db DB
}

// NewCatalogRepository wraps db.
func NewCatalogRepository(db DB) (*CatalogRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CatalogRepository{db: db}, nil
}

// ItemExists implements crawler.CatalogRepository.
func (r *CatalogRepository) ItemExists(ctx context.Context, url string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM books WHERE url = $1)`, url).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query book exists: %w", err)
	}
	return ok, nil
}

// ItemHasCover implements crawler.CatalogRepository.
func (r *CatalogRepository) ItemHasCover(ctx context.Context, url string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM books WHERE url = $1 AND COALESCE(cover_image, '') <> '')`,
		url,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query book cover: %w", err)
	}
	return ok, nil
}

// InsertItem implements crawler.CatalogRepository.
func (r *CatalogRepository) InsertItem(ctx context.Context, item crawler.CatalogItem, at time.Time) error {
	names, args := columnArgs(itemColumns, item.Fields)
	names = append([]string{"url", "source"}, names...)
	names = append(names, "created_at", "updated_at")
	args = append([]any{item.URL, item.Site}, args...)
	args = append(args, at, at)
	query := fmt.Sprintf(
		"INSERT INTO books (%s) VALUES (%s) ON CONFLICT (url) DO NOTHING",
		strings.Join(names, ", "), placeholders(len(names)),
	)
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

// SyncItem implements crawler.CatalogRepository.
func (r *CatalogRepository) SyncItem(ctx context.Context, item crawler.CatalogItem, at time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin sync: %w", err)
	}
	if err := syncItem(ctx, tx, item, at); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback sync: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit sync: %w", err)
	}
	return nil
}

func syncItem(ctx context.Context, tx pgx.Tx, item crawler.CatalogItem, at time.Time) error {
	names, args := columnArgs(itemColumns, item.Fields)
	names = append([]string{"url", "source"}, names...)
	names = append(names, "updated_at")
	args = append([]any{item.URL, item.Site}, args...)
	args = append(args, at)

	sets := []string{"source = CASE WHEN EXCLUDED.source <> '' THEN EXCLUDED.source ELSE books.source END"}
	for _, name := range names[2:] {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
	}
	sets = append(sets, "deleted = NULL")

	query := fmt.Sprintf(
		"INSERT INTO books (%s) VALUES (%s) ON CONFLICT (url) DO UPDATE SET %s",
		strings.Join(names, ", "), placeholders(len(names)), strings.Join(sets, ", "),
	)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert book: %w", err)
	}

	for _, role := range crawler.Roles {
		people, ok := item.Roles[role]
		if !ok {
			continue
		}
		if err := replaceRole(ctx, tx, item.URL, role, people); err != nil {
			return err
		}
	}
	return nil
}

// replaceRole makes the (item, role) association set equal to people.
func replaceRole(ctx context.Context, tx pgx.Tx, bookURL string, role crawler.Role, people []crawler.PersonRef) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM book_persons WHERE book_url = $1 AND role = $2`,
		bookURL, string(role),
	); err != nil {
		return fmt.Errorf("clear %s associations: %w", role, err)
	}
	for _, p := range people {
		if _, err := tx.Exec(ctx,
			`INSERT INTO persons (url, name) VALUES ($1, $2) ON CONFLICT (url) DO UPDATE SET name = EXCLUDED.name`,
			p.URL, p.Name,
		); err != nil {
			return fmt.Errorf("upsert person: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO book_persons (book_url, person_url, role) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			bookURL, p.URL, string(role),
		); err != nil {
			return fmt.Errorf("link %s: %w", role, err)
		}
	}
	return nil
}

// MarkItemDeleted implements crawler.CatalogRepository.
func (r *CatalogRepository) MarkItemDeleted(ctx context.Context, url, site string, at time.Time) error {
	const query = `
INSERT INTO books (url, source, deleted, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (url) DO UPDATE
SET deleted = EXCLUDED.deleted, updated_at = EXCLUDED.updated_at
WHERE books.deleted IS NULL`
	if _, err := r.db.Exec(ctx, query, url, site, at); err != nil {
		return fmt.Errorf("mark book deleted: %w", err)
	}
	return nil
}

// InsertMetrics implements crawler.CatalogRepository.
func (r *CatalogRepository) InsertMetrics(ctx context.Context, snapshot crawler.MetricSnapshot) error {
	names, args := columnArgs(metricColumns, snapshot.Fields)
	names = append([]string{"book_url", "captured_at"}, names...)
	args = append([]any{snapshot.BookURL, snapshot.CapturedAt}, args...)
	query := fmt.Sprintf(
		"INSERT INTO book_metrics (%s) VALUES (%s)",
		strings.Join(names, ", "), placeholders(len(names)),
	)
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert metrics: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *CatalogRepository) Close() {
	if r == nil || r.db == nil {
		return
	}
	r.db.Close()
}

// columnArgs selects the columns present in fields and converts each value
// to the column's Go type.
func columnArgs(cols []column, fields crawler.Record) ([]string, []any) {
	var (
		names []string
		args  []any
	)
	for _, col := range cols {
		v, ok := fields[col.name]
		if !ok {
			continue
		}
		arg, ok := columnValue(col.kind, v)
		if !ok {
			continue
		}
		names = append(names, col.name)
		args = append(args, arg)
	}
	return names, args
}

func columnValue(kind columnKind, v crawler.Value) (any, bool) {
	switch kind {
	case colText:
		switch v.Kind() {
		case crawler.KindString:
			return v.Str(), true
		case crawler.KindList:
			return strings.Join(v.List(), ", "), true
		case crawler.KindInt, crawler.KindFloat:
			return fmt.Sprint(v.Native()), true
		}
	case colTextArray:
		switch v.Kind() {
		case crawler.KindList:
			return v.List(), true
		case crawler.KindString:
			return []string{v.Str()}, true
		}
	case colInt:
		return coerce.ParseInt(v), true
	case colFloat:
		return coerce.ParseFloat(v), true
	case colTime:
		if v.Kind() == crawler.KindTime {
			return v.Time(), true
		}
	}
	return nil, false
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}
