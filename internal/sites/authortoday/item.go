package authortoday

import (
	"context"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/cast"

	"github.com/JakeFAU/catalog-crawler/internal/browser"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

// Reasons reported when an item is marked deleted.
const (
	ReasonNotFound      = "not_found"
	ReasonInvalidURL    = "invalid_url_structure"
	ReasonAccessLimited = "access_limited"
)

const bookScope = `div[itemtype="http://schema.org/Book"]`

var (
	countPattern = regexp.MustCompile(`\d[\d\s\x{00A0}\x{202F}]*`)
	pricePattern = regexp.MustCompile(`[\d,]+`)
)

// Item extracts one work. Missing, malformed and access-limited pages are
// soft-deleted; everything else is synced with a fresh metrics snapshot.
func Item(ctx context.Context, env *workflow.Env, in crawler.TaskInput, page crawler.Page) (crawler.Output, error) {
	resp, err := page.Goto(ctx, in.URL)
	if err != nil {
		return crawler.Output{}, err
	}
	url := page.URL()
	if url == "" {
		url = in.URL
	}

	if resp.Status == 404 {
		return deleted(ctx, env, url, resp.Status, ReasonNotFound)
	}
	if !strings.Contains(url, "/work/") && !strings.Contains(url, "/audiobook/") {
		return deleted(ctx, env, url, resp.Status, ReasonInvalidURL)
	}
	doc := page.Document()
	if doc.Find("footer.footer").Length() == 0 {
		return crawler.Output{}, errNotRendered
	}
	limited := doc.Find("h1").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), "Доступ ограничен")
	})
	if limited.Length() > 0 {
		return deleted(ctx, env, url, resp.Status, ReasonAccessLimited)
	}

	book := crawler.Record{
		crawler.FieldURL:    crawler.StringValue(url),
		crawler.FieldSource: crawler.StringValue(Site),
	}
	book.Set(crawler.FieldTitle, crawler.StringValue(strings.TrimSpace(doc.Find(bookScope+" h1").First().Text())))
	metrics := crawler.Record{crawler.FieldBookURL: crawler.StringValue(url)}

	exists, err := env.Store.Exists(ctx, url)
	if err != nil {
		return crawler.Output{}, err
	}
	if !exists {
		if err := env.Store.Create(ctx, book); err != nil {
			return crawler.Output{}, err
		}
	}

	extractBook(doc, book)
	if err := extractCover(ctx, env, doc, url, book); err != nil {
		return crawler.Output{}, err
	}
	extractMetrics(doc, metrics)
	extractStats(doc, book, metrics)

	if err := env.Store.Update(ctx, book); err != nil {
		return crawler.Output{}, err
	}
	if err := env.Store.InsertMetrics(ctx, metrics); err != nil {
		return crawler.Output{}, err
	}
	return crawler.Output{Result: crawler.ResultDone, Data: map[string]any{"book": book, "metrics": metrics}}, nil
}

func deleted(ctx context.Context, env *workflow.Env, url string, status int, reason string) (crawler.Output, error) {
	if err := env.Store.MarkDeleted(ctx, url, Site); err != nil {
		return crawler.Output{}, err
	}
	return crawler.Output{
		Result: crawler.ResultError,
		Data:   map[string]any{"status": status, "error": reason},
	}, nil
}

func extractBook(doc *goquery.Document, book crawler.Record) {
	authors := doc.Find(`div.book-panel span[itemprop="author"] > a`)
	if authors.Length() > 0 {
		var (
			names  []string
			people []crawler.PersonRef
		)
		authors.Each(func(_ int, a *goquery.Selection) {
			name := strings.TrimSpace(a.Text())
			href, _ := a.Attr("href")
			names = append(names, name)
			people = append(people, crawler.PersonRef{Name: name, URL: browser.AbsURL(doc, href)})
		})
		book.Set("author", crawler.StringValue(strings.Join(names, ", ")))
		book.Set(crawler.RoleAuthor.RecordKey(), crawler.PeopleValue(people...))
	}

	var annotation []string
	doc.Find(bookScope + " div.rich-content").Each(func(_ int, s *goquery.Selection) {
		annotation = append(annotation, strings.TrimSpace(s.Text()))
	})
	book.Set("annotation", crawler.StringValue(strings.Join(annotation, "\n")))

	book.Set("category", crawler.ListValue(texts(doc.Find(bookScope+" div.book-genres a"))...))
	book.Set("series", crawler.ListValue(texts(doc.Find(`div.book-panel a[href*="/series/"]`))...))
	book.Set("tags", crawler.ListValue(texts(doc.Find(bookScope+" span.tags a"))...))

	audio := doc.Find(bookScope + " a").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Find("i.icon-2-headphones").Length() > 0
	})
	if href, ok := audio.First().Attr("href"); ok {
		book.Set("url_audio", crawler.StringValue(browser.AbsURL(doc, href)))
	}
}

// extractCover stores the cover only for items that have none yet.
func extractCover(ctx context.Context, env *workflow.Env, doc *goquery.Document, url string, book crawler.Record) error {
	hasCover, err := env.Store.HasCover(ctx, url)
	if err != nil {
		return err
	}
	if hasCover {
		return nil
	}
	src, ok := doc.Find(bookScope + " img.cover-image").First().Attr("src")
	if !ok {
		return nil
	}
	book.Set(crawler.FieldCover, crawler.StringValue(env.SaveCover(ctx, url, browser.AbsURL(doc, src))))
	return nil
}

func extractMetrics(doc *goquery.Document, metrics crawler.Record) {
	if t, ok := dataTime(doc.Find(`div.book-panel span[data-format="calendar-short"]`)); ok {
		metrics.Set("content_update_date", crawler.TimeValue(t))
	}

	views := doc.Find(bookScope + " div.book-stats span").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Find("i.icon-eye").Length() > 0
	})
	if hint, ok := views.First().Attr("data-hint"); ok {
		metrics.Set("views", crawler.StringValue(firstCount(hint)))
	}
	metrics.Set("likes", crawler.StringValue(firstCount(doc.Find(bookScope+" span.like-count").First().Text())))
	metrics.Set("comments", crawler.StringValue(firstCount(doc.Find("div.book-page span#commentTotalCount").First().Text())))
	metrics.Set("characters_count", crawler.StringValue(firstCount(
		doc.Find(`div.book-panel span[data-hint="Размер, кол-во знаков с пробелами"]`).First().Text(),
	)))

	if awards := doc.Find(bookScope + " button.btn-reward"); awards.Length() > 0 {
		if n := strings.TrimSpace(firstCount(awards.First().Text())); n != "" && n != "0" {
			metrics.Set(crawler.FieldAwards, crawler.LabelsValue(map[string]string{"award": n}))
		}
	}

	switch {
	case doc.Find(bookScope+" span.label-primary").Length() > 0:
		metrics.Set("status_writing", crawler.StringValue("PROCESS"))
	case doc.Find(bookScope+" span.label-success").Length() > 0:
		metrics.Set("status_writing", crawler.StringValue("FINISH"))
	}

	price, ok := parsePrice(doc.Find(`div.book-panel span[data-bind="html: priceText"]`).First().Text())
	if ok && price != 0 {
		metrics.Set("price", crawler.FloatValue(price))
		if old, ok := parsePrice(doc.Find(`div.book-panel span[data-bind="text: oldPriceText"]`).First().Text()); ok {
			metrics.Set("price_old", crawler.FloatValue(old))
			metrics.Set("price_discount", crawler.FloatValue(price))
		}
	}
}

// Library counters from the statistics tab, keyed by their row label.
var statRows = []struct {
	label string
	field string
}{
	{"Добавили в библиотеку", "added_to_lib"},
	{"Читаю / слушаю", "read_process"},
	{"Отложено на потом", "read_later"},
	{"Прочитано", "read_finished"},
	{"Не интересно", "unlike"},
	{"Скачали", "downloaded"},
}

func extractStats(doc *goquery.Document, book, metrics crawler.Record) {
	rows := doc.Find("div.book-details-row")
	if rows.Length() == 0 {
		return
	}
	withLabel := func(label string) *goquery.Selection {
		return rows.FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.Contains(s.Text(), label)
		})
	}
	if t, ok := dataTime(withLabel("Впервые опубликовано").Find("div > span")); ok {
		book.Set("date_release", crawler.TimeValue(t))
	}
	for _, row := range statRows {
		match := withLabel(row.label)
		if match.Length() == 0 {
			continue
		}
		metrics.Set(row.field, crawler.StringValue(strings.TrimSpace(match.First().ChildrenFiltered("div").Last().Text())))
	}
}

// texts returns the distinct trimmed texts of sel, sorted.
func texts(sel *goquery.Selection) []string {
	var out []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	})
	slices.Sort(out)
	return out
}

func firstCount(s string) string {
	return strings.TrimSpace(countPattern.FindString(s))
}

func parsePrice(s string) (float64, bool) {
	m := pricePattern.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func dataTime(sel *goquery.Selection) (time.Time, bool) {
	raw := strings.TrimSpace(sel.First().AttrOr("data-time", ""))
	if raw == "" {
		return time.Time{}, false
	}
	t, err := cast.ToTimeE(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
