package collybrowser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/work/1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><h1 class="book-title">Title</h1><a href="/work/2">next</a></body></html>`))
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/work/1", http.StatusFound)
	})
	mux.HandleFunc("/cover.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("referer=" + r.Header.Get("Referer")))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPageGotoParsesDocument(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	b := New(Config{UserAgent: "catalog-test"})

	p, err := b.NewPage(context.Background(), crawler.PageOptions{})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	resp, err := p.Goto(context.Background(), srv.URL+"/moved")
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, srv.URL+"/work/1", p.URL())
	assert.Equal(t, "Title", p.Document().Find("h1.book-title").Text())
	assert.Equal(t, srv.URL+"/work/2", p.Document().Url.ResolveReference(mustParse(t, "/work/2")).String())
}

func TestPageGotoReportsErrorStatus(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	b := New(Config{})
	p, err := b.NewPage(context.Background(), crawler.PageOptions{})
	require.NoError(t, err)

	resp, err := p.Goto(context.Background(), srv.URL+"/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.False(t, resp.OK())
	require.NotNil(t, p.Document())
}

func TestPageRevisitsSameURL(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	b := New(Config{})
	for range 2 {
		p, err := b.NewPage(context.Background(), crawler.PageOptions{})
		require.NoError(t, err)
		_, err = p.Goto(context.Background(), srv.URL+"/work/1")
		require.NoError(t, err)
	}
}

func TestGetSendsHeaders(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	b := New(Config{})

	resp, err := b.Get(context.Background(), srv.URL+"/cover.jpg", http.Header{"Referer": {"https://example.com/work/1"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "referer=https://example.com/work/1", string(resp.Body))
	assert.Equal(t, "image/jpeg", resp.Headers.Get("Content-Type"))
}

func TestGetHonorsContext(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	b := New(Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Get(ctx, srv.URL+"/slow", nil, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPageRoutesThroughProxy(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		seen []string
	)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.String())
		mu.Unlock()
		_, _ = w.Write([]byte("<html><body>via proxy</body></html>"))
	}))
	t.Cleanup(proxy.Close)

	b := New(Config{})
	p, err := b.NewPage(context.Background(), crawler.PageOptions{Proxy: proxy.URL})
	require.NoError(t, err)
	_, err = p.Goto(context.Background(), "http://catalog.invalid/work/9")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"http://catalog.invalid/work/9"}, seen)
	assert.Contains(t, p.Document().Text(), "via proxy")
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
