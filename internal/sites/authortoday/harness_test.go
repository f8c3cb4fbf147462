package authortoday

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/admission"
	collybrowser "github.com/JakeFAU/catalog-crawler/internal/browser/colly"
	"github.com/JakeFAU/catalog-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-crawler/internal/cover"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	queuemem "github.com/JakeFAU/catalog-crawler/internal/queue/memory"
	"github.com/JakeFAU/catalog-crawler/internal/snapshot"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%04d", s.n), nil
}

type harness struct {
	srv        *httptest.Server
	clock      *fakeClock
	repo       *memory.CatalogRepository
	runs       *memory.RunStore
	blobs      *memory.BlobStore
	bus        *queuemem.Bus
	dispatcher *dispatcher.Dispatcher
	registry   *workflow.Registry
	browser    *collybrowser.Browser
	listing    *workflow.Workflow
	item       *workflow.Workflow
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func coverPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(3, 4, color.NRGBA{B: 255, A: 255}), imaging.PNG))
	return buf.Bytes()
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	work := fixture(t, "work.html")
	limited := fixture(t, "limited.html")
	genres := fixture(t, "genres.html")
	png := coverPNG(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/work/genres", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(genres) })
	mux.HandleFunc("/work/limited", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(limited) })
	mux.HandleFunc("/work/nofooter", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body><h1>loading</h1></body></html>"))
	})
	mux.HandleFunc("/work/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/404") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(work)
	})
	mux.HandleFunc("/blog/5", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(work) })
	mux.HandleFunc("/covers/77.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		srv:     newSite(t),
		clock:   &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		repo:    memory.NewCatalogRepository(),
		runs:    memory.NewRunStore(),
		blobs:   memory.NewBlobStore(),
		bus:     queuemem.NewBus(64, queuemem.WithConcurrency(3), queuemem.WithRedeliveryDelay(time.Millisecond)),
		browser: collybrowser.New(collybrowser.Config{Timeout: 5 * time.Second}),
	}
	h.dispatcher = dispatcher.New(h.bus, h.runs, admission.New(h.runs, h.clock, nil), &seqIDs{}, h.clock,
		dispatcher.Config{Customer: "test"}, nil)
	h.registry = workflow.NewRegistry(workflow.Deps{
		Dispatcher: h.dispatcher,
		Store:      catalog.New(h.repo, h.clock),
		Covers:     cover.NewSaver(h.browser, h.blobs, cover.Config{Prefix: "covers"}, nil),
		Browser:    h.browser,
		Clock:      h.clock,
	})
	h.registry.MustRegister(Definitions()...)
	var ok bool
	h.listing, ok = h.registry.Get("author-today-listing")
	require.True(t, ok)
	h.item, ok = h.registry.Get("author-today-item")
	require.True(t, ok)
	return h
}

// task runs wf's handler once against path on the test site.
func (h *harness) task(t *testing.T, wf *workflow.Workflow, path, taskID string) (crawler.Output, error) {
	t.Helper()
	page, err := h.browser.NewPage(context.Background(), wf.PageOptions())
	require.NoError(t, err)
	defer func() { _ = page.Close() }()
	return wf.Task(context.Background(), crawler.TaskInput{URL: h.srv.URL + path, TaskID: taskID}, page)
}

func (h *harness) startWorker(t *testing.T) {
	t.Helper()
	w := worker.New(h.bus, h.registry, h.runs, h.browser, nil,
		snapshot.NewWriter(h.blobs, "snapshots"), h.clock, worker.Config{Name: "scraper-test", Slots: 3}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) snapshots() int {
	n := 0
	for _, p := range h.blobs.Paths() {
		if strings.HasPrefix(p, "snapshots/") {
			n++
		}
	}
	return n
}

func (h *harness) allRuns(status crawler.RunStatus) int {
	runs, _ := h.runs.FindRuns(context.Background(), crawler.RunFilter{Statuses: []crawler.RunStatus{status}, Limit: 1000})
	return len(runs)
}
