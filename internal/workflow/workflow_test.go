package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type crawlCall struct {
	target   dispatcher.Target
	url      string
	taskID   string
	lookback time.Duration
}

type fakeDispatcher struct {
	mu      sync.Mutex
	crawls  []crawlCall
	seeds   [][]string
	taskIDs []string
	seedErr error
}

func (d *fakeDispatcher) Crawl(_ context.Context, target dispatcher.Target, url, taskID string, lookback time.Duration, _ crawler.Record) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.crawls = append(d.crawls, crawlCall{target, url, taskID, lookback})
	return true, nil
}

func (d *fakeDispatcher) Seed(_ context.Context, _ dispatcher.Target, urls []string, taskID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seedErr != nil {
		return 0, d.seedErr
	}
	d.seeds = append(d.seeds, urls)
	d.taskIDs = append(d.taskIDs, taskID)
	return len(urls), nil
}

type fakePage struct {
	url    string
	closed bool
}

func (p *fakePage) Goto(_ context.Context, url string) (crawler.Response, error) {
	p.url = url
	return crawler.Response{URL: url, Status: 200}, nil
}
func (p *fakePage) URL() string                 { return p.url }
func (p *fakePage) Document() *goquery.Document { return nil }
func (p *fakePage) Close() error                { p.closed = true; return nil }

type fakeBrowser struct {
	opts  []crawler.PageOptions
	pages []*fakePage
}

func (b *fakeBrowser) NewPage(_ context.Context, opts crawler.PageOptions) (crawler.Page, error) {
	b.opts = append(b.opts, opts)
	p := &fakePage{}
	b.pages = append(b.pages, p)
	return p, nil
}

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *fakeDispatcher, *fakeBrowser, *memory.CatalogRepository) {
	t.Helper()
	disp := &fakeDispatcher{}
	browser := &fakeBrowser{}
	repo := memory.NewCatalogRepository()
	reg := NewRegistry(Deps{
		Dispatcher: disp,
		Store:      catalog.New(repo, fakeClock{epoch}),
		Browser:    browser,
		Clock:      fakeClock{epoch},
		Proxy:      "http://proxy:3128",
	})
	return reg, disp, browser, repo
}

func storeHandler(_ context.Context, env *Env, in crawler.TaskInput, page crawler.Page) (crawler.Output, error) {
	if _, err := page.Goto(context.Background(), in.URL); err != nil {
		return crawler.Output{}, err
	}
	err := env.Store.Update(context.Background(), crawler.Record{
		crawler.FieldURL:   crawler.StringValue(in.URL),
		crawler.FieldTitle: crawler.StringValue("T"),
	})
	return crawler.Output{Data: map[string]any{"url": in.URL}}, err
}

func TestRegisterAppliesDefaultsAndRejectsDuplicates(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)

	w, err := reg.Register(Definition{Name: "a", Event: "a:item", Site: "a.com", Handler: storeHandler})
	require.NoError(t, err)
	assert.Equal(t, DefaultLookback, w.Lookback())
	assert.Equal(t, DefaultConcurrency, w.Policy().Concurrency)
	assert.Equal(t, StateIdle, w.State())

	_, err = reg.Register(Definition{Name: "a", Event: "b:item", Site: "a.com", Handler: storeHandler})
	require.Error(t, err)
	_, err = reg.Register(Definition{Name: "b", Event: "a:item", Site: "a.com", Handler: storeHandler})
	require.Error(t, err)
	_, err = reg.Register(Definition{Name: "c", Event: "c:item", Site: "c.com"})
	require.Error(t, err)

	_, err = reg.ForEvent("missing")
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestRunSeedsStartURLs(t *testing.T) {
	t.Parallel()
	reg, disp, _, _ := newTestRegistry(t)
	w, err := reg.Register(Definition{
		Name: "listing", Event: "a:listing", Site: "a.com",
		StartURLs: []string{"https://a.com/1", "https://a.com/2"},
		Handler:   storeHandler,
	})
	require.NoError(t, err)

	var prompt string
	res, err := w.Run(context.Background(), ConfirmFunc(func(_ context.Context, p string) (bool, error) {
		prompt = p
		return true, nil
	}))
	require.NoError(t, err)
	assert.Contains(t, prompt, "listing")
	assert.Equal(t, "a.com-1709287200", res.TaskID)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, []string{"a.com-1709287200"}, disp.taskIDs)
	assert.Equal(t, StateDispatched, w.State())
}

func TestRunAbortedAndFailed(t *testing.T) {
	t.Parallel()
	reg, disp, _, _ := newTestRegistry(t)
	w, err := reg.Register(Definition{Name: "l", Event: "l", Site: "s", Handler: storeHandler})
	require.NoError(t, err)

	_, err = w.Run(context.Background(), ConfirmFunc(func(context.Context, string) (bool, error) { return false, nil }))
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, StateIdle, w.State())
	assert.Empty(t, disp.seeds)

	disp.seedErr = errors.New("bus down")
	_, err = w.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, StateFailed, w.State())
}

func TestEnvCrawlRoutesByEvent(t *testing.T) {
	t.Parallel()
	reg, disp, _, _ := newTestRegistry(t)

	_, err := reg.Register(Definition{Name: "item", Event: "a:item", Site: "a.com", Lookback: time.Hour, Handler: storeHandler})
	require.NoError(t, err)
	listing, err := reg.Register(Definition{
		Name: "listing", Event: "a:listing", Site: "a.com",
		Handler: func(ctx context.Context, env *Env, in crawler.TaskInput, _ crawler.Page) (crawler.Output, error) {
			if _, err := env.Crawl(ctx, "", "https://a.com/page2", in.TaskID, nil); err != nil {
				return crawler.Output{}, err
			}
			if _, err := env.Crawl(ctx, "a:item", "https://a.com/work/1", in.TaskID, nil); err != nil {
				return crawler.Output{}, err
			}
			_, err := env.Crawl(ctx, "nope", "https://a.com/x", in.TaskID, nil)
			return crawler.Output{}, err
		},
	})
	require.NoError(t, err)

	out, err := listing.Task(context.Background(), crawler.TaskInput{URL: "https://a.com/1", TaskID: "t"}, &fakePage{})
	require.ErrorIs(t, err, ErrUnknownEvent)
	assert.Equal(t, crawler.ResultError, out.Result)

	require.Len(t, disp.crawls, 2)
	assert.Equal(t, "a:listing", disp.crawls[0].target.Event)
	assert.Equal(t, DefaultLookback, disp.crawls[0].lookback)
	assert.Equal(t, "a:item", disp.crawls[1].target.Event)
	assert.Equal(t, time.Hour, disp.crawls[1].lookback)
}

func TestTaskDefaultsResultToDone(t *testing.T) {
	t.Parallel()
	reg, _, _, repo := newTestRegistry(t)
	w, err := reg.Register(Definition{Name: "item", Event: "a:item", Site: "a.com", Handler: storeHandler})
	require.NoError(t, err)

	out, err := w.Task(context.Background(), crawler.TaskInput{URL: "https://a.com/work/1"}, &fakePage{})
	require.NoError(t, err)
	assert.Equal(t, crawler.ResultDone, out.Result)
	assert.Equal(t, 1, repo.ItemCount())
}

func TestDebugUsesDryRunAndBrowser(t *testing.T) {
	t.Parallel()
	reg, disp, browser, repo := newTestRegistry(t)
	w, err := reg.Register(Definition{
		Name: "item", Event: "a:item", Site: "a.com",
		Handler: func(ctx context.Context, env *Env, in crawler.TaskInput, page crawler.Page) (crawler.Output, error) {
			admitted, err := env.Crawl(ctx, "", "https://a.com/work/2", in.TaskID, nil)
			if err != nil || admitted {
				return crawler.Output{}, errors.New("debug crawl must not dispatch")
			}
			return storeHandler(ctx, env, in, page)
		},
	})
	require.NoError(t, err)

	out, err := w.Debug(context.Background(), "https://a.com/work/1", nil)
	require.NoError(t, err)
	assert.Equal(t, crawler.ResultDebug, out.Result)
	assert.Equal(t, 0, repo.ItemCount())
	assert.Empty(t, disp.crawls)

	require.Len(t, browser.pages, 1)
	assert.True(t, browser.pages[0].closed)
	assert.Equal(t, "https://a.com/work/1", browser.pages[0].url)
	assert.Equal(t, "http://proxy:3128", browser.opts[0].Proxy)
}

func TestStateOf(t *testing.T) {
	t.Parallel()

	tests := map[crawler.RunStatus]State{
		crawler.RunQueued:    StateDispatched,
		crawler.RunRunning:   StateExecuting,
		crawler.RunCompleted: StateDone,
		crawler.RunFailed:    StateFailed,
		"":                   StateIdle,
	}
	for status, want := range tests {
		assert.Equal(t, want, StateOf(status), string(status))
	}
}

func TestPolicyBackoffAndLabels(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 1500*time.Millisecond, p.Backoff(1))
	assert.Equal(t, DefaultBackoffMax, p.Backoff(20))

	p.Labels = map[string]string{"region": "ru"}
	assert.True(t, p.Matches(map[string]string{"region": "ru", "tier": "x"}))
	assert.False(t, p.Matches(map[string]string{"region": "eu"}))
	assert.False(t, p.Matches(nil))

	noRetry := Policy{Retries: -1}.withDefaults()
	assert.Zero(t, noRetry.Retries)
	assert.False(t, noRetry.NoProxy)
}

func TestPageOptionsProxyIsOptOut(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)

	def, err := reg.Register(Definition{Name: "default", Event: "d:item", Site: "d.com", Handler: storeHandler})
	require.NoError(t, err)
	assert.Equal(t, "http://proxy:3128", def.PageOptions().Proxy)

	direct, err := reg.Register(Definition{
		Name: "direct", Event: "n:item", Site: "n.com",
		Policy:  Policy{NoProxy: true},
		Handler: storeHandler,
	})
	require.NoError(t, err)
	assert.Empty(t, direct.PageOptions().Proxy)
}

func TestRunRejectsConcurrentRunWhileConfirming(t *testing.T) {
	t.Parallel()
	reg, disp, _, _ := newTestRegistry(t)
	w, err := reg.Register(Definition{
		Name: "listing", Event: "a:listing", Site: "a.com",
		StartURLs: []string{"https://a.com/1"},
		Handler:   storeHandler,
	})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := w.Run(context.Background(), ConfirmFunc(func(context.Context, string) (bool, error) {
			close(entered)
			<-release
			return true, nil
		}))
		done <- err
	}()

	<-entered
	_, err = w.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, disp.seeds, 1)
	assert.Equal(t, StateDispatched, w.State())
}

func TestRunConfirmErrorRestoresState(t *testing.T) {
	t.Parallel()
	reg, disp, _, _ := newTestRegistry(t)
	w, err := reg.Register(Definition{Name: "l", Event: "l", Site: "s", Handler: storeHandler})
	require.NoError(t, err)

	_, err = w.Run(context.Background(), ConfirmFunc(func(context.Context, string) (bool, error) {
		return false, errors.New("stdin closed")
	}))
	require.ErrorContains(t, err, "confirm run: stdin closed")
	assert.Equal(t, StateIdle, w.State())
	assert.Empty(t, disp.seeds)

	_, err = w.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, disp.seeds, 1)
}
