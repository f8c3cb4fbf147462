// Package collybrowser is a static page engine on gocolly. It does not run
// JavaScript; sites that render server-side use it instead of Chrome.
package collybrowser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/catalog-crawler/internal/browser"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// Browser opens static pages and downloads single resources. It implements
// crawler.Browser and crawler.Downloader.
type Browser struct {
	cfg Config

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New builds a Browser.
func New(cfg Config) *Browser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Browser{
		cfg:        cfg,
		transports: make(map[string]*http.Transport),
	}
}

// newCollector builds a collector per fetch. Clones would share one HTTP
// client, and with it the proxy transport.
func (b *Browser) newCollector(transport http.RoundTripper) *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !b.cfg.RespectRobots
	if b.cfg.UserAgent != "" {
		c.UserAgent = b.cfg.UserAgent
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(b.cfg.Timeout)
	return c
}

// NewPage implements crawler.Browser.
func (b *Browser) NewPage(_ context.Context, opts crawler.PageOptions) (crawler.Page, error) {
	if opts.Proxy != "" {
		if _, err := url.Parse(opts.Proxy); err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
	}
	return &page{browser: b, proxy: opts.Proxy}, nil
}

// Get implements crawler.Downloader.
func (b *Browser) Get(ctx context.Context, rawURL string, headers http.Header, proxy string) (crawler.Response, error) {
	return b.fetch(ctx, rawURL, headers, proxy)
}

func (b *Browser) fetch(ctx context.Context, rawURL string, headers http.Header, proxy string) (crawler.Response, error) {
	transport, err := b.transport(proxy)
	if err != nil {
		return crawler.Response{}, err
	}
	collector := b.newCollector(transport)

	var (
		result   crawler.Response
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = crawler.Response{
			URL:     r.Request.URL.String(),
			Status:  r.StatusCode,
			Headers: r.Headers.Clone(),
			Body:    append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return crawler.Response{}, fmt.Errorf("fetch %s canceled: %w", rawURL, ctx.Err())
	case err := <-done:
		if err != nil {
			return crawler.Response{}, fmt.Errorf("visit %s: %w", rawURL, err)
		}
		if fetchErr != nil {
			return crawler.Response{}, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
		return result, nil
	}
}

// transport returns the pooled transport for proxy.
func (b *Browser) transport(proxy string) (*http.Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.transports[proxy]; ok {
		return t, nil
	}
	t := newHTTPTransport()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	b.transports[proxy] = t
	return t, nil
}

type page struct {
	browser *Browser
	proxy   string
	url     string
	doc     *goquery.Document
}

func (p *page) Goto(ctx context.Context, rawURL string) (crawler.Response, error) {
	resp, err := p.browser.fetch(ctx, rawURL, nil, p.proxy)
	if err != nil {
		return crawler.Response{}, err
	}
	doc, err := browser.Parse(resp)
	if err != nil {
		return resp, err
	}
	p.url = resp.URL
	p.doc = doc
	return resp, nil
}

func (p *page) URL() string                 { return p.url }
func (p *page) Document() *goquery.Document { return p.doc }
func (p *page) Close() error                { return nil }

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
