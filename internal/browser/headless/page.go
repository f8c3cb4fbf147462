package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/catalog-crawler/internal/browser"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

type page struct {
	tabCtx  context.Context
	cancel  context.CancelFunc
	browser *Browser
	proxy   proxyConfig
	meta    *responseMeta

	closeOnce sync.Once
	url       string
	doc       *goquery.Document
}

func newPage(tabCtx context.Context, cancel context.CancelFunc, b *Browser, proxy proxyConfig) *page {
	p := &page{
		tabCtx:  tabCtx,
		cancel:  cancel,
		browser: b,
		proxy:   proxy,
		meta:    newResponseMeta(),
	}
	chromedp.ListenTarget(tabCtx, p.handleEvent)
	return p
}

func (p *page) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.proxy.username != "" {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		return nil
	})
}

func (p *page) handleEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		p.meta.capture(e)
	case *fetch.EventRequestPaused:
		go func() {
			_ = chromedp.Run(p.tabCtx, fetch.ContinueRequest(e.RequestID))
		}()
	case *fetch.EventAuthRequired:
		resp := &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: p.proxy.username,
			Password: p.proxy.password,
		}
		go func() {
			_ = chromedp.Run(p.tabCtx, fetch.ContinueWithAuth(e.RequestID, resp))
		}()
	}
}

func (p *page) Goto(ctx context.Context, rawURL string) (crawler.Response, error) {
	navCtx, cancel := context.WithTimeout(p.tabCtx, p.browser.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	p.meta.reset()
	var html, finalURL string
	actions := []chromedp.Action{
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if settle := p.browser.cfg.Settle; settle > 0 {
		actions = append(actions, chromedp.Sleep(settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(navCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return crawler.Response{}, fmt.Errorf("navigate %s: %w", rawURL, ctx.Err())
		}
		return crawler.Response{}, fmt.Errorf("navigate %s: %w", rawURL, err)
	}

	status, headers, responseURL := p.meta.snapshotWithFallbacks(rawURL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	resp := crawler.Response{
		URL:     responseURL,
		Status:  status,
		Headers: headers,
		Body:    []byte(html),
	}
	doc, err := browser.Parse(resp)
	if err != nil {
		return resp, err
	}
	p.url = responseURL
	p.doc = doc
	return resp, nil
}

func (p *page) URL() string                 { return p.url }
func (p *page) Document() *goquery.Document { return p.doc }

func (p *page) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.browser.release()
	})
	return nil
}

// responseMeta keeps the status and headers of the latest document response.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = 0
	m.headers = http.Header{}
	m.url = ""
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
