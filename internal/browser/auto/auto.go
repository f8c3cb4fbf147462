// Package auto fetches pages statically and promotes them to a rendering
// engine when the static body looks like a JavaScript shell.
package auto

import (
	"context"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Browser implements crawler.Browser over a static and a rendering engine.
type Browser struct {
	static        crawler.Browser
	render        crawler.Browser
	bodyThreshold int
	logger        *zap.Logger
}

// New combines static and render. bodyThreshold tunes NeedsRendering.
func New(static, render crawler.Browser, bodyThreshold int, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{static: static, render: render, bodyThreshold: bodyThreshold, logger: logger}
}

// NewPage implements crawler.Browser. The rendering page is opened on the
// first promotion.
func (b *Browser) NewPage(ctx context.Context, opts crawler.PageOptions) (crawler.Page, error) {
	sp, err := b.static.NewPage(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open static page: %w", err)
	}
	return &page{browser: b, opts: opts, static: sp, current: sp}, nil
}

type page struct {
	browser *Browser
	opts    crawler.PageOptions
	static  crawler.Page
	render  crawler.Page
	current crawler.Page
}

func (p *page) Goto(ctx context.Context, url string) (crawler.Response, error) {
	resp, err := p.static.Goto(ctx, url)
	if err != nil || !NeedsRendering(resp, p.browser.bodyThreshold) {
		p.current = p.static
		return resp, err
	}
	p.browser.logger.Debug("promoting to rendered fetch", zap.String("url", url))
	if p.render == nil {
		rp, err := p.browser.render.NewPage(ctx, p.opts)
		if err != nil {
			return crawler.Response{}, fmt.Errorf("open render page: %w", err)
		}
		p.render = rp
	}
	p.current = p.render
	return p.render.Goto(ctx, url)
}

func (p *page) URL() string                 { return p.current.URL() }
func (p *page) Document() *goquery.Document { return p.current.Document() }

func (p *page) Close() error {
	err := p.static.Close()
	if p.render != nil {
		err = errors.Join(err, p.render.Close())
	}
	return err
}
