// Package headless is a JavaScript-capable page engine driving headless
// Chrome through chromedp.
package headless

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the headless browser.
type Config struct {
	// MaxParallel caps open pages. Zero means unlimited.
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// ExecPath overrides Chrome discovery.
	ExecPath string `mapstructure:"exec_path"`
	// Settle is how long a page may keep rendering after body is ready.
	Settle time.Duration `mapstructure:"settle"`
}

// Browser implements crawler.Browser. Pages using the same proxy share one
// Chrome process.
type Browser struct {
	cfg     Config
	limiter chan struct{}

	mu     sync.Mutex
	allocs map[string]allocator
	closed bool
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a headless browser. Chrome is started lazily on the first page.
func New(cfg Config) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Browser{
		cfg:     cfg,
		limiter: limiter,
		allocs:  make(map[string]allocator),
	}, nil
}

// NewPage opens a tab. The tab keeps a parallelism slot until Close.
func (b *Browser) NewPage(ctx context.Context, opts crawler.PageOptions) (crawler.Page, error) {
	proxy, err := parseProxy(opts.Proxy)
	if err != nil {
		return nil, err
	}
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	alloc, err := b.allocator(proxy.server)
	if err != nil {
		b.release()
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(alloc)
	p := newPage(tabCtx, cancel, b, proxy)
	// An empty Run starts the tab so later timeouts only bound navigation.
	if err := chromedp.Run(tabCtx, p.setupAction()); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("start tab: %w", err)
	}
	return p, nil
}

// Close stops every Chrome process.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, a := range b.allocs {
		a.cancel()
		delete(b.allocs, key)
	}
	b.closed = true
}

func (b *Browser) allocator(proxyServer string) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("browser closed")
	}
	if a, ok := b.allocs[proxyServer]; ok {
		return a.ctx, nil
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions(proxyServer)...)
	b.allocs[proxyServer] = allocator{ctx: ctx, cancel: cancel}
	return ctx, nil
}

func (b *Browser) allocatorOptions(proxyServer string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}
	if proxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(proxyServer))
	}
	return opts
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

// proxyConfig splits a proxy URL into the server Chrome dials and the
// credentials answered on auth challenges.
type proxyConfig struct {
	server   string
	username string
	password string
}

func parseProxy(raw string) (proxyConfig, error) {
	if raw == "" {
		return proxyConfig{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return proxyConfig{}, fmt.Errorf("invalid proxy %q", raw)
	}
	cfg := proxyConfig{server: u.Scheme + "://" + u.Host}
	if u.User != nil {
		cfg.username = u.User.Username()
		cfg.password, _ = u.User.Password()
	}
	return cfg, nil
}
