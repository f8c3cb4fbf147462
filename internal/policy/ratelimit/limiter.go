// Package ratelimit spaces navigations per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained rate per host. Zero or less disables limiting.
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
	// Hosts overrides RPS for specific hosts.
	Hosts map[string]float64 `mapstructure:"hosts"`
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{limiters: make(map[string]*rate.Limiter), cfg: cfg}
}

// Wait blocks until rawURL's host may be visited again or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[host]; ok {
		return lim
	}
	rps := l.cfg.RPS
	if override, ok := l.cfg.Hosts[host]; ok {
		rps = override
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	lim := rate.NewLimiter(limit, l.cfg.Burst)
	l.limiters[host] = lim
	return lim
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
