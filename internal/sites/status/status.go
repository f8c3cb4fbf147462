// Package status checks worker egress: it opens an IP echo page through the
// configured proxy and reports the address the site saw.
package status

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

// Event triggers the check.
const Event = "status:check"

// EchoURL is the IP echo page.
const EchoURL = "https://www.reg.ru/web-tools/myip"

var errNoIP = errors.New("ip not found on echo page")

// Definition returns the status workflow.
func Definition() workflow.Definition {
	return workflow.Definition{
		Name:      "check-status",
		Event:     Event,
		Site:      "reg.ru",
		StartURLs: []string{EchoURL},
		// Every check must run, so admission never finds a recent duplicate.
		Lookback: time.Nanosecond,
		Policy: workflow.Policy{
			ExecutionTimeout: 30 * time.Second,
			ScheduleTimeout:  10 * time.Minute,
			Retries:          3,
			BackoffMax:       3 * time.Second,
			BackoffFactor:    2,
		},
		Handler: Check,
	}
}

// Check returns {ip}. An empty URL falls back to EchoURL.
func Check(ctx context.Context, env *workflow.Env, in crawler.TaskInput, page crawler.Page) (crawler.Output, error) {
	url := in.URL
	if url == "" {
		url = EchoURL
	}
	if _, err := page.Goto(ctx, url); err != nil {
		return crawler.Output{}, err
	}
	ip := strings.TrimSpace(page.Document().Find("b#myip-info-ip").First().Text())
	if ip == "" {
		return crawler.Output{}, errNoIP
	}
	env.Logger.Info("egress ip", zap.String("ip", ip))
	return crawler.Output{Result: crawler.ResultDone, Data: map[string]any{"ip": ip}}, nil
}
