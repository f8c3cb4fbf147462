// Package workflow pairs a site's crawl policy with its registered handler
// and exposes the run, crawl, debug and task entry points.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
)

var (
	// ErrAborted is returned by Run when the confirmation gate declines.
	ErrAborted = errors.New("run aborted")
	// ErrUnknownEvent is returned when no workflow handles an event name.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrBusy is returned by Run while a previous seed is in progress.
	ErrBusy = errors.New("workflow is seeding")
)

// DefaultLookback is the admission window used when a definition sets none.
const DefaultLookback = 48 * time.Hour

// Handler extracts one page. It navigates page itself, persists through
// env.Store and enqueues discovered links through env.Crawl.
type Handler func(ctx context.Context, env *Env, in crawler.TaskInput, page crawler.Page) (crawler.Output, error)

// Definition declares a workflow.
type Definition struct {
	Name      string
	Event     string
	Site      string
	StartURLs []string
	Lookback  time.Duration
	Policy    Policy
	Handler   Handler
}

func (d Definition) validate() error {
	switch {
	case d.Name == "":
		return errors.New("workflow name is required")
	case d.Event == "":
		return fmt.Errorf("workflow %s: event is required", d.Name)
	case d.Site == "":
		return fmt.Errorf("workflow %s: site is required", d.Name)
	case d.Handler == nil:
		return fmt.Errorf("workflow %s: handler is required", d.Name)
	}
	return nil
}

// Dispatcher is the subset of *dispatcher.Dispatcher a workflow uses.
type Dispatcher interface {
	Crawl(ctx context.Context, target dispatcher.Target, url, taskID string, lookback time.Duration, extra crawler.Record) (bool, error)
	Seed(ctx context.Context, target dispatcher.Target, urls []string, taskID string) (int, error)
}

// CoverSaver stores a cover image referenced from a page.
type CoverSaver interface {
	Save(ctx context.Context, pageURL, src string) (string, error)
}

// Confirmer gates Run.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// AutoConfirm approves every run.
var AutoConfirm Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })

// RunResult describes a seeded run.
type RunResult struct {
	Workflow  string `json:"workflow"`
	TaskID    string `json:"task_id"`
	Published int    `json:"published"`
}

// Workflow is a registered definition bound to its runtime dependencies.
type Workflow struct {
	def      Definition
	registry *Registry

	mu    sync.Mutex
	state State
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.def.Name }

// Event returns the event name the workflow handles.
func (w *Workflow) Event() string { return w.def.Event }

// Site returns the site tag.
func (w *Workflow) Site() string { return w.def.Site }

// Policy returns the effective policy.
func (w *Workflow) Policy() Policy { return w.def.Policy }

// StartURLs returns a copy of the seed URLs.
func (w *Workflow) StartURLs() []string { return append([]string(nil), w.def.StartURLs...) }

// Lookback returns the admission window.
func (w *Workflow) Lookback() time.Duration { return w.def.Lookback }

// Target addresses events to this workflow.
func (w *Workflow) Target() dispatcher.Target {
	return dispatcher.Target{Event: w.def.Event, Site: w.def.Site}
}

// State returns the lifecycle state of the latest Run.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workflow) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// NewTaskID returns the logical task id for a run started at t.
func (w *Workflow) NewTaskID(t time.Time) string {
	return w.def.Site + "-" + strconv.FormatInt(t.Unix(), 10)
}

// Run asks confirm, then seeds the start URLs under a fresh task id.
func (w *Workflow) Run(ctx context.Context, confirm Confirmer) (RunResult, error) {
	deps := w.registry.deps
	if confirm == nil {
		confirm = AutoConfirm
	}
	// Claim the workflow before confirming so concurrent runs see ErrBusy.
	w.mu.Lock()
	if w.state == StateSeeding {
		w.mu.Unlock()
		return RunResult{}, ErrBusy
	}
	prev := w.state
	w.state = StateSeeding
	w.mu.Unlock()

	prompt := fmt.Sprintf("Seed %d start URLs for %s?", len(w.def.StartURLs), w.def.Name)
	ok, err := confirm.Confirm(ctx, prompt)
	if err != nil {
		w.setState(prev)
		return RunResult{}, fmt.Errorf("confirm run: %w", err)
	}
	if !ok {
		w.setState(prev)
		return RunResult{}, ErrAborted
	}

	taskID := w.NewTaskID(deps.Clock.Now())
	n, err := deps.Dispatcher.Seed(ctx, w.Target(), w.def.StartURLs, taskID)
	res := RunResult{Workflow: w.def.Name, TaskID: taskID, Published: n}
	if err != nil {
		w.setState(StateFailed)
		return res, fmt.Errorf("seed %s: %w", w.def.Name, err)
	}
	w.setState(StateDispatched)
	deps.Logger.Info("workflow seeded",
		zap.String("workflow", w.def.Name),
		zap.String("task_id", taskID),
		zap.Int("published", n),
	)
	return res, nil
}

// Crawl dispatches url to this workflow through admission.
func (w *Workflow) Crawl(ctx context.Context, url, taskID string, extra crawler.Record) (bool, error) {
	return w.registry.deps.Dispatcher.Crawl(ctx, w.Target(), url, taskID, w.def.Lookback, extra)
}

// Task runs the handler for a delivered event. It is the worker entry point.
func (w *Workflow) Task(ctx context.Context, in crawler.TaskInput, page crawler.Page) (crawler.Output, error) {
	env := w.registry.env(w, false)
	return w.execute(ctx, env, in, page)
}

// Debug runs the handler locally against a fresh browser page, bypassing the
// queue. Store writes are suppressed and discovered links are logged rather
// than dispatched.
func (w *Workflow) Debug(ctx context.Context, url string, extra crawler.Record) (crawler.Output, error) {
	deps := w.registry.deps
	if deps.Browser == nil {
		return crawler.Output{}, errors.New("debug requires a browser")
	}
	page, err := deps.Browser.NewPage(ctx, w.pageOptions())
	if err != nil {
		return crawler.Output{}, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			deps.Logger.Warn("close debug page", zap.Error(cerr))
		}
	}()

	in := crawler.TaskInput{URL: url, TaskID: w.NewTaskID(deps.Clock.Now()), Extra: extra}
	out, err := w.execute(ctx, w.registry.env(w, true), in, page)
	if err != nil {
		return out, err
	}
	if out.Result == crawler.ResultDone {
		out.Result = crawler.ResultDebug
	}
	return out, nil
}

// PageOptions returns the browser options this workflow's policy asks for.
func (w *Workflow) PageOptions() crawler.PageOptions {
	return w.pageOptions()
}

func (w *Workflow) pageOptions() crawler.PageOptions {
	if w.def.Policy.NoProxy {
		return crawler.PageOptions{}
	}
	return crawler.PageOptions{Proxy: w.registry.deps.Proxy}
}

func (w *Workflow) execute(ctx context.Context, env *Env, in crawler.TaskInput, page crawler.Page) (crawler.Output, error) {
	out, err := w.def.Handler(ctx, env, in, page)
	if err != nil {
		return crawler.Output{Result: crawler.ResultError, Data: out.Data}, fmt.Errorf("%s: %w", w.def.Name, err)
	}
	if out.Result == "" {
		out.Result = crawler.ResultDone
	}
	return out, nil
}

// Deps are the runtime collaborators shared by every workflow.
type Deps struct {
	Dispatcher Dispatcher
	Store      *catalog.Store
	Covers     CoverSaver
	Browser    crawler.Browser
	Clock      crawler.Clock
	// Proxy is the egress proxy URL used by workflows whose policy opts in.
	Proxy  string
	Logger *zap.Logger
}
