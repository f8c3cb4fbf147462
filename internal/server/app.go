// Package server builds the crawler's dependency graph from configuration
// and runs its long-lived processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/admission"
	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/browser/auto"
	collybrowser "github.com/JakeFAU/catalog-crawler/internal/browser/colly"
	"github.com/JakeFAU/catalog-crawler/internal/browser/headless"
	"github.com/JakeFAU/catalog-crawler/internal/catalog"
	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/cover"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
	"github.com/JakeFAU/catalog-crawler/internal/migrate"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	queuemem "github.com/JakeFAU/catalog-crawler/internal/queue/memory"
	"github.com/JakeFAU/catalog-crawler/internal/queue/pubsub"
	"github.com/JakeFAU/catalog-crawler/internal/sites"
	"github.com/JakeFAU/catalog-crawler/internal/snapshot"
	gcsstorage "github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/catalog-crawler/internal/storage/redis"
	"github.com/JakeFAU/catalog-crawler/internal/telemetry"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

const serviceName = "catalog-crawler"

// bus is what the app needs from a queue backend.
type bus interface {
	crawler.EventBus
	crawler.Consumer
}

type closer struct {
	name string
	fn   func() error
}

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	pool     *pgxpool.Pool
	history  crawler.RunHistory
	blobs    crawler.BlobStore
	bus      bus
	browser  crawler.Browser
	registry *workflow.Registry
	worker   *worker.Worker
	api      *api.Server

	checks         []api.ReadinessCheck
	closers        []closer
	tracerShutdown func(context.Context) error
}

// Option adjusts Build.
type Option func(*App)

// WithLogger replaces the logger Build would construct from config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// Build creates the application's dependencies. On error everything opened so
// far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (app *App, err error) {
	app = &App{cfg: cfg, clock: system.New()}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	zap.ReplaceGlobals(app.logger)
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("engine", cfg.Browser.Engine),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("history", cfg.History.Driver),
		zap.String("catalog", cfg.Catalog.Driver),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("dry_run", cfg.Catalog.DryRun),
	)

	if err = app.setupPostgres(ctx); err != nil {
		return nil, err
	}
	if err = app.setupHistory(ctx); err != nil {
		return nil, err
	}
	store, err := app.setupCatalog()
	if err != nil {
		return nil, err
	}
	if err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = app.setupQueue(ctx); err != nil {
		return nil, err
	}
	static, err := app.setupBrowser()
	if err != nil {
		return nil, err
	}

	ids := uuid.New()
	dispatch := dispatcher.New(
		app.bus,
		app.history,
		admission.New(app.history, app.clock, app.logger.Named("admission")),
		ids,
		app.clock,
		dispatcher.Config{Customer: cfg.Dispatch.Customer, BatchSize: cfg.Dispatch.BatchSize},
		app.logger.Named("dispatcher"),
	)

	coverCfg := cfg.Covers
	coverCfg.Proxy = cfg.Browser.Proxy
	app.registry = workflow.NewRegistry(workflow.Deps{
		Dispatcher: dispatch,
		Store:      store,
		Covers:     cover.NewSaver(static, app.blobs, coverCfg, app.logger.Named("covers")),
		Browser:    app.browser,
		Clock:      app.clock,
		Proxy:      cfg.Browser.Proxy,
		Logger:     app.logger.Named("workflow"),
	})
	app.registry.MustRegister(sites.Definitions()...)

	name := cfg.Worker.Name
	if name == "" {
		name = worker.Name(cfg.Worker.Session)
	}
	app.worker = worker.New(
		app.bus,
		app.registry,
		app.history,
		app.browser,
		ratelimit.New(cfg.RateLimit),
		snapshot.NewWriter(app.blobs, cfg.Storage.SnapshotsPrefix),
		app.clock,
		worker.Config{Name: name, Labels: worker.ParseLabels(cfg.Worker.Labels), Slots: cfg.Worker.Slots},
		app.logger.Named("worker").With(zap.String("worker", name)),
	)

	app.api = api.NewServer(app.registry, app.history, app.clock, cfg, app.logger.Named("api"), app.checks...)
	return app, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupPostgres(ctx context.Context) error {
	cfg := a.cfg
	needed := cfg.History.Driver == config.DriverPostgres || cfg.Catalog.Driver == config.DriverPostgres
	if cfg.DB.Migrate {
		if err := Migrate(cfg.DB.DSN, a.logger); err != nil {
			return err
		}
	}
	if !needed {
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	a.addCloser("postgres", func() error { pool.Close(); return nil })
	a.checks = append(a.checks, api.ReadinessCheck{Name: "postgres", Check: pool.Ping})
	a.logger.Info("postgres pool initialized", zap.Int32("max_conns", cfg.DB.MaxConns))
	return nil
}

// Migrate applies pending schema migrations against dsn.
func Migrate(dsn string, logger *zap.Logger) error {
	runner, err := migrate.New(dsn, logger.Named("migrate"))
	if err != nil {
		return fmt.Errorf("migrate init failed: %w", err)
	}
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			logger.Warn("migrate close failed", zap.Error(cerr))
		}
	}()
	if err := runner.Up(); err != nil {
		return fmt.Errorf("migrate up failed: %w", err)
	}
	return nil
}

func (a *App) setupHistory(ctx context.Context) error {
	switch a.cfg.History.Driver {
	case config.DriverPostgres:
		runs, err := pgstore.NewRunStore(a.pool)
		if err != nil {
			return fmt.Errorf("postgres run history init failed: %w", err)
		}
		a.history = runs
		a.logger.Info("using postgres run history")
	case config.DriverRedis:
		client, err := redisstore.NewClient(ctx, a.cfg.Redis.URL, a.logger.Named("redis"))
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		a.addCloser("redis", client.Close)
		a.checks = append(a.checks, api.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		runs, err := redisstore.NewRunStore(client,
			redisstore.WithPrefix(a.cfg.Redis.Prefix),
			redisstore.WithRetention(a.cfg.History.Retention),
		)
		if err != nil {
			return fmt.Errorf("redis run history init failed: %w", err)
		}
		a.history = runs
		a.logger.Info("using redis run history", zap.Duration("retention", a.cfg.History.Retention))
	default:
		a.history = memorystorage.NewRunStore()
		a.logger.Info("using in-memory run history")
	}
	return nil
}

func (a *App) setupCatalog() (*catalog.Store, error) {
	var repo crawler.CatalogRepository
	switch a.cfg.Catalog.Driver {
	case config.DriverPostgres:
		pgRepo, err := pgstore.NewCatalogRepository(a.pool)
		if err != nil {
			return nil, fmt.Errorf("postgres catalog init failed: %w", err)
		}
		repo = pgRepo
		a.logger.Info("using postgres catalog")
	default:
		repo = memorystorage.NewCatalogRepository()
		a.logger.Info("using in-memory catalog")
	}
	return catalog.New(repo, a.clock,
		catalog.WithDryRun(a.cfg.Catalog.DryRun),
		catalog.WithLogger(a.logger.Named("catalog")),
	), nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case config.DriverGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.addCloser("gcs", client.Close)
		blobs, err := gcsstorage.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
	case config.DriverLocal:
		blobs, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory storage backend")
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Driver {
	case config.DriverPubSub:
		b, err := pubsub.New(ctx, a.cfg.Queue.PubSub, a.logger.Named("pubsub"))
		if err != nil {
			return fmt.Errorf("pubsub init failed: %w", err)
		}
		a.bus = b
		a.addCloser("pubsub", b.Close)
		a.logger.Info("using Pub/Sub queue",
			zap.String("project", a.cfg.Queue.PubSub.ProjectID),
			zap.String("topic", a.cfg.Queue.PubSub.Topic),
			zap.String("subscription", a.cfg.Queue.PubSub.Subscription),
		)
	default:
		b := queuemem.NewBus(a.cfg.Queue.Capacity,
			queuemem.WithConcurrency(a.cfg.Worker.Slots),
			queuemem.WithLogger(a.logger.Named("queue")),
		)
		a.bus = b
		a.addCloser("queue", func() error { b.Close(); return nil })
		a.logger.Info("using in-memory queue", zap.Int("capacity", a.cfg.Queue.Capacity))
	}
	return nil
}

// setupBrowser picks the page engine. The static engine is always built: it
// also downloads covers.
func (a *App) setupBrowser() (*collybrowser.Browser, error) {
	cfg := a.cfg.Browser
	static := collybrowser.New(cfg.Static)
	if cfg.Engine == config.EngineStatic || cfg.Engine == "" {
		a.browser = static
		return static, nil
	}

	hcfg := cfg.Headless
	if hcfg.UserAgent == "" {
		hcfg.UserAgent = cfg.Static.UserAgent
	}
	render, err := headless.New(hcfg)
	if err != nil {
		return nil, fmt.Errorf("headless browser init failed: %w", err)
	}
	a.addCloser("headless", func() error { render.Close(); return nil })
	a.logger.Info("headless browser ready", zap.Int("max_parallel", hcfg.MaxParallel))

	if cfg.Engine == config.EngineAuto {
		a.browser = auto.New(static, render, cfg.PromoteThreshold, a.logger.Named("browser"))
		return static, nil
	}
	a.browser = render
	return static, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the workflow registry.
func (a *App) Registry() *workflow.Registry { return a.registry }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Serve runs the HTTP API and, when enabled, the worker until ctx is
// canceled or either of them fails.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutdown initiated")
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	if a.cfg.Worker.Enabled {
		g.Go(func() error {
			return a.RunWorker(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunWorker consumes events until ctx is canceled.
func (a *App) RunWorker(ctx context.Context) error {
	a.logger.Info("worker started", zap.Int("slots", a.cfg.Worker.Slots), zap.String("labels", a.cfg.Worker.Labels))
	if err := a.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

// closeInfrastructure releases backends in reverse order of creation.
func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
