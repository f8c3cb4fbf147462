package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/sites/authortoday"
	"github.com/JakeFAU/catalog-crawler/internal/sites/status"
)

func memoryConfig() config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: 0, ShutdownTimeout: time.Second},
		Worker:   config.WorkerConfig{Enabled: true, Session: "test", Slots: 2},
		Browser:  config.BrowserConfig{Engine: config.EngineStatic},
		Dispatch: config.DispatchConfig{Customer: "test"},
		Queue:    config.QueueConfig{Driver: config.DriverMemory, Capacity: 16},
		History:  config.HistoryConfig{Driver: config.DriverMemory},
		Catalog:  config.CatalogConfig{Driver: config.DriverMemory},
		Storage:  config.StorageConfig{Driver: config.DriverMemory, SnapshotsPrefix: "snapshots"},
	}
}

func TestBuildRegistersSites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	app, err := Build(ctx, memoryConfig(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	for _, event := range []string{authortoday.EventListing, authortoday.EventItem, status.Event} {
		_, err := app.Registry().ForEvent(event)
		assert.NoError(t, err, event)
	}

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildLocalStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := memoryConfig()
	cfg.Storage.Driver = config.DriverLocal
	cfg.Storage.Local.BaseDir = t.TempDir()
	app, err := Build(ctx, cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, app.Close(ctx))
}

func TestBuildFailsOnUnreachablePostgres(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Catalog.Driver = config.DriverPostgres
	cfg.DB.DSN = "postgres://crawler@127.0.0.1:1/catalog?connect_timeout=1"
	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres init failed")
}

func TestBuildFailsOnBadRedisURL(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.History.Driver = config.DriverRedis
	cfg.Redis.URL = "not-a-url"
	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis init failed")
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), memoryConfig(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
