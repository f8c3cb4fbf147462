package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWorkflowsList(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "", "workflows")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "author-today-listing")
	assert.Contains(t, out, "author-today-item")
	assert.Contains(t, out, "check-status")
}

func TestCrawlAdmits(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "", "crawl", "check-status", "https://example.com/ip", "--task-id", "manual-1")
	require.NoError(t, err)

	var got struct {
		Admitted bool   `json:"admitted"`
		TaskID   string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Admitted)
	assert.Equal(t, "manual-1", got.TaskID)
}

func TestRunWithYes(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "", "run", "check-status", "--yes")
	require.NoError(t, err)

	var res workflow.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "check-status", res.Workflow)
	assert.Equal(t, 1, res.Published)
	assert.True(t, strings.HasPrefix(res.TaskID, "reg.ru-"))
}

func TestRunPrompt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		stdin   string
		wantErr error
	}{
		{name: "declined", stdin: "n\n", wantErr: workflow.ErrAborted},
		{name: "empty answer", stdin: "", wantErr: workflow.ErrAborted},
		{name: "accepted", stdin: "yes\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := execute(t, tt.stdin, "run", "check-status")
			assert.Contains(t, out, "Seed 1 start URLs for check-status? [y/N]")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, `"published": 1`)
		})
	}
}

func TestDebugPrintsOutput(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><b id="myip-info-ip">198.51.100.4</b></body></html>`))
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "", "debug", "check-status", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "198.51.100.4")
}

func TestUnknownWorkflow(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "", "crawl", "nope", "https://example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown workflow "nope"`)
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "", "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.dsn is required")
}

func TestBadConfigFile(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "", "workflows", "--config", t.TempDir()+"/missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

type fakeServeApp struct {
	served bool
	closed bool
}

func (*fakeServeApp) Logger() *zap.Logger { return zap.NewNop() }

func (*fakeServeApp) Registry() *workflow.Registry { return workflow.NewRegistry(workflow.Deps{}) }

func (*fakeServeApp) RunWorker(context.Context) error { return nil }

func (a *fakeServeApp) Serve(context.Context) error {
	a.served = true
	return nil
}

func (a *fakeServeApp) Close(context.Context) error {
	a.closed = true
	return nil
}

func TestServeUsesFactory(t *testing.T) {
	app := &fakeServeApp{}
	var gotWorker bool
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config) (App, error) {
		gotWorker = cfg.Worker.Enabled
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	root := newRootCmd()
	root.SetArgs([]string{"serve", "--no-worker"})
	require.NoError(t, root.ExecuteContext(ctx))
	assert.True(t, app.served)
	assert.True(t, app.closed)
	assert.False(t, gotWorker)
}
