package status

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collybrowser "github.com/JakeFAU/catalog-crawler/internal/browser/colly"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/workflow"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }

func TestCheckReportsIP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><b id="myip-info-ip"> 203.0.113.7 </b></body></html>`))
	}))
	t.Cleanup(srv.Close)

	b := collybrowser.New(collybrowser.Config{})
	reg := workflow.NewRegistry(workflow.Deps{Browser: b, Clock: fakeClock{}})
	wf, err := reg.Register(Definition())
	require.NoError(t, err)

	out, err := wf.Debug(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, crawler.ResultDebug, out.Result)
	assert.Equal(t, "203.0.113.7", out.Data["ip"])
}

func TestCheckFailsWithoutIP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>captcha</body></html>`))
	}))
	t.Cleanup(srv.Close)

	b := collybrowser.New(collybrowser.Config{})
	reg := workflow.NewRegistry(workflow.Deps{Browser: b, Clock: fakeClock{}})
	wf, err := reg.Register(Definition())
	require.NoError(t, err)

	out, err := wf.Debug(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, errNoIP)
	assert.Equal(t, crawler.ResultError, out.Result)
}

func TestDefinitionPolicy(t *testing.T) {
	t.Parallel()
	reg := workflow.NewRegistry(workflow.Deps{})
	wf, err := reg.Register(Definition())
	require.NoError(t, err)
	p := wf.Policy()
	assert.Equal(t, 3, p.Retries)
	assert.Equal(t, 3*time.Second, p.BackoffMax)
	assert.Equal(t, 10*time.Minute, p.ScheduleTimeout)
	assert.Equal(t, []string{EchoURL}, wf.StartURLs())
}
