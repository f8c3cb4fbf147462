package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
		assert.Equal(t, "crawler/covers/ab.jpg", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "jpeg-bytes")
		assert.Contains(t, string(body), "image/jpeg")

		fmt.Fprintln(w, `{"name": "crawler/covers/ab.jpg", "bucket": "test-bucket"}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "test-bucket", Prefix: "/crawler/"})

	uri, err := store.PutObject(context.Background(), "covers/ab.jpg", "image/jpeg", []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/crawler/covers/ab.jpg", uri)
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"code": 403, "message": "forbidden"}}`, http.StatusForbidden)
	})
	store := newTestStore(t, handler, Config{Bucket: "test-bucket"})

	_, err := store.PutObject(context.Background(), "covers/ab.jpg", "image/jpeg", []byte("x"))
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.NotFoundHandler(), Config{Bucket: "test-bucket"})
	_, err := store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}
