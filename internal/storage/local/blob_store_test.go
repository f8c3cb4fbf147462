package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/storage/local"
)

func TestNewRejectsUnusableDirs(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name string
		dir  string
	}{
		{name: "empty", dir: ""},
		{name: "blank", dir: "   "},
		{name: "file", dir: file},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := local.New(local.Config{BaseDir: tt.dir})
			assert.Error(t, err)
		})
	}
}

func TestNewCreatesMissingDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "blobs", "nested")
	_, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPutObjectWritesCoversAndSnapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	objects := map[string]string{
		"covers/3f2a.png":                        "png-bytes",
		"snapshots/author.today/run-1.json":      `{"result":"done"}`,
		"snapshots/author.today/2024/run-2.json": `{"result":"empty"}`,
	}
	for path, body := range objects {
		uri, err := store.PutObject(ctx, path, "application/octet-stream", []byte(body))
		require.NoError(t, err, path)
		assert.Equal(t, "file://"+filepath.Join(dir, path), uri)

		// #nosec G304 -- test reads from its own temp directory.
		got, err := os.ReadFile(filepath.Join(dir, path))
		require.NoError(t, err)
		assert.Equal(t, body, string(got))
	}
}

func TestPutObjectOverwritesSameKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	for _, body := range []string{"first", "second"} {
		_, err := store.PutObject(ctx, "covers/same.jpg", "image/jpeg", []byte(body))
		require.NoError(t, err)
	}
	// #nosec G304 -- test reads from its own temp directory.
	got, err := os.ReadFile(filepath.Join(dir, "covers/same.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	_, err = os.Stat(filepath.Join(dir, "covers/same.jpg.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file left behind")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, path := range []string{"", "../escape.txt", "covers/../../escape.txt"} {
		_, err := store.PutObject(context.Background(), path, "text/plain", []byte("x"))
		assert.Error(t, err, path)
	}
}
