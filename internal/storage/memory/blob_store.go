// Package memory keeps crawler state in process memory for local runs and
// tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Object is one stored blob.
type Object struct {
	ContentType string
	Data        []byte
}

// BlobStore stores objects in memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject stores a copy of data under path.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = Object{ContentType: contentType, Data: slices.Clone(data)}
	return "memory://" + path, nil
}

// Object returns the blob stored under path.
func (s *BlobStore) Object(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Paths lists stored paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.objects))
}
