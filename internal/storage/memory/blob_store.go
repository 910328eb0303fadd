// Package memory stores blob content in-memory for development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/llm-reader/internal/storage/blobpath"
)

type object struct {
	data        []byte
	contentType string
}

// BlobStore keeps objects in a map. With a public base URL it returns
// fetchable URLs, otherwise memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
	baseURL string
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore(publicBaseURL string) *BlobStore {
	return &BlobStore{objects: make(map[string]object), baseURL: publicBaseURL}
}

// PutObject persists a copy of data and returns its URL.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data []byte) (string, error) {
	name, err := blobpath.Clean(path)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[name] = object{data: append([]byte(nil), data...), contentType: contentType}
	s.mu.Unlock()
	if s.baseURL != "" {
		return blobpath.URL(s.baseURL, name), nil
	}
	return fmt.Sprintf("memory://%s", name), nil
}

// GetObject returns a stored object and its content type.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, string, error) {
	name, err := blobpath.Clean(path)
	if err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", blobpath.ErrNotFound, name)
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
