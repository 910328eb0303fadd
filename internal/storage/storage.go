// Package storage opens the blob store that holds screenshots and stored
// PDFs. Backends live in subpackages; Open picks one from configuration.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/llm-reader/internal/config"
	"github.com/JakeFAU/llm-reader/internal/storage/gcs"
	"github.com/JakeFAU/llm-reader/internal/storage/local"
	"github.com/JakeFAU/llm-reader/internal/storage/memory"
)

// BlobStore writes an object and returns the URL clients fetch it from.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Reader is implemented by stores the service serves itself.
type Reader interface {
	GetObject(ctx context.Context, path string) ([]byte, string, error)
}

// Opened is a ready store plus whatever must be closed on shutdown.
type Opened struct {
	Store BlobStore
	// Reader is nil when objects are served by the backend itself.
	Reader Reader
	Close  func() error
}

// Open builds the configured backend. Object paths are placed under
// cfg.Prefix.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Opened, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", "memory":
		s := memory.NewBlobStore(cfg.PublicBaseURL)
		return Opened{Store: Prefixed(s, cfg.Prefix), Reader: s, Close: noop}, nil
	case "local":
		s, err := local.New(local.Config{BaseDir: cfg.LocalDir, PublicBaseURL: cfg.PublicBaseURL})
		if err != nil {
			return Opened{}, fmt.Errorf("open local storage: %w", err)
		}
		return Opened{Store: Prefixed(s, cfg.Prefix), Reader: s, Close: noop}, nil
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return Opened{}, fmt.Errorf("create gcs client: %w", err)
		}
		s, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, PublicBaseURL: cfg.PublicBaseURL})
		if err != nil {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("close gcs client", zap.Error(closeErr))
			}
			return Opened{}, err
		}
		logger.Info("screenshots stored in gcs", zap.String("bucket", cfg.GCSBucket))
		return Opened{Store: Prefixed(s, cfg.Prefix), Close: client.Close}, nil
	default:
		return Opened{}, fmt.Errorf("storage backend %q is not supported", cfg.Backend)
	}
}

// Prefixed places every object of s under prefix.
func Prefixed(s BlobStore, prefix string) BlobStore {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return s
	}
	return prefixed{store: s, prefix: prefix}
}

type prefixed struct {
	store  BlobStore
	prefix string
}

func (p prefixed) PutObject(ctx context.Context, name string, contentType string, data []byte) (string, error) {
	return p.store.PutObject(ctx, path.Join(p.prefix, name), contentType, data)
}
