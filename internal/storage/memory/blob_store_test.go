package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/llm-reader/internal/storage/blobpath"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore("")
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "screenshot/page.png", "image/png", payload)
	require.NoError(t, err)
	assert.Equal(t, "memory://screenshot/page.png", uri)

	payload[0] = 'C'
	got, contentType, err := store.GetObject(context.Background(), "screenshot/page.png")
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, 1, store.Len())
}

func TestBlobStorePublicURL(t *testing.T) {
	t.Parallel()

	store := NewBlobStore("http://localhost:8080/blobs/")
	uri, err := store.PutObject(context.Background(), "a b/c.png", "image/png", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/blobs/a%20b/c.png", uri)
}

func TestBlobStoreRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore("")
	for _, p := range []string{"", "../escape.png", "a/../../b"} {
		_, err := store.PutObject(context.Background(), p, "image/png", []byte("x"))
		assert.ErrorIs(t, err, blobpath.ErrInvalidPath, p)
	}

	_, _, err := store.GetObject(context.Background(), "missing.png")
	assert.ErrorIs(t, err, blobpath.ErrNotFound)
}
