package blobpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	got, err := Clean("/screenshot/2026/a.png")
	require.NoError(t, err)
	assert.Equal(t, "screenshot/2026/a.png", got)

	for _, bad := range []string{"", "  ", "..", "../a", "a/../../b", "a//b", "a/./b"} {
		_, err := Clean(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/a/b%3Fc.png", URL("https://cdn.example.com/", "a/b?c.png"))
}
