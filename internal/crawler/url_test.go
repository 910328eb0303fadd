package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTarget(t *testing.T) {
	t.Parallel()

	valid := []string{
		"https://example.com",
		"http://sub.example.co.uk/path?q=1",
		"https://127.0.0.1:8080/x",
		"http://localhost:3000",
		"https://xn--bcher-kva.example/",
	}
	for _, raw := range valid {
		u, err := ValidateTarget(raw)
		require.NoError(t, err, raw)
		assert.NotEmpty(t, u.Path, raw)
	}

	invalid := []string{
		"invalid-url-without-protocol",
		"ftp://example.com/file",
		"https://",
		"https://example",
		"https://exa_mple.com",
		"https://example.c0m",
		"https://-bad.com",
	}
	for _, raw := range invalid {
		_, err := ValidateTarget(raw)
		requireKind(t, err, KindInvalidInput)
	}

	_, err := ValidateTarget("/favicon.ico")
	requireKind(t, err, KindNotFound)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	u, err := ValidateTarget("HTTPS://Example.COM:443/a?b=2&a=1#frag")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a?a=1&b=2", NormalizeURL(u))

	u, err = ValidateTarget("http://example.com:80")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", NormalizeURL(u))
}
