package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/llm-reader/internal/crawler"
	"github.com/JakeFAU/llm-reader/internal/format"
)

const testConfig = `browser:
  enabled: false
events:
  log_sink: false
logging:
  level: error
`

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", path}, args...))
	err := root.Execute()
	return out.String(), err
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><title>CLI page</title></head><body>
<article><p>Printed by the crawl command, with enough words to be the article.</p>
<a href="/next">Next page</a></article></body></html>`)
	}))
	t.Cleanup(site.Close)
	return site
}

func TestCrawlCommandPrintsMarkdown(t *testing.T) {
	site := newSite(t)

	out, err := runRoot(t, "crawl", "--engine", "direct", "--links", site.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, out, "Title: CLI page")
	assert.Contains(t, out, "Printed by the crawl command")
	assert.Contains(t, out, "Links/Buttons:")
}

func TestCrawlCommandPrintsJSON(t *testing.T) {
	site := newSite(t)

	out, err := runRoot(t, "crawl", "--engine", "direct", "--format", "text", "--json", site.URL+"/")
	require.NoError(t, err)
	var doc format.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "CLI page", doc.Title)
	assert.Contains(t, doc.Content, "Printed by the crawl command")
}

func TestCrawlCommandReportsClassifiedErrors(t *testing.T) {
	_, err := runRoot(t, "crawl", "--engine", "direct", "not a url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), crawler.KindInvalidInput.Message())
}

func TestCrawlFlagsValidate(t *testing.T) {
	t.Parallel()

	_, err := crawlFlags{format: "pdf", engine: "direct"}.options()
	require.Error(t, err)

	_, err = crawlFlags{format: "markdown", engine: "lynx"}.options()
	require.Error(t, err)

	opts, err := crawlFlags{format: "pageshot", engine: "BROWSER"}.options()
	require.NoError(t, err)
	assert.Equal(t, crawler.EngineBrowser, opts.Engine)
	assert.True(t, opts.FullPage)
	assert.False(t, opts.JSON)
}

func TestVersionCommandSkipsConfig(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", "/does/not/exist.yaml", "version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}
