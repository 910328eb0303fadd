package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/llm-reader/internal/config"
	"github.com/JakeFAU/llm-reader/internal/crawler"
	"github.com/JakeFAU/llm-reader/internal/format"
)

const page = `<html><head><title>Direct page</title>
<meta name="description" content="served without a browser"></head>
<body><article><h1>Direct page</h1>
<p>Hello from the direct engine. This paragraph is long enough to count as the article body.</p>
</article></body></html>`

func directConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Browser.Enabled = false
	cfg.Events.LogSink = false
	cfg.Storage.Backend = "memory"
	return cfg
}

func buildApp(t *testing.T, store *config.Store) *App {
	t.Helper()
	app, err := Build(context.Background(), store,
		WithLogger(zaptest.NewLogger(t)),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Close(ctx)
	})
	return app
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, page)
	}))
	t.Cleanup(site.Close)
	return site
}

func TestBuildServesDirectCrawls(t *testing.T) {
	site := newSite(t)
	app := buildApp(t, config.NewStore(directConfig(t)))
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/" + site.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "Title: Direct page")
	assert.Contains(t, string(body), "Hello from the direct engine")
}

func TestBuildServesStableErrorBodies(t *testing.T) {
	app := buildApp(t, config.NewStore(directConfig(t)))
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/invalid-url-without-protocol", http.StatusBadRequest, "Invalid URL or TLD"},
		{"/favicon.ico", http.StatusNotFound, "Favicon not available"},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, tc.status, resp.StatusCode, tc.path)
		assert.Equal(t, tc.body, string(body), tc.path)
	}
}

func TestBuildProbesWithoutBrowser(t *testing.T) {
	app := buildApp(t, config.NewStore(directConfig(t)))
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestBuildCrawlerWithoutHTTP(t *testing.T) {
	site := newSite(t)
	app := buildApp(t, config.NewStore(directConfig(t)))

	res, err := app.Crawler().Crawl(context.Background(), site.URL+"/", crawler.Options{RespondWith: format.KindText})
	require.NoError(t, err)
	require.NotNil(t, res.Text)
	assert.Equal(t, "Direct page", res.Text.Title)
	assert.Contains(t, res.Text.Content, "Hello from the direct engine")
}

func TestBuildWithRedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	site := newSite(t)

	cfg := directConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Cache.Redis.Addr = mr.Addr()
	cfg.Blockade.Backend = "redis"
	cfg.Blockade.Redis.Addr = mr.Addr()
	app := buildApp(t, config.NewStore(cfg))

	_, err := app.Crawler().Crawl(context.Background(), site.URL+"/", crawler.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, mr.Keys(), "cached response should land in redis")
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := directConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Cache.Redis.Addr = addr
	app, err := Build(context.Background(), config.NewStore(cfg),
		WithLogger(zaptest.NewLogger(t)),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), "cache init failed")
}

func TestBuildFollowsConfigReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reader.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	base := "browser:\n  enabled: false\nevents:\n  log_sink: false\n"
	write(base)

	store, err := config.LoadStore(path, nil)
	require.NoError(t, err)
	app := buildApp(t, store)
	require.Empty(t, app.Crawler().Settings().DeniedDomains)

	store.Watch()
	write(base + "crawl:\n  blocked_domains: [\"example.org\"]\n  default_timeout_seconds: 12\n")

	require.Eventually(t, func() bool {
		s := app.Crawler().Settings()
		return len(s.DeniedDomains) == 1 && s.Defaults.Timeout == 12*time.Second
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := directConfig(t)
	cfg.Crawl.BlockedDomains = []string{"*.example.com"}
	cfg.Crawl.RespectRobots = true
	cfg.Server.MaxPriority = 7
	cfg.Browser.ViewportWidth = 1280
	cfg.Browser.ViewportHeight = 720

	s := settingsFrom(cfg)
	assert.Equal(t, []string{"*.example.com"}, s.DeniedDomains)
	assert.True(t, s.RespectRobots)
	assert.True(t, s.CacheEnabled)
	assert.Equal(t, 30*time.Second, s.Defaults.Timeout)
	assert.Equal(t, 180*time.Second, s.Defaults.MaxTimeout)
	assert.Equal(t, 7, s.Defaults.MaxPriority)
	assert.Equal(t, crawler.Viewport{Width: 1280, Height: 720}, s.Defaults.Viewport)

	cfg.Crawl.BlockedDomains[0] = "changed.example"
	assert.Equal(t, "*.example.com", s.DeniedDomains[0])
}
