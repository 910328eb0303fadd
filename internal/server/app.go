// Package server builds the reader service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/llm-reader/internal/api"
	"github.com/JakeFAU/llm-reader/internal/blockade"
	"github.com/JakeFAU/llm-reader/internal/browser"
	"github.com/JakeFAU/llm-reader/internal/config"
	"github.com/JakeFAU/llm-reader/internal/crawler"
	"github.com/JakeFAU/llm-reader/internal/events"
	"github.com/JakeFAU/llm-reader/internal/logging"
	"github.com/JakeFAU/llm-reader/internal/pagepool"
	"github.com/JakeFAU/llm-reader/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	store  *config.Store
	logger *zap.Logger

	orch       *crawler.Orchestrator
	apiServer  *api.Server
	hub        *events.Hub
	pool       *pagepool.Pool
	browser    *browser.Browser
	blockades  blockade.Store
	supervisor *supervisor

	// closers run in reverse registration order.
	closers        []closer
	tracerShutdown func(context.Context) error

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	version    string
}

// WithLogger supplies the logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithRegisterer sets where event collectors are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithVersion sets the service version reported to tracing.
func WithVersion(version string) Option {
	return func(o *buildOptions) { o.version = version }
}

// Build creates the application's dependencies. On error everything already
// opened is closed again.
func Build(ctx context.Context, store *config.Store, opts ...Option) (app *App, err error) {
	cfg := store.Current()
	o := buildOptions{registerer: prometheus.DefaultRegisterer, version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	store.SetLogger(logger)

	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	app = &App{store: store, logger: logger, bgCtx: bgCtx, bgCancel: bgCancel}
	defer func() {
		if err != nil {
			app.shutdown(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     o.version,
		ProjectID:   cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("browser", cfg.Browser.Enabled),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("blockade_backend", cfg.Blockade.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	blobs, err := app.setupStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	responses, err := app.setupCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if app.blockades, err = app.setupBlockades(ctx, cfg); err != nil {
		return nil, err
	}
	if err = app.setupEvents(ctx, cfg, o.registerer); err != nil {
		return nil, err
	}
	if err = app.setupBrowser(ctx, cfg); err != nil {
		return nil, err
	}
	app.setupAbuseMonitor(cfg)

	deps := crawler.Deps{
		Direct:    newDirectFetcher(cfg, logger),
		Cache:     responses,
		Blockades: app.blockades,
		Robots:    newRobotsGate(cfg, logger),
		Detector:  newDetector(),
		Blobs:     blobs.Store,
		Events:    app.hub,
		Logger:    logger,
	}
	var poolStatus api.PoolStatus
	if app.pool != nil {
		deps.Pages = app.pool
		deps.Navigator = browser.NewNavigator(app.browser, logger)
		poolStatus = app.pool
	}
	if app.orch, err = crawler.New(deps, settingsFrom(cfg)); err != nil {
		return nil, fmt.Errorf("crawler init failed: %w", err)
	}

	store.OnChange(func(next config.Config) {
		app.orch.UpdateSettings(settingsFrom(next))
		logger.Info("crawl settings reloaded",
			zap.Int("blocked_domains", len(next.Crawl.BlockedDomains)),
			zap.Bool("respect_robots", next.Crawl.RespectRobots),
			zap.Bool("cache", next.Cache.Enabled),
		)
	})

	app.apiServer = api.NewServer(api.Deps{
		Crawler: app.orch,
		Pool:    poolStatus,
		Blobs:   blobs.Reader,
		Logger:  logger,
	})
	return app, nil
}

// Logger returns the service logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Crawler returns the orchestrator, for callers that crawl without HTTP.
func (a *App) Crawler() *crawler.Orchestrator {
	return a.orch
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and background tasks until ctx is canceled or a signal
// arrives, then shuts down.
func (a *App) Run(ctx context.Context) error {
	cfg := a.store.Current()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.store.Watch()
	blockade.StartPurger(a.bgCtx, a.blockades,
		seconds(cfg.Blockade.PurgeIntervalSec),
		time.Duration(cfg.Blockade.PurgeRetentionDays)*24*time.Hour,
		a.logger,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: seconds(cfg.Server.ReadHeaderTimeoutSec),
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), seconds(cfg.Server.ShutdownTimeoutSec))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	if err, ok := <-serveErr; ok && err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close stops background work and releases every dependency.
func (a *App) Close(ctx context.Context) error {
	a.shutdown(ctx)
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil && !isSyncNoise(err) {
		return fmt.Errorf("logger sync: %w", err)
	}
	return nil
}

func (a *App) shutdown(ctx context.Context) {
	a.bgCancel()
	if a.supervisor != nil {
		a.supervisor.wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// isSyncNoise reports the errors zap returns when syncing a terminal.
func isSyncNoise(err error) bool {
	return errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
