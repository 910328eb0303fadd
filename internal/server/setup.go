package server

import (
	"context"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/llm-reader/internal/abuse"
	"github.com/JakeFAU/llm-reader/internal/blockade"
	memoryblockade "github.com/JakeFAU/llm-reader/internal/blockade/memory"
	pgblockade "github.com/JakeFAU/llm-reader/internal/blockade/postgres"
	redisblockade "github.com/JakeFAU/llm-reader/internal/blockade/redis"
	"github.com/JakeFAU/llm-reader/internal/browser"
	"github.com/JakeFAU/llm-reader/internal/cache"
	memorycache "github.com/JakeFAU/llm-reader/internal/cache/memory"
	rediscache "github.com/JakeFAU/llm-reader/internal/cache/redis"
	"github.com/JakeFAU/llm-reader/internal/config"
	"github.com/JakeFAU/llm-reader/internal/crawler"
	"github.com/JakeFAU/llm-reader/internal/events"
	"github.com/JakeFAU/llm-reader/internal/events/sinks"
	collyfetcher "github.com/JakeFAU/llm-reader/internal/fetcher/colly"
	"github.com/JakeFAU/llm-reader/internal/pagepool"
	"github.com/JakeFAU/llm-reader/internal/robots"
	"github.com/JakeFAU/llm-reader/internal/storage"
)

const redisPingTimeout = 5 * time.Second

func (a *App) setupStorage(ctx context.Context, cfg config.Config) (storage.Opened, error) {
	opened, err := storage.Open(ctx, cfg.Storage, a.logger)
	if err != nil {
		return storage.Opened{}, fmt.Errorf("storage init failed: %w", err)
	}
	a.onClose("storage", func(context.Context) error { return opened.Close() })
	a.logger.Debug("screenshot storage ready",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("prefix", cfg.Storage.Prefix),
		zap.Bool("served_locally", opened.Reader != nil),
	)
	return opened, nil
}

func (a *App) setupCache(ctx context.Context, cfg config.Config) (cache.Cache, error) {
	if !cfg.Cache.Enabled {
		a.logger.Info("response cache disabled")
		return nil, nil
	}
	switch cfg.Cache.Backend {
	case "redis":
		client, err := a.openRedis(ctx, "cache_redis", cfg.Cache.Redis)
		if err != nil {
			return nil, fmt.Errorf("cache init failed: %w", err)
		}
		a.logger.Info("using redis response cache", zap.String("addr", cfg.Cache.Redis.Addr))
		return rediscache.New(client, cfg.Cache.Redis.KeyPrefix, time.Now), nil
	default:
		a.logger.Info("using in-memory response cache")
		return memorycache.New(time.Now), nil
	}
}

func (a *App) setupBlockades(ctx context.Context, cfg config.Config) (blockade.Store, error) {
	switch cfg.Blockade.Backend {
	case "postgres":
		store, err := pgblockade.New(ctx, pgblockade.Config{
			DSN:   cfg.Blockade.PostgresDSN,
			Table: cfg.Blockade.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("blockade store init failed: %w", err)
		}
		a.onClose("blockade_postgres", func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("blockade schema: %w", err)
		}
		a.logger.Info("using postgres blockade store", zap.String("table", cfg.Blockade.Table))
		return store, nil
	case "redis":
		client, err := a.openRedis(ctx, "blockade_redis", cfg.Blockade.Redis)
		if err != nil {
			return nil, fmt.Errorf("blockade store init failed: %w", err)
		}
		a.logger.Info("using redis blockade store", zap.String("addr", cfg.Blockade.Redis.Addr))
		return redisblockade.New(client, cfg.Blockade.Redis.KeyPrefix, time.Now), nil
	default:
		a.logger.Warn("using in-memory blockade store; blockades are lost on restart")
		return memoryblockade.New(time.Now), nil
	}
}

func (a *App) openRedis(ctx context.Context, name string, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	a.onClose(name, func(context.Context) error { return client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func (a *App) setupEvents(ctx context.Context, cfg config.Config, reg prometheus.Registerer) error {
	var sinkList []events.Sink
	if cfg.Events.LogSink {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events_log")))
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if cfg.Events.PubSubProject != "" {
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProject)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.onClose("pubsub", func(context.Context) error { return client.Close() })
		sinkList = append(sinkList, sinks.NewPubSubSink(client.Publisher(cfg.Events.PubSubTopic)))
		a.logger.Info("Pub/Sub event sink initialized",
			zap.String("project", cfg.Events.PubSubProject),
			zap.String("topic", cfg.Events.PubSubTopic),
		)
	}

	hubCfg := events.Config{
		BufferSize: cfg.Events.BufferSize,
		MaxBatch:   cfg.Events.BatchSize,
		MaxWait:    time.Duration(cfg.Events.FlushMs) * time.Millisecond,
		Logger:     a.logger,
	}
	a.hub = events.NewHub(hubCfg, sinkList...)
	a.onClose("event_hub", a.hub.Close)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch", hubCfg.MaxBatch),
		zap.Duration("max_wait", hubCfg.MaxWait),
	)
	return nil
}

func (a *App) setupBrowser(ctx context.Context, cfg config.Config) error {
	if !cfg.Browser.Enabled {
		a.logger.Warn("browser disabled, serving every request with the direct engine")
		return nil
	}
	b, err := browser.Launch(ctx, browser.Config{
		Headless:       cfg.Browser.Headless,
		NoSandbox:      cfg.Browser.NoSandbox,
		UserAgent:      cfg.Browser.UserAgent,
		ChromePath:     cfg.Browser.ChromePath,
		SampleInterval: cfg.StabilizeInterval(),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("browser launch failed: %w", err)
	}
	a.browser = b
	a.onClose("browser", func(context.Context) error { return b.Close() })

	a.pool = pagepool.New(pagepool.Config{
		MaxPages:      cfg.Browser.MaxPages,
		IdleTimeout:   seconds(cfg.Browser.IdleTimeoutSec),
		ReapInterval:  seconds(cfg.Browser.ReapIntervalSec),
		MaxQueueDepth: cfg.Browser.MaxQueueDepth,
		CreateTimeout: seconds(cfg.Browser.CreateTimeoutSec),
	}, b, pagepool.WithLogger(a.logger), pagepool.WithClock(time.Now))
	a.onClose("page_pool", func(context.Context) error {
		a.pool.Close()
		return nil
	})
	a.pool.Start(a.bgCtx)

	a.supervisor = newSupervisor(a.bgCtx, b, a.pool, a.hub, a.logger)
	b.OnDisconnect(a.supervisor.onDisconnect)
	a.logger.Info("page pool ready",
		zap.Int("max_pages", cfg.Browser.MaxPages),
		zap.Int("max_queue_depth", cfg.Browser.MaxQueueDepth),
	)
	return nil
}

// setupAbuseMonitor subscribes the abuse monitor to crawl events. The pool is
// only passed when it exists so a nil *Pool never hides in the interface.
func (a *App) setupAbuseMonitor(cfg config.Config) {
	var rejecter abuse.Rejecter
	if a.pool != nil {
		rejecter = a.pool
	}
	monitor := abuse.NewMonitor(abuse.Config{
		BlockDuration:    cfg.AbuseBlockDuration(),
		FailureThreshold: cfg.Blockade.FailureThreshold,
		FailureWindow:    seconds(cfg.Blockade.FailureWindowSec),
	}, a.blockades, rejecter, a.hub, a.logger)
	a.hub.Register(monitor)
}

func newDirectFetcher(cfg config.Config, logger *zap.Logger) *collyfetcher.Fetcher {
	return collyfetcher.New(collyfetcher.Config{UserAgent: cfg.Browser.UserAgent}, logger)
}

func newRobotsGate(cfg config.Config, logger *zap.Logger) *robots.Gate {
	return robots.New(robots.Config{TTL: seconds(cfg.Crawl.RobotsTTLSec)}, logger)
}

func newDetector() *abuse.Detector {
	return abuse.NewDetector(abuse.DetectorConfig{})
}

// settingsFrom extracts the crawl knobs that may change on reload.
func settingsFrom(cfg config.Config) crawler.Settings {
	return crawler.Settings{
		DeniedDomains:   append([]string(nil), cfg.Crawl.BlockedDomains...),
		RespectRobots:   cfg.Crawl.RespectRobots,
		RobotsUserAgent: cfg.Crawl.RobotsUserAgent,
		CacheEnabled:    cfg.Cache.Enabled,
		Defaults: crawler.Defaults{
			Timeout:     cfg.DefaultTimeout(),
			MaxTimeout:  cfg.MaxTimeout(),
			MaxPriority: cfg.Server.MaxPriority,
			Viewport: crawler.Viewport{
				Width:  cfg.Browser.ViewportWidth,
				Height: cfg.Browser.ViewportHeight,
			},
		},
	}
}
