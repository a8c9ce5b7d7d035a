// Package app builds the long-lived services of a crawl from its configuration
// and tears them down again in dependency order.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/agent"
	"github.com/JakeFAU/checkout-crawler/internal/api"
	"github.com/JakeFAU/checkout-crawler/internal/browser"
	"github.com/JakeFAU/checkout-crawler/internal/capture"
	"github.com/JakeFAU/checkout-crawler/internal/clock/system"
	"github.com/JakeFAU/checkout-crawler/internal/config"
	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/dispatcher"
	"github.com/JakeFAU/checkout-crawler/internal/engine"
	"github.com/JakeFAU/checkout-crawler/internal/hash/sha256"
	"github.com/JakeFAU/checkout-crawler/internal/metrics"
	"github.com/JakeFAU/checkout-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/checkout-crawler/internal/preflight"
	"github.com/JakeFAU/checkout-crawler/internal/profile"
	"github.com/JakeFAU/checkout-crawler/internal/progress"
	"github.com/JakeFAU/checkout-crawler/internal/progress/sinks"
	"github.com/JakeFAU/checkout-crawler/internal/prompt"
	pubmemory "github.com/JakeFAU/checkout-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/checkout-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/checkout-crawler/internal/storage/gcs"
	"github.com/JakeFAU/checkout-crawler/internal/storage/local"
	"github.com/JakeFAU/checkout-crawler/internal/storage/memory"
	"github.com/JakeFAU/checkout-crawler/internal/storage/postgres"
	"github.com/JakeFAU/checkout-crawler/internal/store"
	"github.com/JakeFAU/checkout-crawler/internal/telemetry"
	"github.com/JakeFAU/checkout-crawler/internal/worker"
)

const (
	teardownTimeout    = 30 * time.Second
	postProcessTimeout = 2 * time.Minute
	closeTimeout       = 15 * time.Second
)

// Options tune how an App is built.
type Options struct {
	// Registerer receives the progress collectors; nil means the default registerer.
	Registerer prometheus.Registerer
}

// App holds the services one crawl needs.
type App struct {
	orchestrator *dispatcher.Orchestrator
	server       *api.Server

	hub       *progress.Hub
	tracer    *sdktrace.TracerProvider
	pool      postgres.Pool
	gcs       *gcs.BlobStore
	publisher *pubsubpublisher.Publisher
	memBlobs  *memory.BlobStore
	memEvents *pubmemory.Publisher
	logger    *zap.Logger
}

// New wires the crawl pipeline from cfg. Optional backends are only built
// when configured. On error everything built so far is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if cfg.Tracing.Enabled {
		a.tracer, err = telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return a, fmt.Errorf("init tracing: %w", err)
		}
	}
	metrics.Init()

	profiles, err := profile.Load(cfg.Run.ProfilePath)
	if err != nil {
		return a, err
	}
	systemPrompt, err := prompt.LoadSystemPrompt(cfg.Run.SystemPromptPath)
	if err != nil {
		return a, err
	}

	clock := system.New()
	launcher, err := browser.NewLauncher(browser.Config{
		Headless:        cfg.Browser.Headless,
		UserAgent:       cfg.Browser.UserAgent,
		ViewportWidth:   cfg.Browser.ViewportWidth,
		ViewportHeight:  cfg.Browser.ViewportHeight,
		DisableSecurity: cfg.Browser.DisableSecurity,
		LaunchTimeout:   time.Duration(cfg.Browser.LaunchTimeoutSec) * time.Second,
		MaxParallel:     cfg.Run.Concurrency,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("init browser launcher: %w", err)
	}
	agentClient, err := agent.NewClient(agent.Config{
		Endpoint: cfg.Agent.Endpoint,
		APIKey:   cfg.Agent.APIKey,
		Settings: agent.Settings{
			Model:              cfg.Agent.Model,
			PlannerModel:       cfg.Agent.PlannerModel,
			PlannerInterval:    cfg.Agent.PlannerInterval,
			MaxSteps:           cfg.Agent.MaxSteps,
			MaxActionsPerStep:  cfg.Agent.MaxActionsPerStep,
			UseVision:          cfg.Agent.UseVision,
			ExcludeActions:     cfg.Agent.ExcludeActions,
			MinPageLoadWaitSec: cfg.Agent.MinPageLoadWaitSec,
			HighlightElements:  cfg.Agent.HighlightElements,
			UserAgent:          cfg.Browser.UserAgent,
		},
		Clock: clock,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("init agent client: %w", err)
	}
	eng, err := engine.New(engine.FromLauncher(launcher), agentClient, logger)
	if err != nil {
		return a, err
	}

	var check crawler.Preflight = preflight.Disabled{}
	if cfg.Browser.Preflight {
		check = preflight.NewColly(preflight.Config{
			UserAgent: cfg.Browser.UserAgent,
			Timeout:   time.Duration(cfg.Browser.PreflightTimeoutSec) * time.Second,
			Limiter:   ratelimit.New(ratelimit.Config{RPS: cfg.Browser.PreflightRPS, Burst: cfg.Browser.PreflightBurst}),
		})
	}

	var blobs crawler.BlobStore
	switch cfg.Storage.Backend {
	case "memory":
		a.memBlobs = memory.NewBlobStore()
		blobs = a.memBlobs
	case "local":
		localStore, lerr := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
		if lerr != nil {
			return a, fmt.Errorf("init local blob store: %w", lerr)
		}
		blobs = localStore
	case "gcs":
		a.gcs, err = gcs.Open(ctx, gcs.Config{
			Bucket:   cfg.Storage.GCSBucket,
			Metadata: map[string]string{"crawler": cfg.Tracing.ServiceName},
		}, logger)
		if err != nil {
			return a, err
		}
		blobs = a.gcs
	}

	var (
		results crawler.ResultStore
		runs    store.RunRepository
	)
	if cfg.DB.DSN != "" {
		pool, perr := postgres.NewPool(ctx, postgres.PoolConfig{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if perr != nil {
			return a, perr
		}
		a.pool = pool
		resultStore, rerr := postgres.NewResultStore(pool, cfg.DB.Table)
		if rerr != nil {
			return a, rerr
		}
		if err = resultStore.EnsureSchema(ctx); err != nil {
			return a, err
		}
		runStore, rerr := postgres.NewRunStore(pool)
		if rerr != nil {
			return a, rerr
		}
		if err = runStore.EnsureSchema(ctx); err != nil {
			return a, err
		}
		results, runs = resultStore, runStore
	}

	var pub crawler.Publisher
	switch {
	case cfg.PubSub.TopicName == "":
	case cfg.PubSub.Backend == "memory":
		a.memEvents = pubmemory.New()
		pub = a.memEvents
	default:
		a.publisher, err = pubsubpublisher.Open(ctx, pubsubpublisher.Config{
			ProjectID: cfg.PubSub.ProjectID,
			Topic:     cfg.PubSub.TopicName,
		}, logger)
		if err != nil {
			return a, err
		}
		pub = a.publisher
	}

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return a, fmt.Errorf("init progress metrics: %w", err)
	}
	progressSinks := []progress.Sink{sinks.NewLogSink(logger), promSink}
	if runs != nil {
		progressSinks = append(progressSinks, sinks.NewStoreSink(runs, logger))
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger}, progressSinks...)

	task, err := worker.New(worker.Deps{
		Engine:    eng,
		Profiles:  profiles,
		Preflight: check,
		Hasher:    sha256.New(),
		Blobs:     blobs,
		Results:   results,
		Publisher: pub,
		Progress:  a.hub,
		Clock:     clock,
	}, worker.Config{
		SystemPrompt: systemPrompt,
		Capture: capture.Options{
			ScreencastQuality:       cfg.Capture.ScreencastQuality,
			ScreencastEveryNthFrame: cfg.Capture.ScreencastEveryNthFrame,
			PerformanceInterval:     time.Duration(cfg.Capture.PerformanceSampleMillis) * time.Millisecond,
			MaxPostDataBytes:        cfg.Capture.NetworkMaxPostDataBytes,
			Clock:                   clock,
			Logger:                  logger,
		},
		BlobPrefix:         cfg.Storage.Prefix,
		Topic:              cfg.PubSub.TopicName,
		TeardownTimeout:    teardownTimeout,
		PostProcessTimeout: postProcessTimeout,
	}, logger)
	if err != nil {
		return a, err
	}

	a.orchestrator, err = dispatcher.New(task, a.hub, clock, dispatcher.Config{Concurrency: cfg.Run.Concurrency}, logger)
	if err != nil {
		return a, err
	}

	if cfg.Metrics.Addr != "" {
		serverOpts := api.Options{Live: a.orchestrator, Repo: runs, Logger: logger}
		if a.pool != nil {
			pool := a.pool
			serverOpts.Ready = func(ctx context.Context) error {
				return pool.QueryRow(ctx, "SELECT 1").Scan(new(int))
			}
		}
		a.server = api.NewServer(serverOpts)
	}
	return a, nil
}

// Orchestrator runs the crawl.
func (a *App) Orchestrator() *dispatcher.Orchestrator { return a.orchestrator }

// Server is the status server, nil unless metrics.addr is set.
func (a *App) Server() *api.Server { return a.server }

// MemoryBlobs holds the mirrored artifacts when storage.backend is memory.
func (a *App) MemoryBlobs() *memory.BlobStore { return a.memBlobs }

// MemoryEvents holds the site events when pubsub.backend is memory.
func (a *App) MemoryEvents() *pubmemory.Publisher { return a.memEvents }

// Close flushes progress events before closing the stores they are written to.
// It is safe to call on a partially built App.
func (a *App) Close() {
	if a == nil {
		return
	}
	logger := a.logger
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.memBlobs != nil || a.memEvents != nil {
		fields := []zap.Field{}
		if a.memBlobs != nil {
			fields = append(fields, zap.Int("artifacts", len(a.memBlobs.Paths())))
		}
		if a.memEvents != nil {
			fields = append(fields, zap.Int("events", len(a.memEvents.Messages())))
		}
		logger.Info("in-memory backends discarded", fields...)
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			logger.Warn("gcs blob store close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}
