// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-ingest/internal/api"
	"github.com/JakeFAU/news-ingest/internal/clock"
	"github.com/JakeFAU/news-ingest/internal/config"
	"github.com/JakeFAU/news-ingest/internal/dates"
	"github.com/JakeFAU/news-ingest/internal/dedup"
	"github.com/JakeFAU/news-ingest/internal/engine"
	"github.com/JakeFAU/news-ingest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/news-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/news-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/news-ingest/internal/headless/detector"
	idgen "github.com/JakeFAU/news-ingest/internal/id/uuid"
	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/metrics"
	"github.com/JakeFAU/news-ingest/internal/pipeline"
	"github.com/JakeFAU/news-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/news-ingest/internal/scheduler"
	"github.com/JakeFAU/news-ingest/internal/sourceconfig"
	"github.com/JakeFAU/news-ingest/internal/storage/gcs"
	"github.com/JakeFAU/news-ingest/internal/storage/local"
	"github.com/JakeFAU/news-ingest/internal/storage/memory"
	"github.com/JakeFAU/news-ingest/internal/storage/postgres"
	"github.com/JakeFAU/news-ingest/internal/storage/sqlite"
	"github.com/JakeFAU/news-ingest/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and closed when the command finishes.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   ingest.Store
	sources *sourceconfig.File
	engine  *engine.Engine
	ids     ingest.IDGenerator

	closers []func(context.Context) error
}

// New creates and initializes an App from cfg. It fails fast if any
// configured service cannot be initialized, releasing whatever was opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, ids: idgen.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(func(ctx context.Context) error { return shutdownTracer(ctx, tp) })

	a.sources, err = sourceconfig.Load(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}

	a.store, err = openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a.onClose(func(context.Context) error { return a.store.Close() })
	logger.Info("storage ready", zap.String("driver", cfg.Storage.Driver))

	deps := ingest.Dependencies{
		Store: a.store,
		Clock: clock.New(),
		IDs:   a.ids,
	}
	deps.Fetcher, err = a.buildFetcher()
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	if cfg.Archive.Enabled {
		deps.Blobs, err = a.openBlobs(ctx)
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		logger.Info("raw archive enabled", zap.String("backend", cfg.Archive.Backend))
	}

	if cfg.PubSub.Enabled {
		pub, err := pubsub.Open(ctx, pubsub.Config{ProjectID: cfg.PubSub.ProjectID, Topic: cfg.PubSub.Topic}, logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("init pubsub: %w", err)
		}
		a.onClose(func(context.Context) error { return pub.Close() })
		deps.Publisher = pub
		logger.Info("article events enabled", zap.String("topic", cfg.PubSub.Topic))
	}

	ecfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine, err = engine.New(ecfg, deps, a.sources, logger)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.serveOps()
	}
	return a, nil
}

// Run executes one ingestion pass.
func (a *App) Run(ctx context.Context, opts engine.Options) (ingest.Summary, error) {
	return a.engine.Run(ctx, opts)
}

// Describe lists the merged sources and their plans.
func (a *App) Describe(ctx context.Context, opts engine.Options) ([]engine.PlanInfo, error) {
	return a.engine.Describe(ctx, opts)
}

// SyncSources registers every configured source with the store. Existing
// sources keep their ID and active flag.
func (a *App) SyncSources(ctx context.Context) (int, error) {
	writer, ok := a.store.(ingest.SourceWriter)
	if !ok {
		return 0, errors.New("storage driver cannot register sources")
	}
	n := 0
	for _, slug := range a.sources.Slugs() {
		src, _ := a.sources.Get(slug)
		id, err := a.ids.NewRawID()
		if err != nil {
			return n, fmt.Errorf("generate source id: %w", err)
		}
		err = writer.UpsertSource(ctx, ingest.Source{
			ID:       id,
			Slug:     slug,
			Name:     nameOr(src.Name, slug),
			Language: src.Language,
			URL:      src.URL,
			FeedURL:  src.FeedURL,
			Active:   true,
		})
		if err != nil {
			return n, fmt.Errorf("register source %s: %w", slug, err)
		}
		n++
	}
	a.logger.Info("sources synced", zap.Int("count", n))
	return n, nil
}

// Close gracefully shuts down all services in reverse start order.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("service shutdown failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) buildFetcher() (ingest.Fetcher, error) {
	cfg := a.cfg.Fetch
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		Timeout:       cfg.Timeout,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	})

	var (
		headless ingest.Fetcher
		det      *detector.Heuristic
	)
	if cfg.Render.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Render.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.Render.NavigationTimeout,
			WaitSelector:      cfg.Render.WaitSelector,
			Settle:            cfg.Render.Settle,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			headless = hf
			a.onClose(func(context.Context) error { hf.Close(); return nil })
			if cfg.Render.AutoPromote {
				det = detector.NewHeuristic(cfg.Render.PromotionThreshold)
			}
		}
	}

	router, err := fetcher.NewRouter(static, headless, det, a.logger.Named("fetcher"))
	if err != nil {
		return nil, err
	}
	if cfg.GlobalRPS > 0 {
		return fetcher.NewThrottled(router, cfg.GlobalRPS, cfg.GlobalBurst), nil
	}
	return router, nil
}

func (a *App) openBlobs(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Archive.Bucket, VerifyBucket: a.cfg.Archive.VerifyBucket})
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return store.Close() })
		return store, nil
	case "local":
		return local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
}

func (a *App) serveOps() {
	metrics.Init()
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           api.NewServer(a.engine, a.engine, api.Config{APIKey: a.cfg.Metrics.APIKey}, a.logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server failed", zap.Error(err))
		}
	}()
	a.onClose(srv.Shutdown)
}

func openStore(ctx context.Context, cfg config.StorageConfig) (ingest.Store, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func engineConfig(cfg config.Config) (engine.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return engine.Config{}, err
	}
	earliest, err := cfg.EarliestDate()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Scheduler: scheduler.Config{
			InitialWorkers:    cfg.Scheduler.InitialWorkers,
			MaxWorkers:        cfg.Scheduler.MaxWorkers,
			ScaleStep:         cfg.Scheduler.ScaleStep,
			AutoscaleInterval: cfg.Scheduler.AutoscaleInterval,
			LowErrorRate:      cfg.Scheduler.LowErrorRate,
			HighErrorRate:     cfg.Scheduler.HighErrorRate,
			RetryBudget:       cfg.Scheduler.RetryBudget,
		},
		Defaults: ingest.Schedule{
			RateLimit:      cfg.RateLimit(),
			MaxConcurrency: cfg.Defaults.MaxConcurrency,
			Priority:       cfg.Defaults.Priority,
		},
		Dedup: dedup.Config{
			Window:         cfg.Dedup.Window,
			MinTitleLength: cfg.Dedup.MinTitleLength,
			Scope:          cfg.Dedup.Scope,
		},
		DeadLinkTiers: cfg.DeadLink.Tiers,
		Dates: dates.Policy{
			Location:        loc,
			Earliest:        earliest,
			FutureTolerance: cfg.Dates.FutureTolerance,
		},
		Pipeline: pipeline.Config{
			MinLength:     cfg.Content.MinLength,
			ArchivePrefix: cfg.Archive.Prefix,
			Topic:         cfg.PubSub.Topic,
		},
		FlagErrorRate:  cfg.Summary.FlagErrorRate,
		FlagMinFetches: cfg.Summary.FlagMinFetches,
	}, nil
}

func shutdownTracer(ctx context.Context, tp *trace.TracerProvider) error {
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

func nameOr(name, slug string) string {
	if name != "" {
		return name
	}
	return slug
}
