// Package app wires the store, stages and orchestrator from a Config. It is
// shared by the HTTP server and the one-shot runner.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"offer-catalog-engine/internal/allocator"
	"offer-catalog-engine/internal/cache"
	"offer-catalog-engine/internal/config"
	"offer-catalog-engine/internal/database"
	"offer-catalog-engine/internal/events"
	"offer-catalog-engine/internal/features"
	"offer-catalog-engine/internal/httpretry"
	"offer-catalog-engine/internal/ingest"
	"offer-catalog-engine/internal/logger"
	"offer-catalog-engine/internal/service"
	"offer-catalog-engine/internal/sweeper"
	"offer-catalog-engine/internal/tracing"
)

type App struct {
	Log      *logger.Logger
	Cfg      *config.Config
	DB       *database.DB
	Cache    cache.Cache
	Events   *events.Manager
	Features *features.Manager
	Tracer   *tracing.Tracer
	Service  *service.Service

	closers []func() error
}

// Options adjusts how New wires the stages.
type Options struct {
	// Now replaces the wall clock for every stage, e.g. to replay a sweep
	// as of a past instant.
	Now func() time.Time
}

// New opens the store and cache and builds the service graph. Close must be
// called on the result.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &App{Log: log, Cfg: cfg}

	tracer, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.JaegerEndpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.Tracer = tracer
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracing.Shutdown(ctx)
	})

	db, err := database.NewDB(cfg.Database.Driver, cfg.Database.ConnString())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	a.Cache = newCache(cfg.Redis, log)
	if rc, ok := a.Cache.(*cache.RedisCache); ok {
		a.closers = append(a.closers, rc.Close)
	}

	a.Features = features.NewDefaultManager(cfg.Features)
	a.Events = events.NewManager(true, log)
	a.Events.Subscribe(events.EventPipelineCompleted, func(ctx context.Context, e events.Event) error {
		data, ok := e.Data.(events.PipelineData)
		if !ok {
			return fmt.Errorf("unexpected event payload %T", e.Data)
		}
		log.Debug("pipeline event",
			"run_id", data.Summary.RunID,
			"failed_stage", data.Summary.FailedStage,
			"took_ms", data.Duration.Milliseconds(),
		)
		return nil
	})
	a.Events.Subscribe(events.EventStageFailed, func(ctx context.Context, e events.Event) error {
		data, ok := e.Data.(events.StageData)
		if !ok {
			return fmt.Errorf("unexpected event payload %T", e.Data)
		}
		log.Warn("stage failed",
			"run_id", data.RunID,
			"stage", data.Stage,
			"took_ms", data.Duration.Milliseconds(),
			"error", data.Err,
		)
		return nil
	})
	a.closers = append(a.closers, func() error {
		a.Events.Shutdown()
		return nil
	})

	fetchClient := httpretry.NewRetryClient(
		&http.Client{Timeout: time.Duration(cfg.Ingest.TimeoutSeconds) * time.Second},
		httpretry.Options{MaxRetries: cfg.Ingest.MaxRetries, Logger: log},
	)
	sources, err := ingest.BuildSources(cfg.Ingest.Sources, cfg.Ingest.UserAgent, fetchClient)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init sources: %w", err)
	}

	collector := ingest.NewCollector(db, sources, ingest.Options{
		DefaultApproved: cfg.Ingest.DefaultApproved,
		Logger:          log.With("component", "ingest"),
		Now:             opts.Now,
	})
	winners := allocator.NewService(db, allocator.NewBanding(cfg.Banding), log.With("component", "allocator")).
		WithClock(opts.Now)
	prober := sweeper.NewProber(nil, cfg.Probe.Concurrency, cfg.Probe.UserAgent, log.With("component", "probe"))
	sweep := sweeper.New(db, prober, log.With("component", "sweeper")).WithClock(opts.Now)

	a.Service = service.NewService(service.Deps{
		Ingester:  collector,
		Allocator: winners,
		Sweeper:   sweep,
		Catalog:   db,
		Features:  a.Features,
		Events:    a.Events,
		Runs:      cache.NewRunStore(a.Cache, time.Duration(cfg.Redis.TTLSeconds)*time.Second),
		Tracer:    tracer,
		Logger:    log.With("component", "orchestrator"),
	})

	log.Info("application wired",
		"driver", cfg.Database.Driver,
		"sources", len(sources),
		"redis", cfg.Redis.Addr != "",
		"tracing", cfg.Tracing.Enabled,
	)
	return a, nil
}

// newCache returns Redis when configured and reachable, else the in-process
// cache.
func newCache(cfg config.RedisConfig, log *logger.Logger) cache.Cache {
	if cfg.Addr == "" {
		return cache.NewInMemoryCache()
	}
	rc, err := cache.NewRedisCache(cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		log.Warn("redis unavailable, using in-memory run cache", "addr", cfg.Addr, "error", err)
		return cache.NewInMemoryCache()
	}
	return rc
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	a.Log.Sync()
}
