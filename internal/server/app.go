// Package server builds the application's dependencies from configuration and
// runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/joblink-pipeline/internal/api"
	"github.com/JakeFAU/joblink-pipeline/internal/clock/system"
	"github.com/JakeFAU/joblink-pipeline/internal/config"
	"github.com/JakeFAU/joblink-pipeline/internal/extractor"
	"github.com/JakeFAU/joblink-pipeline/internal/id/uuid"
	"github.com/JakeFAU/joblink-pipeline/internal/links"
	"github.com/JakeFAU/joblink-pipeline/internal/logging"
	"github.com/JakeFAU/joblink-pipeline/internal/metrics"
	"github.com/JakeFAU/joblink-pipeline/internal/pipeline"
	"github.com/JakeFAU/joblink-pipeline/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/joblink-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/joblink-pipeline/internal/retry"
	"github.com/JakeFAU/joblink-pipeline/internal/safety"
	"github.com/JakeFAU/joblink-pipeline/internal/scheduler"
	"github.com/JakeFAU/joblink-pipeline/internal/scraper"
	gcsstorage "github.com/JakeFAU/joblink-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/joblink-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/joblink-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/joblink-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/joblink-pipeline/internal/telemetry"
	"github.com/JakeFAU/joblink-pipeline/internal/validator"
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	orchestrator *pipeline.Orchestrator
	store        pipeline.LinkStore
	readiness    map[string]api.Pinger

	closers        []func(context.Context) error
	tracerProvider *sdktrace.TracerProvider
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger *zap.Logger
	stages *pipeline.Stages
	store  pipeline.LinkStore
}

// WithLogger uses logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithStages replaces the four configured stages.
func WithStages(stages pipeline.Stages) Option {
	return func(o *buildOptions) { o.stages = &stages }
}

// WithLinkStore replaces the configured link store.
func WithLinkStore(store pipeline.LinkStore) Option {
	return func(o *buildOptions) { o.store = store }
}

// Build creates the application's dependencies. On error, everything opened
// so far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	app := &App{
		cfg:       cfg,
		logger:    logger,
		readiness: make(map[string]api.Pinger),
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	logger.Info("building application dependencies",
		zap.Int("batch_size", cfg.Pipeline.BatchSize),
		zap.Int("max_long_retry", cfg.Pipeline.MaxLongRetry),
		zap.String("guard", cfg.Pipeline.Guard),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	app.store = o.store
	if app.store == nil {
		if app.store, err = app.setupLinkStore(ctx); err != nil {
			return nil, err
		}
	}
	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	guard, err := app.setupGuard(ctx)
	if err != nil {
		return nil, err
	}

	var stages pipeline.Stages
	if o.stages != nil {
		stages = *o.stages
	} else if stages, err = app.setupStages(ctx); err != nil {
		return nil, err
	}

	app.orchestrator, err = pipeline.New(pipeline.Config{
		BatchSize:     cfg.Pipeline.BatchSize,
		RetryInterval: cfg.Pipeline.RetryInterval,
		MaxLongRetry:  cfg.Pipeline.MaxLongRetry,
		Topic:         cfg.PubSub.Topic,
		ArchivePrefix: cfg.Pipeline.ArchivePrefix,
	}, pipeline.Deps{
		Stages:    stages,
		Guard:     guard,
		Store:     app.store,
		Blobs:     blobs,
		Publisher: publisher,
		Clock:     system.New(),
		IDs:       uuid.New(),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	return app, nil
}

func (a *App) setupLinkStore(ctx context.Context) (pipeline.LinkStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory link store")
		return memorystorage.NewLinkStore(), nil
	}
	store, err := pgstore.NewLinkStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("link store init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	a.readiness["postgres"] = store
	a.logger.Info("postgres link store initialized", zap.String("table", a.cfg.DB.Table))
	return store, nil
}

func (a *App) setupBlobStore(ctx context.Context) (pipeline.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.logger.Info("archiving scraped text to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving scraped text locally", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case config.StorageMemory:
		a.logger.Info("archiving scraped text in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("scraped text archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (pipeline.Publisher, error) {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("no Pub/Sub topic configured, outcome events disabled")
		return nil, nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) setupGuard(ctx context.Context) (pipeline.Guard, error) {
	if a.cfg.Pipeline.Guard != config.GuardRedis {
		return pipeline.NewLocalGuard(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.readiness["redis"] = redisPinger{client: client}
	a.logger.Info("redis run guard initialized", zap.String("addr", a.cfg.Redis.Addr))
	return pipeline.NewRedisGuard(client, pipeline.RedisGuardConfig{
		Key: a.cfg.Redis.Key,
		TTL: a.cfg.Pipeline.GuardTTL,
	}, a.logger), nil
}

// stageExecutor returns a retry executor that counts retries under stage.
func (a *App) stageExecutor(stage string) *retry.Executor {
	return retry.NewExecutor(
		retry.WithLogger(a.logger.Named("retry").With(zap.String("stage", stage))),
		retry.WithRetryHook(metrics.RetryHook(stage)),
	)
}

func (a *App) setupStages(ctx context.Context) (pipeline.Stages, error) {
	cfg := a.cfg
	longRetry := links.NewLongRetryPolicy(cfg.Pipeline.MaxLongRetry)
	var validationLimiter, safetyLimiter *ratelimit.Limiter
	if cfg.Validation.RateLimit.Enabled() {
		validationLimiter = ratelimit.New(cfg.Validation.RateLimit, metrics.ObserveRateLimitDelay)
	}
	if cfg.Safety.RateLimit.Enabled() {
		safetyLimiter = ratelimit.New(cfg.Safety.RateLimit, metrics.ObserveRateLimitDelay)
	}

	validate := validator.New(validator.Config{
		Retry:           cfg.Validation.Retry,
		NoRetryStatuses: cfg.Validation.NoRetryStatuses,
		MaxParallel:     cfg.Validation.MaxParallel,
	}, validator.NewCollyResolver(validator.ResolverConfig{
		UserAgent:    cfg.Validation.UserAgent,
		Timeout:      cfg.Validation.Timeout,
		MaxRedirects: cfg.Validation.MaxRedirects,
	}), a.stageExecutor("validation"), longRetry, validationLimiter, a.logger)

	matcher, err := safety.NewSafeBrowsingMatcher(ctx, safety.SafeBrowsingConfig{
		APIKey:        cfg.Safety.APIKey,
		ClientID:      cfg.Safety.ClientID,
		Endpoint:      cfg.Safety.Endpoint,
		ThreatTypes:   cfg.Safety.ThreatTypes,
		PlatformTypes: cfg.Safety.PlatformTypes,
	})
	if err != nil {
		return pipeline.Stages{}, fmt.Errorf("safe browsing init failed: %w", err)
	}
	check := safety.New(safety.Config{
		Retry:       cfg.Safety.Retry,
		Timeout:     cfg.Safety.Timeout,
		MaxParallel: cfg.Safety.MaxParallel,
	}, matcher, a.stageExecutor("safety"), longRetry, safetyLimiter, a.logger)

	scrape := scraper.New(scraper.Config{MaxParallel: cfg.Scraper.MaxParallel},
		scraper.NewChromedpLauncher(scraper.ChromedpConfig{
			ExecPath:           cfg.Scraper.ExecPath,
			UserAgent:          cfg.Scraper.UserAgent,
			NoSandbox:          cfg.Scraper.NoSandbox,
			NavigationTimeout:  cfg.Scraper.NavigationTimeout,
			NetworkIdleTimeout: cfg.Scraper.NetworkIdleTimeout,
		}), longRetry, a.logger)

	gen, err := extractor.NewGeminiGenerator(ctx, cfg.Extraction.APIKey, cfg.Extraction.Model)
	if err != nil {
		return pipeline.Stages{}, fmt.Errorf("generative model init failed: %w", err)
	}
	extract := extractor.New(extractor.Config{
		Retry:         cfg.Extraction.Retry,
		Timeout:       cfg.Extraction.Timeout,
		MaxInputChars: cfg.Extraction.MaxInputChars,
		MaxParallel:   cfg.Extraction.MaxParallel,
		Vocabularies:  cfg.Extraction.Vocabularies,
	}, gen, a.stageExecutor("extraction"), longRetry, a.logger)

	a.logger.Info("pipeline stages initialized",
		zap.String("model", cfg.Extraction.Model),
		zap.Duration("navigation_timeout", cfg.Scraper.NavigationTimeout),
		zap.Ints("no_retry_statuses", cfg.Validation.NoRetryStatuses),
	)
	return pipeline.Stages{
		Validator: validate,
		Safety:    check,
		Scraper:   scrape,
		Extractor: extract,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Orchestrator exposes the pipeline orchestrator.
func (a *App) Orchestrator() *pipeline.Orchestrator {
	return a.orchestrator
}

// RunOnce performs a single guarded pipeline run.
func (a *App) RunOnce(ctx context.Context) (pipeline.RunSummary, error) {
	summary, err := a.orchestrator.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("pipeline run: %w", err)
	}
	return summary, nil
}

// Handler builds the HTTP API. Runs it triggers are bound to baseCtx.
func (a *App) Handler(baseCtx context.Context) http.Handler {
	return api.NewServer(a.orchestrator, a.cfg.Auth, api.Options{
		BaseContext:     baseCtx,
		ReadinessChecks: a.readiness,
		Logger:          a.logger,
	}).Handler()
}

// Serve runs the HTTP API and the scheduler until ctx is canceled, then shuts
// down gracefully and waits for in-flight runs.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	sched := scheduler.New(a.orchestrator, a.cfg.Scheduler.Interval, a.logger)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
			return
		}
		serveErr <- nil
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedDone
	a.orchestrator.Wait()

	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close releases every opened resource. Errors are logged.
func (a *App) Close(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("resource close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerProvider = nil
	}
	_ = a.logger.Sync()
	return nil
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
