// Package server wires configuration into a running analyzer: stores,
// fetchers, stage executors, the worker pool, the reconciler and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/accounts"
	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/api"
	"github.com/JakeFAU/site-analyzer/internal/auth"
	"github.com/JakeFAU/site-analyzer/internal/clock/system"
	"github.com/JakeFAU/site-analyzer/internal/config"
	"github.com/JakeFAU/site-analyzer/internal/dispatcher"
	"github.com/JakeFAU/site-analyzer/internal/fetch"
	collyfetcher "github.com/JakeFAU/site-analyzer/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/site-analyzer/internal/fetcher/headless"
	"github.com/JakeFAU/site-analyzer/internal/hash/sha256"
	"github.com/JakeFAU/site-analyzer/internal/headless/detector"
	"github.com/JakeFAU/site-analyzer/internal/id/uuid"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
	"github.com/JakeFAU/site-analyzer/internal/notifier"
	memorynotifier "github.com/JakeFAU/site-analyzer/internal/notifier/memory"
	pubsubnotifier "github.com/JakeFAU/site-analyzer/internal/notifier/pubsub"
	"github.com/JakeFAU/site-analyzer/internal/orchestrator"
	"github.com/JakeFAU/site-analyzer/internal/policy/blocklist"
	"github.com/JakeFAU/site-analyzer/internal/policy/ratelimit"
	"github.com/JakeFAU/site-analyzer/internal/progress"
	progresssinks "github.com/JakeFAU/site-analyzer/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/site-analyzer/internal/queue/memory"
	"github.com/JakeFAU/site-analyzer/internal/stages/extract"
	"github.com/JakeFAU/site-analyzer/internal/stages/generate"
	"github.com/JakeFAU/site-analyzer/internal/stages/publish"
	"github.com/JakeFAU/site-analyzer/internal/stages/scan"
	blobstorage "github.com/JakeFAU/site-analyzer/internal/storage"
	gcsstorage "github.com/JakeFAU/site-analyzer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-analyzer/internal/storage/local"
	memoryStorage "github.com/JakeFAU/site-analyzer/internal/storage/memory"
	pgstore "github.com/JakeFAU/site-analyzer/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/site-analyzer/internal/storage/sqlite"
	"github.com/JakeFAU/site-analyzer/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer

	store         analysis.JobStore
	blobs         blobstorage.BlobStore
	notifier      analysis.Notifier
	announcer     *notifier.Announcer
	progressHub   *progress.Hub
	queue         *queueMemory.Queue
	headless      *headlessfetcher.Renderer
	orchestrator  *orchestrator.Orchestrator
	dispatch      *dispatcher.Dispatcher
	apiServer     *api.Server
	httpServer    *http.Server
	pubsubClient  *pubsub.Client
	pubsubNotify  *pubsubnotifier.Notifier
	storageClient *storage.Client

	closeOnce sync.Once
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers the progress collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build constructs every collaborator named by cfg. On error, anything
// already opened is closed before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	clock := system.New()
	ids := uuid.New()

	var err error
	if a.store, err = setupStore(ctx, a); err != nil {
		return err
	}
	if a.blobs, err = setupBlobs(ctx, a); err != nil {
		return err
	}
	if a.notifier, err = setupNotifier(ctx, a); err != nil {
		return err
	}
	a.announcer = notifier.NewAnnouncer(a.notifier, a.cfg.Notifier.Topic, clock, a.logger.Named("announcer"))
	if err = setupProgress(a); err != nil {
		return err
	}

	exec, err := setupExecutors(a, clock, ids)
	if err != nil {
		return err
	}

	a.queue = queueMemory.NewQueue(a.cfg.Pipeline.QueueDepth)
	a.orchestrator = orchestrator.New(
		a.store,
		a.queue,
		ids,
		clock,
		a.progressHub,
		a.announcer,
		orchestrator.Config{
			EnqueueTimeout: a.cfg.Pipeline.EnqueueTimeout,
			StaleAfter:     staleAfter(a.cfg),
			SweepBatch:     a.cfg.Reconciler.Batch,
		},
		a.logger.Named("orchestrator"),
	)
	a.dispatch = setupDispatcher(a, exec, clock)
	return setupAPI(a)
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Orchestrator exposes the job orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Run starts the worker pool, the reconciler and the HTTP server, and blocks
// until ctx ends or the process is signalled. Workers abandon in-flight jobs
// only after the HTTP server has drained.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.dispatch.Run(workCtx)
	}()
	if a.cfg.Reconciler.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.orchestrator.RunReconciler(workCtx, a.cfg.Reconciler.Interval)
		}()
		a.logger.Info("reconciler started",
			zap.Duration("interval", a.cfg.Reconciler.Interval),
			zap.Duration("stale_after", a.cfg.Reconciler.StaleAfter))
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		a.logger.Info("server starting", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown failed", zap.Error(err))
	}
	a.queue.Close()
	cancelWork()
	wg.Wait()
	a.logger.Info("workers stopped")
	return runErr
}

// Reconcile runs a single stale job sweep.
func (a *App) Reconcile(ctx context.Context) (int, error) {
	if !a.cfg.Reconciler.Enabled {
		return 0, fmt.Errorf("reconciler is disabled")
	}
	return a.orchestrator.Reconcile(ctx)
}

// Close releases infrastructure in reverse order of construction. It is safe
// to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.progressHub != nil {
			if err := a.progressHub.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close progress hub: %w", err))
			}
		}
		if a.headless != nil {
			if err := a.headless.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close headless fetcher: %w", err))
			}
		}
		if a.pubsubNotify != nil {
			a.pubsubNotify.Close()
		}
		if a.pubsubClient != nil {
			if err := a.pubsubClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
			}
		}
		if a.storageClient != nil {
			if err := a.storageClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close storage client: %w", err))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close job store: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

func staleAfter(cfg config.Config) time.Duration {
	if !cfg.Reconciler.Enabled {
		return 0
	}
	return cfg.Reconciler.StaleAfter
}

func setupStore(ctx context.Context, app *App) (analysis.JobStore, error) {
	cfg := app.cfg.Store
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := sqlitestore.New(cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.logger.Info("using sqlite job store", zap.String("path", cfg.SQLite.Path))
		return s, nil
	case config.BackendPostgres:
		s, err := pgstore.NewJobStore(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.logger.Info("using postgres job store", zap.String("table", cfg.Postgres.Table))
		return s, nil
	default:
		app.logger.Warn("using in-memory job store; jobs are lost on restart")
		return memoryStorage.NewJobStore(), nil
	}
}

func setupBlobs(ctx context.Context, app *App) (blobstorage.BlobStore, error) {
	cfg := app.cfg.Blobs
	switch cfg.Backend {
	case config.BackendNone:
		app.logger.Info("snapshot storage disabled")
		return nil, nil
	case config.BackendLocal:
		s, err := localstorage.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local blob store", zap.String("base_dir", cfg.Local.BaseDir))
		return s, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storageClient = client
		s, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:       cfg.GCS.Bucket,
			CacheControl: cfg.GCS.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using gcs blob store", zap.String("bucket", cfg.GCS.Bucket))
		return s, nil
	default:
		app.logger.Info("using in-memory blob store")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupNotifier(ctx context.Context, app *App) (analysis.Notifier, error) {
	cfg := app.cfg.Notifier
	switch cfg.Backend {
	case config.BackendNone:
		app.logger.Info("lifecycle notifications disabled")
		return nil, nil
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubClient = client
		app.pubsubNotify = pubsubnotifier.New(client)
		app.logger.Info("Pub/Sub notifier initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.Topic))
		return app.pubsubNotify, nil
	default:
		app.logger.Warn("no Pub/Sub topic configured, using in-memory notifier")
		return memorynotifier.New(), nil
	}
}

func setupProgress(app *App) error {
	promSink, err := progresssinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return fmt.Errorf("progress prometheus sink: %w", err)
	}
	hubCfg := app.cfg.Progress
	hubCfg.Logger = app.logger.Named("progress_hub")
	app.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func setupExecutors(app *App, clock analysis.Clock, ids analysis.IDGenerator) (worker.Executors, error) {
	cfg := app.cfg
	deps := scan.Deps{
		Probe:    fetch.NewRetrying(collyfetcher.New(cfg.Fetch.Colly), fetch.NewExponentialRetry(cfg.Fetch.Retry)),
		Detector: detector.NewHeuristic(cfg.Fetch.PromotionMinBytes),
		Limiter:  ratelimit.New(cfg.Fetch.RateLimit),
		Blocked:  blocklist.New(cfg.Fetch.BlockedHosts),
		Blobs:    app.blobs,
		Hasher:   sha256.New(),
		Clock:    clock,
	}
	app.logger.Info("using colly probe fetcher",
		zap.String("user_agent", cfg.Fetch.Colly.UserAgent),
		zap.Int("max_attempts", cfg.Fetch.Retry.MaxAttempts),
		zap.Strings("blocked_hosts", cfg.Fetch.BlockedHosts))
	app.logger.Info("rate limiter configured",
		zap.Float64("default_rps", cfg.Fetch.RateLimit.DefaultRPS),
		zap.Int("default_burst", cfg.Fetch.RateLimit.DefaultBurst))

	if cfg.Fetch.Headless.Enabled {
		hcfg := cfg.Fetch.Headless
		if hcfg.UserAgent == "" {
			hcfg.UserAgent = cfg.Fetch.Colly.UserAgent
		}
		h, err := headlessfetcher.New(hcfg)
		if err != nil {
			app.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			app.headless = h
			deps.Headless = h
			app.logger.Info("using headless fetcher", zap.Int("max_parallel", hcfg.MaxParallel))
		}
	}

	scanner, err := scan.New(scan.Config{
		BlobPrefix:  cfg.Blobs.Prefix,
		ContentType: cfg.Blobs.ContentType,
	}, deps, app.logger)
	if err != nil {
		return worker.Executors{}, err
	}
	generator, err := generate.New(cfg.Generate, app.logger.Named("generate"))
	if err != nil {
		return worker.Executors{}, fmt.Errorf("generator init failed: %w", err)
	}
	publisher, err := publish.New(cfg.Publish, ids, clock, app.logger.Named("publish"))
	if err != nil {
		return worker.Executors{}, fmt.Errorf("publisher init failed: %w", err)
	}
	directory, err := accounts.NewStatic(cfg.Accounts)
	if err != nil {
		return worker.Executors{}, fmt.Errorf("accounts init failed: %w", err)
	}
	app.logger.Info("stage executors ready",
		zap.String("generator", cfg.Generate.Provider),
		zap.String("publish_mode", cfg.Publish.Mode),
		zap.Int("accounts", len(cfg.Accounts)))

	return worker.Executors{
		Scanner:   scanner,
		Extractor: extract.New(cfg.Extract),
		Generator: generator,
		Publisher: publisher,
		Accounts:  directory,
	}, nil
}

func setupDispatcher(app *App, exec worker.Executors, clock analysis.Clock) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		StageTimeout:  app.cfg.Pipeline.StageTimeout,
		StageTimeouts: make(map[analysis.Stage]time.Duration, len(app.cfg.Pipeline.StageTimeouts)),
	}
	for stage, d := range app.cfg.Pipeline.StageTimeouts {
		workerCfg.StageTimeouts[analysis.Stage(stage)] = d
	}
	app.logger.Info("worker config",
		zap.Int("workers", app.cfg.Pipeline.Workers),
		zap.Int("queue_depth", app.cfg.Pipeline.QueueDepth),
		zap.Duration("stage_timeout", workerCfg.StageTimeout),
	)

	runners := make([]dispatcher.Runner, 0, app.cfg.Pipeline.Workers)
	for i := 0; i < app.cfg.Pipeline.Workers; i++ {
		runners = append(runners, worker.New(
			app.queue,
			app.store,
			exec,
			clock,
			app.progressHub,
			app.announcer,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(app.queue, runners, app.logger.Named("dispatcher"))
}

func setupAPI(app *App) error {
	if err := app.cfg.RequireAuthSecret(); err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(app.cfg.Auth.JWTSecret, app.cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("auth verifier init failed: %w", err)
	}
	app.apiServer = api.NewServer(app.orchestrator, app.store, verifier, api.Options{
		RequestTimeout: app.cfg.Server.RequestTimeout,
	}, app.logger)
	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Server.Port),
		Handler:           app.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       app.cfg.Server.ReadTimeout,
		WriteTimeout:      app.cfg.Server.WriteTimeout,
	}
	return nil
}
