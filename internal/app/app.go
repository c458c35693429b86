// Package app builds the long-lived services of reportd from configuration
// and owns their shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/activity"
	"github.com/JakeFAU/reply-report-engine/internal/activity/sinks"
	"github.com/JakeFAU/reply-report-engine/internal/admission"
	"github.com/JakeFAU/reply-report-engine/internal/api"
	"github.com/JakeFAU/reply-report-engine/internal/auth"
	"github.com/JakeFAU/reply-report-engine/internal/clock"
	"github.com/JakeFAU/reply-report-engine/internal/config"
	"github.com/JakeFAU/reply-report-engine/internal/dispatcher"
	"github.com/JakeFAU/reply-report-engine/internal/fanout"
	"github.com/JakeFAU/reply-report-engine/internal/id"
	"github.com/JakeFAU/reply-report-engine/internal/ingest"
	"github.com/JakeFAU/reply-report-engine/internal/metrics"
	"github.com/JakeFAU/reply-report-engine/internal/orchestrator"
	memorypublisher "github.com/JakeFAU/reply-report-engine/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/reply-report-engine/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/reply-report-engine/internal/queue/memory"
	queueRiver "github.com/JakeFAU/reply-report-engine/internal/queue/river"
	"github.com/JakeFAU/reply-report-engine/internal/report"
	"github.com/JakeFAU/reply-report-engine/internal/scheduler"
	"github.com/JakeFAU/reply-report-engine/internal/scrape"
	"github.com/JakeFAU/reply-report-engine/internal/storage/gcs"
	"github.com/JakeFAU/reply-report-engine/internal/storage/local"
	"github.com/JakeFAU/reply-report-engine/internal/storage/memory"
	"github.com/JakeFAU/reply-report-engine/internal/storage/postgres"
	"github.com/JakeFAU/reply-report-engine/internal/title"
	"github.com/JakeFAU/reply-report-engine/internal/tracker"
	"github.com/JakeFAU/reply-report-engine/internal/worker"
	"github.com/JakeFAU/reply-report-engine/internal/workflow"
)

// Stores bundles the persistence interfaces the services share.
type Stores struct {
	Reports     report.ReportStore
	Replies     report.ReplyStore
	Activity    report.ActivityStore
	Checkpoints workflow.CheckpointStore
	// Ping is nil for in-memory stores.
	Ping func(ctx context.Context) error
	// Migrate is nil for in-memory stores.
	Migrate func(ctx context.Context) error
}

// App holds all the shared, long-lived services for the process.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Clock     report.Clock
	Stores    Stores
	Hub       *activity.Hub
	Tracker   *tracker.Tracker
	Orch      *orchestrator.Orchestrator
	Admission *admission.Controller
	Scheduler *scheduler.Scheduler
	API       *api.Server

	// Exactly one of these is set, matching bus.driver.
	Dispatcher  *dispatcher.Dispatcher
	MemoryQueue *queueMemory.Queue
	RiverQueue  *queueRiver.Queue

	pool     *pgxpool.Pool
	closers  []func(ctx context.Context) error
	shutdown []func()
}

// lazyRunner breaks the construction cycle between the orchestrator, which
// emits continuations into the bus, and the bus workers, which run the
// orchestrator.
type lazyRunner struct {
	orch *orchestrator.Orchestrator
}

func (l *lazyRunner) Run(ctx context.Context, evt report.ScrapeEvent) error {
	if l.orch == nil {
		return workflow.Permanent(errors.New("orchestrator not initialized"))
	}
	return l.orch.Run(ctx, evt)
}

// New creates and wires every service described by cfg. It fails fast if a
// required backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{Config: cfg, Logger: logger, Clock: clock.NewSystem()}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	if err := a.initStores(ctx); err != nil {
		return nil, err
	}
	archive, err := a.initArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.initPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.initActivity(); err != nil {
		return nil, err
	}

	ids := id.NewUUIDv7()
	narrator := activity.NewLogger(a.Hub, a.Clock)
	a.Tracker = tracker.New(
		a.Stores.Reports,
		a.Stores.Replies,
		tracker.MultiplierCap{Multiplier: cfg.Workflow.ScrapeCapMultiplier},
		narrator,
		a.Clock,
		logger,
	)

	runner := &lazyRunner{}
	emitter, err := a.initBus(runner)
	if err != nil {
		return nil, err
	}

	titles, err := a.initTitles()
	if err != nil {
		return nil, err
	}

	a.Orch = orchestrator.New(orchestrator.Deps{
		Reports: a.Stores.Reports,
		Scraper: scrape.NewProvider(scrape.ProviderConfig{
			BaseURL: cfg.Scrape.BaseURL,
			Token:   cfg.Scrape.Token,
			Timeout: time.Duration(cfg.Scrape.TimeoutSeconds) * time.Second,
			RPS:     cfg.Scrape.RPS,
			Burst:   cfg.Scrape.Burst,
			Logger:  logger,
		}),
		Titles:    titles,
		Inserter:  ingest.New(a.Stores.Replies, ids, a.Clock, logger),
		Tracker:   a.Tracker,
		Fanout:    fanout.New(publisher, cfg.PubSub.EvaluationTopic, logger),
		Activity:  narrator,
		Steps:     workflow.NewRunner(a.Stores.Checkpoints, workflow.Config{MaxRetries: cfg.Workflow.MaxStepRetries, Backoff: cfg.RetryBackoff(), Logger: logger}),
		Continuer: emitter,
		Archive:   archive,
		IDs:       ids,
		Clock:     a.Clock,
	}, orchestrator.Config{PageCap: cfg.Workflow.PageCap, Logger: logger})
	runner.orch = a.Orch

	a.Admission = admission.New(a.Stores.Reports, emitter, ids, a.Clock, admission.Config{
		AllowedHosts:     cfg.Admission.AllowedHosts,
		RateLimitCount:   cfg.Admission.RateLimitCount,
		RateLimitWindow:  cfg.RateLimitWindow(),
		DefaultThreshold: cfg.Admission.DefaultThreshold,
		MaxThreshold:     cfg.Admission.MaxThreshold,
		Logger:           logger,
	})

	a.Scheduler, err = scheduler.New(
		a.Stores.Reports,
		emitter,
		tracker.MultiplierCap{Multiplier: cfg.Workflow.ScrapeCapMultiplier},
		ids,
		a.Clock,
		scheduler.Config{
			Spec:       cfg.Scheduler.Spec,
			StaleAfter: cfg.StaleAfter(),
			BatchSize:  cfg.Scheduler.BatchSize,
			Logger:     logger,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	var verifier *auth.Verifier
	if cfg.Auth.Enabled {
		verifier = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}
	a.API = api.NewServer(api.Deps{
		Creator:     a.Admission,
		Reports:     a.Stores.Reports,
		Replies:     a.Stores.Replies,
		Activity:    a.Stores.Activity,
		Evaluations: a.Tracker,
		Ready:       a.Stores.Ping,
	}, api.Config{Verifier: verifier, Logger: logger})

	ok = true
	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	switch a.Config.Storage.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{DSN: a.Config.DB.DSN, MaxConns: a.Config.DB.MaxConns})
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		a.pool = pool
		a.shutdown = append(a.shutdown, pool.Close)
		store, err := postgres.New(pool, a.Clock)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.Stores = Stores{
			Reports:     store,
			Replies:     store,
			Activity:    store,
			Checkpoints: store,
			Ping:        store.Ping,
			Migrate:     store.Migrate,
		}
	default:
		store := memory.NewStore(a.Clock)
		a.Stores = Stores{Reports: store, Replies: store, Activity: store, Checkpoints: store}
	}
	a.Logger.Info("report store ready", zap.String("driver", a.Config.Storage.Driver))
	return nil
}

func (a *App) initArchive(ctx context.Context) (report.BlobStore, error) {
	switch a.Config.Storage.ArchiveDriver {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: a.Config.Storage.GCSBucket, Prefix: a.Config.Storage.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.Config.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case "none":
		return nil, nil
	default:
		return memory.NewBlobStore(), nil
	}
}

func (a *App) initPublisher(ctx context.Context) (report.Publisher, error) {
	if a.Config.PubSub.ProjectID == "" {
		a.Logger.Warn("pubsub.project_id not set; evaluation events stay in memory")
		return memorypublisher.New(), nil
	}
	client, err := gpubsub.NewClient(ctx, a.Config.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client, a.Logger)
	a.closers = append(a.closers, func(context.Context) error {
		pub.Close()
		return client.Close()
	})
	return pub, nil
}

func (a *App) initActivity() error {
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init activity metrics: %w", err)
	}
	a.Hub = activity.NewHub(activity.HubConfig{Logger: a.Logger},
		sinks.NewStoreSink(a.Stores.Activity),
		sinks.NewLogSink(a.Logger),
		promSink,
	)
	a.closers = append(a.closers, a.Hub.Close)
	return nil
}

func (a *App) initTitles() (title.Generator, error) {
	if !a.Config.Title.Enabled {
		return title.Noop{}, nil
	}
	gen, err := title.NewOpenAI(title.Config{
		Model:   a.Config.Title.Model,
		APIKey:  a.Config.Title.APIKey,
		Timeout: time.Duration(a.Config.Title.TimeoutSeconds) * time.Second,
		Logger:  a.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init title generator: %w", err)
	}
	return gen, nil
}

func (a *App) initBus(runner *lazyRunner) (report.ScrapeEmitter, error) {
	switch a.Config.Bus.Driver {
	case "river":
		q, err := queueRiver.New(a.pool, runner, queueRiver.Config{
			MaxWorkers:  a.Config.Workflow.MaxConcurrentInstances,
			MaxAttempts: a.Config.Workflow.InstanceAttempts,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("init river queue: %w", err)
		}
		a.RiverQueue = q
		return q, nil
	default:
		q := queueMemory.NewQueue(a.Config.Workflow.QueueDepth, a.Config.EnqueueTimeout())
		a.MemoryQueue = q
		a.Dispatcher = dispatcher.New(
			q,
			runner,
			a.Config.Workflow.MaxConcurrentInstances,
			worker.Config{InstanceTimeout: a.Config.InstanceTimeout()},
			a.Logger,
		)
		return q, nil
	}
}

// Run starts the bus workers, the scheduler when enabled, and the HTTP
// server, then blocks until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	switch {
	case a.RiverQueue != nil:
		if err := a.RiverQueue.Start(runCtx); err != nil {
			return err
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer stopCancel()
			if err := a.RiverQueue.Stop(stopCtx); err != nil {
				a.Logger.Warn("river stop failed", zap.Error(err))
			}
		}()
	case a.Dispatcher != nil:
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Dispatcher.Run(runCtx)
		}()
	}

	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Start(runCtx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer a.Scheduler.Stop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server started", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-runCtx.Done():
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	a.Logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("server shutdown error", zap.Error(err))
	}
	cancel()
	wg.Wait()
	return serveErr
}

// Sweep runs a single scheduler pass.
func (a *App) Sweep(ctx context.Context) (int, error) {
	return a.Scheduler.SweepOnce(ctx)
}

// Pool exposes the Postgres pool, or nil for in-memory storage.
func (a *App) Pool() *pgxpool.Pool {
	return a.pool
}

// Migrate applies the store schema and, for the river bus, river's tables.
func (a *App) Migrate(ctx context.Context) error {
	if a.Stores.Migrate == nil {
		a.Logger.Info("memory storage needs no migration")
		return nil
	}
	if err := a.Stores.Migrate(ctx); err != nil {
		return err
	}
	n, err := queueRiver.Migrate(ctx, a.pool)
	if err != nil {
		return err
	}
	a.Logger.Info("migrations applied", zap.Int("river_versions", n))
	return nil
}

// Close releases services in reverse construction order.
func (a *App) Close(ctx context.Context) {
	if a.MemoryQueue != nil {
		a.MemoryQueue.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		a.shutdown[i]()
	}
	a.shutdown = nil
}
