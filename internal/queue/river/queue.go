// Package river carries scrape events on a Postgres-backed river queue so that
// instances survive process restarts.
package river

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/metrics"
	"github.com/JakeFAU/reply-report-engine/internal/report"
	"github.com/JakeFAU/reply-report-engine/internal/workflow"
)

// QueueName is the river queue that holds scrape jobs.
const QueueName = "report_scrape"

// ScrapeArgs is the river job payload for one orchestrator instance.
type ScrapeArgs struct {
	ID             string           `json:"id" river:"unique"`
	Kind           report.EventKind `json:"kind"`
	ReportID       string           `json:"report_id"`
	ConversationID string           `json:"conversation_id"`
	EmittedAt      time.Time        `json:"emitted_at"`
}

// Kind implements river.JobArgs.
func (ScrapeArgs) Kind() string { return "report_scrape" }

// InsertOpts routes scrape jobs to their own queue.
func (ScrapeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueName}
}

// Event converts the job payload back into the domain event.
func (a ScrapeArgs) Event() report.ScrapeEvent {
	return report.ScrapeEvent{
		ID:             a.ID,
		Kind:           a.Kind,
		ReportID:       a.ReportID,
		ConversationID: a.ConversationID,
		EmittedAt:      a.EmittedAt,
	}
}

func argsFor(evt report.ScrapeEvent) ScrapeArgs {
	return ScrapeArgs{
		ID:             evt.ID,
		Kind:           evt.Kind,
		ReportID:       evt.ReportID,
		ConversationID: evt.ConversationID,
		EmittedAt:      evt.EmittedAt,
	}
}

// Runner executes one orchestrator instance.
type Runner interface {
	Run(ctx context.Context, evt report.ScrapeEvent) error
}

// ScrapeWorker adapts a Runner to river's worker contract.
type ScrapeWorker struct {
	river.WorkerDefaults[ScrapeArgs]
	runner Runner
	logger *zap.Logger
}

// NewScrapeWorker constructs a ScrapeWorker.
func NewScrapeWorker(runner Runner, logger *zap.Logger) *ScrapeWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScrapeWorker{runner: runner, logger: logger.Named("river_worker")}
}

// Work runs the instance. Permanent failures cancel the job so river does not
// retry it; anything else is left to river's retry schedule.
func (w *ScrapeWorker) Work(ctx context.Context, job *river.Job[ScrapeArgs]) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	evt := job.Args.Event()
	err := w.runner.Run(ctx, evt)
	if err == nil {
		return nil
	}
	if workflow.IsPermanent(err) {
		w.logger.Warn("scrape job canceled",
			zap.String("instance_id", evt.ID),
			zap.String("report_id", evt.ReportID),
			zap.Error(err),
		)
		return river.JobCancel(err)
	}
	return err
}

// Config controls the river client.
type Config struct {
	// MaxWorkers is the global cap on concurrently running instances.
	MaxWorkers int
	// MaxAttempts bounds instance redeliveries.
	MaxAttempts int
}

// Queue manages the river client for scrape jobs.
type Queue struct {
	client      *river.Client[pgx.Tx]
	maxAttempts int
	logger      *zap.Logger
}

// New creates a river-backed queue whose workers execute runner.
func New(pool *pgxpool.Pool, runner Runner, cfg Config, logger *zap.Logger) (*Queue, error) {
	if pool == nil {
		return nil, errors.New("river queue requires a postgres pool")
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("river queue max workers must be > 0, got %d", cfg.MaxWorkers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewScrapeWorker(runner, logger))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueueName: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}
	return &Queue{
		client:      client,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger.Named("river_queue"),
	}, nil
}

// Start starts the river workers.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	return nil
}

// Stop waits for running jobs to finish.
func (q *Queue) Stop(ctx context.Context) error {
	if err := q.client.Stop(ctx); err != nil {
		return fmt.Errorf("stop river client: %w", err)
	}
	return nil
}

// EmitScrape inserts a scrape job. Re-emitting an event with the same ID is
// collapsed by river's uniqueness check.
func (q *Queue) EmitScrape(ctx context.Context, evt report.ScrapeEvent) error {
	opts := &river.InsertOpts{
		Queue:      QueueName,
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
	if q.maxAttempts > 0 {
		opts.MaxAttempts = q.maxAttempts
	}
	res, err := q.client.Insert(ctx, argsFor(evt), opts)
	if err != nil {
		return fmt.Errorf("failed to queue scrape job for report %s: %w", evt.ReportID, err)
	}
	if res != nil && res.UniqueSkippedAsDuplicate {
		q.logger.Debug("scrape job already queued", zap.String("instance_id", evt.ID))
	}
	return nil
}

// Migrate applies river's schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return 0, fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return 0, fmt.Errorf("river migrate: %w", err)
	}
	return len(res.Versions), nil
}
