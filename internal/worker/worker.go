// Package worker implements the scrape instance execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/metrics"
	"github.com/JakeFAU/reply-report-engine/internal/queue/memory"
	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// Source yields scrape events.
type Source interface {
	Dequeue(ctx context.Context) (report.ScrapeEvent, error)
}

// Runner executes one orchestrator instance.
type Runner interface {
	Run(ctx context.Context, evt report.ScrapeEvent) error
}

// Config controls Worker behavior.
type Config struct {
	// InstanceTimeout bounds a single instance; zero means no bound.
	InstanceTimeout time.Duration
}

// Worker consumes scrape events and runs one orchestrator instance per event.
type Worker struct {
	id     int
	source Source
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, source Source, runner Runner, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		source: source,
		runner: runner,
		cfg:    cfg,
		logger: logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming events until the context finishes or the source closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		evt, err := w.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued scrape event",
			zap.String("instance_id", evt.ID),
			zap.String("report_id", evt.ReportID),
			zap.String("kind", string(evt.Kind)),
		)
		w.process(ctx, evt)
	}
}

func (w *Worker) process(ctx context.Context, evt report.ScrapeEvent) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if w.cfg.InstanceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.InstanceTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := w.runner.Run(ctx, evt); err != nil {
		w.logger.Warn("scrape instance failed",
			zap.String("instance_id", evt.ID),
			zap.String("report_id", evt.ReportID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("scrape instance finished",
		zap.String("instance_id", evt.ID),
		zap.String("report_id", evt.ReportID),
		zap.Duration("elapsed", time.Since(start)),
	)
}
