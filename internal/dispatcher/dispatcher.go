// Package dispatcher runs a fixed pool of workers over the scrape queue. The
// pool size is the global cap on concurrently running orchestrator instances.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/report"
	"github.com/JakeFAU/reply-report-engine/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   report.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher with size workers sharing runner. size below one is
// treated as one.
func New(
	queue report.Queue,
	runner worker.Runner,
	size int,
	cfg worker.Config,
	logger *zap.Logger,
) *Dispatcher {
	if size < 1 {
		size = 1
	}
	workers := make([]*worker.Worker, 0, size)
	for i := 0; i < size; i++ {
		workers = append(workers, worker.New(i+1, queue, runner, cfg, logger))
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Size reports the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// in-flight instance has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, evt report.ScrapeEvent) error {
	if err := d.queue.Enqueue(ctx, evt); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
