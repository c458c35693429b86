// Package memory provides the in-process scrape event queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch             chan report.ScrapeEvent
	enqueueTimeout time.Duration
	closeMu        sync.RWMutex
	closed         bool
}

// NewQueue constructs a queue with the provided capacity. enqueueTimeout
// bounds EmitScrape when the queue is full; zero waits on the context only.
func NewQueue(capacity int, enqueueTimeout time.Duration) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:             make(chan report.ScrapeEvent, capacity),
		enqueueTimeout: enqueueTimeout,
	}
}

// Enqueue pushes an event into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, evt report.ScrapeEvent) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- evt:
		return nil
	}
}

// Dequeue pops the next event, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (report.ScrapeEvent, error) {
	select {
	case <-ctx.Done():
		return report.ScrapeEvent{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case evt, ok := <-q.ch:
		if !ok {
			return report.ScrapeEvent{}, ErrClosed
		}
		return evt, nil
	}
}

// EmitScrape enqueues evt, giving up after the configured timeout so that a
// worker emitting a continuation never blocks forever on a full queue.
func (q *Queue) EmitScrape(ctx context.Context, evt report.ScrapeEvent) error {
	if q.enqueueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.enqueueTimeout)
		defer cancel()
	}
	if err := q.Enqueue(ctx, evt); err != nil {
		return fmt.Errorf("emit %s for report %s: %w", evt.Kind, evt.ReportID, err)
	}
	return nil
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Buffered events are still
// delivered to Dequeue before it reports ErrClosed.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
