package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, 0)
	result := make(chan report.ScrapeEvent, 1)
	errCh := make(chan error, 1)

	go func() {
		evt, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- evt
	}()

	require.NoError(t, q.Enqueue(context.Background(), report.ScrapeEvent{ID: "evt-1", ReportID: "r1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "evt-1", got.ID)
		require.Equal(t, "r1", got.ReportID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return event")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue(1, 0)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), report.ScrapeEvent{ID: "primed"}))
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.EqualError(t, qEnqueue.Enqueue(ctx, report.ScrapeEvent{}), "enqueue canceled: context canceled")
}

func TestQueueEmitScrapeTimesOutWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, 20*time.Millisecond)
	require.NoError(t, q.EmitScrape(context.Background(), report.ScrapeEvent{ID: "a", ReportID: "r1"}))
	require.Equal(t, 1, q.Len())

	err := q.EmitScrape(context.Background(), report.ScrapeEvent{
		ID:       "b",
		Kind:     report.EventScrapeRecurring,
		ReportID: "r1",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Contains(t, err.Error(), "report.scrape.recurring")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2, 0)
	require.NoError(t, q.Enqueue(context.Background(), report.ScrapeEvent{ID: "buffered"}))
	q.Close()

	evt, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "buffered", evt.ID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), report.ScrapeEvent{}), ErrClosed)
	// Closing twice should be safe.
	q.Close()
}
