package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/reply-report-engine/internal/clock"
	"github.com/JakeFAU/reply-report-engine/internal/id"
	"github.com/JakeFAU/reply-report-engine/internal/report"
	"github.com/JakeFAU/reply-report-engine/internal/storage/memory"
	"github.com/JakeFAU/reply-report-engine/internal/tracker"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *memory.Store, r report.Report) {
	t.Helper()
	if r.ReplyThreshold == 0 {
		r.ReplyThreshold = 10
	}
	r.ConversationID = "conv-" + r.ID
	require.NoError(t, store.CreateReport(context.Background(), r))
}

func TestSweepOnceEmitsForStaleReports(t *testing.T) {
	t.Parallel()

	clk := clock.NewFrozen(base)
	store := memory.NewStore(clk)
	seed(t, store, report.Report{ID: "stale-scraping", Status: report.StatusScraping, LastActivityAt: base.Add(-2 * time.Hour)})
	seed(t, store, report.Report{ID: "stranded", Status: report.StatusSettingUp, LastActivityAt: base.Add(-90 * time.Minute)})
	seed(t, store, report.Report{ID: "fresh", Status: report.StatusPending, LastActivityAt: base.Add(-time.Minute)})
	seed(t, store, report.Report{ID: "done", Status: report.StatusCompleted, LastActivityAt: base.Add(-3 * time.Hour)})
	seed(t, store, report.Report{ID: "failed", Status: report.StatusFailed, LastActivityAt: base.Add(-3 * time.Hour)})
	seed(t, store, report.Report{
		ID:             "capped",
		Status:         report.StatusScraping,
		ScrapedCount:   30,
		LastActivityAt: base.Add(-3 * time.Hour),
	})

	emitter := &recordingEmitter{}
	s, err := New(store, emitter, tracker.MultiplierCap{Multiplier: 3}, id.NewSequence("evt"), clk, Config{
		StaleAfter: time.Hour,
		BatchSize:  10,
	})
	require.NoError(t, err)

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	events := emitter.all()
	require.Len(t, events, 2)
	// Oldest activity first.
	require.Equal(t, "stale-scraping", events[0].ReportID)
	require.Equal(t, report.EventScrapeRecurring, events[0].Kind)
	require.Equal(t, "conv-stale-scraping", events[0].ConversationID)
	require.Equal(t, "evt-1", events[0].ID)
	require.True(t, events[0].EmittedAt.Equal(base))
	require.Equal(t, "stranded", events[1].ReportID)
	require.Equal(t, report.EventReportCreated, events[1].Kind)
}

func TestSweepOnceSkipsRecentlyEmitted(t *testing.T) {
	t.Parallel()

	clk := clock.NewFrozen(base)
	store := memory.NewStore(clk)
	seed(t, store, report.Report{ID: "r1", Status: report.StatusPending, LastActivityAt: base.Add(-2 * time.Hour)})

	emitter := &recordingEmitter{}
	s, err := New(store, emitter, nil, id.NewSequence("evt"), clk, Config{StaleAfter: time.Hour})
	require.NoError(t, err)

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	clk.Advance(30 * time.Minute)
	n, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(time.Hour)
	n, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, emitter.all(), 2)
}

func TestSweepOnceCollectsEmitErrors(t *testing.T) {
	t.Parallel()

	clk := clock.NewFrozen(base)
	store := memory.NewStore(clk)
	seed(t, store, report.Report{ID: "a", Status: report.StatusPending, LastActivityAt: base.Add(-3 * time.Hour)})
	seed(t, store, report.Report{ID: "b", Status: report.StatusPending, LastActivityAt: base.Add(-2 * time.Hour)})

	emitter := &recordingEmitter{fail: map[string]error{"a": errors.New("queue full")}}
	s, err := New(store, emitter, nil, id.NewSequence("evt"), clk, Config{StaleAfter: time.Hour})
	require.NoError(t, err)

	n, err := s.SweepOnce(context.Background())
	require.Equal(t, 1, n)
	require.ErrorContains(t, err, "report a: queue full")

	// The failed report is retried on the next pass.
	emitter.fail = nil
	n, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	clk := clock.NewFrozen(base)
	_, err := New(memory.NewStore(clk), &recordingEmitter{}, nil, id.NewSequence("e"), clk, Config{})
	require.Error(t, err)

	_, err = New(nil, &recordingEmitter{}, nil, id.NewSequence("e"), clk, Config{StaleAfter: time.Minute})
	require.Error(t, err)
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()

	clk := clock.NewFrozen(base)
	s, err := New(memory.NewStore(clk), &recordingEmitter{}, nil, id.NewSequence("e"), clk, Config{
		Spec:       "not a cron spec",
		StaleAfter: time.Minute,
	})
	require.NoError(t, err)
	require.Error(t, s.Start(context.Background()))
	s.Stop()
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []report.ScrapeEvent
	fail   map[string]error
}

func (r *recordingEmitter) EmitScrape(_ context.Context, evt report.ScrapeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[evt.ReportID]; err != nil {
		return err
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingEmitter) all() []report.ScrapeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.ScrapeEvent(nil), r.events...)
}
