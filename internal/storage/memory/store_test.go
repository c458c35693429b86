package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/reply-report-engine/internal/clock"
	"github.com/JakeFAU/reply-report-engine/internal/report"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := NewStore(clock.NewFrozen(epoch))
	require.NoError(t, s.CreateReport(context.Background(), report.Report{
		ID:             "r1",
		Owner:          "alice",
		Status:         report.StatusSettingUp,
		ReplyThreshold: 50,
		CreatedAt:      epoch,
		LastActivityAt: epoch,
	}))
	return s
}

func TestCreateAndGetReport(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	got, err := s.GetReport(context.Background(), "r1")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Version)
	require.Error(t, s.CreateReport(context.Background(), report.Report{ID: "r1"}))

	_, err = s.GetReport(context.Background(), "nope")
	require.ErrorIs(t, err, report.ErrNotFound)
}

func TestListCreatedSinceOldestFirst(t *testing.T) {
	t.Parallel()

	s := NewStore(clock.NewFrozen(epoch))
	ctx := context.Background()
	for i, offset := range []time.Duration{30 * time.Second, 10 * time.Second, 50 * time.Second, -2 * time.Minute} {
		require.NoError(t, s.CreateReport(ctx, report.Report{
			ID: string(rune('a' + i)), Owner: "alice", CreatedAt: epoch.Add(offset),
		}))
	}
	require.NoError(t, s.CreateReport(ctx, report.Report{ID: "other", Owner: "bob", CreatedAt: epoch}))

	got, err := s.ListCreatedSince(ctx, "alice", epoch.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, []time.Time{epoch.Add(10 * time.Second), epoch.Add(30 * time.Second), epoch.Add(50 * time.Second)}, got)
}

func TestAdvanceStatusIsForwardOnly(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	ctx := context.Background()

	ok, err := s.AdvanceStatus(ctx, "r1", report.StatusScraping, epoch.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AdvanceStatus(ctx, "r1", report.StatusPending, epoch.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	got, _ := s.GetReport(ctx, "r1")
	require.Equal(t, report.StatusScraping, got.Status)
	require.Equal(t, epoch.Add(time.Minute), got.LastActivityAt)
	require.EqualValues(t, 2, got.Version)
}

func TestCompareAndSwapProgressRejectsStaleVersion(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	ctx := context.Background()
	p := report.Progress{Status: report.StatusScraping, UsefulCount: 10, ScrapedCount: 12, LastActivityAt: epoch}

	ok, err := s.CompareAndSwapProgress(ctx, "r1", 1, p)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndSwapProgress(ctx, "r1", 1, p)
	require.NoError(t, err)
	require.False(t, ok)

	got, _ := s.GetReport(ctx, "r1")
	require.Equal(t, 10, got.UsefulCount)
	require.EqualValues(t, 2, got.Version)
}

func TestInsertRepliesDeduplicates(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	ctx := context.Background()
	batch := []report.Reply{{ID: "a", ExternalID: "x1"}, {ID: "b", ExternalID: "x2"}}

	first, err := s.InsertReplies(ctx, "r1", batch)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, report.EvaluationPending, first[0].Evaluation)

	again, err := s.InsertReplies(ctx, "r1", append(batch, report.Reply{ID: "c", ExternalID: "x3"}))
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, "x3", again[0].ExternalID)

	all, err := s.ListReplies(ctx, "r1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	page, err := s.ListReplies(ctx, "r1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)

	_, err = s.InsertReplies(ctx, "missing", batch)
	require.ErrorIs(t, err, report.ErrNotFound)
}

func TestInsertRepliesConcurrentDuplicates(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.InsertReplies(context.Background(), "r1", []report.Reply{{ExternalID: "same"}})
			require.NoError(t, err)
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, total)
}

func TestSetEvaluationTransitionsOnce(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	ctx := context.Background()
	_, err := s.InsertReplies(ctx, "r1", []report.Reply{{ID: "a", ExternalID: "x1"}})
	require.NoError(t, err)

	changed, err := s.SetEvaluation(ctx, "r1", "a", report.EvaluationQualified)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.SetEvaluation(ctx, "r1", "a", report.EvaluationRejected)
	require.NoError(t, err)
	require.False(t, changed)

	_, err = s.SetEvaluation(ctx, "r1", "zzz", report.EvaluationQualified)
	require.ErrorIs(t, err, report.ErrNotFound)
}

func TestListStale(t *testing.T) {
	t.Parallel()

	s := NewStore(clock.NewFrozen(epoch))
	ctx := context.Background()
	require.NoError(t, s.CreateReport(ctx, report.Report{ID: "old", Status: report.StatusScraping, LastActivityAt: epoch.Add(-time.Hour)}))
	require.NoError(t, s.CreateReport(ctx, report.Report{ID: "older", Status: report.StatusPending, LastActivityAt: epoch.Add(-2 * time.Hour)}))
	require.NoError(t, s.CreateReport(ctx, report.Report{ID: "fresh", Status: report.StatusScraping, LastActivityAt: epoch}))
	require.NoError(t, s.CreateReport(ctx, report.Report{ID: "done", Status: report.StatusCompleted, LastActivityAt: epoch.Add(-3 * time.Hour)}))

	got, err := s.ListStale(ctx, []report.Status{report.StatusPending, report.StatusScraping}, epoch.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "older", got[0].ID)
	require.Equal(t, "old", got[1].ID)

	got, err = s.ListStale(ctx, []report.Status{report.StatusPending, report.StatusScraping}, epoch.Add(-time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestActivityAndCheckpoints(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	ctx := context.Background()
	require.NoError(t, s.AppendActivity(ctx, []report.ActivityEntry{
		{ReportID: "r1", Key: "setup"}, {ReportID: "r1", Key: "lookup"}, {ReportID: "r1", Key: "evaluating"},
	}))
	last, err := s.ListActivity(ctx, "r1", 2)
	require.NoError(t, err)
	require.Equal(t, "lookup", last[0].Key)
	require.Equal(t, "evaluating", last[1].Key)

	_, found, err := s.LoadCheckpoint(ctx, "evt-1", "setup")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, s.SaveCheckpoint(ctx, "evt-1", "setup", []byte(`{"a":1}`)))
	payload, found, err := s.LoadCheckpoint(ctx, "evt-1", "setup")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"a":1}`, string(payload))
}

func TestCompareAndSwapProgressApplyKeyOnce(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	ctx := context.Background()
	p := report.Progress{Status: report.StatusScraping, UsefulCount: 4, ScrapedCount: 8, LastActivityAt: epoch, ApplyKey: "evt-1"}

	ok, err := s.CompareAndSwapProgress(ctx, "r1", 1, p)
	require.NoError(t, err)
	require.True(t, ok)

	// The current version does not matter once the key is taken.
	p.UsefulCount = 8
	ok, err = s.CompareAndSwapProgress(ctx, "r1", 2, p)
	require.ErrorIs(t, err, report.ErrAlreadyApplied)
	require.False(t, ok)

	p.ApplyKey = "evt-2"
	ok, err = s.CompareAndSwapProgress(ctx, "r1", 2, p)
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := s.GetReport(ctx, "r1")
	require.Equal(t, 8, got.UsefulCount)
	require.EqualValues(t, 3, got.Version)
}
