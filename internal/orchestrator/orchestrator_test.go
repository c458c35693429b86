package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/reply-report-engine/internal/activity"
	"github.com/JakeFAU/reply-report-engine/internal/clock"
	"github.com/JakeFAU/reply-report-engine/internal/fanout"
	"github.com/JakeFAU/reply-report-engine/internal/id"
	"github.com/JakeFAU/reply-report-engine/internal/ingest"
	pubmemory "github.com/JakeFAU/reply-report-engine/internal/publisher/memory"
	"github.com/JakeFAU/reply-report-engine/internal/report"
	"github.com/JakeFAU/reply-report-engine/internal/scrape"
	"github.com/JakeFAU/reply-report-engine/internal/storage/memory"
	"github.com/JakeFAU/reply-report-engine/internal/tracker"
	"github.com/JakeFAU/reply-report-engine/internal/workflow"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

const evaluateTopic = "reply-evaluate"

type fakeScraper struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	post     *report.OriginalPost
	items    []report.ScrapedItem
	opts     []scrape.Options
	// afterCallback runs right after the original post callback returns.
	afterCallback func()
}

func (f *fakeScraper) Scrape(ctx context.Context, _ string, opts scrape.Options, cb scrape.Callbacks) (scrape.Result, error) {
	f.mu.Lock()
	f.calls++
	f.opts = append(f.opts, opts)
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if f.err != nil && fail {
		return scrape.Result{}, f.err
	}
	res := scrape.Result{Items: f.items}
	if f.post != nil && opts.IncludeOriginal {
		post := *f.post
		if err := cb.OnOriginalFetched(ctx, post); err != nil {
			return scrape.Result{}, err
		}
		if f.afterCallback != nil {
			f.afterCallback()
		}
		res.OriginalPost = &post
	}
	return res, nil
}

func (f *fakeScraper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTitles struct {
	title string
	ok    bool
	calls int
}

func (f *fakeTitles) GenerateTitle(context.Context, string) (string, bool) {
	f.calls++
	return f.title, f.ok
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []report.ScrapeEvent
	err    error
}

func (r *recordingEmitter) EmitScrape(_ context.Context, evt report.ScrapeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

type narrations struct {
	mu   sync.Mutex
	keys []string
	msgs []string
}

func (n *narrations) Append(_ context.Context, _, key, message string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys = append(n.keys, key)
	n.msgs = append(n.msgs, message)
}

type harness struct {
	orch      *Orchestrator
	store     *memory.Store
	scraper   *fakeScraper
	titles    *fakeTitles
	publisher *pubmemory.Publisher
	continuer *recordingEmitter
	narration *narrations
	archive   *memory.BlobStore
}

func newHarness(t *testing.T, r report.Report, scraper *fakeScraper) *harness {
	t.Helper()
	clk := clock.NewFrozen(t0)
	store := memory.NewStore(clk)
	if r.ID != "" {
		require.NoError(t, store.CreateReport(context.Background(), r))
	}
	narr := &narrations{}
	pub := pubmemory.New()
	h := &harness{
		store:     store,
		scraper:   scraper,
		titles:    &fakeTitles{title: "What people want built", ok: true},
		publisher: pub,
		continuer: &recordingEmitter{},
		narration: narr,
		archive:   memory.NewBlobStore(),
	}
	h.orch = New(Deps{
		Reports:   store,
		Scraper:   scraper,
		Titles:    h.titles,
		Inserter:  ingest.New(store, id.NewSequence("reply"), clk, nil),
		Tracker:   tracker.New(store, store, tracker.MultiplierCap{Multiplier: 3}, narr, clk, nil),
		Fanout:    fanout.New(pub, evaluateTopic, nil),
		Activity:  narr,
		Steps:     workflow.NewRunner(store, workflow.Config{MaxRetries: 3}),
		Continuer: h.continuer,
		Archive:   h.archive,
		IDs:       id.NewSequence("evt"),
		Clock:     clk,
	}, Config{PageCap: 100})
	return h
}

func items(n, longEvery int) []report.ScrapedItem {
	out := make([]report.ScrapedItem, n)
	for i := range out {
		text := "meh"
		if longEvery > 0 && i%longEvery == 0 {
			text = fmt.Sprintf("a genuinely useful reply number %d", i)
		}
		out[i] = report.ScrapedItem{
			ExternalID: fmt.Sprintf("ext-%03d", i),
			Author:     fmt.Sprintf("user%d", i),
			Text:       text,
			PostedAt:   t0.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func baseReport() report.Report {
	return report.Report{
		ID:             "r1",
		Owner:          "alice",
		ConversationID: "1234567890",
		Status:         report.StatusSettingUp,
		ReplyThreshold: 50,
		MinLength:      10,
		CreatedAt:      t0,
		LastActivityAt: t0,
	}
}

func createdEvent() report.ScrapeEvent {
	return report.ScrapeEvent{ID: "evt-created", Kind: report.EventReportCreated, ReportID: "r1", ConversationID: "1234567890", EmittedAt: t0}
}

func TestRunIngestsAndFansOut(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{
		post:  &report.OriginalPost{ExternalID: "1234567890", Text: "What should we build?", Author: "founder", AvatarURL: "https://img/a.png"},
		items: items(10, 1),
	}
	h := newHarness(t, baseReport(), scraper)
	var seenBeforeResolve report.OriginalPost
	scraper.afterCallback = func() {
		r, err := h.store.GetReport(context.Background(), "r1")
		require.NoError(t, err)
		seenBeforeResolve = r.OriginalPost
	}

	require.NoError(t, h.orch.Run(context.Background(), createdEvent()))

	require.Equal(t, "founder", seenBeforeResolve.Author)
	require.Equal(t, "What should we build?", seenBeforeResolve.Text)
	require.Equal(t, "https://img/a.png", seenBeforeResolve.AvatarURL)

	r, err := h.store.GetReport(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, 10, r.UsefulCount)
	require.Equal(t, 10, r.ScrapedCount)
	require.Equal(t, report.StatusScraping, r.Status)
	require.Equal(t, "What people want built", r.Title)
	require.True(t, t0.Add(9*time.Second).Equal(*r.LastItemAt))

	events := h.publisher.Topic(evaluateTopic)
	require.Len(t, events, 10)
	for _, e := range events {
		evt := e.(report.EvaluateEvent)
		require.Equal(t, "r1", evt.ReportID)
		require.Equal(t, 10, evt.MinLength)
	}

	require.Equal(t, []string{
		activity.KeySetup, activity.KeyLookup, activity.KeyAuthorFound, activity.KeyEvaluating,
	}, h.narration.keys)
	require.Contains(t, h.narration.msgs, "Preparing your report")
	require.Contains(t, h.narration.msgs, "Looking up initial posts")
	require.Contains(t, h.narration.msgs, "Evaluating 10 replies")

	require.Empty(t, h.continuer.events, "a short page never continues")
	_, _, ok := h.archive.Object(ArchivePath("r1", "evt-created"))
	require.True(t, ok)

	opts := scraper.opts[0]
	require.Equal(t, scrape.OldestFirst, opts.Order)
	require.Equal(t, 100, opts.PageCap)
	require.True(t, opts.IncludeOriginal)
	require.Nil(t, opts.Since)
}

func TestRunContinuesWhenPageIsFullAndPartlyFiltered(t *testing.T) {
	t.Parallel()

	// 100 scraped, 40 accepted, 60 filtered.
	batch := items(100, 0)
	for i := 0; i < 40; i++ {
		batch[i].Text = fmt.Sprintf("long enough reply %d", i)
	}
	h := newHarness(t, baseReport(), &fakeScraper{items: batch})

	require.NoError(t, h.orch.Run(context.Background(), createdEvent()))
	require.Len(t, h.continuer.events, 1)
	next := h.continuer.events[0]
	require.Equal(t, report.EventScrapeRecurring, next.Kind)
	require.Equal(t, "r1", next.ReportID)
	require.Equal(t, "1234567890", next.ConversationID)
	require.NotEqual(t, "evt-created", next.ID)
}

func TestRunStopsWhenPageIsShort(t *testing.T) {
	t.Parallel()

	batch := items(80, 0)
	for i := 0; i < 40; i++ {
		batch[i].Text = fmt.Sprintf("long enough reply %d", i)
	}
	h := newHarness(t, baseReport(), &fakeScraper{items: batch})
	require.NoError(t, h.orch.Run(context.Background(), createdEvent()))
	require.Empty(t, h.continuer.events)
}

func TestRunResumesFromCheckpoints(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{items: items(5, 1)}
	h := newHarness(t, baseReport(), scraper)

	require.NoError(t, h.orch.Run(context.Background(), createdEvent()))
	require.NoError(t, h.orch.Run(context.Background(), createdEvent()))

	require.Equal(t, 1, scraper.Calls())
	require.Len(t, h.publisher.Topic(evaluateTopic), 5)
	r, _ := h.store.GetReport(context.Background(), "r1")
	require.Equal(t, 5, r.UsefulCount)
}

func TestRunRecurringUsesCursorAndSkipsKnownTitle(t *testing.T) {
	t.Parallel()

	last := t0.Add(-time.Hour)
	r := baseReport()
	r.Status = report.StatusScraping
	r.Title = "Existing title"
	r.LastItemAt = &last
	scraper := &fakeScraper{post: &report.OriginalPost{Author: "founder"}, items: items(3, 1)}
	h := newHarness(t, r, scraper)

	evt := report.ScrapeEvent{ID: "evt-9", Kind: report.EventScrapeRecurring, ReportID: "r1", ConversationID: "1234567890"}
	require.NoError(t, h.orch.Run(context.Background(), evt))
	require.True(t, last.Equal(*scraper.opts[0].Since))
	require.Zero(t, h.titles.calls)

	got, _ := h.store.GetReport(context.Background(), "r1")
	require.Equal(t, report.StatusScraping, got.Status)
	require.Equal(t, "Existing title", got.Title)
}

func TestRunTitleFailureIsSilent(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{post: &report.OriginalPost{Author: "founder", Text: "hi"}, items: items(2, 1)}
	h := newHarness(t, baseReport(), scraper)
	h.titles.ok = false

	require.NoError(t, h.orch.Run(context.Background(), createdEvent()))
	got, _ := h.store.GetReport(context.Background(), "r1")
	require.Empty(t, got.Title)
	require.Equal(t, "founder", got.OriginalPost.Author)
	require.Equal(t, 2, got.UsefulCount)
}

func TestRunMissingReportIsPermanent(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{}
	h := newHarness(t, report.Report{}, scraper)

	err := h.orch.Run(context.Background(), createdEvent())
	require.Error(t, err)
	require.True(t, workflow.IsPermanent(err))
	require.ErrorIs(t, err, report.ErrNotFound)
	require.Zero(t, scraper.Calls())
}

func TestRunRetriesTransientScrapeFailures(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{err: errors.New("connection reset"), failures: 2, items: items(3, 1)}
	h := newHarness(t, baseReport(), scraper)

	require.NoError(t, h.orch.Run(context.Background(), createdEvent()))
	require.Equal(t, 3, scraper.Calls())
}

func TestRunRepublishesOnlyUnsentEvaluations(t *testing.T) {
	t.Parallel()

	h := newHarness(t, baseReport(), &fakeScraper{items: items(10, 1)})
	h.publisher.FailNext(1)

	require.NoError(t, h.orch.Run(context.Background(), createdEvent()))

	replies, err := h.store.ListReplies(context.Background(), "r1", 0, 0)
	require.NoError(t, err)
	require.Len(t, replies, 10)

	seen := map[string]int{}
	for _, e := range h.publisher.Topic(evaluateTopic) {
		seen[e.(report.EvaluateEvent).ReplyID]++
	}
	for _, r := range replies {
		require.Equal(t, 1, seen[r.ID], r.ID)
	}
	require.Len(t, seen, 10)
	require.Equal(t, 1, countKey(h.narration.keys, activity.KeyEvaluating))
}

func countKey(keys []string, key string) int {
	n := 0
	for _, k := range keys {
		if k == key {
			n++
		}
	}
	return n
}

func TestRunExhaustedRetriesMarksEmptyReportFailed(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{err: errors.New("provider down"), failures: 100}
	h := newHarness(t, baseReport(), scraper)

	require.Error(t, h.orch.Run(context.Background(), createdEvent()))
	require.Equal(t, 4, scraper.Calls())
	got, _ := h.store.GetReport(context.Background(), "r1")
	require.Equal(t, report.StatusFailed, got.Status)
	require.Contains(t, h.narration.keys, activity.KeyFailed)
}

func TestRunProviderRejectionIsPermanent(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{err: &scrape.StatusError{Op: "fetch replies", Code: http.StatusNotFound}, failures: 100}
	h := newHarness(t, baseReport(), scraper)

	err := h.orch.Run(context.Background(), createdEvent())
	require.True(t, workflow.IsPermanent(err))
	require.Equal(t, 1, scraper.Calls())
}

func TestRunSkipsSettledReports(t *testing.T) {
	t.Parallel()

	r := baseReport()
	r.Status = report.StatusCompleted
	scraper := &fakeScraper{items: items(3, 1)}
	h := newHarness(t, r, scraper)

	require.NoError(t, h.orch.Run(context.Background(), createdEvent()))
	require.Zero(t, scraper.Calls())
}

func TestRunContinuationFailureDoesNotFailInstance(t *testing.T) {
	t.Parallel()

	batch := items(100, 2)
	h := newHarness(t, baseReport(), &fakeScraper{items: batch})
	h.continuer.err = errors.New("queue full")

	require.NoError(t, h.orch.Run(context.Background(), createdEvent()))
	got, _ := h.store.GetReport(context.Background(), "r1")
	require.Equal(t, report.StatusScraping, got.Status)
	require.Equal(t, 50, got.UsefulCount)
}

func TestShouldContinue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    Decision
		want bool
	}{
		{name: "full page partly filtered", d: Decision{Scraped: 100, PageCap: 100, Inserted: 40, Filtered: 60}, want: true},
		{name: "short page", d: Decision{Scraped: 80, PageCap: 100, Inserted: 40, Filtered: 40}, want: false},
		{name: "cap reached", d: Decision{ReachedScrapeCap: true, Scraped: 100, PageCap: 100, Inserted: 40, Filtered: 60}, want: false},
		{name: "nothing inserted", d: Decision{Scraped: 100, PageCap: 100, Inserted: 0, Filtered: 100}, want: false},
		{name: "nothing filtered", d: Decision{Scraped: 100, PageCap: 100, Inserted: 100, Filtered: 0}, want: false},
		{name: "zero page cap", d: Decision{Scraped: 0, PageCap: 0, Inserted: 1, Filtered: 1}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ShouldContinue(tt.d))
		})
	}
}
