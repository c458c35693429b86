// Package orchestrator runs the scrape-and-ingest workflow for one report.
//
// An instance is started by a report.created or report.scrape.recurring event
// and runs six checkpointed steps: setup, scrape, filter and insert, progress
// update, evaluation fan-out, and the continuation decision. The event id is
// the instance id, so redelivering an event resumes the instance at its first
// unfinished step.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/activity"
	"github.com/JakeFAU/reply-report-engine/internal/ingest"
	"github.com/JakeFAU/reply-report-engine/internal/metrics"
	"github.com/JakeFAU/reply-report-engine/internal/report"
	"github.com/JakeFAU/reply-report-engine/internal/scrape"
	"github.com/JakeFAU/reply-report-engine/internal/title"
	"github.com/JakeFAU/reply-report-engine/internal/tracker"
	"github.com/JakeFAU/reply-report-engine/internal/workflow"
)

// Step names double as checkpoint keys.
const (
	StepSetup    = "setup"
	StepScrape   = "scrape"
	StepInsert   = "filter_insert"
	StepProgress = "progress_update"
	StepFanout   = "evaluation_fanout"
	StepContinue = "continuation"
)

// StepRunner executes checkpointed steps.
type StepRunner interface {
	Step(ctx context.Context, instanceID, name string, fn workflow.StepFunc, out any) error
}

// Inserter filters and stores scraped replies.
type Inserter interface {
	FilterAndInsert(ctx context.Context, reportID string, items []report.ScrapedItem, s report.Settings) (ingest.Result, error)
}

// ProgressTracker applies counter updates and failure marking.
type ProgressTracker interface {
	Update(ctx context.Context, reportID, instanceID string, inserted, scraped int, lastItemAt *time.Time) (tracker.Update, error)
	Fail(ctx context.Context, reportID string, cause error) (bool, error)
}

// EvaluationEmitter fans out evaluation events.
type EvaluationEmitter interface {
	Emit(ctx context.Context, reportID string, minLength int, replies []report.Reply) ([]report.Reply, error)
}

// Narrator appends activity lines.
type Narrator interface {
	Append(ctx context.Context, reportID, key, message string, meta map[string]any)
}

// Deps are the collaborators of an Orchestrator. Archive is optional.
type Deps struct {
	Reports   report.ReportStore
	Scraper   scrape.Client
	Titles    title.Generator
	Inserter  Inserter
	Tracker   ProgressTracker
	Fanout    EvaluationEmitter
	Activity  Narrator
	Steps     StepRunner
	Continuer report.ScrapeEmitter
	Archive   report.BlobStore
	IDs       report.IDGenerator
	Clock     report.Clock
}

// Config holds orchestrator policy.
type Config struct {
	PageCap int
	Logger  *zap.Logger
}

// Orchestrator executes workflow instances.
type Orchestrator struct {
	deps    Deps
	pageCap int
	logger  *zap.Logger
}

type setupResult struct {
	Settings report.Settings `json:"settings"`
	Status   report.Status   `json:"status"`
}

type fanoutResult struct {
	Emitted int `json:"emitted"`
}

type continueResult struct {
	EventID string `json:"event_id"`
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Titles == nil {
		deps.Titles = title.Noop{}
	}
	pageCap := cfg.PageCap
	if pageCap <= 0 {
		pageCap = 100
	}
	return &Orchestrator{deps: deps, pageCap: pageCap, logger: logger.Named("orchestrator")}
}

// Run executes one instance to completion or failure. A failed instance marks
// the report failed when nothing has been ingested for it yet.
func (o *Orchestrator) Run(ctx context.Context, evt report.ScrapeEvent) error {
	logger := o.logger.With(
		zap.String("instance_id", evt.ID),
		zap.String("report_id", evt.ReportID),
		zap.String("kind", string(evt.Kind)),
	)
	start := time.Now()
	err := o.run(ctx, evt, logger)
	if err != nil {
		metrics.ObserveInstance("failed")
		logger.Error("instance failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		if _, failErr := o.deps.Tracker.Fail(context.WithoutCancel(ctx), evt.ReportID, err); failErr != nil {
			logger.Warn("could not record instance failure", zap.Error(failErr))
		}
		return err
	}
	metrics.ObserveInstance("completed")
	logger.Info("instance finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (o *Orchestrator) run(ctx context.Context, evt report.ScrapeEvent, logger *zap.Logger) error {
	if evt.ID == "" || evt.ReportID == "" {
		return workflow.Permanent(errors.New("event requires id and report id"))
	}
	steps := o.deps.Steps

	var setup setupResult
	if err := steps.Step(ctx, evt.ID, StepSetup, func(ctx context.Context) (any, error) {
		return o.setup(ctx, evt.ReportID)
	}, &setup); err != nil {
		return err
	}
	if setup.Status.Terminal() {
		logger.Info("report already settled; nothing to do", zap.String("status", string(setup.Status)))
		return nil
	}
	settings := setup.Settings
	conversationID := evt.ConversationID
	if conversationID == "" {
		conversationID = settings.ConversationID
	}

	var scraped scrape.Result
	if err := steps.Step(ctx, evt.ID, StepScrape, func(ctx context.Context) (any, error) {
		return o.scrape(ctx, evt, conversationID, settings)
	}, &scraped); err != nil {
		return err
	}

	var inserted ingest.Result
	if err := steps.Step(ctx, evt.ID, StepInsert, func(ctx context.Context) (any, error) {
		return o.deps.Inserter.FilterAndInsert(ctx, evt.ReportID, scraped.Items, settings)
	}, &inserted); err != nil {
		return err
	}

	var progress tracker.Update
	if err := steps.Step(ctx, evt.ID, StepProgress, func(ctx context.Context) (any, error) {
		return o.deps.Tracker.Update(ctx, evt.ReportID, evt.ID, inserted.Inserted, len(scraped.Items), inserted.LastTimestamp)
	}, &progress); err != nil {
		return err
	}

	if inserted.Inserted > 0 {
		batch := &fanoutBatch{pending: inserted.InsertedReplies, total: len(inserted.InsertedReplies)}
		if err := steps.Step(ctx, evt.ID, StepFanout, func(ctx context.Context) (any, error) {
			return o.fanout(ctx, evt.ReportID, settings.MinLength, batch)
		}, nil); err != nil {
			return err
		}
	}

	decision := Decision{
		ReachedScrapeCap: progress.ReachedScrapeCap,
		Scraped:          len(scraped.Items),
		PageCap:          o.pageCap,
		Inserted:         inserted.Inserted,
		Filtered:         inserted.Filtered,
	}
	logger.Info("scrape pass settled",
		zap.Int("scraped", decision.Scraped),
		zap.Int("inserted", decision.Inserted),
		zap.Int("filtered", decision.Filtered),
		zap.Int("useful_count", progress.UsefulCount),
		zap.Bool("reached_scrape_cap", decision.ReachedScrapeCap),
	)
	if !ShouldContinue(decision) {
		return nil
	}

	var next continueResult
	if err := steps.Step(ctx, evt.ID, StepContinue, func(ctx context.Context) (any, error) {
		return o.continueScrape(ctx, evt.ReportID, conversationID)
	}, &next); err != nil {
		// Periodic sweeps pick the report up again, so a lost continuation
		// does not fail work that already completed.
		logger.Warn("continuation not enqueued", zap.Error(err))
		return nil
	}
	logger.Debug("continuation enqueued", zap.String("next_instance_id", next.EventID))
	return nil
}

func (o *Orchestrator) setup(ctx context.Context, reportID string) (setupResult, error) {
	r, err := o.deps.Reports.GetReport(ctx, reportID)
	if err != nil {
		return setupResult{}, workflow.Permanent(fmt.Errorf("load report: %w", err))
	}
	if r.Status.Terminal() {
		return setupResult{Settings: r.Settings(), Status: r.Status}, nil
	}
	if _, err := o.deps.Reports.AdvanceStatus(ctx, reportID, report.StatusSettingUp, o.deps.Clock.Now()); err != nil {
		return setupResult{}, workflow.Permanent(fmt.Errorf("set status: %w", err))
	}
	o.narrate(ctx, reportID, activity.KeySetup, "Preparing your report", nil)
	return setupResult{Settings: r.Settings(), Status: r.Status}, nil
}

func (o *Orchestrator) scrape(ctx context.Context, evt report.ScrapeEvent, conversationID string, s report.Settings) (scrape.Result, error) {
	if _, err := o.deps.Reports.AdvanceStatus(ctx, evt.ReportID, report.StatusPending, o.deps.Clock.Now()); err != nil {
		return scrape.Result{}, fmt.Errorf("set status: %w", err)
	}
	o.narrate(ctx, evt.ReportID, activity.KeyLookup, "Looking up initial posts", nil)

	opts := scrape.Options{
		Order:           scrape.OldestFirst,
		PageCap:         o.pageCap,
		BlueOnly:        s.BlueOnly,
		MinFollowers:    s.MinFollowers,
		IncludeOriginal: true,
		Since:           s.LastItemAt,
	}
	res, err := o.deps.Scraper.Scrape(ctx, conversationID, opts, scrape.Callbacks{
		OnOriginalFetched: func(ctx context.Context, post report.OriginalPost) error {
			return o.onOriginal(ctx, evt.ReportID, s, post)
		},
	})
	if err != nil {
		var se *scrape.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return scrape.Result{}, workflow.Permanent(err)
		}
		return scrape.Result{}, fmt.Errorf("scrape conversation %s: %w", conversationID, err)
	}
	o.archive(ctx, evt, res)
	return res, nil
}

// onOriginal persists the original post the moment it resolves and tries for
// a title. Title problems never fail the scrape.
func (o *Orchestrator) onOriginal(ctx context.Context, reportID string, s report.Settings, post report.OriginalPost) error {
	if err := o.deps.Reports.UpdateOriginalPost(ctx, reportID, post); err != nil {
		return fmt.Errorf("store original post: %w", err)
	}
	o.narrate(ctx, reportID, activity.KeyAuthorFound, fmt.Sprintf("Found the original post by @%s", post.Author),
		map[string]any{"author": post.Author})

	if s.HasTitle {
		return nil
	}
	generated, ok := o.deps.Titles.GenerateTitle(ctx, post.Text)
	if !ok {
		return nil
	}
	if err := o.deps.Reports.SetTitle(ctx, reportID, generated); err != nil {
		o.logger.Warn("title not stored", zap.String("report_id", reportID), zap.Error(err))
	}
	return nil
}

// fanoutBatch tracks which replies still lack a published evaluation event
// across retries of the fan-out step.
type fanoutBatch struct {
	pending  []report.Reply
	emitted  int
	total    int
	narrated bool
}

func (o *Orchestrator) fanout(ctx context.Context, reportID string, minLength int, batch *fanoutBatch) (fanoutResult, error) {
	if !batch.narrated {
		o.narrate(ctx, reportID, activity.KeyEvaluating, fmt.Sprintf("Evaluating %d replies", batch.total),
			map[string]any{"count": batch.total})
		batch.narrated = true
	}
	unsent, err := o.deps.Fanout.Emit(ctx, reportID, minLength, batch.pending)
	batch.emitted += len(batch.pending) - len(unsent)
	batch.pending = unsent
	if err != nil {
		return fanoutResult{}, fmt.Errorf("%d of %d evaluation events not published: %w", len(unsent), batch.total, err)
	}
	return fanoutResult{Emitted: batch.emitted}, nil
}

func (o *Orchestrator) continueScrape(ctx context.Context, reportID, conversationID string) (continueResult, error) {
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return continueResult{}, fmt.Errorf("event id: %w", err)
	}
	evt := report.ScrapeEvent{
		ID:             id,
		Kind:           report.EventScrapeRecurring,
		ReportID:       reportID,
		ConversationID: conversationID,
		EmittedAt:      o.deps.Clock.Now(),
	}
	if err := o.deps.Continuer.EmitScrape(ctx, evt); err != nil {
		return continueResult{}, fmt.Errorf("emit recurring scrape: %w", err)
	}
	return continueResult{EventID: id}, nil
}

// ArchivePath is where the raw batch of one instance is stored.
func ArchivePath(reportID, instanceID string) string {
	return path.Join("scrapes", reportID, instanceID+".json")
}

func (o *Orchestrator) archive(ctx context.Context, evt report.ScrapeEvent, res scrape.Result) {
	if o.deps.Archive == nil {
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		o.logger.Warn("archive encode failed", zap.String("instance_id", evt.ID), zap.Error(err))
		return
	}
	uri, err := o.deps.Archive.PutObject(ctx, ArchivePath(evt.ReportID, evt.ID), "application/json", bytes.NewReader(body))
	if err != nil {
		o.logger.Warn("archive write failed", zap.String("instance_id", evt.ID), zap.Error(err))
		return
	}
	o.logger.Debug("scrape archived", zap.String("instance_id", evt.ID), zap.String("uri", uri))
}

func (o *Orchestrator) narrate(ctx context.Context, reportID, key, message string, meta map[string]any) {
	if o.deps.Activity != nil {
		o.deps.Activity.Append(ctx, reportID, key, message, meta)
	}
}
