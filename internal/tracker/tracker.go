// Package tracker owns report counters and status progression. Every write is
// a compare-and-update against the stored version, so concurrent orchestrator
// instances and evaluation results never lose each other's increments.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/activity"
	"github.com/JakeFAU/reply-report-engine/internal/report"
)

const defaultMaxAttempts = 16

// ErrContention is returned when compare-and-update keeps losing races.
var ErrContention = errors.New("progress update contention")

// CapPolicy decides whether a report has hit its hard scrape cap.
type CapPolicy interface {
	Reached(r report.Report) bool
}

// MultiplierCap caps total scraped items at Multiplier times the reply threshold.
// A non-positive multiplier disables the cap.
type MultiplierCap struct {
	Multiplier int
}

// Reached implements CapPolicy.
func (c MultiplierCap) Reached(r report.Report) bool {
	if c.Multiplier <= 0 {
		return false
	}
	return r.ScrapedCount >= c.Multiplier*r.ReplyThreshold
}

// Narrator appends activity lines.
type Narrator interface {
	Append(ctx context.Context, reportID, key, message string, meta map[string]any)
}

// Update is the outcome of a progress write.
type Update struct {
	UsefulCount      int           `json:"useful_count"`
	ScrapedCount     int           `json:"scraped_count"`
	Status           report.Status `json:"status"`
	ReachedScrapeCap bool          `json:"reached_scrape_cap"`
}

// Tracker applies progress updates.
type Tracker struct {
	reports     report.ReportStore
	replies     report.ReplyStore
	capPolicy   CapPolicy
	narrator    Narrator
	clock       report.Clock
	logger      *zap.Logger
	maxAttempts int
}

// New constructs a Tracker.
func New(
	reports report.ReportStore,
	replies report.ReplyStore,
	capPolicy CapPolicy,
	narrator Narrator,
	clock report.Clock,
	logger *zap.Logger,
) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capPolicy == nil {
		capPolicy = MultiplierCap{}
	}
	return &Tracker{
		reports:     reports,
		replies:     replies,
		capPolicy:   capPolicy,
		narrator:    narrator,
		clock:       clock,
		logger:      logger.Named("tracker"),
		maxAttempts: defaultMaxAttempts,
	}
}

// Update adds inserted to the useful count and scraped to the scraped count,
// advances the cursor, moves status toward scraping or completed, and reports
// whether the scrape cap has been reached.
//
// A non-empty instanceID is applied at most once: repeating an Update for the
// same instance returns the stored state without counting again.
func (t *Tracker) Update(ctx context.Context, reportID, instanceID string, inserted, scraped int, lastItemAt *time.Time) (Update, error) {
	var out Update
	var before report.Report
	err := t.casLoop(ctx, reportID, func(r report.Report) report.Progress {
		before = r
		p := progressOf(r)
		p.ApplyKey = instanceID
		p.UsefulCount += inserted
		p.ScrapedCount += scraped
		if lastItemAt != nil && (p.LastItemAt == nil || lastItemAt.After(*p.LastItemAt)) {
			ts := *lastItemAt
			p.LastItemAt = &ts
		}
		p.Status = nextStatus(r.Status, r.QualifiedCount, r.ReplyThreshold)
		return p
	}, func(after report.Report) {
		out = t.updateOf(after)
	})
	if errors.Is(err, report.ErrAlreadyApplied) {
		r, getErr := t.reports.GetReport(ctx, reportID)
		if getErr != nil {
			return Update{}, fmt.Errorf("load report: %w", getErr)
		}
		t.logger.Debug("progress already applied for instance",
			zap.String("report_id", reportID),
			zap.String("instance_id", instanceID),
		)
		return t.updateOf(r), nil
	}
	if err != nil {
		return Update{}, err
	}

	if out.ReachedScrapeCap && !t.capPolicy.Reached(before) {
		t.narrate(ctx, reportID, activity.KeyCapReached, "Reached the scrape limit for this report",
			map[string]any{"scraped_count": out.ScrapedCount})
	}
	if out.Status == report.StatusCompleted && before.Status != report.StatusCompleted {
		t.narrate(ctx, reportID, activity.KeyCompleted, "Your report is ready", nil)
	}
	t.logger.Debug("progress updated",
		zap.String("report_id", reportID),
		zap.Int("useful_count", out.UsefulCount),
		zap.Int("scraped_count", out.ScrapedCount),
		zap.String("status", string(out.Status)),
		zap.Bool("reached_scrape_cap", out.ReachedScrapeCap),
	)
	return out, nil
}

// RecordEvaluation applies an evaluation verdict. Each reply's verdict is
// counted at most once.
func (t *Tracker) RecordEvaluation(ctx context.Context, res report.EvaluationResult) error {
	state := report.EvaluationRejected
	if res.Qualified {
		state = report.EvaluationQualified
	}
	changed, err := t.replies.SetEvaluation(ctx, res.ReportID, res.ReplyID, state)
	if err != nil {
		return fmt.Errorf("set evaluation: %w", err)
	}
	if !changed || !res.Qualified {
		return nil
	}

	var before, after report.Report
	err = t.casLoop(ctx, res.ReportID, func(r report.Report) report.Progress {
		before = r
		p := progressOf(r)
		p.QualifiedCount++
		p.Status = r.Status
		if !r.Status.Terminal() && p.QualifiedCount >= r.ReplyThreshold {
			p.Status = report.StatusCompleted
		}
		return p
	}, func(r report.Report) { after = r })
	if err != nil {
		return err
	}
	if after.Status == report.StatusCompleted && before.Status != report.StatusCompleted {
		t.narrate(ctx, res.ReportID, activity.KeyCompleted, "Your report is ready",
			map[string]any{"qualified_count": after.QualifiedCount})
	}
	return nil
}

// Fail marks the report failed when it holds no ingested replies and narrates
// the failure either way. It reports whether the status changed.
func (t *Tracker) Fail(ctx context.Context, reportID string, cause error) (bool, error) {
	r, err := t.reports.GetReport(ctx, reportID)
	if err != nil {
		return false, fmt.Errorf("load report: %w", err)
	}
	meta := map[string]any{}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	if r.UsefulCount > 0 {
		t.narrate(ctx, reportID, activity.KeyFailed, "A scrape attempt failed; existing results are kept", meta)
		return false, nil
	}
	applied, err := t.reports.AdvanceStatus(ctx, reportID, report.StatusFailed, t.clock.Now())
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	if applied {
		t.narrate(ctx, reportID, activity.KeyFailed, "We could not build this report", meta)
	}
	return applied, nil
}

func (t *Tracker) casLoop(ctx context.Context, reportID string, apply func(report.Report) report.Progress, done func(report.Report)) error {
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		r, err := t.reports.GetReport(ctx, reportID)
		if err != nil {
			return fmt.Errorf("load report: %w", err)
		}
		p := apply(r)
		p.LastActivityAt = t.clock.Now()
		ok, err := t.reports.CompareAndSwapProgress(ctx, reportID, r.Version, p)
		if err != nil {
			return fmt.Errorf("write progress: %w", err)
		}
		if ok {
			r.Status = p.Status
			r.UsefulCount = p.UsefulCount
			r.QualifiedCount = p.QualifiedCount
			r.ScrapedCount = p.ScrapedCount
			r.LastItemAt = p.LastItemAt
			r.LastActivityAt = p.LastActivityAt
			r.Version++
			done(r)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("report %s: %w", reportID, ErrContention)
}

func (t *Tracker) updateOf(r report.Report) Update {
	return Update{
		UsefulCount:      r.UsefulCount,
		ScrapedCount:     r.ScrapedCount,
		Status:           r.Status,
		ReachedScrapeCap: t.capPolicy.Reached(r),
	}
}

func (t *Tracker) narrate(ctx context.Context, reportID, key, message string, meta map[string]any) {
	if t.narrator != nil {
		t.narrator.Append(ctx, reportID, key, message, meta)
	}
}

func progressOf(r report.Report) report.Progress {
	return report.Progress{
		Status:         r.Status,
		UsefulCount:    r.UsefulCount,
		QualifiedCount: r.QualifiedCount,
		ScrapedCount:   r.ScrapedCount,
		LastItemAt:     r.LastItemAt,
		LastActivityAt: r.LastActivityAt,
	}
}

// nextStatus moves a report forward after a scrape pass: to completed once the
// qualified count meets the threshold, otherwise to at least scraping.
// Terminal statuses are kept.
func nextStatus(current report.Status, qualified, threshold int) report.Status {
	if current.Terminal() {
		return current
	}
	target := report.StatusScraping
	if threshold > 0 && qualified >= threshold {
		target = report.StatusCompleted
	}
	if report.CanAdvance(current, target) {
		return target
	}
	return current
}
