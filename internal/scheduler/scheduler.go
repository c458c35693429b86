// Package scheduler periodically re-triggers scraping for reports that have
// gone quiet before reaching their threshold.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// sweptStatuses are the non-terminal statuses a sweep considers. setting_up is
// included so a report whose creation event was lost still gets an instance.
var sweptStatuses = []report.Status{
	report.StatusSettingUp,
	report.StatusPending,
	report.StatusScraping,
}

// CapPolicy reports whether a report has exhausted its scrape budget.
type CapPolicy interface {
	Reached(r report.Report) bool
}

// Config controls the sweep.
type Config struct {
	Spec       string
	StaleAfter time.Duration
	BatchSize  int
	Logger     *zap.Logger
}

// Scheduler emits recurring scrape events on a cron schedule.
type Scheduler struct {
	reports   report.ReportStore
	emitter   report.ScrapeEmitter
	capPolicy CapPolicy
	ids       report.IDGenerator
	clock     report.Clock
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	emitted map[string]time.Time
}

// New creates a Scheduler. The cron spec is validated when Start is called.
func New(
	reports report.ReportStore,
	emitter report.ScrapeEmitter,
	capPolicy CapPolicy,
	ids report.IDGenerator,
	clock report.Clock,
	cfg Config,
) (*Scheduler, error) {
	if reports == nil || emitter == nil {
		return nil, errors.New("scheduler requires a report store and an emitter")
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("scheduler stale_after must be > 0, got %s", cfg.StaleAfter)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		reports:   reports,
		emitter:   emitter,
		capPolicy: capPolicy,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("scheduler"),
		emitted:   make(map[string]time.Time),
	}, nil
}

// Start registers the sweep on the cron spec and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		n, err := s.SweepOnce(ctx)
		if err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("sweep emitted recurring scrapes", zap.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("add cron %q: %w", s.cfg.Spec, err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	return nil
}

// Stop stops the cron runner and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// SweepOnce emits one scrape event per stale report and returns how many were
// emitted. A report is skipped if its scrape cap is reached or if this
// scheduler already emitted for it within the stale window.
func (s *Scheduler) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	stale, err := s.reports.ListStale(ctx, sweptStatuses, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale reports: %w", err)
	}

	emitted := 0
	var errs []error
	for _, r := range stale {
		if s.capPolicy != nil && s.capPolicy.Reached(r) {
			s.logger.Debug("skip capped report", zap.String("report_id", r.ID))
			continue
		}
		if s.recentlyEmitted(r.ID, now) {
			continue
		}
		eventID, err := s.ids.NewID()
		if err != nil {
			return emitted, fmt.Errorf("generate event id: %w", err)
		}
		evt := report.ScrapeEvent{
			ID:             eventID,
			Kind:           kindFor(r.Status),
			ReportID:       r.ID,
			ConversationID: r.ConversationID,
			EmittedAt:      now,
		}
		if err := s.emitter.EmitScrape(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("report %s: %w", r.ID, err))
			continue
		}
		s.markEmitted(r.ID, now)
		emitted++
	}
	return emitted, errors.Join(errs...)
}

func kindFor(status report.Status) report.EventKind {
	if status == report.StatusSettingUp {
		return report.EventReportCreated
	}
	return report.EventScrapeRecurring
}

func (s *Scheduler) recentlyEmitted(reportID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.emitted[reportID]
	return ok && now.Sub(at) < s.cfg.StaleAfter
}

func (s *Scheduler) markEmitted(reportID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted[reportID] = now
	for id, at := range s.emitted {
		if now.Sub(at) >= s.cfg.StaleAfter {
			delete(s.emitted, id)
		}
	}
}
