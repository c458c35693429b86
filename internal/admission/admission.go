// Package admission validates report submissions, enforces the per-caller
// creation rate limit, persists new reports, and starts their workflow.
package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/metrics"
	"github.com/JakeFAU/reply-report-engine/internal/report"
	"github.com/JakeFAU/reply-report-engine/internal/validate"
)

// CreateInput is a report submission as received from the caller.
type CreateInput struct {
	URL     string `json:"url"`
	Goal    string `json:"goal"`
	Persona string `json:"persona,omitempty"`
	Preset  string `json:"preset,omitempty"`
	// CustomWeights is the raw JSON weights object, used with the custom preset.
	CustomWeights  string `json:"customWeights,omitempty"`
	ReplyThreshold *int   `json:"replyThreshold,omitempty"`
	MinLength      *int   `json:"minLength,omitempty"`
	BlueOnly       bool   `json:"blueOnly"`
	MinFollowers   *int   `json:"minFollowers,omitempty"`
}

// Config holds admission policy.
type Config struct {
	AllowedHosts     []string
	RateLimitCount   int
	RateLimitWindow  time.Duration
	DefaultThreshold int
	MaxThreshold     int
	Logger           *zap.Logger
}

// Controller admits new reports.
type Controller struct {
	reports report.ReportStore
	emitter report.ScrapeEmitter
	ids     report.IDGenerator
	clock   report.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Controller. Zero policy values fall back to 3 reports per
// 60 seconds and thresholds of 100 by default, 250 at most.
func New(reports report.ReportStore, emitter report.ScrapeEmitter, ids report.IDGenerator, clock report.Clock, cfg Config) *Controller {
	if cfg.RateLimitCount <= 0 {
		cfg.RateLimitCount = 3
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxThreshold <= 0 {
		cfg.MaxThreshold = 250
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		reports: reports,
		emitter: emitter,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("admission"),
	}
}

// CreateReport runs the admission checks in order: URL, goal, numeric
// normalization, weights, caller identity, rate limit. It then persists the
// report at setting_up and emits report.created.
//
// The rate-limit read and the insert are separate operations, so concurrent
// submissions by one caller can occasionally exceed the limit slightly.
func (c *Controller) CreateReport(ctx context.Context, caller string, in CreateInput) (string, error) {
	conversationID, err := validate.SourceURL(in.URL, c.cfg.AllowedHosts)
	if err != nil {
		metrics.ObserveAdmissionRejection("invalid_url")
		return "", err
	}
	goal := strings.TrimSpace(in.Goal)
	if goal == "" {
		metrics.ObserveAdmissionRejection("invalid_goal")
		return "", &report.ValidationError{Field: "goal", Reason: "goal is required"}
	}

	threshold := c.cfg.DefaultThreshold
	if in.ReplyThreshold != nil {
		threshold = validate.ClampInt(*in.ReplyThreshold, 1, c.cfg.MaxThreshold)
	}
	minLength := 0
	if in.MinLength != nil && *in.MinLength > 0 {
		minLength = *in.MinLength
	}
	var minFollowers *int
	if in.MinFollowers != nil && *in.MinFollowers > 0 {
		v := *in.MinFollowers
		minFollowers = &v
	}
	weights := validate.ParseWeights(in.CustomWeights, in.Preset)

	caller = strings.TrimSpace(caller)
	if caller == "" {
		metrics.ObserveAdmissionRejection("unauthenticated")
		return "", report.ErrUnauthenticated
	}

	now := c.clock.Now()
	recent, err := c.reports.ListCreatedSince(ctx, caller, now.Add(-c.cfg.RateLimitWindow))
	if err != nil {
		return "", fmt.Errorf("read recent reports: %w", err)
	}
	if len(recent) >= c.cfg.RateLimitCount {
		metrics.ObserveAdmissionRejection("rate_limited")
		retryAfter := recent[0].Add(c.cfg.RateLimitWindow)
		c.logger.Info("report creation rate limited",
			zap.String("caller", caller),
			zap.Int("recent", len(recent)),
			zap.Time("retry_after", retryAfter),
		)
		return "", &report.RateLimitedError{RetryAfter: retryAfter}
	}

	reportID, err := c.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("report id: %w", err)
	}
	r := report.Report{
		ID:             reportID,
		Owner:          caller,
		SourceURL:      strings.TrimSpace(in.URL),
		ConversationID: conversationID,
		Goal:           goal,
		Persona:        strings.TrimSpace(in.Persona),
		Status:         report.StatusSettingUp,
		ReplyThreshold: threshold,
		MinLength:      minLength,
		BlueOnly:       in.BlueOnly,
		MinFollowers:   minFollowers,
		Weights:        weights,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.reports.CreateReport(ctx, r); err != nil {
		return "", fmt.Errorf("persist report: %w", err)
	}

	eventID, err := c.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("event id: %w", err)
	}
	evt := report.ScrapeEvent{
		ID:             eventID,
		Kind:           report.EventReportCreated,
		ReportID:       reportID,
		ConversationID: conversationID,
		EmittedAt:      now,
	}
	if err := c.emitter.EmitScrape(ctx, evt); err != nil {
		return "", fmt.Errorf("emit %s: %w", evt.Kind, err)
	}

	metrics.ObserveReportCreated()
	c.logger.Info("report admitted",
		zap.String("report_id", reportID),
		zap.String("conversation_id", conversationID),
		zap.String("caller", caller),
		zap.Int("reply_threshold", threshold),
	)
	return reportID, nil
}
