// Package ingest filters scraped replies and stores the net-new accepted ones.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/metrics"
	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// Result summarizes one filter-and-insert pass.
type Result struct {
	// Inserted counts replies new to the report.
	Inserted        int            `json:"inserted"`
	InsertedReplies []report.Reply `json:"inserted_replies"`
	// Filtered counts scraped items not inserted, whether rejected or already stored.
	Filtered int `json:"filtered"`
	// LastTimestamp is the newest posted-at across the whole scraped batch.
	LastTimestamp *time.Time `json:"last_timestamp,omitempty"`
}

// Inserter applies acceptance rules and deduplicates by external id.
type Inserter struct {
	replies report.ReplyStore
	ids     report.IDGenerator
	clock   report.Clock
	logger  *zap.Logger
}

// New constructs an Inserter.
func New(replies report.ReplyStore, ids report.IDGenerator, clock report.Clock, logger *zap.Logger) *Inserter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inserter{replies: replies, ids: ids, clock: clock, logger: logger.Named("ingest")}
}

// Accept reports whether a scraped item passes the report's filters. The
// conversation's original post is never a reply.
func Accept(item report.ScrapedItem, s report.Settings) bool {
	id := strings.TrimSpace(item.ExternalID)
	if id == "" || (s.ConversationID != "" && id == s.ConversationID) {
		return false
	}
	text := strings.TrimSpace(item.Text)
	if text == "" || utf8.RuneCountInString(text) < s.MinLength {
		return false
	}
	if s.BlueOnly && !item.Verified {
		return false
	}
	if s.MinFollowers != nil && item.FollowerCount < *s.MinFollowers {
		return false
	}
	return true
}

// FilterAndInsert stores the accepted, not yet stored items of the batch.
// Replaying the same batch inserts nothing.
func (in *Inserter) FilterAndInsert(ctx context.Context, reportID string, items []report.ScrapedItem, s report.Settings) (Result, error) {
	var res Result
	now := in.clock.Now()
	seen := make(map[string]struct{}, len(items))
	candidates := make([]report.Reply, 0, len(items))

	for _, item := range items {
		if !item.PostedAt.IsZero() && (res.LastTimestamp == nil || item.PostedAt.After(*res.LastTimestamp)) {
			ts := item.PostedAt
			res.LastTimestamp = &ts
		}
		if !Accept(item, s) {
			continue
		}
		if _, dup := seen[item.ExternalID]; dup {
			continue
		}
		seen[item.ExternalID] = struct{}{}
		id, err := in.ids.NewID()
		if err != nil {
			return Result{}, fmt.Errorf("reply id: %w", err)
		}
		text := strings.TrimSpace(item.Text)
		candidates = append(candidates, report.Reply{
			ID:            id,
			ReportID:      reportID,
			ExternalID:    item.ExternalID,
			Author:        item.Author,
			Text:          text,
			Length:        utf8.RuneCountInString(text),
			Verified:      item.Verified,
			FollowerCount: item.FollowerCount,
			ObservedAt:    now,
			Evaluation:    report.EvaluationPending,
		})
	}

	inserted := []report.Reply{}
	if len(candidates) > 0 {
		stored, err := in.replies.InsertReplies(ctx, reportID, candidates)
		if err != nil {
			return Result{}, fmt.Errorf("insert replies: %w", err)
		}
		inserted = stored
	}
	res.Inserted = len(inserted)
	res.InsertedReplies = inserted
	res.Filtered = len(items) - res.Inserted
	metrics.AddRepliesInserted(res.Inserted)

	in.logger.Debug("filtered batch",
		zap.String("report_id", reportID),
		zap.Int("scraped", len(items)),
		zap.Int("accepted", len(candidates)),
		zap.Int("inserted", res.Inserted),
	)
	return res, nil
}
