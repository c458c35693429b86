package activity

import (
	"context"
	"errors"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// Narration keys appended by the orchestrator and tracker.
const (
	KeySetup           = "setup"
	KeyLookup          = "lookup"
	KeyAuthorFound     = "author_found"
	KeyRepliesInserted = "replies_inserted"
	KeyEvaluating      = "evaluating"
	KeyCapReached      = "scrape_cap_reached"
	KeyCompleted       = "completed"
	KeyFailed          = "failed"
)

// Sink consumes batches of activity entries. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []report.ActivityEntry) error
	Close(ctx context.Context) error
}

// Emitter accepts single entries; Hub satisfies it.
type Emitter interface {
	Emit(entry report.ActivityEntry)
}

func validate(e report.ActivityEntry) error {
	if e.ReportID == "" {
		return errors.New("report id is required")
	}
	if e.Key == "" {
		return errors.New("key is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}
