package report

import (
	"context"
	"io"
	"time"
)

// ReportStore persists reports. Counter and status writes go through
// AdvanceStatus and CompareAndSwapProgress so concurrent instances never
// blindly overwrite each other.
type ReportStore interface {
	CreateReport(ctx context.Context, r Report) error
	GetReport(ctx context.Context, id string) (Report, error)
	// ListCreatedSince returns the owner's report creation times at or after since, oldest first.
	ListCreatedSince(ctx context.Context, owner string, since time.Time) ([]time.Time, error)
	UpdateOriginalPost(ctx context.Context, id string, post OriginalPost) error
	SetTitle(ctx context.Context, id string, title string) error
	// AdvanceStatus applies a forward-only transition and reports whether it was applied.
	AdvanceStatus(ctx context.Context, id string, to Status, at time.Time) (bool, error)
	// CompareAndSwapProgress writes p only if the stored version equals
	// expectedVersion. A non-empty p.ApplyKey is recorded with the write and a
	// second write with the same key returns ErrAlreadyApplied.
	CompareAndSwapProgress(ctx context.Context, id string, expectedVersion int64, p Progress) (bool, error)
	// ListStale returns reports in one of statuses whose last activity is before the cutoff.
	ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]Report, error)
}

// ReplyStore persists accepted replies, deduplicated per report by external id.
type ReplyStore interface {
	// InsertReplies stores the replies whose external ids are new to the
	// report and returns exactly those.
	InsertReplies(ctx context.Context, reportID string, replies []Reply) ([]Reply, error)
	ListReplies(ctx context.Context, reportID string, limit, offset int) ([]Reply, error)
	// SetEvaluation moves a pending reply to state and reports whether it changed.
	SetEvaluation(ctx context.Context, reportID, replyID string, state EvaluationState) (bool, error)
}

// ActivityStore appends and lists narration entries.
type ActivityStore interface {
	AppendActivity(ctx context.Context, entries []ActivityEntry) error
	ListActivity(ctx context.Context, reportID string, limit int) ([]ActivityEntry, error)
}

// ScrapeEmitter hands scrape events to the workflow substrate.
type ScrapeEmitter interface {
	EmitScrape(ctx context.Context, evt ScrapeEvent) error
}

// Queue provides enqueue/dequeue semantics for scrape events.
type Queue interface {
	Enqueue(ctx context.Context, evt ScrapeEvent) error
	Dequeue(ctx context.Context) (ScrapeEvent, error)
}

// Publisher pushes payloads to a topic (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces report, reply, and event ids.
type IDGenerator interface {
	NewID() (string, error)
}
