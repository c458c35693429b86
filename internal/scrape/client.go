// Package scrape fetches a conversation's original post and its replies from
// the scrape provider.
package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// Order selects reply ordering.
type Order string

// Supported reply orderings.
const (
	OldestFirst Order = "oldest_first"
	NewestFirst Order = "newest_first"
)

// Options narrows what the provider returns.
type Options struct {
	Order           Order
	PageCap         int
	BlueOnly        bool
	MinFollowers    *int
	IncludeOriginal bool
	// Since, when set, asks only for replies posted after it.
	Since *time.Time
}

// Callbacks receive partial results while a scrape is still running.
type Callbacks struct {
	// OnOriginalFetched runs as soon as the original post resolves, before
	// reply collection finishes. An error fails the scrape.
	OnOriginalFetched func(ctx context.Context, post report.OriginalPost) error
}

// Result is the completed scrape.
type Result struct {
	OriginalPost *report.OriginalPost `json:"original_post,omitempty"`
	Items        []report.ScrapedItem `json:"items"`
}

// Client is the scrape collaborator used by the orchestrator.
type Client interface {
	Scrape(ctx context.Context, conversationID string, opts Options, cb Callbacks) (Result, error)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: provider returned status %d: %s", e.Op, e.Code, e.Body)
}

// Retryable reports whether the provider may succeed on a later attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}
