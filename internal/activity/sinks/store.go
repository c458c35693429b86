package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// StoreSink persists entries to an ActivityStore in batches.
type StoreSink struct {
	store report.ActivityStore
}

// NewStoreSink constructs a StoreSink.
func NewStoreSink(store report.ActivityStore) *StoreSink {
	return &StoreSink{store: store}
}

// Consume appends the batch in one write.
func (s *StoreSink) Consume(ctx context.Context, batch []report.ActivityEntry) error {
	if s == nil || s.store == nil || len(batch) == 0 {
		return nil
	}
	if err := s.store.AppendActivity(ctx, batch); err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// Close implements activity.Sink; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
