// Package fanout emits one reply.evaluate event per inserted reply.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/reply-report-engine/internal/metrics"
	"github.com/JakeFAU/reply-report-engine/internal/report"
)

const defaultParallelism = 8

// Emitter hands evaluation events to a publisher without waiting for the
// evaluations themselves.
type Emitter struct {
	publisher   report.Publisher
	topic       string
	parallelism int
	logger      *zap.Logger
}

// New constructs an Emitter publishing to topic.
func New(publisher report.Publisher, topic string, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{publisher: publisher, topic: topic, parallelism: defaultParallelism, logger: logger.Named("fanout")}
}

// Emit publishes one event per reply. It returns the replies whose event
// was not accepted by the publisher, in input order, together with the joined
// publish errors. Callers retry with the returned replies only.
func (e *Emitter) Emit(ctx context.Context, reportID string, minLength int, replies []report.Reply) ([]report.Reply, error) {
	if len(replies) == 0 {
		return nil, nil
	}
	errs := make([]error, len(replies))
	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, r := range replies {
		evt := report.EvaluateEvent{ReplyID: r.ID, ReportID: reportID, MinLength: minLength}
		g.Go(func() error {
			if _, err := e.publisher.Publish(ctx, e.topic, evt); err != nil {
				e.logger.Warn("evaluation event not published",
					zap.String("report_id", reportID),
					zap.String("reply_id", evt.ReplyID),
					zap.Error(err),
				)
				errs[i] = fmt.Errorf("reply %s: %w", evt.ReplyID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var unsent []report.Reply
	for i, err := range errs {
		if err != nil {
			unsent = append(unsent, replies[i])
		}
	}
	metrics.AddEvaluationsEmitted(len(replies) - len(unsent))
	if len(unsent) == 0 {
		return nil, nil
	}
	return unsent, fmt.Errorf("publish %d of %d evaluation events: %w", len(unsent), len(replies), errors.Join(errs...))
}
