package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// LogSink writes entries to a zap logger at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink. A nil logger discards entries.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("activity")}
}

// Consume logs each entry.
func (s *LogSink) Consume(_ context.Context, batch []report.ActivityEntry) error {
	for _, e := range batch {
		s.logger.Debug(e.Message,
			zap.String("report_id", e.ReportID),
			zap.String("key", e.Key),
			zap.Time("ts", e.Timestamp),
			zap.Any("meta", e.Meta),
		)
	}
	return nil
}

// Close flushes the logger.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
