package activity

import (
	"context"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// Logger stamps narration entries and hands them to an Emitter.
type Logger struct {
	emitter Emitter
	clock   report.Clock
}

// NewLogger builds a Logger over the emitter. A nil emitter discards entries.
func NewLogger(emitter Emitter, clock report.Clock) *Logger {
	return &Logger{emitter: emitter, clock: clock}
}

// Append records one narration line for the report. It never blocks and
// never fails the caller.
func (l *Logger) Append(_ context.Context, reportID, key, message string, meta map[string]any) {
	if l == nil || l.emitter == nil {
		return
	}
	l.emitter.Emit(report.ActivityEntry{
		ReportID:  reportID,
		Key:       key,
		Message:   message,
		Meta:      meta,
		Timestamp: l.clock.Now(),
	})
}
