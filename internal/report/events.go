package report

import "time"

// EventKind names an event on the workflow substrate.
type EventKind string

// Event names exchanged with the workflow substrate and downstream evaluators.
const (
	EventReportCreated   EventKind = "report.created"
	EventScrapeRecurring EventKind = "report.scrape.recurring"
	EventReplyEvaluate   EventKind = "reply.evaluate"
)

// ScrapeEvent triggers one orchestrator instance. ID identifies the instance;
// redelivering the same event resumes rather than restarts it.
type ScrapeEvent struct {
	ID             string    `json:"id"`
	Kind           EventKind `json:"kind"`
	ReportID       string    `json:"report_id"`
	ConversationID string    `json:"conversation_id"`
	EmittedAt      time.Time `json:"emitted_at"`
}

// EvaluateEvent is the input contract of the downstream evaluation task.
type EvaluateEvent struct {
	ReplyID   string `json:"reply_id"`
	ReportID  string `json:"report_id"`
	MinLength int    `json:"min_length"`
}

// EvaluationResult is reported back by the evaluation task.
type EvaluationResult struct {
	ReplyID   string  `json:"reply_id"`
	ReportID  string  `json:"report_id"`
	Qualified bool    `json:"qualified"`
	Score     float64 `json:"score"`
}

// Attributes labels the published message for subscriber filtering.
func (e EvaluateEvent) Attributes() map[string]string {
	return map[string]string{"kind": string(EventReplyEvaluate), "report_id": e.ReportID}
}
