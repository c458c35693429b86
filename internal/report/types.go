package report

import "time"

// Status represents the lifecycle state of a report.
type Status string

// Report status values persisted in the report store.
const (
	StatusSettingUp Status = "setting_up"
	StatusPending   Status = "pending"
	StatusScraping  Status = "scraping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// rank orders the non-failed statuses; status only ever moves to a higher rank.
func (s Status) rank() int {
	switch s {
	case StatusSettingUp:
		return 0
	case StatusPending:
		return 1
	case StatusScraping:
		return 2
	case StatusCompleted:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusFailed || s.rank() >= 0
}

// CanAdvance reports whether a report may move from one status to another.
// Moves are forward only; failed is reachable from any non-terminal status.
func CanAdvance(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.rank() > from.rank()
}

// Weights are the four named scoring weights, each within [0,100].
type Weights struct {
	Relevance   int `json:"relevance"`
	Specificity int `json:"specificity"`
	Originality int `json:"originality"`
	Credibility int `json:"credibility"`
}

// OriginalPost holds the fields of the post a conversation hangs off.
type OriginalPost struct {
	ExternalID string `json:"external_id,omitempty"`
	Text       string `json:"text"`
	Author     string `json:"author"`
	AvatarURL  string `json:"avatar_url"`
}

// Report is the persisted aggregate for one submitted conversation.
type Report struct {
	ID             string       `json:"id"`
	Owner          string       `json:"owner"`
	SourceURL      string       `json:"source_url"`
	ConversationID string       `json:"conversation_id"`
	Goal           string       `json:"goal"`
	Persona        string       `json:"persona,omitempty"`
	Status         Status       `json:"status"`
	ReplyThreshold int          `json:"reply_threshold"`
	MinLength      int          `json:"min_length"`
	BlueOnly       bool         `json:"blue_only"`
	MinFollowers   *int         `json:"min_followers"`
	Weights        Weights      `json:"weights"`
	UsefulCount    int          `json:"useful_count"`
	QualifiedCount int          `json:"qualified_count"`
	ScrapedCount   int          `json:"scraped_count"`
	OriginalPost   OriginalPost `json:"original_post"`
	Title          string       `json:"title,omitempty"`
	LastItemAt     *time.Time   `json:"last_item_at,omitempty"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	// Version increments on every counter or status write; it backs
	// compare-and-update in the progress tracker.
	Version int64 `json:"-"`
}

// Settings returns the scrape-relevant subset of the report.
func (r Report) Settings() Settings {
	return Settings{
		ConversationID: r.ConversationID,
		ReplyThreshold: r.ReplyThreshold,
		MinLength:      r.MinLength,
		BlueOnly:       r.BlueOnly,
		MinFollowers:   r.MinFollowers,
		UsefulCount:    r.UsefulCount,
		ScrapedCount:   r.ScrapedCount,
		LastItemAt:     r.LastItemAt,
		HasTitle:       r.Title != "",
	}
}

// Settings is the snapshot of report settings the orchestrator works from.
type Settings struct {
	ConversationID string     `json:"conversation_id"`
	ReplyThreshold int        `json:"reply_threshold"`
	MinLength      int        `json:"min_length"`
	BlueOnly       bool       `json:"blue_only"`
	MinFollowers   *int       `json:"min_followers"`
	UsefulCount    int        `json:"useful_count"`
	ScrapedCount   int        `json:"scraped_count"`
	LastItemAt     *time.Time `json:"last_item_at,omitempty"`
	HasTitle       bool       `json:"has_title"`
}

// Progress is the counter and status state written by compare-and-update.
type Progress struct {
	Status         Status
	UsefulCount    int
	QualifiedCount int
	ScrapedCount   int
	LastItemAt     *time.Time
	LastActivityAt time.Time
	// ApplyKey, when set, makes the write apply at most once per report and
	// key. A repeated key fails with ErrAlreadyApplied.
	ApplyKey string
}

// EvaluationState tracks the downstream verdict on a reply.
type EvaluationState string

// Evaluation states for stored replies.
const (
	EvaluationPending   EvaluationState = "pending"
	EvaluationQualified EvaluationState = "qualified"
	EvaluationRejected  EvaluationState = "rejected"
)

// Reply is one accepted item stored under a report.
type Reply struct {
	ID            string          `json:"id"`
	ReportID      string          `json:"report_id"`
	ExternalID    string          `json:"external_id"`
	Author        string          `json:"author"`
	Text          string          `json:"text"`
	Length        int             `json:"length"`
	Verified      bool            `json:"verified"`
	FollowerCount int             `json:"follower_count"`
	ObservedAt    time.Time       `json:"observed_at"`
	Evaluation    EvaluationState `json:"evaluation"`
}

// ScrapedItem is a raw reply as returned by the scrape provider.
type ScrapedItem struct {
	ExternalID    string    `json:"external_id"`
	Author        string    `json:"author"`
	Text          string    `json:"text"`
	Verified      bool      `json:"verified"`
	FollowerCount int       `json:"follower_count"`
	PostedAt      time.Time `json:"posted_at"`
}

// ActivityEntry is one append-only narration line for a report.
type ActivityEntry struct {
	ReportID  string         `json:"report_id"`
	Key       string         `json:"key"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
