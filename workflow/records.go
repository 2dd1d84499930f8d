package workflow

import "time"

// DataStatus is the approval state of a stage data snapshot.
type DataStatus string

const (
	DataPending  DataStatus = "pending"
	DataApproved DataStatus = "approved"
)

// Issue is one unit of pipeline work progressing through the stages.
type Issue struct {
	ID          int64     `json:"id"`
	IssueNumber int       `json:"issueNumber"`
	Stage       Stage     `json:"stage"`
	ChannelID   string    `json:"channelId"`
	ThreadID    string    `json:"threadId,omitempty"`
	ThreadURL   string    `json:"threadUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StageData is a versioned snapshot of one stage's output for one issue.
// Regeneration inserts a new row; the latest row for an (issue, stage)
// pair is the current one. Approval is monotonic: approved rows are
// never reverted, a regeneration creates a fresh pending row instead.
type StageData struct {
	ID        int64      `json:"id"`
	IssueID   int64      `json:"issueId"`
	Stage     Stage      `json:"stage"`
	DataJSON  string     `json:"dataJson"`
	Status    DataStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Approved reports whether this snapshot has been approved.
func (d *StageData) Approved() bool {
	return d != nil && d.Status == DataApproved
}

// PublishedTopic logs a topic title that completed the pipeline, so
// future topic generation avoids repeats.
type PublishedTopic struct {
	ID          int64     `json:"id"`
	IssueID     int64     `json:"issueId"`
	TopicTitle  string    `json:"topicTitle"`
	PublishedAt time.Time `json:"publishedAt"`
}

// StageError records one failed stage attempt sequence. The first
// failure creates the row; later failures in the same retry sequence
// bump RetryCount. ResolvedAt is set when the retried operation
// succeeds or an operator intervenes.
type StageError struct {
	ID           int64      `json:"id"`
	IssueID      int64      `json:"issueId"`
	Stage        Stage      `json:"stage"`
	ErrorMessage string     `json:"errorMessage"`
	RetryCount   int        `json:"retryCount"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// ActiveIssue is an in-flight issue joined with its selected topic
// title, used for operator disambiguation when several issues are open.
type ActiveIssue struct {
	Issue
	TopicTitle string `json:"topicTitle,omitempty"`
}

// Store is the persistence contract the workflow core depends on.
// Implementations are dumb persistence layers: they perform no stage
// validation and no retries; storage failures propagate to the caller.
type Store interface {
	// Issues
	CreateIssue(channelID string) (*Issue, error)
	GetIssue(id int64) (*Issue, error)
	GetIssueByThread(threadID string) (*Issue, error)
	GetActiveIssue(channelID string) (*Issue, error)
	GetAllActiveIssues() ([]ActiveIssue, error)
	GetIssuesByStage(stage Stage) ([]Issue, error)
	UpdateIssueStage(id int64, stage Stage) error
	UpdateIssueThread(id int64, threadID string) error
	UpdateIssueThreadURL(id int64, threadURL string) error

	// Stage data
	SaveStageData(issueID int64, stage Stage, payload any) error
	GetStageData(issueID int64, stage Stage) (*StageData, error)
	ApproveStageData(id int64) error

	// Published topics
	PublishTopic(issueID int64, title string) error
	GetPublishedTopicTitles() ([]string, error)

	// Error ledger
	RecordStageError(issueID int64, stage Stage, message string) (int64, error)
	IncrementRetryCount(errorID int64) error
	MarkErrorResolved(errorID int64) error
	GetUnresolvedErrors(issueID int64) ([]StageError, error)
	GetLatestUnresolvedError(issueID int64, stage Stage) (*StageError, error)
}
