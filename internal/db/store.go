package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/width"

	"github.com/bottlenote/magpress/workflow"
)

// Store implements workflow.Store using SQLite. It is a dumb persistence
// layer: no stage validation, no retries. Storage failures propagate to
// the caller; the recovery layer one level up owns retry policy.
type Store struct {
	db *DB
}

// NewStore creates a new SQLite-backed store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

var _ workflow.Store = (*Store)(nil)

// --- Issue Operations ---

const issueColumns = `id, issue_number, stage, channel_id, thread_id, thread_url, created_at, updated_at`

// CreateIssue creates a new issue at the topic selection stage. The
// issue number is count-of-existing-issues + 1, assigned inside a single
// INSERT statement so concurrent creates never receive the same number.
func (s *Store) CreateIssue(channelID string) (*workflow.Issue, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO magazine_issues (issue_number, stage, channel_id, created_at, updated_at)
		VALUES ((SELECT COUNT(*) + 1 FROM magazine_issues), ?, ?, ?, ?)
	`, workflow.StageTopicSelection, channelID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get issue id: %w", err)
	}
	return s.GetIssue(id)
}

// GetIssue retrieves an issue by ID, or nil if it does not exist.
func (s *Store) GetIssue(id int64) (*workflow.Issue, error) {
	row := s.db.QueryRow(`SELECT `+issueColumns+` FROM magazine_issues WHERE id = ?`, id)
	return scanIssue(row)
}

// GetIssueByThread finds the issue tracked by the given thread.
func (s *Store) GetIssueByThread(threadID string) (*workflow.Issue, error) {
	row := s.db.QueryRow(`SELECT `+issueColumns+` FROM magazine_issues WHERE thread_id = ?`, threadID)
	return scanIssue(row)
}

// GetActiveIssue returns the most recent non-complete issue in a
// channel, or nil if none is in flight.
func (s *Store) GetActiveIssue(channelID string) (*workflow.Issue, error) {
	row := s.db.QueryRow(`
		SELECT `+issueColumns+` FROM magazine_issues
		WHERE channel_id = ? AND stage != ?
		ORDER BY id DESC LIMIT 1
	`, channelID, workflow.StageComplete)
	return scanIssue(row)
}

// GetAllActiveIssues returns every non-complete issue system-wide,
// newest first, joined with the selected topic title when topic
// selection has happened.
func (s *Store) GetAllActiveIssues() ([]workflow.ActiveIssue, error) {
	rows, err := s.db.Query(`
		SELECT i.id, i.issue_number, i.stage, i.channel_id, i.thread_id, i.thread_url,
			i.created_at, i.updated_at,
			(SELECT d.data_json FROM stage_data d
			 WHERE d.issue_id = i.id AND d.stage = ?
			 ORDER BY d.id DESC LIMIT 1)
		FROM magazine_issues i
		WHERE i.stage != ?
		ORDER BY i.id DESC
	`, workflow.StageTopicSelection, workflow.StageComplete)
	if err != nil {
		return nil, fmt.Errorf("failed to query active issues: %w", err)
	}
	defer rows.Close()

	var issues []workflow.ActiveIssue
	for rows.Next() {
		var (
			issue             workflow.Issue
			threadID, threadU sql.NullString
			topicJSON         sql.NullString
		)
		err := rows.Scan(
			&issue.ID, &issue.IssueNumber, &issue.Stage, &issue.ChannelID,
			&threadID, &threadU, &issue.CreatedAt, &issue.UpdatedAt, &topicJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active issue: %w", err)
		}
		issue.ThreadID = threadID.String
		issue.ThreadURL = threadU.String

		active := workflow.ActiveIssue{Issue: issue}
		if topicJSON.Valid {
			active.TopicTitle = selectedTopicTitle(topicJSON.String)
		}
		issues = append(issues, active)
	}
	return issues, rows.Err()
}

// GetIssuesByStage returns all issues currently at the given stage,
// newest first. Used by the layout bridge to list work for the plugin.
func (s *Store) GetIssuesByStage(stage workflow.Stage) ([]workflow.Issue, error) {
	rows, err := s.db.Query(`
		SELECT `+issueColumns+` FROM magazine_issues
		WHERE stage = ? ORDER BY id DESC
	`, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues by stage: %w", err)
	}
	defer rows.Close()

	var issues []workflow.Issue
	for rows.Next() {
		issue, err := scanIssueRows(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, *issue)
	}
	return issues, rows.Err()
}

// UpdateIssueStage overwrites the stage and refreshes updated_at. No
// transition validation happens here; that is the engine's job.
func (s *Store) UpdateIssueStage(id int64, stage workflow.Stage) error {
	_, err := s.db.Exec(`
		UPDATE magazine_issues SET stage = ?, updated_at = ? WHERE id = ?
	`, stage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update issue stage: %w", err)
	}
	return nil
}

// UpdateIssueThread records the lazily created thread for an issue.
func (s *Store) UpdateIssueThread(id int64, threadID string) error {
	_, err := s.db.Exec(`
		UPDATE magazine_issues SET thread_id = ?, updated_at = ? WHERE id = ?
	`, threadID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update issue thread: %w", err)
	}
	return nil
}

// UpdateIssueThreadURL records the external deep link to the thread.
func (s *Store) UpdateIssueThreadURL(id int64, threadURL string) error {
	_, err := s.db.Exec(`
		UPDATE magazine_issues SET thread_url = ?, updated_at = ? WHERE id = ?
	`, threadURL, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update issue thread url: %w", err)
	}
	return nil
}

// --- Stage Data ---

// SaveStageData inserts a new pending snapshot for (issue, stage).
// Existing rows are never updated; the latest row wins.
func (s *Store) SaveStageData(issueID int64, stage workflow.Stage, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal stage data: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO stage_data (issue_id, stage, data_json, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, issueID, stage, string(data), workflow.DataPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save stage data: %w", err)
	}
	return nil
}

// GetStageData returns the latest snapshot for (issue, stage), or nil.
func (s *Store) GetStageData(issueID int64, stage workflow.Stage) (*workflow.StageData, error) {
	row := s.db.QueryRow(`
		SELECT id, issue_id, stage, data_json, status, created_at
		FROM stage_data
		WHERE issue_id = ? AND stage = ?
		ORDER BY id DESC LIMIT 1
	`, issueID, stage)

	var d workflow.StageData
	err := row.Scan(&d.ID, &d.IssueID, &d.Stage, &d.DataJSON, &d.Status, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage data: %w", err)
	}
	return &d, nil
}

// ApproveStageData marks exactly the given snapshot approved.
// Idempotent: re-approving an approved row is a no-op.
func (s *Store) ApproveStageData(id int64) error {
	_, err := s.db.Exec(`UPDATE stage_data SET status = ? WHERE id = ?`, workflow.DataApproved, id)
	if err != nil {
		return fmt.Errorf("failed to approve stage data: %w", err)
	}
	return nil
}

// --- Published Topics ---

// PublishTopic logs a completed topic title. Titles are width-folded
// before storage so fullwidth/halfwidth variants of the same title
// dedupe; duplicate titles are ignored.
func (s *Store) PublishTopic(issueID int64, title string) error {
	normalized := width.Fold.String(strings.TrimSpace(title))
	if normalized == "" {
		return fmt.Errorf("topic title is empty")
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO published_topics (issue_id, topic_title, published_at)
		VALUES (?, ?, ?)
	`, issueID, normalized, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to publish topic: %w", err)
	}
	return nil
}

// GetPublishedTopicTitles returns all published titles, newest first.
func (s *Store) GetPublishedTopicTitles() ([]string, error) {
	rows, err := s.db.Query(`SELECT topic_title FROM published_topics ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query published topics: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("failed to scan topic title: %w", err)
		}
		titles = append(titles, title)
	}
	return titles, rows.Err()
}

// --- Error Ledger ---

// RecordStageError creates a new error row for a failure sequence.
func (s *Store) RecordStageError(issueID int64, stage workflow.Stage, message string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO stage_errors (issue_id, stage, error_message, created_at)
		VALUES (?, ?, ?, ?)
	`, issueID, stage, message, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to record stage error: %w", err)
	}
	return res.LastInsertId()
}

// IncrementRetryCount bumps the retry count on an existing error row.
func (s *Store) IncrementRetryCount(errorID int64) error {
	_, err := s.db.Exec(`
		UPDATE stage_errors SET retry_count = retry_count + 1 WHERE id = ?
	`, errorID)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

// MarkErrorResolved stamps an error row as resolved.
func (s *Store) MarkErrorResolved(errorID int64) error {
	_, err := s.db.Exec(`
		UPDATE stage_errors SET resolved_at = ? WHERE id = ?
	`, time.Now().UTC(), errorID)
	if err != nil {
		return fmt.Errorf("failed to mark error resolved: %w", err)
	}
	return nil
}

// GetUnresolvedErrors returns all open errors for an issue, oldest first.
func (s *Store) GetUnresolvedErrors(issueID int64) ([]workflow.StageError, error) {
	rows, err := s.db.Query(`
		SELECT id, issue_id, stage, error_message, retry_count, resolved_at, created_at
		FROM stage_errors
		WHERE issue_id = ? AND resolved_at IS NULL
		ORDER BY id
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved errors: %w", err)
	}
	defer rows.Close()

	var result []workflow.StageError
	for rows.Next() {
		se, err := scanStageError(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *se)
	}
	return result, rows.Err()
}

// GetLatestUnresolvedError returns the newest open error for an
// (issue, stage) pair, or nil.
func (s *Store) GetLatestUnresolvedError(issueID int64, stage workflow.Stage) (*workflow.StageError, error) {
	rows, err := s.db.Query(`
		SELECT id, issue_id, stage, error_message, retry_count, resolved_at, created_at
		FROM stage_errors
		WHERE issue_id = ? AND stage = ? AND resolved_at IS NULL
		ORDER BY id DESC LIMIT 1
	`, issueID, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest unresolved error: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanStageError(rows)
}

// --- Scanning Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanIssue(row *sql.Row) (*workflow.Issue, error) {
	issue, err := scanIssueGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return issue, err
}

func scanIssueRows(rows *sql.Rows) (*workflow.Issue, error) {
	return scanIssueGeneric(rows)
}

func scanIssueGeneric(s scanner) (*workflow.Issue, error) {
	var issue workflow.Issue
	var threadID, threadURL sql.NullString

	err := s.Scan(
		&issue.ID, &issue.IssueNumber, &issue.Stage, &issue.ChannelID,
		&threadID, &threadURL, &issue.CreatedAt, &issue.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan issue: %w", err)
	}

	issue.ThreadID = threadID.String
	issue.ThreadURL = threadURL.String
	return &issue, nil
}

func scanStageError(s scanner) (*workflow.StageError, error) {
	var se workflow.StageError
	var resolvedAt sql.NullTime

	err := s.Scan(&se.ID, &se.IssueID, &se.Stage, &se.ErrorMessage, &se.RetryCount, &resolvedAt, &se.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stage error: %w", err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		se.ResolvedAt = &t
	}
	return &se, nil
}

// selectedTopicTitle extracts the chosen topic title from a topic
// selection payload. The payload shape belongs to the handler; only the
// title field is read here, for operator-facing listings.
func selectedTopicTitle(dataJSON string) string {
	var payload struct {
		SelectedTopic *struct {
			Title string `json:"title"`
		} `json:"selectedTopic"`
	}
	if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
		return ""
	}
	if payload.SelectedTopic == nil {
		return ""
	}
	return payload.SelectedTopic.Title
}
