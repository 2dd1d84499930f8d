package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Notifier is the presentation boundary the engine talks to. Both
// operations are best-effort: callers log failures and move on, a
// notification problem never rolls back a stage transition.
type Notifier interface {
	// Send posts a human-readable message to a channel or thread.
	Send(ctx context.Context, channelID, message string) error

	// SetThreadLabel renames the thread that tracks an issue.
	SetThreadLabel(ctx context.Context, threadID, label string) error
}

// StageRunner re-invokes the handler registered for an issue's current
// stage. Implemented by the stages package's dispatch table.
type StageRunner interface {
	Run(ctx context.Context, issue *Issue) error
}

// Engine enforces legal stage progression. It is the only component
// permitted to mutate Issue.Stage; everything else reads it.
type Engine struct {
	store    Store
	pipeline Pipeline
	notifier Notifier
	logger   *slog.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(store Store, pipeline Pipeline, notifier Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		pipeline: pipeline,
		notifier: notifier,
		logger:   logger,
	}
}

// Pipeline returns the transition table the engine enforces.
func (e *Engine) Pipeline() Pipeline {
	return e.pipeline
}

// StartIssue creates a new issue at the topic selection stage. Callers
// should check GetActiveIssue first; the store does not enforce the
// one-active-issue-per-channel convention.
func (e *Engine) StartIssue(ctx context.Context, channelID string) (*Issue, error) {
	issue, err := e.store.CreateIssue(channelID)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	e.logger.Info("issue started", "issue", issue.ID, "number", issue.IssueNumber, "channel", channelID)
	return issue, nil
}

// AdvanceStage moves an issue to the next stage. The transition is the
// authoritative outcome; the thread label update is best-effort.
func (e *Engine) AdvanceStage(ctx context.Context, issueID int64) (*Issue, error) {
	issue, err := e.store.GetIssue(issueID)
	if err != nil {
		return nil, fmt.Errorf("load issue %d: %w", issueID, err)
	}
	if issue == nil {
		return nil, &NotFoundError{IssueID: issueID}
	}
	if IsTerminal(issue.Stage) {
		return nil, &AlreadyTerminalError{IssueID: issueID}
	}

	next := e.pipeline.NextStage(issue.Stage)
	if next == "" {
		return nil, &NoTransitionError{Stage: issue.Stage}
	}

	if err := e.store.UpdateIssueStage(issueID, next); err != nil {
		return nil, fmt.Errorf("update stage for issue %d: %w", issueID, err)
	}

	issue, err = e.store.GetIssue(issueID)
	if err != nil || issue == nil {
		return nil, fmt.Errorf("reload issue %d: %w", issueID, err)
	}

	e.logger.Info("stage advanced", "issue", issueID, "stage", next)
	e.updateThreadLabel(ctx, issue)
	return issue, nil
}

// RerunCurrentStage re-persists the issue's current stage as a signal to
// re-trigger its handler. Despite the "reject" terminology on the caller
// side, this never moves backward through the machine; it only bumps the
// timestamp so the current stage runs again.
func (e *Engine) RerunCurrentStage(ctx context.Context, issueID int64) (*Issue, error) {
	issue, err := e.store.GetIssue(issueID)
	if err != nil {
		return nil, fmt.Errorf("load issue %d: %w", issueID, err)
	}
	if issue == nil {
		return nil, &NotFoundError{IssueID: issueID}
	}
	if !e.pipeline.CanReject(issue.Stage) {
		return nil, &CannotRejectError{Stage: issue.Stage}
	}

	if err := e.store.UpdateIssueStage(issueID, issue.Stage); err != nil {
		return nil, fmt.Errorf("update stage for issue %d: %w", issueID, err)
	}
	return e.store.GetIssue(issueID)
}

// GetCurrentStage returns an issue's current stage.
func (e *Engine) GetCurrentStage(issueID int64) (Stage, error) {
	issue, err := e.store.GetIssue(issueID)
	if err != nil {
		return "", fmt.Errorf("load issue %d: %w", issueID, err)
	}
	if issue == nil {
		return "", &NotFoundError{IssueID: issueID}
	}
	return issue.Stage, nil
}

// Cancel forces an issue to COMPLETE, bypassing the linear machine, and
// resolves all of its unresolved errors. An explicit escape hatch, not a
// normal transition.
func (e *Engine) Cancel(ctx context.Context, issueID int64) (*Issue, error) {
	issue, err := e.store.GetIssue(issueID)
	if err != nil {
		return nil, fmt.Errorf("load issue %d: %w", issueID, err)
	}
	if issue == nil {
		return nil, &NotFoundError{IssueID: issueID}
	}
	if IsTerminal(issue.Stage) {
		return nil, &AlreadyTerminalError{IssueID: issueID}
	}

	if err := e.store.UpdateIssueStage(issueID, StageComplete); err != nil {
		return nil, fmt.Errorf("cancel issue %d: %w", issueID, err)
	}
	if err := e.resolveAllErrors(issueID); err != nil {
		return nil, err
	}

	e.logger.Info("issue cancelled", "issue", issueID)
	issue, err = e.store.GetIssue(issueID)
	if err != nil || issue == nil {
		return nil, fmt.Errorf("reload issue %d: %w", issueID, err)
	}
	e.updateThreadLabel(ctx, issue)
	return issue, nil
}

// Reset forces an issue to targetStage, bypassing the linear machine,
// and resolves all of its unresolved errors. Resets may move forward or
// backward to any non-terminal stage so operators can re-run a stage
// after manual investigation.
func (e *Engine) Reset(ctx context.Context, issueID int64, targetStage Stage) (*Issue, error) {
	if IsTerminal(targetStage) {
		return nil, fmt.Errorf("cannot reset to terminal stage, use Cancel")
	}
	if _, err := ParseStage(string(targetStage)); err != nil {
		return nil, err
	}

	issue, err := e.store.GetIssue(issueID)
	if err != nil {
		return nil, fmt.Errorf("load issue %d: %w", issueID, err)
	}
	if issue == nil {
		return nil, &NotFoundError{IssueID: issueID}
	}
	if IsTerminal(issue.Stage) {
		return nil, &AlreadyTerminalError{IssueID: issueID}
	}

	if err := e.store.UpdateIssueStage(issueID, targetStage); err != nil {
		return nil, fmt.Errorf("reset issue %d: %w", issueID, err)
	}
	if err := e.resolveAllErrors(issueID); err != nil {
		return nil, err
	}

	e.logger.Info("issue reset", "issue", issueID, "stage", targetStage)
	issue, err = e.store.GetIssue(issueID)
	if err != nil || issue == nil {
		return nil, fmt.Errorf("reload issue %d: %w", issueID, err)
	}
	e.updateThreadLabel(ctx, issue)
	return issue, nil
}

// Retry resolves an issue's unresolved errors and re-invokes the handler
// for its current stage through the runner. The stage itself does not
// change.
func (e *Engine) Retry(ctx context.Context, issueID int64, runner StageRunner) error {
	issue, err := e.store.GetIssue(issueID)
	if err != nil {
		return fmt.Errorf("load issue %d: %w", issueID, err)
	}
	if issue == nil {
		return &NotFoundError{IssueID: issueID}
	}
	if IsTerminal(issue.Stage) {
		return &AlreadyTerminalError{IssueID: issueID}
	}

	if err := e.resolveAllErrors(issueID); err != nil {
		return err
	}

	e.logger.Info("retrying current stage", "issue", issueID, "stage", issue.Stage)
	return runner.Run(ctx, issue)
}

// Complete finishes a FINAL_OUTPUT issue: approves its latest final
// output snapshot, records the selected topic title in the published
// log so future topic generation avoids it, and advances to COMPLETE.
// Issues at any other stage are refused, otherwise a mid-pipeline call
// would pollute the published log. threadURL, when non-empty, is saved
// on the issue so the layout bridge can link back to the discussion.
func (e *Engine) Complete(ctx context.Context, issueID int64, threadURL string) (*Issue, error) {
	issue, err := e.store.GetIssue(issueID)
	if err != nil {
		return nil, fmt.Errorf("load issue %d: %w", issueID, err)
	}
	if issue == nil {
		return nil, &NotFoundError{IssueID: issueID}
	}
	if issue.Stage != StageFinalOutput {
		return nil, &NotFinalOutputError{IssueID: issueID, Stage: issue.Stage}
	}

	finalData, err := e.store.GetStageData(issueID, StageFinalOutput)
	if err != nil {
		return nil, fmt.Errorf("load final output data for issue %d: %w", issueID, err)
	}
	if finalData != nil {
		if err := e.store.ApproveStageData(finalData.ID); err != nil {
			return nil, fmt.Errorf("approve final output data for issue %d: %w", issueID, err)
		}
	}

	if title, ok := e.selectedTopicTitle(issueID); ok {
		if err := e.store.PublishTopic(issueID, title); err != nil {
			return nil, fmt.Errorf("publish topic for issue %d: %w", issueID, err)
		}
	}

	if threadURL != "" {
		if err := e.store.UpdateIssueThreadURL(issueID, threadURL); err != nil {
			e.logger.Error("failed to record thread URL", "issue", issueID, "error", err)
		}
	}

	return e.AdvanceStage(ctx, issueID)
}

// resolveAllErrors marks every unresolved error for the issue resolved,
// so stale ledger entries never block future diagnosis.
func (e *Engine) resolveAllErrors(issueID int64) error {
	unresolved, err := e.store.GetUnresolvedErrors(issueID)
	if err != nil {
		return fmt.Errorf("load unresolved errors for issue %d: %w", issueID, err)
	}
	for _, se := range unresolved {
		if err := e.store.MarkErrorResolved(se.ID); err != nil {
			return fmt.Errorf("resolve error %d: %w", se.ID, err)
		}
	}
	return nil
}

// updateThreadLabel renames the issue thread to reflect the new stage,
// e.g. "Magazine #4 - Figma Layout". Failures are logged and swallowed.
func (e *Engine) updateThreadLabel(ctx context.Context, issue *Issue) {
	if issue.ThreadID == "" || e.notifier == nil {
		return
	}

	label := fmt.Sprintf("Magazine #%d - %s", issue.IssueNumber, Label(issue.Stage))
	if title, ok := e.selectedTopicTitle(issue.ID); ok {
		label = fmt.Sprintf("Magazine #%d - %s - %s", issue.IssueNumber, title, Label(issue.Stage))
	}

	if err := e.notifier.SetThreadLabel(ctx, issue.ThreadID, label); err != nil {
		e.logger.Error("failed to update thread label", "issue", issue.ID, "error", err)
	}
}

// selectedTopicTitle digs the chosen topic title out of the latest topic
// selection snapshot, if one exists. The payload is otherwise opaque to
// the core, so only the title field is inspected.
func (e *Engine) selectedTopicTitle(issueID int64) (string, bool) {
	data, err := e.store.GetStageData(issueID, StageTopicSelection)
	if err != nil || data == nil {
		return "", false
	}

	var payload struct {
		SelectedTopic *struct {
			Title string `json:"title"`
		} `json:"selectedTopic"`
	}
	if err := json.Unmarshal([]byte(data.DataJSON), &payload); err != nil {
		return "", false
	}
	if payload.SelectedTopic == nil || payload.SelectedTopic.Title == "" {
		return "", false
	}
	return payload.SelectedTopic.Title, true
}
