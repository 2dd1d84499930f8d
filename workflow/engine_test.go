package workflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bottlenote/magpress/internal/db"
	"github.com/bottlenote/magpress/workflow"
)

// recordingNotifier captures thread label updates.
type recordingNotifier struct {
	mu     sync.Mutex
	labels []string
	sent   []string
}

func (n *recordingNotifier) Send(ctx context.Context, channelID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, message)
	return nil
}

func (n *recordingNotifier) SetThreadLabel(ctx context.Context, threadID, label string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.labels = append(n.labels, label)
	return nil
}

func (n *recordingNotifier) lastLabel() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.labels) == 0 {
		return ""
	}
	return n.labels[len(n.labels)-1]
}

// recordingRunner captures engine-triggered stage runs.
type recordingRunner struct {
	mu     sync.Mutex
	runs   []workflow.Stage
	runErr error
}

func (r *recordingRunner) Run(ctx context.Context, issue *workflow.Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, issue.Stage)
	return r.runErr
}

func newTestEngine(t *testing.T) (*workflow.Engine, *db.Store, *recordingNotifier) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := db.NewStore(database)
	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := workflow.NewEngine(store, workflow.NewPipeline(false), notifier, logger)
	return engine, store, notifier
}

func TestStartIssueNumbering(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.StartIssue(ctx, "channel-1")
	if err != nil {
		t.Fatalf("StartIssue: %v", err)
	}
	if first.IssueNumber != 1 {
		t.Errorf("first issue number = %d, want 1", first.IssueNumber)
	}
	if first.Stage != workflow.StageTopicSelection {
		t.Errorf("new issue stage = %s, want TOPIC_SELECTION", first.Stage)
	}

	second, err := engine.StartIssue(ctx, "channel-1")
	if err != nil {
		t.Fatalf("StartIssue: %v", err)
	}
	if second.IssueNumber != 2 {
		t.Errorf("second issue number = %d, want 2", second.IssueNumber)
	}
}

func TestAdvanceStageWalksPipeline(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	issue, err := engine.StartIssue(ctx, "channel-1")
	if err != nil {
		t.Fatalf("StartIssue: %v", err)
	}

	want := []workflow.Stage{
		workflow.StageContentWriting,
		workflow.StageFigmaLayout,
		workflow.StageFinalOutput,
		workflow.StageComplete,
	}
	for _, stage := range want {
		issue, err = engine.AdvanceStage(ctx, issue.ID)
		if err != nil {
			t.Fatalf("AdvanceStage to %s: %v", stage, err)
		}
		if issue.Stage != stage {
			t.Fatalf("stage = %s, want %s", issue.Stage, stage)
		}
	}

	// Advancing past COMPLETE is refused.
	_, err = engine.AdvanceStage(ctx, issue.ID)
	var terminal *workflow.AlreadyTerminalError
	if !errors.As(err, &terminal) {
		t.Errorf("advance past COMPLETE error = %v, want AlreadyTerminalError", err)
	}
}

func TestAdvanceStageUnknownIssue(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.AdvanceStage(context.Background(), 999)
	var notFound *workflow.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("error = %v, want NotFoundError", err)
	}
	if notFound != nil && notFound.IssueID != 999 {
		t.Errorf("NotFoundError.IssueID = %d", notFound.IssueID)
	}
}

func TestAdvanceStageUpdatesThreadLabel(t *testing.T) {
	engine, store, notifier := newTestEngine(t)
	ctx := context.Background()

	issue, _ := engine.StartIssue(ctx, "channel-1")
	if err := store.UpdateIssueThread(issue.ID, "thread-42"); err != nil {
		t.Fatalf("UpdateIssueThread: %v", err)
	}

	if _, err := engine.AdvanceStage(ctx, issue.ID); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	if got := notifier.lastLabel(); got != "Magazine #1 - Content Writing" {
		t.Errorf("thread label = %q", got)
	}
}

func TestRerunCurrentStage(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	issue, _ := engine.StartIssue(ctx, "channel-1")

	rerun, err := engine.RerunCurrentStage(ctx, issue.ID)
	if err != nil {
		t.Fatalf("RerunCurrentStage: %v", err)
	}
	if rerun.Stage != workflow.StageTopicSelection {
		t.Errorf("stage after rerun = %s, want TOPIC_SELECTION", rerun.Stage)
	}

	// Walk to FINAL_OUTPUT, which cannot be rejected.
	for i := 0; i < 3; i++ {
		if _, err := engine.AdvanceStage(ctx, issue.ID); err != nil {
			t.Fatalf("AdvanceStage: %v", err)
		}
	}
	_, err = engine.RerunCurrentStage(ctx, issue.ID)
	var cannotReject *workflow.CannotRejectError
	if !errors.As(err, &cannotReject) {
		t.Errorf("rerun FINAL_OUTPUT error = %v, want CannotRejectError", err)
	}
}

func TestCancelResolvesErrors(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	issue, _ := engine.StartIssue(ctx, "channel-1")
	if _, err := store.RecordStageError(issue.ID, workflow.StageTopicSelection, "boom"); err != nil {
		t.Fatalf("RecordStageError: %v", err)
	}

	cancelled, err := engine.Cancel(ctx, issue.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Stage != workflow.StageComplete {
		t.Errorf("stage after cancel = %s, want COMPLETE", cancelled.Stage)
	}

	unresolved, err := store.GetUnresolvedErrors(issue.ID)
	if err != nil {
		t.Fatalf("GetUnresolvedErrors: %v", err)
	}
	if len(unresolved) != 0 {
		t.Errorf("cancel left %d unresolved errors", len(unresolved))
	}

	// Cancelling again is refused.
	_, err = engine.Cancel(ctx, issue.ID)
	var terminal *workflow.AlreadyTerminalError
	if !errors.As(err, &terminal) {
		t.Errorf("double cancel error = %v, want AlreadyTerminalError", err)
	}
}

func TestResetMovesBackwardAndClearsErrors(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	issue, _ := engine.StartIssue(ctx, "channel-1")
	engine.AdvanceStage(ctx, issue.ID)
	engine.AdvanceStage(ctx, issue.ID) // FIGMA_LAYOUT
	store.RecordStageError(issue.ID, workflow.StageFigmaLayout, "plugin error")

	reset, err := engine.Reset(ctx, issue.ID, workflow.StageContentWriting)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if reset.Stage != workflow.StageContentWriting {
		t.Errorf("stage after reset = %s, want CONTENT_WRITING", reset.Stage)
	}

	unresolved, _ := store.GetUnresolvedErrors(issue.ID)
	if len(unresolved) != 0 {
		t.Errorf("reset left %d unresolved errors", len(unresolved))
	}
}

func TestResetRejectsTerminalAndUnknownTargets(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	issue, _ := engine.StartIssue(ctx, "channel-1")

	if _, err := engine.Reset(ctx, issue.ID, workflow.StageComplete); err == nil {
		t.Error("Reset to COMPLETE should fail")
	}
	if _, err := engine.Reset(ctx, issue.ID, workflow.Stage("BOGUS")); err == nil {
		t.Error("Reset to unknown stage should fail")
	}
}

func TestRetryClearsErrorsAndRunsStage(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	issue, _ := engine.StartIssue(ctx, "channel-1")
	store.RecordStageError(issue.ID, workflow.StageTopicSelection, "model timeout")

	runner := &recordingRunner{}
	if err := engine.Retry(ctx, issue.ID, runner); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	unresolved, _ := store.GetUnresolvedErrors(issue.ID)
	if len(unresolved) != 0 {
		t.Errorf("retry left %d unresolved errors", len(unresolved))
	}
	if len(runner.runs) != 1 || runner.runs[0] != workflow.StageTopicSelection {
		t.Errorf("runner runs = %v", runner.runs)
	}

	// Retry on a terminal issue is refused.
	engine.Cancel(ctx, issue.ID)
	err := engine.Retry(ctx, issue.ID, runner)
	var terminal *workflow.AlreadyTerminalError
	if !errors.As(err, &terminal) {
		t.Errorf("retry on COMPLETE error = %v, want AlreadyTerminalError", err)
	}
}

func TestCompletePublishesTopic(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	issue, _ := engine.StartIssue(ctx, "channel-1")

	payload := map[string]any{
		"selectedTopic": map[string]any{"title": "하이볼의 계절"},
	}
	if err := store.SaveStageData(issue.ID, workflow.StageTopicSelection, payload); err != nil {
		t.Fatalf("SaveStageData: %v", err)
	}

	// Walk to FINAL_OUTPUT and save a final snapshot.
	for i := 0; i < 3; i++ {
		if _, err := engine.AdvanceStage(ctx, issue.ID); err != nil {
			t.Fatalf("AdvanceStage: %v", err)
		}
	}
	if err := store.SaveStageData(issue.ID, workflow.StageFinalOutput, map[string]any{"caption": "올여름은 하이볼"}); err != nil {
		t.Fatalf("SaveStageData: %v", err)
	}

	done, err := engine.Complete(ctx, issue.ID, "https://chat.example.com/threads/42")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Stage != workflow.StageComplete {
		t.Errorf("stage after complete = %s, want COMPLETE", done.Stage)
	}
	if done.ThreadURL != "https://chat.example.com/threads/42" {
		t.Errorf("thread URL = %q", done.ThreadURL)
	}

	finalData, err := store.GetStageData(issue.ID, workflow.StageFinalOutput)
	if err != nil {
		t.Fatalf("GetStageData: %v", err)
	}
	if !finalData.Approved() {
		t.Errorf("final output snapshot not approved: %+v", finalData)
	}

	titles, err := store.GetPublishedTopicTitles()
	if err != nil {
		t.Fatalf("GetPublishedTopicTitles: %v", err)
	}
	if len(titles) != 1 || titles[0] != "하이볼의 계절" {
		t.Errorf("published titles = %v", titles)
	}
}

func TestCompleteRefusedBeforeFinalOutput(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	issue, _ := engine.StartIssue(ctx, "channel-1")

	payload := map[string]any{
		"selectedTopic": map[string]any{"title": "너무 이른 주제"},
	}
	if err := store.SaveStageData(issue.ID, workflow.StageTopicSelection, payload); err != nil {
		t.Fatalf("SaveStageData: %v", err)
	}

	_, err := engine.Complete(ctx, issue.ID, "")
	var notFinal *workflow.NotFinalOutputError
	if !errors.As(err, &notFinal) {
		t.Fatalf("Complete at TOPIC_SELECTION error = %v, want NotFinalOutputError", err)
	}
	if notFinal.Stage != workflow.StageTopicSelection {
		t.Errorf("NotFinalOutputError.Stage = %s", notFinal.Stage)
	}

	// Neither the stage nor the published log moved.
	reloaded, err := store.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if reloaded.Stage != workflow.StageTopicSelection {
		t.Errorf("stage after refused complete = %s, want TOPIC_SELECTION", reloaded.Stage)
	}
	titles, err := store.GetPublishedTopicTitles()
	if err != nil {
		t.Fatalf("GetPublishedTopicTitles: %v", err)
	}
	if len(titles) != 0 {
		t.Errorf("published titles = %v, want none", titles)
	}

	_, err = engine.Complete(ctx, 999, "")
	var notFound *workflow.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Complete on unknown issue error = %v, want NotFoundError", err)
	}
}
