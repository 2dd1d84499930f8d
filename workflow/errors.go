package workflow

import "fmt"

// NotFoundError indicates the referenced issue does not exist. It is
// surfaced to the operator directly and never retried.
type NotFoundError struct {
	IssueID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("issue %d not found", e.IssueID)
}

// AlreadyTerminalError indicates an operation on an issue whose stage is
// already COMPLETE.
type AlreadyTerminalError struct {
	IssueID int64
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("issue %d is already complete", e.IssueID)
}

// NoTransitionError indicates the current stage has no defined successor.
type NoTransitionError struct {
	Stage Stage
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("no next stage for %s", e.Stage)
}

// CannotRejectError indicates a re-run was requested for a stage that
// does not allow it.
type CannotRejectError struct {
	Stage Stage
}

func (e *CannotRejectError) Error() string {
	return fmt.Sprintf("stage %s cannot be re-run via reject", e.Stage)
}

// NotFinalOutputError indicates Complete was requested for an issue
// that has not reached FINAL_OUTPUT yet. Completing early would publish
// the topic title prematurely, so this is refused outright.
type NotFinalOutputError struct {
	IssueID int64
	Stage   Stage
}

func (e *NotFinalOutputError) Error() string {
	return fmt.Sprintf("issue %d is at %s; only %s issues can be completed", e.IssueID, e.Stage, Label(StageFinalOutput))
}

// PreconditionError indicates a stage handler ran before its
// prerequisite stage's data was approved. Structural, never retried.
type PreconditionError struct {
	Stage    Stage // the stage whose handler was invoked
	Requires Stage // the stage whose approved data is missing
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s requires approved %s data", Label(e.Stage), Label(e.Requires))
}

// StageExhaustedError is raised when the recovery layer runs out of
// retry attempts. It carries the stage, the retry budget, and the last
// underlying error; operators are expected to investigate and use the
// manual retry controls.
type StageExhaustedError struct {
	Stage    Stage
	Attempts int
	LastErr  error
}

func (e *StageExhaustedError) Error() string {
	return fmt.Sprintf("%s stage failed after %d attempts: %v (use the retry command to try again)",
		Label(e.Stage), e.Attempts, e.LastErr)
}

func (e *StageExhaustedError) Unwrap() error {
	return e.LastErr
}
