package stages

import (
	"context"
	"fmt"

	"github.com/bottlenote/magpress/workflow"
)

// Runner dispatches an issue to the handler for its current stage. The
// engine invokes it on manual retries and when a stage needs to run
// after a transition.
type Runner struct {
	handlers *Handlers
	pipeline workflow.Pipeline
}

// NewRunner creates a stage runner over the handler set.
func NewRunner(handlers *Handlers, pipeline workflow.Pipeline) *Runner {
	return &Runner{handlers: handlers, pipeline: pipeline}
}

// Run executes the handler for the issue's current stage.
func (r *Runner) Run(ctx context.Context, issue *workflow.Issue) error {
	switch issue.Stage {
	case workflow.StageTopicSelection:
		_, err := r.handlers.TopicSelection(ctx, issue)
		return err
	case workflow.StageContentWriting:
		_, err := r.handlers.ContentWriting(ctx, issue)
		return err
	case workflow.StageImageGeneration:
		_, err := r.handlers.ImageGeneration(ctx, issue)
		return err
	case workflow.StageFigmaLayout:
		_, err := r.handlers.FigmaLayout(ctx, issue, r.pipeline.HasImageStage())
		return err
	case workflow.StageFinalOutput:
		_, err := r.handlers.FinalOutput(ctx, issue)
		return err
	case workflow.StageComplete:
		return &workflow.AlreadyTerminalError{IssueID: issue.ID}
	default:
		return fmt.Errorf("no handler for stage %q", issue.Stage)
	}
}
