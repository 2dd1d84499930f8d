// Package workflow provides the stage-progression core for the magazine
// pipeline: the stage machine, the workflow engine, and the retry/recovery
// layer. It tracks issues through ordered, approval-gated stages.
package workflow

import "fmt"

// Stage represents one phase of the magazine production pipeline.
type Stage string

const (
	StageTopicSelection  Stage = "TOPIC_SELECTION"  // AI proposes topics, human picks one
	StageContentWriting  Stage = "CONTENT_WRITING"  // AI writes card content for the topic
	StageImageGeneration Stage = "IMAGE_GENERATION" // Image prompts built, images collected (optional)
	StageFigmaLayout     Stage = "FIGMA_LAYOUT"     // Figma plugin lays out the cards
	StageFinalOutput     Stage = "FINAL_OUTPUT"     // Caption + hashtags, ready to publish
	StageComplete        Stage = "COMPLETE"         // Terminal: published or cancelled
)

// transition describes the single legal successor of a stage.
type transition struct {
	next      Stage
	canReject bool
}

// Pipeline is a pure, immutable description of the legal stage order.
// It holds no mutable state and performs no I/O; the engine consults it
// on every transition decision.
type Pipeline struct {
	transitions map[Stage]transition
}

// NewPipeline builds the stage transition table. When withImages is true
// an image generation stage is inserted between content writing and
// figma layout.
func NewPipeline(withImages bool) Pipeline {
	t := map[Stage]transition{
		StageTopicSelection: {next: StageContentWriting, canReject: true},
		StageContentWriting: {next: StageFigmaLayout, canReject: true},
		StageFigmaLayout:    {next: StageFinalOutput, canReject: true},
		StageFinalOutput:    {next: StageComplete, canReject: false},
	}
	if withImages {
		t[StageContentWriting] = transition{next: StageImageGeneration, canReject: true}
		t[StageImageGeneration] = transition{next: StageFigmaLayout, canReject: true}
	}
	return Pipeline{transitions: t}
}

// NextStage returns the successor of current, or "" if current is
// terminal or unrecognized.
func (p Pipeline) NextStage(current Stage) Stage {
	return p.transitions[current].next
}

// CanReject reports whether the current stage may be re-run via the
// reject path. The final output stage can only be regenerated in place,
// never rejected.
func (p Pipeline) CanReject(stage Stage) bool {
	return p.transitions[stage].canReject
}

// IsTerminal reports whether stage is the terminal COMPLETE stage.
func IsTerminal(stage Stage) bool {
	return stage == StageComplete
}

// HasImageStage reports whether the pipeline includes the optional image
// generation stage.
func (p Pipeline) HasImageStage() bool {
	_, ok := p.transitions[StageImageGeneration]
	return ok
}

// Stages returns the pipeline's stages in order, ending with COMPLETE.
func (p Pipeline) Stages() []Stage {
	stages := []Stage{StageTopicSelection}
	for cur := StageTopicSelection; !IsTerminal(cur); {
		next := p.NextStage(cur)
		if next == "" {
			break
		}
		stages = append(stages, next)
		cur = next
	}
	return stages
}

// stageLabels maps stages to the human-readable names used in thread
// titles and operator messages.
var stageLabels = map[Stage]string{
	StageTopicSelection:  "Topic Selection",
	StageContentWriting:  "Content Writing",
	StageImageGeneration: "Image Generation",
	StageFigmaLayout:     "Figma Layout",
	StageFinalOutput:     "Final Output",
	StageComplete:        "Complete",
}

// Label returns the human-readable name for a stage.
func Label(stage Stage) string {
	if l, ok := stageLabels[stage]; ok {
		return l
	}
	return string(stage)
}

// ParseStage converts a raw string to a Stage, rejecting unknown values.
func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if _, ok := stageLabels[stage]; !ok {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return stage, nil
}
