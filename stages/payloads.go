// Package stages implements the handler for each pipeline stage. A
// handler generates its stage's output, persists a snapshot, and
// leaves stage progression to the workflow engine.
package stages

import (
	"encoding/json"
	"fmt"

	"github.com/bottlenote/magpress/ai"
	"github.com/bottlenote/magpress/search"
	"github.com/bottlenote/magpress/workflow"
)

// TopicPayload is the topic selection snapshot. Classic mode carries
// three candidates; search mode carries the search results and, once a
// result is chosen, a single generated topic.
type TopicPayload struct {
	Topics               []ai.Topic      `json:"topics,omitempty"`
	Mode                 string          `json:"mode,omitempty"` // classic or search
	SearchResults        []search.Result `json:"searchResults,omitempty"`
	SelectedTopicIndex   *int            `json:"selectedTopicIndex,omitempty"`
	SelectedTopic        *ai.Topic       `json:"selectedTopic,omitempty"`
	SelectedSearchResult *search.Result  `json:"selectedSearchResult,omitempty"`
}

// ContentPayload is the content writing snapshot.
type ContentPayload struct {
	Topic ai.Topic  `json:"topic"`
	Cards []ai.Card `json:"cards"`
}

// ImagePayload is the image generation snapshot. ImageMapping maps a
// card index to the collected image URL for that card.
type ImagePayload struct {
	Cards        []ai.Card      `json:"cards"`
	Prompts      []string       `json:"prompts"`
	ImageMapping map[int]string `json:"imageMapping"`
}

// LayoutPayload is the figma layout snapshot served to the plugin.
type LayoutPayload struct {
	Topic        ai.Topic       `json:"topic"`
	Cards        []ai.Card      `json:"cards"`
	ImageMapping map[int]string `json:"imageMapping"`
}

// CaptionPayload is the final output snapshot.
type CaptionPayload struct {
	Caption  string   `json:"caption"`
	Hashtags []string `json:"hashtags"`
}

// DecodeTopic parses a topic selection snapshot.
func DecodeTopic(data *workflow.StageData) (*TopicPayload, error) {
	return decode[TopicPayload](data, workflow.StageTopicSelection)
}

// DecodeContent parses a content writing snapshot.
func DecodeContent(data *workflow.StageData) (*ContentPayload, error) {
	return decode[ContentPayload](data, workflow.StageContentWriting)
}

// DecodeImage parses an image generation snapshot.
func DecodeImage(data *workflow.StageData) (*ImagePayload, error) {
	return decode[ImagePayload](data, workflow.StageImageGeneration)
}

// DecodeLayout parses a figma layout snapshot.
func DecodeLayout(data *workflow.StageData) (*LayoutPayload, error) {
	return decode[LayoutPayload](data, workflow.StageFigmaLayout)
}

// DecodeCaption parses a final output snapshot.
func DecodeCaption(data *workflow.StageData) (*CaptionPayload, error) {
	return decode[CaptionPayload](data, workflow.StageFinalOutput)
}

func decode[T any](data *workflow.StageData, stage workflow.Stage) (*T, error) {
	if data == nil {
		return nil, fmt.Errorf("no %s data", workflow.Label(stage))
	}
	var payload T
	if err := json.Unmarshal([]byte(data.DataJSON), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse %s data: %w", workflow.Label(stage), err)
	}
	return &payload, nil
}
