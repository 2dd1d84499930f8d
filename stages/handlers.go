package stages

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bottlenote/magpress/ai"
	"github.com/bottlenote/magpress/search"
	"github.com/bottlenote/magpress/workflow"
)

// Searcher supplies trend material for search-based topic selection.
// *search.Client implements it; tests substitute a fake.
type Searcher interface {
	TrendSearch(ctx context.Context) ([]search.Result, error)
	SearchByKeyword(ctx context.Context, keyword string) ([]search.Result, error)
}

// Handlers implements each pipeline stage. Fallible model calls run
// under the recovery layer; persistence failures propagate directly.
type Handlers struct {
	store    workflow.Store
	recovery *workflow.Recovery
	gen      ai.Generator
	searcher Searcher
	notifier workflow.Notifier
	logger   *slog.Logger
}

// NewHandlers wires the stage handlers. searcher and notifier may be
// nil; search-based topic selection then reports unavailable and
// notifications are skipped.
func NewHandlers(store workflow.Store, recovery *workflow.Recovery, gen ai.Generator, searcher Searcher, notifier workflow.Notifier, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:    store,
		recovery: recovery,
		gen:      gen,
		searcher: searcher,
		notifier: notifier,
		logger:   logger,
	}
}

func (h *Handlers) notify(ctx context.Context, issue *workflow.Issue, message string) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Send(ctx, issue.ChannelID, message); err != nil {
		h.logger.Warn("notification failed", "issue", issue.ID, "error", err)
	}
}

// TopicSelection runs the classic topic flow: generate three candidate
// topics, avoiding recently published titles, and persist them as a
// pending snapshot awaiting a pick.
func (h *Handlers) TopicSelection(ctx context.Context, issue *workflow.Issue) (*TopicPayload, error) {
	recent, err := h.store.GetPublishedTopicTitles()
	if err != nil {
		return nil, fmt.Errorf("load published topics: %w", err)
	}

	topics, err := workflow.ExecuteWithRetry(ctx, h.recovery, issue.ID, workflow.StageTopicSelection,
		func(ctx context.Context) ([]ai.Topic, error) {
			return h.gen.Topics(ctx, recent)
		}, h.onRetry(issue), nil)
	if err != nil {
		return nil, err
	}

	payload := &TopicPayload{Topics: topics, Mode: "classic"}
	if err := h.store.SaveStageData(issue.ID, workflow.StageTopicSelection, payload); err != nil {
		return nil, fmt.Errorf("save topic data: %w", err)
	}

	h.notify(ctx, issue, fmt.Sprintf("매거진 #%d 주제 후보 %d개가 준비되었습니다.", issue.IssueNumber, len(topics)))
	return payload, nil
}

// TopicSearch collects trend search results and persists them so an
// operator can pick one for search-based topic generation.
func (h *Handlers) TopicSearch(ctx context.Context, issue *workflow.Issue, keyword string) (*TopicPayload, error) {
	if h.searcher == nil {
		return nil, fmt.Errorf("search is not configured")
	}

	var results []search.Result
	var err error
	if keyword != "" {
		results, err = h.searcher.SearchByKeyword(ctx, keyword)
	} else {
		results, err = h.searcher.TrendSearch(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("trend search: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no search results found")
	}

	payload := &TopicPayload{Mode: "search", SearchResults: results}
	if err := h.store.SaveStageData(issue.ID, workflow.StageTopicSelection, payload); err != nil {
		return nil, fmt.Errorf("save search results: %w", err)
	}
	return payload, nil
}

// TopicFromSearch generates a single topic from the search result at
// resultIndex in the latest topic snapshot, then persists it as the
// selected topic.
func (h *Handlers) TopicFromSearch(ctx context.Context, issue *workflow.Issue, resultIndex int) (*TopicPayload, error) {
	data, err := h.store.GetStageData(issue.ID, workflow.StageTopicSelection)
	if err != nil {
		return nil, fmt.Errorf("load topic data: %w", err)
	}
	payload, err := DecodeTopic(data)
	if err != nil {
		return nil, err
	}
	if resultIndex < 0 || resultIndex >= len(payload.SearchResults) {
		return nil, fmt.Errorf("search result index %d out of range", resultIndex)
	}
	selected := payload.SearchResults[resultIndex]

	recent, err := h.store.GetPublishedTopicTitles()
	if err != nil {
		return nil, fmt.Errorf("load published topics: %w", err)
	}

	topic, err := workflow.ExecuteWithRetry(ctx, h.recovery, issue.ID, workflow.StageTopicSelection,
		func(ctx context.Context) (*ai.Topic, error) {
			return h.gen.TopicFromSearch(ctx, selected, recent)
		}, h.onRetry(issue), nil)
	if err != nil {
		return nil, err
	}

	zero := 0
	payload.Topics = []ai.Topic{*topic}
	payload.SelectedTopicIndex = &zero
	payload.SelectedTopic = topic
	payload.SelectedSearchResult = &selected

	if err := h.store.SaveStageData(issue.ID, workflow.StageTopicSelection, payload); err != nil {
		return nil, fmt.Errorf("save topic data: %w", err)
	}

	h.notify(ctx, issue, fmt.Sprintf("매거진 #%d 검색 기반 주제가 준비되었습니다: %s", issue.IssueNumber, topic.Title))
	return payload, nil
}

// SelectTopic records the operator's pick and approves the snapshot,
// unblocking content writing.
func (h *Handlers) SelectTopic(ctx context.Context, issueID int64, topicIndex int) (*TopicPayload, error) {
	data, err := h.store.GetStageData(issueID, workflow.StageTopicSelection)
	if err != nil {
		return nil, fmt.Errorf("load topic data: %w", err)
	}
	payload, err := DecodeTopic(data)
	if err != nil {
		return nil, err
	}
	if topicIndex < 0 || topicIndex >= len(payload.Topics) {
		return nil, fmt.Errorf("topic index %d out of range", topicIndex)
	}

	payload.SelectedTopicIndex = &topicIndex
	payload.SelectedTopic = &payload.Topics[topicIndex]

	if err := h.store.SaveStageData(issueID, workflow.StageTopicSelection, payload); err != nil {
		return nil, fmt.Errorf("save topic selection: %w", err)
	}
	if err := h.approveLatest(issueID, workflow.StageTopicSelection); err != nil {
		return nil, err
	}
	return payload, nil
}

// ContentWriting writes the card set for the approved topic. Requires
// an approved topic snapshot with a selected topic.
func (h *Handlers) ContentWriting(ctx context.Context, issue *workflow.Issue) (*ContentPayload, error) {
	topicData, err := h.store.GetStageData(issue.ID, workflow.StageTopicSelection)
	if err != nil {
		return nil, fmt.Errorf("load topic data: %w", err)
	}
	if !topicData.Approved() {
		return nil, &workflow.PreconditionError{Stage: workflow.StageContentWriting, Requires: workflow.StageTopicSelection}
	}
	topicPayload, err := DecodeTopic(topicData)
	if err != nil {
		return nil, err
	}
	if topicPayload.SelectedTopic == nil {
		return nil, &workflow.PreconditionError{Stage: workflow.StageContentWriting, Requires: workflow.StageTopicSelection}
	}
	topic := *topicPayload.SelectedTopic

	cards, err := workflow.ExecuteWithRetry(ctx, h.recovery, issue.ID, workflow.StageContentWriting,
		func(ctx context.Context) ([]ai.Card, error) {
			return h.gen.Content(ctx, topic)
		}, h.onRetry(issue), nil)
	if err != nil {
		return nil, err
	}

	payload := &ContentPayload{Topic: topic, Cards: cards}
	if err := h.store.SaveStageData(issue.ID, workflow.StageContentWriting, payload); err != nil {
		return nil, fmt.Errorf("save content data: %w", err)
	}

	h.notify(ctx, issue, fmt.Sprintf("매거진 #%d 카드 %d장이 작성되었습니다.", issue.IssueNumber, len(cards)))
	return payload, nil
}

// ImageGeneration builds image prompts from the approved cards and
// persists them with an empty image mapping for collection.
func (h *Handlers) ImageGeneration(ctx context.Context, issue *workflow.Issue) (*ImagePayload, error) {
	content, err := h.approvedContent(issue.ID, workflow.StageImageGeneration)
	if err != nil {
		return nil, err
	}

	payload := &ImagePayload{
		Cards:        content.Cards,
		Prompts:      ai.BuildImagePrompts(content.Cards),
		ImageMapping: map[int]string{},
	}
	if err := h.store.SaveStageData(issue.ID, workflow.StageImageGeneration, payload); err != nil {
		return nil, fmt.Errorf("save image data: %w", err)
	}

	h.notify(ctx, issue, fmt.Sprintf("매거진 #%d 이미지 프롬프트 %d개가 준비되었습니다.", issue.IssueNumber, len(payload.Prompts)))
	return payload, nil
}

// CollectImages records collected image URLs against card indexes in a
// fresh image snapshot.
func (h *Handlers) CollectImages(ctx context.Context, issueID int64, mapping map[int]string) (*ImagePayload, error) {
	data, err := h.store.GetStageData(issueID, workflow.StageImageGeneration)
	if err != nil {
		return nil, fmt.Errorf("load image data: %w", err)
	}
	payload, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}

	if payload.ImageMapping == nil {
		payload.ImageMapping = map[int]string{}
	}
	for idx, url := range mapping {
		payload.ImageMapping[idx] = url
	}

	if err := h.store.SaveStageData(issueID, workflow.StageImageGeneration, payload); err != nil {
		return nil, fmt.Errorf("save image mapping: %w", err)
	}
	return payload, nil
}

// FigmaLayout assembles the layout snapshot served to the plugin from
// the approved content and, when the pipeline has an image stage, the
// approved image mapping.
func (h *Handlers) FigmaLayout(ctx context.Context, issue *workflow.Issue, withImages bool) (*LayoutPayload, error) {
	content, err := h.approvedContent(issue.ID, workflow.StageFigmaLayout)
	if err != nil {
		return nil, err
	}

	imageMapping := map[int]string{}
	if withImages {
		imageData, err := h.store.GetStageData(issue.ID, workflow.StageImageGeneration)
		if err != nil {
			return nil, fmt.Errorf("load image data: %w", err)
		}
		if !imageData.Approved() {
			return nil, &workflow.PreconditionError{Stage: workflow.StageFigmaLayout, Requires: workflow.StageImageGeneration}
		}
		imagePayload, err := DecodeImage(imageData)
		if err != nil {
			return nil, err
		}
		imageMapping = imagePayload.ImageMapping
	}

	payload := &LayoutPayload{
		Topic:        content.Topic,
		Cards:        content.Cards,
		ImageMapping: imageMapping,
	}
	if err := h.store.SaveStageData(issue.ID, workflow.StageFigmaLayout, payload); err != nil {
		return nil, fmt.Errorf("save layout data: %w", err)
	}

	h.notify(ctx, issue, fmt.Sprintf("매거진 #%d 레이아웃 데이터가 준비되었습니다. Figma 플러그인을 실행하세요.", issue.IssueNumber))
	return payload, nil
}

// FinalOutput writes the Instagram caption and hashtags from the
// approved cards.
func (h *Handlers) FinalOutput(ctx context.Context, issue *workflow.Issue) (*CaptionPayload, error) {
	content, err := h.approvedContent(issue.ID, workflow.StageFinalOutput)
	if err != nil {
		return nil, err
	}

	payload, err := workflow.ExecuteWithRetry(ctx, h.recovery, issue.ID, workflow.StageFinalOutput,
		func(ctx context.Context) (*CaptionPayload, error) {
			caption, hashtags, err := h.gen.Caption(ctx, content.Cards)
			if err != nil {
				return nil, err
			}
			return &CaptionPayload{Caption: caption, Hashtags: hashtags}, nil
		}, h.onRetry(issue), nil)
	if err != nil {
		return nil, err
	}

	if err := h.store.SaveStageData(issue.ID, workflow.StageFinalOutput, payload); err != nil {
		return nil, fmt.Errorf("save caption data: %w", err)
	}

	h.notify(ctx, issue, fmt.Sprintf("매거진 #%d 최종 산출물이 준비되었습니다.", issue.IssueNumber))
	return payload, nil
}

// ApproveStage approves the latest snapshot for an (issue, stage) pair.
func (h *Handlers) ApproveStage(issueID int64, stage workflow.Stage) error {
	return h.approveLatest(issueID, stage)
}

func (h *Handlers) approveLatest(issueID int64, stage workflow.Stage) error {
	data, err := h.store.GetStageData(issueID, stage)
	if err != nil {
		return fmt.Errorf("load %s data: %w", workflow.Label(stage), err)
	}
	if data == nil {
		return fmt.Errorf("no %s data to approve", workflow.Label(stage))
	}
	if err := h.store.ApproveStageData(data.ID); err != nil {
		return fmt.Errorf("approve %s data: %w", workflow.Label(stage), err)
	}
	return nil
}

// approvedContent loads and decodes the approved content snapshot, or
// raises the precondition violation for the requesting stage.
func (h *Handlers) approvedContent(issueID int64, forStage workflow.Stage) (*ContentPayload, error) {
	data, err := h.store.GetStageData(issueID, workflow.StageContentWriting)
	if err != nil {
		return nil, fmt.Errorf("load content data: %w", err)
	}
	if !data.Approved() {
		return nil, &workflow.PreconditionError{Stage: forStage, Requires: workflow.StageContentWriting}
	}
	return DecodeContent(data)
}

// onRetry notifies the channel that an attempt failed and a retry is
// pending.
func (h *Handlers) onRetry(issue *workflow.Issue) workflow.OnRetryFunc {
	return func(ctx context.Context, attempt, maxRetries int, err error, nextDelay time.Duration) {
		h.logger.Info("retrying stage handler",
			"issue", issue.ID, "attempt", attempt, "max", maxRetries, "delay", nextDelay)
		h.notify(ctx, issue, fmt.Sprintf("처리 중 오류가 발생했습니다. 재시도 중... (%d/%d)", attempt, maxRetries))
	}
}
