// Package ai generates magazine content (topics, cards, captions)
// through a pluggable model provider.
package ai

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bottlenote/magpress/ai/provider"
	"github.com/bottlenote/magpress/search"
)

//go:embed prompts/*.md
var promptFS embed.FS

// Card is a single magazine card. Cover and closing cards bookend the
// content cards.
type Card struct {
	Type       string `json:"type"` // cover, content, closing
	Heading    string `json:"heading"`
	Body       string `json:"body"`
	ImageRef   string `json:"imageRef,omitempty"`
	MJKeywords string `json:"mjKeywords,omitempty"`
}

// Topic is a candidate magazine issue topic with its full card set.
type Topic struct {
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle"`
	Description   string   `json:"description"`
	CardStructure []string `json:"cardStructure"`
	Cards         []Card   `json:"cards"`
	Caption       string   `json:"caption"`
	Hashtags      []string `json:"hashtags"`
}

// Generator produces magazine content. Implementations call an AI
// provider; tests substitute a fake.
type Generator interface {
	// Topics proposes three topic candidates, avoiding recently
	// published titles.
	Topics(ctx context.Context, recentTopics []string) ([]Topic, error)

	// TopicFromSearch builds a single topic from a chosen search result.
	TopicFromSearch(ctx context.Context, result search.Result, recentTopics []string) (*Topic, error)

	// Content writes the card set for an approved topic.
	Content(ctx context.Context, topic Topic) ([]Card, error)

	// Caption writes the Instagram caption and hashtags for the final
	// card set.
	Caption(ctx context.Context, cards []Card) (string, []string, error)
}

// Service implements Generator on top of a model provider.
type Service struct {
	provider provider.Provider
}

// NewService creates a content generation service.
func NewService(p provider.Provider) *Service {
	return &Service{provider: p}
}

var ifBlockRe = regexp.MustCompile(`\{\{#if (\w+)\}\}([\s\S]*?)\{\{/if\}\}`)

// loadPrompt reads an embedded prompt template and substitutes
// {{var}} placeholders. {{#if var}}...{{/if}} blocks are kept only
// when the variable is set.
func loadPrompt(name string, vars map[string]string) (string, error) {
	data, err := promptFS.ReadFile("prompts/" + name + ".md")
	if err != nil {
		return "", fmt.Errorf("failed to load prompt %s: %w", name, err)
	}

	content := string(data)
	content = ifBlockRe.ReplaceAllStringFunc(content, func(match string) string {
		parts := ifBlockRe.FindStringSubmatch(match)
		if vars[parts[1]] != "" {
			return parts[2]
		}
		return ""
	})
	for key, value := range vars {
		content = strings.ReplaceAll(content, "{{"+key+"}}", value)
	}
	return content, nil
}

func recentTopicsVar(recentTopics []string) string {
	if len(recentTopics) == 0 {
		return ""
	}
	lines := make([]string, len(recentTopics))
	for i, t := range recentTopics {
		lines[i] = "- " + t
	}
	return strings.Join(lines, "\n")
}

// Topics proposes three topic candidates with full card sets.
func (s *Service) Topics(ctx context.Context, recentTopics []string) ([]Topic, error) {
	systemPrompt, err := loadPrompt("topic-selection", map[string]string{
		"recentTopics": recentTopicsVar(recentTopics),
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.provider.GenerateJSON(ctx, systemPrompt,
		"다음 매거진 이슈를 위한 주제 3가지를 제안해주세요. 각 주제마다 카드 콘텐츠와 해시태그를 모두 포함해서 작성해주세요.")
	if err != nil {
		return nil, fmt.Errorf("topic generation failed: %w", err)
	}

	var parsed struct {
		Topics []Topic `json:"topics"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse topics: %w", err)
	}
	if len(parsed.Topics) == 0 {
		return nil, fmt.Errorf("model returned no topics")
	}
	return parsed.Topics, nil
}

// TopicFromSearch builds a single topic anchored on a search result.
func (s *Service) TopicFromSearch(ctx context.Context, result search.Result, recentTopics []string) (*Topic, error) {
	systemPrompt, err := loadPrompt("topic-from-search", map[string]string{
		"recentTopics": recentTopicsVar(recentTopics),
		"searchTitle":  result.Title,
		"searchURL":    result.URL,
		"searchDesc":   result.Description,
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.provider.GenerateJSON(ctx, systemPrompt,
		"위 검색 결과를 바탕으로 매거진 주제 1개를 카드 콘텐츠와 해시태그를 포함해 작성해주세요.")
	if err != nil {
		return nil, fmt.Errorf("search topic generation failed: %w", err)
	}

	var parsed struct {
		Topic *Topic `json:"topic"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search topic: %w", err)
	}
	if parsed.Topic != nil {
		return parsed.Topic, nil
	}
	// Some models flatten the topic to the top level.
	var topic Topic
	if err := json.Unmarshal(raw, &topic); err != nil || topic.Title == "" {
		return nil, fmt.Errorf("model returned no topic")
	}
	return &topic, nil
}

// Content writes the card set for an approved topic.
func (s *Service) Content(ctx context.Context, topic Topic) ([]Card, error) {
	systemPrompt, err := loadPrompt("content-writing", map[string]string{
		"title":         topic.Title,
		"subtitle":      topic.Subtitle,
		"description":   topic.Description,
		"cardStructure": strings.Join(topic.CardStructure, "\n"),
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.provider.GenerateJSON(ctx, systemPrompt,
		"위 주제로 매거진 카드 콘텐츠를 작성해주세요.")
	if err != nil {
		return nil, fmt.Errorf("content generation failed: %w", err)
	}

	var parsed struct {
		Cards []Card `json:"cards"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse cards: %w", err)
	}
	if len(parsed.Cards) == 0 {
		return nil, fmt.Errorf("model returned no cards")
	}
	return parsed.Cards, nil
}

// Caption writes the Instagram caption and hashtags for the card set.
func (s *Service) Caption(ctx context.Context, cards []Card) (string, []string, error) {
	var summary strings.Builder
	for _, card := range cards {
		summary.WriteString(card.Heading)
		summary.WriteString(": ")
		summary.WriteString(card.Body)
		summary.WriteString("\n")
	}

	systemPrompt, err := loadPrompt("caption", map[string]string{
		"cards": summary.String(),
	})
	if err != nil {
		return "", nil, err
	}

	raw, err := s.provider.GenerateJSON(ctx, systemPrompt,
		"위 카드 내용으로 인스타그램 캡션과 해시태그를 작성해주세요.")
	if err != nil {
		return "", nil, fmt.Errorf("caption generation failed: %w", err)
	}

	var parsed struct {
		Caption  string   `json:"caption"`
		Hashtags []string `json:"hashtags"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", nil, fmt.Errorf("failed to parse caption: %w", err)
	}
	if parsed.Caption == "" {
		return "", nil, fmt.Errorf("model returned no caption")
	}
	return parsed.Caption, parsed.Hashtags, nil
}

// BuildImagePrompts turns cards carrying image keywords into
// Midjourney prompts. Cover cards get the magazine cover treatment.
func BuildImagePrompts(cards []Card) []string {
	var prompts []string
	for _, card := range cards {
		if card.MJKeywords == "" {
			continue
		}
		if card.Type == "cover" {
			prompts = append(prompts, card.MJKeywords+", magazine cover layout, whiskey photography, dark moody lighting, editorial magazine style --ar 4:5 --v 6 --style raw")
		} else {
			prompts = append(prompts, card.MJKeywords+", whiskey photography, dark moody lighting, editorial magazine style --ar 4:5 --v 6 --style raw")
		}
	}
	return prompts
}
