package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	claudeBaseURL    = "https://api.anthropic.com"
	claudeAPIVersion = "2023-06-01"
)

// ClaudeProvider calls the Anthropic messages API.
type ClaudeProvider struct {
	BaseProvider
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClaudeProvider creates a Claude provider.
func NewClaudeProvider(apiKey string) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:     apiKey,
		model:      ModelClaude,
		baseURL:    claudeBaseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Name returns the provider name.
func (p *ClaudeProvider) Name() string { return "claude" }

// Available returns true if the API key is configured.
func (p *ClaudeProvider) Available() bool { return p.apiKey != "" }

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateJSON sends the prompts and parses the model's JSON reply.
// Claude has no JSON output mode, so the response is trimmed of any
// markdown code fence before use.
func (p *ClaudeProvider) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error) {
	if p.apiKey == "" {
		return nil, ErrProviderNotAvailable("claude")
	}
	if userPrompt == "" {
		userPrompt = "Generate the requested content as JSON."
	}

	body, err := json.Marshal(claudeRequest{
		Model:     p.model,
		MaxTokens: 16384,
		System:    systemPrompt,
		Messages:  []claudeMessage{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", claudeAPIVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claude request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read claude response: %w", err)
	}

	var parsed claudeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse claude response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("claude API error (%s): %s", parsed.Error.Type, parsed.Error.Message)
		}
		return nil, fmt.Errorf("claude API returned status %d", resp.StatusCode)
	}

	p.TrackUsage(parsed.Usage.InputTokens, parsed.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ExtractJSON(text.String())
}

// ExtractJSON strips markdown code fences and surrounding prose from a
// model reply, returning the JSON object or array inside.
func ExtractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	// Fall back to the first JSON delimiter if prose surrounds it.
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		objIdx := strings.Index(trimmed, "{")
		arrIdx := strings.Index(trimmed, "[")
		idx := objIdx
		if idx < 0 || (arrIdx >= 0 && arrIdx < idx) {
			idx = arrIdx
		}
		if idx < 0 {
			return nil, fmt.Errorf("no JSON found in model reply")
		}
		trimmed = trimmed[idx:]
	}

	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("model reply is not valid JSON")
	}
	return json.RawMessage(trimmed), nil
}
