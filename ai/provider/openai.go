package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAIProvider calls the OpenAI chat completions API.
type OpenAIProvider struct {
	BaseProvider
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      ModelGPT4o,
		baseURL:    openaiBaseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// Available returns true if the API key is configured.
func (p *OpenAIProvider) Available() bool { return p.apiKey != "" }

type openaiRequest struct {
	Model          string          `json:"model"`
	ResponseFormat openaiRespFmt   `json:"response_format"`
	Messages       []openaiMessage `json:"messages"`
}

type openaiRespFmt struct {
	Type string `json:"type"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateJSON sends the prompts in JSON object mode and returns the
// raw JSON reply.
func (p *OpenAIProvider) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error) {
	if p.apiKey == "" {
		return nil, ErrProviderNotAvailable("openai")
	}
	if userPrompt == "" {
		userPrompt = "Generate the requested content."
	}

	body, err := json.Marshal(openaiRequest{
		Model:          p.model,
		ResponseFormat: openaiRespFmt{Type: "json_object"},
		Messages: []openaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read openai response: %w", err)
	}

	var parsed openaiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse openai response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("openai API error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	p.TrackUsage(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)

	return ExtractJSON(parsed.Choices[0].Message.Content)
}
