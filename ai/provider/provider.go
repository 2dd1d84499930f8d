// Package provider defines a unified interface for AI providers
// (Gemini, Claude, OpenAI) used by content generation.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ErrProviderNotAvailable is returned when a provider's API key is not configured.
type ErrProviderNotAvailable string

func (e ErrProviderNotAvailable) Error() string {
	return fmt.Sprintf("provider %s not available: API key not configured", string(e))
}

// Provider is the interface all AI providers must implement.
type Provider interface {
	// GenerateJSON sends the prompts and returns the raw JSON the model
	// produced. Providers request JSON output mode where supported.
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error)

	// Name returns the provider name (gemini, claude, openai).
	Name() string

	// Available returns true if the provider's API key is configured.
	Available() bool
}

// TokenUsage tracks cumulative token usage across requests.
type TokenUsage struct {
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	TotalRequests int64     `json:"total_requests"`
	LastUsed      time.Time `json:"last_used"`
}

// BaseProvider provides usage tracking shared by all providers.
type BaseProvider struct {
	mu    sync.Mutex
	usage TokenUsage
}

// TrackUsage records token usage from a response.
func (b *BaseProvider) TrackUsage(input, output int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.usage.InputTokens += int64(input)
	b.usage.OutputTokens += int64(output)
	b.usage.TotalRequests++
	b.usage.LastUsed = time.Now()
}

// GetUsage returns current token usage statistics.
func (b *BaseProvider) GetUsage() TokenUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage
}

// Model constants for all providers.
const (
	ModelGeminiFlash = "gemini-2.5-flash"
	ModelClaude      = "claude-sonnet-4-20250514"
	ModelGPT4o       = "gpt-4o"
)

// New creates a provider by name. An empty or unknown name falls back
// to Gemini, matching the pipeline's default configuration.
func New(name, apiKey string) Provider {
	switch name {
	case "claude":
		return NewClaudeProvider(apiKey)
	case "openai":
		return NewOpenAIProvider(apiKey)
	default:
		return NewGeminiProvider(apiKey)
	}
}
