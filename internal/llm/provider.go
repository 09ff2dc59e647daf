package llm

import "context"

// Request is one completion request to a provider.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// TokenStats reports token usage for one call or, accumulated, for a run.
type TokenStats struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Add accumulates usage.
func (t *TokenStats) Add(other TokenStats) {
	t.PromptTokens += other.PromptTokens
	t.CompletionTokens += other.CompletionTokens
}

// Response is a provider's completion output.
type Response struct {
	Text  string
	Usage TokenStats
}

// ProviderAdapter abstracts one LLM provider wire format.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}
