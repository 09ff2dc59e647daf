package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OpenAICompatConfig configures the OpenAI-compatible chat completions
// adapter. Any endpoint speaking that dialect works.
type OpenAICompatConfig struct {
	Provider string // adapter name; defaults to "openai-compat"
	APIKey   string
	BaseURL  string
	Path     string // defaults to /v1/chat/completions
}

// OpenAICompatAdapter implements ProviderAdapter over the chat completions
// HTTP dialect.
type OpenAICompatAdapter struct {
	cfg    OpenAICompatConfig
	client *http.Client
}

// NewOpenAICompatAdapter builds an adapter. Timeouts are owned by the
// caller's context, not the HTTP client.
func NewOpenAICompatAdapter(cfg OpenAICompatConfig) *OpenAICompatAdapter {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/chat/completions"
	}
	if strings.TrimSpace(cfg.Provider) == "" {
		cfg.Provider = "openai-compat"
	}
	return &OpenAICompatAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 0},
	}
}

func (a *OpenAICompatAdapter) Name() string { return a.cfg.Provider }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete issues one blocking chat completion call.
func (a *OpenAICompatAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	var msgs []chatMessage
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{Model: req.Model, Messages: msgs, MaxTokens: req.MaxTokens}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+a.cfg.Path, bytes.NewReader(raw))
	if err != nil {
		return Response{}, WrapContextError(a.cfg.Provider, err)
	}
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, WrapContextError(a.cfg.Provider, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Response{}, WrapContextError(a.cfg.Provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(payload))
		var parsed chatResponse
		if json.Unmarshal(payload, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return Response{}, ErrorFromHTTPStatus(a.cfg.Provider, resp.StatusCode, msg, parseRetryAfter(resp.Header))
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, ErrorFromHTTPStatus(a.cfg.Provider, resp.StatusCode, "response carried no choices", nil)
	}
	return Response{
		Text: parsed.Choices[0].Message.Content,
		Usage: TokenStats{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}
