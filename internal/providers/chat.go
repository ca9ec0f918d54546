package providers

import (
	"context"
	"strings"

	"github.com/rendis/engageflow/pkg/schema"
)

// ChatProvider is an AIProvider backed by an OpenAI-compatible
// /chat/completions endpoint.
type ChatProvider struct {
	http         *httpClient
	defaultModel string
}

// NewChatProvider creates a provider. model is used when a request does not name one.
func NewChatProvider(cfg HTTPConfig, model string) *ChatProvider {
	return &ChatProvider{http: newHTTPClient(cfg), defaultModel: model}
}

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
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// GenerateResponse implements AIProvider.
func (p *ChatProvider) GenerateResponse(ctx context.Context, systemPrompt, userMessage string, opts Options) (*Completion, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "chat provider: no model configured")
	}

	req := chatRequest{
		Model:       model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if strings.TrimSpace(systemPrompt) != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: userMessage})

	var resp chatResponse
	if err := p.http.postJSON(ctx, "/chat/completions", nil, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeExecution, "chat provider: response has no choices")
	}

	choice := resp.Choices[0]
	return &Completion{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage,
	}, nil
}

var _ AIProvider = (*ChatProvider)(nil)
