package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient talks to the OpenAI chat completions API or any server
// that speaks it (set a base URL).
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger, opts ...option.RequestOption) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	var base []option.RequestOption
	if apiKey != "" {
		base = append(base, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		base = append(base, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(append(base, opts...)...),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a non-streaming chat completion.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == "assistant" {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
			continue
		}
		msgs = append(msgs, openai.UserMessage(m.Content))
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	c.logger.Debug("sending request", "model", req.Model, "messages", len(msgs), "json", req.JSON)

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat completion: no choices returned")
	}

	return &ChatResponse{
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		Duration:     time.Since(start),
	}, nil
}
