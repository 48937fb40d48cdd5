package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 1024

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. Extra request
// options (base URL, HTTP client) are passed through to the SDK.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...option.RequestOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if apiKey != "" {
		opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		client: &client,
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends a non-streaming Messages request.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertToAnthropic(req.Messages),
		MaxTokens: maxTokens,
	}
	if system := systemWithJSON(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	c.logger.Debug("sending request", "model", req.Model, "messages", len(req.Messages), "json", req.JSON)

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	return &ChatResponse{
		Model:        string(resp.Model),
		Content:      text.String(),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Duration:     time.Since(start),
	}, nil
}

// convertToAnthropic maps messages onto user/assistant turns. Anthropic
// has no system role inside the message list; stray system messages are
// sent as user text.
func convertToAnthropic(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}
