package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/nugget/companion-agent/internal/httpkit"
)

// OllamaClient talks to a local or remote Ollama server.
type OllamaClient struct {
	client *api.Client
	logger *slog.Logger
}

// NewOllamaClient creates a client for the server at baseURL. An empty
// baseURL falls back to OLLAMA_HOST from the environment.
func NewOllamaClient(baseURL string, logger *slog.Logger) (*OllamaClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		client *api.Client
		err    error
	)
	if baseURL != "" {
		u, perr := url.Parse(baseURL)
		if perr != nil {
			return nil, fmt.Errorf("invalid ollama url: %w", perr)
		}
		// No client timeout: local models can take minutes to load.
		// Callers bound requests through ctx.
		client = api.NewClient(u, httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		))
	} else {
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
	}

	return &OllamaClient{
		client: client,
		logger: logger.With("provider", "ollama"),
	}, nil
}

// Ping checks that the Ollama server is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	return c.client.Heartbeat(ctx)
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, api.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   &stream,
	}
	if req.JSON {
		chatReq.Format = json.RawMessage(`"json"`)
	}
	if req.MaxTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	c.logger.Debug("sending request", "model", req.Model, "messages", len(msgs), "json", req.JSON)

	start := time.Now()
	var final api.ChatResponse
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		final.Model = resp.Model
		final.Message.Content += resp.Message.Content
		if resp.Done {
			final.Metrics = resp.Metrics
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	return &ChatResponse{
		Model:        final.Model,
		Content:      final.Message.Content,
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		Duration:     time.Since(start),
	}, nil
}
