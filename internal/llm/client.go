// Package llm provides completion clients for the providers the agent
// can route to.
package llm

import (
	"context"
	"time"
)

// Client is the interface that all completion providers must implement.
type Client interface {
	// Chat sends a single, non-streaming completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message is one turn of a conversation sent to a provider.
type Message struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// ChatRequest is the provider-neutral completion request.
type ChatRequest struct {
	Model    string
	System   string
	Messages []Message

	// JSON asks the provider for a single JSON object. Providers without
	// a native JSON mode get an extra system instruction instead.
	JSON bool

	// MaxTokens bounds the completion. Zero means provider default.
	MaxTokens int
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model   string
	Content string

	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Prompt builds a request carrying a system prompt and one user message.
func Prompt(model, system, user string) ChatRequest {
	return ChatRequest{
		Model:    model,
		System:   system,
		Messages: []Message{{Role: "user", Content: user}},
	}
}

const jsonInstruction = "Respond with a single JSON object and nothing else."

// systemWithJSON appends the JSON-only instruction for providers that
// have no structured output switch.
func systemWithJSON(req ChatRequest) string {
	if !req.JSON {
		return req.System
	}
	if req.System == "" {
		return jsonInstruction
	}
	return req.System + "\n\n" + jsonInstruction
}
