package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"google.golang.org/genai"
)

func TestOllamaClient_Chat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"qwen3:4b","message":{"role":"assistant","content":"{\"label\":\"teacher\"}"},"done":true,"prompt_eval_count":12,"eval_count":5}`+"\n")
	}))
	defer srv.Close()

	c, err := NewOllamaClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("NewOllamaClient: %v", err)
	}
	req := Prompt("qwen3:4b", "classify", "how does a bond work")
	req.JSON = true
	resp, err := c.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Content != `{"label":"teacher"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 12/5", resp.InputTokens, resp.OutputTokens)
	}
	if got["format"] != "json" {
		t.Errorf("format = %v, want json", got["format"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want system + user", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}
}

func TestOllamaClient_BadURL(t *testing.T) {
	if _, err := NewOllamaClient("://nope", nil); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet","content":[{"type":"text","text":"Hello "},{"type":"text","text":"there"}],"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":3}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", nil, anthropicopt.WithBaseURL(srv.URL+"/"), anthropicopt.WithMaxRetries(0))
	req := Prompt("claude-sonnet", "be kind", "hi")
	req.JSON = true
	resp, err := c.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Content != "Hello there" {
		t.Errorf("content = %q, want concatenated text blocks", resp.Content)
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if got["max_tokens"] != float64(anthropicDefaultMaxTokens) {
		t.Errorf("max_tokens = %v, want default", got["max_tokens"])
	}
	system, _ := got["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("system blocks = %v", got["system"])
	}
	block, _ := system[0].(map[string]any)
	if text, _ := block["text"].(string); !strings.Contains(text, jsonInstruction) {
		t.Errorf("system text %q missing JSON instruction", text)
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":0,"model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"{\"summary\":\"ok\",\"confidence\":0.9}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":4,"total_tokens":11}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL+"/v1/", nil)
	req := Prompt("gpt-4o-mini", "synthesize", "results")
	req.JSON = true
	req.MaxTokens = 200
	resp, err := c.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Content != `{"summary":"ok","confidence":0.9}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.InputTokens != 7 || resp.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	format, _ := got["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", got["response_format"])
	}
	if got["max_completion_tokens"] != float64(200) {
		t.Errorf("max_completion_tokens = %v", got["max_completion_tokens"])
	}
}

func TestConvertToGemini(t *testing.T) {
	req := ChatRequest{
		System: "plan",
		JSON:   true,
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		MaxTokens: 64,
	}
	contents, cfg := convertToGemini(req)

	if len(contents) != 2 {
		t.Fatalf("contents = %d, want 2", len(contents))
	}
	if contents[1].Role != string(genai.RoleModel) {
		t.Errorf("assistant role = %q, want model", contents[1].Role)
	}
	if cfg.ResponseMIMEType != "application/json" {
		t.Errorf("mime type = %q", cfg.ResponseMIMEType)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "plan" {
		t.Errorf("system instruction = %+v", cfg.SystemInstruction)
	}
	if cfg.MaxOutputTokens != 64 {
		t.Errorf("max output tokens = %d", cfg.MaxOutputTokens)
	}
}
