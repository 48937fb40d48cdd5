package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/companion-agent/internal/llm"
)

type fakeLLM struct {
	content string
	err     error
	req     llm.ChatRequest
}

func (f *fakeLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.content}, nil
}

func TestPlan_Valid(t *testing.T) {
	fake := &fakeLLM{content: "```json\n" + `{
		"goal": "get to NYC cheaply",
		"needsClarification": false,
		"steps": [
			{"step": 7, "tool": "route_planner", "purpose": "find route", "input": {"origin": "DC", "destination": "NYC"}},
			{"step": 9, "tool": "deal_finder", "purpose": "find fares", "input": {"price": 120}}
		]
	}` + "\n```"}
	p := New(fake, "planner-model", nil)

	plan, err := p.Plan(context.Background(), "get me to NYC", []string{"route_planner", "deal_finder"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Goal != "get to NYC cheaply" {
		t.Errorf("goal = %q", plan.Goal)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(plan.Steps))
	}
	if plan.Steps[0].Step != 1 || plan.Steps[1].Step != 2 {
		t.Errorf("steps not renumbered: %d, %d", plan.Steps[0].Step, plan.Steps[1].Step)
	}
	if plan.Steps[0].Input["destination"] != "NYC" {
		t.Errorf("input = %v", plan.Steps[0].Input)
	}

	if !fake.req.JSON {
		t.Error("planner should request JSON mode")
	}
	if fake.req.Model != "planner-model" {
		t.Errorf("model = %q", fake.req.Model)
	}
	if !strings.Contains(fake.req.System, "route_planner, deal_finder") {
		t.Errorf("system prompt missing tool list:\n%s", fake.req.System)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   string
		wantSteps int
		wantClar  bool
	}{
		{
			name:     "clarification",
			content:  `{"goal":"travel","needsClarification":true,"clarificationQuestion":"Where to?","steps":[]}`,
			wantClar: true,
		},
		{
			name:     "clarification without steps key",
			content:  `{"goal":"travel","needsClarification":true,"clarificationQuestion":"Where to?"}`,
			wantClar: true,
		},
		{
			name:    "clarification without question",
			content: `{"goal":"travel","needsClarification":true,"steps":[]}`,
			wantErr: "without a question",
		},
		{
			name:    "clarification with steps",
			content: `{"goal":"x","needsClarification":true,"clarificationQuestion":"?","steps":[{"tool":"weather","input":{}}]}`,
			wantErr: "with 1 steps",
		},
		{
			name:      "no steps is a conversational plan",
			content:   `{"goal":"chat","needsClarification":false,"steps":[]}`,
			wantSteps: 0,
		},
		{
			name:      "null input becomes empty object",
			content:   `{"goal":"x","steps":[{"tool":"weather","input":null}]}`,
			wantSteps: 1,
		},
		{
			name:      "unknown tool names pass",
			content:   `{"goal":"x","steps":[{"tool":"teleport","input":{}}]}`,
			wantSteps: 1,
		},
		{
			name:    "too many steps",
			content: `{"goal":"x","steps":[{"tool":"a"},{"tool":"b"},{"tool":"c"},{"tool":"d"},{"tool":"e"},{"tool":"f"}]}`,
			wantErr: "exceeds limit",
		},
		{
			name:    "step without tool",
			content: `{"goal":"x","steps":[{"tool":"  ","input":{}}]}`,
			wantErr: "has no tool",
		},
		{
			name:    "input not an object",
			content: `{"goal":"x","steps":[{"tool":"weather","input":"Paris"}]}`,
			wantErr: "not an object",
		},
		{
			name:    "not json",
			content: "Sure! I'd be happy to help.",
			wantErr: "unparseable",
		},
		{
			name:    "wrong field type",
			content: `{"goal":"x","needsClarification":"yes"}`,
			wantErr: "unparseable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Parse(tt.content)
			if tt.wantErr != "" {
				var perr *Error
				if !errors.As(err, &perr) {
					t.Fatalf("err = %v, want *planner.Error", err)
				}
				if !strings.Contains(perr.Error(), tt.wantErr) {
					t.Errorf("err = %q, want it to mention %q", perr.Error(), tt.wantErr)
				}
				if perr.Raw != tt.content {
					t.Errorf("Raw not preserved")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if plan.NeedsClarification != tt.wantClar {
				t.Errorf("needsClarification = %v", plan.NeedsClarification)
			}
			if len(plan.Steps) != tt.wantSteps {
				t.Errorf("steps = %d, want %d", len(plan.Steps), tt.wantSteps)
			}
			for _, s := range plan.Steps {
				if s.Input == nil {
					t.Errorf("step %d input is nil", s.Step)
				}
			}
		})
	}
}

func TestPlan_CompletionError(t *testing.T) {
	boom := errors.New("connection refused")
	p := New(&fakeLLM{err: boom}, "m", nil)

	_, err := p.Plan(context.Background(), "hi", nil)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *planner.Error", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("cause not wrapped: %v", err)
	}
}

func TestSystemPrompt_NoTools(t *testing.T) {
	if got := systemPrompt(nil); !strings.Contains(got, "Available tools: (none)") {
		t.Errorf("prompt = %q", got)
	}
}
