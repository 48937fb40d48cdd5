// Package planner turns an utterance into a validated multi-step plan.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/companion-agent/internal/config"
	"github.com/nugget/companion-agent/internal/llm"
)

// MaxSteps is the largest plan accepted.
const MaxSteps = 5

// Step is one tool invocation in a plan.
type Step struct {
	Step    int            `json:"step"`
	Tool    string         `json:"tool"`
	Purpose string         `json:"purpose"`
	Input   map[string]any `json:"input"`
}

// Plan is a validated plan. When NeedsClarification is set, Steps is
// empty and ClarificationQuestion is non-empty.
type Plan struct {
	Goal                  string `json:"goal"`
	NeedsClarification    bool   `json:"needsClarification"`
	ClarificationQuestion string `json:"clarificationQuestion,omitempty"`
	Steps                 []Step `json:"steps"`
}

// Error is a planning failure: the completion call failed or returned
// a plan that does not validate.
type Error struct {
	Reason string
	Raw    string // completion text, when there was one
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning failed: %s: %v", e.Reason, e.Err)
	}
	return "planning failed: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Planner asks a model for plans.
type Planner struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// New creates a planner.
func New(client llm.Client, model string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, model: model, logger: logger}
}

// Plan requests a plan for utterance using only the given tool names.
// Any failure is returned as *Error.
func (p *Planner) Plan(ctx context.Context, utterance string, toolNames []string) (*Plan, error) {
	req := llm.Prompt(p.model, systemPrompt(toolNames), utterance)
	req.JSON = true

	resp, err := p.client.Chat(ctx, req)
	if err != nil {
		return nil, &Error{Reason: "completion call", Err: err}
	}
	p.logger.Log(ctx, config.LevelTrace, "raw plan", "model", p.model, "content", resp.Content)

	plan, err := Parse(resp.Content)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("plan ready",
		"goal", plan.Goal,
		"steps", len(plan.Steps),
		"clarification", plan.NeedsClarification,
	)
	return plan, nil
}

// wirePlan mirrors the completion's JSON with loose types so that
// validation can report what was wrong.
type wirePlan struct {
	Goal                  string     `json:"goal"`
	NeedsClarification    bool       `json:"needsClarification"`
	ClarificationQuestion string     `json:"clarificationQuestion"`
	Steps                 []wireStep `json:"steps"`
}

// Step numbers from the model are ignored; steps are renumbered 1..n.
type wireStep struct {
	Tool    string          `json:"tool"`
	Purpose string          `json:"purpose"`
	Input   json.RawMessage `json:"input"`
}

// Parse decodes and validates completion text into a Plan.
func Parse(content string) (*Plan, error) {
	var w wirePlan
	if err := llm.DecodeJSON(content, &w); err != nil {
		return nil, &Error{Reason: "unparseable plan", Raw: content, Err: err}
	}
	fail := func(format string, args ...any) (*Plan, error) {
		return nil, &Error{Reason: fmt.Sprintf(format, args...), Raw: content}
	}

	if w.NeedsClarification {
		if strings.TrimSpace(w.ClarificationQuestion) == "" {
			return fail("clarification requested without a question")
		}
		if len(w.Steps) > 0 {
			return fail("clarification requested with %d steps", len(w.Steps))
		}
		return &Plan{
			Goal:                  w.Goal,
			NeedsClarification:    true,
			ClarificationQuestion: strings.TrimSpace(w.ClarificationQuestion),
			Steps:                 []Step{},
		}, nil
	}

	if len(w.Steps) > MaxSteps {
		return fail("%d steps exceeds limit of %d", len(w.Steps), MaxSteps)
	}

	plan := &Plan{Goal: w.Goal, Steps: make([]Step, 0, len(w.Steps))}
	for i, s := range w.Steps {
		tool := strings.TrimSpace(s.Tool)
		if tool == "" {
			return fail("step %d has no tool", i+1)
		}
		input := map[string]any{}
		raw := strings.TrimSpace(string(s.Input))
		if raw != "" && raw != "null" {
			if err := json.Unmarshal(s.Input, &input); err != nil {
				return fail("step %d input is not an object", i+1)
			}
		}
		plan.Steps = append(plan.Steps, Step{
			Step:    i + 1,
			Tool:    tool,
			Purpose: s.Purpose,
			Input:   input,
		})
	}
	return plan, nil
}

func systemPrompt(toolNames []string) string {
	tools := "(none)"
	if len(toolNames) > 0 {
		tools = strings.Join(toolNames, ", ")
	}
	return `You plan how an assistant should satisfy a user request using tools.

Available tools: ` + tools + `

Return a JSON object with exactly these fields:
{
  "goal": "one sentence describing what the user wants",
  "needsClarification": false,
  "clarificationQuestion": "",
  "steps": [
    {"step": 1, "tool": "tool_name", "purpose": "why this step", "input": {}}
  ]
}

Rules:
- Use at most 5 steps, each naming exactly one available tool.
- "input" is always a JSON object of arguments for that tool.
- If the request is too ambiguous to act on, set needsClarification to true,
  ask one short question in clarificationQuestion and return no steps.
- If no tool is needed (small talk, opinions, feelings), return an empty steps list.`
}
