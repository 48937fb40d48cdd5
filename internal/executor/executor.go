// Package executor runs plan steps against the tool registry and
// synthesizes a final recommendation from the results.
//
// Steps run strictly in order. A failing step never aborts the loop;
// it is recorded and the next step runs.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/nugget/companion-agent/internal/events"
	"github.com/nugget/companion-agent/internal/llm"
	"github.com/nugget/companion-agent/internal/planner"
)

// Status is the outcome of one step.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFallback Status = "fallback"
	StatusFailed   Status = "failed"
)

// Reasons recorded on failed steps.
const (
	ReasonToolNotFound = "tool not found"
	ReasonNoFallback   = "validation failed, no fallback"
)

// NoResultsSummary is the summary used when no step produced a result.
const NoResultsSummary = "No results to synthesize"

// StepLog records how one step went.
type StepLog struct {
	Step       int           `json:"step"`
	Tool       string        `json:"tool"`
	UsedTool   string        `json:"usedTool,omitempty"` // alternate that served a fallback
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Latency    time.Duration `json:"latency"`
	Confidence float64       `json:"confidence"`
}

// StepResult is the output kept from a successful or fallback step.
type StepResult struct {
	Step   int            `json:"step"`
	Tool   string         `json:"tool"`
	Output map[string]any `json:"output"`
	Status Status         `json:"status"`
}

// Recommendation is the synthesized answer.
type Recommendation struct {
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// Result is everything a plan execution produced.
type Result struct {
	StepsExecuted       []StepLog      `json:"stepsExecuted"`
	Results             []StepResult   `json:"results"`
	FinalRecommendation Recommendation `json:"finalRecommendation"`
}

// Invoker is the part of the tool registry the loop needs.
type Invoker interface {
	Has(name string) bool
	Invoke(ctx context.Context, name string, input map[string]any) (map[string]any, error)
}

// Executor runs plans.
type Executor struct {
	tools    Invoker
	fallback Fallback
	client   llm.Client
	model    string
	bus      *events.Bus
	logger   *slog.Logger
}

// Config wires an Executor.
type Config struct {
	Tools    Invoker
	Fallback Fallback // nil means NoFallback
	Client   llm.Client
	Model    string // synthesis model
	Bus      *events.Bus
	Logger   *slog.Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Fallback == nil {
		cfg.Fallback = NoFallback{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		tools:    cfg.Tools,
		fallback: cfg.Fallback,
		client:   cfg.Client,
		model:    cfg.Model,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
	}
}

// Execute runs every step of plan in order and synthesizes a
// recommendation. Only a synthesis failure is returned as an error.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan, sessionID string) (*Result, error) {
	res := &Result{
		StepsExecuted: make([]StepLog, 0, len(plan.Steps)),
		Results:       []StepResult{},
	}
	reported := make([]bool, 0, len(plan.Steps))

	for _, step := range plan.Steps {
		log, out, hasConf := e.runStep(ctx, step)
		res.StepsExecuted = append(res.StepsExecuted, log)
		reported = append(reported, hasConf)
		if out != nil {
			res.Results = append(res.Results, StepResult{
				Step:   step.Step,
				Tool:   step.Tool,
				Output: out,
				Status: log.Status,
			})
		}

		e.bus.Emit(events.SourceAgent, events.KindStepDone, map[string]any{
			"session_id":  sessionID,
			"step":        log.Step,
			"tool":        log.Tool,
			"status":      string(log.Status),
			"duration_ms": log.Latency.Milliseconds(),
		})
	}

	rec, err := e.synthesize(ctx, plan.Goal, res.Results)
	if err != nil {
		return nil, err
	}
	res.FinalRecommendation = rec

	for i := range res.StepsExecuted {
		if !reported[i] && res.StepsExecuted[i].Status != StatusFailed {
			res.StepsExecuted[i].Confidence = rec.Confidence
		}
	}
	return res, nil
}

// runStep invokes one step with fallback. It returns the log entry, the
// kept output (nil when the step failed) and whether the tool reported
// its own confidence.
func (e *Executor) runStep(ctx context.Context, step planner.Step) (StepLog, map[string]any, bool) {
	log := StepLog{Step: step.Step, Tool: step.Tool}
	start := time.Now()

	if !e.tools.Has(step.Tool) {
		log.Status, log.Reason = StatusFailed, ReasonToolNotFound
		e.logger.Warn("plan step names unknown tool", "step", step.Step, "tool", step.Tool)
		log.Latency = time.Since(start)
		return log, nil, false
	}

	out, err := e.tools.Invoke(ctx, step.Tool, step.Input)
	if err == nil && Valid(out) {
		log.Status = StatusSuccess
		conf, ok := ReportedConfidence(out)
		log.Confidence = conf
		log.Latency = time.Since(start)
		return log, out, ok
	}
	e.logger.Info("tool output invalid, trying fallback",
		"step", step.Step,
		"tool", step.Tool,
		"error", errString(err, out),
	)

	for _, alt := range e.fallback.Alternates(step.Tool) {
		if alt == step.Tool || !e.tools.Has(alt) {
			continue
		}
		out, err := e.tools.Invoke(ctx, alt, step.Input)
		if err != nil || !Valid(out) {
			e.logger.Debug("fallback tool invalid", "tool", alt, "error", errString(err, out))
			continue
		}
		log.Status, log.UsedTool = StatusFallback, alt
		conf, ok := ReportedConfidence(out)
		log.Confidence = conf
		log.Latency = time.Since(start)
		return log, out, ok
	}

	log.Status, log.Reason = StatusFailed, ReasonNoFallback
	log.Latency = time.Since(start)
	return log, nil, false
}

// Valid reports whether a tool output is usable: non-nil, no falsy
// "success" field and no non-nil "error" field.
func Valid(out map[string]any) bool {
	if out == nil {
		return false
	}
	if v, ok := out["success"]; ok && !truthy(v) {
		return false
	}
	if v, ok := out["error"]; ok && v != nil {
		return false
	}
	return true
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := number(v); ok {
		return f != 0
	}
	return true
}

// number converts any Go numeric value or json.Number to float64.
func number(v any) (float64, bool) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// ReportedConfidence returns the tool's own numeric confidence when it
// reports one within [0,1].
func ReportedConfidence(out map[string]any) (float64, bool) {
	f, ok := number(out["confidence"])
	if !ok || f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}

func errString(err error, out map[string]any) string {
	if err != nil {
		return err.Error()
	}
	if out == nil {
		return "nil output"
	}
	if v, ok := out["error"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return "success=false"
}

// SynthesisError wraps a failed synthesis call.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return "synthesis failed: " + e.Err.Error() }
func (e *SynthesisError) Unwrap() error { return e.Err }

func (e *Executor) synthesize(ctx context.Context, goal string, results []StepResult) (Recommendation, error) {
	if len(results) == 0 {
		return Recommendation{Summary: NoResultsSummary, Confidence: 0}, nil
	}

	payload, err := json.Marshal(map[string]any{"goal": goal, "results": results})
	if err != nil {
		return Recommendation{}, &SynthesisError{Err: err}
	}
	req := llm.Prompt(e.model, synthesisPrompt, string(payload))
	req.JSON = true

	resp, err := e.client.Chat(ctx, req)
	if err != nil {
		return Recommendation{}, &SynthesisError{Err: err}
	}

	var rec Recommendation
	if err := llm.DecodeJSON(resp.Content, &rec); err != nil {
		return Recommendation{}, &SynthesisError{Err: err}
	}
	if rec.Summary == "" {
		return Recommendation{}, &SynthesisError{Err: errors.New("empty summary")}
	}
	rec.Confidence = min(max(rec.Confidence, 0), 1)
	return rec, nil
}

const synthesisPrompt = `You combine tool results into one recommendation for the user.
The input is a JSON object with the user's goal and the results of each tool step.
Return a JSON object: {"summary": "two or three sentences answering the goal", "confidence": 0.0-1.0}
Base the confidence on how completely the results answer the goal.`
