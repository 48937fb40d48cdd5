// Package agent sequences one conversational turn: session and
// profile load, persona classification and planning in parallel, plan
// execution, personalization, learning and reply formatting.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/companion-agent/internal/events"
	"github.com/nugget/companion-agent/internal/executor"
	"github.com/nugget/companion-agent/internal/llm"
	"github.com/nugget/companion-agent/internal/persona"
	"github.com/nugget/companion-agent/internal/planner"
	"github.com/nugget/companion-agent/internal/policy"
	"github.com/nugget/companion-agent/internal/preference"
	"github.com/nugget/companion-agent/internal/proactive"
	"github.com/nugget/companion-agent/internal/session"
	"github.com/nugget/companion-agent/internal/tools"
)

// DefaultUserID is used when a request names no user.
const DefaultUserID = "default"

// ErrorMessage is the reply text of the uniform failure response.
const ErrorMessage = "I'm sorry, something went wrong on my end. Let's try that again in a moment."

// ResponseType classifies a turn's reply.
type ResponseType string

const (
	TypeMultiStep     ResponseType = "multi_step"
	TypeAction        ResponseType = "action"
	TypeAnalysis      ResponseType = "analysis"
	TypeInformation   ResponseType = "information"
	TypeClarification ResponseType = "clarification"
	TypeError         ResponseType = "error"
)

// TurnRequest is one user utterance.
type TurnRequest struct {
	Utterance string            `json:"utterance"`
	SessionID string            `json:"sessionId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	Source    preference.Source `json:"source,omitempty"`
	Partial   bool              `json:"partial,omitempty"` // voice transcript not final
}

// TurnResponse is what the caller receives. It is always well formed,
// including on failure.
type TurnResponse struct {
	RequestID              string                   `json:"requestId"`
	SessionID              string                   `json:"sessionId,omitempty"`
	Success                bool                     `json:"success"`
	Type                   ResponseType             `json:"type"`
	Message                string                   `json:"message"`
	SystemPrompt           string                   `json:"systemPrompt"`
	Confidence             float64                  `json:"confidence"`
	Persona                persona.Persona          `json:"persona"`
	Goal                   string                   `json:"goal,omitempty"`
	StepsExecuted          []executor.StepLog       `json:"stepsExecuted,omitempty"`
	FinalRecommendation    *executor.Recommendation `json:"finalRecommendation,omitempty"`
	PersonalizationApplied bool                     `json:"personalizationApplied,omitempty"`
	BasedOn                *preference.Basis        `json:"basedOn,omitempty"`
	ClarificationQuestion  string                   `json:"clarificationQuestion,omitempty"`
}

// Planner produces a plan for an utterance.
type Planner interface {
	Plan(ctx context.Context, utterance string, toolNames []string) (*planner.Plan, error)
}

// Executor runs a plan.
type Executor interface {
	Execute(ctx context.Context, plan *planner.Plan, sessionID string) (*executor.Result, error)
}

// Catalog is the read side of the tool registry.
type Catalog interface {
	Names() []string
	Category(name string) tools.Category
}

// Learner is the preference engine surface used per turn.
type Learner interface {
	GetProfile(ctx context.Context, userID string) (preference.Profile, error)
	ApplyPersonalization(ctx context.Context, userID, tool string, input, result map[string]any) (preference.Personalization, error)
	LogAction(ctx context.Context, userID, eventType string, data preference.ActionData) (bool, error)
}

// DailyChecker runs the proactive daily check.
type DailyChecker interface {
	CheckDaily(ctx context.Context, userID string) (proactive.DailyCheck, error)
}

// Config wires an Agent. Sessions, Classifier, Planner, Executor,
// Tools and Preferences are required.
type Config struct {
	Sessions    *session.Store
	Classifier  *persona.Classifier
	Planner     Planner
	Executor    Executor
	Tools       Catalog
	Preferences Learner
	Proactive   DailyChecker

	// Client and ReplyModel compose replies for plans without steps.
	Client     llm.Client
	ReplyModel string

	Bus    *events.Bus
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Agent runs turns.
type Agent struct {
	sessions   *session.Store
	classifier *persona.Classifier
	planner    Planner
	executor   Executor
	tools      Catalog
	prefs      Learner
	proactive  DailyChecker
	client     llm.Client
	replyModel string
	bus        *events.Bus
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates an Agent.
func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/nugget/companion-agent/internal/agent")
	}
	return &Agent{
		sessions:   cfg.Sessions,
		classifier: cfg.Classifier,
		planner:    cfg.Planner,
		executor:   cfg.Executor,
		tools:      cfg.Tools,
		prefs:      cfg.Preferences,
		proactive:  cfg.Proactive,
		client:     cfg.Client,
		replyModel: cfg.ReplyModel,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
	}
}

// RunTurn processes one utterance. It never returns an error: any
// failure yields the error response in the anchor persona.
func (a *Agent) RunTurn(ctx context.Context, req TurnRequest) TurnResponse {
	start := time.Now()
	t := newTurn()
	if req.UserID == "" {
		req.UserID = DefaultUserID
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = preference.SourceText
	}
	log := a.logger.With("request_id", t.id, "session_id", req.SessionID, "user_id", req.UserID)

	ctx, span := a.tracer.Start(ctx, "agent.RunTurn", trace.WithAttributes(
		attribute.String("request.id", t.id),
		attribute.String("session.id", req.SessionID),
	))
	defer span.End()

	a.bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"request_id": t.id,
		"session_id": req.SessionID,
		"user_id":    req.UserID,
	})
	log.Info("turn started", "utterance_len", len(req.Utterance))

	resp, err := a.runTurn(ctx, t, req, log)
	if err != nil {
		failedIn := t.state
		t.fail()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("turn failed", "state", failedIn, "error", err)
		a.bus.Emit(events.SourceAgent, events.KindTurnFailed, map[string]any{
			"request_id": t.id,
			"state":      string(failedIn),
			"error":      err.Error(),
		})
		return errorResponse(t.id, req.SessionID)
	}

	elapsed := time.Since(start)
	span.SetAttributes(attribute.String("turn.type", string(resp.Type)))
	log.Info("turn complete",
		"type", resp.Type,
		"mode", resp.Persona.Mode,
		"confidence", resp.Confidence,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	a.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"request_id": t.id,
		"type":       string(resp.Type),
		"confidence": resp.Confidence,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return resp
}

func (a *Agent) runTurn(ctx context.Context, t *turn, req TurnRequest, log *slog.Logger) (TurnResponse, error) {
	if strings.TrimSpace(req.Utterance) == "" {
		return TurnResponse{}, errors.New("empty utterance")
	}

	sess, done := a.sessions.Begin(req.SessionID, req.UserID)
	defer done()

	profile, err := a.prefs.GetProfile(ctx, req.UserID)
	if err != nil {
		log.Warn("profile unavailable, continuing without it", "error", err)
		profile = preference.Profile{UserID: req.UserID, TonePreference: preference.ToneAuto}
	}

	p, plan, err := a.classifyAndPlan(ctx, req.Utterance, profile.TonePreference)
	if err != nil {
		return TurnResponse{}, err
	}
	if err := t.advance(StateClassified); err != nil {
		return TurnResponse{}, err
	}
	a.bus.Emit(events.SourceAgent, events.KindClassified, map[string]any{
		"request_id": t.id,
		"mode":       string(p.Mode),
		"escalation": string(p.Safety.Escalation),
	})
	if err := t.advance(StatePlanned); err != nil {
		return TurnResponse{}, err
	}
	a.bus.Emit(events.SourceAgent, events.KindPlanned, map[string]any{
		"request_id":    t.id,
		"goal":          plan.Goal,
		"steps":         len(plan.Steps),
		"clarification": plan.NeedsClarification,
	})
	log.Debug("turn classified and planned", "mode", p.Mode, "source", p.Source, "steps", len(plan.Steps))

	opts := policy.Options{Mode: p.Mode, Safety: p.Safety}
	systemPrompt := policy.BuildSystemPrompt(policy.PromptInput{Persona: p, Greeted: sess.Greeted})
	mode := string(p.Mode)

	if plan.NeedsClarification {
		if err := t.advance(StateClarifying); err != nil {
			return TurnResponse{}, err
		}
		a.sessions.Update(req.SessionID, req.UserID, session.Patch{LastMode: &mode})
		if err := t.advance(StateResponded); err != nil {
			return TurnResponse{}, err
		}
		return TurnResponse{
			RequestID:             t.id,
			SessionID:             req.SessionID,
			Success:               true,
			Type:                  TypeClarification,
			Message:               policy.FormatResponse(policy.Reply{Message: plan.ClarificationQuestion}, opts),
			SystemPrompt:          systemPrompt,
			Persona:               p,
			Goal:                  plan.Goal,
			ClarificationQuestion: plan.ClarificationQuestion,
		}, nil
	}

	if err := t.advance(StateExecuting); err != nil {
		return TurnResponse{}, err
	}
	execCtx, execSpan := a.tracer.Start(ctx, "executor.Execute",
		trace.WithAttributes(attribute.Int("plan.steps", len(plan.Steps))))
	res, err := a.executor.Execute(execCtx, plan, req.SessionID)
	execSpan.End()
	if err != nil {
		return TurnResponse{}, err
	}

	rec := res.FinalRecommendation
	message, reasoning := rec.Summary, rec.Summary
	if len(plan.Steps) == 0 {
		message, err = a.converse(ctx, systemPrompt, req.Utterance)
		if err != nil {
			return TurnResponse{}, err
		}
		// The synthesis placeholder is not a reply; an empty model
		// answer falls through to the policy's fallback text.
		reasoning = ""
	}

	pers := a.personalize(ctx, req.UserID, plan, res, log)
	if err := t.advance(StatePersonalized); err != nil {
		return TurnResponse{}, err
	}
	if pers.Applied {
		message = strings.TrimSpace(message + "\n\n" + pers.Message)
	}

	a.learn(ctx, req, plan, res, log)

	greeted := true
	toolResults := make(map[string]any, len(res.Results))
	for _, r := range res.Results {
		toolResults[r.Tool] = r.Output
	}
	a.sessions.Update(req.SessionID, req.UserID, session.Patch{
		LastIntent:      &plan.Goal,
		LastEntities:    map[string]any{},
		LastToolResults: toolResults,
		LastMode:        &mode,
		Greeted:         &greeted,
	})

	resp := TurnResponse{
		RequestID:              t.id,
		SessionID:              req.SessionID,
		Success:                true,
		Type:                   a.classify(plan),
		Message:                policy.FormatResponse(policy.Reply{Message: message, ReasoningSummary: reasoning}, opts),
		SystemPrompt:           systemPrompt,
		Confidence:             rec.Confidence,
		Persona:                p,
		Goal:                   plan.Goal,
		StepsExecuted:          res.StepsExecuted,
		FinalRecommendation:    &rec,
		PersonalizationApplied: pers.Applied,
		BasedOn:                pers.BasedOn,
	}
	if err := t.advance(StateResponded); err != nil {
		return TurnResponse{}, err
	}
	return resp, nil
}

// classifyAndPlan runs the persona classifier and the planner
// concurrently. Either failing cancels the other.
func (a *Agent) classifyAndPlan(ctx context.Context, utterance, tone string) (persona.Persona, *planner.Plan, error) {
	var (
		p    persona.Persona
		plan *planner.Plan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ctx, span := a.tracer.Start(gctx, "persona.Classify")
		defer span.End()
		var err error
		p, err = a.classifier.Classify(ctx, persona.Input{Utterance: utterance, TonePreference: tone})
		if err != nil {
			return fmt.Errorf("classify persona: %w", err)
		}
		span.SetAttributes(attribute.String("persona.mode", string(p.Mode)))
		return nil
	})
	g.Go(func() error {
		ctx, span := a.tracer.Start(gctx, "planner.Plan")
		defer span.End()
		var err error
		plan, err = a.planner.Plan(ctx, utterance, a.tools.Names())
		return err
	})
	if err := g.Wait(); err != nil {
		return persona.Persona{}, nil, err
	}
	return p, plan, nil
}

// converse composes a direct reply for a plan with no tool steps.
func (a *Agent) converse(ctx context.Context, systemPrompt, utterance string) (string, error) {
	if a.client == nil {
		return "", errors.New("no completion client for conversational reply")
	}
	ctx, span := a.tracer.Start(ctx, "agent.converse")
	defer span.End()

	resp, err := a.client.Chat(ctx, llm.Prompt(a.replyModel, systemPrompt, utterance))
	if err != nil {
		return "", fmt.Errorf("compose reply: %w", err)
	}
	return resp.Content, nil
}

// personalize applies learned preferences to the first result. Store
// errors are logged and personalization is skipped.
func (a *Agent) personalize(ctx context.Context, userID string, plan *planner.Plan, res *executor.Result, log *slog.Logger) preference.Personalization {
	if len(res.Results) == 0 {
		return preference.Personalization{Reason: preference.NotApplied}
	}
	first := res.Results[0]
	var input map[string]any
	if i := first.Step - 1; i >= 0 && i < len(plan.Steps) {
		input = plan.Steps[i].Input
	}

	pers, err := a.prefs.ApplyPersonalization(ctx, userID, first.Tool, input, first.Output)
	if err != nil {
		log.Warn("personalization skipped", "error", err)
		return preference.Personalization{Reason: preference.NotApplied}
	}
	return pers
}

// learn logs every executed step that has a plan entry. A store error
// stops learning for this turn without failing it.
func (a *Agent) learn(ctx context.Context, req TurnRequest, plan *planner.Plan, res *executor.Result, log *slog.Logger) {
	for _, sl := range res.StepsExecuted {
		i := sl.Step - 1
		if i < 0 || i >= len(plan.Steps) {
			continue
		}
		step := plan.Steps[i]
		_, err := a.prefs.LogAction(ctx, req.UserID, step.Tool, preference.ActionData{
			Intent:     plan.Goal,
			Entities:   step.Input,
			Status:     actionStatus(sl.Status),
			Confidence: sl.Confidence,
			Source:     req.Source,
			Partial:    req.Partial,
			Latency:    sl.Latency,
		})
		if err != nil {
			log.Warn("action logging failed, learning skipped", "step", sl.Step, "tool", step.Tool, "error", err)
			return
		}
	}
}

func actionStatus(s executor.Status) preference.Status {
	switch s {
	case executor.StatusSuccess:
		return preference.StatusSuccess
	case executor.StatusFallback:
		return preference.StatusFallback
	default:
		return preference.StatusFail
	}
}

// classify derives the response type from the plan.
func (a *Agent) classify(plan *planner.Plan) ResponseType {
	if len(plan.Steps) > 1 {
		return TypeMultiStep
	}
	if len(plan.Steps) == 0 {
		return TypeInformation
	}
	switch a.tools.Category(plan.Steps[0].Tool) {
	case tools.CategoryAction:
		return TypeAction
	case tools.CategoryAnalysis:
		return TypeAnalysis
	default:
		return TypeInformation
	}
}

// errorResponse is the uniform failure reply, always in the anchor
// persona.
func errorResponse(requestID, sessionID string) TurnResponse {
	p := persona.Fallback()
	return TurnResponse{
		RequestID:    requestID,
		SessionID:    sessionID,
		Success:      false,
		Type:         TypeError,
		Message:      policy.FormatResponse(policy.Reply{Message: ErrorMessage}, policy.Options{Mode: p.Mode, Safety: p.Safety}),
		SystemPrompt: policy.BuildSystemPrompt(policy.PromptInput{Persona: p}),
		Confidence:   0,
		Persona:      p,
	}
}

// CheckDaily runs the proactive daily check for a user.
func (a *Agent) CheckDaily(ctx context.Context, userID string) (proactive.DailyCheck, error) {
	if a.proactive == nil {
		return proactive.DailyCheck{}, errors.New("proactive suggestions disabled")
	}
	ctx, span := a.tracer.Start(ctx, "agent.CheckDaily")
	defer span.End()
	return a.proactive.CheckDaily(ctx, userID)
}

// SessionStats reports session store counters.
func (a *Agent) SessionStats() map[string]any {
	return a.sessions.Stats()
}
