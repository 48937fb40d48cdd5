package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/nugget/companion-agent/internal/agent"
	"github.com/nugget/companion-agent/internal/config"
	"github.com/nugget/companion-agent/internal/connwatch"
	"github.com/nugget/companion-agent/internal/events"
	"github.com/nugget/companion-agent/internal/executor"
	"github.com/nugget/companion-agent/internal/httpkit"
	"github.com/nugget/companion-agent/internal/llm"
	"github.com/nugget/companion-agent/internal/mqtt"
	"github.com/nugget/companion-agent/internal/persona"
	"github.com/nugget/companion-agent/internal/planner"
	"github.com/nugget/companion-agent/internal/preference"
	"github.com/nugget/companion-agent/internal/proactive"
	"github.com/nugget/companion-agent/internal/session"
	"github.com/nugget/companion-agent/internal/tools"
	"github.com/nugget/companion-agent/internal/usage"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	sessions  *session.Store
	tools     *tools.Registry
	store     *preference.Store
	usage     *usage.Store
	prefs     *preference.Engine
	proactive *proactive.Engine // nil when proactive.enabled is false
	notifier  *mqtt.Publisher   // nil when no broker is configured
	ollama    *llm.OllamaClient
	agent     *agent.Agent

	shutdownTracing func(context.Context) error
}

// newApp wires the components. Nothing here touches the network: the
// MQTT connection is opened by [app.startNotifier].
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, traceOut io.Writer) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, bus: events.New()}

	shutdown, err := setupTracing(ctx, cfg.Tracing, traceOut, logger)
	if err != nil {
		return nil, err
	}
	a.shutdownTracing = shutdown

	a.ollama, err = llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	if err != nil {
		return nil, err
	}
	client, err := createLLMClient(ctx, cfg, a.ollama, logger)
	if err != nil {
		return nil, err
	}

	a.tools = tools.NewRegistry(cfg.Tools.DefaultTimeout, logger)
	tools.RegisterBuiltins(a.tools, time.Now)
	a.tools.SetCategories(cfg.Tools.Categories)

	a.store, err = preference.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open preference store: %w", err)
	}
	a.prefs = preference.NewEngine(a.store, preference.Config{
		ConfidenceThreshold: cfg.Preferences.ConfidenceThreshold,
		InferenceThreshold:  cfg.Preferences.InferenceThreshold,
		PromotionThreshold:  cfg.Preferences.PromotionThreshold,
		DedupeWindow:        cfg.Preferences.DedupeWindow,
		Retention:           cfg.Retention(),
	}, logger)

	if cfg.MQTT.Configured() {
		a.notifier = mqtt.New(cfg.MQTT, logger)
	}

	a.usage, err = usage.Open(cfg.DatabasePath())
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	metered := func(purpose string) llm.Client {
		return usage.NewMeter(client, a.usage, purpose, logger)
	}

	agentCfg := agent.Config{
		Sessions:   session.NewStore(cfg.Sessions.ContextStackMax, logger),
		Classifier: persona.NewClassifier(persona.NewLLMLabeler(metered(usage.PurposeClassifier), cfg.Models.Classifier, logger)),
		Planner:    planner.New(metered(usage.PurposePlanner), cfg.Models.Planner, logger),
		Executor: executor.New(executor.Config{
			Tools:    a.tools,
			Fallback: executor.ChainFallback(cfg.Fallbacks),
			Client:   metered(usage.PurposeSynthesis),
			Model:    cfg.Models.Synthesis,
			Bus:      a.bus,
			Logger:   logger,
		}),
		Tools:       a.tools,
		Preferences: a.prefs,
		Client:      metered(usage.PurposeReply),
		ReplyModel:  cfg.Models.Reply,
		Bus:         a.bus,
		Logger:      logger,
	}
	a.sessions = agentCfg.Sessions

	if cfg.Proactive.Enabled {
		pcfg := proactive.Config{
			Preferences:     a.prefs,
			History:         a.store,
			Bus:             a.bus,
			Logger:          logger,
			DailyCap:        cfg.Proactive.DailyCap,
			DismissalCutoff: cfg.Proactive.DismissalCutoff,
		}
		if a.notifier != nil {
			pcfg.Notifier = a.notifier
		}
		a.proactive = proactive.New(pcfg)
		agentCfg.Proactive = a.proactive
	}

	a.agent = agent.New(agentCfg)
	return a, nil
}

// startNotifier connects to the MQTT broker when one is configured.
func (a *app) startNotifier(ctx context.Context) error {
	if a.notifier == nil {
		return nil
	}
	return a.notifier.Start(ctx)
}

// watchDependencies starts health checks for the database, the Ollama
// server and, when configured, the MQTT broker.
func (a *app) watchDependencies(ctx context.Context, m *connwatch.Monitor) error {
	checks := []connwatch.Config{
		{Name: "database", Check: a.store.Ping},
		{Name: "ollama", Check: a.ollama.Ping},
	}
	if a.notifier != nil {
		checks = append(checks, connwatch.Config{Name: "mqtt", Check: a.notifier.Ping})
	}
	for _, p := range checks {
		if err := m.Watch(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// checkAll runs the daily check for every known user. A failure for
// one user does not stop the others.
func (a *app) checkAll(ctx context.Context) ([]proactive.DailyCheck, error) {
	users, err := a.prefs.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var (
		checks []proactive.DailyCheck
		errs   []error
	)
	for _, user := range users {
		check, err := a.agent.CheckDaily(ctx, user)
		if err != nil {
			a.logger.Warn("daily check failed", "user_id", user, "error", err)
			errs = append(errs, fmt.Errorf("user %s: %w", user, err))
			continue
		}
		checks = append(checks, check)
	}
	return checks, errors.Join(errs...)
}

// Close releases the stores, the MQTT connection and the tracer.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.notifier != nil {
		if err := a.notifier.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop mqtt: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.usage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close usage store: %w", err))
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

// createLLMClient builds a multi-provider client. Each model listed in
// config is mapped to its provider; unmapped models fall through to
// Ollama.
func createLLMClient(ctx context.Context, cfg *config.Config, ollama *llm.OllamaClient, logger *slog.Logger) (llm.Client, error) {
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(5*time.Minute),
		httpkit.WithRetry(2, 2*time.Second),
		httpkit.WithLogger(logger),
	)

	m := cfg.Models
	if m.AnthropicAPIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(m.AnthropicAPIKey, logger,
			anthropicopt.WithHTTPClient(httpClient)))
		logger.Info("Anthropic provider configured")
	}
	if m.OpenAIAPIKey != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(m.OpenAIAPIKey, m.OpenAIBaseURL, logger,
			openaiopt.WithHTTPClient(httpClient)))
		logger.Info("OpenAI provider configured", "base_url", m.OpenAIBaseURL)
	}
	if m.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, m.GeminiAPIKey, httpClient, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		multi.AddProvider("gemini", gemini)
		logger.Info("Gemini provider configured")
	}

	for _, model := range m.Available {
		multi.AddModel(model.Name, model.Provider)
	}
	logger.Info("LLM client initialized",
		"default_model", m.Default,
		"planner", m.Planner,
		"synthesis", m.Synthesis,
	)
	return multi, nil
}
