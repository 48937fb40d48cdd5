// Package config handles companion configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/companion/config.yaml, /etc/companion/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "companion", "config.yaml"))
	}

	paths = append(paths, "/etc/companion/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all companion configuration.
type Config struct {
	Listen      ListenConfig        `yaml:"listen"`
	DataDir     string              `yaml:"data_dir"`
	LogLevel    string              `yaml:"log_level"`
	Models      ModelsConfig        `yaml:"models"`
	Preferences PreferencesConfig   `yaml:"preferences"`
	Proactive   ProactiveConfig     `yaml:"proactive"`
	Sessions    SessionsConfig      `yaml:"sessions"`
	Tools       ToolsConfig         `yaml:"tools"`
	Fallbacks   map[string][]string `yaml:"fallbacks"` // tool -> alternate tools, tried in order
	MQTT        MQTTConfig          `yaml:"mqtt"`
	Tracing     TracingConfig       `yaml:"tracing"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig selects which model serves each completion call and how
// to reach the providers. A model may name its provider with a prefix
// ("anthropic/claude-sonnet-4-5") instead of an entry in Available.
type ModelsConfig struct {
	Default    string `yaml:"default"`
	Planner    string `yaml:"planner"`    // Intent planning (JSON)
	Classifier string `yaml:"classifier"` // Persona label fallback
	Synthesis  string `yaml:"synthesis"`  // Result synthesis (JSON)
	Reply      string `yaml:"reply"`      // Conversational replies for tool-free turns

	OllamaURL       string        `yaml:"ollama_url"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string        `yaml:"openai_api_key"`
	OpenAIBaseURL   string        `yaml:"openai_base_url"`
	GeminiAPIKey    string        `yaml:"gemini_api_key"`
	Available       []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai, gemini
}

// PreferencesConfig tunes the preference engine.
type PreferencesConfig struct {
	// ConfidenceThreshold gates both logging of success events and
	// preference updates (default 0.7).
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// InferenceThreshold is the minimum confidence for a preference to
	// be reported by inference and personalization (default 0.6).
	InferenceThreshold float64 `yaml:"inference_threshold"`
	// PromotionThreshold is the minimum confidence for promoting a
	// preference into the user profile (default 0.7).
	PromotionThreshold float64       `yaml:"promotion_threshold"`
	DedupeWindow       time.Duration `yaml:"dedupe_window"`  // default 10s
	RetentionDays      int           `yaml:"retention_days"` // default 90
}

// ProactiveConfig tunes proactive suggestions.
type ProactiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DailyCap        int           `yaml:"daily_cap"`        // default 3
	DismissalCutoff float64       `yaml:"dismissal_cutoff"` // default 0.5
	CheckInterval   time.Duration `yaml:"check_interval"`   // default 24h
}

// SessionsConfig tunes ephemeral session memory.
type SessionsConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`      // default 1h
	SweepInterval   time.Duration `yaml:"sweep_interval"`    // default 10m
	ContextStackMax int           `yaml:"context_stack_max"` // default 10
}

// ToolsConfig holds tool registry metadata.
type ToolsConfig struct {
	// DefaultTimeout bounds each tool invocation (default 30s).
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// Categories overrides the static tool category table
	// (tool name -> action, analysis or information).
	Categories map[string]string `yaml:"categories"`
}

// MQTTConfig defines the optional MQTT broker used to deliver
// proactive suggestions.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g., mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "companion"
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether an MQTT broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// TracingConfig enables OpenTelemetry tracing of agent turns.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := baseConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := baseConfig()
	cfg.ApplyDefaults()
	return cfg
}

// baseConfig holds the defaults that YAML may override wholesale.
// Derived defaults (per-call models, thresholds) are filled afterwards
// by ApplyDefaults so they follow whatever the file sets.
func baseConfig() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama"},
			},
		},
		Proactive: ProactiveConfig{Enabled: true},
	}
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}

	m := &c.Models
	if m.Planner == "" {
		m.Planner = m.Default
	}
	if m.Classifier == "" {
		m.Classifier = m.Default
	}
	if m.Synthesis == "" {
		m.Synthesis = m.Default
	}
	if m.Reply == "" {
		m.Reply = m.Default
	}

	p := &c.Preferences
	if p.ConfidenceThreshold == 0 {
		p.ConfidenceThreshold = 0.7
	}
	if p.InferenceThreshold == 0 {
		p.InferenceThreshold = 0.6
	}
	if p.PromotionThreshold == 0 {
		p.PromotionThreshold = 0.7
	}
	if p.DedupeWindow == 0 {
		p.DedupeWindow = 10 * time.Second
	}
	if p.RetentionDays == 0 {
		p.RetentionDays = 90
	}

	if c.Proactive.DailyCap == 0 {
		c.Proactive.DailyCap = 3
	}
	if c.Proactive.DismissalCutoff == 0 {
		c.Proactive.DismissalCutoff = 0.5
	}
	if c.Proactive.CheckInterval == 0 {
		c.Proactive.CheckInterval = 24 * time.Hour
	}

	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = time.Hour
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = 10 * time.Minute
	}
	if c.Sessions.ContextStackMax == 0 {
		c.Sessions.ContextStackMax = 10
	}

	if c.Tools.DefaultTimeout == 0 {
		c.Tools.DefaultTimeout = 30 * time.Second
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "companion"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "companion"
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"preferences.confidence_threshold", c.Preferences.ConfidenceThreshold},
		{"preferences.inference_threshold", c.Preferences.InferenceThreshold},
		{"preferences.promotion_threshold", c.Preferences.PromotionThreshold},
		{"proactive.dismissal_cutoff", c.Proactive.DismissalCutoff},
	} {
		if th.v < 0 || th.v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", th.name, th.v))
		}
	}
	if c.Proactive.DailyCap < 0 {
		errs = append(errs, fmt.Errorf("proactive.daily_cap must not be negative, got %d", c.Proactive.DailyCap))
	}
	if c.Sessions.ContextStackMax < 0 {
		errs = append(errs, fmt.Errorf("sessions.context_stack_max must not be negative, got %d", c.Sessions.ContextStackMax))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic", "openai", "gemini":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	for tool, cat := range c.Tools.Categories {
		switch cat {
		case "action", "analysis", "information":
		default:
			errs = append(errs, fmt.Errorf("tools.categories[%s]: unknown category %q", tool, cat))
		}
	}
	return errors.Join(errs...)
}

// DatabasePath returns the SQLite file used by the preference engine.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "companion.db")
}

// Retention returns the action-log retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Preferences.RetentionDays) * 24 * time.Hour
}
