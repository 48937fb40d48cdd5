// Package tools provides the tool registry the execution loop invokes.
//
// Concrete tools (weather, maps, deal search) live outside this module
// and are registered at startup. The registry only knows names,
// categories, timeouts and how to call a handler.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds a tool invocation when neither the tool nor the
// registry sets one.
const DefaultTimeout = 30 * time.Second

// Handler executes a tool. A nil output, a falsy "success" field or a
// non-nil "error" field marks the output invalid.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Tool is a named, callable capability.
type Tool struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Category    Category      `json:"category,omitempty"`
	Timeout     time.Duration `json:"-"` // zero selects the registry default
	Handler     Handler       `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]*Tool
	categories     map[string]Category // configured overrides
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewRegistry creates an empty registry. defaultTimeout <= 0 selects
// [DefaultTimeout].
func NewRegistry(defaultTimeout time.Duration, logger *slog.Logger) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:          make(map[string]*Tool),
		categories:     make(map[string]Category),
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return errors.New("tool must have a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// SetCategories installs configured category overrides. Unknown
// category names are skipped with a warning.
func (r *Registry) SetCategories(overrides map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, raw := range overrides {
		c, ok := ParseCategory(raw)
		if !ok {
			r.logger.Warn("ignoring unknown tool category", "tool", name, "category", raw)
			continue
		}
		r.categories[name] = c
	}
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Category resolves the category of name: the registered tool's own
// category, then configured overrides, then the static table. Unknown
// tools are information.
func (r *Registry) Category(name string) Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok && t.Category != "" {
		return t.Category
	}
	if c, ok := r.categories[name]; ok {
		return c
	}
	return StaticCategory(name)
}

// Invoke runs the named tool with its timeout. A handler that ignores
// its context is abandoned when the timeout fires; its eventual result
// is discarded.
func (r *Registry) Invoke(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, &ErrToolUnavailable{ToolName: name}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := t.Handler(ctx, input)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ErrToolTimeout{ToolName: name, Timeout: timeout.String()}
		}
		return res.out, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ErrToolTimeout{ToolName: name, Timeout: timeout.String()}
		}
		return nil, ctx.Err()
	}
}
